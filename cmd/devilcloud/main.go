package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// API connection; empty APIURL means the command works on the local registry.
	APIURL     string
	APITimeout time.Duration
	Tenant     string
	Admin      bool
	Insecure   bool
	CACert     string
}

// buildRoot creates the root command with every subcommand attached.
func buildRoot() *cobra.Command {
	g := &GlobalFlags{}
	root := createRootCommand(g)
	root.AddCommand(
		createServeCommand(g),
		createSubmitCommand(g),
		createLifecycleCommand(g, "start", "Start a stopped bot", botAPI.Start),
		createLifecycleCommand(g, "stop", "Stop a running bot", botAPI.Stop),
		createLifecycleCommand(g, "restart", "Stop then start a bot", botAPI.Restart),
		createDeleteCommand(g),
		createStatusCommand(g),
		createListCommand(g),
		createLogsCommand(g),
		createEventsCommand(g),
		createReconcileCommand(g),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "devilcloud",
		Short: "Multi-tenant bot process supervisor",
		Long: `devilcloud keeps tenant bots (python, php, node and shell scripts) running
as detached processes, restarts them when they crash and keeps their logs.

Examples:
  devilcloud serve --config devilcloud.toml
  devilcloud submit --owner alice --file ./bot.py
  devilcloud start <id>
  devilcloud logs <id> --lines 50
  devilcloud list --api-url http://remote:8080/api --tenant alice`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIURL, "api-url", "", "talk to a running daemon instead of the local registry (e.g. http://127.0.0.1:8080/api)")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "API request timeout")
	pf.StringVar(&flags.Tenant, "tenant", "", "tenant sent to the daemon as X-Tenant")
	pf.BoolVar(&flags.Admin, "admin", false, "act as administrator against the daemon")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS verification for --api-url")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate that signs the daemon's TLS certificate")

	return root
}
