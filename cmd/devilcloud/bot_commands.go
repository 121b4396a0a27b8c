package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
	"github.com/DEVIL0924/devil-cloud-advanced/pkg/client"
)

// SubmitFlags holds flags for the submit command
type SubmitFlags struct {
	Owner      string
	File       string
	Runtime    string
	Name       string
	StorageDir string
	Upload     bool
	Start      bool
}

// withAPI opens the backend selected by the global flags for one command.
func withAPI(cmd *cobra.Command, g *GlobalFlags, fn func(ctx context.Context, api botAPI) error) error {
	api, err := openAPI(g)
	if err != nil {
		return err
	}
	defer func() { _ = api.Close() }()
	return fn(cmd.Context(), api)
}

func createSubmitCommand(g *GlobalFlags) *cobra.Command {
	f := &SubmitFlags{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Register a bot script",
		Long: `Register a bot. The bot starts in the stopped state unless --start is given.
The runtime is taken from the file extension (.py .php .js .sh) when not set.

Examples:
  devilcloud submit --owner alice --file /srv/bots/echo.py
  devilcloud submit --file ./bot.sh --upload --api-url http://127.0.0.1:8080/api --tenant alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAPI(cmd, g, func(ctx context.Context, api botAPI) error {
				return runSubmit(ctx, cmd, g, f, api)
			})
		},
	}
	cmd.Flags().StringVar(&f.Owner, "owner", "", "owning tenant (defaults to --tenant)")
	cmd.Flags().StringVar(&f.File, "file", "", "script to run")
	cmd.Flags().StringVar(&f.Runtime, "runtime", "", "python, php, node or shell")
	cmd.Flags().StringVar(&f.Name, "name", "", "display name (defaults to the file name)")
	cmd.Flags().StringVar(&f.StorageDir, "storage-dir", "", "directory removed together with the bot")
	cmd.Flags().BoolVar(&f.Upload, "upload", false, "upload the file to the daemon instead of referencing a path")
	cmd.Flags().BoolVar(&f.Start, "start", false, "start the bot right after registering it")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runSubmit(ctx context.Context, cmd *cobra.Command, g *GlobalFlags, f *SubmitFlags, api botAPI) error {
	owner := strings.TrimSpace(f.Owner)
	if owner == "" {
		owner = g.Tenant
	}
	if owner == "" && g.APIURL == "" {
		return errors.New("--owner is required")
	}

	var (
		id  string
		err error
	)
	if f.Upload {
		id, err = api.Upload(ctx, client.UploadRequest{Owner: owner, Path: f.File, Runtime: f.Runtime, Name: f.Name})
	} else {
		rt := f.Runtime
		if rt == "" {
			byExt, ok := registry.RuntimeForFile(f.File)
			if !ok {
				return fmt.Errorf("cannot tell the runtime of %s; pass --runtime", f.File)
			}
			rt = string(byExt)
		}
		id, err = api.Submit(ctx, client.SubmitRequest{
			Owner:      owner,
			Executable: f.File,
			Runtime:    rt,
			Name:       f.Name,
			StorageDir: f.StorageDir,
		})
	}
	if err != nil {
		return err
	}
	if f.Start {
		if err := api.Start(ctx, id); err != nil {
			return fmt.Errorf("bot %s registered but failed to start: %w", id, err)
		}
	}
	bot, err := api.Get(ctx, id)
	if err != nil {
		return err
	}
	printJSON(cmd.OutOrStdout(), bot)
	return nil
}

// createLifecycleCommand builds start, stop and restart, which share shape:
// run op on one id, then print the resulting status.
func createLifecycleCommand(g *GlobalFlags, use, short string, op func(botAPI, context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(cmd, g, func(ctx context.Context, api botAPI) error {
				if err := op(api, ctx, args[0]); err != nil {
					return err
				}
				bot, err := api.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), bot)
				return nil
			})
		},
	}
}

func createDeleteCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Stop a bot and remove it with its files and log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(cmd, g, func(ctx context.Context, api botAPI) error {
				if err := api.Delete(ctx, args[0]); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}
}

func createStatusCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show one bot with its live cpu and memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(cmd, g, func(ctx context.Context, api botAPI) error {
				bot, err := api.Get(ctx, args[0])
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), bot)
				return nil
			})
		},
	}
}

func createListCommand(g *GlobalFlags) *cobra.Command {
	var (
		owner  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bots ordered by creation time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAPI(cmd, g, func(ctx context.Context, api botAPI) error {
				bots, err := api.List(ctx, owner)
				if err != nil {
					return err
				}
				if asJSON {
					printJSON(cmd.OutOrStdout(), bots)
					return nil
				}
				return printBotTable(cmd.OutOrStdout(), bots)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "only bots of this tenant")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func createLogsCommand(g *GlobalFlags) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs <id>",
		Short: "Print the tail of a bot's log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if lines <= 0 {
				return errors.New("--lines must be positive")
			}
			return withAPI(cmd, g, func(ctx context.Context, api botAPI) error {
				l, err := api.Logs(ctx, args[0], lines)
				if err != nil {
					return err
				}
				if l.Message != "" && len(l.Lines) == 0 {
					_, _ = fmt.Fprintln(cmd.ErrOrStderr(), l.Message)
					return nil
				}
				for _, line := range l.Lines {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 100, "number of lines")
	return cmd
}

func createEventsCommand(g *GlobalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "Show a bot's lifecycle history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAPI(cmd, g, func(ctx context.Context, api botAPI) error {
				evs, err := api.Events(ctx, args[0], limit)
				if err != nil {
					return err
				}
				return printEventTable(cmd.OutOrStdout(), evs)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	return cmd
}

func createReconcileCommand(g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one crash-monitor pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withAPI(cmd, g, func(ctx context.Context, api botAPI) error {
				res, err := api.Reconcile(ctx)
				if err != nil {
					return err
				}
				printJSON(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
}
