package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	devilcloud "github.com/DEVIL0924/devil-cloud-advanced"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/server"
	apitls "github.com/DEVIL0924/devil-cloud-advanced/internal/tls"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

// ServeFlags holds flags for the serve command
type ServeFlags struct {
	Daemonize bool
	PidFile   string
	LogFile   string
}

func createServeCommand(g *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor daemon",
		Long: `Run the supervisor: the HTTP API, the crash monitor and, when enabled,
the Prometheus endpoint. Managed bots are detached and keep running when the
daemon stops; the next daemon picks them up again.

Examples:
  devilcloud serve --config devilcloud.toml
  devilcloud serve --config devilcloud.toml --daemonize --pidfile /run/devilcloud.pid --logfile /var/log/devilcloud.out`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if f.Daemonize {
				return daemonize(f.PidFile, f.LogFile)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g, f, nil)
		},
	}
	cmd.Flags().BoolVar(&f.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&f.PidFile, "pidfile", "", "write the daemon PID to this file")
	cmd.Flags().StringVar(&f.LogFile, "logfile", "", "redirect daemon output to file")
	return cmd
}

// runServe runs until ctx is cancelled or a listener fails. ready, when set,
// receives the bound API address once requests are being accepted.
func runServe(ctx context.Context, g *GlobalFlags, f *ServeFlags, ready func(apiAddr string)) error {
	sup, err := openSupervisor(g.ConfigPath)
	if err != nil {
		return err
	}
	defer func() { _ = sup.Close() }()
	cfg, log := sup.Config(), sup.Logger()

	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("write pid file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warn("tracing shutdown", slog.Any("error", err))
		}
	}()

	// Background loops are joined before the registry is closed.
	var wg sync.WaitGroup
	bg, stopBG := context.WithCancel(ctx)
	defer func() {
		stopBG()
		wg.Wait()
	}()

	errCh := make(chan error, 2)
	var servers []*http.Server

	if cfg.Metrics.Enabled {
		if err := devilcloud.RegisterMetricsDefault(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", devilcloud.MetricsHandler())
		msrv, maddr, err := listen(cfg.Metrics.Listen, mux, nil, errCh)
		if err != nil {
			return fmt.Errorf("metrics listener: %w", err)
		}
		servers = append(servers, msrv)
		log.Info("metrics listening", slog.String("addr", maddr))

		col := sup.NewCollector()
		wg.Add(1)
		go func() {
			defer wg.Done()
			col.Run(bg)
		}()
	}

	mon := sup.NewMonitor()
	wg.Add(1)
	go func() {
		defer wg.Done()
		mon.Run(bg)
	}()

	if log.Enabled(ctx, slog.LevelDebug) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	tlsCfg, err := apitls.Setup(cfg.Server.TLS)
	if err != nil {
		shutdownAll(log, servers)
		return fmt.Errorf("api tls: %w", err)
	}
	asrv, addr, err := listen(cfg.Server.Listen, sup.Handler(mon), tlsCfg, errCh)
	if err != nil {
		shutdownAll(log, servers)
		return fmt.Errorf("api listener: %w", err)
	}
	servers = append(servers, asrv)
	log.Info("devilcloud API listening",
		slog.String("addr", addr),
		slog.String("base_path", cfg.Server.BasePath),
		slog.Bool("tls", tlsCfg != nil))
	if ready != nil {
		ready(addr)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down; managed bots keep running")
		err = nil
	case err = <-errCh:
		log.Error("listener failed", slog.Any("error", err))
	}
	shutdownAll(log, servers)
	return err
}

// listen binds addr before serving so port errors surface synchronously and
// ":0" resolves to a real port. A non-nil tlsCfg serves HTTPS.
func listen(addr string, h http.Handler, tlsCfg *tls.Config, errCh chan<- error) (*http.Server, string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", err
	}
	srv := server.NewServer(ln.Addr().String(), h)
	if tlsCfg != nil {
		srv.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	return srv, ln.Addr().String(), nil
}

func shutdownAll(log *slog.Logger, servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(ctx); err != nil {
			log.Warn("server shutdown", slog.String("addr", s.Addr), slog.Any("error", err))
		}
	}
}
