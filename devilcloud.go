// Package devilcloud embeds the bot supervisor: registry, controller, crash
// monitor and HTTP API wired from one configuration.
package devilcloud

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/config"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/env"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/history"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/history/factory"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/manager"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/metrics"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/monitor"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/process"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Record = registry.Record

type Status = manager.Status

type SubmitRequest = manager.SubmitRequest

type Event = history.Event

type MonitorResult = monitor.Result

var (
	ErrNotFound      = manager.ErrNotFound
	ErrLaunchFailed  = manager.ErrLaunchFailed
	ErrCorrupt       = manager.ErrCorrupt
	ErrLimitExceeded = manager.ErrLimitExceeded
	ErrNoLogs        = manager.ErrNoLogs
	ErrInvalid       = manager.ErrInvalid
)

// ErrHistoryDisabled is returned by Events when no queryable sink is configured.
var ErrHistoryDisabled = errors.New("history is not configured")

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Supervisor owns the components built from a Config.
type Supervisor struct {
	cfg     *Config
	log     *slog.Logger
	store   registry.Store
	mgr     *manager.Manager
	sinks   []history.Sink
	closers []io.Closer
}

// Open wires registry, controller and history sinks. The service log goes to
// logOut (stderr when nil) and to log.file when configured. History is best
// effort: a sink that cannot be opened is logged and skipped.
func Open(cfg *Config, logOut io.Writer) (*Supervisor, error) {
	log, logCloser := cfg.LoggerConfig().NewSlogger(logOut)
	s := &Supervisor{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	if err := os.MkdirAll(cfg.Logs.Dir, 0o750); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	st, err := registry.Open(cfg.Registry.DSN)
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}
	s.store = st
	s.closers = append(s.closers, st)

	globals, err := cfg.GlobalEnv()
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	for _, dsn := range cfg.History.All() {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("history sink disabled", slog.String("dsn", RedactDSN(dsn)), slog.Any("error", err))
			continue
		}
		s.sinks = append(s.sinks, sink)
		if c, ok := sink.(io.Closer); ok {
			s.closers = append(s.closers, c)
		}
	}

	s.mgr = manager.New(st, manager.Options{
		Logs:        cfg.LoggerConfig().File,
		Launcher:    process.NewLauncher(process.DefaultInterpreters().With(cfg.Runtimes), log),
		Env:         env.New().WithGlobals(globals),
		StopGrace:   cfg.Control.StopGrace,
		SettleDelay: cfg.Control.SettleDelay,
		Limits: func(owner string) manager.Limit {
			l := cfg.Limits.For(owner)
			return manager.Limit{MaxProcesses: l.MaxProcesses, MaxStorageMB: l.MaxStorageMB}
		},
		Sinks: s.sinks,
		Log:   log,
	})
	return s, nil
}

func (s *Supervisor) Config() *Config              { return s.cfg }
func (s *Supervisor) Logger() *slog.Logger         { return s.log }
func (s *Supervisor) Controller() *manager.Manager { return s.mgr }

func (s *Supervisor) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	return s.mgr.Submit(ctx, req)
}
func (s *Supervisor) Start(ctx context.Context, id string) error   { return s.mgr.Start(ctx, id) }
func (s *Supervisor) Stop(ctx context.Context, id string) error    { return s.mgr.Stop(ctx, id) }
func (s *Supervisor) Restart(ctx context.Context, id string) error { return s.mgr.Restart(ctx, id) }
func (s *Supervisor) Delete(ctx context.Context, id string) error  { return s.mgr.Delete(ctx, id) }
func (s *Supervisor) Get(ctx context.Context, id string) (Status, error) {
	return s.mgr.Get(ctx, id)
}
func (s *Supervisor) List(ctx context.Context) ([]Record, error) { return s.mgr.List(ctx) }
func (s *Supervisor) ListForOwner(ctx context.Context, owner string) ([]Record, error) {
	return s.mgr.ListForOwner(ctx, owner)
}
func (s *Supervisor) LogsTail(ctx context.Context, id string, n int) ([]string, error) {
	return s.mgr.LogsTail(ctx, id, n)
}

// EventReader returns the first history sink that can be queried, or nil.
func (s *Supervisor) EventReader() server.EventReader {
	for _, sink := range s.sinks {
		if r, ok := sink.(server.EventReader); ok {
			return r
		}
	}
	return nil
}

// Events returns the bot's lifecycle history, newest first.
func (s *Supervisor) Events(ctx context.Context, id string, limit int) ([]Event, error) {
	r := s.EventReader()
	if r == nil {
		return nil, ErrHistoryDisabled
	}
	return r.Recent(ctx, id, limit)
}

// NewMonitor builds a crash monitor with the configured interval and restart
// policy. The policy lives in the monitor, so storm limits only hold across
// passes of the same instance. A manual start or restart clears the bot's
// restart history, lifting any cooldown.
func (s *Supervisor) NewMonitor() *monitor.Monitor {
	m := s.cfg.Monitor
	policy := monitor.NewRestartPolicy(m.MaxRestarts, m.Window, m.Cooldown)
	s.mgr.OnManualStart(policy.Reset)
	return monitor.New(s.store, s.mgr, monitor.Config{
		Interval:     m.Interval,
		ErrorBackoff: m.ErrorBackoff,
		Policy:       policy,
	}, s.log)
}

// Handler returns the HTTP API. mon may be nil, which disables /debug/reconcile.
func (s *Supervisor) Handler(mon *monitor.Monitor) http.Handler {
	opts := server.Options{
		BasePath:    s.cfg.Server.BasePath,
		UploadDir:   s.cfg.Server.UploadDir,
		MaxUploadMB: s.cfg.Server.MaxUploadMB,
		Events:      s.EventReader(),
		ServiceName: s.cfg.Tracing.ServiceName,
		Log:         s.log,
	}
	if mon != nil {
		opts.Reconciler = mon
	}
	return server.NewRouter(s.mgr, opts).Handler()
}

// NewCollector samples running bots into the resource gauges every
// monitor.sample_interval.
func (s *Supervisor) NewCollector() *metrics.Collector {
	return metrics.NewCollector(s.cfg.Monitor.SampleInterval, s.mgr.RunningTargets, func(pid int) (float64, uint64, error) {
		st, err := process.Sample(pid)
		return st.CPUPercent, st.MemoryBytes, err
	}, s.log)
}

// Close releases sinks, the registry and the log file, newest first.
func (s *Supervisor) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler serves the default Prometheus gatherer.
func MetricsHandler() http.Handler { return metrics.Handler() }

// RedactDSN hides the password of URL-shaped DSNs before they are logged.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		return dsn
	}
	return u.Redacted()
}
