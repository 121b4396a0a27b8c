// Package monitor polls the registry for bots whose process died and hands
// them to the controller for crash recovery.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/manager"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/metrics"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/process"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
)

const (
	DefaultInterval     = 5 * time.Second
	DefaultErrorBackoff = 10 * time.Second
)

// Recoverer is the controller entry point used for dead bots.
type Recoverer interface {
	RecoverCrashed(ctx context.Context, id string, observedPID int, allow func(id string) bool) (manager.Recovery, error)
}

type Config struct {
	Interval     time.Duration
	ErrorBackoff time.Duration
	Policy       *RestartPolicy // nil restarts without limit
}

// Result summarises one reconciliation pass.
type Result struct {
	Checked    int      `json:"checked"`
	Dead       int      `json:"dead"`
	Restarted  []string `json:"restarted"`
	Suppressed []string `json:"suppressed"`
	Failed     []string `json:"failed"`
}

// Policy returns the restart policy, nil when restarts are unlimited.
func (m *Monitor) Policy() *RestartPolicy { return m.cfg.Policy }

type Monitor struct {
	st   registry.Store
	rec  Recoverer
	cfg  Config
	log  *slog.Logger
	pass sync.Mutex

	// alive is swapped in tests.
	alive func(pid int, startMS int64) bool
}

func New(st registry.Store, rec Recoverer, cfg Config, log *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{st: st, rec: rec, cfg: cfg, log: log.With(slog.String("component", "monitor")), alive: process.Alive}
}

// Run reconciles every Interval until ctx is cancelled. A failed registry
// load delays the next pass by ErrorBackoff instead.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("crash monitor started", slog.Duration("interval", m.cfg.Interval))
	defer m.log.Info("crash monitor stopped")
	for {
		wait := m.cfg.Interval
		if _, err := m.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Error("monitor pass failed", slog.Any("error", err), slog.Duration("backoff", m.cfg.ErrorBackoff))
			wait = m.cfg.ErrorBackoff
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// RunOnce performs a single reconciliation pass. Passes never overlap.
func (m *Monitor) RunOnce(ctx context.Context) (Result, error) {
	m.pass.Lock()
	defer m.pass.Unlock()

	var res Result
	all, err := registry.LoadOrEmpty(ctx, m.st, m.log)
	if err != nil {
		metrics.IncMonitorCycle(metrics.CycleLoadError)
		return res, err
	}
	metrics.IncMonitorCycle(metrics.CycleOK)

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var allow func(string) bool
	if m.cfg.Policy != nil {
		allow = m.cfg.Policy.Allow
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		r := all[id]
		observed := r.PID
		switch {
		case r.Running():
			res.Checked++
			if m.alive(r.PID, r.ProcStartMS) {
				continue
			}
		case r.State == registry.StateCrashed:
			// crash recorded but never relaunched
			res.Checked++
			observed = 0
		default:
			continue
		}
		res.Dead++
		out, err := m.rec.RecoverCrashed(ctx, id, observed, allow)
		switch out {
		case manager.RecoveryRestarted:
			res.Restarted = append(res.Restarted, id)
		case manager.RecoverySuppressed:
			res.Suppressed = append(res.Suppressed, id)
		case manager.RecoveryFailed:
			res.Failed = append(res.Failed, id)
		}
		if err != nil {
			m.log.Warn("crash recovery failed", slog.String("id", id), slog.String("outcome", out.String()), slog.Any("error", err))
		}
	}
	if res.Dead > 0 {
		m.log.Info("monitor pass", slog.Int("checked", res.Checked), slog.Int("dead", res.Dead),
			slog.Int("restarted", len(res.Restarted)), slog.Int("suppressed", len(res.Suppressed)), slog.Int("failed", len(res.Failed)))
	}
	return res, nil
}
