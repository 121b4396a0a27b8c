package manager

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/history"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/logger"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/metrics"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/process"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
)

const (
	exitRequested    = "stopped by request"
	exitCrashed      = "process exited unexpectedly"
	exitRestartLimit = "restart limit reached"
)

// Start launches the bot unless it is already running.
func (m *Manager) Start(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "start", id)
	defer func() { endSpan(span, err) }()
	unlock := m.locks.Lock(id)
	defer unlock()
	if err := m.startLocked(ctx, id, false); err != nil {
		return err
	}
	m.manualStarted(id)
	return nil
}

// Stop terminates the bot and records it as stopped. Stopping a stopped bot succeeds.
func (m *Manager) Stop(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "stop", id)
	defer func() { endSpan(span, err) }()
	unlock := m.locks.Lock(id)
	defer unlock()
	return m.stopLocked(ctx, id)
}

// Restart stops the bot, waits the settle delay and starts it again.
// A manual restart does not count towards RestartCount.
func (m *Manager) Restart(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "restart", id)
	defer func() { endSpan(span, err) }()
	unlock := m.locks.Lock(id)
	defer unlock()
	if err := m.stopLocked(ctx, id); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.settle):
	}
	if err := m.startLocked(ctx, id, false); err != nil {
		return err
	}
	m.manualStarted(id)
	return nil
}

// Delete stops the bot, removes its files and log, then drops the record.
func (m *Manager) Delete(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "delete", id)
	defer func() { endSpan(span, err) }()
	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := registry.Get(ctx, m.st, id)
	if err != nil {
		return err
	}
	if rec.PID > 0 {
		if err := process.Terminate(rec.PID, rec.ProcStartMS, m.grace); err != nil {
			m.log.Warn("terminate before delete failed", slog.String("id", id), slog.Any("error", err))
		}
	}
	target := rec.StorageDir
	if target == "" {
		target = rec.Executable
	}
	if target != "" {
		if err := os.RemoveAll(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
			m.log.Warn("remove bot files failed", slog.String("id", id), slog.String("path", target), slog.Any("error", err))
		}
	}
	if rec.LogPath != "" {
		if err := logger.Remove(rec.LogPath); err != nil {
			m.log.Warn("remove bot log failed", slog.String("id", id), slog.Any("error", err))
		}
	}
	err = m.st.Update(ctx, func(all map[string]registry.Record) (map[string]registry.Record, error) {
		delete(all, id)
		return all, nil
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	metrics.Forget(id)
	m.log.Info("bot deleted", slog.String("id", id), slog.String("owner", rec.Owner))
	rec.State, rec.PID = registry.StateStopped, 0
	m.emit(ctx, history.EventDelete, rec, "")
	return nil
}

// Recovery is the outcome of RecoverCrashed.
type Recovery int

const (
	RecoveryNone       Recovery = iota // record changed or process alive; nothing done
	RecoveryRestarted                  // crash confirmed and bot relaunched
	RecoverySuppressed                 // crash confirmed, restart refused by policy
	RecoveryFailed                     // crash confirmed, relaunch failed
)

func (r Recovery) String() string {
	switch r {
	case RecoveryRestarted:
		return "restarted"
	case RecoverySuppressed:
		return "suppressed"
	case RecoveryFailed:
		return "failed"
	default:
		return "none"
	}
}

// RecoverCrashed handles a bot the monitor observed dead at observedPID.
// Under the bot's lock it re-checks that the record still claims that PID and
// that the process is really gone, records the crash, then relaunches it with
// the auto-restart banner if allow permits. allow may be nil.
//
// observedPID 0 resumes a record already marked crashed, e.g. when the
// previous supervisor died between recording a crash and relaunching.
func (m *Manager) RecoverCrashed(ctx context.Context, id string, observedPID int, allow func(id string) bool) (out Recovery, err error) {
	ctx, span := startSpan(ctx, "recover", id)
	defer func() {
		span.SetAttributes(attribute.String("bot.recovery", out.String()))
		endSpan(span, err)
	}()
	unlock := m.locks.Lock(id)
	defer unlock()

	rec, err := registry.Get(ctx, m.st, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RecoveryNone, nil
		}
		return RecoveryNone, err
	}
	resume := observedPID == 0 && rec.State == registry.StateCrashed
	if !resume {
		if !rec.Running() || rec.PID != observedPID || process.Alive(rec.PID, rec.ProcStartMS) {
			return RecoveryNone, nil
		}
		crashed, err := registry.Modify(ctx, m.st, id, func(r *registry.Record) error {
			if r.State != registry.StateRunning || r.PID != observedPID {
				return errStale
			}
			r.State = registry.StateCrashed
			r.PID = 0
			r.LastExit = exitCrashed
			return nil
		})
		if errors.Is(err, errStale) || errors.Is(err, ErrNotFound) {
			return RecoveryNone, nil
		}
		if err != nil {
			return RecoveryNone, err
		}
		metrics.IncCrash(id)
		m.log.Warn("bot crashed", slog.String("id", id), slog.Int("pid", observedPID), slog.Int("restarts", crashed.RestartCount))
		crashed.PID = observedPID
		m.emit(ctx, history.EventCrash, crashed, exitCrashed)
	} else {
		m.log.Warn("resuming recovery of crashed bot", slog.String("id", id), slog.Int("restarts", rec.RestartCount))
	}

	if allow != nil && !allow(id) {
		r, err := registry.Modify(ctx, m.st, id, func(r *registry.Record) error {
			if r.State != registry.StateCrashed {
				return errStale
			}
			r.State = registry.StateStopped
			r.LastExit = exitRestartLimit
			return nil
		})
		if errors.Is(err, errStale) || errors.Is(err, ErrNotFound) {
			return RecoveryNone, nil
		}
		if err != nil {
			return RecoverySuppressed, err
		}
		m.log.Error("automatic restart suppressed", slog.String("id", id), slog.Int("restarts", r.RestartCount))
		m.emit(ctx, history.EventStop, r, exitRestartLimit)
		return RecoverySuppressed, nil
	}

	if err := m.startLocked(ctx, id, true); err != nil {
		return RecoveryFailed, err
	}
	return RecoveryRestarted, nil
}

var errStale = errors.New("record changed")

// maxStopAttempts bounds how often Stop retries when another controller
// sharing the registry records a new process between terminate and persist.
const maxStopAttempts = 3

func (m *Manager) startLocked(ctx context.Context, id string, auto bool) error {
	rec, err := registry.Get(ctx, m.st, id)
	if err != nil {
		return err
	}
	if rec.Running() && process.Alive(rec.PID, rec.ProcStartMS) {
		return nil
	}

	banner := logger.BannerStarted
	if auto {
		banner = logger.BannerRestarted
	}
	h, lerr := m.launch(rec, banner)
	if lerr != nil {
		metrics.IncLaunchFailure(id)
		m.log.Error("bot launch failed", slog.String("id", id), slog.Any("error", lerr))
		r, err := registry.Modify(ctx, m.st, id, func(r *registry.Record) error {
			if r.Running() && process.Alive(r.PID, r.ProcStartMS) {
				return errStale
			}
			r.State = registry.StateStopped
			r.PID = 0
			r.LastExit = lerr.Error()
			return nil
		})
		if errors.Is(err, errStale) {
			return fmt.Errorf("start %s: %w", id, lerr)
		}
		if err != nil {
			return err
		}
		m.emit(ctx, history.EventLaunchFailed, r, lerr.Error())
		return fmt.Errorf("start %s: %w", id, lerr)
	}

	now := time.Now().UTC()
	rec, err = registry.Modify(ctx, m.st, id, func(r *registry.Record) error {
		// controllers in other processes share the registry but not our lock
		if r.Running() && r.PID != h.PID && process.Alive(r.PID, r.ProcStartMS) {
			return errStale
		}
		r.State = registry.StateRunning
		r.PID = h.PID
		r.ProcStartMS = h.StartMS
		r.LastStartedAt = &now
		r.LastExit = ""
		if auto {
			r.RestartCount++
		}
		return nil
	})
	if err != nil {
		// another controller started it first, or the record vanished (or could
		// not be written) while launching: do not leave an orphan
		if terr := process.Terminate(h.PID, h.StartMS, m.grace); terr != nil {
			m.log.Warn("terminate orphaned launch failed", slog.String("id", id), slog.Any("error", terr))
		}
		if errors.Is(err, errStale) {
			m.log.Info("bot already started by another controller", slog.String("id", id), slog.Int("discarded_pid", h.PID))
			return nil
		}
		return err
	}

	metrics.IncStart(id)
	typ := history.EventStart
	if auto {
		metrics.IncRestart(id)
		typ = history.EventRestart
	}
	m.log.Info("bot started", slog.String("id", id), slog.Int("pid", h.PID), slog.Bool("auto", auto))
	m.emit(ctx, typ, rec, "")
	return nil
}

// launch opens the log, writes the banner and spawns the process.
func (m *Manager) launch(rec registry.Record, banner string) (*process.Handle, error) {
	logPath := rec.LogPath
	if logPath == "" {
		logPath = m.logs.BotLogPath(rec.ID)
	}
	f, err := logger.OpenForAppend(logPath, m.logs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	defer func() { _ = f.Close() }()
	if err := logger.WriteBanner(f, banner, time.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	return m.launcher.Launch(process.Spec{
		Runtime:    rec.Runtime,
		Executable: rec.Executable,
		Env: m.env.Merge([]string{
			"BOT_ID=" + rec.ID,
			"BOT_OWNER=" + rec.Owner,
			"BOT_NAME=" + rec.Name,
		}),
		Log: f,
	})
}

func (m *Manager) stopLocked(ctx context.Context, id string) error {
	for attempt := 1; ; attempt++ {
		done, err := m.stopOnce(ctx, id)
		if done || err != nil {
			return err
		}
		if attempt == maxStopAttempts {
			return fmt.Errorf("stop %s: %w after %d attempts", id, errStale, attempt)
		}
	}
}

// stopOnce terminates the recorded process and clears it, provided the record
// still names that process. done is false when the record changed meanwhile.
func (m *Manager) stopOnce(ctx context.Context, id string) (done bool, err error) {
	rec, err := registry.Get(ctx, m.st, id)
	if err != nil {
		return false, err
	}
	if rec.State == registry.StateStopped && rec.PID == 0 {
		return true, nil
	}
	if rec.PID > 0 {
		// signalling failures must not leave the record claiming a process
		if err := process.Terminate(rec.PID, rec.ProcStartMS, m.grace); err != nil {
			m.log.Warn("terminate failed", slog.String("id", id), slog.Int("pid", rec.PID), slog.Any("error", err))
		}
	}
	r, err := registry.Modify(ctx, m.st, id, func(r *registry.Record) error {
		if r.PID != rec.PID {
			return errStale
		}
		r.State = registry.StateStopped
		r.PID = 0
		r.LastExit = exitRequested
		return nil
	})
	if errors.Is(err, errStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	metrics.IncStop(id)
	m.log.Info("bot stopped", slog.String("id", id), slog.Int("pid", rec.PID))
	r.PID = rec.PID
	m.emit(ctx, history.EventStop, r, exitRequested)
	return true, nil
}
