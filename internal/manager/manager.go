package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/env"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/history"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/logger"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/metrics"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/process"
	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
)

// Launcher spawns a bot process.
type Launcher interface {
	Launch(spec process.Spec) (*process.Handle, error)
}

// Limit caps what one owner may hold. Zero fields are unlimited.
type Limit struct {
	MaxProcesses int
	MaxStorageMB int64
}

// Options configures a Manager. Zero values select defaults.
type Options struct {
	Logs        logger.FileConfig
	Launcher    Launcher
	Env         *env.Env
	StopGrace   time.Duration // default 5s
	SettleDelay time.Duration // pause between stop and start on restart, default 1s
	Limits      func(owner string) Limit
	Sinks       []history.Sink
	Log         *slog.Logger
}

// Manager is the process controller. Every state change goes through the
// registry's atomic update; lifecycle operations on one id are serialised.
type Manager struct {
	st       registry.Store
	logs     logger.FileConfig
	launcher Launcher
	env      *env.Env
	grace    time.Duration
	settle   time.Duration
	limits   func(string) Limit
	log      *slog.Logger
	locks    *keyedMutex

	mu            sync.RWMutex
	sinks         []history.Sink
	onManualStart []func(id string)
}

func New(st registry.Store, opts Options) *Manager {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Launcher == nil {
		opts.Launcher = process.NewLauncher(nil, opts.Log)
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 5 * time.Second
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	} else if opts.SettleDelay == 0 {
		opts.SettleDelay = time.Second
	}
	if opts.Limits == nil {
		opts.Limits = func(string) Limit { return Limit{} }
	}
	if opts.Logs.Dir == "" {
		opts.Logs.Dir = "logs"
	}
	if abs, err := filepath.Abs(opts.Logs.Dir); err == nil {
		opts.Logs.Dir = abs
	}
	return &Manager{
		st:       st,
		logs:     opts.Logs,
		launcher: opts.Launcher,
		env:      opts.Env,
		grace:    opts.StopGrace,
		settle:   opts.SettleDelay,
		limits:   opts.Limits,
		log:      opts.Log,
		locks:    newKeyedMutex(),
		sinks:    append([]history.Sink(nil), opts.Sinks...),
	}
}

// SetHistorySinks replaces the lifecycle event sinks.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	m.sinks = append([]history.Sink(nil), sinks...)
	m.mu.Unlock()
}

// OnManualStart registers fn to run after every successful Start or Restart
// requested by a user. Automatic restarts do not trigger it.
func (m *Manager) OnManualStart(fn func(id string)) {
	m.mu.Lock()
	m.onManualStart = append(m.onManualStart, fn)
	m.mu.Unlock()
}

func (m *Manager) manualStarted(id string) {
	m.mu.RLock()
	hooks := m.onManualStart
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}
}

func (m *Manager) emit(ctx context.Context, typ history.EventType, r registry.Record, msg string) {
	m.mu.RLock()
	sinks := m.sinks
	m.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	history.Dispatch(context.WithoutCancel(ctx), m.log, sinks, history.Event{
		Type:         typ,
		OccurredAt:   time.Now().UTC(),
		RecordID:     r.ID,
		Owner:        r.Owner,
		Name:         r.Name,
		PID:          r.PID,
		State:        string(r.State),
		RestartCount: r.RestartCount,
		Message:      msg,
	})
}

// SubmitRequest describes a new bot.
type SubmitRequest struct {
	Owner      string
	Executable string
	Runtime    string
	Name       string
	StorageDir string // optional; removed together with the bot
}

// Submit registers a stopped bot and returns its id.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return "", fmt.Errorf("%w: owner is required", ErrInvalid)
	}
	rt, err := registry.ParseRuntime(req.Runtime)
	if err != nil {
		return "", err
	}
	exe, err := filepath.Abs(strings.TrimSpace(req.Executable))
	if err != nil || strings.TrimSpace(req.Executable) == "" {
		return "", fmt.Errorf("%w: executable is required", ErrInvalid)
	}
	if st, err := os.Stat(exe); err != nil || st.IsDir() {
		return "", fmt.Errorf("%w: executable %s is not a file", ErrInvalid, exe)
	}
	storage := ""
	if s := strings.TrimSpace(req.StorageDir); s != "" {
		if storage, err = filepath.Abs(s); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = filepath.Base(exe)
	}

	limit := m.limits(owner)
	if limit.MaxStorageMB > 0 {
		snap, err := registry.LoadOrEmpty(ctx, m.st, m.log)
		if err != nil {
			return "", err
		}
		used := footprint(storage, exe)
		for _, r := range snap {
			if r.Owner == owner {
				used += footprint(r.StorageDir, r.Executable)
			}
		}
		if used > limit.MaxStorageMB*1024*1024 {
			return "", fmt.Errorf("%w: storage limit of %d MB reached for %s", ErrLimitExceeded, limit.MaxStorageMB, owner)
		}
	}

	id := uuid.NewString()
	rec := registry.Record{
		ID:         id,
		Owner:      owner,
		Name:       name,
		Executable: exe,
		StorageDir: storage,
		Runtime:    rt,
		State:      registry.StateStopped,
		LogPath:    m.logs.BotLogPath(id),
		CreatedAt:  time.Now().UTC(),
	}
	err = m.st.Update(ctx, func(all map[string]registry.Record) (map[string]registry.Record, error) {
		if limit.MaxProcesses > 0 {
			n := 0
			for _, r := range all {
				if r.Owner == owner {
					n++
				}
			}
			if n >= limit.MaxProcesses {
				return nil, fmt.Errorf("%w: %s already has %d bots", ErrLimitExceeded, owner, n)
			}
		}
		all[id] = rec
		return all, nil
	})
	if err != nil {
		return "", err
	}
	m.log.Info("bot submitted", slog.String("id", id), slog.String("owner", owner), slog.String("runtime", string(rt)))
	m.emit(ctx, history.EventSubmit, rec, "")
	return id, nil
}

// Status is a record snapshot with a live resource sample when running.
type Status struct {
	registry.Record
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

// Get returns the current snapshot of one bot.
func (m *Manager) Get(ctx context.Context, id string) (Status, error) {
	r, err := registry.Get(ctx, m.st, id)
	if err != nil {
		return Status{}, err
	}
	s := Status{Record: r}
	if r.Running() {
		if smp, err := process.Sample(r.PID); err == nil {
			s.CPUPercent = smp.CPUPercent
			s.MemoryBytes = smp.MemoryBytes
		}
	}
	return s, nil
}

// List returns every record ordered by creation time.
func (m *Manager) List(ctx context.Context) ([]registry.Record, error) {
	return m.list(ctx, func(registry.Record) bool { return true })
}

// ListForOwner returns the owner's records ordered by creation time.
func (m *Manager) ListForOwner(ctx context.Context, owner string) ([]registry.Record, error) {
	return m.list(ctx, func(r registry.Record) bool { return r.Owner == owner })
}

func (m *Manager) list(ctx context.Context, keep func(registry.Record) bool) ([]registry.Record, error) {
	all, err := registry.LoadOrEmpty(ctx, m.st, m.log)
	if err != nil {
		return nil, err
	}
	out := make([]registry.Record, 0, len(all))
	for _, r := range all {
		if keep(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// LogsTail returns the last n lines of the bot's log. ErrNoLogs means the bot
// has not produced a log yet.
func (m *Manager) LogsTail(ctx context.Context, id string, n int) ([]string, error) {
	r, err := registry.Get(ctx, m.st, id)
	if err != nil {
		return nil, err
	}
	return logger.Tail(r.LogPath, n)
}

// RunningTargets lists running bots for resource sampling.
func (m *Manager) RunningTargets(ctx context.Context) ([]metrics.Target, error) {
	all, err := registry.LoadOrEmpty(ctx, m.st, m.log)
	if err != nil {
		return nil, err
	}
	out := make([]metrics.Target, 0, len(all))
	for _, r := range all {
		if r.Running() {
			out = append(out, metrics.Target{ID: r.ID, PID: r.PID})
		}
	}
	return out, nil
}

// footprint is the on-disk size of a bot: its storage dir, else its executable.
func footprint(storageDir, executable string) int64 {
	root := storageDir
	if root == "" {
		root = executable
	}
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}
