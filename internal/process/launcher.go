package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
)

// ErrLaunchFailed is returned when a bot cannot be spawned.
var ErrLaunchFailed = errors.New("launch failed")

// Spec describes a single launch.
type Spec struct {
	Runtime    registry.Runtime
	Executable string
	Env        []string // full environment; nil inherits the supervisor's
	Log        *os.File // receives both stdout and stderr
}

// Handle identifies a launched process. Exited is closed once the child has
// been reaped by this supervisor.
type Handle struct {
	PID     int
	StartMS int64
	Exited  <-chan struct{}

	mu      sync.Mutex
	waitErr error
}

// ExitErr returns the wait error once Exited is closed.
func (h *Handle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Launcher spawns bots as detached sessions.
type Launcher struct {
	interp Interpreters
	log    *slog.Logger
}

func NewLauncher(interp Interpreters, log *slog.Logger) *Launcher {
	if interp == nil {
		interp = DefaultInterpreters()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Launcher{interp: interp, log: log}
}

// Launch starts the executable in its own session with stdin on the null
// device and both output streams on spec.Log. The caller keeps ownership of
// spec.Log and may close it as soon as Launch returns.
func (l *Launcher) Launch(spec Spec) (*Handle, error) {
	exe, err := filepath.Abs(spec.Executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	st, err := os.Stat(exe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	if st.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrLaunchFailed, exe)
	}
	bin, args, err := l.interp.Command(spec.Runtime, exe)
	if err != nil {
		return nil, err
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return nil, fmt.Errorf("%w: interpreter %s: %v", ErrLaunchFailed, bin, err)
	}

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	defer func() { _ = devNull.Close() }()

	// #nosec G204 -- interpreter comes from the runtime table, the script path from the registry
	cmd := exec.Command(path, args...)
	cmd.Dir = filepath.Dir(exe)
	cmd.Env = spec.Env
	cmd.Stdin = devNull
	if spec.Log != nil {
		cmd.Stdout = spec.Log
		cmd.Stderr = spec.Log
	}
	Detach(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	pid := cmd.Process.Pid
	done := make(chan struct{})
	h := &Handle{PID: pid, StartMS: procStartMS(pid), Exited: done}

	// reap so exited bots do not linger as zombies of the supervisor
	go func() {
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.mu.Unlock()
		close(done)
		l.log.Debug("bot process reaped", slog.Int("pid", pid), slog.Any("exit", err))
	}()

	l.log.Info("bot process launched",
		slog.Int("pid", pid),
		slog.String("runtime", string(spec.Runtime)),
		slog.String("executable", exe))
	return h, nil
}
