package registry

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// State is the lifecycle state of a managed bot.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	// StateCrashed is transient: the monitor observed the process gone and is
	// about to restart it, or the restart was refused by policy.
	StateCrashed State = "crashed"
)

// Runtime selects the interpreter used to launch a bot.
type Runtime string

const (
	RuntimePython Runtime = "python"
	RuntimePHP    Runtime = "php"
	RuntimeNode   Runtime = "node"
	RuntimeShell  Runtime = "shell"
)

// Runtimes lists every supported runtime in display order.
var Runtimes = []Runtime{RuntimePython, RuntimePHP, RuntimeNode, RuntimeShell}

// ParseRuntime accepts the canonical names plus the aliases used by the upload form.
func ParseRuntime(s string) (Runtime, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "python3", "py":
		return RuntimePython, nil
	case "php":
		return RuntimePHP, nil
	case "node", "nodejs", "js":
		return RuntimeNode, nil
	case "shell", "bash", "sh":
		return RuntimeShell, nil
	default:
		return "", fmt.Errorf("%w: unknown runtime %q", ErrInvalid, s)
	}
}

var runtimeByExt = map[string]Runtime{
	".py":  RuntimePython,
	".php": RuntimePHP,
	".js":  RuntimeNode,
	".sh":  RuntimeShell,
}

// RuntimeForFile picks the runtime from a script's extension.
func RuntimeForFile(name string) (Runtime, bool) {
	rt, ok := runtimeByExt[strings.ToLower(filepath.Ext(name))]
	return rt, ok
}

// Record is the persisted state of one managed bot.
// PID is non-zero if and only if State is StateRunning.
type Record struct {
	ID            string     `json:"id"`
	Owner         string     `json:"owner"`
	Name          string     `json:"name"`
	Executable    string     `json:"executable"`
	StorageDir    string     `json:"storage_dir,omitempty"`
	Runtime       Runtime    `json:"runtime"`
	State         State      `json:"state"`
	PID           int        `json:"pid,omitempty"`
	ProcStartMS   int64      `json:"proc_start_ms,omitempty"` // OS create time of PID, guards against PID reuse
	LastStartedAt *time.Time `json:"last_started_at,omitempty"`
	RestartCount  int        `json:"restart_count"`
	LogPath       string     `json:"log_path"`
	CreatedAt     time.Time  `json:"created_at"`
	LastExit      string     `json:"last_exit,omitempty"`
}

// Running reports whether the record claims a live process.
func (r Record) Running() bool { return r.State == StateRunning && r.PID > 0 }

// Clone returns a copy that shares no memory with r.
func (r Record) Clone() Record {
	c := r
	if r.LastStartedAt != nil {
		t := *r.LastStartedAt
		c.LastStartedAt = &t
	}
	return c
}

// normalize enforces the handle-iff-running invariant before a record is persisted.
func (r *Record) normalize(key string) {
	r.ID = key
	switch r.State {
	case StateRunning:
		if r.PID <= 0 {
			r.State = StateStopped
			r.PID = 0
			r.ProcStartMS = 0
		}
	case StateCrashed:
		r.PID = 0
		r.ProcStartMS = 0
	default:
		r.State = StateStopped
		r.PID = 0
		r.ProcStartMS = 0
	}
	if r.RestartCount < 0 {
		r.RestartCount = 0
	}
}

func cloneAll(in map[string]Record) map[string]Record {
	out := make(map[string]Record, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

func normalizeAll(m map[string]Record) map[string]Record {
	if m == nil {
		return map[string]Record{}
	}
	for k, v := range m {
		v.normalize(k)
		m[k] = v
	}
	return m
}
