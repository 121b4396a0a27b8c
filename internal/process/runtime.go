package process

import (
	"fmt"
	"strings"

	"github.com/DEVIL0924/devil-cloud-advanced/internal/registry"
)

// Interpreters maps a runtime to the interpreter binary that executes it.
// Supporting a new runtime means adding an entry.
type Interpreters map[registry.Runtime]string

// DefaultInterpreters returns the stock interpreter table.
func DefaultInterpreters() Interpreters {
	return Interpreters{
		registry.RuntimePython: "python3",
		registry.RuntimePHP:    "php",
		registry.RuntimeNode:   "node",
		registry.RuntimeShell:  "bash",
	}
}

// With returns a copy of t with non-empty overrides applied.
func (t Interpreters) With(overrides map[string]string) Interpreters {
	out := make(Interpreters, len(t))
	for k, v := range t {
		out[k] = v
	}
	for k, v := range overrides {
		rt, err := registry.ParseRuntime(k)
		if err != nil || strings.TrimSpace(v) == "" {
			continue
		}
		out[rt] = strings.TrimSpace(v)
	}
	return out
}

// Command returns the program and arguments used to run executable under rt.
func (t Interpreters) Command(rt registry.Runtime, executable string) (string, []string, error) {
	bin, ok := t[rt]
	if !ok || bin == "" {
		return "", nil, fmt.Errorf("%w: no interpreter for runtime %q", ErrLaunchFailed, rt)
	}
	return bin, []string{executable}, nil
}
