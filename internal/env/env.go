package env

import (
	"os"
	"sort"
	"strings"
)

// Env composes the environment handed to launched bots: the supervisor's own
// environment, then configured globals, then per-bot entries.
type Env struct {
	base   map[string]string
	global map[string]string
}

// New snapshots the current OS environment as the base.
func New() *Env {
	return &Env{base: parse(os.Environ()), global: map[string]string{}}
}

// WithSet returns a copy with the global variable k set to v.
func (e *Env) WithSet(k, v string) *Env {
	out := &Env{base: e.base, global: make(map[string]string, len(e.global)+1)}
	for gk, gv := range e.global {
		out.global[gk] = gv
	}
	if k != "" {
		out.global[k] = v
	}
	return out
}

// WithGlobals applies every entry of vars via WithSet.
func (e *Env) WithGlobals(vars map[string]string) *Env {
	out := e
	for k, v := range vars {
		out = out.WithSet(k, v)
	}
	return out
}

// Merge returns the final "K=V" list, sorted by key. Values may reference other
// variables as ${NAME}; references are resolved against the merged set in a
// single pass and unknown names expand to the empty string.
func (e *Env) Merge(perBot []string) []string {
	m := make(map[string]string, len(e.base)+len(e.global)+len(perBot))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for k, v := range parse(perBot) {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+expand(m[k], m))
	}
	return out
}

func expand(s string, m map[string]string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		b.WriteString(m[s[i+2:i+2+j]])
		s = s[i+2+j+1:]
	}
}

func parse(kvs []string) map[string]string {
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}
