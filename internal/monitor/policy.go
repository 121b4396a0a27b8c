package monitor

import (
	"sync"
	"time"
)

// Policy defaults.
const (
	DefaultMaxRestarts = 5
	DefaultWindow      = time.Minute
	DefaultCooldown    = 5 * time.Minute
)

// RestartPolicy bounds automatic restarts per bot: at most MaxRestarts within
// Window, after which restarts are refused until Cooldown has elapsed.
// MaxRestarts <= 0 allows every restart.
type RestartPolicy struct {
	MaxRestarts int
	Window      time.Duration
	Cooldown    time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	mu      sync.Mutex
	history map[string]*restartHistory
}

type restartHistory struct {
	times         []time.Time
	cooldownUntil time.Time
}

// NewRestartPolicy returns a policy with zero durations replaced by defaults.
func NewRestartPolicy(maxRestarts int, window, cooldown time.Duration) *RestartPolicy {
	if window <= 0 {
		window = DefaultWindow
	}
	if cooldown < 0 {
		cooldown = 0
	}
	return &RestartPolicy{MaxRestarts: maxRestarts, Window: window, Cooldown: cooldown}
}

func (p *RestartPolicy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Allow reports whether id may be restarted now and, if so, counts the restart.
func (p *RestartPolicy) Allow(id string) bool {
	if p == nil || p.MaxRestarts <= 0 {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.history == nil {
		p.history = make(map[string]*restartHistory)
	}
	now := p.now()
	h, ok := p.history[id]
	if !ok {
		h = &restartHistory{}
		p.history[id] = h
	}

	if now.Before(h.cooldownUntil) {
		return false
	}
	if !h.cooldownUntil.IsZero() {
		// cooldown elapsed: start afresh
		h.cooldownUntil = time.Time{}
		h.times = h.times[:0]
	}

	windowStart := now.Add(-p.Window)
	kept := h.times[:0]
	for _, t := range h.times {
		if t.After(windowStart) {
			kept = append(kept, t)
		}
	}
	h.times = kept

	if len(h.times) >= p.MaxRestarts {
		h.cooldownUntil = now.Add(p.Cooldown)
		return false
	}
	h.times = append(h.times, now)
	return true
}

// InCooldown reports whether automatic restarts of id are currently refused.
func (p *RestartPolicy) InCooldown(id string) bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.history[id]
	return ok && p.now().Before(h.cooldownUntil)
}

// Reset forgets the restart history of id, e.g. after a manual start.
func (p *RestartPolicy) Reset(id string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	delete(p.history, id)
	p.mu.Unlock()
}
