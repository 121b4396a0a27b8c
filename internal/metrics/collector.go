package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Target is a running bot to sample.
type Target struct {
	ID  string
	PID int
}

// Sample is one resource reading.
type Sample struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
	At          time.Time `json:"at"`
}

// SampleFunc reads resources of a pid.
type SampleFunc func(pid int) (cpu float64, mem uint64, err error)

// Collector periodically samples running bots into the cpu/memory gauges and
// keeps the latest reading per bot.
type Collector struct {
	interval time.Duration
	targets  func(ctx context.Context) ([]Target, error)
	sample   SampleFunc
	log      *slog.Logger

	mu     sync.RWMutex
	latest map[string]Sample
}

func NewCollector(interval time.Duration, targets func(ctx context.Context) ([]Target, error), sample SampleFunc, log *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Collector{interval: interval, targets: targets, sample: sample, log: log, latest: map[string]Sample{}}
}

// Run samples until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		c.Collect(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Collect takes one round of samples. Bots no longer listed are forgotten.
func (c *Collector) Collect(ctx context.Context) {
	targets, err := c.targets(ctx)
	if err != nil {
		c.log.Warn("resource sampling skipped", slog.Any("error", err))
		return
	}
	now := time.Now().UTC()
	next := make(map[string]Sample, len(targets))
	for _, tg := range targets {
		cpu, mem, err := c.sample(tg.PID)
		if err != nil {
			c.log.Debug("sample failed", slog.String("id", tg.ID), slog.Int("pid", tg.PID), slog.Any("error", err))
			continue
		}
		next[tg.ID] = Sample{CPUPercent: cpu, MemoryBytes: mem, At: now}
		SetResources(tg.ID, cpu, mem)
	}
	SetRunning(len(targets))

	c.mu.Lock()
	for id := range c.latest {
		if _, ok := next[id]; !ok && regOK.Load() {
			cpuPercent.DeleteLabelValues(id)
			memoryBytes.DeleteLabelValues(id)
		}
	}
	c.latest = next
	c.mu.Unlock()
}

// Latest returns the most recent sample for id.
func (c *Collector) Latest(id string) (Sample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.latest[id]
	return s, ok
}
