package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "devilcloud"
	subsystem = "bot"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	botStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "starts_total",
			Help:      "Number of successful bot launches, including automatic restarts.",
		}, []string{"id"},
	)
	botStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "stops_total",
			Help:      "Number of requested stops.",
		}, []string{"id"},
	)
	botCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "crashes_total",
			Help:      "Number of bots observed dead while recorded as running.",
		}, []string{"id"},
	)
	botRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after a crash.",
		}, []string{"id"},
	)
	launchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "launch_failures_total",
			Help:      "Number of failed launch attempts.",
		}, []string{"id"},
	)
	running = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "running",
			Help:      "Bots currently recorded as running.",
		},
	)
	cpuPercent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cpu_percent",
			Help:      "Last sampled CPU usage of a bot process.",
		}, []string{"id"},
	)
	memoryBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "memory_bytes",
			Help:      "Last sampled resident memory of a bot process.",
		}, []string{"id"},
	)
	monitorCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_cycles_total",
			Help:      "Crash monitor polling cycles by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{botStarts, botStops, botCrashes, botRestarts, launchFailures, running, cpuPercent, memoryBytes, monitorCycles}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, used with a private registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Helpers below no-op until Register succeeds.

func IncStart(id string) {
	if regOK.Load() {
		botStarts.WithLabelValues(id).Inc()
	}
}

func IncStop(id string) {
	if regOK.Load() {
		botStops.WithLabelValues(id).Inc()
	}
}

func IncCrash(id string) {
	if regOK.Load() {
		botCrashes.WithLabelValues(id).Inc()
	}
}

func IncRestart(id string) {
	if regOK.Load() {
		botRestarts.WithLabelValues(id).Inc()
	}
}

func IncLaunchFailure(id string) {
	if regOK.Load() {
		launchFailures.WithLabelValues(id).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		running.Set(float64(n))
	}
}

func SetResources(id string, cpu float64, mem uint64) {
	if regOK.Load() {
		cpuPercent.WithLabelValues(id).Set(cpu)
		memoryBytes.WithLabelValues(id).Set(float64(mem))
	}
}

// Forget drops the per-bot series of a deleted bot.
func Forget(id string) {
	if !regOK.Load() {
		return
	}
	for _, v := range []*prometheus.CounterVec{botStarts, botStops, botCrashes, botRestarts, launchFailures} {
		v.DeleteLabelValues(id)
	}
	cpuPercent.DeleteLabelValues(id)
	memoryBytes.DeleteLabelValues(id)
}

// Monitor cycle results.
const (
	CycleOK        = "ok"
	CycleLoadError = "load_error"
)

func IncMonitorCycle(result string) {
	if regOK.Load() {
		monitorCycles.WithLabelValues(result).Inc()
	}
}
