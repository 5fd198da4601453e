// Package metrics exposes mirror run counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mirror"

// Collector owns the run metrics and the registry they live in.
type Collector struct {
	registry *prometheus.Registry

	runs            *prometheus.CounterVec
	phaseDuration   *prometheus.HistogramVec
	activeRuns      prometheus.Gauge
	cleanupFailures prometheus.Counter
	copyProgress    *prometheus.GaugeVec
}

// NewCollector registers all metrics on a fresh registry, together with the
// Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished mirror runs by result.",
		}, []string{"result"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each lifecycle phase.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"phase"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently holding a concurrency slot.",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Runs whose resource cleanup reported an error.",
		}),
		copyProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "copy_progress_ratio",
			Help:      "Last sampled offset/length of an active block job.",
		}, []string{"run_id"}),
	}

	c.registry.MustRegister(
		c.runs,
		c.phaseDuration,
		c.activeRuns,
		c.cleanupFailures,
		c.copyProgress,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// RunFinished counts a run under result (completed, failed or cancelled).
func (c *Collector) RunFinished(runID, result string) {
	c.runs.WithLabelValues(result).Inc()
	c.copyProgress.DeleteLabelValues(runID)
}

// ObservePhase records how long phase took.
func (c *Collector) ObservePhase(phase string, d time.Duration) {
	c.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// RunStarted and RunStopped bracket the time a run holds a slot.
func (c *Collector) RunStarted() { c.activeRuns.Inc() }

func (c *Collector) RunStopped() { c.activeRuns.Dec() }

// CleanupFailed counts a cleanup that reported errors.
func (c *Collector) CleanupFailed() { c.cleanupFailures.Inc() }

// Progress records the copy ratio of a run.
func (c *Collector) Progress(runID string, ratio float64) {
	c.copyProgress.WithLabelValues(runID).Set(ratio)
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
