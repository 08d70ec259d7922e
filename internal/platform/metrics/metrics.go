// Package metrics exposes Prometheus collectors for workers, batches, the
// scheduler and the context sweeps. Every recording method is safe to call
// on a nil *Collector, so components can run without metrics in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contextflow"

// Collector holds the application's collectors and their registry.
type Collector struct {
	registry *prometheus.Registry

	claims         *prometheus.CounterVec
	claimConflicts *prometheus.CounterVec
	completions    *prometheus.CounterVec
	failures       *prometheus.CounterVec
	probeFailures  *prometheus.CounterVec
	execLatency    *prometheus.HistogramVec

	batchRuns     *prometheus.CounterVec
	batchDuration *prometheus.HistogramVec
	batchItems    *prometheus.CounterVec

	schedulerFires *prometheus.CounterVec
	sweeps         *prometheus.CounterVec
}

// NewCollector creates the collectors on a private registry that also
// carries the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contexts_claimed_total",
			Help:      "Contexts claimed by workers",
		}, []string{"capability"}),
		claimConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Claims lost to another worker",
		}, []string{"capability"}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contexts_completed_total",
			Help:      "Contexts that completed successfully",
		}, []string{"capability"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "contexts_failed_total",
			Help:      "Context executions that failed, by error kind",
		}, []string{"capability", "kind"}),
		probeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_probe_failures_total",
			Help:      "Capability liveness probes that failed",
		}, []string{"capability"}),
		execLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_latency_seconds",
			Help:      "Capability execution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		batchRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_runs_total",
			Help:      "Batch runs by strategy and final status",
		}, []string{"strategy", "status"}),
		batchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Batch run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"strategy"}),
		batchItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Batch items by outcome",
		}, []string{"outcome"}),
		schedulerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_fires_total",
			Help:      "Scheduler trigger firings by job and mode",
		}, []string{"job", "mode"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_contexts_total",
			Help:      "Contexts affected by maintenance sweeps",
		}, []string{"action"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.claims,
		c.claimConflicts,
		c.completions,
		c.failures,
		c.probeFailures,
		c.execLatency,
		c.batchRuns,
		c.batchDuration,
		c.batchItems,
		c.schedulerFires,
		c.sweeps,
	)
	return c
}

// Registry returns the registry the collectors are registered on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordClaim counts a successful claim.
func (c *Collector) RecordClaim(capability string) {
	if c == nil {
		return
	}
	c.claims.WithLabelValues(capability).Inc()
}

// RecordClaimConflict counts a lost claim.
func (c *Collector) RecordClaimConflict(capability string) {
	if c == nil {
		return
	}
	c.claimConflicts.WithLabelValues(capability).Inc()
}

// RecordCompleted counts a completion and observes its latency.
func (c *Collector) RecordCompleted(capability string, latency time.Duration) {
	if c == nil {
		return
	}
	c.completions.WithLabelValues(capability).Inc()
	c.execLatency.WithLabelValues(capability).Observe(latency.Seconds())
}

// RecordFailed counts a failed execution of the given error kind.
func (c *Collector) RecordFailed(capability, kind string) {
	if c == nil {
		return
	}
	c.failures.WithLabelValues(capability, kind).Inc()
}

// RecordProbeFailure counts a failed liveness probe.
func (c *Collector) RecordProbeFailure(capability string) {
	if c == nil {
		return
	}
	c.probeFailures.WithLabelValues(capability).Inc()
}

// RecordBatch counts a finished batch run.
func (c *Collector) RecordBatch(strategy, status string, duration time.Duration, succeeded, failed, invalid int) {
	if c == nil {
		return
	}
	c.batchRuns.WithLabelValues(strategy, status).Inc()
	c.batchDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	c.batchItems.WithLabelValues("succeeded").Add(float64(succeeded))
	c.batchItems.WithLabelValues("failed").Add(float64(failed))
	c.batchItems.WithLabelValues("invalid").Add(float64(invalid))
}

// RecordSchedulerFire counts a trigger firing. mode is "scheduled" or "manual".
func (c *Collector) RecordSchedulerFire(job, mode string) {
	if c == nil {
		return
	}
	c.schedulerFires.WithLabelValues(job, mode).Inc()
}

// RecordSweep counts contexts affected by a sweep action
// (expired, reclaimed, purged).
func (c *Collector) RecordSweep(action string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.sweeps.WithLabelValues(action).Add(float64(n))
}
