// Package metrics exposes Prometheus counters and gauges for the
// render farm's job lifecycle and slave pool.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every series this module publishes.
type Collector struct {
	jobsLeased    prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter

	renderDuration prometheus.Histogram

	jobsPending  prometheus.Gauge
	jobsActive   prometheus.Gauge
	slavesOnline prometheus.Gauge

	slaveEvictions prometheus.Counter
}

// NewCollector builds and registers a Collector against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		jobsLeased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "renderfarm_jobs_leased_total",
			Help: "Total number of jobs handed to a worker or slave.",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "renderfarm_jobs_completed_total",
			Help: "Total number of jobs that finished successfully.",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "renderfarm_jobs_failed_total",
			Help: "Total number of jobs that ended in failure.",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "renderfarm_jobs_cancelled_total",
			Help: "Total number of jobs ended by cancellation.",
		}),
		renderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "renderfarm_render_duration_seconds",
			Help:    "Wall-clock duration of a single render, from lease to terminal report.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		jobsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "renderfarm_jobs_pending",
			Help: "Current number of jobs waiting to be leased.",
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "renderfarm_jobs_active",
			Help: "Current number of jobs being rendered.",
		}),
		slavesOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "renderfarm_slaves_online",
			Help: "Current number of slaves considered alive by the liveness sweeper.",
		}),
		slaveEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "renderfarm_slave_evictions_total",
			Help: "Total number of slaves marked offline by the liveness sweeper.",
		}),
	}

	prometheus.MustRegister(
		c.jobsLeased,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsCancelled,
		c.renderDuration,
		c.jobsPending,
		c.jobsActive,
		c.slavesOnline,
		c.slaveEvictions,
	)

	return c
}

// RecordLeased records a job being handed to a worker or slave.
func (c *Collector) RecordLeased() { c.jobsLeased.Inc() }

// RecordCompleted records a successful render and its duration.
func (c *Collector) RecordCompleted(durationSeconds float64) {
	c.jobsCompleted.Inc()
	c.renderDuration.Observe(durationSeconds)
}

// RecordFailed records a failed render.
func (c *Collector) RecordFailed() { c.jobsFailed.Inc() }

// RecordCancelled records a cancelled render.
func (c *Collector) RecordCancelled() { c.jobsCancelled.Inc() }

// RecordSlaveEviction records the liveness sweeper marking a slave
// offline.
func (c *Collector) RecordSlaveEviction() { c.slaveEvictions.Inc() }

// SetQueueStats updates the pending/active gauges.
func (c *Collector) SetQueueStats(pending, active int) {
	c.jobsPending.Set(float64(pending))
	c.jobsActive.Set(float64(active))
}

// SetSlavesOnline updates the online-slave gauge.
func (c *Collector) SetSlavesOnline(n int) {
	c.slavesOnline.Set(float64(n))
}

// StartServer serves /metrics on the given port until the process
// exits or ListenAndServe returns an error.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
