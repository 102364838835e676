// Package metrics provides background job metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// JobMetrics contains Prometheus metrics for background job polling
type JobMetrics struct {
	registry *prometheus.Registry

	// Poller lifecycle metrics
	activePollersGauge prometheus.Gauge
	pollTicksTotal     *prometheus.CounterVec

	// Job outcome metrics
	jobOutcomesTotal     *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	fallbackNoticesTotal prometheus.Counter
	supersessionsTotal   *prometheus.CounterVec
}

// NewJobMetrics creates and registers new job metrics
func NewJobMetrics(registry *prometheus.Registry) (*JobMetrics, error) {
	m := &JobMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *JobMetrics) initMetrics() error {
	m.activePollersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "job_active_pollers",
			Help: "Number of currently running status pollers",
		},
	)

	m.pollTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_poll_ticks_total",
			Help: "Total number of status poll ticks",
		},
		[]string{"kind", "status"}, // status: success, error
	)

	m.jobOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_outcomes_total",
			Help: "Total number of finished background jobs by outcome",
		},
		[]string{"kind", "outcome"}, // outcome: succeeded, failed, cancelled, superseded
	)

	m.jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "job_duration_seconds",
			Help: "Time from job request to terminal state",
			// Exponential buckets: 0.1, 0.2, 0.4, ... ~51.2s covering quick
			// reclassifications up to slow model downloads
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount10),
		},
		[]string{"kind"},
	)

	m.fallbackNoticesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_strategy_fallbacks_total",
			Help: "Total number of reclassification strategy fallbacks acknowledged by the server",
		},
	)

	m.supersessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_supersessions_total",
			Help: "Total number of jobs superseded by a newer request",
		},
		[]string{"kind"},
	)

	return nil
}

// Describe implements the Collector interface
func (m *JobMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.activePollersGauge.Describe(ch)
	m.pollTicksTotal.Describe(ch)
	m.jobOutcomesTotal.Describe(ch)
	m.jobDuration.Describe(ch)
	m.fallbackNoticesTotal.Describe(ch)
	m.supersessionsTotal.Describe(ch)
}

// Collect implements the Collector interface
func (m *JobMetrics) Collect(ch chan<- prometheus.Metric) {
	m.activePollersGauge.Collect(ch)
	m.pollTicksTotal.Collect(ch)
	m.jobOutcomesTotal.Collect(ch)
	m.jobDuration.Collect(ch)
	m.fallbackNoticesTotal.Collect(ch)
	m.supersessionsTotal.Collect(ch)
}

// PollerStarted increments the active poller gauge
func (m *JobMetrics) PollerStarted() {
	m.activePollersGauge.Inc()
}

// PollerStopped decrements the active poller gauge
func (m *JobMetrics) PollerStopped() {
	m.activePollersGauge.Dec()
}

// RecordPollTick records a single poll tick outcome
func (m *JobMetrics) RecordPollTick(kind, status string) {
	m.pollTicksTotal.WithLabelValues(kind, status).Inc()
}

// RecordJobOutcome records a finished job
func (m *JobMetrics) RecordJobOutcome(kind, outcome string) {
	m.jobOutcomesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordJobDuration records time from request to terminal state
func (m *JobMetrics) RecordJobDuration(kind string, seconds float64) {
	m.jobDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordStrategyFallback records a server-side strategy fallback
func (m *JobMetrics) RecordStrategyFallback() {
	m.fallbackNoticesTotal.Inc()
}

// RecordSupersession records a job replaced by a newer request
func (m *JobMetrics) RecordSupersession(kind string) {
	m.supersessionsTotal.WithLabelValues(kind).Inc()
}
