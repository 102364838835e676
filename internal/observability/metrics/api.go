// Package metrics provides detection server API client metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics contains Prometheus metrics for detection server API operations
type APIMetrics struct {
	registry *prometheus.Registry

	apiRequestsTotal   *prometheus.CounterVec
	apiRequestDuration *prometheus.HistogramVec
	apiErrorsTotal     *prometheus.CounterVec

	analyzeCacheTotal *prometheus.CounterVec
}

// NewAPIMetrics creates and registers new API client metrics
func NewAPIMetrics(registry *prometheus.Registry) (*APIMetrics, error) {
	m := &APIMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *APIMetrics) initMetrics() error {
	m.apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of detection server API requests",
		},
		[]string{"operation", "status"}, // status: success, error
	)

	m.apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "api_request_duration_seconds",
			Help: "Time taken by detection server API requests",
			// Exponential buckets: 0.1, 0.2, 0.4, ... ~51.2s covering fast
			// local responses to slow or timing-out calls
			Buckets: prometheus.ExponentialBuckets(BucketStart100ms, BucketFactor2, BucketCount10),
		},
		[]string{"operation"},
	)

	m.apiErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of detection server API errors by category",
		},
		[]string{"operation", "category"},
	)

	m.analyzeCacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_analyze_cache_total",
			Help: "Total number of analyze cache lookups",
		},
		[]string{"result"}, // result: hit, miss
	)

	return nil
}

// Describe implements the Collector interface
func (m *APIMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.apiRequestsTotal.Describe(ch)
	m.apiRequestDuration.Describe(ch)
	m.apiErrorsTotal.Describe(ch)
	m.analyzeCacheTotal.Describe(ch)
}

// Collect implements the Collector interface
func (m *APIMetrics) Collect(ch chan<- prometheus.Metric) {
	m.apiRequestsTotal.Collect(ch)
	m.apiRequestDuration.Collect(ch)
	m.apiErrorsTotal.Collect(ch)
	m.analyzeCacheTotal.Collect(ch)
}

// RecordRequest records an API request outcome
func (m *APIMetrics) RecordRequest(operation, status string) {
	m.apiRequestsTotal.WithLabelValues(operation, status).Inc()
}

// RecordRequestDuration records how long an API request took
func (m *APIMetrics) RecordRequestDuration(operation string, seconds float64) {
	m.apiRequestDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordError records an API error by category
func (m *APIMetrics) RecordError(operation, category string) {
	m.apiErrorsTotal.WithLabelValues(operation, category).Inc()
}

// RecordAnalyzeCache records an analyze cache hit or miss
func (m *APIMetrics) RecordAnalyzeCache(result string) {
	m.analyzeCacheTotal.WithLabelValues(result).Inc()
}
