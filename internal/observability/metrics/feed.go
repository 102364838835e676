// Package metrics provides detection feed metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// FeedMetrics contains Prometheus metrics for the reconciled detection feed
type FeedMetrics struct {
	registry *prometheus.Registry

	// Cache content metrics
	feedSizeGauge  prometheus.Gauge
	feedLoadsTotal *prometheus.CounterVec

	// Mutation metrics
	feedUpsertsTotal      *prometheus.CounterVec
	feedRemovalsTotal     *prometheus.CounterVec
	feedUpdateMissesTotal prometheus.Counter
}

// NewFeedMetrics creates and registers new feed metrics
func NewFeedMetrics(registry *prometheus.Registry) (*FeedMetrics, error) {
	m := &FeedMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *FeedMetrics) initMetrics() error {
	m.feedSizeGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "feed_detections",
			Help: "Current number of detections in the reconciled feed",
		},
	)

	m.feedLoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_loads_total",
			Help: "Total number of full feed loads",
		},
		[]string{"status"}, // status: success, error
	)

	m.feedUpsertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_upserts_total",
			Help: "Total number of detection upserts by operation",
		},
		[]string{"operation"}, // operation: insert, replace, merge
	)

	m.feedRemovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_removals_total",
			Help: "Total number of detection removal attempts",
		},
		[]string{"status"}, // status: removed, mismatch
	)

	m.feedUpdateMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "feed_update_misses_total",
			Help: "Total number of merge updates targeting an unknown detection",
		},
	)

	return nil
}

// Describe implements the Collector interface
func (m *FeedMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.feedSizeGauge.Describe(ch)
	m.feedLoadsTotal.Describe(ch)
	m.feedUpsertsTotal.Describe(ch)
	m.feedRemovalsTotal.Describe(ch)
	m.feedUpdateMissesTotal.Describe(ch)
}

// Collect implements the Collector interface
func (m *FeedMetrics) Collect(ch chan<- prometheus.Metric) {
	m.feedSizeGauge.Collect(ch)
	m.feedLoadsTotal.Collect(ch)
	m.feedUpsertsTotal.Collect(ch)
	m.feedRemovalsTotal.Collect(ch)
	m.feedUpdateMissesTotal.Collect(ch)
}

// UpdateFeedSize sets the current feed size gauge
func (m *FeedMetrics) UpdateFeedSize(size int) {
	m.feedSizeGauge.Set(float64(size))
}

// RecordLoad records a full feed load
func (m *FeedMetrics) RecordLoad(status string) {
	m.feedLoadsTotal.WithLabelValues(status).Inc()
}

// RecordUpsert records a detection upsert by operation type
func (m *FeedMetrics) RecordUpsert(operation string) {
	m.feedUpsertsTotal.WithLabelValues(operation).Inc()
}

// RecordRemoval records a removal attempt outcome
func (m *FeedMetrics) RecordRemoval(status string) {
	m.feedRemovalsTotal.WithLabelValues(status).Inc()
}

// RecordUpdateMiss records a merge update that found no matching detection
func (m *FeedMetrics) RecordUpdateMiss() {
	m.feedUpdateMissesTotal.Inc()
}
