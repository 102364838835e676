// Package metrics provides detection stream metrics for observability
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StreamMetrics contains Prometheus metrics for the SSE detection stream
type StreamMetrics struct {
	registry *prometheus.Registry

	connectedGauge    prometheus.Gauge
	eventsTotal       *prometheus.CounterVec
	reconnectsTotal   prometheus.Counter
	decodeErrorsTotal prometheus.Counter
}

// NewStreamMetrics creates and registers new stream metrics
func NewStreamMetrics(registry *prometheus.Registry) (*StreamMetrics, error) {
	m := &StreamMetrics{registry: registry}
	if err := m.initMetrics(); err != nil {
		return nil, err
	}
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *StreamMetrics) initMetrics() error {
	m.connectedGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_connected",
			Help: "Whether the SSE detection stream is currently connected (1) or not (0)",
		},
	)

	m.eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_events_total",
			Help: "Total number of SSE events received by event type",
		},
		[]string{"type"},
	)

	m.reconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_reconnects_total",
			Help: "Total number of SSE stream reconnection attempts",
		},
	)

	m.decodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stream_decode_errors_total",
			Help: "Total number of SSE payloads that failed to decode",
		},
	)

	return nil
}

// Describe implements the Collector interface
func (m *StreamMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.connectedGauge.Describe(ch)
	m.eventsTotal.Describe(ch)
	m.reconnectsTotal.Describe(ch)
	m.decodeErrorsTotal.Describe(ch)
}

// Collect implements the Collector interface
func (m *StreamMetrics) Collect(ch chan<- prometheus.Metric) {
	m.connectedGauge.Collect(ch)
	m.eventsTotal.Collect(ch)
	m.reconnectsTotal.Collect(ch)
	m.decodeErrorsTotal.Collect(ch)
}

// UpdateConnectionStatus sets the stream connection gauge
func (m *StreamMetrics) UpdateConnectionStatus(connected bool) {
	if connected {
		m.connectedGauge.Set(1)
	} else {
		m.connectedGauge.Set(0)
	}
}

// RecordEvent records a received SSE event by type
func (m *StreamMetrics) RecordEvent(eventType string) {
	m.eventsTotal.WithLabelValues(eventType).Inc()
}

// RecordReconnect records a reconnection attempt
func (m *StreamMetrics) RecordReconnect() {
	m.reconnectsTotal.Inc()
}

// RecordDecodeError records a payload that failed to decode
func (m *StreamMetrics) RecordDecodeError() {
	m.decodeErrorsTotal.Inc()
}
