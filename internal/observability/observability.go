// Package observability provides Prometheus metrics for monitoring perch.
// Sentry-related error telemetry is handled in the telemetry package.
package observability

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tphakala/perch/internal/observability/metrics"
)

// Metrics holds all the metric collectors for the application.
type Metrics struct {
	registry *prometheus.Registry
	Feed     *metrics.FeedMetrics
	Jobs     *metrics.JobMetrics
	API      *metrics.APIMetrics
	Stream   *metrics.StreamMetrics
}

// NewMetrics creates a new instance of Metrics, initializing all metric collectors.
// It returns an error if any metric collector fails to initialize.
func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	feedMetrics, err := metrics.NewFeedMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create feed metrics: %w", err)
	}

	jobMetrics, err := metrics.NewJobMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create job metrics: %w", err)
	}

	apiMetrics, err := metrics.NewAPIMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create API metrics: %w", err)
	}

	streamMetrics, err := metrics.NewStreamMetrics(registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream metrics: %w", err)
	}

	return &Metrics{
		registry: registry,
		Feed:     feedMetrics,
		Jobs:     jobMetrics,
		API:      apiMetrics,
		Stream:   streamMetrics,
	}, nil
}

// Handler returns the HTTP handler serving the metrics registry, for
// mounting on the mirror server.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorLog:      log.New(os.Stderr, "metrics handler: ", log.LstdFlags),
		ErrorHandling: promhttp.HTTPErrorOnError,
	})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
