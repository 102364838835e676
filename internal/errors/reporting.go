// Package errors - telemetry reporting integration (optional)
package errors

import (
	"sync"
	"sync/atomic"
)

// TelemetryReporter is an interface for reporting errors to telemetry systems.
// The telemetry package provides the concrete implementation; keeping only
// the interface here avoids a circular dependency.
type TelemetryReporter interface {
	ReportError(err *EnhancedError)
	IsEnabled() bool
}

var (
	// hasActiveReporting gates the expensive detection work in Build.
	hasActiveReporting atomic.Bool

	reporterMutex           sync.RWMutex
	globalTelemetryReporter TelemetryReporter
)

// SetTelemetryReporter sets the global telemetry reporter. Passing nil
// disables reporting and restores the fast path in Build.
func SetTelemetryReporter(reporter TelemetryReporter) {
	reporterMutex.Lock()
	defer reporterMutex.Unlock()
	globalTelemetryReporter = reporter
	hasActiveReporting.Store(reporter != nil && reporter.IsEnabled())
}

// GetTelemetryReporter returns the current telemetry reporter
func GetTelemetryReporter() TelemetryReporter {
	reporterMutex.RLock()
	defer reporterMutex.RUnlock()
	return globalTelemetryReporter
}

// reportToTelemetry reports an error to the configured telemetry system
func reportToTelemetry(ee *EnhancedError) {
	reporterMutex.RLock()
	reporter := globalTelemetryReporter
	reporterMutex.RUnlock()

	if reporter != nil && reporter.IsEnabled() {
		reporter.ReportError(ee)
	}
}
