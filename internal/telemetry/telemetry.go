// Package telemetry provides opt-in Sentry error reporting with privacy
// filtering. When disabled, the error package's fast path stays active and
// nothing is reported.
package telemetry

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/perch/internal/conf"
	"github.com/tphakala/perch/internal/errors"
	"github.com/tphakala/perch/internal/logging"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("telemetry")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// Init initializes Sentry and registers the reporter with the errors
// package. A disabled or DSN-less config is not an error; telemetry simply
// stays off.
func Init(settings *conf.Settings) error {
	if !settings.Sentry.Enabled || settings.Sentry.DSN == "" {
		errors.SetTelemetryReporter(nil)
		return nil
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:        settings.Sentry.DSN,
		SampleRate: 1.0,
		Debug:      settings.Sentry.Debug,

		// Privacy-compliant settings
		AttachStacktrace: false,
		Environment:      "production",
		ServerName:       "", // prevent hostname leakage

		Release: fmt.Sprintf("perch@%s", settings.Version),

		BeforeSend: applyPrivacyFilters,
	})
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}

	errors.SetTelemetryReporter(NewSentryReporter(true))
	logger.Info("telemetry enabled")
	return nil
}

// Flush drains queued events, typically during shutdown.
func Flush(timeout time.Duration) {
	sentry.Flush(timeout)
}

// applyPrivacyFilters strips user data, host identity and free-form extras
// from outgoing events.
func applyPrivacyFilters(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}

	for k := range event.Extra {
		if k != "error_type" && k != "component" {
			delete(event.Extra, k)
		}
	}

	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}

	return event
}

// SentryReporter implements errors.TelemetryReporter for Sentry.
type SentryReporter struct {
	enabled bool
}

// NewSentryReporter creates a new Sentry telemetry reporter
func NewSentryReporter(enabled bool) *SentryReporter {
	return &SentryReporter{enabled: enabled}
}

// IsEnabled returns whether Sentry telemetry is enabled
func (sr *SentryReporter) IsEnabled() bool {
	return sr.enabled
}

// ReportError reports an enhanced error to Sentry, tagged by component and
// category so the dashboard groups related failures.
func (sr *SentryReporter) ReportError(ee *errors.EnhancedError) {
	if !sr.enabled || ee.IsReported() {
		return
	}

	message := fmt.Sprintf("[%s] %s", ee.Category, ee.Error())

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("component", ee.GetComponent())
		scope.SetTag("category", string(ee.Category))
		scope.SetTag("error_type", fmt.Sprintf("%T", ee.GetError()))

		for key, value := range ee.GetContext() {
			scope.SetContext(key, map[string]any{"value": value})
		}

		scope.SetLevel(errorLevel(ee.Category))
		scope.SetFingerprint([]string{ee.GetComponent(), string(ee.Category)})

		event := sentry.NewEvent()
		event.Message = message
		event.Level = errorLevel(ee.Category)
		event.Exception = []sentry.Exception{{
			Type:  fmt.Sprintf("%s %s", ee.GetComponent(), ee.Category),
			Value: message,
		}}

		sentry.CaptureEvent(event)
	})

	ee.MarkReported()
}

// errorLevel maps error categories to Sentry severity. Authoritative
// rejections are expected conditions and report as warnings.
func errorLevel(category errors.ErrorCategory) sentry.Level {
	switch category {
	case errors.CategoryValidation, errors.CategoryNotFound, errors.CategoryCancellation:
		return sentry.LevelWarning
	default:
		return sentry.LevelError
	}
}
