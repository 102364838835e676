// Package poller provides the generic fixed-interval polling primitive
// behind every background job tracker: reclassifications, model downloads,
// taxonomy syncs, and the periodic feed refresh.
//
// A poller runs a fetch function on a ticker until the status it fetches is
// terminal, the handle is cancelled, or the parent context ends. A failed
// fetch skips that tick and keeps polling; transient errors never kill the
// loop.
package poller

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/tphakala/perch/internal/errors"
	"github.com/tphakala/perch/internal/logging"
	"github.com/tphakala/perch/internal/observability/metrics"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("jobs.poller")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// FetchFunc retrieves the current job status.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Config configures a polling loop.
type Config struct {
	// Interval between fetches. The first fetch happens one interval after
	// Start, not immediately; the caller has just received current state
	// from the request that created the job.
	Interval time.Duration

	// Kind labels the loop in logs and metrics (e.g. "reclassify").
	Kind string

	// Metrics receives tick and lifecycle observations. Optional.
	Metrics *metrics.JobMetrics

	// Logger overrides the package logger. Optional.
	Logger *slog.Logger
}

// Handle controls one polling loop. Handles are independent: cancelling one
// never affects another.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the loop promptly. Idempotent and safe to call after the
// loop has already terminated naturally.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done returns a channel closed when the loop has fully exited, whether by
// terminal update, cancellation, or parent context.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Start launches a polling loop and returns its handle.
//
// Every cfg.Interval the fetch function runs; on success the status is
// delivered to onUpdate, and if isTerminal reports true that delivery is the
// last one and the loop stops. On fetch error the tick is skipped with a
// warning and polling continues. No update is ever delivered after the
// terminal one.
//
// A nil onUpdate discards statuses; a nil isTerminal polls until cancelled.
func Start[T any](ctx context.Context, cfg Config, fetch FetchFunc[T], onUpdate func(T), isTerminal func(T) bool) (*Handle, error) {
	if cfg.Interval <= 0 {
		return nil, errors.Newf("poll interval must be positive, got %v", cfg.Interval).
			Component("jobs.poller").
			Category(errors.CategoryValidation).
			Context("kind", cfg.Kind).
			Build()
	}
	if fetch == nil {
		return nil, errors.Newf("fetch function is required").
			Component("jobs.poller").
			Category(errors.CategoryValidation).
			Context("kind", cfg.Kind).
			Build()
	}
	if onUpdate == nil {
		onUpdate = func(T) {}
	}
	if isTerminal == nil {
		isTerminal = func(T) bool { return false }
	}

	log := cfg.Logger
	if log == nil {
		log = logger
	}
	if cfg.Kind == "" {
		cfg.Kind = "job"
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if cfg.Metrics != nil {
		cfg.Metrics.PollerStarted()
	}

	go func() {
		defer close(h.done)
		defer cancel()
		if cfg.Metrics != nil {
			defer cfg.Metrics.PollerStopped()
		}

		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				log.Debug("poll loop stopped", "kind", cfg.Kind, "reason", loopCtx.Err())
				return

			case <-ticker.C:
				status, err := fetch(loopCtx)
				if err != nil {
					// Cancellation mid-fetch is loop shutdown, not a failed tick.
					if loopCtx.Err() != nil {
						log.Debug("poll loop stopped during fetch", "kind", cfg.Kind)
						return
					}
					if cfg.Metrics != nil {
						cfg.Metrics.RecordPollTick(cfg.Kind, metrics.StatusError)
					}
					log.Warn("poll tick failed, skipping",
						"kind", cfg.Kind,
						"error", err)
					continue
				}

				if cfg.Metrics != nil {
					cfg.Metrics.RecordPollTick(cfg.Kind, metrics.StatusSuccess)
				}

				onUpdate(status)
				if isTerminal(status) {
					log.Debug("poll loop reached terminal status", "kind", cfg.Kind)
					return
				}
			}
		}
	}()

	return h, nil
}
