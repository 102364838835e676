// Package reclassify tracks per-detection reclassification jobs from request
// through polling to their terminal state, and writes successful results
// back into the feed store.
//
// One detection has at most one tracked job. A new request for the same
// detection supersedes the old job: its poller is cancelled and any update
// it still delivers is discarded, so a stale poll can never overwrite the
// successor's state.
package reclassify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tphakala/perch/internal/api"
	"github.com/tphakala/perch/internal/errors"
	"github.com/tphakala/perch/internal/feed"
	"github.com/tphakala/perch/internal/jobs/poller"
	"github.com/tphakala/perch/internal/logging"
	"github.com/tphakala/perch/internal/notices"
	"github.com/tphakala/perch/internal/observability/metrics"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("jobs.reclassify")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// State is the lifecycle position of a tracked job.
type State string

const (
	// StateRequested means the start request is in flight.
	StateRequested State = "requested"
	// StatePolling means the server acknowledged and status polling runs.
	StatePolling State = "polling"
	// StateSucceeded means the job finished and the result was applied.
	StateSucceeded State = "succeeded"
	// StateFailed means the request was rejected or the job failed.
	StateFailed State = "failed"
)

// Job is a snapshot of one tracked reclassification.
type Job struct {
	EventID           string
	RequestedStrategy api.Strategy
	ActualStrategy    api.Strategy
	State             State
	// Progress runs 0 to 1 and never regresses while polling.
	Progress float64
	Err      error
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.State == StateSucceeded || j.State == StateFailed
}

// Requester is the slice of the API client the tracker needs.
type Requester interface {
	Reclassify(ctx context.Context, id string, strategy api.Strategy) (api.Strategy, error)
	ReclassifyStatus(ctx context.Context, id string) (api.ReclassifyStatus, error)
}

// DetectionUpdater is the slice of the feed store the tracker needs.
type DetectionUpdater interface {
	Update(p feed.Patch) bool
}

// Config holds tracker tuning.
type Config struct {
	// Interval between status polls. Defaults to 2s.
	Interval time.Duration
	// Grace is how long a succeeded job stays visible before its entry is
	// removed. Defaults to 5s.
	Grace time.Duration
	// Metrics receives job observations. Optional.
	Metrics *metrics.JobMetrics
}

type entry struct {
	job         Job
	gen         uint64
	handle      *poller.Handle
	requestedAt time.Time
}

// Tracker owns the reclassification job table.
type Tracker struct {
	client  Requester
	store   DetectionUpdater
	notices *notices.Center
	cfg     Config

	mu      sync.Mutex
	entries map[string]*entry
	gen     uint64

	// ctx outlives individual requests so pollers keep running after the
	// request that started them returns.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewTracker creates a tracker using client for server calls and store for
// result writebacks. The notice center may be nil; fallback notices are then
// only logged.
func NewTracker(client Requester, store DetectionUpdater, center *notices.Center, cfg Config) (*Tracker, error) {
	if client == nil {
		return nil, errors.Newf("API client is required").
			Component("jobs.reclassify").
			Category(errors.CategoryValidation).
			Build()
	}
	if store == nil {
		return nil, errors.Newf("feed store is required").
			Component("jobs.reclassify").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		client:  client,
		store:   store,
		notices: center,
		cfg:     cfg,
		entries: make(map[string]*entry),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Request starts (or restarts) reclassification for a detection. An existing
// job for the same detection is superseded: its poller is cancelled and its
// late updates are discarded. On server rejection the entry is retained in
// StateFailed and the error is returned.
func (t *Tracker) Request(ctx context.Context, eventID string, strategy api.Strategy) error {
	if eventID == "" {
		return errors.Newf("event id is required").
			Component("jobs.reclassify").
			Category(errors.CategoryValidation).
			Build()
	}
	if !strategy.Valid() {
		return errors.Newf("unknown reclassification strategy %q", strategy).
			Component("jobs.reclassify").
			Category(errors.CategoryValidation).
			Context("event_id", eventID).
			Build()
	}

	gen := t.install(eventID, strategy)

	actual, err := t.client.Reclassify(ctx, eventID, strategy)
	if err != nil {
		t.withEntry(eventID, gen, func(e *entry) {
			e.job.State = StateFailed
			e.job.Err = err
		})
		t.recordOutcome("rejected")
		logger.Warn("reclassification request rejected",
			"event_id", eventID,
			"strategy", strategy,
			"error", err)
		return err
	}

	fellBack := false
	acknowledged := t.withEntry(eventID, gen, func(e *entry) {
		e.job.ActualStrategy = actual
		e.job.State = StatePolling
		fellBack = actual != strategy
	})
	if !acknowledged {
		// Superseded while the request was in flight; the successor owns
		// the entry now.
		return nil
	}

	if fellBack {
		t.publishFallback(eventID, strategy, actual)
	}

	handle, err := poller.Start(t.ctx, poller.Config{
		Interval: t.cfg.Interval,
		Kind:     metrics.JobKindReclassify,
		Metrics:  t.cfg.Metrics,
	},
		func(ctx context.Context) (api.ReclassifyStatus, error) {
			return t.client.ReclassifyStatus(ctx, eventID)
		},
		func(status api.ReclassifyStatus) {
			t.applyUpdate(eventID, gen, status)
		},
		func(status api.ReclassifyStatus) bool {
			return status.Terminal()
		},
	)
	if err != nil {
		t.withEntry(eventID, gen, func(e *entry) {
			e.job.State = StateFailed
			e.job.Err = err
		})
		return err
	}

	if !t.withEntry(eventID, gen, func(e *entry) { e.handle = handle }) {
		// Superseded between ack and poller start.
		handle.Cancel()
	}

	logger.Debug("reclassification polling started",
		"event_id", eventID,
		"requested_strategy", strategy,
		"actual_strategy", actual)
	return nil
}

// Progress returns a snapshot of the tracked job for eventID.
func (t *Tracker) Progress(eventID string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[eventID]
	if !ok {
		return Job{}, false
	}
	return e.job, true
}

// Jobs returns a snapshot of all tracked jobs ordered by event id.
func (t *Tracker) Jobs() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Job, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.job)
	}
	slices.SortFunc(out, func(a, b Job) int {
		return strings.Compare(a.EventID, b.EventID)
	})
	return out
}

// Cancel stops any active poller for eventID and drops its entry. Used when
// the detection itself is removed and the job result would be meaningless.
func (t *Tracker) Cancel(eventID string) {
	t.mu.Lock()
	e, ok := t.entries[eventID]
	if ok {
		delete(t.entries, eventID)
	}
	t.mu.Unlock()

	if !ok {
		return
	}
	if e.handle != nil {
		e.handle.Cancel()
	}
	logger.Debug("reclassification job cancelled", "event_id", eventID)
}

// Discard drops a terminal entry, typically a failure the operator has seen.
// Non-terminal jobs are left running and false is returned.
func (t *Tracker) Discard(eventID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[eventID]
	if !ok || !e.job.Terminal() {
		return false
	}
	delete(t.entries, eventID)
	return true
}

// Stop cancels all pollers and waits for them to exit. Entries stay
// readable.
func (t *Tracker) Stop() {
	t.cancel()

	t.mu.Lock()
	handles := make([]*poller.Handle, 0, len(t.entries))
	for _, e := range t.entries {
		if e.handle != nil {
			handles = append(handles, e.handle)
		}
	}
	t.mu.Unlock()

	for _, h := range handles {
		<-h.Done()
	}
}

// install replaces any existing entry for eventID with a fresh one in
// StateRequested and returns its generation.
func (t *Tracker) install(eventID string, strategy api.Strategy) uint64 {
	t.mu.Lock()
	prev, existed := t.entries[eventID]

	t.gen++
	gen := t.gen
	t.entries[eventID] = &entry{
		gen: gen,
		job: Job{
			EventID:           eventID,
			RequestedStrategy: strategy,
			State:             StateRequested,
		},
		requestedAt: time.Now(),
	}
	t.mu.Unlock()

	if existed {
		if prev.handle != nil {
			prev.handle.Cancel()
		}
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.RecordSupersession(metrics.JobKindReclassify)
		}
		logger.Debug("reclassification job superseded",
			"event_id", eventID,
			"previous_state", prev.job.State)
	}
	return gen
}

// withEntry runs fn on the entry for eventID if it still belongs to gen.
// Returns false when the entry is gone or was superseded.
func (t *Tracker) withEntry(eventID string, gen uint64, fn func(e *entry)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[eventID]
	if !ok || e.gen != gen {
		return false
	}
	fn(e)
	return true
}

// applyUpdate folds one poll status into the tracked job. Updates from
// superseded generations are dropped.
func (t *Tracker) applyUpdate(eventID string, gen uint64, status api.ReclassifyStatus) {
	var (
		patch       feed.Patch
		succeeded   bool
		failed      bool
		requestedAt time.Time
	)

	applied := t.withEntry(eventID, gen, func(e *entry) {
		// Progress never regresses; wire hiccups are clamped away.
		p := min(max(status.Progress, e.job.Progress), 1)

		switch {
		case status.Succeeded():
			e.job.State = StateSucceeded
			e.job.Progress = 1
			succeeded = true
			patch = feed.Patch{
				ID:             eventID,
				DisplayName:    status.DisplayName,
				CommonName:     status.CommonName,
				ScientificName: status.ScientificName,
				Score:          status.Score,
			}
		case status.Terminal():
			e.job.State = StateFailed
			e.job.Progress = p
			e.job.Err = errors.Newf("reclassification failed: %s", failureText(status)).
				Component("jobs.reclassify").
				Category(errors.CategoryJobTracking).
				Context("event_id", eventID).
				Build()
			failed = true
		default:
			e.job.State = StatePolling
			e.job.Progress = p
		}
		requestedAt = e.requestedAt
	})
	if !applied {
		logger.Debug("discarding late update from superseded poller",
			"event_id", eventID,
			"state", status.State)
		return
	}

	switch {
	case succeeded:
		if !t.store.Update(patch) {
			logger.Debug("detection gone before writeback, skipping",
				"event_id", eventID)
		}
		t.recordOutcome("succeeded")
		t.recordDuration(requestedAt)
		t.scheduleRemoval(eventID, gen)
		logger.Info("reclassification succeeded",
			"event_id", eventID,
			"duration_ms", time.Since(requestedAt).Milliseconds())
	case failed:
		t.recordOutcome("failed")
		t.recordDuration(requestedAt)
		logger.Warn("reclassification failed",
			"event_id", eventID,
			"reason", failureText(status))
	}
}

// scheduleRemoval drops a succeeded entry once the grace period passes, so
// the completed state stays observable for a moment. Supersession during the
// grace period wins.
func (t *Tracker) scheduleRemoval(eventID string, gen uint64) {
	time.AfterFunc(t.cfg.Grace, func() {
		t.mu.Lock()
		defer t.mu.Unlock()

		e, ok := t.entries[eventID]
		if ok && e.gen == gen && e.job.State == StateSucceeded {
			delete(t.entries, eventID)
		}
	})
}

func (t *Tracker) publishFallback(eventID string, requested, actual api.Strategy) {
	message := fmt.Sprintf("detection %s was reclassified from %s because %s was unavailable",
		eventID, actual, requested)

	if t.notices != nil {
		t.notices.Publish(notices.New(notices.TypeWarning, "Reclassification strategy fallback", message).
			WithComponent("jobs.reclassify").
			WithMetadata("event_id", eventID).
			WithMetadata("requested_strategy", string(requested)).
			WithMetadata("actual_strategy", string(actual)))
	} else {
		logger.Warn("reclassification strategy fallback",
			"event_id", eventID,
			"requested_strategy", requested,
			"actual_strategy", actual)
	}

	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordStrategyFallback()
	}
}

func (t *Tracker) recordOutcome(outcome string) {
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordJobOutcome(metrics.JobKindReclassify, outcome)
	}
}

func (t *Tracker) recordDuration(requestedAt time.Time) {
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordJobDuration(metrics.JobKindReclassify, time.Since(requestedAt).Seconds())
	}
}

func failureText(status api.ReclassifyStatus) string {
	if status.Error != "" {
		return status.Error
	}
	return "server reported state " + status.State
}
