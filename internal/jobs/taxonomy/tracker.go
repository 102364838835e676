// Package taxonomy tracks the server's global taxonomy sync job. The server
// runs at most one sync at a time and rejects concurrent starts with a
// conflict, so the tracker holds a single slot that is only claimed once the
// server has accepted the start request.
package taxonomy

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/tphakala/perch/internal/api"
	"github.com/tphakala/perch/internal/errors"
	"github.com/tphakala/perch/internal/jobs/poller"
	"github.com/tphakala/perch/internal/logging"
	"github.com/tphakala/perch/internal/observability/metrics"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("jobs.taxonomy")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// Sync is a snapshot of the tracked taxonomy sync.
type Sync struct {
	IsRunning   bool
	Processed   int
	Total       int
	CurrentItem string
	Err         error
}

// Syncer is the slice of the API client the tracker needs.
type Syncer interface {
	StartTaxonomySync(ctx context.Context) error
	TaxonomySyncStatus(ctx context.Context) (api.TaxonomySyncStatus, error)
}

// Config holds tracker tuning.
type Config struct {
	// Interval between status polls. Defaults to 2s.
	Interval time.Duration
	// Metrics receives job observations. Optional.
	Metrics *metrics.JobMetrics
}

type entry struct {
	sync      Sync
	gen       uint64
	handle    *poller.Handle
	startedAt time.Time
}

// Tracker watches at most one taxonomy sync.
type Tracker struct {
	client Syncer
	cfg    Config

	mu  sync.Mutex
	cur *entry
	gen uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTracker creates a taxonomy sync tracker.
func NewTracker(client Syncer, cfg Config) (*Tracker, error) {
	if client == nil {
		return nil, errors.Newf("API client is required").
			Component("jobs.taxonomy").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		client: client,
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start asks the server to begin a taxonomy sync and watches it until the
// server reports it is no longer running. A conflict means a sync is already
// running server-side; the error is returned and the tracked state is left
// exactly as it was. Other start failures claim the slot with the error so
// the caller's attempt stays inspectable.
func (t *Tracker) Start(ctx context.Context) error {
	if err := t.client.StartTaxonomySync(ctx); err != nil {
		if errors.IsCategory(err, errors.CategoryConflict) {
			logger.Warn("taxonomy sync already running on server", "error", err)
			return err
		}
		t.install(Sync{Err: err})
		t.recordOutcome("rejected")
		logger.Warn("taxonomy sync request rejected", "error", err)
		return err
	}

	gen := t.install(Sync{IsRunning: true})

	handle, err := poller.Start(t.ctx, poller.Config{
		Interval: t.cfg.Interval,
		Kind:     metrics.JobKindTaxonomy,
		Metrics:  t.cfg.Metrics,
	},
		func(ctx context.Context) (api.TaxonomySyncStatus, error) {
			return t.client.TaxonomySyncStatus(ctx)
		},
		func(status api.TaxonomySyncStatus) {
			t.applyUpdate(gen, status)
		},
		func(status api.TaxonomySyncStatus) bool {
			return !status.IsRunning
		},
	)
	if err != nil {
		t.withCurrent(gen, func(e *entry) {
			e.sync.IsRunning = false
			e.sync.Err = err
		})
		return err
	}

	if !t.withCurrent(gen, func(e *entry) { e.handle = handle }) {
		handle.Cancel()
	}

	logger.Info("taxonomy sync started")
	return nil
}

// Status returns the tracked sync, if any.
func (t *Tracker) Status() (Sync, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur == nil {
		return Sync{}, false
	}
	return t.cur.sync, true
}

// Stop cancels the active poller and waits for it to exit.
func (t *Tracker) Stop() {
	t.cancel()

	t.mu.Lock()
	var handle *poller.Handle
	if t.cur != nil {
		handle = t.cur.handle
	}
	t.mu.Unlock()

	if handle != nil {
		<-handle.Done()
	}
}

func (t *Tracker) install(initial Sync) uint64 {
	t.mu.Lock()
	prev := t.cur

	t.gen++
	gen := t.gen
	t.cur = &entry{
		sync:      initial,
		gen:       gen,
		startedAt: time.Now(),
	}
	t.mu.Unlock()

	if prev != nil && prev.handle != nil {
		prev.handle.Cancel()
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.RecordSupersession(metrics.JobKindTaxonomy)
		}
	}
	return gen
}

// withCurrent runs fn on the slot if it still belongs to gen.
func (t *Tracker) withCurrent(gen uint64, fn func(e *entry)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur == nil || t.cur.gen != gen {
		return false
	}
	fn(t.cur)
	return true
}

func (t *Tracker) applyUpdate(gen uint64, status api.TaxonomySyncStatus) {
	var (
		finished  bool
		startedAt time.Time
		processed int
	)

	applied := t.withCurrent(gen, func(e *entry) {
		e.sync.IsRunning = status.IsRunning
		e.sync.Processed = status.Processed
		e.sync.Total = status.Total
		e.sync.CurrentItem = status.CurrentItem

		// is_running false on the very first poll is a valid immediate
		// completion.
		finished = !status.IsRunning
		startedAt = e.startedAt
		processed = e.sync.Processed
	})
	if !applied {
		logger.Debug("discarding late update from superseded taxonomy poller")
		return
	}

	if finished {
		t.recordOutcome("succeeded")
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.RecordJobDuration(metrics.JobKindTaxonomy, time.Since(startedAt).Seconds())
		}
		logger.Info("taxonomy sync finished",
			"processed", processed,
			"duration_ms", time.Since(startedAt).Milliseconds())
	}
}

func (t *Tracker) recordOutcome(outcome string) {
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordJobOutcome(metrics.JobKindTaxonomy, outcome)
	}
}
