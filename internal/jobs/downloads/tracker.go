// Package downloads tracks the server's model download job. The server
// downloads one model at a time, so the tracker holds a single slot; a new
// Start supersedes whatever download is still being watched.
package downloads

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
	logger = logging.ForService("jobs.downloads")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// Job is a snapshot of the tracked download.
type Job struct {
	ModelID string
	Status  string
	// Progress runs 0 to 100 and never regresses while downloading.
	Progress int
	Err      error
}

// Terminal reports whether the download has finished.
func (j *Job) Terminal() bool {
	return j.Status == api.DownloadStateCompleted || j.Status == api.DownloadStateFailed
}

// Downloader is the slice of the API client the tracker needs.
type Downloader interface {
	StartModelDownload(ctx context.Context, modelID string) error
	ModelDownloadStatus(ctx context.Context, modelID string) (api.DownloadStatus, error)
}

// Config holds tracker tuning.
type Config struct {
	// Interval between status polls. Defaults to 2s.
	Interval time.Duration
	// Metrics receives job observations. Optional.
	Metrics *metrics.JobMetrics
}

type entry struct {
	job       Job
	gen       uint64
	handle    *poller.Handle
	startedAt time.Time
}

// Tracker watches at most one model download.
type Tracker struct {
	client Downloader
	cfg    Config

	mu  sync.Mutex
	cur *entry
	gen uint64

	ctx    context.Context
	cancel context.CancelFunc
}

// NewTracker creates a download tracker.
func NewTracker(client Downloader, cfg Config) (*Tracker, error) {
	if client == nil {
		return nil, errors.Newf("API client is required").
			Component("jobs.downloads").
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

// Start asks the server to download modelID and begins watching its
// progress. Any download still being watched is superseded. On server
// rejection the slot holds the failure and the error is returned.
func (t *Tracker) Start(ctx context.Context, modelID string) error {
	if modelID == "" {
		return errors.Newf("model id is required").
			Component("jobs.downloads").
			Category(errors.CategoryValidation).
			Build()
	}

	gen := t.install(modelID)

	if err := t.client.StartModelDownload(ctx, modelID); err != nil {
		t.withCurrent(gen, func(e *entry) {
			e.job.Status = api.DownloadStateFailed
			e.job.Err = err
		})
		t.recordOutcome("rejected")
		logger.Warn("model download request rejected",
			"model_id", modelID,
			"error", err)
		return err
	}

	handle, err := poller.Start(t.ctx, poller.Config{
		Interval: t.cfg.Interval,
		Kind:     metrics.JobKindDownload,
		Metrics:  t.cfg.Metrics,
	},
		func(ctx context.Context) (api.DownloadStatus, error) {
			return t.client.ModelDownloadStatus(ctx, modelID)
		},
		func(status api.DownloadStatus) {
			t.applyUpdate(gen, status)
		},
		func(status api.DownloadStatus) bool {
			return status.Terminal()
		},
	)
	if err != nil {
		t.withCurrent(gen, func(e *entry) {
			e.job.Status = api.DownloadStateFailed
			e.job.Err = err
		})
		return err
	}

	if !t.withCurrent(gen, func(e *entry) { e.handle = handle }) {
		handle.Cancel()
	}

	logger.Info("model download started", "model_id", modelID)
	return nil
}

// Status returns the tracked download, if any.
func (t *Tracker) Status() (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur == nil {
		return Job{}, false
	}
	return t.cur.job, true
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

func (t *Tracker) install(modelID string) uint64 {
	t.mu.Lock()
	prev := t.cur

	t.gen++
	gen := t.gen
	t.cur = &entry{
		gen: gen,
		job: Job{
			ModelID: modelID,
			Status:  api.DownloadStateQueued,
		},
		startedAt: time.Now(),
	}
	t.mu.Unlock()

	if prev != nil {
		if prev.handle != nil {
			prev.handle.Cancel()
		}
		if t.cfg.Metrics != nil {
			t.cfg.Metrics.RecordSupersession(metrics.JobKindDownload)
		}
		logger.Debug("model download superseded",
			"previous_model_id", prev.job.ModelID,
			"previous_status", prev.job.Status)
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

func (t *Tracker) applyUpdate(gen uint64, status api.DownloadStatus) {
	var (
		completed bool
		failed    bool
		startedAt time.Time
		modelID   string
	)

	applied := t.withCurrent(gen, func(e *entry) {
		// Progress never regresses; out-of-range values are clamped.
		p := min(max(status.Progress, e.job.Progress), 100)

		switch status.Status {
		case api.DownloadStateCompleted:
			e.job.Status = api.DownloadStateCompleted
			e.job.Progress = 100
			completed = true
		case api.DownloadStateFailed:
			e.job.Status = api.DownloadStateFailed
			e.job.Progress = p
			e.job.Err = errors.Newf("model download failed: %s", failureText(status)).
				Component("jobs.downloads").
				Category(errors.CategoryJobTracking).
				Context("model_id", e.job.ModelID).
				Build()
			failed = true
		default:
			e.job.Status = status.Status
			e.job.Progress = p
		}
		startedAt = e.startedAt
		modelID = e.job.ModelID
	})
	if !applied {
		logger.Debug("discarding late update from superseded download poller",
			"status", status.Status)
		return
	}

	switch {
	case completed:
		t.recordOutcome("succeeded")
		t.recordDuration(startedAt)
		logger.Info("model download completed",
			"model_id", modelID,
			"duration_ms", time.Since(startedAt).Milliseconds())
	case failed:
		t.recordOutcome("failed")
		t.recordDuration(startedAt)
		logger.Warn("model download failed",
			"model_id", modelID,
			"reason", failureText(status))
	}
}

func (t *Tracker) recordOutcome(outcome string) {
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordJobOutcome(metrics.JobKindDownload, outcome)
	}
}

func (t *Tracker) recordDuration(startedAt time.Time) {
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.RecordJobDuration(metrics.JobKindDownload, time.Since(startedAt).Seconds())
	}
}

func failureText(status api.DownloadStatus) string {
	if status.Error != "" {
		return status.Error
	}
	return "server reported status " + status.Status
}
