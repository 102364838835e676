// Package dashboard assembles and runs the perch daemon: the detection
// server API client, the reconciled feed store, the background job trackers,
// the mutation applier, the SSE stream listener, and the local mirror. Run
// blocks until the context ends, a termination signal arrives, or a
// component fails fatally.
package dashboard

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/perch/internal/actions"
	"github.com/tphakala/perch/internal/api"
	"github.com/tphakala/perch/internal/conf"
	"github.com/tphakala/perch/internal/errors"
	"github.com/tphakala/perch/internal/feed"
	"github.com/tphakala/perch/internal/jobs/downloads"
	"github.com/tphakala/perch/internal/jobs/poller"
	"github.com/tphakala/perch/internal/jobs/reclassify"
	"github.com/tphakala/perch/internal/jobs/taxonomy"
	"github.com/tphakala/perch/internal/logging"
	"github.com/tphakala/perch/internal/mirror"
	"github.com/tphakala/perch/internal/notices"
	"github.com/tphakala/perch/internal/observability"
	"github.com/tphakala/perch/internal/observability/metrics"
	"github.com/tphakala/perch/internal/stream"
	"github.com/tphakala/perch/internal/telemetry"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("dashboard")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

const (
	// shutdownTimeout bounds the mirror's graceful drain on exit.
	shutdownTimeout = 10 * time.Second

	// telemetryFlushTimeout bounds the final Sentry flush.
	telemetryFlushTimeout = 3 * time.Second
)

// Run wires the daemon from settings and runs it until ctx is cancelled.
// SIGINT and SIGTERM trigger a graceful shutdown.
func Run(ctx context.Context, settings *conf.Settings) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := newDaemon(settings)
	if err != nil {
		return err
	}
	defer d.close()

	return d.run(ctx)
}

// daemon holds the wired components for one run.
type daemon struct {
	settings *conf.Settings

	metrics      *observability.Metrics
	client       *api.Client
	store        *feed.Store
	center       *notices.Center
	reclassifier *reclassify.Tracker
	downloader   *downloads.Tracker
	syncer       *taxonomy.Tracker
	applier      *actions.Applier
	listener     *stream.Listener
	mirror       *mirror.Server

	closeLog func() error
}

// newDaemon builds every component from settings. Construction starts no
// goroutines; run does.
func newDaemon(settings *conf.Settings) (*daemon, error) {
	if settings == nil {
		return nil, errors.Newf("settings are required").
			Component("dashboard").
			Category(errors.CategoryConfiguration).
			Build()
	}

	d := &daemon{
		settings: settings,
		closeLog: func() error { return nil },
	}
	built := false
	defer func() {
		if !built {
			d.close()
		}
	}()

	if settings.Main.Log.Enabled {
		fileLogger, closeFn, err := logging.NewFileLogger(settings.Main.Log.Path, "dashboard", logLevel(settings))
		if err != nil {
			return nil, errors.New(err).
				Component("dashboard").
				Category(errors.CategoryConfiguration).
				Context("log_path", settings.Main.Log.Path).
				Build()
		}
		logger = fileLogger
		d.closeLog = closeFn
	}

	if err := telemetry.Init(settings); err != nil {
		// Telemetry is optional; a failed reporter never keeps the daemon down.
		logger.Warn("telemetry initialization failed", "error", err)
	}

	m, err := observability.NewMetrics()
	if err != nil {
		return nil, errors.New(err).
			Component("dashboard").
			Category(errors.CategoryConfiguration).
			Build()
	}
	d.metrics = m

	d.client, err = api.NewClient(api.Config{
		BaseURL:           settings.Server.URL,
		APIToken:          settings.Server.Token,
		Timeout:           settings.Server.Timeout,
		CacheTTL:          settings.Server.AnalyzeCacheTTL,
		RequestsPerSecond: settings.Server.RequestsPerSecond,
	}, api.WithMetrics(m.API))
	if err != nil {
		return nil, err
	}

	d.store = feed.NewStore(feed.WithMetrics(m.Feed))
	d.center = notices.NewCenter(notices.DefaultCapacity)

	d.reclassifier, err = reclassify.NewTracker(d.client, d.store, d.center, reclassify.Config{
		Interval: settings.Jobs.ReclassifyInterval,
		Grace:    settings.Jobs.Grace,
		Metrics:  m.Jobs,
	})
	if err != nil {
		return nil, err
	}

	d.downloader, err = downloads.NewTracker(d.client, downloads.Config{
		Interval: settings.Jobs.DownloadInterval,
		Metrics:  m.Jobs,
	})
	if err != nil {
		return nil, err
	}

	d.syncer, err = taxonomy.NewTracker(d.client, taxonomy.Config{
		Interval: settings.Jobs.TaxonomyInterval,
		Metrics:  m.Jobs,
	})
	if err != nil {
		return nil, err
	}

	d.applier, err = actions.NewApplier(d.client, d.store, d.center, d.reclassifier)
	if err != nil {
		return nil, err
	}

	d.listener, err = stream.NewListener(d.store, stream.Config{
		BaseURL:  settings.Server.URL,
		APIToken: settings.Server.Token,
		Metrics:  m.Stream,
	})
	if err != nil {
		return nil, err
	}

	if settings.Mirror.Enabled {
		d.mirror, err = mirror.NewServer(mirror.Config{Listen: settings.Mirror.Listen}, mirror.Sources{
			Store:             d.store,
			Reclassifications: d.reclassifier,
			Download:          d.downloader,
			Taxonomy:          d.syncer,
			Actions:           d.applier,
			Analyzer:          d.client,
			Notices:           d.center,
			Stream:            d.listener,
			MetricsHandler:    m.Handler(),
		})
		if err != nil {
			return nil, err
		}
	}

	built = true
	return d, nil
}

// run performs the initial feed load and supervises the long-running parts
// until ctx ends or one of them fails.
func (d *daemon) run(ctx context.Context) error {
	logger.Info("perch daemon starting",
		"node", d.settings.Main.Name,
		"server", d.settings.Server.URL,
		"mirror_enabled", d.settings.Mirror.Enabled,
		"version", d.settings.Version)

	// The stream converges the feed over time, so a failed first load only
	// degrades the view until the next refresh.
	if err := d.refreshFeed(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("initial feed load failed, continuing with empty feed", "error", err)
		d.center.Warning("dashboard", "Initial feed load failed", err.Error())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := d.listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if d.settings.Feed.Refresh > 0 {
		g.Go(func() error {
			return d.refreshLoop(gctx)
		})
	}

	if d.mirror != nil {
		g.Go(d.mirror.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return d.mirror.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon terminated", "error", err)
		return err
	}
	logger.Info("daemon stopped")
	return nil
}

// close releases every component run started, trackers first so no poller
// writes into a closing store.
func (d *daemon) close() {
	if d.reclassifier != nil {
		d.reclassifier.Stop()
	}
	if d.downloader != nil {
		d.downloader.Stop()
	}
	if d.syncer != nil {
		d.syncer.Stop()
	}
	if d.center != nil {
		d.center.Stop()
	}
	if d.listener != nil {
		d.listener.Close()
	}
	if d.client != nil {
		d.client.Close()
	}
	telemetry.Flush(telemetryFlushTimeout)
	if err := d.closeLog(); err != nil {
		logger.Debug("service log close failed", "error", err)
	}
}

// refreshLoop reloads the feed through the shared polling primitive until
// ctx ends. The first reload happens one full interval after startup since
// the initial load already ran; a failed reload skips that tick.
func (d *daemon) refreshLoop(ctx context.Context) error {
	cfg := poller.Config{
		Interval: d.settings.Feed.Refresh,
		Kind:     "feed.refresh",
		Logger:   logger,
	}
	if d.metrics != nil {
		cfg.Metrics = d.metrics.Jobs
	}

	handle, err := poller.Start(ctx, cfg,
		func(ctx context.Context) (int, error) {
			if err := d.refreshFeed(ctx); err != nil {
				return 0, err
			}
			return d.store.Len(), nil
		}, nil, nil)
	if err != nil {
		return err
	}

	<-handle.Done()
	return nil
}

// refreshFeed replaces the local feed with the newest page from the server.
// Invalid entries are skipped rather than failing the whole load.
func (d *daemon) refreshFeed(ctx context.Context) error {
	page, err := d.client.Detections(ctx, api.FeedQuery{
		Limit:         d.settings.Feed.PageSize,
		IncludeHidden: d.settings.Feed.IncludeHidden,
	})
	if err != nil {
		if d.metrics != nil {
			d.metrics.Feed.RecordLoad(metrics.StatusError)
		}
		return err
	}

	detections := make([]feed.Detection, 0, len(page.Data))
	for i := range page.Data {
		det := page.Data[i].ToModel()
		if err := det.Validate(); err != nil {
			logger.Warn("skipping invalid detection from feed load",
				"detection_id", det.ID,
				"error", err)
			continue
		}
		detections = append(detections, det)
	}

	d.store.Load(detections)
	logger.Debug("feed loaded from server",
		"detections", len(detections),
		"total_on_server", page.Total)
	return nil
}

func logLevel(settings *conf.Settings) slog.Level {
	if settings.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
