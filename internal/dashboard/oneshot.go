package dashboard

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tphakala/perch/internal/api"
	"github.com/tphakala/perch/internal/conf"
	"github.com/tphakala/perch/internal/jobs/downloads"
	"github.com/tphakala/perch/internal/jobs/taxonomy"
)

// DownloadModel asks the server to download modelID and reports progress on
// stdout until the download reaches a terminal state. A failed download is
// returned as an error.
func DownloadModel(ctx context.Context, settings *conf.Settings, modelID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newOneshotClient(settings)
	if err != nil {
		return err
	}
	defer client.Close()

	tracker, err := downloads.NewTracker(client, downloads.Config{
		Interval: settings.Jobs.DownloadInterval,
	})
	if err != nil {
		return err
	}
	defer tracker.Stop()

	if err := tracker.Start(ctx, modelID); err != nil {
		return err
	}
	fmt.Printf("Downloading model %s\n", modelID)

	ticker := time.NewTicker(watchInterval(settings.Jobs.DownloadInterval))
	defer ticker.Stop()

	lastProgress := -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			job, ok := tracker.Status()
			if !ok {
				continue
			}
			if job.Progress != lastProgress {
				lastProgress = job.Progress
				fmt.Printf("  %s %d%%\n", job.Status, job.Progress)
			}
			if job.Terminal() {
				if job.Err != nil {
					return job.Err
				}
				fmt.Println("Download completed")
				return nil
			}
		}
	}
}

// SyncTaxonomy starts a server-side taxonomy sync and reports progress on
// stdout until the server stops reporting it as running.
func SyncTaxonomy(ctx context.Context, settings *conf.Settings) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newOneshotClient(settings)
	if err != nil {
		return err
	}
	defer client.Close()

	tracker, err := taxonomy.NewTracker(client, taxonomy.Config{
		Interval: settings.Jobs.TaxonomyInterval,
	})
	if err != nil {
		return err
	}
	defer tracker.Stop()

	if err := tracker.Start(ctx); err != nil {
		return err
	}
	fmt.Println("Taxonomy sync started")

	ticker := time.NewTicker(watchInterval(settings.Jobs.TaxonomyInterval))
	defer ticker.Stop()

	lastProcessed := -1
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status, ok := tracker.Status()
			if !ok {
				continue
			}
			if status.Err != nil {
				return status.Err
			}
			if status.Total > 0 && status.Processed != lastProcessed {
				lastProcessed = status.Processed
				fmt.Printf("  %d/%d %s\n", status.Processed, status.Total, status.CurrentItem)
			}
			if !status.IsRunning {
				fmt.Println("Taxonomy sync finished")
				return nil
			}
		}
	}
}

// newOneshotClient builds an unmetered API client for one-shot commands.
func newOneshotClient(settings *conf.Settings) (*api.Client, error) {
	return api.NewClient(api.Config{
		BaseURL:           settings.Server.URL,
		APIToken:          settings.Server.Token,
		Timeout:           settings.Server.Timeout,
		CacheTTL:          settings.Server.AnalyzeCacheTTL,
		RequestsPerSecond: settings.Server.RequestsPerSecond,
	})
}

// watchInterval derives the CLI's status print cadence from the tracker's
// poll interval, floored so progress output stays readable.
func watchInterval(pollInterval time.Duration) time.Duration {
	if pollInterval <= 0 {
		return time.Second
	}
	if pollInterval < 100*time.Millisecond {
		return pollInterval
	}
	return pollInterval / 2
}
