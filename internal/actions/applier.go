// Package actions applies user mutations to the detection feed. Tagging is
// optimistic: the local view changes first and rolls back if the server
// rejects the change. Hiding and deleting are confirm-then-remove: the local
// entry only disappears once the server has acknowledged.
package actions

import (
	"context"
	"io"
	"log/slog"

	"github.com/tphakala/perch/internal/errors"
	"github.com/tphakala/perch/internal/feed"
	"github.com/tphakala/perch/internal/logging"
	"github.com/tphakala/perch/internal/notices"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("actions")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// Mutator is the slice of the API client the applier needs.
type Mutator interface {
	UpdateSpecies(ctx context.Context, id, displayName string) error
	Hide(ctx context.Context, id string) (bool, error)
	Delete(ctx context.Context, id string) error
}

// JobCanceller stops background job tracking for a detection. Removed
// detections must not keep pollers alive.
type JobCanceller interface {
	Cancel(eventID string)
}

// Applier coordinates user mutations between the API and the local feed.
type Applier struct {
	client  Mutator
	store   *feed.Store
	notices *notices.Center
	jobs    JobCanceller
}

// NewApplier creates a mutation applier. The notice center and job canceller
// are optional.
func NewApplier(client Mutator, store *feed.Store, center *notices.Center, jobs JobCanceller) (*Applier, error) {
	if client == nil {
		return nil, errors.Newf("API client is required").
			Component("actions").
			Category(errors.CategoryValidation).
			Build()
	}
	if store == nil {
		return nil, errors.Newf("feed store is required").
			Component("actions").
			Category(errors.CategoryValidation).
			Build()
	}
	return &Applier{
		client:  client,
		store:   store,
		notices: center,
		jobs:    jobs,
	}, nil
}

// Tag renames a detection's display label. The new label is applied locally
// before the server call; a rejected call rolls the label back and publishes
// an error notice.
func (a *Applier) Tag(ctx context.Context, id, displayName string) error {
	if displayName == "" {
		return errors.Newf("display name is required").
			Component("actions").
			Category(errors.CategoryValidation).
			Context("detection_id", id).
			Build()
	}
	prev, ok := a.store.Get(id)
	if !ok {
		return a.unknownDetection("tag", id)
	}

	a.store.Update(feed.Patch{ID: id, DisplayName: &displayName})

	if err := a.client.UpdateSpecies(ctx, id, displayName); err != nil {
		// Roll back only while the optimistic value is still in place; a
		// concurrent authoritative update wins otherwise.
		if cur, ok := a.store.Get(id); ok && cur.DisplayName == displayName {
			a.store.Update(feed.Patch{ID: id, DisplayName: &prev.DisplayName})
		}
		a.publishFailure("tag", id, "Species update failed", err)
		return err
	}

	logger.Debug("detection tagged", "detection_id", id, "display_name", displayName)
	return nil
}

// Hide asks the server to hide a detection and removes it locally once the
// server confirms it is hidden. A response reporting the detection still
// visible keeps the local entry and publishes an informational notice.
func (a *Applier) Hide(ctx context.Context, id string) error {
	d, ok := a.store.Get(id)
	if !ok {
		return a.unknownDetection("hide", id)
	}

	hidden, err := a.client.Hide(ctx, id)
	if err != nil {
		a.publishFailure("hide", id, "Hide request failed", err)
		return err
	}
	if !hidden {
		if a.notices != nil {
			a.notices.Publish(notices.New(notices.TypeInfo,
				"Detection kept visible",
				"The server reported the detection is not hidden; it stays in the feed.").
				WithComponent("actions").
				WithMetadata("event_id", id).
				WithMetadata("action", "hide"))
		}
		logger.Info("hide not confirmed, keeping detection", "detection_id", id)
		return nil
	}

	a.removeConfirmed("hide", id, d)
	return nil
}

// Delete removes a detection on the server and then locally.
func (a *Applier) Delete(ctx context.Context, id string) error {
	d, ok := a.store.Get(id)
	if !ok {
		return a.unknownDetection("delete", id)
	}

	if err := a.client.Delete(ctx, id); err != nil {
		a.publishFailure("delete", id, "Delete request failed", err)
		return err
	}

	a.removeConfirmed("delete", id, d)
	return nil
}

// removeConfirmed drops the detection from the feed and stops any job
// tracking tied to it. The id+time match guards against the entry having
// been replaced while the server call was in flight.
func (a *Applier) removeConfirmed(action, id string, d feed.Detection) {
	removed := a.store.Remove(id, d.DetectionTime)
	if a.jobs != nil {
		a.jobs.Cancel(id)
	}
	logger.Info("detection removed",
		"action", action,
		"detection_id", id,
		"removed_locally", removed)
}

func (a *Applier) unknownDetection(action, id string) error {
	return errors.Newf("detection %s not in the feed", id).
		Component("actions").
		Category(errors.CategoryValidation).
		Context("detection_id", id).
		Context("action", action).
		Build()
}

func (a *Applier) publishFailure(action, id, title string, err error) {
	logger.Warn(title, "detection_id", id, "action", action, "error", err)
	if a.notices == nil {
		return
	}
	a.notices.Publish(notices.New(notices.TypeError, title, err.Error()).
		WithComponent("actions").
		WithMetadata("event_id", id).
		WithMetadata("action", action))
}
