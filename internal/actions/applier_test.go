package actions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/perch/internal/errors"
	"github.com/tphakala/perch/internal/feed"
	"github.com/tphakala/perch/internal/notices"
)

// fakeMutator scripts the mutation endpoints. onCall runs inside each call,
// which lets tests observe or mutate the store while the request is in
// flight.
type fakeMutator struct {
	updateErr error
	hidden    bool
	hideErr   error
	deleteErr error

	onCall func()

	updateCalls int
	hideCalls   int
	deleteCalls int
	lastDisplay string
}

func (f *fakeMutator) UpdateSpecies(ctx context.Context, id, displayName string) error {
	f.updateCalls++
	f.lastDisplay = displayName
	if f.onCall != nil {
		f.onCall()
	}
	return f.updateErr
}

func (f *fakeMutator) Hide(ctx context.Context, id string) (bool, error) {
	f.hideCalls++
	if f.onCall != nil {
		f.onCall()
	}
	return f.hidden, f.hideErr
}

func (f *fakeMutator) Delete(ctx context.Context, id string) error {
	f.deleteCalls++
	if f.onCall != nil {
		f.onCall()
	}
	return f.deleteErr
}

type fakeCanceller struct {
	cancelled []string
}

func (f *fakeCanceller) Cancel(eventID string) {
	f.cancelled = append(f.cancelled, eventID)
}

var detectionTime = time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)

func seedStore(t *testing.T, ids ...string) *feed.Store {
	t.Helper()
	store := feed.NewStore()
	for _, id := range ids {
		store.Add(feed.Detection{
			ID:            id,
			DetectionTime: detectionTime,
			DisplayName:   "Unknown bird",
			Score:         0.5,
		})
	}
	return store
}

func newTestApplier(t *testing.T, m *fakeMutator, store *feed.Store, center *notices.Center, jobs JobCanceller) *Applier {
	t.Helper()
	a, err := NewApplier(m, store, center, jobs)
	require.NoError(t, err, "applier construction should succeed")
	return a
}

func TestNewApplierValidation(t *testing.T) {
	t.Parallel()

	_, err := NewApplier(nil, feed.NewStore(), nil, nil)
	require.Error(t, err, "nil client should be rejected")

	_, err = NewApplier(&fakeMutator{}, nil, nil, nil)
	require.Error(t, err, "nil store should be rejected")
}

func TestTagAppliesBeforeServerCall(t *testing.T) {
	t.Parallel()

	store := seedStore(t, "e1")
	m := &fakeMutator{}
	m.onCall = func() {
		d, _ := store.Get("e1")
		assert.Equal(t, "Great Tit", d.DisplayName, "the optimistic label must be visible during the request")
	}
	a := newTestApplier(t, m, store, nil, nil)

	require.NoError(t, a.Tag(context.Background(), "e1", "Great Tit"))

	d, _ := store.Get("e1")
	assert.Equal(t, "Great Tit", d.DisplayName)
	assert.Equal(t, 1, m.updateCalls)
	assert.Equal(t, "Great Tit", m.lastDisplay)
}

func TestTagRollsBackOnServerError(t *testing.T) {
	t.Parallel()

	store := seedStore(t, "e1")
	center := notices.NewCenter(10)
	m := &fakeMutator{
		updateErr: errors.Newf("connection refused").
			Component("api").
			Category(errors.CategoryNetwork).
			Build(),
	}
	a := newTestApplier(t, m, store, center, nil)

	err := a.Tag(context.Background(), "e1", "Great Tit")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "the client error passes through unchanged")

	d, _ := store.Get("e1")
	assert.Equal(t, "Unknown bird", d.DisplayName, "the label rolls back to its previous value")

	published := center.Recent(0)
	require.Len(t, published, 1)
	assert.Equal(t, notices.TypeError, published[0].Type)
	assert.Equal(t, "e1", published[0].Metadata["event_id"])
	assert.Equal(t, "tag", published[0].Metadata["action"])
}

func TestTagRollbackYieldsToConcurrentUpdate(t *testing.T) {
	t.Parallel()

	store := seedStore(t, "e1")
	m := &fakeMutator{
		updateErr: errors.Newf("server error").
			Component("api").
			Category(errors.CategoryNetwork).
			Build(),
	}
	// A stream upsert lands while the tag request is in flight.
	m.onCall = func() {
		store.Add(feed.Detection{
			ID:            "e1",
			DetectionTime: detectionTime,
			DisplayName:   "Coal Tit",
			Score:         0.9,
		})
	}
	a := newTestApplier(t, m, store, nil, nil)

	require.Error(t, a.Tag(context.Background(), "e1", "Great Tit"))

	d, _ := store.Get("e1")
	assert.Equal(t, "Coal Tit", d.DisplayName, "a concurrent authoritative update must not be rolled back")
}

func TestTagValidation(t *testing.T) {
	t.Parallel()

	m := &fakeMutator{}
	a := newTestApplier(t, m, seedStore(t, "e1"), nil, nil)

	err := a.Tag(context.Background(), "e1", "")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "empty display name is a validation error")

	err = a.Tag(context.Background(), "missing", "Great Tit")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation), "unknown id is a validation error")

	assert.Zero(t, m.updateCalls, "validation failures must not reach the server")
}

func TestHideConfirmedRemovesAndCancelsJobs(t *testing.T) {
	t.Parallel()

	store := seedStore(t, "e1", "e2")
	center := notices.NewCenter(10)
	jobs := &fakeCanceller{}
	m := &fakeMutator{hidden: true}
	a := newTestApplier(t, m, store, center, jobs)

	require.NoError(t, a.Hide(context.Background(), "e1"))

	_, ok := store.Get("e1")
	assert.False(t, ok, "a confirmed hide removes the local entry")
	assert.Equal(t, 1, store.Len(), "other detections are untouched")
	assert.Equal(t, []string{"e1"}, jobs.cancelled, "job tracking stops for the removed detection")
	assert.Empty(t, center.Recent(0), "a confirmed hide publishes no notice")
}

func TestHideDeclinedKeepsDetection(t *testing.T) {
	t.Parallel()

	store := seedStore(t, "e1")
	center := notices.NewCenter(10)
	jobs := &fakeCanceller{}
	m := &fakeMutator{hidden: false}
	a := newTestApplier(t, m, store, center, jobs)

	require.NoError(t, a.Hide(context.Background(), "e1"), "a declined hide is not an error")

	_, ok := store.Get("e1")
	assert.True(t, ok, "the detection stays visible")
	assert.Empty(t, jobs.cancelled)

	published := center.Recent(0)
	require.Len(t, published, 1)
	assert.Equal(t, notices.TypeInfo, published[0].Type)
	assert.Equal(t, "hide", published[0].Metadata["action"])
}

func TestHideTransportErrorKeepsDetection(t *testing.T) {
	t.Parallel()

	store := seedStore(t, "e1")
	center := notices.NewCenter(10)
	m := &fakeMutator{
		hideErr: errors.Newf("request timed out").
			Component("api").
			Category(errors.CategoryTimeout).
			Build(),
	}
	a := newTestApplier(t, m, store, center, nil)

	err := a.Hide(context.Background(), "e1")
	require.Error(t, err)

	_, ok := store.Get("e1")
	assert.True(t, ok, "a failed request must not touch the store")

	published := center.Recent(0)
	require.Len(t, published, 1)
	assert.Equal(t, notices.TypeError, published[0].Type)
}

func TestDeleteRemovesAfterConfirmation(t *testing.T) {
	t.Parallel()

	store := seedStore(t, "e1")
	jobs := &fakeCanceller{}
	m := &fakeMutator{}
	a := newTestApplier(t, m, store, nil, jobs)

	require.NoError(t, a.Delete(context.Background(), "e1"))

	assert.Zero(t, store.Len())
	assert.Equal(t, []string{"e1"}, jobs.cancelled)
}

func TestDeleteTransportErrorKeepsDetection(t *testing.T) {
	t.Parallel()

	store := seedStore(t, "e1")
	center := notices.NewCenter(10)
	jobs := &fakeCanceller{}
	m := &fakeMutator{
		deleteErr: errors.Newf("bad gateway").
			Component("api").
			Category(errors.CategoryNetwork).
			Build(),
	}
	a := newTestApplier(t, m, store, center, jobs)

	require.Error(t, a.Delete(context.Background(), "e1"))

	_, ok := store.Get("e1")
	assert.True(t, ok)
	assert.Empty(t, jobs.cancelled, "no job is cancelled without a confirmed removal")
	require.Len(t, center.Recent(0), 1)
}

func TestDeleteUnknownDetection(t *testing.T) {
	t.Parallel()

	m := &fakeMutator{}
	a := newTestApplier(t, m, seedStore(t), nil, nil)

	err := a.Delete(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
	assert.Zero(t, m.deleteCalls)
}

func TestRemovalSkippedWhenDetectionReplacedMidFlight(t *testing.T) {
	t.Parallel()

	store := seedStore(t, "e1")
	jobs := &fakeCanceller{}
	m := &fakeMutator{}
	// The entry is replaced under the same id while the delete is in flight.
	replacedTime := detectionTime.Add(time.Hour)
	m.onCall = func() {
		store.Add(feed.Detection{
			ID:            "e1",
			DetectionTime: replacedTime,
			DisplayName:   "New arrival",
			Score:         0.8,
		})
	}
	a := newTestApplier(t, m, store, nil, jobs)

	require.NoError(t, a.Delete(context.Background(), "e1"))

	d, ok := store.Get("e1")
	require.True(t, ok, "the replacement entry survives the stale removal")
	assert.Equal(t, "New arrival", d.DisplayName)
	assert.Equal(t, []string{"e1"}, jobs.cancelled, "job cancellation still applies to the id")
}
