package taxonomy

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/perch/internal/api"
	"github.com/tphakala/perch/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*T).Run"),
		goleak.IgnoreTopFunction("runtime.gopark"),
		goleak.IgnoreTopFunction("time.Sleep"),
	)
	os.Exit(m.Run())
}

// fakeSyncer scripts the taxonomy sync endpoints. When gate is non-nil every
// status poll blocks until the test sends a token, so asserting on call N+1
// having started guarantees the update from call N was applied.
type fakeSyncer struct {
	mu       sync.Mutex
	startErr error
	statuses []api.TaxonomySyncStatus
	idx      int

	startCalls  atomic.Int32
	statusCalls atomic.Int32
	gate        chan struct{}
}

func (f *fakeSyncer) StartTaxonomySync(ctx context.Context) error {
	f.startCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startErr
}

func (f *fakeSyncer) TaxonomySyncStatus(ctx context.Context) (api.TaxonomySyncStatus, error) {
	f.statusCalls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return api.TaxonomySyncStatus{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statuses) == 0 {
		return api.TaxonomySyncStatus{IsRunning: true}, nil
	}
	status := f.statuses[f.idx]
	if f.idx < len(f.statuses)-1 {
		f.idx++
	}
	return status, nil
}

func (f *fakeSyncer) waitForCall(t *testing.T, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return f.statusCalls.Load() >= n },
		2*time.Second, time.Millisecond, "status call %d never started", n)
}

func (f *fakeSyncer) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func newTestTracker(t *testing.T, server *fakeSyncer, cfg Config) *Tracker {
	t.Helper()
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Millisecond
	}
	tr, err := NewTracker(server, cfg)
	require.NoError(t, err, "tracker construction should succeed")
	t.Cleanup(tr.Stop)
	return tr
}

func conflictErr() error {
	return errors.Newf("taxonomy sync already in progress").
		Component("api").
		Category(errors.CategoryConflict).
		Build()
}

func TestTrackerConstructorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewTracker(nil, Config{})
	require.Error(t, err, "nil client should be rejected")
}

func TestSyncLifecycle(t *testing.T) {
	t.Parallel()

	server := &fakeSyncer{
		gate: make(chan struct{}),
		statuses: []api.TaxonomySyncStatus{
			{IsRunning: true, Processed: 40, Total: 120, CurrentItem: "Passeriformes"},
			{IsRunning: true, Processed: 90, Total: 120, CurrentItem: "Strigiformes"},
			{IsRunning: false, Processed: 120, Total: 120},
		},
	}
	tr := newTestTracker(t, server, Config{})

	require.NoError(t, tr.Start(context.Background()))

	status, ok := tr.Status()
	require.True(t, ok)
	assert.True(t, status.IsRunning, "the slot reports running until the first poll lands")

	// Tick 1. Call 2 starting proves update 1 was applied.
	server.gate <- struct{}{}
	server.waitForCall(t, 2)
	status, _ = tr.Status()
	assert.Equal(t, 40, status.Processed)
	assert.Equal(t, 120, status.Total)
	assert.Equal(t, "Passeriformes", status.CurrentItem)

	// Tick 2.
	server.gate <- struct{}{}
	server.waitForCall(t, 3)
	status, _ = tr.Status()
	assert.Equal(t, 90, status.Processed)
	assert.Equal(t, "Strigiformes", status.CurrentItem)

	// Tick 3: the server reports the sync is done.
	server.gate <- struct{}{}
	require.Eventually(t, func() bool {
		status, ok := tr.Status()
		return ok && !status.IsRunning
	}, 2*time.Second, time.Millisecond, "sync should reach completion")

	status, _ = tr.Status()
	assert.Equal(t, 120, status.Processed)
	assert.NoError(t, status.Err)

	// The poller stops once the sync is no longer running.
	calls := server.statusCalls.Load()
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, calls, server.statusCalls.Load(), "finished syncs must not be polled again")
}

func TestImmediateCompletionOnFirstPoll(t *testing.T) {
	t.Parallel()

	server := &fakeSyncer{
		statuses: []api.TaxonomySyncStatus{{IsRunning: false, Processed: 500, Total: 500}},
	}
	tr := newTestTracker(t, server, Config{})

	require.NoError(t, tr.Start(context.Background()))

	require.Eventually(t, func() bool {
		status, ok := tr.Status()
		return ok && !status.IsRunning
	}, 2*time.Second, time.Millisecond, "a first poll reporting not running is a valid completion")

	status, _ := tr.Status()
	assert.Equal(t, 500, status.Processed)

	calls := server.statusCalls.Load()
	time.Sleep(25 * time.Millisecond)
	assert.Equal(t, calls, server.statusCalls.Load())
}

func TestConflictLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	server := &fakeSyncer{startErr: conflictErr()}
	tr := newTestTracker(t, server, Config{})

	err := tr.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))

	_, ok := tr.Status()
	assert.False(t, ok, "a conflict must not claim the empty slot")

	// Run one sync to completion, then hit another conflict; the completed
	// snapshot must survive unchanged.
	server.setStartErr(nil)
	server.mu.Lock()
	server.statuses = []api.TaxonomySyncStatus{{IsRunning: false, Processed: 42, Total: 42}}
	server.mu.Unlock()

	require.NoError(t, tr.Start(context.Background()))
	require.Eventually(t, func() bool {
		status, ok := tr.Status()
		return ok && !status.IsRunning
	}, 2*time.Second, time.Millisecond)

	server.setStartErr(conflictErr())
	require.Error(t, tr.Start(context.Background()))

	status, ok := tr.Status()
	require.True(t, ok, "the previous snapshot survives a conflicting start")
	assert.Equal(t, 42, status.Processed)
	assert.NoError(t, status.Err)
}

func TestNonConflictRejectionClaimsSlot(t *testing.T) {
	t.Parallel()

	rejection := errors.Newf("connection refused").
		Component("api").
		Category(errors.CategoryNetwork).
		Build()
	server := &fakeSyncer{startErr: rejection}
	tr := newTestTracker(t, server, Config{})

	err := tr.Start(context.Background())
	require.Error(t, err)

	status, ok := tr.Status()
	require.True(t, ok, "a failed start attempt is retained for inspection")
	assert.False(t, status.IsRunning)
	assert.Error(t, status.Err)

	time.Sleep(25 * time.Millisecond)
	assert.Zero(t, server.statusCalls.Load(), "no poller runs for a rejected start")
}

func TestStartSupersedesTrackedSync(t *testing.T) {
	t.Parallel()

	server := &fakeSyncer{gate: make(chan struct{})}
	tr := newTestTracker(t, server, Config{})

	require.NoError(t, tr.Start(context.Background()))

	tr.mu.Lock()
	firstGen := tr.cur.gen
	tr.mu.Unlock()

	// Wait until the first poller is blocked inside a status fetch, then
	// start again; the server accepts, so the slot moves to a new generation.
	server.waitForCall(t, 1)
	require.NoError(t, tr.Start(context.Background()))

	tr.mu.Lock()
	secondGen := tr.cur.gen
	tr.mu.Unlock()
	assert.Greater(t, secondGen, firstGen, "supersession must bump the generation")

	// A late completion from the superseded generation is discarded.
	tr.applyUpdate(firstGen, api.TaxonomySyncStatus{IsRunning: false, Processed: 999})
	status, ok := tr.Status()
	require.True(t, ok)
	assert.True(t, status.IsRunning, "stale completion must not leak into the successor")
	assert.Zero(t, status.Processed)

	// Updates for the live generation still apply.
	tr.applyUpdate(secondGen, api.TaxonomySyncStatus{IsRunning: true, Processed: 7, Total: 10})
	status, _ = tr.Status()
	assert.Equal(t, 7, status.Processed)
}

func TestStopPreservesLastSnapshot(t *testing.T) {
	t.Parallel()

	server := &fakeSyncer{
		statuses: []api.TaxonomySyncStatus{{IsRunning: true, Processed: 3, Total: 9}},
	}
	tr := newTestTracker(t, server, Config{})

	require.NoError(t, tr.Start(context.Background()))
	server.waitForCall(t, 1)

	tr.Stop()

	status, ok := tr.Status()
	require.True(t, ok, "Stop halts polling without clearing the slot")
	assert.True(t, status.IsRunning)
}
