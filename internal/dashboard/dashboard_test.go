package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/perch/internal/conf"
	"github.com/tphakala/perch/internal/notices"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*T).Run"),
		goleak.IgnoreTopFunction("runtime.gopark"),
		goleak.IgnoreTopFunction("time.Sleep"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		// The analyze cache starts a janitor that cannot be stopped.
		goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run"),
	)
	os.Exit(m.Run())
}

func detectionJSON(id string) string {
	return fmt.Sprintf(`{"id":%q,"detection_time":"2026-08-25T10:00:00Z","display_name":"European Robin","common_name":"European Robin","scientific_name":"Erithacus rubecula","score":0.9,"has_clip":true}`, id)
}

func pageJSON(ids ...string) string {
	items := make([]string, len(ids))
	for i, id := range ids {
		items[i] = detectionJSON(id)
	}
	return fmt.Sprintf(`{"data":[%s],"total":%d,"limit":25,"offset":0}`,
		strings.Join(items, ","), len(ids))
}

// newUpstream serves a fake detection server with one handler for the feed
// listing and one for the SSE stream.
func newUpstream(t *testing.T, list, stream http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/detections":
			list(w, r)
		case "/api/v2/detections/stream":
			stream(w, r)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func listPage(ids ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, pageJSON(ids...))
	}
}

// idleStream accepts the SSE connection and holds it open without events.
func idleStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	<-r.Context().Done()
}

// pushStream emits the handshake plus one detection frame per payload, then
// holds the connection open.
func pushStream(payloads ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: connected\ndata: {\"clientId\":\"test\"}\n\n")
		for _, p := range payloads {
			fmt.Fprintf(w, "event: detection\ndata: %s\n\n", p)
		}
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-r.Context().Done()
	}
}

func testSettings(serverURL string) *conf.Settings {
	s := &conf.Settings{}
	s.Main.Name = "test-node"
	s.Server.URL = serverURL
	s.Server.Timeout = 5 * time.Second
	s.Server.RequestsPerSecond = 1000
	s.Feed.PageSize = 25
	s.Jobs.ReclassifyInterval = 10 * time.Millisecond
	s.Jobs.DownloadInterval = 10 * time.Millisecond
	s.Jobs.TaxonomyInterval = 10 * time.Millisecond
	s.Jobs.Grace = 50 * time.Millisecond
	return s
}

// runDaemon runs d in the background and guarantees a clean stop by the end
// of the test.
func runDaemon(t *testing.T, d *daemon) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err, "the daemon should stop cleanly on cancellation")
		case <-time.After(5 * time.Second):
			t.Error("daemon did not stop after context cancellation")
		}
		d.close()
	})
	return cancel
}

func TestNewDaemonValidation(t *testing.T) {
	t.Parallel()

	_, err := newDaemon(nil)
	require.Error(t, err, "nil settings must be rejected")

	_, err = newDaemon(testSettings(""))
	require.Error(t, err, "a missing server URL must fail construction")
}

func TestNewDaemonBuildsMirrorOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	settings := testSettings("http://localhost:8080")
	d, err := newDaemon(settings)
	require.NoError(t, err)
	defer d.close()
	assert.Nil(t, d.mirror, "a disabled mirror should not be constructed")

	settings = testSettings("http://localhost:8080")
	settings.Mirror.Enabled = true
	settings.Mirror.Listen = "127.0.0.1:0"
	d2, err := newDaemon(settings)
	require.NoError(t, err)
	defer d2.close()
	assert.NotNil(t, d2.mirror, "an enabled mirror should be constructed")
}

func TestRunAppliesInitialLoadAndStreamEvents(t *testing.T) {
	t.Parallel()

	srv := newUpstream(t, listPage("e1"), pushStream(detectionJSON("e2")))

	d, err := newDaemon(testSettings(srv.URL))
	require.NoError(t, err)
	runDaemon(t, d)

	require.Eventually(t, func() bool {
		_, ok1 := d.store.Get("e1")
		_, ok2 := d.store.Get("e2")
		return ok1 && ok2
	}, 2*time.Second, 5*time.Millisecond,
		"the initial page and the streamed detection should both land in the feed")

	assert.Equal(t, 2, d.store.Len())
	got, _ := d.store.Get("e1")
	assert.Equal(t, "European Robin", got.DisplayName)
}

func TestRunContinuesWhenInitialLoadFails(t *testing.T) {
	t.Parallel()

	srv := newUpstream(t,
		func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
		},
		pushStream(detectionJSON("e9")),
	)

	d, err := newDaemon(testSettings(srv.URL))
	require.NoError(t, err)
	runDaemon(t, d)

	require.Eventually(t, func() bool {
		_, ok := d.store.Get("e9")
		return ok
	}, 2*time.Second, 5*time.Millisecond,
		"the stream should still populate the feed after a failed first load")

	var warned bool
	for _, n := range d.center.Recent(0) {
		if n.Type == notices.TypeWarning && n.Component == "dashboard" {
			warned = true
		}
	}
	assert.True(t, warned, "a failed initial load should surface as a notice")
}

func TestRunRefreshesFeedPeriodically(t *testing.T) {
	t.Parallel()

	var loads atomic.Int32
	srv := newUpstream(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if loads.Add(1) == 1 {
				fmt.Fprint(w, pageJSON("e1"))
				return
			}
			fmt.Fprint(w, pageJSON("e1", "e2"))
		},
		idleStream,
	)

	settings := testSettings(srv.URL)
	settings.Feed.Refresh = 25 * time.Millisecond

	d, err := newDaemon(settings)
	require.NoError(t, err)
	runDaemon(t, d)

	require.Eventually(t, func() bool {
		_, ok := d.store.Get("e2")
		return ok
	}, 2*time.Second, 5*time.Millisecond,
		"later server state should arrive via the periodic refresh")
	assert.GreaterOrEqual(t, loads.Load(), int32(2), "the feed should have been reloaded")
}

func TestRefreshSkipsInvalidDetections(t *testing.T) {
	t.Parallel()

	srv := newUpstream(t,
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"data":[%s,{"id":"","detection_time":"2026-08-25T10:00:00Z","score":0.5}],"total":2,"limit":25,"offset":0}`,
				detectionJSON("good"))
		},
		idleStream,
	)

	d, err := newDaemon(testSettings(srv.URL))
	require.NoError(t, err)
	defer d.close()

	require.NoError(t, d.refreshFeed(context.Background()))
	assert.Equal(t, 1, d.store.Len(), "invalid entries must not enter the feed")
	_, ok := d.store.Get("good")
	assert.True(t, ok)
}

func TestRunWithMirrorShutsDownCleanly(t *testing.T) {
	t.Parallel()

	srv := newUpstream(t, listPage("e1"), idleStream)

	settings := testSettings(srv.URL)
	settings.Mirror.Enabled = true
	settings.Mirror.Listen = "127.0.0.1:0"

	d, err := newDaemon(settings)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	require.Eventually(t, func() bool { return d.store.Len() == 1 },
		2*time.Second, 5*time.Millisecond, "the daemon should come up and load the feed")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "mirror shutdown must not surface as a daemon error")
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop after context cancellation")
	}
	d.close()
}
