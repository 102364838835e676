package notices

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndRecentOrder(t *testing.T) {
	t.Parallel()

	c := NewCenter(10)
	c.Info("test", "first", "first message")
	c.Warning("test", "second", "second message")
	c.Error("test", "third", "third message")

	all := c.Recent(0)
	require.Len(t, all, 3, "Recent(0) should return every buffered notice")
	assert.Equal(t, "third", all[0].Title, "newest notice should come first")
	assert.Equal(t, "first", all[2].Title, "oldest notice should come last")

	two := c.Recent(2)
	require.Len(t, two, 2, "Recent should honor the limit")
	assert.Equal(t, "third", two[0].Title)
	assert.Equal(t, "second", two[1].Title)
}

func TestCapacityEvictsOldest(t *testing.T) {
	t.Parallel()

	c := NewCenter(3)
	for i := 1; i <= 5; i++ {
		c.Info("test", fmt.Sprintf("notice %d", i), "message")
	}

	assert.Equal(t, 3, c.Len(), "buffer should hold at most its capacity")

	got := c.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "notice 5", got[0].Title, "newest notice should survive eviction")
	assert.Equal(t, "notice 3", got[2].Title, "the two oldest notices should be gone")
}

func TestBuildersSetTypeAndComponent(t *testing.T) {
	t.Parallel()

	c := NewCenter(10)

	info := c.Info("jobs.reclassify", "fallback", "strategy fell back")
	warning := c.Warning("stream", "reconnect", "stream reconnecting")
	errNotice := c.Error("actions", "rejected", "server rejected the action")

	assert.Equal(t, TypeInfo, info.Type)
	assert.Equal(t, TypeWarning, warning.Type)
	assert.Equal(t, TypeError, errNotice.Type)
	assert.Equal(t, "jobs.reclassify", info.Component)
	assert.NotEmpty(t, info.ID, "published notices should carry generated IDs")
	assert.False(t, info.Timestamp.IsZero(), "published notices should be timestamped")

	tagged := New(TypeWarning, "fallback", "requested strategy unavailable").
		WithComponent("jobs.reclassify").
		WithMetadata("event_id", "e1").
		WithMetadata("requested", "video")
	c.Publish(tagged)

	got := c.Recent(1)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].Metadata["event_id"])
	assert.Equal(t, "video", got[0].Metadata["requested"])
}

func TestSubscribeReceivesClones(t *testing.T) {
	t.Parallel()

	c := NewCenter(10)
	ch, _ := c.Subscribe()

	published := New(TypeInfo, "clone check", "message").WithMetadata("key", "original")
	c.Publish(published)

	var received *Notice
	select {
	case received = <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the notice")
	}

	require.NotNil(t, received)
	assert.Equal(t, published.ID, received.ID)

	// Mutating the delivered copy must not touch the buffered notice.
	received.Metadata["key"] = "mutated"
	got := c.Recent(1)
	require.Len(t, got, 1)
	assert.Equal(t, "original", got[0].Metadata["key"], "subscribers should get clones, not the stored notice")
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	t.Parallel()

	c := NewCenter(100)
	c.Subscribe() // never read from

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*2; i++ {
			c.Info("test", "burst", "message")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a slow subscriber")
	}
	assert.Equal(t, subscriberBuffer*2, c.Len(), "every notice should be buffered even when a subscriber stalls")
}

func TestUnsubscribeCancelsContext(t *testing.T) {
	t.Parallel()

	c := NewCenter(10)
	ch, ctx := c.Subscribe()

	c.Unsubscribe(ch)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription context should end on Unsubscribe")
	}

	// Later publishes go nowhere but must not panic or block.
	c.Info("test", "after unsubscribe", "message")
}

func TestStopCancelsAllSubscribers(t *testing.T) {
	t.Parallel()

	c := NewCenter(10)
	_, ctx1 := c.Subscribe()
	_, ctx2 := c.Subscribe()

	c.Info("test", "before stop", "message")
	c.Stop()

	for i, ctx := range []interface{ Done() <-chan struct{} }{ctx1, ctx2} {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d context should end on Stop", i)
		}
	}

	assert.Equal(t, 1, c.Len(), "buffered notices remain readable after Stop")
}
