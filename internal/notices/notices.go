// Package notices collects operator-facing events raised by the daemon,
// such as reclassification strategy fallbacks, rejected actions, and stream
// reconnects. Notices live in a bounded in-memory buffer served by the
// mirror; when the buffer is full the oldest notice is dropped.
package notices

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/perch/internal/logging"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("notices")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// Type categorizes a notice.
type Type string

const (
	// TypeInfo is an informational notice.
	TypeInfo Type = "info"
	// TypeWarning is a condition worth surfacing but not an error.
	TypeWarning Type = "warning"
	// TypeError is a failed operation the operator should know about.
	TypeError Type = "error"
)

const (
	// DefaultCapacity is the buffer size used when NewCenter gets a
	// non-positive capacity.
	DefaultCapacity = 200

	// subscriberBuffer is the channel depth per subscriber. A subscriber
	// that falls further behind misses notices rather than blocking
	// publishers.
	subscriberBuffer = 16
)

// Notice is a single operator-facing event.
type Notice struct {
	// ID is the unique identifier for the notice.
	ID string `json:"id"`
	// Type categorizes the notice.
	Type Type `json:"type"`
	// Title is a short summary.
	Title string `json:"title"`
	// Message provides detail.
	Message string `json:"message"`
	// Component identifies the source (e.g. "jobs.reclassify", "actions").
	Component string `json:"component,omitempty"`
	// Timestamp is when the notice was created.
	Timestamp time.Time `json:"timestamp"`
	// Metadata carries additional context-specific values.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// New creates a notice with a unique ID and the current timestamp.
func New(noticeType Type, title, message string) *Notice {
	return &Notice{
		ID:        uuid.New().String(),
		Type:      noticeType,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithComponent sets the source component and returns the notice for chaining.
func (n *Notice) WithComponent(component string) *Notice {
	n.Component = component
	return n
}

// WithMetadata adds a metadata value and returns the notice for chaining.
func (n *Notice) WithMetadata(key string, value any) *Notice {
	if n.Metadata == nil {
		n.Metadata = make(map[string]any)
	}
	n.Metadata[key] = value
	return n
}

// Clone copies the notice including its metadata map. Metadata values are
// scalars set before publishing, so copying the map itself is sufficient.
func (n *Notice) Clone() *Notice {
	if n == nil {
		return nil
	}
	clone := *n
	clone.Metadata = maps.Clone(n.Metadata)
	return &clone
}

type subscriber struct {
	ch     chan *Notice
	ctx    context.Context
	cancel context.CancelFunc
}

// Center stores recent notices and broadcasts new ones to subscribers.
type Center struct {
	mu          sync.RWMutex
	items       []*Notice
	capacity    int
	subscribers []*subscriber
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewCenter creates a notice center holding up to capacity notices.
func NewCenter(capacity int) *Center {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Center{
		items:    make([]*Notice, 0, capacity),
		capacity: capacity,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Publish stores a notice, logs it, and broadcasts it to subscribers.
// It returns the notice unchanged.
func (c *Center) Publish(n *Notice) *Notice {
	if n == nil {
		return nil
	}

	c.mu.Lock()
	if len(c.items) >= c.capacity {
		// Notices arrive in publish order, so the head is the oldest.
		c.items = c.items[1:]
	}
	c.items = append(c.items, n)
	active := c.broadcastLocked(n)
	c.mu.Unlock()

	c.log(n, active)
	return n
}

// Info publishes an informational notice from the given component.
func (c *Center) Info(component, title, message string) *Notice {
	return c.Publish(New(TypeInfo, title, message).WithComponent(component))
}

// Warning publishes a warning notice from the given component.
func (c *Center) Warning(component, title, message string) *Notice {
	return c.Publish(New(TypeWarning, title, message).WithComponent(component))
}

// Error publishes an error notice from the given component.
func (c *Center) Error(component, title, message string) *Notice {
	return c.Publish(New(TypeError, title, message).WithComponent(component))
}

// Recent returns up to limit notices, newest first. A non-positive limit
// returns all buffered notices. The returned notices are clones.
func (c *Center) Recent(limit int) []*Notice {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := len(c.items)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]*Notice, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, c.items[i].Clone())
	}
	return out
}

// Len returns the number of buffered notices.
func (c *Center) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Subscribe returns a channel receiving future notices and a context that
// ends when the subscription does. The channel is managed by the center;
// subscribers must not close it. A subscriber whose channel is full misses
// notices rather than blocking publishers.
func (c *Center) Subscribe() (<-chan *Notice, context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, cancel := context.WithCancel(c.ctx)
	sub := &subscriber{
		ch:     make(chan *Notice, subscriberBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	c.subscribers = append(c.subscribers, sub)
	return sub.ch, ctx
}

// Unsubscribe cancels the subscription delivering to ch. The channel itself
// stays open so in-flight reads remain safe.
func (c *Center) Unsubscribe(ch <-chan *Notice) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, sub := range c.subscribers {
		if sub.ch == ch {
			sub.cancel()
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

// Stop cancels all subscriptions. The buffered notices stay readable.
func (c *Center) Stop() {
	c.cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sub := range c.subscribers {
		sub.cancel()
	}
	c.subscribers = nil
}

// broadcastLocked delivers a clone of n to every live subscriber and prunes
// cancelled ones. Caller holds c.mu.
func (c *Center) broadcastLocked(n *Notice) int {
	active := c.subscribers[:0]
	for _, sub := range c.subscribers {
		select {
		case <-sub.ctx.Done():
			continue
		default:
		}

		active = append(active, sub)
		select {
		case sub.ch <- n.Clone():
		default:
			logger.Debug("notice subscriber channel full, skipping",
				"notice_id", n.ID)
		}
	}
	c.subscribers = active
	return len(active)
}

func (c *Center) log(n *Notice, subscribers int) {
	attrs := []any{
		"notice_id", n.ID,
		"component", n.Component,
		"title", n.Title,
		"subscribers", subscribers,
	}
	switch n.Type {
	case TypeError:
		logger.Error(n.Message, attrs...)
	case TypeWarning:
		logger.Warn(n.Message, attrs...)
	default:
		logger.Info(n.Message, attrs...)
	}
}
