package feed

import (
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tphakala/perch/internal/logging"
	"github.com/tphakala/perch/internal/observability/metrics"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("feed")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// Store is the ordered, deduplicated detection cache. All methods are safe
// for concurrent use. Derived aggregates are recomputed on read and never
// cached, so they cannot drift from the entries.
type Store struct {
	mu    sync.RWMutex
	items map[string]Detection

	metrics *metrics.FeedMetrics
	nowFn   func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMetrics attaches feed metrics. Without it the store runs unobserved,
// which tests rely on.
func WithMetrics(m *metrics.FeedMetrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source used by day-bound aggregates.
func WithClock(nowFn func() time.Time) Option {
	return func(s *Store) { s.nowFn = nowFn }
}

// NewStore creates an empty detection store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		items: make(map[string]Detection),
		nowFn: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load replaces the entire detection set, collapsing duplicate ids
// last-write-wins. Used for the initial page fetch and manual refreshes.
// Job state is tracked outside the store and survives loads.
func (s *Store) Load(detections []Detection) {
	s.mu.Lock()
	items := make(map[string]Detection, len(detections))
	for _, d := range detections {
		items[d.ID] = d
	}
	s.items = items
	size := len(items)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordLoad(metrics.StatusSuccess)
		s.metrics.UpdateFeedSize(size)
	}
	logger.Debug("feed loaded", "detections", size)
}

// Add upserts a detection by id: replaces an existing entry, inserts
// otherwise. Applying the same event twice yields the same state as
// applying it once.
func (s *Store) Add(d Detection) {
	s.mu.Lock()
	_, existed := s.items[d.ID]
	s.items[d.ID] = d
	size := len(s.items)
	s.mu.Unlock()

	if s.metrics != nil {
		if existed {
			s.metrics.RecordUpsert("replace")
		} else {
			s.metrics.RecordUpsert("insert")
		}
		s.metrics.UpdateFeedSize(size)
	}
}

// Update merges the patch onto the detection matched by id. Unknown ids are
// a silent no-op returning false: updates may legitimately race removals.
func (s *Store) Update(p Patch) bool {
	s.mu.Lock()
	existing, ok := s.items[p.ID]
	if ok {
		s.items[p.ID] = p.apply(existing)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		if ok {
			s.metrics.RecordUpsert("merge")
		} else {
			s.metrics.RecordUpdateMiss()
		}
	}
	return ok
}

// Remove deletes the detection only when both id and detection time match.
// A mismatched time means the id was reused or the entry was replaced since
// the caller captured it; nothing is removed and false is returned.
func (s *Store) Remove(id string, detectionTime time.Time) bool {
	s.mu.Lock()
	existing, ok := s.items[id]
	removed := ok && existing.DetectionTime.Equal(detectionTime)
	if removed {
		delete(s.items, id)
	}
	size := len(s.items)
	s.mu.Unlock()

	if s.metrics != nil {
		if removed {
			s.metrics.RecordRemoval("removed")
			s.metrics.UpdateFeedSize(size)
		} else {
			s.metrics.RecordRemoval("mismatch")
		}
	}
	if !removed {
		logger.Debug("removal skipped", "detection_id", id, "known", ok)
	}
	return removed
}

// Get returns the detection with the given id.
func (s *Store) Get(id string) (Detection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.items[id]
	return d, ok
}

// Len returns the number of detections in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Detections returns a snapshot ordered newest-first by detection time,
// ties broken by ascending id. Equal contents always produce the same order.
func (s *Store) Detections() []Detection {
	s.mu.RLock()
	out := make([]Detection, 0, len(s.items))
	for _, d := range s.items {
		out = append(out, d)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Detection) int {
		if c := b.DetectionTime.Compare(a.DetectionTime); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// TotalToday counts detections whose detection time falls on the current
// local day.
func (s *Store) TotalToday() int {
	now := s.nowFn()
	ny, nm, nd := now.Date()

	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, d := range s.items {
		y, m, day := d.DetectionTime.In(now.Location()).Date()
		if y == ny && m == nm && day == nd {
			count++
		}
	}
	return count
}

// AudioConfirmations counts detections corroborated by the audio classifier.
func (s *Store) AudioConfirmations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, d := range s.items {
		if d.AudioConfirmed {
			count++
		}
	}
	return count
}
