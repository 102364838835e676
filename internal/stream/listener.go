// Package stream subscribes to the detection server's SSE feed and applies
// pushed detection events to the local cache. The connection is kept alive
// across failures with capped exponential backoff; every received event,
// heartbeats included, refreshes the liveness timestamp the health endpoint
// reports.
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tphakala/perch/internal/api"
	"github.com/tphakala/perch/internal/errors"
	"github.com/tphakala/perch/internal/feed"
	"github.com/tphakala/perch/internal/httpclient"
	"github.com/tphakala/perch/internal/logging"
	"github.com/tphakala/perch/internal/observability/metrics"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("stream")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

const (
	defaultStreamPath = "/api/v2/detections/stream"

	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = time.Minute

	// Detection payloads are small; 1 MiB leaves generous headroom for any
	// single frame line.
	maxLineSize = 1 << 20
)

// Event names on the wire.
const (
	eventConnected = "connected"
	eventDetection = "detection"
	eventHeartbeat = "heartbeat"
)

// Config holds listener configuration.
type Config struct {
	// BaseURL of the detection server, e.g. "http://localhost:8080".
	BaseURL string

	// APIToken is sent as a bearer token when non-empty.
	APIToken string

	// InitialBackoff is the first reconnect delay. Defaults to 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Defaults to 1m.
	MaxBackoff time.Duration

	// Metrics receives stream observations. Optional.
	Metrics *metrics.StreamMetrics
}

// Listener maintains the SSE subscription and folds pushed detections into
// the feed store.
type Listener struct {
	cfg       Config
	streamURL string
	store     *feed.Store
	http      *httpclient.Client

	connected atomic.Bool
	lastEvent atomic.Int64 // unix nanoseconds, 0 until the first event
}

// NewListener creates a stream listener bound to the given store.
func NewListener(store *feed.Store, cfg Config) (*Listener, error) {
	if store == nil {
		return nil, errors.Newf("feed store is required").
			Component("stream").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.BaseURL == "" {
		return nil, errors.Newf("detection server base URL is required").
			Component("stream").
			Category(errors.CategoryConfiguration).
			Build()
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, errors.New(err).
			Component("stream").
			Category(errors.CategoryConfiguration).
			Context("base_url", cfg.BaseURL).
			Build()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}

	return &Listener{
		cfg:       cfg,
		streamURL: base.JoinPath(defaultStreamPath).String(),
		store:     store,
		// The stream request lives until the connection drops; the implicit
		// per-request timeout must stay off.
		http: httpclient.New(&httpclient.Config{DefaultTimeout: -1}),
	}, nil
}

// Run connects to the detection stream and keeps it alive until ctx ends.
// Each lost connection is retried with exponential backoff, reset after any
// successful connection.
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.cfg.InitialBackoff

	for {
		wasConnected, err := l.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wasConnected {
			backoff = l.cfg.InitialBackoff
		}

		logger.Warn("detection stream disconnected, reconnecting",
			"error", err,
			"retry_in", backoff)
		if l.cfg.Metrics != nil {
			l.cfg.Metrics.RecordReconnect()
		}

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > l.cfg.MaxBackoff {
				backoff = l.cfg.MaxBackoff
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Connected reports whether the stream is currently established.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// LastEventAt returns when the last event of any kind arrived, or the zero
// time if none has.
func (l *Listener) LastEventAt() time.Time {
	ns := l.lastEvent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Close releases idle transport connections. Call after Run has returned.
func (l *Listener) Close() {
	l.http.Close()
}

// consume opens one stream connection and processes events until it drops.
// The bool reports whether the connection was established at all, which
// drives the backoff reset.
func (l *Listener) consume(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.streamURL, http.NoBody)
	if err != nil {
		return false, errors.New(err).
			Component("stream").
			Category(errors.CategoryNetwork).
			Build()
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if l.cfg.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+l.cfg.APIToken)
	}

	resp, err := l.http.Do(ctx, req)
	if err != nil {
		return false, errors.New(err).
			Component("stream").
			Category(errors.CategoryNetwork).
			Build()
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debug("stream body close failed", "error", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		category := errors.CategoryNetwork
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			category = errors.CategoryConfiguration
		}
		return false, errors.Newf("stream endpoint returned status %d", resp.StatusCode).
			Component("stream").
			Category(category).
			Build()
	}

	l.setConnected(true)
	defer l.setConnected(false)
	logger.Info("detection stream connected", "url", l.streamURL)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data != "" {
				l.dispatch(event, data)
			}
			event, data = "", ""
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data != "" {
				data += "\n"
			}
			data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case strings.HasPrefix(line, ":"):
			// Comment line used as a keep-alive, nothing to do.
		}
	}
	if err := scanner.Err(); err != nil {
		return true, errors.New(err).
			Component("stream").
			Category(errors.CategoryNetwork).
			Build()
	}
	// The server closed the stream cleanly; reconnect.
	return true, nil
}

// dispatch handles one complete SSE frame.
func (l *Listener) dispatch(event, data string) {
	l.lastEvent.Store(time.Now().UnixNano())
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.RecordEvent(event)
	}

	switch event {
	case eventConnected:
		var hello struct {
			ClientID string `json:"clientId"`
		}
		if err := json.Unmarshal([]byte(data), &hello); err == nil && hello.ClientID != "" {
			logger.Info("stream handshake complete", "client_id", hello.ClientID)
		} else {
			logger.Info("stream handshake complete")
		}

	case eventHeartbeat:
		logger.Debug("stream heartbeat")

	case eventDetection:
		var dto api.Detection
		if err := json.Unmarshal([]byte(data), &dto); err != nil {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.RecordDecodeError()
			}
			logger.Warn("discarding undecodable detection event", "error", err)
			return
		}
		d := dto.ToModel()
		if err := d.Validate(); err != nil {
			if l.cfg.Metrics != nil {
				l.cfg.Metrics.RecordDecodeError()
			}
			logger.Warn("discarding invalid detection event", "error", err)
			return
		}
		l.store.Add(d)
		logger.Debug("detection upserted from stream", "detection_id", d.ID)

	default:
		logger.Debug("ignoring unknown stream event", "event", event)
	}
}

func (l *Listener) setConnected(connected bool) {
	l.connected.Store(connected)
	if l.cfg.Metrics != nil {
		l.cfg.Metrics.UpdateConnectionStatus(connected)
	}
}
