package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tphakala/perch/internal/errors"
	"github.com/tphakala/perch/internal/httpclient"
	"github.com/tphakala/perch/internal/logging"
	"github.com/tphakala/perch/internal/observability/metrics"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("api")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// Client talks to the detection server's v2 API.
type Client struct {
	config  Config
	baseURL string
	http    *httpclient.Client
	limiter *rate.Limiter

	// analyzeCache holds AnalyzeResult values keyed by detection id so
	// repeated requests for the same detection stay off the wire.
	analyzeCache *cache.Cache
	// analyzeBreaker guards the analyze endpoint, the only AI-backed and
	// therefore slow call.
	analyzeBreaker *gobreaker.CircuitBreaker[*AnalyzeResult]

	metrics *metrics.APIMetrics
}

// Option configures optional client collaborators.
type Option func(*Client)

// WithMetrics attaches API metrics. A nil value leaves metrics disabled.
func WithMetrics(m *metrics.APIMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a client for the server at cfg.BaseURL.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.Newf("server base URL is required").
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if _, err := url.ParseRequestURI(cfg.BaseURL); err != nil {
		return nil, errors.New(err).
			Component("api").
			Category(errors.CategoryConfiguration).
			Context("base_url", cfg.BaseURL).
			Build()
	}

	defaults := DefaultConfig()
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = defaults.CacheTTL
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaults.RequestsPerSecond
	}

	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	c := &Client{
		config:  cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http: httpclient.New(&httpclient.Config{
			DefaultTimeout: cfg.Timeout,
		}),
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		analyzeCache: cache.New(cfg.CacheTTL, cfg.CacheTTL*2),
	}
	c.analyzeBreaker = gobreaker.NewCircuitBreaker[*AnalyzeResult](gobreaker.Settings{
		Name:        "analyze",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Authoritative rejections mean the server is healthy; only
			// transport-level failures should trip the breaker.
			return err == nil || errors.IsAuthoritative(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})

	for _, opt := range opts {
		opt(c)
	}

	logger.Info("API client initialized",
		"base_url", c.baseURL,
		"timeout", cfg.Timeout,
		"cache_ttl", cfg.CacheTTL,
		"requests_per_second", cfg.RequestsPerSecond,
		"token_configured", cfg.APIToken != "")

	return c, nil
}

// Close releases the client's transport resources.
func (c *Client) Close() {
	c.http.Close()
}

// IsCircuitOpen reports whether err came from an open or saturated circuit
// breaker rather than the server.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// endpoint joins the base URL, an API path, and optional query parameters.
func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// do performs one API request. A non-nil body is sent as JSON; a non-nil out
// receives the decoded response. Errors are categorized from the response
// status so callers can tell transient failures from authoritative
// rejections.
func (c *Client) do(ctx context.Context, op, method, rawURL string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryCancellation).
			Context("operation", op).
			Build()
	}

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.New(err).
				Component("api").
				Category(errors.CategoryValidation).
				Context("operation", op).
				Build()
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return errors.New(err).
			Component("api").
			Category(errors.CategoryValidation).
			Context("operation", op).
			Context("url", rawURL).
			Build()
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIToken)
	}

	start := time.Now()
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		category := errors.CategoryNetwork
		if ctx.Err() != nil {
			category = errors.CategoryCancellation
		}
		c.observe(op, "error", category, start)
		return errors.New(err).
			Component("api").
			Category(category).
			Context("operation", op).
			Context("url", rawURL).
			Build()
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			logger.Debug("response body close failed", "operation", op, "error", err)
		}
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(op, "error", errors.CategoryNetwork, start)
		return errors.New(err).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("operation", op).
			Context("status_code", resp.StatusCode).
			Build()
	}

	if resp.StatusCode >= 400 {
		category := statusCategory(resp.StatusCode)
		c.observe(op, "error", category, start)

		var apiErr apiErrorBody
		message := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.text() != "" {
			message = apiErr.text()
		}
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}

		logger.Warn("API request rejected",
			"operation", op,
			"status_code", resp.StatusCode,
			"message", message)
		return errors.Newf("%s: %s", op, message).
			Component("api").
			Category(category).
			Context("operation", op).
			Context("status_code", resp.StatusCode).
			Context("url", rawURL).
			Build()
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			c.observe(op, "error", errors.CategoryParsing, start)
			return errors.New(err).
				Component("api").
				Category(errors.CategoryParsing).
				Context("operation", op).
				Context("response_size", len(raw)).
				Build()
		}
	}

	c.observe(op, "success", "", start)
	logger.Debug("API request completed",
		"operation", op,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// observe records request metrics. Safe with nil metrics.
func (c *Client) observe(op, status string, category errors.ErrorCategory, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordRequest(op, status)
	c.metrics.RecordRequestDuration(op, time.Since(start).Seconds())
	if category != "" {
		c.metrics.RecordError(op, string(category))
	}
}

// statusCategory maps an HTTP status code onto an error category.
func statusCategory(statusCode int) errors.ErrorCategory {
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.CategoryConfiguration
	case http.StatusNotFound:
		return errors.CategoryNotFound
	case http.StatusConflict:
		return errors.CategoryConflict
	case http.StatusTooManyRequests:
		return errors.CategoryLimit
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errors.CategoryValidation
	default:
		return errors.CategoryNetwork
	}
}

// detectionPath builds the path for a detection-scoped endpoint.
func detectionPath(id, suffix string) string {
	return fmt.Sprintf("/api/v2/detections/%s%s", url.PathEscape(id), suffix)
}
