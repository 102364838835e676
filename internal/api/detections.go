package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/patrickmn/go-cache"

	"github.com/tphakala/perch/internal/errors"
	"github.com/tphakala/perch/internal/observability/metrics"
)

// Detections lists detections matching the query, one page at a time.
func (c *Client) Detections(ctx context.Context, q FeedQuery) (*PaginatedDetections, error) {
	query := q.values()

	var page PaginatedDetections
	err := c.do(ctx, "detections.list", http.MethodGet,
		c.endpoint("/api/v2/detections", query), nil, &page)
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// DetectionCount returns the number of detections matching the query.
func (c *Client) DetectionCount(ctx context.Context, q FeedQuery) (int64, error) {
	var out struct {
		Count int64 `json:"count"`
	}
	err := c.do(ctx, "detections.count", http.MethodGet,
		c.endpoint("/api/v2/detections/count", q.values()), nil, &out)
	if err != nil {
		return 0, err
	}
	return out.Count, nil
}

// UpdateSpecies sets a detection's display name. The server either
// acknowledges or rejects authoritatively.
func (c *Client) UpdateSpecies(ctx context.Context, id, displayName string) error {
	if id == "" {
		return errMissingID("detections.update_species")
	}
	body := struct {
		DisplayName string `json:"display_name"`
	}{DisplayName: displayName}

	return c.do(ctx, "detections.update_species", http.MethodPost,
		c.endpoint(detectionPath(id, "/species"), nil), body, nil)
}

// Hide asks the server to hide a detection and returns the authoritative
// hidden flag from the acknowledgement. A false return with a nil error
// means the detection was toggled back to visible elsewhere.
func (c *Client) Hide(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, errMissingID("detections.hide")
	}
	var out struct {
		IsHidden bool `json:"is_hidden"`
	}
	err := c.do(ctx, "detections.hide", http.MethodPost,
		c.endpoint(detectionPath(id, "/hide"), nil), nil, &out)
	if err != nil {
		return false, err
	}
	return out.IsHidden, nil
}

// Delete removes a detection on the server.
func (c *Client) Delete(ctx context.Context, id string) error {
	if id == "" {
		return errMissingID("detections.delete")
	}
	return c.do(ctx, "detections.delete", http.MethodDelete,
		c.endpoint(detectionPath(id, ""), nil), nil, nil)
}

// Analyze returns the AI-generated description for a detection. Results are
// cached by detection id; the underlying call runs through a circuit breaker
// so a struggling analysis backend fails fast instead of piling up requests.
func (c *Client) Analyze(ctx context.Context, id string) (*AnalyzeResult, error) {
	if id == "" {
		return nil, errMissingID("detections.analyze")
	}

	cacheKey := "analyze:" + id
	if cached, found := c.analyzeCache.Get(cacheKey); found {
		if result, ok := cached.(*AnalyzeResult); ok {
			if c.metrics != nil {
				c.metrics.RecordAnalyzeCache(metrics.CacheHit)
			}
			logger.Debug("analyze cache hit", "detection_id", id)
			return result, nil
		}
	}
	if c.metrics != nil {
		c.metrics.RecordAnalyzeCache(metrics.CacheMiss)
	}

	result, err := c.analyzeBreaker.Execute(func() (*AnalyzeResult, error) {
		var out AnalyzeResult
		err := c.do(ctx, "detections.analyze", http.MethodPost,
			c.endpoint(detectionPath(id, "/analyze"), nil), nil, &out)
		if err != nil {
			return nil, err
		}
		return &out, nil
	})
	if err != nil {
		if IsCircuitOpen(err) {
			return nil, errors.New(err).
				Component("api").
				Category(errors.CategoryLimit).
				Context("operation", "detections.analyze").
				Context("detection_id", id).
				Build()
		}
		return nil, err
	}

	c.analyzeCache.Set(cacheKey, result, cache.DefaultExpiration)
	return result, nil
}

// values encodes the query as URL parameters, omitting zero values.
func (q FeedQuery) values() url.Values {
	v := url.Values{}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Species != "" {
		v.Set("species", q.Species)
	}
	if q.Camera != "" {
		v.Set("camera", q.Camera)
	}
	if q.StartDate != "" {
		v.Set("start_date", q.StartDate)
	}
	if q.EndDate != "" {
		v.Set("end_date", q.EndDate)
	}
	if q.IncludeHidden {
		v.Set("include_hidden", "true")
	}
	if q.SortAscending {
		v.Set("sort", "asc")
	}
	return v
}

func errMissingID(op string) error {
	return errors.Newf("detection id is required").
		Component("api").
		Category(errors.CategoryValidation).
		Context("operation", op).
		Build()
}

// ClearAnalyzeCache drops all cached analyze results.
func (c *Client) ClearAnalyzeCache() {
	c.analyzeCache.Flush()
	logger.Debug("analyze cache cleared")
}

// AnalyzeCacheSize returns the number of cached analyze results.
func (c *Client) AnalyzeCacheSize() int {
	return c.analyzeCache.ItemCount()
}
