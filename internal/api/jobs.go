package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tphakala/perch/internal/errors"
)

// Reclassify asks the server to re-run classification for a detection using
// the given strategy. The acknowledgement carries the strategy the server
// actually chose, which may differ when the requested media is unavailable.
func (c *Client) Reclassify(ctx context.Context, id string, strategy Strategy) (Strategy, error) {
	if id == "" {
		return "", errMissingID("reclassify.start")
	}
	if !strategy.Valid() {
		return "", errors.Newf("unknown reclassification strategy %q", strategy).
			Component("api").
			Category(errors.CategoryValidation).
			Context("operation", "reclassify.start").
			Context("detection_id", id).
			Build()
	}

	body := struct {
		Strategy Strategy `json:"strategy"`
	}{Strategy: strategy}
	var out struct {
		ActualStrategy Strategy `json:"actual_strategy"`
	}
	err := c.do(ctx, "reclassify.start", http.MethodPost,
		c.endpoint(detectionPath(id, "/reclassify"), nil), body, &out)
	if err != nil {
		return "", err
	}
	if out.ActualStrategy == "" {
		// Older servers acknowledge without echoing the strategy.
		out.ActualStrategy = strategy
	}
	return out.ActualStrategy, nil
}

// ReclassifyStatus fetches the current state of a detection's
// reclassification job.
func (c *Client) ReclassifyStatus(ctx context.Context, id string) (ReclassifyStatus, error) {
	var out ReclassifyStatus
	if id == "" {
		return out, errMissingID("reclassify.status")
	}
	err := c.do(ctx, "reclassify.status", http.MethodGet,
		c.endpoint(detectionPath(id, "/reclassify"), nil), nil, &out)
	return out, err
}

// StartModelDownload asks the server to download a classification model.
func (c *Client) StartModelDownload(ctx context.Context, modelID string) error {
	if modelID == "" {
		return errors.Newf("model id is required").
			Component("api").
			Category(errors.CategoryValidation).
			Context("operation", "models.download.start").
			Build()
	}
	return c.do(ctx, "models.download.start", http.MethodPost,
		c.endpoint(modelPath(modelID), nil), nil, nil)
}

// ModelDownloadStatus fetches the progress of a model download.
func (c *Client) ModelDownloadStatus(ctx context.Context, modelID string) (DownloadStatus, error) {
	var out DownloadStatus
	if modelID == "" {
		return out, errors.Newf("model id is required").
			Component("api").
			Category(errors.CategoryValidation).
			Context("operation", "models.download.status").
			Build()
	}
	err := c.do(ctx, "models.download.status", http.MethodGet,
		c.endpoint(modelPath(modelID), nil), nil, &out)
	return out, err
}

// StartTaxonomySync asks the server to refresh its taxonomy. The server
// rejects a second concurrent sync with a conflict.
func (c *Client) StartTaxonomySync(ctx context.Context) error {
	return c.do(ctx, "taxonomy.sync.start", http.MethodPost,
		c.endpoint("/api/v2/taxonomy/sync", nil), nil, nil)
}

// TaxonomySyncStatus fetches the state of the taxonomy sync job.
func (c *Client) TaxonomySyncStatus(ctx context.Context) (TaxonomySyncStatus, error) {
	var out TaxonomySyncStatus
	err := c.do(ctx, "taxonomy.sync.status", http.MethodGet,
		c.endpoint("/api/v2/taxonomy/sync", nil), nil, &out)
	return out, err
}

func modelPath(modelID string) string {
	return fmt.Sprintf("/api/v2/models/%s/download", url.PathEscape(modelID))
}
