// Package api provides the client for the detection server's v2 REST API.
// Every remote operation the daemon performs goes through this client; it
// owns rate limiting, error classification, response caching for analysis
// results, and the circuit breaker guarding the AI-backed analyze endpoint.
package api

import (
	"time"

	"github.com/tphakala/perch/internal/feed"
)

// Strategy selects the media a reclassification runs against.
type Strategy string

const (
	// StrategyVideo reclassifies from the event's video clip.
	StrategyVideo Strategy = "video"
	// StrategySnapshot reclassifies from the event's snapshot image. The
	// server falls back to this when no clip is available.
	StrategySnapshot Strategy = "snapshot"
)

// Valid reports whether s is a known wire value.
func (s Strategy) Valid() bool {
	return s == StrategyVideo || s == StrategySnapshot
}

// Reclassification job states as reported by the server.
const (
	JobStatePending   = "pending"
	JobStateRunning   = "running"
	JobStateSucceeded = "succeeded"
	JobStateFailed    = "failed"
)

// Model download states as reported by the server.
const (
	DownloadStateQueued      = "queued"
	DownloadStateDownloading = "downloading"
	DownloadStateCompleted   = "completed"
	DownloadStateFailed      = "failed"
)

// Config holds the client configuration.
type Config struct {
	// BaseURL is the server root, e.g. "http://localhost:8080". Required.
	BaseURL string
	// APIToken is sent as a bearer token when set.
	APIToken string
	// Timeout bounds each request. Defaults to 30s.
	Timeout time.Duration
	// CacheTTL is how long analyze results stay cached. Defaults to 15m.
	CacheTTL time.Duration
	// RequestsPerSecond is the client-side rate limit. Defaults to 10.
	RequestsPerSecond float64
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "http://localhost:8080",
		Timeout:           30 * time.Second,
		CacheTTL:          15 * time.Minute,
		RequestsPerSecond: 10,
	}
}

// Detection is the wire representation of one detection event.
type Detection struct {
	ID             string    `json:"id"`
	DetectionTime  time.Time `json:"detection_time"`
	DisplayName    string    `json:"display_name"`
	CommonName     string    `json:"common_name"`
	ScientificName string    `json:"scientific_name"`
	Score          float64   `json:"score"`
	CameraName     string    `json:"camera_name,omitempty"`
	HasClip        bool      `json:"has_clip"`
	AudioConfirmed bool      `json:"audio_confirmed"`
}

// ToModel converts the wire detection into the feed store model.
func (d *Detection) ToModel() feed.Detection {
	return feed.Detection{
		ID:             d.ID,
		DetectionTime:  d.DetectionTime,
		DisplayName:    d.DisplayName,
		CommonName:     d.CommonName,
		ScientificName: d.ScientificName,
		Score:          d.Score,
		CameraName:     d.CameraName,
		HasClip:        d.HasClip,
		AudioConfirmed: d.AudioConfirmed,
	}
}

// FeedQuery holds the filters for listing detections.
type FeedQuery struct {
	Limit         int
	Offset        int
	Species       string
	Camera        string
	StartDate     string // YYYY-MM-DD, inclusive
	EndDate       string // YYYY-MM-DD, inclusive
	IncludeHidden bool
	SortAscending bool // default is newest first
}

// PaginatedDetections is the server's paginated list response.
type PaginatedDetections struct {
	Data        []Detection `json:"data"`
	Total       int64       `json:"total"`
	Limit       int         `json:"limit"`
	Offset      int         `json:"offset"`
	CurrentPage int         `json:"current_page"`
	TotalPages  int         `json:"total_pages"`
}

// ReclassifyStatus is the server's view of one reclassification job. The
// classification fields are present only on a succeeded terminal status.
type ReclassifyStatus struct {
	State          string   `json:"state"`
	Progress       float64  `json:"progress"`
	DisplayName    *string  `json:"display_name,omitempty"`
	CommonName     *string  `json:"common_name,omitempty"`
	ScientificName *string  `json:"scientific_name,omitempty"`
	Score          *float64 `json:"score,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Terminal reports whether the job has finished, successfully or not.
func (s *ReclassifyStatus) Terminal() bool {
	return s.State == JobStateSucceeded || s.State == JobStateFailed
}

// Succeeded reports whether the job finished successfully.
func (s *ReclassifyStatus) Succeeded() bool {
	return s.State == JobStateSucceeded
}

// DownloadStatus is the server's view of a model download. Progress runs
// 0 to 100.
type DownloadStatus struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

// Terminal reports whether the download has finished.
func (s *DownloadStatus) Terminal() bool {
	return s.Status == DownloadStateCompleted || s.Status == DownloadStateFailed
}

// TaxonomySyncStatus is the server's view of the taxonomy sync job.
type TaxonomySyncStatus struct {
	IsRunning   bool   `json:"is_running"`
	Processed   int    `json:"processed"`
	Total       int    `json:"total"`
	CurrentItem string `json:"current_item,omitempty"`
}

// AnalyzeResult is the AI-generated description of a detection.
type AnalyzeResult struct {
	Description string    `json:"description"`
	Model       string    `json:"model,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// apiErrorBody is the error payload the server attaches to 4xx/5xx
// responses.
type apiErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (e *apiErrorBody) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}
