// Package metrics provides constants used across metric definitions.
package metrics

// Histogram bucket constants shared by duration metrics.
const (
	// BucketStart10ms is the starting bucket for fast local operations.
	BucketStart10ms = 0.01
	// BucketStart100ms is the starting bucket for network operations
	// (covers 100ms to ~100s with factor 2 and 10 buckets).
	BucketStart100ms = 0.1
	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2
	// BucketCount10 defines 10 exponential buckets.
	BucketCount10 = 10
)

// Job kind labels used by poll and outcome metrics.
const (
	JobKindReclassify  = "reclassify"
	JobKindDownload    = "download"
	JobKindTaxonomy    = "taxonomy"
	JobKindFeedRefresh = "feed_refresh"
)

// Shared status labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Cache result labels.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)
