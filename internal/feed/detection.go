// Package feed provides the reconciled, deduplicated detection cache that
// backs the live dashboard view. The server owns truth; this cache converges
// on server state through full loads, push upserts, and job writebacks.
//
// All mutations are idempotent merges keyed by detection id, so replayed
// stream events and overlapping refreshes settle into the same state
// regardless of arrival order.
package feed

import (
	"fmt"
	"time"
)

// Detection is a single detection event as the dashboard sees it.
type Detection struct {
	// Identity
	ID            string    // Event id, unique within the feed, assigned by the server
	DetectionTime time.Time // When the detection occurred

	// Classification
	DisplayName    string // Label shown in the UI, user-editable
	CommonName     string // Common name (e.g., "American Crow"), empty when unclassified
	ScientificName string // Scientific name (e.g., "Corvus brachyrhynchos"), empty when unclassified
	Score          float64 // Classifier confidence (0.0-1.0)

	// Source Information
	CameraName string // Camera that produced the detection
	HasClip    bool   // Whether a media clip exists for this event

	// Review Status
	AudioConfirmed bool // Whether an audio classifier corroborated the detection
}

// Patch is a partial update merged onto an existing detection by id.
// Nil fields are left unchanged.
type Patch struct {
	ID string // Target detection id, required

	DisplayName    *string
	CommonName     *string
	ScientificName *string
	Score          *float64
	HasClip        *bool
	AudioConfirmed *bool
}

// Validate checks boundary invariants before a detection enters the feed.
// Store operations themselves never fail; validation belongs where external
// data is decoded.
func (d *Detection) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("detection id is required")
	}
	if d.DetectionTime.IsZero() {
		return fmt.Errorf("detection %s has no detection time", d.ID)
	}
	if d.Score < 0 || d.Score > 1 {
		return fmt.Errorf("detection %s score %f out of range [0,1]", d.ID, d.Score)
	}
	return nil
}

// apply merges the patch onto a detection, returning the updated copy.
func (p *Patch) apply(d Detection) Detection {
	if p.DisplayName != nil {
		d.DisplayName = *p.DisplayName
	}
	if p.CommonName != nil {
		d.CommonName = *p.CommonName
	}
	if p.ScientificName != nil {
		d.ScientificName = *p.ScientificName
	}
	if p.Score != nil {
		d.Score = *p.Score
	}
	if p.HasClip != nil {
		d.HasClip = *p.HasClip
	}
	if p.AudioConfirmed != nil {
		d.AudioConfirmed = *p.AudioConfirmed
	}
	return d
}
