package mirror

import (
	"time"

	"github.com/tphakala/perch/internal/api"
	"github.com/tphakala/perch/internal/feed"
	"github.com/tphakala/perch/internal/jobs/downloads"
	"github.com/tphakala/perch/internal/jobs/reclassify"
	"github.com/tphakala/perch/internal/jobs/taxonomy"
	"github.com/tphakala/perch/internal/notices"
)

// detectionView is the wire form of one detection. Field naming follows the
// upstream server so mirror consumers can reuse their decoders.
type detectionView struct {
	ID             string    `json:"id"`
	DetectionTime  time.Time `json:"detection_time"`
	DisplayName    string    `json:"display_name"`
	CommonName     string    `json:"common_name,omitempty"`
	ScientificName string    `json:"scientific_name,omitempty"`
	Score          float64   `json:"score"`
	CameraName     string    `json:"camera_name,omitempty"`
	HasClip        bool      `json:"has_clip"`
	AudioConfirmed bool      `json:"audio_confirmed"`
}

func toDetectionView(d *feed.Detection) detectionView {
	return detectionView{
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

// detectionDetail embeds the view plus job state for the single-detection
// endpoint.
type detectionDetail struct {
	detectionView
	Reclassification *reclassificationView `json:"reclassification,omitempty"`
}

type feedResponse struct {
	Detections         []detectionView `json:"detections"`
	Total              int             `json:"total"`
	TotalToday         int             `json:"total_today"`
	AudioConfirmations int             `json:"audio_confirmations"`
}

type reclassificationView struct {
	EventID           string  `json:"event_id"`
	State             string  `json:"state"`
	Progress          float64 `json:"progress"`
	RequestedStrategy string  `json:"requested_strategy"`
	ActualStrategy    string  `json:"actual_strategy,omitempty"`
	Error             string  `json:"error,omitempty"`
}

func toReclassificationView(j *reclassify.Job) reclassificationView {
	v := reclassificationView{
		EventID:           j.EventID,
		State:             string(j.State),
		Progress:          j.Progress,
		RequestedStrategy: string(j.RequestedStrategy),
		ActualStrategy:    string(j.ActualStrategy),
	}
	if j.Err != nil {
		v.Error = j.Err.Error()
	}
	return v
}

type downloadView struct {
	ModelID  string `json:"model_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
}

func toDownloadView(j *downloads.Job) downloadView {
	v := downloadView{
		ModelID:  j.ModelID,
		Status:   j.Status,
		Progress: j.Progress,
	}
	if j.Err != nil {
		v.Error = j.Err.Error()
	}
	return v
}

type taxonomyView struct {
	IsRunning   bool   `json:"is_running"`
	Processed   int    `json:"processed"`
	Total       int    `json:"total"`
	CurrentItem string `json:"current_item,omitempty"`
	Error       string `json:"error,omitempty"`
}

func toTaxonomyView(s *taxonomy.Sync) taxonomyView {
	v := taxonomyView{
		IsRunning:   s.IsRunning,
		Processed:   s.Processed,
		Total:       s.Total,
		CurrentItem: s.CurrentItem,
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	return v
}

type jobsResponse struct {
	Reclassifications []reclassificationView `json:"reclassifications"`
	Download          *downloadView          `json:"download,omitempty"`
	Taxonomy          *taxonomyView          `json:"taxonomy,omitempty"`
}

type noticesResponse struct {
	Notices []*notices.Notice `json:"notices"`
}

type healthResponse struct {
	Status      string     `json:"status"`
	StreamAlive bool       `json:"stream_alive"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
}

type tagRequest struct {
	DisplayName string `json:"display_name"`
}

type reclassifyRequest struct {
	Strategy string `json:"strategy"`
}

type downloadRequest struct {
	ModelID string `json:"model_id"`
}

type actionStatus struct {
	Status string `json:"status"`
}

type hideResult struct {
	Hidden bool `json:"hidden"`
}

type analyzeView struct {
	Analysis    string     `json:"analysis"`
	Model       string     `json:"model,omitempty"`
	GeneratedAt *time.Time `json:"generated_at,omitempty"`
}

func toAnalyzeView(r *api.AnalyzeResult) analyzeView {
	v := analyzeView{
		Analysis: r.Description,
		Model:    r.Model,
	}
	if !r.GeneratedAt.IsZero() {
		at := r.GeneratedAt
		v.GeneratedAt = &at
	}
	return v
}

type errorBody struct {
	Error string `json:"error"`
}
