// Package mirror serves the reconciled detection view over a local HTTP API
// together with a narrow operator action surface. View routes expose the
// ordered feed with its derived counters, per-detection job state, tracked
// background jobs, recent notices, a health probe covering stream liveness,
// and the Prometheus registry. Action routes drive the optimistic mutation
// applier and the job trackers, standing in for the upstream dashboard.
package mirror

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/perch/internal/api"
	"github.com/tphakala/perch/internal/errors"
	"github.com/tphakala/perch/internal/feed"
	"github.com/tphakala/perch/internal/jobs/downloads"
	"github.com/tphakala/perch/internal/jobs/reclassify"
	"github.com/tphakala/perch/internal/jobs/taxonomy"
	"github.com/tphakala/perch/internal/logging"
	"github.com/tphakala/perch/internal/notices"
)

var logger *slog.Logger

func init() {
	logger = logging.ForService("mirror")
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
}

// Config holds mirror server configuration.
type Config struct {
	// Listen is the host:port the mirror binds, e.g. "localhost:8090".
	Listen string
}

// ReclassificationSource exposes tracked reclassification jobs and accepts
// new requests.
type ReclassificationSource interface {
	Jobs() []reclassify.Job
	Progress(eventID string) (reclassify.Job, bool)
	Request(ctx context.Context, eventID string, strategy api.Strategy) error
}

// DownloadSource exposes the tracked model download and starts new ones.
type DownloadSource interface {
	Status() (downloads.Job, bool)
	Start(ctx context.Context, modelID string) error
}

// TaxonomySource exposes the tracked taxonomy sync and starts new ones.
type TaxonomySource interface {
	Status() (taxonomy.Sync, bool)
	Start(ctx context.Context) error
}

// Actions applies operator mutations to the upstream server.
type Actions interface {
	Tag(ctx context.Context, id, displayName string) error
	Hide(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
}

// Analyzer produces the AI description of a detection.
type Analyzer interface {
	Analyze(ctx context.Context, id string) (*api.AnalyzeResult, error)
}

// StreamHealth reports detection stream liveness for the health probe.
type StreamHealth interface {
	Connected() bool
	LastEventAt() time.Time
}

// Sources aggregates the collaborators the mirror serves. Store is required;
// a nil view source degrades to an absent section and a nil action
// collaborator makes its routes answer 503.
type Sources struct {
	Store             *feed.Store
	Reclassifications ReclassificationSource
	Download          DownloadSource
	Taxonomy          TaxonomySource
	Actions           Actions
	Analyzer          Analyzer
	Notices           *notices.Center
	Stream            StreamHealth
	MetricsHandler    http.Handler
}

// Server is the local mirror HTTP server.
type Server struct {
	echo *echo.Echo
	cfg  Config
	src  Sources
}

// NewServer builds the mirror server and registers its routes.
func NewServer(cfg Config, src Sources) (*Server, error) {
	if src.Store == nil {
		return nil, errors.Newf("feed store is required").
			Component("mirror").
			Category(errors.CategoryValidation).
			Build()
	}
	if cfg.Listen == "" {
		return nil, errors.Newf("mirror listen address is required").
			Component("mirror").
			Category(errors.CategoryConfiguration).
			Build()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo: e,
		cfg:  cfg,
		src:  src,
	}

	e.Use(middleware.Recover())
	e.Use(s.loggingMiddleware())

	g := e.Group("/api/v1")
	g.GET("/feed", s.getFeed)
	g.GET("/feed/:id", s.getDetection)
	g.GET("/jobs", s.getJobs)
	g.GET("/notices", s.getNotices)

	g.POST("/detections/:id/species", s.tagDetection)
	g.POST("/detections/:id/hide", s.hideDetection)
	g.DELETE("/detections/:id", s.deleteDetection)
	g.POST("/detections/:id/reclassify", s.reclassifyDetection)
	g.POST("/detections/:id/analyze", s.analyzeDetection)
	g.POST("/jobs/download", s.startDownload)
	g.POST("/jobs/taxonomy/sync", s.startTaxonomySync)

	e.GET("/healthz", s.healthz)
	if src.MetricsHandler != nil {
		e.GET("/metrics", echo.WrapHandler(src.MetricsHandler))
	}

	return s, nil
}

// Start begins listening. It blocks until the listener fails or Shutdown is
// called; a shutdown-initiated close is not reported as an error.
func (s *Server) Start() error {
	logger.Info("mirror listening", "addr", s.cfg.Listen)
	if err := s.echo.Start(s.cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New(err).
			Component("mirror").
			Category(errors.CategoryNetwork).
			Context("addr", s.cfg.Listen).
			Build()
	}
	return nil
}

// Shutdown stops the server gracefully, waiting for in-flight requests up to
// the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("mirror shutting down")
	return s.echo.Shutdown(ctx)
}

// loggingMiddleware logs every request with structured attributes.
func (s *Server) loggingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			start := time.Now()
			err := next(ctx)

			req := ctx.Request()
			res := ctx.Response()
			attrs := []slog.Attr{
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.String("query", req.URL.RawQuery),
				slog.Int("status", res.Status),
				slog.String("ip", ctx.RealIP()),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
			}
			if err != nil {
				attrs = append(attrs, slog.Any("error", err))
			}
			logger.LogAttrs(req.Context(), slog.LevelInfo, "mirror request", attrs...)

			return err
		}
	}
}

func (s *Server) getFeed(c echo.Context) error {
	detections := s.src.Store.Detections()
	views := make([]detectionView, 0, len(detections))
	for i := range detections {
		views = append(views, toDetectionView(&detections[i]))
	}

	return c.JSON(http.StatusOK, feedResponse{
		Detections:         views,
		Total:              len(views),
		TotalToday:         s.src.Store.TotalToday(),
		AudioConfirmations: s.src.Store.AudioConfirmations(),
	})
}

func (s *Server) getDetection(c echo.Context) error {
	id := c.Param("id")
	d, ok := s.src.Store.Get(id)
	if !ok {
		return c.JSON(http.StatusNotFound, errorBody{Error: "detection not found"})
	}

	detail := detectionDetail{detectionView: toDetectionView(&d)}
	if s.src.Reclassifications != nil {
		if job, ok := s.src.Reclassifications.Progress(id); ok {
			v := toReclassificationView(&job)
			detail.Reclassification = &v
		}
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) getJobs(c echo.Context) error {
	resp := jobsResponse{Reclassifications: []reclassificationView{}}

	if s.src.Reclassifications != nil {
		jobs := s.src.Reclassifications.Jobs()
		for i := range jobs {
			resp.Reclassifications = append(resp.Reclassifications, toReclassificationView(&jobs[i]))
		}
	}
	if s.src.Download != nil {
		if job, ok := s.src.Download.Status(); ok {
			v := toDownloadView(&job)
			resp.Download = &v
		}
	}
	if s.src.Taxonomy != nil {
		if status, ok := s.src.Taxonomy.Status(); ok {
			v := toTaxonomyView(&status)
			resp.Taxonomy = &v
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getNotices(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
		}
		limit = n
	}

	items := []*notices.Notice{}
	if s.src.Notices != nil {
		items = s.src.Notices.Recent(limit)
	}
	return c.JSON(http.StatusOK, noticesResponse{Notices: items})
}

func (s *Server) healthz(c echo.Context) error {
	resp := healthResponse{Status: "ok"}
	if s.src.Stream != nil {
		resp.StreamAlive = s.src.Stream.Connected()
		if !resp.StreamAlive {
			resp.Status = "degraded"
		}
		if at := s.src.Stream.LastEventAt(); !at.IsZero() {
			resp.LastEventAt = &at
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) tagDetection(c echo.Context) error {
	if s.src.Actions == nil {
		return actionUnavailable(c)
	}

	var req tagRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}

	id := c.Param("id")
	if err := s.src.Actions.Tag(c.Request().Context(), id, req.DisplayName); err != nil {
		return actionError(c, err)
	}
	return c.JSON(http.StatusOK, actionStatus{Status: "applied"})
}

func (s *Server) hideDetection(c echo.Context) error {
	if s.src.Actions == nil {
		return actionUnavailable(c)
	}

	id := c.Param("id")
	if err := s.src.Actions.Hide(c.Request().Context(), id); err != nil {
		return actionError(c, err)
	}

	// The applier only removes the entry once the server confirms the hide;
	// a declined hide leaves it in place.
	_, present := s.src.Store.Get(id)
	return c.JSON(http.StatusOK, hideResult{Hidden: !present})
}

func (s *Server) deleteDetection(c echo.Context) error {
	if s.src.Actions == nil {
		return actionUnavailable(c)
	}

	if err := s.src.Actions.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return actionError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) reclassifyDetection(c echo.Context) error {
	if s.src.Reclassifications == nil {
		return actionUnavailable(c)
	}

	var req reclassifyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}
	strategy := api.Strategy(req.Strategy)
	if strategy == "" {
		strategy = api.StrategyVideo
	}
	if !strategy.Valid() {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "strategy must be video or snapshot"})
	}

	id := c.Param("id")
	if err := s.src.Reclassifications.Request(c.Request().Context(), id, strategy); err != nil {
		return actionError(c, err)
	}

	resp := struct {
		Job *reclassificationView `json:"job,omitempty"`
	}{}
	if job, ok := s.src.Reclassifications.Progress(id); ok {
		v := toReclassificationView(&job)
		resp.Job = &v
	}
	return c.JSON(http.StatusAccepted, resp)
}

func (s *Server) analyzeDetection(c echo.Context) error {
	if s.src.Analyzer == nil {
		return actionUnavailable(c)
	}

	result, err := s.src.Analyzer.Analyze(c.Request().Context(), c.Param("id"))
	if err != nil {
		return actionError(c, err)
	}
	return c.JSON(http.StatusOK, toAnalyzeView(result))
}

func (s *Server) startDownload(c echo.Context) error {
	if s.src.Download == nil {
		return actionUnavailable(c)
	}

	var req downloadRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "invalid request body"})
	}

	if err := s.src.Download.Start(c.Request().Context(), req.ModelID); err != nil {
		return actionError(c, err)
	}

	resp := struct {
		Job *downloadView `json:"job,omitempty"`
	}{}
	if job, ok := s.src.Download.Status(); ok {
		v := toDownloadView(&job)
		resp.Job = &v
	}
	return c.JSON(http.StatusAccepted, resp)
}

func (s *Server) startTaxonomySync(c echo.Context) error {
	if s.src.Taxonomy == nil {
		return actionUnavailable(c)
	}

	if err := s.src.Taxonomy.Start(c.Request().Context()); err != nil {
		return actionError(c, err)
	}

	resp := struct {
		Sync *taxonomyView `json:"sync,omitempty"`
	}{}
	if status, ok := s.src.Taxonomy.Status(); ok {
		v := toTaxonomyView(&status)
		resp.Sync = &v
	}
	return c.JSON(http.StatusAccepted, resp)
}

func actionUnavailable(c echo.Context) error {
	return c.JSON(http.StatusServiceUnavailable, errorBody{Error: "action not available"})
}

// actionError maps a categorized error onto the HTTP status an operator
// client can act on. Anything not recognisably the caller's fault is a bad
// gateway, since the mirror proxies upstream failures.
func actionError(c echo.Context, err error) error {
	status := http.StatusBadGateway
	switch {
	case errors.IsCategory(err, errors.CategoryValidation):
		status = http.StatusBadRequest
	case errors.IsCategory(err, errors.CategoryNotFound):
		status = http.StatusNotFound
	case errors.IsCategory(err, errors.CategoryConflict):
		status = http.StatusConflict
	case errors.IsCategory(err, errors.CategoryLimit):
		status = http.StatusTooManyRequests
	}
	return c.JSON(status, errorBody{Error: err.Error()})
}
