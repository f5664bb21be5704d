package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"report-verify-pipeline/database"
	"report-verify-pipeline/fingerprint"
	"report-verify-pipeline/geo"
	"report-verify-pipeline/lifecycle"
	"report-verify-pipeline/models"
	"report-verify-pipeline/pipeline"
	"report-verify-pipeline/resilience"

	"github.com/apex/log"
	"github.com/gin-gonic/gin"
	geojson "github.com/paulmach/go.geojson"
)

// Service is the verification pipeline as seen by the HTTP layer.
type Service interface {
	Submit(ctx context.Context, sub pipeline.Submission) (*pipeline.SubmitResult, error)
	GetStatus(ctx context.Context, id string) (*pipeline.StatusView, error)
	ForceTransition(ctx context.Context, id string, to models.Status, actor, note string) (*pipeline.TransitionResult, error)
}

// Store is the read-only persistence used by listing endpoints.
type Store interface {
	Ping(ctx context.Context) error
	ListFlagged(ctx context.Context, limit int) ([]models.ReportRef, error)
	Hotspots(ctx context.Context, since time.Time, minCount int) ([]database.Hotspot, error)
}

// BreakerSource reports circuit breaker state.
type BreakerSource interface {
	Snapshots() []resilience.BreakerSnapshot
}

// Handlers represents the HTTP handlers
type Handlers struct {
	svc      Service
	store    Store
	breakers BreakerSource
}

// NewHandlers creates new HTTP handlers
func NewHandlers(svc Service, store Store, breakers BreakerSource) *Handlers {
	return &Handlers{svc: svc, store: store, breakers: breakers}
}

// ImagePayload is one submitted image: inline base64 data or a URL.
type ImagePayload struct {
	Data string `json:"data"`
	URL  string `json:"url"`
}

// SubmitRequest is the body of POST /reports.
type SubmitRequest struct {
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	LocationText string         `json:"location_text"`
	Latitude     *float64       `json:"latitude"`
	Longitude    *float64       `json:"longitude"`
	Category     string         `json:"category"`
	ReporterID   *string        `json:"reporter_id"`
	Images       []ImagePayload `json:"images" binding:"required"`
}

// TransitionRequest is the body of POST /reports/:id/transition.
type TransitionRequest struct {
	Status string `json:"status" binding:"required"`
	Actor  string `json:"actor" binding:"required"`
	Note   string `json:"note"`
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	status := "healthy"
	code := http.StatusOK
	if err := h.store.Ping(c.Request.Context()); err != nil {
		log.Warnf("Database ping failed: %v", err)
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	var breakers []resilience.BreakerSnapshot
	if h.breakers != nil {
		breakers = h.breakers.Snapshots()
	}
	c.JSON(code, gin.H{
		"status":   status,
		"service":  "report-verify-pipeline",
		"breakers": breakers,
	})
}

// SubmitReport accepts a new report and runs the synchronous pipeline.
func (h *Handlers) SubmitReport(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}

	sub := pipeline.Submission{
		Title:        req.Title,
		Description:  req.Description,
		LocationText: req.LocationText,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Category:     req.Category,
		ReporterID:   req.ReporterID,
	}
	for i, img := range req.Images {
		in := pipeline.ImageInput{URL: strings.TrimSpace(img.URL)}
		if img.Data != "" {
			data, err := decodeImage(img.Data)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": (&fingerprint.InvalidImageError{Index: i, Reason: "bad base64 data"}).Error(),
				})
				return
			}
			in.Data = data
		}
		sub.Images = append(sub.Images, in)
	}

	res, err := h.svc.Submit(c.Request.Context(), sub)
	if err != nil {
		if isInputError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Errorf("Failed to submit report: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit report"})
		return
	}

	body := gin.H{
		"report_id": res.ReportID,
		"status":    res.Status,
	}
	if res.DuplicateOf != "" {
		body["duplicate_of"] = res.DuplicateOf
		body["match_kind"] = res.MatchKind
		body["similarity"] = res.Similarity
	}
	c.JSON(http.StatusCreated, body)
}

// decodeImage accepts plain base64 or a data URL.
func decodeImage(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	return base64.StdEncoding.DecodeString(strings.TrimSpace(s))
}

func isInputError(err error) bool {
	var (
		ie *fingerprint.InvalidImageError
		ce *geo.InvalidCoordinatesError
		ve *pipeline.ValidationError
	)
	return errors.As(err, &ie) || errors.As(err, &ce) || errors.As(err, &ve)
}

// GetReportStatus returns the status and timeline of a report.
func (h *Handlers) GetReportStatus(c *gin.Context) {
	view, err := h.svc.GetStatus(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrReportNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		return
	}
	if err != nil {
		log.Errorf("Failed to get report status: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get report status"})
		return
	}

	body := gin.H{
		"report_id": view.ReportID,
		"status":    view.Status,
		"category":  view.Category,
		"timeline":  view.Timeline,
	}
	if view.DuplicateOf != "" {
		body["duplicate_of"] = view.DuplicateOf
	}
	if view.Severity > 0 {
		body["severity"] = view.Severity
	}
	c.JSON(http.StatusOK, body)
}

// TransitionReport is the administrative status override.
func (h *Handlers) TransitionReport(c *gin.Context) {
	var req TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	to, err := models.ParseStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	res, err := h.svc.ForceTransition(c.Request.Context(), c.Param("id"), to, req.Actor, req.Note)
	if err != nil {
		var (
			ise *lifecycle.InconsistentStateError
			ite *lifecycle.InvalidTransitionError
			ve  *pipeline.ValidationError
		)
		switch {
		case errors.Is(err, database.ErrReportNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Report not found"})
		case errors.As(err, &ise), errors.Is(err, database.ErrVersionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.As(err, &ite), errors.As(err, &ve):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		default:
			log.Errorf("Failed to transition report %s: %v", c.Param("id"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to transition report"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report_id": res.ReportID,
		"from":      res.From,
		"status":    res.Status,
		"changed":   res.Changed,
	})
}

// ListFlagged returns reports waiting for manual review.
func (h *Handlers) ListFlagged(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}

	refs, err := h.store.ListFlagged(c.Request.Context(), limit)
	if err != nil {
		log.Errorf("Failed to list flagged reports: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list flagged reports"})
		return
	}
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		ids = append(ids, r.ID)
	}
	c.JSON(http.StatusOK, gin.H{"count": len(ids), "report_ids": ids})
}

// GetHotspots returns precision-5 cells with clusters of public reports as a
// GeoJSON FeatureCollection of cell polygons.
func (h *Handlers) GetHotspots(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid hours"})
		return
	}
	minCount, err := strconv.Atoi(c.DefaultQuery("min", "3"))
	if err != nil || minCount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid min"})
		return
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	spots, err := h.store.Hotspots(c.Request.Context(), since, minCount)
	if err != nil {
		log.Errorf("Failed to get hotspots: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get hotspots"})
		return
	}

	fc := geojson.NewFeatureCollection()
	for _, s := range spots {
		minLat, minLng, maxLat, maxLng := geo.Bounds(s.Cell)
		f := geojson.NewPolygonFeature([][][]float64{{
			{minLng, minLat},
			{maxLng, minLat},
			{maxLng, maxLat},
			{minLng, maxLat},
			{minLng, minLat},
		}})
		f.ID = s.Cell
		lat, lng := geo.Center(s.Cell)
		f.SetProperty("cell", s.Cell)
		f.SetProperty("count", s.Count)
		f.SetProperty("center", []float64{lng, lat})
		fc.AddFeature(f)
	}
	c.JSON(http.StatusOK, fc)
}
