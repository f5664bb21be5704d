package models

import (
	"fmt"
	"strings"
	"time"
)

// Category is the kind of civic issue a report describes.
type Category string

const (
	CategoryRoadDamage Category = "road-damage"
	CategorySanitation Category = "sanitation"
	CategoryLighting   Category = "lighting"
	CategoryWater      Category = "water"
	CategoryOther      Category = "other"
)

var knownCategories = map[Category]bool{
	CategoryRoadDamage: true,
	CategorySanitation: true,
	CategoryLighting:   true,
	CategoryWater:      true,
	CategoryOther:      true,
}

// ParseCategory normalizes a category name. Empty input maps to CategoryOther.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	c = Category(strings.ReplaceAll(string(c), "_", "-"))
	if c == "" {
		return CategoryOther, nil
	}
	if !knownCategories[c] {
		return "", fmt.Errorf("unknown category %q", s)
	}
	return c, nil
}

func (c Category) String() string {
	return string(c)
}

// Report is the central entity of the pipeline.
type Report struct {
	Seq         int64  `json:"-"`
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`

	Images []ReportImage `json:"-"`

	LocationText    string   `json:"location_text,omitempty"`
	ClientLatitude  *float64 `json:"client_latitude,omitempty"`
	ClientLongitude *float64 `json:"client_longitude,omitempty"`
	Latitude        *float64 `json:"latitude,omitempty"`
	Longitude       *float64 `json:"longitude,omitempty"`
	Geohash         string   `json:"geohash,omitempty"`

	Category    Category `json:"category"`
	Severity    int      `json:"severity,omitempty"`
	AIValid     *bool    `json:"ai_valid,omitempty"`
	AIRationale string   `json:"ai_rationale,omitempty"`

	Status      Status  `json:"status"`
	DuplicateOf *int64  `json:"-"`
	ReporterID  *string `json:"reporter_id,omitempty"`
	Version     int64   `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Timeline []TimelineEntry `json:"timeline,omitempty"`
}

// HasLocation reports whether the report has resolved coordinates.
func (r *Report) HasLocation() bool {
	return r.Latitude != nil && r.Longitude != nil && r.Geohash != ""
}

// PrimaryImage returns the image used for perceptual matching and classification.
func (r *Report) PrimaryImage() *ReportImage {
	for i := range r.Images {
		if r.Images[i].Index == 0 {
			return &r.Images[i]
		}
	}
	if len(r.Images) > 0 {
		return &r.Images[0]
	}
	return nil
}

// Digests returns the content digests of all report images.
func (r *Report) Digests() []string {
	out := make([]string, 0, len(r.Images))
	for _, img := range r.Images {
		out = append(out, img.Digest)
	}
	return out
}

// ReportImage holds one submitted image and its fingerprints.
type ReportImage struct {
	Index  int    `json:"index"`
	Digest string `json:"digest"`
	PHash  uint64 `json:"phash"`
	URL    string `json:"url,omitempty"`
	Data   []byte `json:"-"`
}

// TimelineEntry is one row of the append-only audit trail.
type TimelineEntry struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
}

// MatchKind tells how a duplicate was detected.
type MatchKind string

const (
	MatchExact      MatchKind = "exact"
	MatchPerceptual MatchKind = "perceptual"
)

// DuplicateCandidate is the transient result of duplicate detection.
type DuplicateCandidate struct {
	ExistingReportSeq int64     `json:"existing_report_seq"`
	ExistingReportID  string    `json:"existing_report_id"`
	Similarity        float64   `json:"similarity_score"`
	MatchKind         MatchKind `json:"match_kind"`
	Distance          int       `json:"distance"`
}

// ReportStatusEvent is published to RabbitMQ after every applied transition.
type ReportStatusEvent struct {
	ReportID    string    `json:"report_id"`
	Seq         int64     `json:"seq"`
	Status      Status    `json:"status"`
	Previous    Status    `json:"previous_status,omitempty"`
	DuplicateOf string    `json:"duplicate_of,omitempty"`
	Category    Category  `json:"category,omitempty"`
	Severity    int       `json:"severity,omitempty"`
	Actor       string    `json:"actor"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ReverifyRequest asks the pipeline to re-run verification of a flagged report.
type ReverifyRequest struct {
	ReportID string    `json:"report_id"`
	Reason   string    `json:"reason"`
	QueuedAt time.Time `json:"queued_at"`
}

// ReportRef identifies an existing report.
type ReportRef struct {
	Seq int64
	ID  string
}

// NearbyReport is a perceptual-match candidate loaded from the store.
type NearbyReport struct {
	Seq       int64
	ID        string
	PHash     uint64
	Latitude  float64
	Longitude float64
	CreatedAt time.Time
}
