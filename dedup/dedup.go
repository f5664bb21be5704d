package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"report-verify-pipeline/fingerprint"
	"report-verify-pipeline/geo"
	"report-verify-pipeline/models"

	"github.com/apex/log"
)

// DefaultThreshold is the largest Hamming distance still treated as the same scene.
const DefaultThreshold = 10

// Store is the read side of persistence used for duplicate search.
type Store interface {
	// FindByDigests returns the earliest report with seq < beforeSeq owning
	// any of the digests, or nil.
	FindByDigests(ctx context.Context, digests []string, beforeSeq int64) (*models.ReportRef, error)
	// FindNearby returns non-duplicate reports with seq < beforeSeq located in
	// one of the cells, with the given category, created at or after since.
	FindNearby(ctx context.Context, cells []string, category models.Category, since time.Time, beforeSeq int64) ([]models.NearbyReport, error)
}

// Query describes the report being checked.
type Query struct {
	Seq       int64
	Digests   []string
	PHash     uint64
	Geohash   string
	Category  models.Category
	CreatedAt time.Time
	Latitude  float64
	Longitude float64
}

// Detector finds exact and perceptual duplicates.
type Detector struct {
	store     Store
	threshold int
	windows   map[string]time.Duration
}

// NewDetector creates a detector. windows maps category name to the trailing
// time window searched for perceptual matches.
func NewDetector(store Store, threshold int, windows map[string]time.Duration) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	w := make(map[string]time.Duration, len(windows))
	for k, v := range windows {
		w[strings.ToLower(k)] = v
	}
	return &Detector{store: store, threshold: threshold, windows: w}
}

// Window returns the time window for a category and whether one is configured.
func (d *Detector) Window(c models.Category) (time.Duration, bool) {
	w, ok := d.windows[strings.ToLower(string(c))]
	return w, ok
}

// Find returns the first matching candidate or nil. Exact matches win over
// perceptual ones.
func (d *Detector) Find(ctx context.Context, q Query) (*models.DuplicateCandidate, error) {
	if len(q.Digests) > 0 {
		ref, err := d.store.FindByDigests(ctx, q.Digests, q.Seq)
		if err != nil {
			return nil, fmt.Errorf("exact match lookup: %w", err)
		}
		if ref != nil {
			return &models.DuplicateCandidate{
				ExistingReportSeq: ref.Seq,
				ExistingReportID:  ref.ID,
				Similarity:        1.0,
				MatchKind:         models.MatchExact,
			}, nil
		}
	}

	if q.Geohash == "" {
		return nil, nil
	}
	window, ok := d.Window(q.Category)
	if !ok {
		log.WithFields(log.Fields{
			"report_seq": q.Seq,
			"category":   q.Category,
		}).Warn("no duplicate window configured for category, skipping perceptual match")
		return nil, nil
	}

	nearby, err := d.store.FindNearby(ctx, geo.Neighbors(q.Geohash), q.Category, q.CreatedAt.Add(-window), q.Seq)
	if err != nil {
		return nil, fmt.Errorf("nearby lookup: %w", err)
	}

	var best *models.NearbyReport
	bestDistance := fingerprint.Bits + 1
	bestMeters := 0.0
	for i := range nearby {
		n := &nearby[i]
		if n.Seq >= q.Seq {
			continue
		}
		dist := fingerprint.Distance(q.PHash, n.PHash)
		if dist > d.threshold {
			continue
		}
		meters := geo.DistanceMeters(q.Latitude, q.Longitude, n.Latitude, n.Longitude)
		if best == nil || closer(dist, meters, n.Seq, bestDistance, bestMeters, best.Seq) {
			best, bestDistance, bestMeters = n, dist, meters
		}
	}
	if best == nil {
		return nil, nil
	}
	return &models.DuplicateCandidate{
		ExistingReportSeq: best.Seq,
		ExistingReportID:  best.ID,
		Similarity:        fingerprint.Similarity(bestDistance),
		MatchKind:         models.MatchPerceptual,
		Distance:          bestDistance,
	}, nil
}

// closer orders candidates by hash distance, then physical distance, then age.
func closer(dist int, meters float64, seq int64, bestDist int, bestMeters float64, bestSeq int64) bool {
	if dist != bestDist {
		return dist < bestDist
	}
	if meters != bestMeters {
		return meters < bestMeters
	}
	return seq < bestSeq
}
