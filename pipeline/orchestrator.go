package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"report-verify-pipeline/classifier"
	"report-verify-pipeline/database"
	"report-verify-pipeline/dedup"
	"report-verify-pipeline/fingerprint"
	"report-verify-pipeline/geo"
	"report-verify-pipeline/imagestore"
	"report-verify-pipeline/lifecycle"
	"report-verify-pipeline/metrics"
	"report-verify-pipeline/models"
	"report-verify-pipeline/resilience"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// MaxImages is the largest number of images accepted per report.
const MaxImages = 5

// Timeline details written by the automated pipeline.
const (
	DetailGeocodingUnavailable      = "geocoding unavailable, no fallback coordinates"
	DetailClassificationUnavailable = "classification unavailable"
	DetailQueueFull                 = "verification queue full"
	DetailSubmitInterrupted         = "submission interrupted after storage"
	DetailOutcomeNotStored          = "verification outcome not stored"

	actorSystem = "system"

	// commitTimeout bounds writes that must land after the caller's context is done.
	commitTimeout = 10 * time.Second
)

// Store is the persistence the orchestrator needs.
type Store interface {
	dedup.Store
	InsertReport(ctx context.Context, r *models.Report) (int64, error)
	GetReport(ctx context.Context, id string) (*models.Report, error)
	GetReportBySeq(ctx context.Context, seq int64) (*models.Report, error)
	GetReportID(ctx context.Context, seq int64) (string, error)
	GetTimeline(ctx context.Context, seq int64) ([]models.TimelineEntry, error)
	GetPrimaryImage(ctx context.Context, seq int64) ([]byte, error)
	ApplyTransition(ctx context.Context, t database.Transition) (*database.Applied, error)
	UpdateLocation(ctx context.Context, seq, expectedVersion int64, lat, lng float64, hash string) (int64, error)
}

// Publisher delivers events to the message bus.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, message interface{}) error
}

// ValidationError reports a malformed submission.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ImageInput is one submitted image, inline or by reference.
type ImageInput struct {
	Data []byte
	URL  string
}

// Submission is the raw input of Submit.
type Submission struct {
	Title        string
	Description  string
	LocationText string
	Latitude     *float64
	Longitude    *float64
	Category     string
	ReporterID   *string
	Images       []ImageInput
}

// SubmitResult is returned to the submitter.
type SubmitResult struct {
	ReportID    string
	Status      models.Status
	DuplicateOf string
	MatchKind   models.MatchKind
	Similarity  float64
}

// StatusView is the public status of a report.
type StatusView struct {
	ReportID    string
	Status      models.Status
	DuplicateOf string
	Category    models.Category
	Severity    int
	Timeline    []models.TimelineEntry
}

// TransitionResult is returned by ForceTransition.
type TransitionResult struct {
	ReportID string
	From     models.Status
	Status   models.Status
	// Changed is false when the report was already in the requested state.
	Changed bool
}

// Options configures an Orchestrator.
type Options struct {
	Store           Store
	Detector        *dedup.Detector
	Fetcher         imagestore.Fetcher
	Locations       *LocationChain
	Classifier      classifier.Client
	ClassifierGuard *resilience.Guard
	Pool            *WorkerPool
	Publisher       Publisher

	StatusRoutingKey  string
	FlaggedRoutingKey string
}

// Orchestrator drives reports from submission to a verification outcome.
type Orchestrator struct {
	opts  Options
	locks *KeyedLocker
	now   func() time.Time
	newID func() string
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(opts Options) *Orchestrator {
	return &Orchestrator{
		opts:  opts,
		locks: NewKeyedLocker(),
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
}

// Submit runs the synchronous part of the pipeline: image loading,
// fingerprinting, location resolution, persistence and duplicate detection.
// Classification is scheduled on the worker pool.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*SubmitResult, error) {
	r, err := o.prepare(ctx, &sub)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues(submitErrorOutcome(err)).Inc()
		return nil, err
	}

	loc := o.opts.Locations.Resolve(ctx, &sub)
	if loc.Kind != Unresolved {
		hash, err := geo.Encode(loc.Lat, loc.Lng)
		if err != nil {
			metrics.SubmissionsTotal.WithLabelValues("invalid_coordinates").Inc()
			return nil, err
		}
		lat, lng := loc.Lat, loc.Lng
		r.Latitude, r.Longitude, r.Geohash = &lat, &lng, hash
	}

	logger := log.WithFields(log.Fields{
		"report_id": r.ID,
		"location":  loc.Kind.String(),
		"source":    loc.Source,
	})

	var out outbox
	result, err := o.insertAndDeduplicate(ctx, &out, r, loc)
	if err != nil && r.Seq != 0 {
		// Stored but not settled; the scheduler brings it back.
		o.requestReverify(&out, r, DetailSubmitInterrupted)
	}
	o.flush(&out)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("error").Inc()
		logger.WithFields(log.Fields{"report_seq": r.Seq}).Errorf("failed to store report: %v", err)
		return nil, err
	}

	if result.Status == models.StatusPendingVerification {
		if err := o.schedule(r.Seq); err != nil {
			logger.Warnf("could not schedule verification: %v", err)
			wctx, cancel := detached(ctx)
			if _, ferr := o.transition(wctx, &out, r, models.StatusFlagged, lifecycle.ActorSystem, actorSystem, DetailQueueFull, database.Patch{}); ferr != nil {
				logger.Errorf("failed to flag unscheduled report: %v", ferr)
			}
			cancel()
			o.requestReverify(&out, r, DetailQueueFull)
			o.flush(&out)
			result.Status = r.Status
		}
	}

	metrics.SubmissionsTotal.WithLabelValues(strings.ToLower(string(result.Status))).Inc()
	logger.WithFields(log.Fields{"report_seq": r.Seq, "status": result.Status}).Info("report accepted")
	return result, nil
}

// prepare validates the submission and fingerprints its images.
func (o *Orchestrator) prepare(ctx context.Context, sub *Submission) (*models.Report, error) {
	if len(sub.Images) == 0 {
		return nil, &ValidationError{Field: "images", Reason: "at least one image is required"}
	}
	if len(sub.Images) > MaxImages {
		return nil, &ValidationError{Field: "images", Reason: fmt.Sprintf("at most %d images are allowed", MaxImages)}
	}

	category, err := models.ParseCategory(sub.Category)
	if err != nil {
		return nil, &ValidationError{Field: "category", Reason: err.Error()}
	}

	if (sub.Latitude == nil) != (sub.Longitude == nil) {
		return nil, &ValidationError{Field: "location", Reason: "latitude and longitude must be supplied together"}
	}
	if sub.Latitude != nil {
		if err := geo.Validate(*sub.Latitude, *sub.Longitude); err != nil {
			return nil, err
		}
	}
	if _, _, ok, err := geo.ParseCoordinates(sub.LocationText); ok && err != nil {
		return nil, err
	}
	if strings.TrimSpace(sub.LocationText) == "" && sub.Latitude == nil {
		return nil, &ValidationError{Field: "location", Reason: "location text or coordinates are required"}
	}

	data := make([][]byte, len(sub.Images))
	for i, img := range sub.Images {
		switch {
		case len(img.Data) > 0:
			data[i] = img.Data
		case img.URL != "" && o.opts.Fetcher != nil:
			b, err := o.opts.Fetcher.Fetch(ctx, img.URL)
			if err != nil {
				if resilience.IsPermanent(err) {
					return nil, &fingerprint.InvalidImageError{Index: i, Reason: err.Error()}
				}
				return nil, fmt.Errorf("fetch image %d: %w", i, err)
			}
			data[i] = b
		default:
			return nil, &fingerprint.InvalidImageError{Index: i, Reason: "empty image"}
		}
	}

	fps, err := fingerprint.ComputeAll(ctx, data)
	if err != nil {
		return nil, err
	}

	r := &models.Report{
		ID:              o.newID(),
		Title:           strings.TrimSpace(sub.Title),
		Description:     strings.TrimSpace(sub.Description),
		LocationText:    strings.TrimSpace(sub.LocationText),
		ClientLatitude:  sub.Latitude,
		ClientLongitude: sub.Longitude,
		Category:        category,
		Status:          models.StatusPendingVerification,
		ReporterID:      sub.ReporterID,
		CreatedAt:       o.now(),
	}
	for i, fp := range fps {
		r.Images = append(r.Images, models.ReportImage{
			Index:  i,
			Digest: fp.Digest,
			PHash:  fp.PHash,
			URL:    sub.Images[i].URL,
			Data:   data[i],
		})
	}
	return r, nil
}

// dedupKeys are the locks serializing duplicate detection: the image digests
// and, when located, the cell with its neighbours.
func dedupKeys(digests []string, hash string) []string {
	keys := make([]string, 0, 9+len(digests))
	for _, d := range digests {
		keys = append(keys, "digest:"+d)
	}
	if hash != "" {
		for _, c := range geo.Neighbors(hash) {
			keys = append(keys, "cell:"+c)
		}
	}
	return keys
}

func dedupQuery(r *models.Report) dedup.Query {
	q := dedup.Query{
		Seq:       r.Seq,
		Digests:   r.Digests(),
		Geohash:   r.Geohash,
		Category:  r.Category,
		CreatedAt: r.CreatedAt,
	}
	if p := r.PrimaryImage(); p != nil {
		q.PHash = p.PHash
	}
	if r.HasLocation() {
		q.Latitude, q.Longitude = *r.Latitude, *r.Longitude
	}
	return q
}

// insertAndDeduplicate persists the report and runs duplicate detection while
// holding the locks of its cells and digests, so two racing submissions of
// the same scene are serialized. Writes after the insert do not depend on
// the caller staying connected.
func (o *Orchestrator) insertAndDeduplicate(ctx context.Context, out *outbox, r *models.Report, loc LocationResult) (*SubmitResult, error) {
	unlock := o.locks.LockAll(dedupKeys(r.Digests(), r.Geohash))
	defer unlock()

	if _, err := o.opts.Store.InsertReport(ctx, r); err != nil {
		return nil, err
	}
	result := &SubmitResult{ReportID: r.ID, Status: r.Status}

	ctx, cancel := detached(ctx)
	defer cancel()

	candidate, err := o.opts.Detector.Find(ctx, dedupQuery(r))
	if err != nil {
		// The report is stored; leave it pending so verification still runs.
		log.WithFields(log.Fields{"report_seq": r.Seq}).Errorf("duplicate detection failed: %v", err)
	}

	switch {
	case candidate != nil:
		if err := o.markDuplicate(ctx, out, r, candidate); err != nil {
			return nil, err
		}
		result.DuplicateOf = candidate.ExistingReportID
		result.MatchKind = candidate.MatchKind
		result.Similarity = candidate.Similarity
	case loc.Kind == Unresolved:
		detail := loc.Detail
		if detail == "" {
			detail = DetailGeocodingUnavailable
		}
		if _, err := o.transition(ctx, out, r, models.StatusFlagged, lifecycle.ActorSystem, actorSystem, detail, database.Patch{}); err != nil {
			return nil, err
		}
	}
	result.Status = r.Status
	return result, nil
}

func (o *Orchestrator) markDuplicate(ctx context.Context, out *outbox, r *models.Report, c *models.DuplicateCandidate) error {
	target := c.ExistingReportSeq
	if _, err := o.transition(ctx, out, r, models.StatusDuplicate, lifecycle.ActorSystem, actorSystem,
		duplicateDetail(c), database.Patch{DuplicateOf: &target}); err != nil {
		return err
	}
	r.DuplicateOf = &target
	return nil
}

func duplicateDetail(c *models.DuplicateCandidate) string {
	if c.MatchKind == models.MatchExact {
		return fmt.Sprintf("duplicate of %s (exact match)", c.ExistingReportID)
	}
	return fmt.Sprintf("duplicate of %s (perceptual match, similarity %.2f)", c.ExistingReportID, c.Similarity)
}

func submitErrorOutcome(err error) string {
	var (
		ie *fingerprint.InvalidImageError
		ce *geo.InvalidCoordinatesError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &ie):
		return "invalid_image"
	case errors.As(err, &ce):
		return "invalid_coordinates"
	case errors.As(err, &ve):
		return "invalid_request"
	}
	return "error"
}

// schedule queues verification of a report on the worker pool.
func (o *Orchestrator) schedule(seq int64) error {
	return o.opts.Pool.Submit(func(ctx context.Context) { o.runVerify(ctx, seq) })
}

// runVerify is the worker pool entry point.
func (o *Orchestrator) runVerify(ctx context.Context, seq int64) {
	if err := o.Verify(ctx, seq); err != nil {
		log.WithFields(log.Fields{"report_seq": seq}).Errorf("verification failed: %v", err)
	}
}

// Verify classifies a pending report and applies the outcome. Reports that
// are gone or no longer pending are left untouched. A pending report without
// a location has it resolved and checked for duplicates first.
func (o *Orchestrator) Verify(ctx context.Context, seq int64) error {
	var out outbox
	err := o.verify(ctx, &out, seq)
	o.flush(&out)
	return err
}

func (o *Orchestrator) verify(ctx context.Context, out *outbox, seq int64) error {
	start := time.Now()
	outcome := "noop"
	defer func() {
		metrics.VerificationDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	}()

	unlock := o.locks.Lock(fmt.Sprintf("report:%d", seq))
	defer unlock()

	logger := log.WithFields(log.Fields{"report_seq": seq})

	r, err := o.opts.Store.GetReportBySeq(ctx, seq)
	if errors.Is(err, database.ErrReportNotFound) {
		logger.Warn("report disappeared before verification")
		return nil
	}
	if err != nil {
		outcome = "error"
		return err
	}
	logger = logger.WithFields(log.Fields{"report_id": r.ID})

	if r.Status != models.StatusPendingVerification {
		o.revalidate(ctx, r)
		return nil
	}

	if !r.HasLocation() {
		settled, err := o.relocate(ctx, out, r)
		if err != nil {
			if staleResult(err) {
				logger.Warnf("report changed while resolving its location: %v", err)
				return nil
			}
			outcome = "error"
			return err
		}
		if settled {
			outcome = strings.ToLower(string(r.Status))
			return nil
		}
	}

	image, err := o.opts.Store.GetPrimaryImage(ctx, seq)
	if err != nil {
		outcome = "error"
		return err
	}

	var res *classifier.Result
	err = o.opts.ClassifierGuard.Call(ctx, func(ctx context.Context) error {
		var err error
		res, err = o.opts.Classifier.Classify(ctx, image, classifier.Context{
			Title:       r.Title,
			Description: r.Description,
			Category:    r.Category,
		})
		return err
	})

	var (
		to     models.Status
		detail string
		patch  database.Patch
	)
	switch {
	case err != nil:
		to = models.StatusFlagged
		detail = DetailClassificationUnavailable
		if !resilience.IsUnavailable(err) {
			detail = "classification failed: " + err.Error()
		}
		logger.Warnf("classification did not complete: %v", err)
	case res.IsValid:
		to = models.StatusVerified
		detail = fmt.Sprintf("verified by automated classifier (%s)", o.opts.Classifier.SourceName())
		valid, rationale, severity, category := true, res.Rationale, res.Severity, res.Category
		patch = database.Patch{AIValid: &valid, AIRationale: &rationale, Severity: &severity, Category: &category}
	default:
		to = models.StatusRejected
		detail = fmt.Sprintf("rejected by automated classifier (%s): %s", o.opts.Classifier.SourceName(), res.Rationale)
		valid, rationale := false, res.Rationale
		patch = database.Patch{AIValid: &valid, AIRationale: &rationale}
	}

	// The job deadline may be spent by the retries; the outcome still has to land.
	wctx, cancel := detached(ctx)
	defer cancel()

	// Deletion or an admin override may have happened while classifying.
	if _, terr := o.transition(wctx, out, r, to, lifecycle.ActorSystem, actorSystem, detail, patch); terr != nil {
		if staleResult(terr) {
			logger.Warnf("report changed during verification, dropping result: %v", terr)
			return nil
		}
		outcome = "error"
		o.requestReverify(out, r, DetailOutcomeNotStored)
		return terr
	}

	outcome = strings.ToLower(string(to))
	if to == models.StatusFlagged && resilience.IsUnavailable(err) {
		o.requestReverify(out, r, DetailClassificationUnavailable)
	}
	logger.WithFields(log.Fields{"status": to}).Info("verification complete")
	return nil
}

// staleResult reports whether err means the report moved on and the write
// that failed is no longer wanted.
func staleResult(err error) bool {
	if errors.Is(err, database.ErrReportNotFound) || errors.Is(err, database.ErrVersionConflict) ||
		errors.Is(err, lifecycle.ErrAlreadyApplied) {
		return true
	}
	var ise *lifecycle.InconsistentStateError
	var ite *lifecycle.InvalidTransitionError
	return errors.As(err, &ise) || errors.As(err, &ite)
}

// relocate resolves the location of a pending report that has none, for
// example one re-queued after geocoding was unavailable, and runs duplicate
// detection with it. It reports whether the report was settled as FLAGGED or
// DUPLICATE and needs no classification.
func (o *Orchestrator) relocate(ctx context.Context, out *outbox, r *models.Report) (bool, error) {
	sub := Submission{LocationText: r.LocationText, Latitude: r.ClientLatitude, Longitude: r.ClientLongitude}
	loc := o.opts.Locations.Resolve(ctx, &sub)

	var hash string
	if loc.Kind != Unresolved {
		var err error
		if hash, err = geo.Encode(loc.Lat, loc.Lng); err != nil {
			loc = LocationResult{Kind: Unresolved, Detail: err.Error()}
		}
	}

	wctx, cancel := detached(ctx)
	defer cancel()

	if loc.Kind == Unresolved {
		detail := loc.Detail
		if detail == "" {
			detail = DetailGeocodingUnavailable
		}
		if _, err := o.transition(wctx, out, r, models.StatusFlagged, lifecycle.ActorSystem, actorSystem, detail, database.Patch{}); err != nil {
			return true, err
		}
		if loc.Unavailable {
			o.requestReverify(out, r, DetailGeocodingUnavailable)
		}
		return true, nil
	}

	unlock := o.locks.LockAll(dedupKeys(r.Digests(), hash))
	defer unlock()

	lat, lng := loc.Lat, loc.Lng
	version, err := o.opts.Store.UpdateLocation(wctx, r.Seq, r.Version, lat, lng, hash)
	if err != nil {
		return true, err
	}
	r.Latitude, r.Longitude, r.Geohash, r.Version = &lat, &lng, hash, version
	log.WithFields(log.Fields{"report_seq": r.Seq, "location": loc.Kind.String(), "source": loc.Source}).
		Info("location resolved before verification")

	candidate, err := o.opts.Detector.Find(wctx, dedupQuery(r))
	if err != nil {
		log.WithFields(log.Fields{"report_seq": r.Seq}).Errorf("duplicate detection failed: %v", err)
		return false, nil
	}
	if candidate == nil {
		return false, nil
	}
	return true, o.markDuplicate(wctx, out, r, candidate)
}

// revalidate checks the stored timeline of a report that needs no work.
func (o *Orchestrator) revalidate(ctx context.Context, r *models.Report) {
	timeline, err := o.opts.Store.GetTimeline(ctx, r.Seq)
	if err != nil {
		log.WithFields(log.Fields{"report_seq": r.Seq}).Warnf("failed to load timeline: %v", err)
		return
	}
	if err := lifecycle.ValidateTimeline(r.Status, timeline); err != nil {
		log.WithFields(log.Fields{"report_seq": r.Seq, "status": r.Status}).Errorf("timeline inconsistent: %v", err)
	}
}

// transition applies a status change and queues the resulting event on out.
func (o *Orchestrator) transition(ctx context.Context, out *outbox, r *models.Report, to models.Status, kind lifecycle.ActorKind,
	actor, detail string, patch database.Patch) (*database.Applied, error) {
	applied, err := o.opts.Store.ApplyTransition(ctx, database.Transition{
		Seq:             r.Seq,
		To:              to,
		ExpectedVersion: r.Version,
		Actor:           actor,
		ActorKind:       kind,
		Detail:          detail,
		Patch:           patch,
	})
	if err != nil {
		return nil, err
	}
	r.Status = to
	r.Version = applied.Version
	r.UpdatedAt = applied.At
	if patch.Category != nil {
		r.Category = *patch.Category
	}
	if patch.Severity != nil {
		r.Severity = *patch.Severity
	}
	metrics.TransitionsTotal.WithLabelValues(string(to), kind.String()).Inc()

	event := models.ReportStatusEvent{
		ReportID:  r.ID,
		Seq:       r.Seq,
		Status:    to,
		Previous:  applied.From,
		Category:  r.Category,
		Severity:  r.Severity,
		Actor:     actor,
		Detail:    detail,
		Timestamp: applied.At,
	}
	if patch.DuplicateOf != nil {
		if id, err := o.opts.Store.GetReportID(ctx, *patch.DuplicateOf); err == nil {
			event.DuplicateOf = id
		}
	}
	out.add(o.opts.StatusRoutingKey, event)
	return applied, nil
}

func (o *Orchestrator) requestReverify(out *outbox, r *models.Report, reason string) {
	out.add(o.opts.FlaggedRoutingKey, models.ReverifyRequest{
		ReportID: r.ID,
		Reason:   reason,
		QueuedAt: o.now(),
	})
}

// outbox collects bus messages produced while locks are held; flush sends
// them after the locks are released.
type outbox struct {
	msgs []outgoing
}

type outgoing struct {
	routingKey string
	message    interface{}
}

func (b *outbox) add(routingKey string, message interface{}) {
	b.msgs = append(b.msgs, outgoing{routingKey: routingKey, message: message})
}

func (o *Orchestrator) flush(b *outbox) {
	for _, m := range b.msgs {
		o.publish(m.routingKey, m.message)
	}
	b.msgs = nil
}

// detached returns a context that outlives ctx's cancellation, bounded by commitTimeout.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
}

// publish is best effort; a broker outage never fails the pipeline.
func (o *Orchestrator) publish(routingKey string, message interface{}) {
	if o.opts.Publisher == nil || routingKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.opts.Publisher.Publish(ctx, routingKey, message); err != nil {
		log.WithFields(log.Fields{"routing_key": routingKey}).Warnf("failed to publish event: %v", err)
	}
}

// GetStatus returns the status and timeline of a report.
func (o *Orchestrator) GetStatus(ctx context.Context, id string) (*StatusView, error) {
	r, err := o.opts.Store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	timeline, err := o.opts.Store.GetTimeline(ctx, r.Seq)
	if err != nil {
		return nil, err
	}
	view := &StatusView{
		ReportID: r.ID,
		Status:   r.Status,
		Category: r.Category,
		Severity: r.Severity,
		Timeline: timeline,
	}
	if r.DuplicateOf != nil {
		if view.DuplicateOf, err = o.opts.Store.GetReportID(ctx, *r.DuplicateOf); err != nil {
			return nil, err
		}
	}
	return view, nil
}

// ForceTransition is the administrative override. Re-queueing a flagged
// report schedules verification again.
func (o *Orchestrator) ForceTransition(ctx context.Context, id string, to models.Status, actor, note string) (*TransitionResult, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, &ValidationError{Field: "actor", Reason: "actor is required"}
	}

	r, err := o.opts.Store.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(fmt.Sprintf("report:%d", r.Seq))
	r, err = o.opts.Store.GetReportBySeq(ctx, r.Seq)
	if err != nil {
		unlock()
		return nil, err
	}
	from := r.Status

	var out outbox
	_, err = o.transition(ctx, &out, r, to, lifecycle.ActorAdmin, actor, note, database.Patch{})
	unlock()
	o.flush(&out)
	if errors.Is(err, lifecycle.ErrAlreadyApplied) {
		return &TransitionResult{ReportID: id, From: from, Status: from, Changed: false}, nil
	}
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"report_id": id,
		"from":      from,
		"to":        to,
		"actor":     actor,
	}).Info("administrative transition applied")

	if to == models.StatusPendingVerification {
		if err := o.schedule(r.Seq); err != nil {
			log.WithFields(log.Fields{"report_id": id}).Warnf("could not schedule re-verification: %v", err)
			o.requestReverify(&out, r, DetailQueueFull)
			o.flush(&out)
		}
	}
	return &TransitionResult{ReportID: id, From: from, Status: to, Changed: true}, nil
}

// Reverify re-queues a flagged report, or schedules a pending one that has no
// run in flight. Other states are left alone.
func (o *Orchestrator) Reverify(ctx context.Context, id, reason string) error {
	r, err := o.opts.Store.GetReport(ctx, id)
	if err != nil {
		return err
	}
	switch r.Status {
	case models.StatusFlagged:
		note := "re-verification requested"
		if reason != "" {
			note += ": " + reason
		}
		_, err := o.ForceTransition(ctx, id, models.StatusPendingVerification, "scheduler", note)
		return err
	case models.StatusPendingVerification:
		return o.schedule(r.Seq)
	}
	log.WithFields(log.Fields{"report_id": id, "status": r.Status}).Info("re-verification skipped")
	return nil
}
