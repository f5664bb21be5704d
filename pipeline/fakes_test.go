package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"report-verify-pipeline/classifier"
	"report-verify-pipeline/database"
	"report-verify-pipeline/dedup"
	"report-verify-pipeline/lifecycle"
	"report-verify-pipeline/models"
	"report-verify-pipeline/resilience"
)

// memStore is an in-memory Store with the same transition rules as the
// database. Like database/sql, writes fail once their context is done.
type memStore struct {
	mu       sync.Mutex
	seq      int64
	reports  map[int64]*models.Report
	byID     map[string]int64
	timeline map[int64][]models.TimelineEntry

	// afterInsert runs once a report is stored.
	afterInsert func()
	// transitionErr, when set, fails every transition.
	transitionErr error
}

func newMemStore() *memStore {
	return &memStore{
		reports:  make(map[int64]*models.Report),
		byID:     make(map[string]int64),
		timeline: make(map[int64][]models.TimelineEntry),
	}
}

func (s *memStore) InsertReport(ctx context.Context, r *models.Report) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer func() {
		hook := s.afterInsert
		s.mu.Unlock()
		if hook != nil {
			hook()
		}
	}()
	s.seq++
	r.Seq = s.seq
	r.Version = 1
	if r.Status == "" {
		r.Status = models.StatusPendingVerification
	}
	stored := *r
	s.reports[r.Seq] = &stored
	s.byID[r.ID] = r.Seq
	s.timeline[r.Seq] = []models.TimelineEntry{{
		Event:     lifecycle.EventCreated,
		Timestamp: r.CreatedAt,
		Actor:     "system",
	}}
	return r.Seq, nil
}

func (s *memStore) sortedSeqs() []int64 {
	seqs := make([]int64, 0, len(s.reports))
	for seq := range s.reports {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs
}

func (s *memStore) FindByDigests(ctx context.Context, digests []string, beforeSeq int64) (*models.ReportRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(digests))
	for _, d := range digests {
		want[d] = true
	}
	for _, seq := range s.sortedSeqs() {
		if seq >= beforeSeq {
			break
		}
		for _, img := range s.reports[seq].Images {
			if want[img.Digest] {
				return &models.ReportRef{Seq: seq, ID: s.reports[seq].ID}, nil
			}
		}
	}
	return nil, nil
}

func (s *memStore) FindNearby(ctx context.Context, cells []string, category models.Category, since time.Time, beforeSeq int64) ([]models.NearbyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inCell := make(map[string]bool, len(cells))
	for _, c := range cells {
		inCell[c] = true
	}
	var out []models.NearbyReport
	for _, seq := range s.sortedSeqs() {
		r := s.reports[seq]
		if seq >= beforeSeq || r.Status == models.StatusDuplicate || !inCell[r.Geohash] ||
			r.Category != category || r.CreatedAt.Before(since) {
			continue
		}
		out = append(out, models.NearbyReport{
			Seq:       seq,
			ID:        r.ID,
			PHash:     r.PrimaryImage().PHash,
			Latitude:  *r.Latitude,
			Longitude: *r.Longitude,
			CreatedAt: r.CreatedAt,
		})
	}
	return out, nil
}

func (s *memStore) GetReport(ctx context.Context, id string) (*models.Report, error) {
	s.mu.Lock()
	seq, ok := s.byID[id]
	s.mu.Unlock()
	if !ok {
		return nil, database.ErrReportNotFound
	}
	return s.GetReportBySeq(ctx, seq)
}

func (s *memStore) GetReportBySeq(ctx context.Context, seq int64) (*models.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[seq]
	if !ok {
		return nil, database.ErrReportNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) GetReportID(ctx context.Context, seq int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[seq]
	if !ok {
		return "", database.ErrReportNotFound
	}
	return r.ID, nil
}

func (s *memStore) GetTimeline(ctx context.Context, seq int64) ([]models.TimelineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TimelineEntry(nil), s.timeline[seq]...), nil
}

func (s *memStore) GetPrimaryImage(ctx context.Context, seq int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[seq]
	if !ok || r.PrimaryImage() == nil {
		return nil, database.ErrReportNotFound
	}
	return r.PrimaryImage().Data, nil
}

func (s *memStore) ApplyTransition(ctx context.Context, t database.Transition) (*database.Applied, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transitionErr != nil {
		return nil, s.transitionErr
	}
	r, ok := s.reports[t.Seq]
	if !ok {
		return nil, database.ErrReportNotFound
	}
	if err := lifecycle.Check(r.Status, t.To, t.ActorKind); err != nil {
		return nil, err
	}
	if t.ExpectedVersion != 0 && t.ExpectedVersion != r.Version {
		return nil, database.ErrVersionConflict
	}
	from := r.Status
	now := time.Now().UTC()
	r.Status = t.To
	r.Version++
	r.UpdatedAt = now
	if t.Patch.DuplicateOf != nil {
		r.DuplicateOf = t.Patch.DuplicateOf
	}
	if t.Patch.AIValid != nil {
		r.AIValid = t.Patch.AIValid
	}
	if t.Patch.AIRationale != nil {
		r.AIRationale = *t.Patch.AIRationale
	}
	if t.Patch.Category != nil {
		r.Category = *t.Patch.Category
	}
	if t.Patch.Severity != nil {
		r.Severity = *t.Patch.Severity
	}
	s.timeline[t.Seq] = append(s.timeline[t.Seq], models.TimelineEntry{
		Event:     lifecycle.Event(t.To),
		Timestamp: now,
		Actor:     t.Actor,
		Detail:    t.Detail,
	})
	return &database.Applied{From: from, To: t.To, Version: r.Version, At: now}, nil
}

func (s *memStore) UpdateLocation(ctx context.Context, seq, expectedVersion int64, lat, lng float64, hash string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[seq]
	if !ok {
		return 0, database.ErrReportNotFound
	}
	if r.Version != expectedVersion {
		return 0, database.ErrVersionConflict
	}
	r.Latitude, r.Longitude, r.Geohash = &lat, &lng, hash
	r.Version++
	return r.Version, nil
}

func (s *memStore) setTransitionErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitionErr = err
}

func transitionTo(seq int64, to models.Status) database.Transition {
	return database.Transition{Seq: seq, To: to, Actor: "ops", ActorKind: lifecycle.ActorAdmin, Detail: "manual"}
}

// remove simulates a report deleted behind the pipeline's back.
func (s *memStore) remove(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, s.reports[seq].ID)
	delete(s.reports, seq)
}

type published struct {
	key     string
	message interface{}
}

type fakePublisher struct {
	mu   sync.Mutex
	sent []published
}

func (p *fakePublisher) Publish(ctx context.Context, routingKey string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, published{key: routingKey, message: message})
	return nil
}

func (p *fakePublisher) byKey(key string) []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []interface{}
	for _, m := range p.sent {
		if m.key == key {
			out = append(out, m.message)
		}
	}
	return out
}

// gatedPublisher holds its first Publish until release is closed.
type gatedPublisher struct {
	fakePublisher
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedPublisher() *gatedPublisher {
	return &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
}

func (p *gatedPublisher) Publish(ctx context.Context, routingKey string, message interface{}) error {
	p.once.Do(func() {
		close(p.entered)
		<-p.release
	})
	return p.fakePublisher.Publish(ctx, routingKey, message)
}

type fakeGeocoder struct {
	calls int32
	lat   float64
	lng   float64
	err   error
}

func (g *fakeGeocoder) Resolve(ctx context.Context, text string) (float64, float64, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.err != nil {
		return 0, 0, g.err
	}
	return g.lat, g.lng, nil
}

func (g *fakeGeocoder) Calls() int {
	return int(atomic.LoadInt32(&g.calls))
}

type fakeClassifier struct {
	calls int32
	fn    func(ctx context.Context, call int) (*classifier.Result, error)
}

func (c *fakeClassifier) Classify(ctx context.Context, image []byte, hint classifier.Context) (*classifier.Result, error) {
	n := atomic.AddInt32(&c.calls, 1)
	return c.fn(ctx, int(n))
}

func (c *fakeClassifier) SourceName() string { return "fake" }

func (c *fakeClassifier) Calls() int {
	return int(atomic.LoadInt32(&c.calls))
}

func validResult(category models.Category, severity int) func(context.Context, int) (*classifier.Result, error) {
	return func(context.Context, int) (*classifier.Result, error) {
		return &classifier.Result{IsValid: true, Category: category, Severity: severity, Rationale: "pothole visible"}, nil
	}
}

var testWindows = map[string]time.Duration{
	"road-damage": 24 * time.Hour,
	"lighting":    24 * time.Hour,
	"water":       24 * time.Hour,
	"sanitation":  2 * time.Hour,
	"other":       2 * time.Hour,
}

type harness struct {
	store      *memStore
	publisher  *fakePublisher
	geocoder   *fakeGeocoder
	classifier *fakeClassifier
	geoGuard   *resilience.Guard
	pool       *WorkerPool
	orch       *Orchestrator
}

type harnessOptions struct {
	geocoder      *fakeGeocoder
	classifier    *fakeClassifier
	geoThreshold  int
	geoRetry      resilience.RetryConfig
	classifyRetry resilience.RetryConfig
	fetcher       fetcherFunc
	// verifyTimeout bounds each verification job; zero means 5s.
	verifyTimeout time.Duration
	// publisher replaces the recording publisher on the orchestrator.
	publisher Publisher
}

type fetcherFunc func(ctx context.Context, ref string) ([]byte, error)

func (f fetcherFunc) Fetch(ctx context.Context, ref string) ([]byte, error) { return f(ctx, ref) }

func newHarness(t *testing.T, o harnessOptions) *harness {
	t.Helper()
	if o.geocoder == nil {
		o.geocoder = &fakeGeocoder{lat: 12.9, lng: 77.6}
	}
	if o.classifier == nil {
		o.classifier = &fakeClassifier{fn: validResult(models.CategoryRoadDamage, 8)}
	}
	if o.geoThreshold == 0 {
		o.geoThreshold = 5
	}

	geoGuard := resilience.NewGuard(resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "geocoder",
		FailureThreshold: o.geoThreshold,
		Window:           time.Minute,
		CoolDown:         time.Minute,
	}), o.geoRetry)
	classifyGuard := resilience.NewGuard(resilience.NewBreaker(resilience.BreakerConfig{
		Name:             "classifier",
		FailureThreshold: 50,
		Window:           time.Minute,
		CoolDown:         time.Minute,
	}), o.classifyRetry)

	if o.verifyTimeout == 0 {
		o.verifyTimeout = 5 * time.Second
	}

	store := newMemStore()
	pub := &fakePublisher{}
	pool := NewWorkerPool(2, 16, o.verifyTimeout)
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	opts := Options{
		Store:             store,
		Detector:          dedup.NewDetector(store, dedup.DefaultThreshold, testWindows),
		Locations:         DefaultLocationChain(o.geocoder, geoGuard),
		Classifier:        o.classifier,
		ClassifierGuard:   classifyGuard,
		Pool:              pool,
		Publisher:         pub,
		StatusRoutingKey:  "report.status",
		FlaggedRoutingKey: "report.flagged",
	}
	if o.fetcher != nil {
		opts.Fetcher = o.fetcher
	}
	if o.publisher != nil {
		opts.Publisher = o.publisher
	}
	return &harness{
		store:      store,
		publisher:  pub,
		geocoder:   o.geocoder,
		classifier: o.classifier,
		geoGuard:   geoGuard,
		pool:       pool,
		orch:       NewOrchestrator(opts),
	}
}

func (h *harness) timeline(t *testing.T, id string) []models.TimelineEntry {
	t.Helper()
	view, err := h.orch.GetStatus(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStatus(%s): %v", id, err)
	}
	return view.Timeline
}

func events(timeline []models.TimelineEntry) []string {
	out := make([]string, len(timeline))
	for i, e := range timeline {
		out[i] = e.Event
	}
	return out
}

// sceneImage draws a 9x8 grid of flat cells whose neighbouring intensities
// always differ by at least 25 levels, so its difference hash is stable.
func sceneImage(seed int) *image.Gray {
	const cell = 32
	img := image.NewGray(image.Rect(0, 0, 9*cell, 8*cell))
	for y := 0; y < 8*cell; y++ {
		for x := 0; x < 9*cell; x++ {
			cx, cy := x/cell, y/cell
			v := 40 + 25*((7*cx+3*cy+seed)%8)
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return img
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

func jpegBytes(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		t.Fatalf("jpeg encode: %v", err)
	}
	return buf.Bytes()
}

// bandImage draws eight horizontal bands, each a left-to-right ramp that
// rises or falls with one bit of pattern. Its difference hash survives
// small crops.
func bandImage(pattern uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, 288, 256))
	for y := 0; y < 256; y++ {
		rising := pattern&(1<<uint(y/32)) != 0
		for x := 0; x < 288; x++ {
			v := 30 + x*195/287
			if !rising {
				v = 225 - x*195/287
			}
			img.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return img
}

// cropImage trims margin pixels from every side.
func cropImage(img *image.Gray, margin int) image.Image {
	b := img.Bounds()
	return img.SubImage(image.Rect(b.Min.X+margin, b.Min.Y+margin, b.Max.X-margin, b.Max.Y-margin))
}

// uniqueImage returns a PNG whose bytes differ for every n.
func uniqueImage(t *testing.T, n int) []byte {
	t.Helper()
	img := sceneImage(n % 8)
	img.SetGray(0, 0, color.Gray{Y: uint8(n)})
	img.SetGray(1, 0, color.Gray{Y: uint8(n >> 8)})
	return pngBytes(t, img)
}

func floatPtr(v float64) *float64 { return &v }

var errConnRefused = errors.New("dial tcp: connection refused")
