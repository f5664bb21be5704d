package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"report-verify-pipeline/config"
	"report-verify-pipeline/fingerprint"
	"report-verify-pipeline/geo"
	"report-verify-pipeline/lifecycle"
	"report-verify-pipeline/models"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"
)

var (
	// ErrReportNotFound is returned when no report matches the lookup key.
	ErrReportNotFound = errors.New("report not found")
	// ErrVersionConflict is returned when a report changed since it was read.
	ErrVersionConflict = errors.New("report version conflict")
)

// Database represents the database connection
type Database struct {
	db  *sql.DB
	now func() time.Time
}

// NewDatabase creates a new database connection
func NewDatabase(cfg *config.Config) (*Database, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?parseTime=true",
		cfg.DBUser, cfg.DBPassword, cfg.DBHost, cfg.DBPort, cfg.DBName)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection with exponential backoff retry
	waitInterval := 1 * time.Second
	for {
		if err := db.Ping(); err == nil {
			break
		}
		log.Warnf("Database connection failed, retrying in %v: %v", waitInterval, err)
		time.Sleep(waitInterval)
		if waitInterval < 30*time.Second {
			waitInterval *= 2
		}
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return New(db), nil
}

// New wraps an open connection.
func New(db *sql.DB) *Database {
	return &Database{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// CreateTables creates the pipeline tables if they don't exist
func (d *Database) CreateTables() error {
	statements := []struct {
		name  string
		query string
	}{
		{"reports", `
	CREATE TABLE IF NOT EXISTS reports (
		seq BIGINT NOT NULL AUTO_INCREMENT,
		id CHAR(36) NOT NULL,
		title VARCHAR(500) NOT NULL DEFAULT '',
		description TEXT,
		location_text VARCHAR(500) NOT NULL DEFAULT '',
		client_latitude DOUBLE NULL,
		client_longitude DOUBLE NULL,
		latitude DOUBLE NULL,
		longitude DOUBLE NULL,
		geohash CHAR(7) NOT NULL DEFAULT '',
		geohash5 CHAR(5) NOT NULL DEFAULT '',
		category VARCHAR(32) NOT NULL,
		severity INT NOT NULL DEFAULT 0,
		ai_valid BOOLEAN NULL,
		ai_rationale TEXT,
		status VARCHAR(32) NOT NULL,
		duplicate_of BIGINT NULL,
		reporter_id VARCHAR(255) NULL,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP(6) NOT NULL,
		updated_at TIMESTAMP(6) NOT NULL,
		PRIMARY KEY (seq),
		UNIQUE INDEX idx_reports_id (id),
		INDEX idx_reports_cell (geohash, category, created_at),
		INDEX idx_reports_geohash5 (geohash5),
		INDEX idx_reports_status (status)
	)`},
		{"report_images", `
	CREATE TABLE IF NOT EXISTS report_images (
		report_seq BIGINT NOT NULL,
		idx INT NOT NULL,
		digest CHAR(64) NOT NULL,
		phash CHAR(16) NOT NULL,
		url VARCHAR(1000) NOT NULL DEFAULT '',
		image LONGBLOB,
		PRIMARY KEY (report_seq, idx),
		INDEX idx_report_images_digest (digest)
	)`},
		{"report_timeline", `
	CREATE TABLE IF NOT EXISTS report_timeline (
		id BIGINT NOT NULL AUTO_INCREMENT,
		report_seq BIGINT NOT NULL,
		event VARCHAR(32) NOT NULL,
		actor VARCHAR(255) NOT NULL,
		detail TEXT,
		created_at TIMESTAMP(6) NOT NULL,
		PRIMARY KEY (id),
		INDEX idx_report_timeline_seq (report_seq)
	)`},
	}

	for _, s := range statements {
		if _, err := d.db.Exec(s.query); err != nil {
			return fmt.Errorf("failed to create %s table: %w", s.name, err)
		}
		log.Infof("%s table created/verified successfully", s.name)
	}
	return nil
}

// InsertReport stores a new report with its images and the "created"
// timeline entry in one transaction. It sets r.Seq and r.Version.
func (d *Database) InsertReport(ctx context.Context, r *models.Report) (int64, error) {
	now := d.now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = r.CreatedAt
	if r.Status == "" {
		r.Status = models.StatusPendingVerification
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `INSERT INTO reports
		(id, title, description, location_text, client_latitude, client_longitude,
		 latitude, longitude, geohash, geohash5, category, status, reporter_id, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		r.ID, r.Title, r.Description, r.LocationText,
		nullFloat(r.ClientLatitude), nullFloat(r.ClientLongitude),
		nullFloat(r.Latitude), nullFloat(r.Longitude),
		r.Geohash, geo.Coarse(r.Geohash), string(r.Category), string(r.Status),
		nullString(r.ReporterID), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to insert report: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read report seq: %w", err)
	}

	for _, img := range r.Images {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO report_images (report_seq, idx, digest, phash, url, image) VALUES (?, ?, ?, ?, ?, ?)`,
			seq, img.Index, img.Digest, fingerprint.FormatPHash(img.PHash), img.URL, img.Data); err != nil {
			return 0, fmt.Errorf("failed to insert image %d: %w", img.Index, err)
		}
	}

	if err := insertTimeline(ctx, tx, seq, lifecycle.EventCreated, "system", "", r.CreatedAt); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit report: %w", err)
	}

	r.Seq = seq
	r.Version = 1
	return seq, nil
}

// FindByDigests returns the earliest report with seq < beforeSeq that owns
// any of the digests.
func (d *Database) FindByDigests(ctx context.Context, digests []string, beforeSeq int64) (*models.ReportRef, error) {
	if len(digests) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(digests)+1)
	for _, dg := range digests {
		args = append(args, dg)
	}
	args = append(args, beforeSeq)

	query := fmt.Sprintf(`SELECT r.seq, r.id FROM report_images i
		JOIN reports r ON r.seq = i.report_seq
		WHERE i.digest IN (%s) AND r.seq < ?
		ORDER BY r.seq ASC LIMIT 1`, placeholders(len(digests)))

	var ref models.ReportRef
	err := d.db.QueryRowContext(ctx, query, args...).Scan(&ref.Seq, &ref.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query digests: %w", err)
	}
	return &ref, nil
}

// FindNearby returns non-duplicate reports in the given precision-7 cells
// with the category, created at or after since and with seq < beforeSeq.
func (d *Database) FindNearby(ctx context.Context, cells []string, category models.Category, since time.Time, beforeSeq int64) ([]models.NearbyReport, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(cells)+4)
	for _, c := range cells {
		args = append(args, c)
	}
	args = append(args, string(category), since, beforeSeq, string(models.StatusDuplicate))

	query := fmt.Sprintf(`SELECT r.seq, r.id, i.phash, r.latitude, r.longitude, r.created_at
		FROM reports r
		JOIN report_images i ON i.report_seq = r.seq AND i.idx = 0
		WHERE r.geohash IN (%s) AND r.category = ? AND r.created_at >= ? AND r.seq < ? AND r.status <> ?
		ORDER BY r.seq ASC`, placeholders(len(cells)))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query nearby reports: %w", err)
	}
	defer rows.Close()

	var out []models.NearbyReport
	for rows.Next() {
		var (
			n     models.NearbyReport
			phash string
		)
		if err := rows.Scan(&n.Seq, &n.ID, &phash, &n.Latitude, &n.Longitude, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan nearby report: %w", err)
		}
		if n.PHash, err = fingerprint.ParsePHash(phash); err != nil {
			log.WithFields(log.Fields{"report_seq": n.Seq}).Warnf("Skipping report with corrupt phash: %v", err)
			continue
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

const reportColumns = `seq, id, title, description, location_text, client_latitude, client_longitude,
	latitude, longitude, geohash, category, severity, ai_valid, ai_rationale, status,
	duplicate_of, reporter_id, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(s rowScanner) (*models.Report, error) {
	var (
		r                      models.Report
		description, rationale sql.NullString
		clientLat, clientLng   sql.NullFloat64
		lat, lng               sql.NullFloat64
		aiValid                sql.NullBool
		duplicateOf            sql.NullInt64
		reporterID             sql.NullString
		category, status       string
	)
	err := s.Scan(&r.Seq, &r.ID, &r.Title, &description, &r.LocationText, &clientLat, &clientLng,
		&lat, &lng, &r.Geohash, &category, &r.Severity, &aiValid, &rationale, &status,
		&duplicateOf, &reporterID, &r.Version, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Description = description.String
	r.AIRationale = rationale.String
	r.Category = models.Category(category)
	r.Status = models.Status(status)
	r.ClientLatitude = floatPtr(clientLat)
	r.ClientLongitude = floatPtr(clientLng)
	r.Latitude = floatPtr(lat)
	r.Longitude = floatPtr(lng)
	if aiValid.Valid {
		v := aiValid.Bool
		r.AIValid = &v
	}
	if duplicateOf.Valid {
		v := duplicateOf.Int64
		r.DuplicateOf = &v
	}
	if reporterID.Valid {
		v := reporterID.String
		r.ReporterID = &v
	}
	return &r, nil
}

// GetReport loads a report by its external id.
func (d *Database) GetReport(ctx context.Context, id string) (*models.Report, error) {
	r, err := scanReport(d.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report %s: %w", id, err)
	}
	return r, nil
}

// GetReportBySeq loads a report by its internal sequence number.
func (d *Database) GetReportBySeq(ctx context.Context, seq int64) (*models.Report, error) {
	r, err := scanReport(d.db.QueryRowContext(ctx, `SELECT `+reportColumns+` FROM reports WHERE seq = ?`, seq))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report %d: %w", seq, err)
	}
	return r, nil
}

// GetReportID resolves a seq to the external id.
func (d *Database) GetReportID(ctx context.Context, seq int64) (string, error) {
	var id string
	err := d.db.QueryRowContext(ctx, `SELECT id FROM reports WHERE seq = ?`, seq).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrReportNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get report id %d: %w", seq, err)
	}
	return id, nil
}

// GetTimeline returns the timeline of a report in insertion order.
func (d *Database) GetTimeline(ctx context.Context, seq int64) ([]models.TimelineEntry, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT event, actor, detail, created_at FROM report_timeline WHERE report_seq = ? ORDER BY id ASC`, seq)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	var out []models.TimelineEntry
	for rows.Next() {
		var (
			e      models.TimelineEntry
			detail sql.NullString
		)
		if err := rows.Scan(&e.Event, &e.Actor, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan timeline entry: %w", err)
		}
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetPrimaryImage returns the stored bytes of the primary image.
func (d *Database) GetPrimaryImage(ctx context.Context, seq int64) ([]byte, error) {
	var data []byte
	err := d.db.QueryRowContext(ctx,
		`SELECT image FROM report_images WHERE report_seq = ? ORDER BY idx ASC LIMIT 1`, seq).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get primary image: %w", err)
	}
	return data, nil
}

// Patch holds report fields written together with a status change.
type Patch struct {
	DuplicateOf *int64
	AIValid     *bool
	AIRationale *string
	Category    *models.Category
	Severity    *int
}

// Transition describes one status change.
type Transition struct {
	Seq             int64
	To              models.Status
	ExpectedVersion int64 // checked when non-zero
	Actor           string
	ActorKind       lifecycle.ActorKind
	Detail          string
	Patch           Patch
}

// Applied is the result of a successful transition.
type Applied struct {
	From    models.Status
	To      models.Status
	Version int64
	At      time.Time
}

// ApplyTransition moves a report to a new status and appends the timeline
// entry atomically. It returns lifecycle.ErrAlreadyApplied without writing
// anything when the report is already in the target state.
func (d *Database) ApplyTransition(ctx context.Context, t Transition) (*Applied, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		status  string
		version int64
	)
	err = tx.QueryRowContext(ctx, `SELECT status, version FROM reports WHERE seq = ? FOR UPDATE`, t.Seq).
		Scan(&status, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReportNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock report %d: %w", t.Seq, err)
	}

	from := models.Status(status)
	if err := lifecycle.Check(from, t.To, t.ActorKind); err != nil {
		return nil, err
	}
	if t.ExpectedVersion != 0 && t.ExpectedVersion != version {
		return nil, ErrVersionConflict
	}

	now := d.now()
	sets := []string{"status = ?", "version = version + 1", "updated_at = ?"}
	args := []interface{}{string(t.To), now}
	if t.Patch.DuplicateOf != nil {
		sets = append(sets, "duplicate_of = ?")
		args = append(args, *t.Patch.DuplicateOf)
	}
	if t.Patch.AIValid != nil {
		sets = append(sets, "ai_valid = ?")
		args = append(args, *t.Patch.AIValid)
	}
	if t.Patch.AIRationale != nil {
		sets = append(sets, "ai_rationale = ?")
		args = append(args, *t.Patch.AIRationale)
	}
	if t.Patch.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, string(*t.Patch.Category))
	}
	if t.Patch.Severity != nil {
		sets = append(sets, "severity = ?")
		args = append(args, *t.Patch.Severity)
	}
	args = append(args, t.Seq, version)

	res, err := tx.ExecContext(ctx,
		`UPDATE reports SET `+strings.Join(sets, ", ")+` WHERE seq = ? AND version = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update report %d: %w", t.Seq, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrVersionConflict
	}

	if err := insertTimeline(ctx, tx, t.Seq, lifecycle.Event(t.To), t.Actor, t.Detail, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return &Applied{From: from, To: t.To, Version: version + 1, At: now}, nil
}

// UpdateLocation stores coordinates resolved after submission. It only
// applies to the expected version and returns the new one.
func (d *Database) UpdateLocation(ctx context.Context, seq, expectedVersion int64, lat, lng float64, hash string) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`UPDATE reports SET latitude = ?, longitude = ?, geohash = ?, geohash5 = ?, version = version + 1, updated_at = ?
		 WHERE seq = ? AND version = ?`,
		lat, lng, hash, geo.Coarse(hash), d.now(), seq, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to update location of report %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to update location of report %d: %w", seq, err)
	}
	if n == 0 {
		if _, err := d.GetReportID(ctx, seq); errors.Is(err, ErrReportNotFound) {
			return 0, ErrReportNotFound
		}
		return 0, ErrVersionConflict
	}
	return expectedVersion + 1, nil
}

// ListFlagged returns the oldest flagged reports.
func (d *Database) ListFlagged(ctx context.Context, limit int) ([]models.ReportRef, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT seq, id FROM reports WHERE status = ? ORDER BY updated_at ASC LIMIT ?`,
		string(models.StatusFlagged), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged reports: %w", err)
	}
	defer rows.Close()

	var out []models.ReportRef
	for rows.Next() {
		var ref models.ReportRef
		if err := rows.Scan(&ref.Seq, &ref.ID); err != nil {
			return nil, fmt.Errorf("failed to scan flagged report: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// Hotspot is the number of public reports in one precision-5 cell.
type Hotspot struct {
	Cell  string
	Count int
}

// Hotspots counts verified and in-progress reports per precision-5 cell.
func (d *Database) Hotspots(ctx context.Context, since time.Time, minCount int) ([]Hotspot, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT geohash5, COUNT(*) AS cnt FROM reports
		WHERE status IN (?, ?) AND created_at >= ? AND geohash5 <> ''
		GROUP BY geohash5 HAVING cnt >= ? ORDER BY cnt DESC`,
		string(models.StatusVerified), string(models.StatusInProgress), since, minCount)
	if err != nil {
		return nil, fmt.Errorf("failed to query hotspots: %w", err)
	}
	defer rows.Close()

	var out []Hotspot
	for rows.Next() {
		var h Hotspot
		if err := rows.Scan(&h.Cell, &h.Count); err != nil {
			return nil, fmt.Errorf("failed to scan hotspot: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func insertTimeline(ctx context.Context, tx *sql.Tx, seq int64, event, actor, detail string, at time.Time) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO report_timeline (report_seq, event, actor, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		seq, event, actor, detail, at); err != nil {
		return fmt.Errorf("failed to append timeline entry: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
