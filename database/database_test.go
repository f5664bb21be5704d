package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"report-verify-pipeline/lifecycle"
	"report-verify-pipeline/models"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
	d    *Database

	fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func setUp() {
	db, mock, _ = sqlmock.New()
	d = New(db)
	d.now = func() time.Time { return fixedNow }
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

var reportCols = []string{"seq", "id", "title", "description", "location_text", "client_latitude", "client_longitude",
	"latitude", "longitude", "geohash", "category", "severity", "ai_valid", "ai_rationale", "status",
	"duplicate_of", "reporter_id", "version", "created_at", "updated_at"}

func TestCreateTables(t *testing.T) {
	it(func() {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS reports").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS report_images").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS report_timeline").WillReturnResult(sqlmock.NewResult(0, 0))

		if err := d.CreateTables(); err != nil {
			t.Fatalf("CreateTables: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestInsertReport(t *testing.T) {
	it(func() {
		lat, lng := 12.9, 77.6
		r := &models.Report{
			ID:        "c7a4e0a2-0000-4000-8000-000000000001",
			Title:     "Pothole",
			Latitude:  &lat,
			Longitude: &lng,
			Geohash:   "tdr1wxy",
			Category:  models.CategoryRoadDamage,
			Images: []models.ReportImage{
				{Index: 0, Digest: "d0", PHash: 0xff},
				{Index: 1, Digest: "d1", PHash: 0x1},
			},
		}

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO reports").
			WithArgs(r.ID, "Pothole", "", "", nil, nil, lat, lng, "tdr1wxy", "tdr1w", "road-damage",
				"PENDING_VERIFICATION", nil, fixedNow, fixedNow).
			WillReturnResult(sqlmock.NewResult(42, 1))
		mock.ExpectExec("INSERT INTO report_images").
			WithArgs(42, 0, "d0", "00000000000000ff", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO report_images").
			WithArgs(42, 1, "d1", "0000000000000001", "", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO report_timeline").
			WithArgs(42, "created", "system", "", fixedNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		seq, err := d.InsertReport(context.Background(), r)
		if err != nil {
			t.Fatalf("InsertReport: %v", err)
		}
		if seq != 42 || r.Seq != 42 || r.Version != 1 || r.Status != models.StatusPendingVerification {
			t.Errorf("report after insert = seq %d version %d status %s", r.Seq, r.Version, r.Status)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestInsertReportRollsBackOnImageFailure(t *testing.T) {
	it(func() {
		r := &models.Report{ID: "x", Category: models.CategoryOther, Images: []models.ReportImage{{Digest: "d0"}}}

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO reports").WillReturnResult(sqlmock.NewResult(5, 1))
		mock.ExpectExec("INSERT INTO report_images").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		if _, err := d.InsertReport(context.Background(), r); err == nil {
			t.Fatal("expected error")
		}
		if r.Seq != 0 {
			t.Errorf("seq set on failed insert: %d", r.Seq)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestFindByDigests(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT r.seq, r.id FROM report_images i").
			WithArgs("a", "b", 10).
			WillReturnRows(sqlmock.NewRows([]string{"seq", "id"}).AddRow(3, "r3"))

		ref, err := d.FindByDigests(context.Background(), []string{"a", "b"}, 10)
		if err != nil {
			t.Fatalf("FindByDigests: %v", err)
		}
		if ref == nil || ref.Seq != 3 || ref.ID != "r3" {
			t.Errorf("ref = %+v", ref)
		}

		mock.ExpectQuery("SELECT r.seq, r.id FROM report_images i").
			WithArgs("c", 10).
			WillReturnRows(sqlmock.NewRows([]string{"seq", "id"}))
		ref, err = d.FindByDigests(context.Background(), []string{"c"}, 10)
		if err != nil || ref != nil {
			t.Errorf("no match: ref = %+v err = %v", ref, err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestFindNearby(t *testing.T) {
	it(func() {
		since := fixedNow.Add(-2 * time.Hour)
		mock.ExpectQuery("SELECT r.seq, r.id, i.phash").
			WithArgs("c1", "c2", "sanitation", since, 9, "DUPLICATE").
			WillReturnRows(sqlmock.NewRows([]string{"seq", "id", "phash", "latitude", "longitude", "created_at"}).
				AddRow(2, "r2", "000000000000000f", 1.0, 2.0, fixedNow).
				AddRow(4, "r4", "not-hex", 1.0, 2.0, fixedNow))

		got, err := d.FindNearby(context.Background(), []string{"c1", "c2"}, models.CategorySanitation, since, 9)
		if err != nil {
			t.Fatalf("FindNearby: %v", err)
		}
		if len(got) != 1 || got[0].ID != "r2" || got[0].PHash != 0xf {
			t.Errorf("nearby = %+v", got)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestGetReport(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT (.+) FROM reports WHERE id = ?").
			WithArgs("r1").
			WillReturnRows(sqlmock.NewRows(reportCols).AddRow(
				1, "r1", "t", nil, "", nil, nil, 1.5, 2.5, "abcdefg", "water", 4, true, "leak",
				"DUPLICATE", 7, nil, 3, fixedNow, fixedNow))

		r, err := d.GetReport(context.Background(), "r1")
		if err != nil {
			t.Fatalf("GetReport: %v", err)
		}
		if r.Status != models.StatusDuplicate || r.DuplicateOf == nil || *r.DuplicateOf != 7 {
			t.Errorf("report = %+v", r)
		}
		if r.Latitude == nil || *r.Latitude != 1.5 || r.ClientLatitude != nil || r.ReporterID != nil {
			t.Errorf("nullable fields = %+v", r)
		}
		if r.AIValid == nil || !*r.AIValid || r.Version != 3 {
			t.Errorf("ai fields = %+v", r)
		}

		mock.ExpectQuery("SELECT (.+) FROM reports WHERE id = ?").
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows(reportCols))
		if _, err := d.GetReport(context.Background(), "missing"); !errors.Is(err, ErrReportNotFound) {
			t.Errorf("err = %v, want ErrReportNotFound", err)
		}
	})
}

func TestGetTimeline(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT event, actor, detail, created_at FROM report_timeline").
			WithArgs(5).
			WillReturnRows(sqlmock.NewRows([]string{"event", "actor", "detail", "created_at"}).
				AddRow("created", "system", nil, fixedNow).
				AddRow("verified", "system", "ok", fixedNow.Add(time.Second)))

		tl, err := d.GetTimeline(context.Background(), 5)
		if err != nil {
			t.Fatalf("GetTimeline: %v", err)
		}
		if len(tl) != 2 || tl[0].Event != "created" || tl[1].Detail != "ok" {
			t.Errorf("timeline = %+v", tl)
		}
	})
}

func TestApplyTransition(t *testing.T) {
	valid := true
	rationale := "clear pothole"
	severity := 6

	tests := []struct {
		name        string
		current     string
		version     int64
		transition  Transition
		expectWrite bool
		wantErr     error
		wantErrType interface{}
	}{
		{
			name:    "pending to verified",
			current: "PENDING_VERIFICATION",
			version: 1,
			transition: Transition{Seq: 7, To: models.StatusVerified, ExpectedVersion: 1, Actor: "system",
				Patch: Patch{AIValid: &valid, AIRationale: &rationale, Severity: &severity}},
			expectWrite: true,
		},
		{
			name:       "already applied",
			current:    "VERIFIED",
			version:    2,
			transition: Transition{Seq: 7, To: models.StatusVerified, Actor: "system"},
			wantErr:    lifecycle.ErrAlreadyApplied,
		},
		{
			name:       "stale version",
			current:    "PENDING_VERIFICATION",
			version:    4,
			transition: Transition{Seq: 7, To: models.StatusFlagged, ExpectedVersion: 3, Actor: "system"},
			wantErr:    ErrVersionConflict,
		},
		{
			name:        "terminal state",
			current:     "DUPLICATE",
			version:     2,
			transition:  Transition{Seq: 7, To: models.StatusVerified, Actor: "system"},
			wantErrType: &lifecycle.InconsistentStateError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it(func() {
				mock.ExpectBegin()
				mock.ExpectQuery("SELECT status, version FROM reports WHERE seq = \\? FOR UPDATE").
					WithArgs(7).
					WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow(tt.current, tt.version))
				if tt.expectWrite {
					mock.ExpectExec("UPDATE reports SET status = \\?, version = version \\+ 1").
						WithArgs("VERIFIED", fixedNow, true, "clear pothole", 6, 7, tt.version).
						WillReturnResult(sqlmock.NewResult(0, 1))
					mock.ExpectExec("INSERT INTO report_timeline").
						WithArgs(7, "verified", "system", "", fixedNow).
						WillReturnResult(sqlmock.NewResult(1, 1))
					mock.ExpectCommit()
				} else {
					mock.ExpectRollback()
				}

				applied, err := d.ApplyTransition(context.Background(), tt.transition)
				switch {
				case tt.wantErr != nil:
					if !errors.Is(err, tt.wantErr) {
						t.Fatalf("err = %v, want %v", err, tt.wantErr)
					}
				case tt.wantErrType != nil:
					var ise *lifecycle.InconsistentStateError
					if !errors.As(err, &ise) {
						t.Fatalf("err = %v, want InconsistentStateError", err)
					}
				default:
					if err != nil {
						t.Fatalf("ApplyTransition: %v", err)
					}
					if applied.From != models.StatusPendingVerification || applied.Version != tt.version+1 {
						t.Errorf("applied = %+v", applied)
					}
				}
				if err := mock.ExpectationsWereMet(); err != nil {
					t.Errorf("unmet expectations: %v", err)
				}
			})
		})
	}
}

func TestApplyTransitionNotFound(t *testing.T) {
	it(func() {
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status, version FROM reports").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"status", "version"}))
		mock.ExpectRollback()

		_, err := d.ApplyTransition(context.Background(), Transition{Seq: 99, To: models.StatusVerified})
		if !errors.Is(err, ErrReportNotFound) {
			t.Errorf("err = %v, want ErrReportNotFound", err)
		}
	})
}

func TestApplyTransitionLostUpdate(t *testing.T) {
	it(func() {
		dup := int64(3)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT status, version FROM reports").
			WithArgs(8).
			WillReturnRows(sqlmock.NewRows([]string{"status", "version"}).AddRow("PENDING_VERIFICATION", 1))
		mock.ExpectExec("UPDATE reports SET").
			WithArgs("DUPLICATE", fixedNow, 3, 8, 1).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err := d.ApplyTransition(context.Background(), Transition{
			Seq: 8, To: models.StatusDuplicate, Actor: "system", Patch: Patch{DuplicateOf: &dup},
		})
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("err = %v, want ErrVersionConflict", err)
		}
	})
}

func TestUpdateLocation(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE reports SET latitude = \\?, longitude = \\?, geohash = \\?").
			WithArgs(52.52, 13.405, "u33dc0cpk", "u33dc", fixedNow, 9, 3).
			WillReturnResult(sqlmock.NewResult(0, 1))

		version, err := d.UpdateLocation(context.Background(), 9, 3, 52.52, 13.405, "u33dc0cpk")
		if err != nil {
			t.Fatalf("UpdateLocation: %v", err)
		}
		if version != 4 {
			t.Errorf("version = %d, want 4", version)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestUpdateLocationStaleVersion(t *testing.T) {
	it(func() {
		mock.ExpectExec("UPDATE reports SET latitude").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT id FROM reports").
			WithArgs(9).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r-9"))

		_, err := d.UpdateLocation(context.Background(), 9, 3, 52.52, 13.405, "u33dc0cpk")
		if !errors.Is(err, ErrVersionConflict) {
			t.Errorf("err = %v, want ErrVersionConflict", err)
		}
	})
}

func TestHotspots(t *testing.T) {
	it(func() {
		since := fixedNow.Add(-24 * time.Hour)
		mock.ExpectQuery("SELECT geohash5, COUNT").
			WithArgs("VERIFIED", "IN_PROGRESS", since, 3).
			WillReturnRows(sqlmock.NewRows([]string{"geohash5", "cnt"}).AddRow("tdr1w", 5).AddRow("tdr1v", 3))

		got, err := d.Hotspots(context.Background(), since, 3)
		if err != nil {
			t.Fatalf("Hotspots: %v", err)
		}
		if len(got) != 2 || got[0].Cell != "tdr1w" || got[0].Count != 5 {
			t.Errorf("hotspots = %+v", got)
		}
	})
}

func TestListFlagged(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT seq, id FROM reports WHERE status = ?").
			WithArgs("FLAGGED", 10).
			WillReturnRows(sqlmock.NewRows([]string{"seq", "id"}).AddRow(1, "a").AddRow(2, "b"))

		got, err := d.ListFlagged(context.Background(), 10)
		if err != nil {
			t.Fatalf("ListFlagged: %v", err)
		}
		if len(got) != 2 || got[1].ID != "b" {
			t.Errorf("flagged = %+v", got)
		}
	})
}
