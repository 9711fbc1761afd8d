package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/JonMunkholm/healthdata/internal/config"
	"github.com/JonMunkholm/healthdata/internal/models"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "db.db"), SQLiteOptions{})
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// steppingClock returns a clock that advances one second per call.
func steppingClock() func() time.Time {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.Local)
	return func() time.Time {
		at = at.Add(time.Second)
		return at
	}
}

func strp(s string) *string { return &s }

func sampleBatch() models.Batch {
	day1 := models.MustParseDate("2024-01-01")
	day2 := models.MustParseDate("2024-01-02")
	at := time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC)

	return models.Batch{
		Records: []models.RawEvent{
			{Row: 0, EventType: models.EventNow, EventName: "walk", StartStop: models.Start,
				Timestamp: &at, ActualDatetime: &at, EffectiveDate: &day1, IsValid: false,
				ValidationErrors: []models.ValidationError{{Row: 0, Kind: models.UnpairedStart, Message: "no stop"}}},
			{Row: 1, EventType: models.EventNow, EventName: "飲み物", Timestamp: &at,
				ActualDatetime: &at, EffectiveDate: &day1, Comments: strp("2"), IsValid: true},
			{Row: 2, EventType: models.EventRetro, EventName: "飲み物", Timestamp: &at,
				ActualDatetime: &at, EffectiveDate: &day2, Comments: strp(".5"), IsValid: true},
			{Row: 3, EventType: models.EventNow, EventName: "walk", Malformed: true},
		},
		AlcoholEvents: []models.AlcoholEvent{
			{RawIndex: 1, EffectiveDate: day1, DrinkCount: 2, Comments: strp("2")},
			{RawIndex: 2, EffectiveDate: day2, DrinkCount: 0.5, Comments: strp(".5")},
		},
		WeeklyAggregates: []models.WeeklyAggregate{
			{WeekStartDate: day1, WeekEndDate: day1.AddDays(6), TotalDrinks: 2.5, EventCount: 2},
		},
	}
}

func populated(t *testing.T, s *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	if err := s.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}
	if err := s.Populate(ctx, sampleBatch()); err != nil {
		t.Fatalf("Populate() error = %v", err)
	}
	if err := s.MarkReady(ctx, time.Now()); err != nil {
		t.Fatalf("MarkReady() error = %v", err)
	}
}

func TestSQLite_CreateSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	md, err := s.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if md.Status != models.StatusUninitialized {
		t.Errorf("status before schema = %s, want %s", md.Status, models.StatusUninitialized)
	}

	for i := 0; i < 2; i++ {
		if err := s.CreateSchema(ctx); err != nil {
			t.Fatalf("CreateSchema() #%d error = %v", i+1, err)
		}
	}

	md, err = s.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}
	if md.Status != models.StatusEmpty || md.LastUpdated != nil {
		t.Errorf("metadata = %+v, want empty with nil last_updated", md)
	}
	if ok, _ := s.IsInitialized(ctx); ok {
		t.Error("IsInitialized() = true on an empty store")
	}
}

func TestSQLite_CreateSchemaKeepsReadyMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	populated(t, s)

	if err := s.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}
	if ok, _ := s.IsInitialized(ctx); !ok {
		t.Error("CreateSchema reset a ready store")
	}
}

func TestSQLite_PopulateLinksEachAlcoholEventToItsOwnRow(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	populated(t, s)

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(snap.Records) != 4 || len(snap.AlcoholEvents) != 2 || len(snap.WeeklyAggregates) != 1 {
		t.Fatalf("snapshot sizes = %d/%d/%d, want 4/2/1",
			len(snap.Records), len(snap.AlcoholEvents), len(snap.WeeklyAggregates))
	}

	for i, ev := range snap.AlcoholEvents {
		owner := snap.Records[ev.RawIndex]
		if owner.ID != ev.RawEventID {
			t.Errorf("events[%d].RawEventID = %d, want %d", i, ev.RawEventID, owner.ID)
		}
		if owner.CommentText() != *ev.Comments {
			t.Errorf("events[%d] linked to row with comment %q, want %q", i, owner.CommentText(), *ev.Comments)
		}
	}
	if snap.AlcoholEvents[0].RawEventID == snap.AlcoholEvents[1].RawEventID {
		t.Error("alcohol events share one raw_event_id")
	}
}

func TestSQLite_SnapshotWithoutSchema(t *testing.T) {
	s := newTestSQLite(t)

	_, err := s.Snapshot(context.Background())
	if !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Snapshot() error = %v, want ErrNotInitialized", err)
	}
}

func TestOpen_RejectsUnknownBackend(t *testing.T) {
	cfg := &config.Config{Store: config.StoreConfig{Backend: "SQLite", Path: filepath.Join(t.TempDir(), "db.db")}}

	_, err := Open(context.Background(), cfg)
	var ce *config.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("Open() error = %v, want *config.ConfigurationError", err)
	}
}

func TestSQLite_SnapshotRoundTripsRecordFields(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	populated(t, s)

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	first := snap.Records[0]
	if first.StartStop != models.Start || first.IsValid {
		t.Errorf("records[0] = %+v, want invalid Start", first)
	}
	if len(first.ValidationErrors) != 1 || first.ValidationErrors[0].Kind != models.UnpairedStart {
		t.Errorf("records[0].ValidationErrors = %v, want one UnpairedStart", first.ValidationErrors)
	}
	if first.EffectiveDate == nil || first.EffectiveDate.String() != "2024-01-01" {
		t.Errorf("records[0].EffectiveDate = %v, want 2024-01-01", first.EffectiveDate)
	}

	bad := snap.Records[3]
	if !bad.Malformed || bad.ActualDatetime != nil || bad.EffectiveDate != nil {
		t.Errorf("records[3] = %+v, want malformed with NULL dates", bad)
	}
}

func TestSQLite_PopulateIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	if err := s.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}

	b := sampleBatch()
	b.WeeklyAggregates = append(b.WeeklyAggregates, b.WeeklyAggregates[0])

	err := s.Populate(ctx, b)
	if err == nil {
		t.Fatal("Populate() with duplicate week succeeded, want error")
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Backend != KindSQLite {
		t.Errorf("error = %T %v, want *PersistenceError from sqlite", err, err)
	}

	counts, err := s.RowCounts(ctx)
	if err != nil {
		t.Fatalf("RowCounts() error = %v", err)
	}
	for table, n := range counts {
		if n != 0 {
			t.Errorf("%s has %d rows after rollback, want 0", table, n)
		}
	}
}

func TestSQLite_PopulateRejectsDanglingRawIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	if err := s.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}

	b := sampleBatch()
	b.AlcoholEvents[0].RawIndex = len(b.Records)

	if err := s.Populate(ctx, b); !errors.Is(err, ErrDanglingRawIndex) {
		t.Errorf("Populate() error = %v, want ErrDanglingRawIndex", err)
	}
}

func TestSQLite_MetadataTransitions(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	populated(t, s)

	md, _ := s.Metadata(ctx)
	if md.Status != models.StatusReady || md.LastUpdated == nil {
		t.Fatalf("metadata after MarkReady = %+v, want ready with timestamp", md)
	}

	if err := s.MarkUpdating(ctx); err != nil {
		t.Fatalf("MarkUpdating() error = %v", err)
	}
	md, _ = s.Metadata(ctx)
	if md.Status != models.StatusUpdating || md.LastUpdated != nil {
		t.Errorf("metadata after MarkUpdating = %+v, want updating with nil last_updated", md)
	}
	if last, _ := s.LastUpdated(ctx); last != nil {
		t.Errorf("LastUpdated() = %v, want nil while updating", last)
	}
}

func TestSQLite_WeeklyAggregatesRange(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	if err := s.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}

	var weeks []models.WeeklyAggregate
	start := models.MustParseDate("2024-01-01")
	for i := 0; i < 4; i++ {
		ws := start.AddDays(7 * i)
		weeks = append(weeks, models.WeeklyAggregate{WeekStartDate: ws, WeekEndDate: ws.AddDays(6), TotalDrinks: float64(i), EventCount: i})
	}
	if err := s.Populate(ctx, models.Batch{WeeklyAggregates: weeks}); err != nil {
		t.Fatalf("Populate() error = %v", err)
	}

	from := models.MustParseDate("2024-01-08")
	to := models.MustParseDate("2024-01-15")
	tests := []struct {
		name string
		r    models.DateRange
		want []string
	}{
		{"open", models.DateRange{}, []string{"2024-01-01", "2024-01-08", "2024-01-15", "2024-01-22"}},
		{"from", models.DateRange{Start: &from}, []string{"2024-01-08", "2024-01-15", "2024-01-22"}},
		{"to", models.DateRange{End: &to}, []string{"2024-01-01", "2024-01-08", "2024-01-15"}},
		{"both", models.DateRange{Start: &from, End: &to}, []string{"2024-01-08", "2024-01-15"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.WeeklyAggregates(ctx, tt.r)
			if err != nil {
				t.Fatalf("WeeklyAggregates() error = %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("weeks = %d, want %d", len(got), len(tt.want))
			}
			for i, w := range got {
				if w.WeekStartDate.String() != tt.want[i] {
					t.Errorf("weeks[%d] = %s, want %s", i, w.WeekStartDate, tt.want[i])
				}
				if !w.WeekStartDate.AddDays(6).Equal(w.WeekEndDate) {
					t.Errorf("weeks[%d] ends %s, want start+6", i, w.WeekEndDate)
				}
			}
		})
	}
}

func TestSQLite_BackupRetention(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	s.now = steppingClock()
	populated(t, s)

	var last *BackupInfo
	for i := 0; i < 7; i++ {
		b, err := s.Backup(ctx)
		if err != nil {
			t.Fatalf("Backup() #%d error = %v", i+1, err)
		}
		last = b
	}

	backups, err := s.ListBackups()
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(backups) != DefaultBackupRetention {
		t.Fatalf("backups = %d, want %d", len(backups), DefaultBackupRetention)
	}
	if backups[0].Path != last.Path {
		t.Errorf("newest backup = %s, want %s", backups[0].Name(), last.Name())
	}
	for i := 1; i < len(backups); i++ {
		if !backups[i-1].CreatedAt.After(backups[i].CreatedAt) {
			t.Errorf("backups not newest first at %d", i)
		}
	}
}

func TestSQLite_BackupOrderAcrossDSTFallBack(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	ctx := context.Background()
	s := newTestSQLite(t)
	populated(t, s)

	// 01:30 EDT is followed by 01:10 EST, an earlier wall clock.
	first := time.Date(2024, 11, 3, 5, 30, 0, 0, time.UTC).In(loc)
	second := time.Date(2024, 11, 3, 6, 10, 0, 0, time.UTC).In(loc)
	for _, at := range []time.Time{first, second} {
		s.now = func() time.Time { return at }
		if _, err := s.Backup(ctx); err != nil {
			t.Fatalf("Backup() at %v error = %v", at, err)
		}
	}

	backups, err := s.ListBackups()
	if err != nil {
		t.Fatalf("ListBackups() error = %v", err)
	}
	if len(backups) != 2 {
		t.Fatalf("backups = %d, want 2", len(backups))
	}
	if !backups[0].CreatedAt.Equal(second) || !backups[1].CreatedAt.Equal(first) {
		t.Errorf("order = %v, %v; want %v first", backups[0].CreatedAt, backups[1].CreatedAt, second)
	}
}

func TestSQLite_RestoreLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	s.now = steppingClock()
	populated(t, s)

	if _, err := s.Backup(ctx); err != nil {
		t.Fatalf("Backup() error = %v", err)
	}

	// Replace the live file with an empty rebuild.
	tmp, err := s.BeginRebuild(ctx)
	if err != nil {
		t.Fatalf("BeginRebuild() error = %v", err)
	}
	if err := s.Swap(ctx, tmp); err != nil {
		t.Fatalf("Swap() error = %v", err)
	}
	if counts, _ := s.RowCounts(ctx); counts[TableRawEvents] != 0 {
		t.Fatalf("raw_events after swap = %d, want 0", counts[TableRawEvents])
	}

	if _, err := s.Restore(ctx, "latest"); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	counts, err := s.RowCounts(ctx)
	if err != nil {
		t.Fatalf("RowCounts() error = %v", err)
	}
	if counts[TableRawEvents] != 4 || counts[TableAlcoholEvents] != 2 || counts[TableWeekly] != 1 {
		t.Errorf("counts after restore = %v, want 4/2/1", counts)
	}
	if ok, _ := s.IsInitialized(ctx); !ok {
		t.Error("restored store is not ready")
	}
	if exists(s.Path() + restoreSuffix) {
		t.Error("restore temp file left behind")
	}
}

func TestSQLite_RestoreRejectsCorruptBackup(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	populated(t, s)

	bad := s.backupPath(time.Now().Add(time.Hour))
	if err := os.WriteFile(bad, []byte("not a database at all, just text padding the header"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Restore(ctx, filepath.Base(bad))
	if !errors.Is(err, ErrInvalidBackup) {
		t.Fatalf("Restore() error = %v, want ErrInvalidBackup", err)
	}

	counts, err := s.RowCounts(ctx)
	if err != nil {
		t.Fatalf("RowCounts() error = %v", err)
	}
	if counts[TableRawEvents] != 4 {
		t.Errorf("live raw_events = %d after failed restore, want 4", counts[TableRawEvents])
	}
}

func TestSQLite_RestoreRejectsBackupMissingTables(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	populated(t, s)

	// A valid SQLite file without the schema.
	other, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "other.db"), SQLiteOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.db.ExecContext(ctx, "CREATE TABLE unrelated (id INTEGER)"); err != nil {
		t.Fatal(err)
	}
	other.Close()

	target := s.backupPath(time.Now().Add(time.Hour))
	if err := copyFile(other.Path(), target); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Restore(ctx, ""); !errors.Is(err, ErrInvalidBackup) {
		t.Errorf("Restore() error = %v, want ErrInvalidBackup", err)
	}
}

func TestSQLite_RestoreUnknownBackup(t *testing.T) {
	s := newTestSQLite(t)
	if _, err := s.Restore(context.Background(), "nope.backup"); !errors.Is(err, ErrBackupNotFound) {
		t.Errorf("Restore() error = %v, want ErrBackupNotFound", err)
	}
}

func TestSQLite_RebuildLeavesLiveUntilSwap(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	populated(t, s)

	tmp, err := s.BeginRebuild(ctx)
	if err != nil {
		t.Fatalf("BeginRebuild() error = %v", err)
	}

	md, _ := tmp.Metadata(ctx)
	if md.Status != models.StatusUpdating {
		t.Errorf("rebuild status = %s, want updating", md.Status)
	}

	b := sampleBatch()
	b.Records = b.Records[:2]
	b.AlcoholEvents = b.AlcoholEvents[:1]
	if err := tmp.Populate(ctx, b); err != nil {
		t.Fatalf("Populate(tmp) error = %v", err)
	}

	if counts, _ := s.RowCounts(ctx); counts[TableRawEvents] != 4 {
		t.Errorf("live raw_events during rebuild = %d, want 4", counts[TableRawEvents])
	}
	if ok, _ := s.IsInitialized(ctx); !ok {
		t.Error("live store not ready during rebuild")
	}

	if err := tmp.MarkReady(ctx, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Swap(ctx, tmp); err != nil {
		t.Fatalf("Swap() error = %v", err)
	}

	if counts, _ := s.RowCounts(ctx); counts[TableRawEvents] != 2 {
		t.Errorf("live raw_events after swap = %d, want 2", counts[TableRawEvents])
	}
	if exists(tmp.Path()) {
		t.Error("rebuild file left behind after swap")
	}
}

func TestSQLite_DiscardRemovesRebuild(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	populated(t, s)

	tmp, err := s.BeginRebuild(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := tmp.Discard(); err != nil {
		t.Fatalf("Discard() error = %v", err)
	}
	if exists(tmp.Path()) {
		t.Error("rebuild file still exists after Discard")
	}
	if ok, _ := s.IsInitialized(ctx); !ok {
		t.Error("live store affected by discarded rebuild")
	}
}
