package core

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/healthdata/internal/config"
	"github.com/JonMunkholm/healthdata/internal/models"
	"github.com/JonMunkholm/healthdata/internal/parser"
	"github.com/JonMunkholm/healthdata/internal/store"
)

const sheetHeader = "Timestamp,A) Report event (今),Is now the stop or start time?,B) Report event (別時),Retro: stop or start time?,Retro: Time,Retro: Date,Comments\n"

// sheetCSV has three drinks in the week of 2024-01-01 (one rolled back by
// the cutoff, one retro) and one unpaired Stop.
const sheetCSV = sheetHeader +
	"1/1/2024 20:00:00,飲み物,,,,,,2\n" +
	"1/2/2024 07:00:00,飲み物,,,,,,.5\n" +
	"1/3/2024 10:00:00,walk,Start,,,,,\n" +
	"1/3/2024 11:00:00,walk,Stop,,,,,\n" +
	"1/4/2024 10:00:00,walk,Stop,,,,,\n" +
	"1/5/2024 12:00:00,,,飲み物,,19:00:00,1/4/2024,1\n"

type fakeFetcher struct {
	mu    sync.Mutex
	body  string
	err   error
	calls int

	// When block is set, Fetch signals started and waits for block to close.
	block   chan struct{}
	started chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, sheetID string) (string, error) {
	f.mu.Lock()
	f.calls++
	body, err, block, started := f.body, f.err, f.block, f.started
	f.mu.Unlock()

	if block != nil {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return body, err
}

func (f *fakeFetcher) set(body string, err error) {
	f.mu.Lock()
	f.body, f.err = body, err
	f.mu.Unlock()
}

func testConfig(dbPath string) *config.Config {
	return &config.Config{
		Pipeline: config.PipelineConfig{
			SheetID:       "test-sheet",
			Cutoff:        "08:00:00",
			Timezone:      "UTC",
			WeekStartDay:  "Monday",
			DrinkCategory: "飲み物",
			MaxSpan:       24 * time.Hour,
		},
		Store:  config.StoreConfig{Backend: config.BackendSQLite, Path: dbPath, BackupRetention: 5},
		Update: config.UpdateConfig{Timeout: time.Minute},
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.SQLiteStore, *fakeFetcher) {
	t.Helper()
	ctx := context.Background()
	cfg := testConfig(filepath.Join(t.TempDir(), "db.db"))

	st, err := store.OpenSQLite(ctx, cfg.Store.Path, store.SQLiteOptions{Retention: cfg.Store.BackupRetention})
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	f := &fakeFetcher{body: sheetCSV}

	e, err := NewEngine(st, f, cfg, nil)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	t.Cleanup(func() {
		e.Close()
		st.Close()
	})
	return e, st, f
}

func TestEngine_UpdatePopulatesAndMarksReady(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	res, err := e.Update(ctx)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if res.Status != UpdateReady {
		t.Errorf("Status = %s, want %s", res.Status, UpdateReady)
	}
	if res.RunID == "" {
		t.Error("RunID is empty")
	}
	if res.Flagged() != 1 || res.Errors[0].Kind != models.UnpairedStop {
		t.Errorf("Errors = %v, want one UnpairedStop", res.Errors)
	}
	want := Counts{RowsRead: 6, Records: 6, AlcoholEvents: 3, Weeks: 1, Spans: 1}
	if res.Counts != want {
		t.Errorf("Counts = %+v, want %+v", res.Counts, want)
	}

	if ok, _ := e.IsInitialized(ctx); !ok {
		t.Error("IsInitialized() = false after update")
	}
	last, err := e.LastUpdated(ctx)
	if err != nil || last == nil {
		t.Fatalf("LastUpdated() = %v, %v; want a timestamp", last, err)
	}

	weeks, err := e.WeeklyAggregates(ctx, models.DateRange{})
	if err != nil {
		t.Fatalf("WeeklyAggregates() error = %v", err)
	}
	if len(weeks) != 1 {
		t.Fatalf("weeks = %d, want 1", len(weeks))
	}
	w := weeks[0]
	if w.WeekStartDate.String() != "2024-01-01" || w.WeekEndDate.String() != "2024-01-07" ||
		w.TotalDrinks != 3.5 || w.EventCount != 3 {
		t.Errorf("week = %+v, want 2024-01-01..07 total 3.5 count 3", w)
	}

	if got := e.LastResult(); got == nil || got.RunID != res.RunID {
		t.Errorf("LastResult() = %+v, want run %s", got, res.RunID)
	}
}

func TestEngine_UpdateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	if _, err := e.Update(ctx); err != nil {
		t.Fatalf("first Update() error = %v", err)
	}
	firstCounts, _ := e.RowCounts(ctx)
	firstWeeks, _ := e.WeeklyAggregates(ctx, models.DateRange{})

	res, err := e.Update(ctx)
	if err != nil {
		t.Fatalf("second Update() error = %v", err)
	}
	if res.Backup == nil {
		t.Error("second update took no backup")
	}

	counts, _ := e.RowCounts(ctx)
	for table, n := range firstCounts {
		if counts[table] != n {
			t.Errorf("%s = %d after rerun, want %d", table, counts[table], n)
		}
	}
	weeks, _ := e.WeeklyAggregates(ctx, models.DateRange{})
	if len(weeks) != len(firstWeeks) {
		t.Fatalf("weeks = %d after rerun, want %d", len(weeks), len(firstWeeks))
	}
	for i := range weeks {
		if !weeks[i].WeekStartDate.Equal(firstWeeks[i].WeekStartDate) ||
			weeks[i].TotalDrinks != firstWeeks[i].TotalDrinks ||
			weeks[i].EventCount != firstWeeks[i].EventCount {
			t.Errorf("weeks[%d] = %+v after rerun, want %+v", i, weeks[i], firstWeeks[i])
		}
	}
}

func TestEngine_FetchFailureKeepsPreviousData(t *testing.T) {
	ctx := context.Background()
	e, st, f := newTestEngine(t)

	if _, err := e.Update(ctx); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	before, _ := e.LastUpdated(ctx)

	f.set("", errors.New("export unavailable"))
	res, err := e.Update(ctx)
	if err == nil {
		t.Fatal("Update() with failing fetch succeeded")
	}
	if res.Status != UpdateFailed || res.Error == "" {
		t.Errorf("result = %+v, want failed with error text", res)
	}

	if ok, _ := e.IsInitialized(ctx); !ok {
		t.Error("store not ready after failed update")
	}
	after, _ := e.LastUpdated(ctx)
	if after == nil || !after.Equal(*before) {
		t.Errorf("LastUpdated = %v after failure, want %v", after, before)
	}
	if counts, _ := e.RowCounts(ctx); counts[store.TableRawEvents] != 6 {
		t.Errorf("raw_events = %d after failure, want 6", counts[store.TableRawEvents])
	}
	if _, err := os.Stat(st.Path() + ".rebuild"); !errors.Is(err, os.ErrNotExist) {
		t.Error("rebuild file left behind")
	}
}

func TestEngine_PopulateFailureRestoresBackup(t *testing.T) {
	ctx := context.Background()
	e, _, f := newTestEngine(t)

	if _, err := e.Update(ctx); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	before, _ := e.LastUpdated(ctx)

	// A different sheet whose write fails part-way through the transaction.
	f.set(sheetHeader+"2/1/2024 20:00:00,飲み物,,,,,,4\n", nil)
	e.populate = func(ctx context.Context, target store.Store, b models.Batch) error {
		b.WeeklyAggregates = append(b.WeeklyAggregates, b.WeeklyAggregates[0])
		return target.Populate(ctx, b)
	}

	res, err := e.Update(ctx)
	if err == nil {
		t.Fatal("Update() with failing populate succeeded")
	}
	var pe *store.PersistenceError
	if !errors.As(err, &pe) {
		t.Errorf("error = %v, want *store.PersistenceError", err)
	}
	if res.Backup == nil {
		t.Fatal("no backup recorded for the failed run")
	}

	md, _ := e.Store().Metadata(ctx)
	if md.Status != models.StatusReady || md.LastUpdated == nil || !md.LastUpdated.Equal(*before) {
		t.Errorf("metadata = %+v, want ready at %v", md, before)
	}
	counts, _ := e.RowCounts(ctx)
	if counts[store.TableRawEvents] != 6 || counts[store.TableAlcoholEvents] != 3 || counts[store.TableWeekly] != 1 {
		t.Errorf("counts = %v, want previous 6/3/1", counts)
	}
}

func TestEngine_FirstUpdateFailureLeavesStoreNotReady(t *testing.T) {
	ctx := context.Background()
	e, _, f := newTestEngine(t)
	f.set("", errors.New("boom"))

	if _, err := e.Update(ctx); err == nil {
		t.Fatal("Update() succeeded")
	}

	rep, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if rep.Status != models.StatusEmpty || rep.LastUpdated != nil {
		t.Errorf("status = %+v, want empty with nil last_updated", rep)
	}
	if rep.LastRun == nil || rep.LastRun.Status != UpdateFailed {
		t.Errorf("LastRun = %+v, want failed", rep.LastRun)
	}
}

func TestEngine_ReadsGatedWhenNotReady(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	rep, err := e.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if rep.Status != models.StatusUninitialized {
		t.Errorf("status = %s, want uninitialized", rep.Status)
	}

	weeks, err := e.WeeklyAggregates(ctx, models.DateRange{})
	if err != nil || len(weeks) != 0 {
		t.Errorf("WeeklyAggregates() = %v, %v; want empty", weeks, err)
	}
	counts, err := e.RowCounts(ctx)
	if err != nil {
		t.Fatalf("RowCounts() error = %v", err)
	}
	for table, n := range counts {
		if n != 0 {
			t.Errorf("%s = %d, want 0", table, n)
		}
	}
	if last, _ := e.LastUpdated(ctx); last != nil {
		t.Errorf("LastUpdated() = %v, want nil", last)
	}

	if err := e.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema() error = %v", err)
	}
	if rep, _ := e.Status(ctx); rep.Status != models.StatusEmpty {
		t.Errorf("status after CreateSchema = %s, want empty", rep.Status)
	}
}

func TestEngine_ConcurrentUpdateRejected(t *testing.T) {
	ctx := context.Background()
	e, _, f := newTestEngine(t)

	f.block = make(chan struct{})
	f.started = make(chan struct{})

	started, err := e.StartUpdate(ctx)
	if err != nil {
		t.Fatalf("StartUpdate() error = %v", err)
	}
	if started.Status != UpdateInProgress {
		t.Errorf("StartUpdate status = %s, want in_progress", started.Status)
	}
	<-f.started

	res, err := e.Update(ctx)
	if !errors.Is(err, ErrUpdateInProgress) {
		t.Fatalf("concurrent Update() error = %v, want ErrUpdateInProgress", err)
	}
	if res.Status != UpdateInProgress || res.RunID != started.RunID {
		t.Errorf("rejection = %+v, want in_progress for run %s", res, started.RunID)
	}
	if _, err := e.StartUpdate(ctx); !errors.Is(err, ErrUpdateInProgress) {
		t.Errorf("concurrent StartUpdate() error = %v, want ErrUpdateInProgress", err)
	}
	if _, err := e.Restore(ctx, ""); !errors.Is(err, ErrUpdateInProgress) {
		t.Errorf("Restore() during update error = %v, want ErrUpdateInProgress", err)
	}

	rep, _ := e.Status(ctx)
	if !rep.InFlight || rep.Status != models.StatusUpdating {
		t.Errorf("status during run = %+v, want updating in flight", rep)
	}

	close(f.block)
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := e.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	last := e.LastResult()
	if last == nil || last.Status != UpdateReady || last.RunID != started.RunID {
		t.Errorf("LastResult() = %+v, want ready run %s", last, started.RunID)
	}
	if f.calls != 1 {
		t.Errorf("fetch calls = %d, want 1", f.calls)
	}
}

func TestEngine_StartUpdateAfterCloseReleasesGuard(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)
	e.Close()

	if _, err := e.StartUpdate(ctx); !errors.Is(err, ErrEngineClosed) {
		t.Fatalf("StartUpdate() after Close error = %v, want ErrEngineClosed", err)
	}
	if e.Busy() {
		t.Fatal("guard still held after refused StartUpdate")
	}
	if _, err := e.Update(ctx); err != nil {
		t.Errorf("Update() after refused StartUpdate error = %v", err)
	}
}

func TestEngine_MissingColumnsFailsRun(t *testing.T) {
	ctx := context.Background()
	e, _, f := newTestEngine(t)
	f.set("Timestamp,Comments\n1/1/2024 10:00:00,hi\n", nil)

	_, err := e.Update(ctx)
	if !errors.Is(err, parser.ErrMissingColumns) {
		t.Fatalf("Update() error = %v, want ErrMissingColumns", err)
	}
	if code := MapError(err).Code; code != "PARSE001" {
		t.Errorf("MapError code = %s, want PARSE001", code)
	}
}

func TestEngine_BackupsAndRestore(t *testing.T) {
	ctx := context.Background()
	e, _, f := newTestEngine(t)

	if _, err := e.Update(ctx); err != nil {
		t.Fatal(err)
	}
	f.set(sheetHeader+"2/1/2024 20:00:00,飲み物,,,,,,4\n", nil)
	if _, err := e.Update(ctx); err != nil {
		t.Fatal(err)
	}
	if counts, _ := e.RowCounts(ctx); counts[store.TableRawEvents] != 1 {
		t.Fatalf("raw_events = %d after second sheet, want 1", counts[store.TableRawEvents])
	}

	backups, err := e.Backups()
	if err != nil {
		t.Fatalf("Backups() error = %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("backups = %d, want 1", len(backups))
	}

	if _, err := e.Restore(ctx, backups[0].Name()); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if counts, _ := e.RowCounts(ctx); counts[store.TableRawEvents] != 6 {
		t.Errorf("raw_events after restore = %d, want 6", counts[store.TableRawEvents])
	}
}

func TestEngine_TriggerIsCarried(t *testing.T) {
	ctx := ContextWithTrigger(context.Background(), TriggerCLI)
	if got := TriggerFromContext(ctx); got != TriggerCLI {
		t.Errorf("TriggerFromContext() = %s, want %s", got, TriggerCLI)
	}
	if got := TriggerFromContext(context.Background()); got != "unknown" {
		t.Errorf("TriggerFromContext(empty) = %s, want unknown", got)
	}
}

func TestEngine_MigrateBatchReadsSQLiteSnapshot(t *testing.T) {
	ctx := context.Background()
	e, st, _ := newTestEngine(t)

	var res UpdateResult
	if _, err := e.migrateBatch(ctx, &res); !errors.Is(err, ErrNoSQLiteSource) {
		t.Fatalf("migrateBatch() on empty store error = %v, want ErrNoSQLiteSource", err)
	}

	if _, err := e.Update(ctx); err != nil {
		t.Fatal(err)
	}

	res = UpdateResult{}
	b, err := e.migrateBatch(ctx, &res)
	if err != nil {
		t.Fatalf("migrateBatch() error = %v", err)
	}
	if !res.Migrated {
		t.Error("Migrated = false")
	}
	want := Counts{RowsRead: 6, Records: 6, AlcoholEvents: 3, Weeks: 1}
	if res.Counts != want {
		t.Errorf("Counts = %+v, want %+v", res.Counts, want)
	}
	if res.Flagged() != 1 {
		t.Errorf("Flagged() = %d, want the stored UnpairedStop", res.Flagged())
	}
	for i, ev := range b.AlcoholEvents {
		if ev.RawIndex < 0 || ev.RawIndex >= len(b.Records) {
			t.Errorf("AlcoholEvents[%d].RawIndex = %d out of range", i, ev.RawIndex)
		}
	}

	cfg := *e.cfg
	cfg.Store.Path = st.Path() + ".missing"
	e.cfg = &cfg
	if _, err := e.migrateBatch(ctx, &UpdateResult{}); !errors.Is(err, ErrNoSQLiteSource) {
		t.Errorf("missing file error = %v, want ErrNoSQLiteSource", err)
	}
}
