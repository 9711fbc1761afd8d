package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"

	"github.com/JonMunkholm/healthdata/internal/models"
)

// DefaultBackupRetention is how many backups are kept when unset.
const DefaultBackupRetention = 5

// insertChunk bounds rows per bulk INSERT to stay under SQLite's variable limit.
const insertChunk = 500

// SQLiteOptions configures an embedded store.
type SQLiteOptions struct {
	Retention int
	Debug     bool
}

// SQLiteStore is the embedded single-file backend. The handle is guarded by
// mu: queries take the read lock, Swap and Restore take the write lock while
// the file underneath is replaced.
type SQLiteStore struct {
	mu   sync.RWMutex
	db   *bun.DB
	path string
	opts SQLiteOptions
	now  func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// openBun opens path with the pragmas every handle needs. The journal stays in
// rollback mode so the database is one file that can be renamed atomically.
func openBun(path string, debug bool) (*bun.DB, error) {
	sqldb, err := sql.Open(sqliteshim.ShimName, "file:"+path)
	if err != nil {
		return nil, err
	}
	// Pragmas are per connection.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	if debug {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	if _, err := db.Exec(`
        PRAGMA journal_mode = DELETE;
        PRAGMA synchronous = FULL;
        PRAGMA foreign_keys = ON;
        PRAGMA busy_timeout = 5000;
    `); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// OpenSQLite opens (creating if needed) the database file at path.
func OpenSQLite(ctx context.Context, path string, opts SQLiteOptions) (*SQLiteStore, error) {
	if opts.Retention <= 0 {
		opts.Retention = DefaultBackupRetention
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrap(KindSQLite, "open", err)
		}
	}

	db, err := openBun(path, opts.Debug)
	if err != nil {
		return nil, wrap(KindSQLite, "open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, wrap(KindSQLite, "open", err)
	}

	return &SQLiteStore{db: db, path: path, opts: opts, now: time.Now}, nil
}

func (s *SQLiteStore) Backend() Kind { return KindSQLite }

// Path returns the live database file.
func (s *SQLiteStore) Path() string { return s.path }

// CreateSchema creates tables and indexes if absent.
func (s *SQLiteStore) CreateSchema(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wrap(KindSQLite, "create schema", createSchema(ctx, s.db, s.now()))
}

func createSchema(ctx context.Context, db *bun.DB, now time.Time) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewCreateTable().Model((*rawEventRow)(nil)).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create raw_events: %w", err)
		}
		if _, err := tx.NewCreateTable().Model((*alcoholEventRow)(nil)).
			IfNotExists().
			ForeignKey(`("raw_event_id") REFERENCES "raw_events" ("id") ON DELETE CASCADE`).
			Exec(ctx); err != nil {
			return fmt.Errorf("create alcohol_events: %w", err)
		}
		if _, err := tx.NewCreateTable().Model((*weeklyRow)(nil)).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create alcohol_weekly: %w", err)
		}
		if _, err := tx.NewCreateTable().Model((*metadataRow)(nil)).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create db_metadata: %w", err)
		}

		for _, idx := range []struct {
			model  any
			name   string
			column string
		}{
			{(*rawEventRow)(nil), "idx_raw_events_effective_date", "effective_date"},
			{(*alcoholEventRow)(nil), "idx_alcohol_events_effective_date", "effective_date"},
			{(*alcoholEventRow)(nil), "idx_alcohol_events_raw_event_id", "raw_event_id"},
			{(*weeklyRow)(nil), "idx_alcohol_weekly_week_start", "week_start_date"},
		} {
			if _, err := tx.NewCreateIndex().Model(idx.model).Index(idx.name).Column(idx.column).IfNotExists().Exec(ctx); err != nil {
				return fmt.Errorf("create index %s: %w", idx.name, err)
			}
		}

		row := &metadataRow{Key: metadataKey, Status: string(models.StatusEmpty), UpdatedAt: now}
		if _, err := tx.NewInsert().Model(row).On("CONFLICT (key) DO NOTHING").Exec(ctx); err != nil {
			return fmt.Errorf("seed metadata: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) tableExists(ctx context.Context, name string) (bool, error) {
	n, err := s.db.NewSelect().
		TableExpr("sqlite_master").
		Where("type = 'table'").
		Where("name = ?", name).
		Count(ctx)
	return n > 0, err
}

// Metadata returns the readiness record.
func (s *SQLiteStore) Metadata(ctx context.Context) (models.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	md, err := s.metadata(ctx)
	return md, wrap(KindSQLite, "metadata", err)
}

func (s *SQLiteStore) metadata(ctx context.Context) (models.Metadata, error) {
	ok, err := s.tableExists(ctx, TableMetadata)
	if err != nil {
		return models.Metadata{}, err
	}
	if !ok {
		return models.Metadata{Status: models.StatusUninitialized}, nil
	}

	var row metadataRow
	err = s.db.NewSelect().Model(&row).Where("key = ?", metadataKey).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Metadata{Status: models.StatusEmpty}, nil
	}
	if err != nil {
		return models.Metadata{}, err
	}
	return models.Metadata{LastUpdated: row.Value, Status: models.StoreStatus(row.Status)}, nil
}

// IsInitialized reports whether metadata exists with a non-null last_updated.
func (s *SQLiteStore) IsInitialized(ctx context.Context) (bool, error) {
	md, err := s.Metadata(ctx)
	if err != nil {
		return false, err
	}
	return md.Ready(), nil
}

// LastUpdated returns the last successful update time, or nil.
func (s *SQLiteStore) LastUpdated(ctx context.Context) (*time.Time, error) {
	md, err := s.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	return md.LastUpdated, nil
}

func (s *SQLiteStore) MarkUpdating(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wrap(KindSQLite, "mark updating", setMetadata(ctx, s.db, nil, models.StatusUpdating, s.now()))
}

func (s *SQLiteStore) MarkReady(ctx context.Context, at time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wrap(KindSQLite, "mark ready", setMetadata(ctx, s.db, &at, models.StatusReady, s.now()))
}

func setMetadata(ctx context.Context, db bun.IDB, value *time.Time, status models.StoreStatus, now time.Time) error {
	row := &metadataRow{Key: metadataKey, Value: value, Status: string(status), UpdatedAt: now}
	_, err := db.NewInsert().
		Model(row).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("status = EXCLUDED.status").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

// Populate inserts the batch in one transaction. Raw events are inserted one
// at a time so each AlcoholEvent links to its own row's id.
func (s *SQLiteStore) Populate(ctx context.Context, b models.Batch) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		ids := make([]int64, len(b.Records))
		for i, rec := range b.Records {
			row, err := toRawRow(rec)
			if err != nil {
				return fmt.Errorf("encode row %d: %w", rec.Row, err)
			}
			if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
				return fmt.Errorf("insert raw event row %d: %w", rec.Row, err)
			}
			ids[i] = row.ID
		}

		linked, err := linkAlcohol(b.AlcoholEvents, ids)
		if err != nil {
			return err
		}
		alcohol := make([]alcoholEventRow, len(linked))
		for i, ev := range linked {
			alcohol[i] = alcoholEventRow{
				RawEventID:    ev.RawEventID,
				EffectiveDate: ev.EffectiveDate,
				DrinkCount:    ev.DrinkCount,
				Comments:      ev.Comments,
			}
		}
		if err := insertChunked(ctx, tx, alcohol); err != nil {
			return fmt.Errorf("insert alcohol events: %w", err)
		}

		weekly := make([]weeklyRow, len(b.WeeklyAggregates))
		for i, w := range b.WeeklyAggregates {
			weekly[i] = weeklyRow{
				WeekStartDate: w.WeekStartDate,
				WeekEndDate:   w.WeekEndDate,
				TotalDrinks:   w.TotalDrinks,
				EventCount:    w.EventCount,
			}
		}
		if err := insertChunked(ctx, tx, weekly); err != nil {
			return fmt.Errorf("insert weekly aggregates: %w", err)
		}
		return nil
	})
	return wrap(KindSQLite, "populate", err)
}

func insertChunked[T any](ctx context.Context, tx bun.Tx, rows []T) error {
	for start := 0; start < len(rows); start += insertChunk {
		end := min(start+insertChunk, len(rows))
		chunk := rows[start:end]
		if _, err := tx.NewInsert().Model(&chunk).Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// WeeklyAggregates returns weeks whose start falls in r, oldest first.
func (s *SQLiteStore) WeeklyAggregates(ctx context.Context, r models.DateRange) ([]models.WeeklyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []weeklyRow
	q := s.db.NewSelect().Model(&rows).OrderExpr("week_start_date ASC")
	if r.Start != nil {
		q = q.Where("week_start_date >= ?", *r.Start)
	}
	if r.End != nil {
		q = q.Where("week_start_date <= ?", *r.End)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, wrap(KindSQLite, "weekly aggregates", err)
	}

	out := make([]models.WeeklyAggregate, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

func (r weeklyRow) toModel() models.WeeklyAggregate {
	return models.WeeklyAggregate{
		ID:            r.ID,
		WeekStartDate: r.WeekStartDate,
		WeekEndDate:   r.WeekEndDate,
		TotalDrinks:   r.TotalDrinks,
		EventCount:    r.EventCount,
	}
}

// RowCounts returns the row count of each data table.
func (s *SQLiteStore) RowCounts(ctx context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64, 3)
	for _, table := range []string{TableRawEvents, TableAlcoholEvents, TableWeekly} {
		n, err := s.db.NewSelect().TableExpr(table).Count(ctx)
		if err != nil {
			return nil, wrap(KindSQLite, "row counts", err)
		}
		counts[table] = int64(n)
	}
	return counts, nil
}

// Snapshot reads all tables back. AlcoholEvent.RawIndex is rebuilt from ids.
func (s *SQLiteStore) Snapshot(ctx context.Context) (models.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b models.Batch

	ok, err := s.tableExists(ctx, TableRawEvents)
	if err != nil {
		return b, wrap(KindSQLite, "snapshot", err)
	}
	if !ok {
		return b, wrap(KindSQLite, "snapshot", ErrNotInitialized)
	}

	var raw []rawEventRow
	if err := s.db.NewSelect().Model(&raw).OrderExpr("id ASC").Scan(ctx); err != nil {
		return b, wrap(KindSQLite, "snapshot", err)
	}
	b.Records = make([]models.RawEvent, len(raw))
	for i := range raw {
		rec, err := raw[i].toModel()
		if err != nil {
			return b, wrap(KindSQLite, "snapshot", fmt.Errorf("decode raw event %d: %w", raw[i].ID, err))
		}
		b.Records[i] = rec
	}
	index := indexByID(b.Records)

	var alcohol []alcoholEventRow
	if err := s.db.NewSelect().Model(&alcohol).OrderExpr("id ASC").Scan(ctx); err != nil {
		return b, wrap(KindSQLite, "snapshot", err)
	}
	b.AlcoholEvents = make([]models.AlcoholEvent, len(alcohol))
	for i, row := range alcohol {
		b.AlcoholEvents[i] = models.AlcoholEvent{
			ID:            row.ID,
			RawEventID:    row.RawEventID,
			RawIndex:      index[row.RawEventID],
			EffectiveDate: row.EffectiveDate,
			DrinkCount:    row.DrinkCount,
			Comments:      row.Comments,
		}
	}

	var weekly []weeklyRow
	if err := s.db.NewSelect().Model(&weekly).OrderExpr("week_start_date ASC").Scan(ctx); err != nil {
		return b, wrap(KindSQLite, "snapshot", err)
	}
	b.WeeklyAggregates = make([]models.WeeklyAggregate, len(weekly))
	for i, row := range weekly {
		b.WeeklyAggregates[i] = row.toModel()
	}
	return b, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wrap(KindSQLite, "ping", s.db.PingContext(ctx))
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// FileSize returns the size of the live database file in bytes.
func (s *SQLiteStore) FileSize() (int64, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
