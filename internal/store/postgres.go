package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/healthdata/internal/config"
	"github.com/JonMunkholm/healthdata/internal/models"
)

// pgSchema creates every table and index. Statements are idempotent.
var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS raw_events (
		id                BIGSERIAL PRIMARY KEY,
		row_index         INTEGER NOT NULL,
		"timestamp"       TIMESTAMPTZ,
		event_type        TEXT NOT NULL,
		event_name        TEXT NOT NULL,
		start_stop        TEXT,
		actual_datetime   TIMESTAMPTZ,
		effective_date    DATE,
		comments          TEXT,
		is_valid          BOOLEAN NOT NULL,
		validation_errors JSONB
	)`,
	`CREATE TABLE IF NOT EXISTS alcohol_events (
		id             BIGSERIAL PRIMARY KEY,
		raw_event_id   BIGINT NOT NULL REFERENCES raw_events (id) ON DELETE CASCADE,
		effective_date DATE NOT NULL,
		drink_count    DOUBLE PRECISION NOT NULL,
		comments       TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS alcohol_weekly (
		id              BIGSERIAL PRIMARY KEY,
		week_start_date DATE NOT NULL UNIQUE,
		week_end_date   DATE NOT NULL,
		total_drinks    DOUBLE PRECISION NOT NULL,
		event_count     INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS db_metadata (
		key        TEXT PRIMARY KEY,
		value      TIMESTAMPTZ,
		status     TEXT NOT NULL CHECK (status IN ('empty', 'updating', 'ready')),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_events_effective_date ON raw_events (effective_date)`,
	`CREATE INDEX IF NOT EXISTS idx_alcohol_events_effective_date ON alcohol_events (effective_date)`,
	`CREATE INDEX IF NOT EXISTS idx_alcohol_events_raw_event_id ON alcohol_events (raw_event_id)`,
	`CREATE INDEX IF NOT EXISTS idx_alcohol_weekly_week_start ON alcohol_weekly (week_start_date)`,
}

const pgDropAll = `DROP TABLE IF EXISTS alcohol_weekly, alcohol_events, raw_events, db_metadata CASCADE`

const pgUpsertMetadata = `
	INSERT INTO db_metadata (key, value, status, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (key) DO UPDATE
	SET value = EXCLUDED.value, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`

const pgInsertRaw = `
	INSERT INTO raw_events (row_index, "timestamp", event_type, event_name, start_stop,
		actual_datetime, effective_date, comments, is_valid, validation_errors)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	RETURNING id`

// PostgresStore is the client-server backend. Recovery is drop-and-recreate.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects a pool using the configured connection string and
// pool limits.
func OpenPostgres(ctx context.Context, cfg config.PostgresConfig) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, wrap(KindPostgres, "parse url", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, wrap(KindPostgres, "connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrap(KindPostgres, "ping", err)
	}

	return NewPostgres(pool), nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

func (s *PostgresStore) Backend() Kind { return KindPostgres }

// CreateSchema creates tables and indexes if absent and seeds the metadata
// row with status empty.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := createPGSchema(ctx, tx); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO db_metadata (key, value, status, updated_at) VALUES ($1, NULL, $2, $3)
			 ON CONFLICT (key) DO NOTHING`,
			metadataKey, string(models.StatusEmpty), s.now())
		return err
	})
	return wrap(KindPostgres, "create schema", err)
}

func createPGSchema(ctx context.Context, tx pgx.Tx) error {
	for _, stmt := range pgSchema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// DropAll drops every table. Readers see an uninitialized store afterwards.
func (s *PostgresStore) DropAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgDropAll)
	return wrap(KindPostgres, "drop all", err)
}

// Rebuild drops and recreates the schema in one transaction, leaving the
// metadata row with status updating and a null last_updated.
func (s *PostgresStore) Rebuild(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, pgDropAll); err != nil {
			return fmt.Errorf("drop: %w", err)
		}
		if err := createPGSchema(ctx, tx); err != nil {
			return fmt.Errorf("create: %w", err)
		}
		_, err := tx.Exec(ctx, pgUpsertMetadata, metadataKey, nil, string(models.StatusUpdating), s.now())
		return err
	})
	return wrap(KindPostgres, "rebuild", err)
}

func (s *PostgresStore) Metadata(ctx context.Context) (models.Metadata, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT to_regclass('db_metadata') IS NOT NULL`).Scan(&exists); err != nil {
		return models.Metadata{}, wrap(KindPostgres, "metadata", err)
	}
	if !exists {
		return models.Metadata{Status: models.StatusUninitialized}, nil
	}

	var (
		value  *time.Time
		status string
	)
	err := s.pool.QueryRow(ctx, `SELECT value, status FROM db_metadata WHERE key = $1`, metadataKey).Scan(&value, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Metadata{Status: models.StatusEmpty}, nil
	}
	if err != nil {
		return models.Metadata{}, wrap(KindPostgres, "metadata", err)
	}
	return models.Metadata{LastUpdated: value, Status: models.StoreStatus(status)}, nil
}

func (s *PostgresStore) IsInitialized(ctx context.Context) (bool, error) {
	md, err := s.Metadata(ctx)
	if err != nil {
		return false, err
	}
	return md.Ready(), nil
}

func (s *PostgresStore) LastUpdated(ctx context.Context) (*time.Time, error) {
	md, err := s.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	return md.LastUpdated, nil
}

func (s *PostgresStore) MarkUpdating(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, pgUpsertMetadata, metadataKey, nil, string(models.StatusUpdating), s.now())
	return wrap(KindPostgres, "mark updating", err)
}

func (s *PostgresStore) MarkReady(ctx context.Context, at time.Time) error {
	_, err := s.pool.Exec(ctx, pgUpsertMetadata, metadataKey, at, string(models.StatusReady), s.now())
	return wrap(KindPostgres, "mark ready", err)
}

// Populate inserts the batch in one transaction. Raw events go through a
// pipelined batch so every row returns its own id; derived rows use COPY.
func (s *PostgresStore) Populate(ctx context.Context, b models.Batch) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		ids, err := insertRawEvents(ctx, tx, b.Records)
		if err != nil {
			return err
		}

		linked, err := linkAlcohol(b.AlcoholEvents, ids)
		if err != nil {
			return err
		}
		if len(linked) > 0 {
			if _, err := tx.CopyFrom(ctx,
				pgx.Identifier{TableAlcoholEvents},
				[]string{"raw_event_id", "effective_date", "drink_count", "comments"},
				pgx.CopyFromSlice(len(linked), func(i int) ([]any, error) {
					ev := linked[i]
					return []any{ev.RawEventID, ev.EffectiveDate.Time(), ev.DrinkCount, ev.Comments}, nil
				}),
			); err != nil {
				return fmt.Errorf("copy alcohol events: %w", err)
			}
		}

		if len(b.WeeklyAggregates) > 0 {
			if _, err := tx.CopyFrom(ctx,
				pgx.Identifier{TableWeekly},
				[]string{"week_start_date", "week_end_date", "total_drinks", "event_count"},
				pgx.CopyFromSlice(len(b.WeeklyAggregates), func(i int) ([]any, error) {
					w := b.WeeklyAggregates[i]
					return []any{w.WeekStartDate.Time(), w.WeekEndDate.Time(), w.TotalDrinks, w.EventCount}, nil
				}),
			); err != nil {
				return fmt.Errorf("copy weekly aggregates: %w", err)
			}
		}
		return nil
	})
	return wrap(KindPostgres, "populate", err)
}

func insertRawEvents(ctx context.Context, tx pgx.Tx, records []models.RawEvent) ([]int64, error) {
	if len(records) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		row, err := toRawRow(rec)
		if err != nil {
			return nil, fmt.Errorf("encode row %d: %w", rec.Row, err)
		}
		batch.Queue(pgInsertRaw,
			row.RowIndex, row.Timestamp, row.EventType, row.EventName, row.StartStop,
			row.ActualDatetime, dateArg(row.EffectiveDate), row.Comments, row.IsValid, row.ValidationErrors)
	}

	br := tx.SendBatch(ctx, batch)
	ids := make([]int64, len(records))
	for i, rec := range records {
		if err := br.QueryRow().Scan(&ids[i]); err != nil {
			br.Close()
			return nil, fmt.Errorf("insert raw event row %d: %w", rec.Row, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("insert raw events: %w", err)
	}
	return ids, nil
}

func dateArg(d *models.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := d.Time()
	return &t
}

func dateOf(t *time.Time) *models.Date {
	if t == nil {
		return nil
	}
	d := models.DateOf(*t)
	return &d
}

func (s *PostgresStore) WeeklyAggregates(ctx context.Context, r models.DateRange) ([]models.WeeklyAggregate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, week_start_date, week_end_date, total_drinks, event_count
		FROM alcohol_weekly
		WHERE ($1::date IS NULL OR week_start_date >= $1)
		  AND ($2::date IS NULL OR week_start_date <= $2)
		ORDER BY week_start_date ASC`,
		dateArg(r.Start), dateArg(r.End))
	if err != nil {
		return nil, wrap(KindPostgres, "weekly aggregates", err)
	}
	out, err := pgx.CollectRows(rows, scanWeekly)
	if err != nil {
		return nil, wrap(KindPostgres, "weekly aggregates", err)
	}
	return out, nil
}

func scanWeekly(row pgx.CollectableRow) (models.WeeklyAggregate, error) {
	var (
		w          models.WeeklyAggregate
		start, end time.Time
	)
	if err := row.Scan(&w.ID, &start, &end, &w.TotalDrinks, &w.EventCount); err != nil {
		return w, err
	}
	w.WeekStartDate = models.DateOf(start)
	w.WeekEndDate = models.DateOf(end)
	return w, nil
}

func (s *PostgresStore) RowCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, 3)
	for _, table := range []string{TableRawEvents, TableAlcoholEvents, TableWeekly} {
		var n int64
		q := "SELECT count(*) FROM " + pgx.Identifier{table}.Sanitize()
		if err := s.pool.QueryRow(ctx, q).Scan(&n); err != nil {
			return nil, wrap(KindPostgres, "row counts", err)
		}
		counts[table] = n
	}
	return counts, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context) (models.Batch, error) {
	var b models.Batch

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT to_regclass('raw_events') IS NOT NULL`).Scan(&exists); err != nil {
		return b, wrap(KindPostgres, "snapshot", err)
	}
	if !exists {
		return b, wrap(KindPostgres, "snapshot", ErrNotInitialized)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, row_index, "timestamp", event_type, event_name, start_stop,
			actual_datetime, effective_date, comments, is_valid, validation_errors::text
		FROM raw_events ORDER BY id ASC`)
	if err != nil {
		return b, wrap(KindPostgres, "snapshot", err)
	}
	b.Records, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.RawEvent, error) {
		var (
			r         rawEventRow
			effective *time.Time
		)
		if err := row.Scan(&r.ID, &r.RowIndex, &r.Timestamp, &r.EventType, &r.EventName, &r.StartStop,
			&r.ActualDatetime, &effective, &r.Comments, &r.IsValid, &r.ValidationErrors); err != nil {
			return models.RawEvent{}, err
		}
		r.EffectiveDate = dateOf(effective)
		return r.toModel()
	})
	if err != nil {
		return b, wrap(KindPostgres, "snapshot", err)
	}
	index := indexByID(b.Records)

	rows, err = s.pool.Query(ctx, `
		SELECT id, raw_event_id, effective_date, drink_count, comments
		FROM alcohol_events ORDER BY id ASC`)
	if err != nil {
		return b, wrap(KindPostgres, "snapshot", err)
	}
	b.AlcoholEvents, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.AlcoholEvent, error) {
		var (
			ev        models.AlcoholEvent
			effective time.Time
		)
		if err := row.Scan(&ev.ID, &ev.RawEventID, &effective, &ev.DrinkCount, &ev.Comments); err != nil {
			return ev, err
		}
		ev.EffectiveDate = models.DateOf(effective)
		ev.RawIndex = index[ev.RawEventID]
		return ev, nil
	})
	if err != nil {
		return b, wrap(KindPostgres, "snapshot", err)
	}

	b.WeeklyAggregates, err = s.WeeklyAggregates(ctx, models.DateRange{})
	if err != nil {
		return b, err
	}
	return b, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return wrap(KindPostgres, "ping", s.pool.Ping(ctx))
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
