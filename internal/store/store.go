// Package store persists pipeline output behind one Store interface with two
// backends: an embedded single-file SQLite database and a client-server
// Postgres database.
//
// Both backends keep the same four tables and the same metadata contract:
// db_metadata.status is empty, updating or ready, and last_updated is set
// only when status is ready. Backend-specific recovery lives on the concrete
// types (SQLiteStore backup/restore/swap, PostgresStore drop/recreate) rather
// than behind the interface.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JonMunkholm/healthdata/internal/config"
	"github.com/JonMunkholm/healthdata/internal/models"
)

// Kind names a backend.
type Kind string

const (
	KindSQLite   Kind = "sqlite"
	KindPostgres Kind = "postgres"
)

// Table names, in dependency order.
const (
	TableRawEvents     = "raw_events"
	TableAlcoholEvents = "alcohol_events"
	TableWeekly        = "alcohol_weekly"
	TableMetadata      = "db_metadata"
)

// Tables lists every table the schema owns.
var Tables = []string{TableRawEvents, TableAlcoholEvents, TableWeekly, TableMetadata}

// metadataKey is the db_metadata row that tracks readiness.
const metadataKey = "last_updated"

var (
	// ErrNotInitialized is returned when the schema has not been created.
	ErrNotInitialized = errors.New("store schema not initialized")
	// ErrInvalidBackup is returned when a backup fails structural verification.
	ErrInvalidBackup = errors.New("backup failed verification")
	// ErrBackupNotFound is returned when a restore reference does not resolve.
	ErrBackupNotFound = errors.New("backup not found")
	// ErrDanglingRawIndex is returned when an AlcoholEvent points outside the batch.
	ErrDanglingRawIndex = errors.New("alcohol event references a record outside the batch")
)

// Store is the capability set shared by both backends.
type Store interface {
	Backend() Kind

	// CreateSchema idempotently creates tables and indexes and inserts the
	// metadata row with status empty when absent.
	CreateSchema(ctx context.Context) error
	// IsInitialized reports whether the store is ready (metadata present
	// with a non-null last_updated).
	IsInitialized(ctx context.Context) (bool, error)
	// Metadata returns the readiness record. A missing schema yields
	// StatusUninitialized and no error.
	Metadata(ctx context.Context) (models.Metadata, error)
	// MarkUpdating clears last_updated and sets status updating.
	MarkUpdating(ctx context.Context) error
	// Populate inserts the batch in one transaction. Each AlcoholEvent is
	// linked to the id inserted for its own RawEvent.
	Populate(ctx context.Context, b models.Batch) error
	// MarkReady sets last_updated and status ready. It is the last write of
	// a successful update.
	MarkReady(ctx context.Context, at time.Time) error

	LastUpdated(ctx context.Context) (*time.Time, error)
	WeeklyAggregates(ctx context.Context, r models.DateRange) ([]models.WeeklyAggregate, error)
	RowCounts(ctx context.Context) (map[string]int64, error)
	// Snapshot reads every table back into a Batch, ids included.
	Snapshot(ctx context.Context) (models.Batch, error)

	Ping(ctx context.Context) error
	Close() error
}

// PersistenceError wraps a failed store operation. It is fatal to the
// current update attempt.
type PersistenceError struct {
	Op      string
	Backend Kind
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Backend: kind, Err: err}
}

// Open connects to the backend selected by configuration.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch Kind(cfg.Store.Backend) {
	case KindSQLite:
		return OpenSQLite(ctx, cfg.Store.Path, SQLiteOptions{
			Retention: cfg.Store.BackupRetention,
			Debug:     cfg.Store.DebugSQL,
		})
	case KindPostgres:
		return OpenPostgres(ctx, cfg.Postgres)
	default:
		return nil, &config.ConfigurationError{Problems: []string{
			fmt.Sprintf("DB_BACKEND (%q) must be one of: sqlite, postgres", cfg.Store.Backend),
		}}
	}
}

// linkAlcohol resolves each AlcoholEvent's RawIndex to the inserted id.
func linkAlcohol(events []models.AlcoholEvent, ids []int64) ([]models.AlcoholEvent, error) {
	out := make([]models.AlcoholEvent, len(events))
	for i, ev := range events {
		if ev.RawIndex < 0 || ev.RawIndex >= len(ids) {
			return nil, fmt.Errorf("%w: index %d of %d", ErrDanglingRawIndex, ev.RawIndex, len(ids))
		}
		ev.RawEventID = ids[ev.RawIndex]
		out[i] = ev
	}
	return out, nil
}

// indexByID maps persisted raw ids back to their position in a snapshot.
func indexByID(records []models.RawEvent) map[int64]int {
	idx := make(map[int64]int, len(records))
	for i, r := range records {
		idx[r.ID] = i
	}
	return idx
}
