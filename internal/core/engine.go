package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/google/uuid"

	"github.com/JonMunkholm/healthdata/internal/config"
	"github.com/JonMunkholm/healthdata/internal/logging"
	"github.com/JonMunkholm/healthdata/internal/metrics"
	"github.com/JonMunkholm/healthdata/internal/models"
	"github.com/JonMunkholm/healthdata/internal/store"
)

// recoveryTimeout bounds the restore that follows a failed update.
const recoveryTimeout = 2 * time.Minute

var (
	// ErrBackupsUnsupported is returned for backup operations on a backend
	// that recovers by drop and recreate.
	ErrBackupsUnsupported = errors.New("backups are only supported on the sqlite backend")
	// ErrEngineClosed is returned by StartUpdate after Close.
	ErrEngineClosed = errors.New("engine is closed")
)

// Fetcher returns the CSV export of a sheet.
type Fetcher interface {
	Fetch(ctx context.Context, sheetID string) (string, error)
}

// Engine runs the pipeline against a store and serves reads from it.
type Engine struct {
	store    store.Store
	fetcher  Fetcher
	cfg      *config.Config
	metrics  *metrics.Metrics
	strategy rebuildStrategy
	guard    *UpdateGuard
	worker   pond.Pool
	now      func() time.Time

	// populate writes the batch into the target store.
	populate func(ctx context.Context, target store.Store, b models.Batch) error

	mu      sync.RWMutex
	current string
	last    *UpdateResult
}

// NewEngine wires an engine around an open store. m may be nil.
func NewEngine(st store.Store, f Fetcher, cfg *config.Config, m *metrics.Metrics) (*Engine, error) {
	strategy, err := strategyFor(st)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:    st,
		fetcher:  f,
		cfg:      cfg,
		metrics:  m,
		strategy: strategy,
		guard:    NewUpdateGuard(),
		worker:   pond.NewPool(1),
		now:      time.Now,
		populate: func(ctx context.Context, target store.Store, b models.Batch) error {
			return target.Populate(ctx, b)
		},
	}, nil
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// CreateSchema idempotently creates the schema on the live store.
func (e *Engine) CreateSchema(ctx context.Context) error {
	if err := e.store.CreateSchema(ctx); err != nil {
		return err
	}
	e.recordStoreMetrics(ctx)
	return nil
}

// Ping checks that the live store is reachable.
func (e *Engine) Ping(ctx context.Context) error { return e.store.Ping(ctx) }

// IsInitialized reports whether the live store is ready.
func (e *Engine) IsInitialized(ctx context.Context) (bool, error) {
	return e.store.IsInitialized(ctx)
}

// Update runs the pipeline synchronously. A call made while another update
// is in flight returns immediately with status in_progress and
// ErrUpdateInProgress, without touching the store.
func (e *Engine) Update(ctx context.Context) (UpdateResult, error) {
	if !e.guard.TryAcquire() {
		return e.busy(), ErrUpdateInProgress
	}
	defer e.guard.Release()

	return e.run(ctx, uuid.New())
}

// StartUpdate hands the run to the background worker and returns at once
// with status in_progress. The outcome is available from LastResult.
func (e *Engine) StartUpdate(ctx context.Context) (UpdateResult, error) {
	if !e.guard.TryAcquire() {
		return e.busy(), ErrUpdateInProgress
	}

	id := uuid.New()
	e.setCurrent(id.String())
	bg := context.WithoutCancel(ctx)

	// A task refused by a closing pool never runs, so it cannot release.
	err := e.worker.Go(func() {
		defer e.guard.Release()
		e.run(bg, id)
	})
	if err != nil {
		e.setCurrent("")
		e.guard.Release()
		if errors.Is(err, pond.ErrPoolStopped) {
			err = ErrEngineClosed
		}
		return UpdateResult{Status: UpdateFailed}, err
	}

	return UpdateResult{RunID: id.String(), Status: UpdateInProgress, StartedAt: e.now()}, nil
}

func (e *Engine) busy() UpdateResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return UpdateResult{RunID: e.current, Status: UpdateInProgress, StartedAt: e.guard.Since()}
}

func (e *Engine) setCurrent(id string) {
	e.mu.Lock()
	e.current = id
	e.mu.Unlock()
}

// run executes one update. The caller holds the guard.
func (e *Engine) run(ctx context.Context, id uuid.UUID) (UpdateResult, error) {
	res := UpdateResult{RunID: id.String(), Status: UpdateInProgress, StartedAt: e.now()}
	e.setCurrent(res.RunID)

	ctx, log := logging.WithFields(ctx,
		"run_id", res.RunID,
		"backend", string(e.store.Backend()),
		"trigger", TriggerFromContext(ctx),
	)
	if timeout := e.cfg.Update.Timeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	log.Info("update started")
	err := e.execute(ctx, &res)
	res.FinishedAt = e.now()

	if err != nil {
		res.Status = UpdateFailed
		res.Err = err
		res.Error = err.Error()
		log.Error("update failed",
			"error", err,
			"code", MapError(err).Code,
			"duration_ms", res.Duration().Milliseconds(),
		)
	} else {
		res.Status = UpdateReady
		log.Info("update completed",
			"records", res.Counts.Records,
			"alcohol_events", res.Counts.AlcoholEvents,
			"weeks", res.Counts.Weeks,
			"flagged", res.Flagged(),
			"duration_ms", res.Duration().Milliseconds(),
		)
	}

	e.metrics.UpdateFinished(string(res.Status), res.Duration(), res.Flagged(), res.FinishedAt)
	e.recordStoreMetrics(context.WithoutCancel(ctx))

	e.mu.Lock()
	e.current = ""
	last := res
	e.last = &last
	e.mu.Unlock()

	return res, err
}

// execute performs the update protocol: prepare the target store, run the
// pipeline into it, publish it, and recover on any failure.
func (e *Engine) execute(ctx context.Context, res *UpdateResult) (err error) {
	before, err := e.store.Metadata(ctx)
	if err != nil {
		return err
	}
	migrate := e.cfg.Postgres.MigrateFromSQLite &&
		e.store.Backend() == store.KindPostgres &&
		!before.Ready()

	var target store.Store
	defer func() {
		if err == nil {
			return
		}
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recoveryTimeout)
		defer cancel()
		if rerr := e.strategy.abort(rctx, target, res); rerr != nil {
			err = errors.Join(err, fmt.Errorf("recovery failed: %w", rerr))
		}
	}()

	target, err = e.strategy.begin(ctx, res)
	if err != nil {
		return err
	}

	var batch models.Batch
	if migrate {
		batch, err = e.migrateBatch(ctx, res)
	} else {
		batch, err = e.buildBatch(ctx, res)
	}
	if err != nil {
		return err
	}

	if err = e.populate(ctx, target, batch); err != nil {
		return err
	}
	return e.strategy.commit(ctx, target, e.now())
}

// LastResult returns the most recent finished run, or nil.
func (e *Engine) LastResult() *UpdateResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.last == nil {
		return nil
	}
	r := *e.last
	return &r
}

// Status returns the store state. While a run is in flight the status is
// updating even though the sqlite backend keeps serving the previous file.
func (e *Engine) Status(ctx context.Context) (StatusReport, error) {
	md, err := e.store.Metadata(ctx)
	if err != nil {
		return StatusReport{}, err
	}

	rep := StatusReport{
		Backend:     e.store.Backend(),
		Status:      md.Status,
		LastUpdated: md.LastUpdated,
		InFlight:    e.guard.Active(),
		LastRun:     e.LastResult(),
	}
	if rep.InFlight {
		rep.Status = models.StatusUpdating
	}
	return rep, nil
}

func (e *Engine) ready(ctx context.Context) (bool, error) {
	md, err := e.store.Metadata(ctx)
	if err != nil {
		return false, err
	}
	return md.Ready(), nil
}

// LastUpdated returns when the live store was last fully populated, or nil.
func (e *Engine) LastUpdated(ctx context.Context) (*time.Time, error) {
	return e.store.LastUpdated(ctx)
}

// WeeklyAggregates returns weeks in r. A store that is not ready yields an
// empty slice rather than a partial or failed read.
func (e *Engine) WeeklyAggregates(ctx context.Context, r models.DateRange) ([]models.WeeklyAggregate, error) {
	ok, err := e.ready(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []models.WeeklyAggregate{}, nil
	}
	return e.store.WeeklyAggregates(ctx, r)
}

// RowCounts returns per-table counts, all zero when the store is not ready.
func (e *Engine) RowCounts(ctx context.Context) (map[string]int64, error) {
	ok, err := e.ready(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]int64{
			store.TableRawEvents:     0,
			store.TableAlcoholEvents: 0,
			store.TableWeekly:        0,
		}, nil
	}
	return e.store.RowCounts(ctx)
}

// Backups lists sqlite backups, newest first.
func (e *Engine) Backups() ([]store.BackupInfo, error) {
	s, ok := e.store.(*store.SQLiteStore)
	if !ok {
		return nil, ErrBackupsUnsupported
	}
	return s.ListBackups()
}

// Restore replaces the live sqlite store with a backup. It takes the update
// guard so it never overlaps an update.
func (e *Engine) Restore(ctx context.Context, ref string) (store.BackupInfo, error) {
	s, ok := e.store.(*store.SQLiteStore)
	if !ok {
		return store.BackupInfo{}, ErrBackupsUnsupported
	}
	if !e.guard.TryAcquire() {
		return store.BackupInfo{}, ErrUpdateInProgress
	}
	defer e.guard.Release()

	b, err := s.Restore(ctx, ref)
	if err != nil {
		return b, err
	}
	logging.FromContext(ctx).Info("backup restored", "backup", b.Name())
	e.recordStoreMetrics(ctx)
	return b, nil
}

// Busy reports whether an update or restore holds the guard.
func (e *Engine) Busy() bool { return e.guard.Active() }

// Wait blocks until no update is in flight or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	return e.guard.WaitForDrain(ctx)
}

// Close stops the background worker after the queued run finishes.
func (e *Engine) Close() {
	e.worker.StopAndWait()
}

var knownStatuses = []string{
	string(models.StatusUninitialized),
	string(models.StatusEmpty),
	string(models.StatusUpdating),
	string(models.StatusReady),
}

func (e *Engine) recordStoreMetrics(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	md, err := e.store.Metadata(ctx)
	if err != nil {
		logging.FromContext(ctx).Warn("failed to read store status for metrics", "error", err)
		return
	}
	e.metrics.SetStoreStatus(string(md.Status), knownStatuses...)
	if !md.Ready() {
		return
	}
	if counts, err := e.store.RowCounts(ctx); err == nil {
		e.metrics.SetTableRows(counts)
	}
}
