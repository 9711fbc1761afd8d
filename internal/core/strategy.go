package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/healthdata/internal/logging"
	"github.com/JonMunkholm/healthdata/internal/models"
	"github.com/JonMunkholm/healthdata/internal/store"
)

// rebuildStrategy holds the backend-specific steps of an update: preparing
// the store the run populates, publishing it, and recovering after a failure.
type rebuildStrategy interface {
	begin(ctx context.Context, res *UpdateResult) (store.Store, error)
	commit(ctx context.Context, target store.Store, at time.Time) error
	abort(ctx context.Context, target store.Store, res *UpdateResult) error
}

func strategyFor(st store.Store) (rebuildStrategy, error) {
	switch s := st.(type) {
	case *store.SQLiteStore:
		return &fileSwap{live: s}, nil
	case *store.PostgresStore:
		return &dropRecreate{pg: s}, nil
	default:
		return nil, fmt.Errorf("no update strategy for %T", st)
	}
}

// fileSwap backs up the live file, builds into a temporary store and renames
// it over the live file on success. Readers keep seeing the previous file
// until the swap.
type fileSwap struct {
	live *store.SQLiteStore
}

func (f *fileSwap) begin(ctx context.Context, res *UpdateResult) (store.Store, error) {
	md, err := f.live.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	if md.Status == models.StatusUninitialized {
		if err := f.live.CreateSchema(ctx); err != nil {
			return nil, err
		}
	} else {
		backup, err := f.live.Backup(ctx)
		if err != nil {
			return nil, fmt.Errorf("backup before update: %w", err)
		}
		res.Backup = backup
	}

	tmp, err := f.live.BeginRebuild(ctx)
	if err != nil {
		return nil, err
	}
	return tmp, nil
}

func (f *fileSwap) commit(ctx context.Context, target store.Store, at time.Time) error {
	tmp := target.(*store.SQLiteStore)
	if err := tmp.MarkReady(ctx, at); err != nil {
		return err
	}
	return f.live.Swap(ctx, tmp)
}

func (f *fileSwap) abort(ctx context.Context, target store.Store, res *UpdateResult) error {
	log := logging.FromContext(ctx)

	if tmp, ok := target.(*store.SQLiteStore); ok && tmp != nil {
		if err := tmp.Discard(); err != nil {
			log.Warn("failed to remove rebuild file", "path", tmp.Path(), "error", err)
		}
	}
	if res.Backup == nil {
		return nil
	}

	if _, err := f.live.Restore(ctx, res.Backup.Path); err != nil {
		return fmt.Errorf("restore %s: %w", res.Backup.Name(), err)
	}
	log.Info("restored pre-update backup", "backup", res.Backup.Name())
	return nil
}

// dropRecreate rebuilds the tables in place. A failed run leaves them empty
// with status updating; the next run starts from that known-empty state.
type dropRecreate struct {
	pg *store.PostgresStore
}

func (d *dropRecreate) begin(ctx context.Context, _ *UpdateResult) (store.Store, error) {
	if err := d.pg.Rebuild(ctx); err != nil {
		return nil, err
	}
	return d.pg, nil
}

func (d *dropRecreate) commit(ctx context.Context, _ store.Store, at time.Time) error {
	return d.pg.MarkReady(ctx, at)
}

func (d *dropRecreate) abort(ctx context.Context, _ store.Store, _ *UpdateResult) error {
	logging.FromContext(ctx).Warn("postgres tables left empty after failed update",
		slog.String("status", string(models.StatusUpdating)))
	return nil
}
