package core

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/JonMunkholm/healthdata/internal/logging"
	"github.com/JonMunkholm/healthdata/internal/models"
	"github.com/JonMunkholm/healthdata/internal/parser"
	"github.com/JonMunkholm/healthdata/internal/store"
	"github.com/JonMunkholm/healthdata/internal/transform"
	"github.com/JonMunkholm/healthdata/internal/validator"
)

// ErrNoSQLiteSource is returned when a migration run finds no SQLite file.
var ErrNoSQLiteSource = errors.New("sqlite source for migration not found")

// buildBatch runs fetch, parse, validate and transform, recording findings
// and counts on res.
func (e *Engine) buildBatch(ctx context.Context, res *UpdateResult) (models.Batch, error) {
	log := logging.FromContext(ctx)
	p := &e.cfg.Pipeline

	text, err := e.fetcher.Fetch(ctx, p.SheetID)
	if err != nil {
		return models.Batch{}, err
	}
	log.Debug("sheet fetched", "bytes", len(text))

	parsed, err := parser.ParseString(text, parser.Options{
		Location: p.Location(),
		Cutoff:   p.CutoffOffset(),
	})
	if err != nil {
		return models.Batch{}, fmt.Errorf("parse sheet: %w", err)
	}
	res.ParseErrors = parsed.Errors
	res.Counts.RowsRead = parsed.RowsRead

	validated := validator.Validate(parsed.Records, validator.Options{MaxSpan: p.MaxSpan})
	res.Errors = validated.Errors
	res.Counts.Spans = len(validated.Spans)

	derived := transform.Transform(validated.Records, transform.Options{
		DrinkCategory: p.DrinkCategory,
		WeekStart:     p.WeekStart(),
	})

	log.Info("pipeline finished",
		"rows", parsed.RowsRead,
		"parse_errors", len(parsed.Errors),
		"flagged", validated.Flagged(),
		"spans", len(validated.Spans),
		"alcohol_events", len(derived.AlcoholEvents),
		"weeks", len(derived.Weekly),
	)

	b := models.Batch{
		Records:          validated.Records,
		AlcoholEvents:    derived.AlcoholEvents,
		WeeklyAggregates: derived.Weekly,
	}
	setCounts(res, b)
	return b, nil
}

// migrateBatch reads the configured SQLite file instead of fetching. Used to
// seed an empty Postgres store from an existing embedded database.
func (e *Engine) migrateBatch(ctx context.Context, res *UpdateResult) (models.Batch, error) {
	path := e.cfg.Store.Path
	if _, err := os.Stat(path); err != nil {
		return models.Batch{}, fmt.Errorf("%w: %s", ErrNoSQLiteSource, path)
	}

	src, err := store.OpenSQLite(ctx, path, store.SQLiteOptions{})
	if err != nil {
		return models.Batch{}, err
	}
	defer src.Close()

	ready, err := src.IsInitialized(ctx)
	if err != nil {
		return models.Batch{}, err
	}
	if !ready {
		return models.Batch{}, fmt.Errorf("%w: %s is not ready", ErrNoSQLiteSource, path)
	}

	b, err := src.Snapshot(ctx)
	if err != nil {
		return models.Batch{}, err
	}
	for _, rec := range b.Records {
		res.Errors = append(res.Errors, rec.ValidationErrors...)
	}
	res.Migrated = true
	res.Counts.RowsRead = len(b.Records)
	setCounts(res, b)

	logging.FromContext(ctx).Info("migrating from sqlite", "path", path, "records", len(b.Records))
	return b, nil
}

func setCounts(res *UpdateResult, b models.Batch) {
	res.Counts.Records = len(b.Records)
	res.Counts.AlcoholEvents = len(b.AlcoholEvents)
	res.Counts.Weeks = len(b.WeeklyAggregates)
}
