package core

// scheduler.go provides the periodic refresh job.
//
// The scheduler calls Update on a fixed interval so the store follows the
// spreadsheet without an operator. A tick that lands while another update is
// running is skipped, not queued. Failures are logged and the scheduler keeps
// going; the store is left in whatever recoverable state the failed update
// produced.

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// ScheduleConfig configures the refresh scheduler.
type ScheduleConfig struct {
	Interval   time.Duration // How often to refresh (0 disables the ticker)
	RunOnStart bool          // Refresh immediately when the store is not ready
}

// StartScheduler runs until ctx is cancelled. With RunOnStart it first
// builds a store that is not ready; then it refreshes every Interval.
func (e *Engine) StartScheduler(ctx context.Context, cfg ScheduleConfig) {
	if cfg.RunOnStart {
		ready, err := e.IsInitialized(ctx)
		if err != nil {
			slog.Error("scheduler could not read store status", "error", err)
		} else if !ready {
			e.runScheduledUpdate(ContextWithTrigger(ctx, TriggerStartup))
		}
	}
	ctx = ContextWithTrigger(ctx, TriggerScheduler)

	if cfg.Interval <= 0 {
		return
	}

	slog.Info("refresh scheduler started", "interval", cfg.Interval.String())

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("refresh scheduler stopped")
			return
		case <-ticker.C:
			e.runScheduledUpdate(ctx)
		}
	}
}

// runScheduledUpdate performs one refresh and logs the outcome. Cancelling
// the scheduler stops future ticks; a run already started finishes under its
// own timeout.
func (e *Engine) runScheduledUpdate(ctx context.Context) {
	start := time.Now()

	res, err := e.Update(context.WithoutCancel(ctx))
	switch {
	case errors.Is(err, ErrUpdateInProgress):
		slog.Debug("scheduled refresh skipped, update in progress", "run_id", res.RunID)
	case err != nil:
		slog.Error("scheduled refresh failed",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	default:
		slog.Info("scheduled refresh completed",
			"run_id", res.RunID,
			"flagged", res.Flagged(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
