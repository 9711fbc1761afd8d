package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonMunkholm/healthdata/internal/config"
	"github.com/JonMunkholm/healthdata/internal/core"
	"github.com/JonMunkholm/healthdata/internal/fetcher"
	"github.com/JonMunkholm/healthdata/internal/logging"
	"github.com/JonMunkholm/healthdata/internal/metrics"
	"github.com/JonMunkholm/healthdata/internal/store"
	"github.com/JonMunkholm/healthdata/internal/web"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: ./config.yaml if present)")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err, "code", core.MapError(err).Code)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"backend", cfg.Store.Backend,
		"port", cfg.Server.Port,
		"update_interval", cfg.Update.Interval.String(),
		"update_on_start", cfg.Update.OnStart,
	)
	slog.Debug("configuration", "config", cfg.String())

	ctx := context.Background()
	st, err := store.Open(ctx, cfg)
	if err != nil {
		slog.Error("failed to open store", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	m := metrics.New()
	engine, err := core.NewEngine(st, fetcher.New(cfg.Fetch, m), cfg, m)
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := engine.CreateSchema(ctx); err != nil {
		slog.Error("failed to create schema", "error", err)
		os.Exit(1)
	}
	if rep, err := engine.Status(ctx); err == nil {
		slog.Info("store opened", "backend", rep.Backend, "status", rep.Status, "last_updated", rep.LastUpdated)
	}

	server := web.NewServer(engine, m, cfg.Server)

	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go engine.StartScheduler(jobCtx, core.ScheduleConfig{
		Interval:   cfg.Update.Interval,
		RunOnStart: cfg.Update.OnStart,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// A run still going at the deadline dies with the process. The sqlite
		// live file is only replaced by a completed rebuild; postgres stays
		// in status updating until the next update.
		if err := engine.Wait(shutdownCtx); err != nil {
			slog.Warn("update did not finish before shutdown", "error", err)
		}
	}()

	if err := server.Start(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		cancelJobs()
		os.Exit(1)
	}
	<-done

	if !engine.Busy() {
		engine.Close()
	}
	slog.Info("server stopped")
}
