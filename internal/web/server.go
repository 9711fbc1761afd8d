// Package web serves the read API, the update trigger and metrics over HTTP.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/healthdata/internal/config"
	"github.com/JonMunkholm/healthdata/internal/core"
	"github.com/JonMunkholm/healthdata/internal/metrics"
	"github.com/JonMunkholm/healthdata/internal/models"
	"github.com/JonMunkholm/healthdata/internal/store"
	mw "github.com/JonMunkholm/healthdata/internal/web/middleware"
)

// Engine is the part of core.Engine the server needs.
type Engine interface {
	Ping(ctx context.Context) error
	Status(ctx context.Context) (core.StatusReport, error)
	WeeklyAggregates(ctx context.Context, r models.DateRange) ([]models.WeeklyAggregate, error)
	RowCounts(ctx context.Context) (map[string]int64, error)
	StartUpdate(ctx context.Context) (core.UpdateResult, error)
	LastResult() *core.UpdateResult
	Backups() ([]store.BackupInfo, error)
}

// Server is the HTTP server for the pipeline.
type Server struct {
	engine  Engine
	metrics *metrics.Metrics
	cfg     config.ServerConfig
	router  *chi.Mux
	server  *http.Server
}

// NewServer creates a Server. m may be nil, in which case /metrics is 404.
func NewServer(engine Engine, m *metrics.Metrics, cfg config.ServerConfig) *Server {
	s := &Server{
		engine:  engine,
		metrics: m,
		cfg:     cfg,
		router:  chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(mw.TrustedRealIP(s.cfg.TrustedProxies))
	s.router.Use(mw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
	if s.cfg.RequestTimeout > 0 {
		s.router.Use(middleware.Timeout(s.cfg.RequestTimeout))
	}
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/weekly", s.handleWeekly)
		r.Get("/counts", s.handleCounts)
		r.Get("/backups", s.handleBackups)

		r.Get("/update/last", s.handleLastUpdate)
		r.With(mw.APIKeyAuth(s.cfg.APIKeys)).Post("/update", s.handleUpdate)
	})
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	slog.Info("starting server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// pingTimeout bounds the store check behind /healthz.
const pingTimeout = 3 * time.Second
