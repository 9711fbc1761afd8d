package web

import (
	"context"
	"errors"
	"net/http"

	"github.com/JonMunkholm/healthdata/internal/core"
	"github.com/JonMunkholm/healthdata/internal/logging"
	"github.com/JonMunkholm/healthdata/internal/models"
	"github.com/JonMunkholm/healthdata/internal/store"
)

// handleHealth reports whether the store answers a ping.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	if err := s.engine.Ping(ctx); err != nil {
		logging.FromContext(ctx).Warn("health check failed", "error", err)
		writeJSON(w, r, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	rep, err := s.engine.Status(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, rep)
}

// handleWeekly serves weekly aggregates, optionally bounded by
// ?start=YYYY-MM-DD and ?end=YYYY-MM-DD on week_start_date.
func (s *Server) handleWeekly(w http.ResponseWriter, r *http.Request) {
	rng, msg, ok := parseRange(r)
	if !ok {
		respondMessage(w, msg, http.StatusBadRequest, "")
		return
	}

	weeks, err := s.engine.WeeklyAggregates(r.Context(), rng)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if weeks == nil {
		weeks = []models.WeeklyAggregate{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"weeks": weeks})
}

func parseRange(r *http.Request) (models.DateRange, core.UserMessage, bool) {
	var rng models.DateRange
	q := r.URL.Query()

	for _, p := range []struct {
		name string
		dst  **models.Date
	}{{"start", &rng.Start}, {"end", &rng.End}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		d, err := models.ParseDate(v)
		if err != nil {
			return rng, msgBadDate, false
		}
		*p.dst = &d
	}

	if rng.Start != nil && rng.End != nil && rng.Start.After(*rng.End) {
		return rng, msgBadRange, false
	}
	return rng, core.UserMessage{}, true
}

func (s *Server) handleCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := s.engine.RowCounts(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, counts)
}

// handleUpdate starts a background update. 202 with the run id on success,
// 409 with the running update's id when one is already in flight.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := core.ContextWithTrigger(r.Context(), core.TriggerAPI)

	res, err := s.engine.StartUpdate(ctx)
	if errors.Is(err, core.ErrUpdateInProgress) {
		respondMessage(w, core.MapError(err), http.StatusConflict, res.RunID)
		return
	}
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/update/last")
	writeJSON(w, r, http.StatusAccepted, res)
}

func (s *Server) handleLastUpdate(w http.ResponseWriter, r *http.Request) {
	last := s.engine.LastResult()
	if last == nil {
		respondMessage(w, msgNoRun, http.StatusNotFound, "")
		return
	}
	writeJSON(w, r, http.StatusOK, last)
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	backups, err := s.engine.Backups()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if backups == nil {
		backups = []store.BackupInfo{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"backups": backups})
}
