package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/healthdata/internal/config"
	"github.com/JonMunkholm/healthdata/internal/core"
	"github.com/JonMunkholm/healthdata/internal/metrics"
	"github.com/JonMunkholm/healthdata/internal/models"
	"github.com/JonMunkholm/healthdata/internal/store"
)

type fakeEngine struct {
	pingErr   error
	status    core.StatusReport
	weeks     []models.WeeklyAggregate
	counts    map[string]int64
	startRes  core.UpdateResult
	startErr  error
	last      *core.UpdateResult
	backups   []store.BackupInfo
	backupErr error

	gotRange   models.DateRange
	gotTrigger core.Trigger
}

func (f *fakeEngine) Ping(context.Context) error { return f.pingErr }

func (f *fakeEngine) Status(context.Context) (core.StatusReport, error) { return f.status, nil }

func (f *fakeEngine) WeeklyAggregates(_ context.Context, r models.DateRange) ([]models.WeeklyAggregate, error) {
	f.gotRange = r
	var out []models.WeeklyAggregate
	for _, w := range f.weeks {
		if r.Start != nil && w.WeekStartDate.Before(*r.Start) {
			continue
		}
		if r.End != nil && w.WeekStartDate.After(*r.End) {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeEngine) RowCounts(context.Context) (map[string]int64, error) { return f.counts, nil }

func (f *fakeEngine) StartUpdate(ctx context.Context) (core.UpdateResult, error) {
	f.gotTrigger = core.TriggerFromContext(ctx)
	return f.startRes, f.startErr
}

func (f *fakeEngine) LastResult() *core.UpdateResult { return f.last }

func (f *fakeEngine) Backups() ([]store.BackupInfo, error) { return f.backups, f.backupErr }

func newTestServer(f *fakeEngine, keys ...string) *Server {
	return NewServer(f, metrics.New(), config.ServerConfig{
		RequestTimeout: 5 * time.Second,
		APIKeys:        keys,
	})
}

func do(t *testing.T, s *Server, method, target string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		pingErr error
		want    int
	}{
		{"store reachable", nil, http.StatusOK},
		{"store down", errors.New("connection refused"), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestServer(&fakeEngine{pingErr: tt.pingErr}), http.MethodGet, "/healthz", nil)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("security headers missing")
			}
		})
	}
}

func TestStatus(t *testing.T) {
	now := time.Date(2024, 1, 8, 9, 0, 0, 0, time.UTC)
	f := &fakeEngine{status: core.StatusReport{
		Backend:     store.KindSQLite,
		Status:      models.StatusReady,
		LastUpdated: &now,
	}}

	rec := do(t, newTestServer(f), http.MethodGet, "/api/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[map[string]any](t, rec)
	if got["status"] != "ready" || got["backend"] != "sqlite" || got["update_in_flight"] != false {
		t.Errorf("body = %v", got)
	}
}

func TestWeekly(t *testing.T) {
	f := &fakeEngine{weeks: []models.WeeklyAggregate{
		{WeekStartDate: models.MustParseDate("2024-01-01"), WeekEndDate: models.MustParseDate("2024-01-07"), TotalDrinks: 3.5, EventCount: 3},
		{WeekStartDate: models.MustParseDate("2024-01-08"), WeekEndDate: models.MustParseDate("2024-01-14"), TotalDrinks: 1, EventCount: 1},
	}}
	s := newTestServer(f)

	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantWeeks int
		wantErr   string
	}{
		{"all weeks", "", http.StatusOK, 2, ""},
		{"from start", "?start=2024-01-08", http.StatusOK, 1, ""},
		{"bounded", "?start=2024-01-01&end=2024-01-01", http.StatusOK, 1, ""},
		{"empty window", "?start=2025-01-01", http.StatusOK, 0, ""},
		{"bad date", "?start=01/08/2024", http.StatusBadRequest, 0, "REQ001"},
		{"inverted", "?start=2024-02-01&end=2024-01-01", http.StatusBadRequest, 0, "REQ002"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, "/api/weekly"+tt.query, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantErr != "" {
				if got := decode[ErrorResponse](t, rec); got.Code != tt.wantErr {
					t.Errorf("code = %s, want %s", got.Code, tt.wantErr)
				}
				return
			}
			got := decode[struct {
				Weeks []models.WeeklyAggregate `json:"weeks"`
			}](t, rec)
			if got.Weeks == nil || len(got.Weeks) != tt.wantWeeks {
				t.Errorf("weeks = %v, want %d non-nil", got.Weeks, tt.wantWeeks)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		f := &fakeEngine{startRes: core.UpdateResult{RunID: "run-1", Status: core.UpdateInProgress}}
		rec := do(t, newTestServer(f), http.MethodPost, "/api/update", nil)

		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rec.Code)
		}
		if got := decode[core.UpdateResult](t, rec); got.RunID != "run-1" || got.Status != core.UpdateInProgress {
			t.Errorf("body = %+v", got)
		}
		if f.gotTrigger != core.TriggerAPI {
			t.Errorf("trigger = %s, want api", f.gotTrigger)
		}
	})

	t.Run("in progress", func(t *testing.T) {
		f := &fakeEngine{
			startRes: core.UpdateResult{RunID: "run-0", Status: core.UpdateInProgress},
			startErr: core.ErrUpdateInProgress,
		}
		rec := do(t, newTestServer(f), http.MethodPost, "/api/update", nil)

		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
		got := decode[ErrorResponse](t, rec)
		if got.Code != "UPD001" || got.RunID != "run-0" {
			t.Errorf("body = %+v, want UPD001 for run-0", got)
		}
	})

	t.Run("requires key when configured", func(t *testing.T) {
		f := &fakeEngine{startRes: core.UpdateResult{RunID: "run-2", Status: core.UpdateInProgress}}
		s := newTestServer(f, "secret")

		if rec := do(t, s, http.MethodPost, "/api/update", nil); rec.Code != http.StatusUnauthorized {
			t.Errorf("no key: status = %d, want 401", rec.Code)
		}
		if rec := do(t, s, http.MethodPost, "/api/update", map[string]string{"X-API-Key": "nope"}); rec.Code != http.StatusForbidden {
			t.Errorf("wrong key: status = %d, want 403", rec.Code)
		}
		if rec := do(t, s, http.MethodPost, "/api/update", map[string]string{"X-API-Key": "secret"}); rec.Code != http.StatusAccepted {
			t.Errorf("right key: status = %d, want 202", rec.Code)
		}
		if rec := do(t, s, http.MethodGet, "/api/status", nil); rec.Code != http.StatusOK {
			t.Errorf("reads need no key: status = %d, want 200", rec.Code)
		}
	})
}

func TestLastUpdate(t *testing.T) {
	rec := do(t, newTestServer(&fakeEngine{}), http.MethodGet, "/api/update/last", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("no run: status = %d, want 404", rec.Code)
	}

	last := &core.UpdateResult{RunID: "run-9", Status: core.UpdateFailed, Error: "fetch failed"}
	rec = do(t, newTestServer(&fakeEngine{last: last}), http.MethodGet, "/api/update/last", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := decode[core.UpdateResult](t, rec); got.RunID != "run-9" || got.Error != "fetch failed" {
		t.Errorf("body = %+v", got)
	}
}

func TestBackups(t *testing.T) {
	rec := do(t, newTestServer(&fakeEngine{backupErr: core.ErrBackupsUnsupported}), http.MethodGet, "/api/backups", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("postgres: status = %d, want 501", rec.Code)
	}
	if got := decode[ErrorResponse](t, rec); got.Code != "UPD004" {
		t.Errorf("code = %s, want UPD004", got.Code)
	}

	rec = do(t, newTestServer(&fakeEngine{}), http.MethodGet, "/api/backups", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"backups":[]`) {
		t.Errorf("empty list: %d %s", rec.Code, rec.Body.String())
	}
}

func TestCountsAndMetrics(t *testing.T) {
	f := &fakeEngine{counts: map[string]int64{store.TableRawEvents: 6}}
	s := newTestServer(f)

	rec := do(t, s, http.MethodGet, "/api/counts", nil)
	if got := decode[map[string]int64](t, rec); got[store.TableRawEvents] != 6 {
		t.Errorf("counts = %v", got)
	}

	rec = do(t, s, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Errorf("metrics: %d, missing runtime collectors", rec.Code)
	}
}
