package core

import (
	"time"

	"github.com/JonMunkholm/healthdata/internal/models"
	"github.com/JonMunkholm/healthdata/internal/parser"
	"github.com/JonMunkholm/healthdata/internal/store"
)

// UpdateStatus is the terminal outcome of an update request.
type UpdateStatus string

const (
	UpdateReady      UpdateStatus = "ready"
	UpdateInProgress UpdateStatus = "in_progress"
	UpdateFailed     UpdateStatus = "failed"
)

// Counts summarises what a run read and wrote.
type Counts struct {
	RowsRead      int `json:"rows_read"`
	Records       int `json:"records"`
	AlcoholEvents int `json:"alcohol_events"`
	Weeks         int `json:"weeks"`
	// Spans counts paired Start/Stop intervals, valid or not.
	Spans int `json:"spans"`
}

// UpdateResult reports one update. Errors holds the non-fatal validation
// findings for rows that were still persisted.
type UpdateResult struct {
	RunID       string                   `json:"run_id,omitempty"`
	Status      UpdateStatus             `json:"status"`
	Errors      []models.ValidationError `json:"errors"`
	ParseErrors []parser.ParseError      `json:"parse_errors,omitempty"`
	Counts      Counts                   `json:"counts"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at,omitzero"`
	Backup      *store.BackupInfo        `json:"backup,omitempty"`
	Migrated    bool                     `json:"migrated,omitempty"`
	Error       string                   `json:"error,omitempty"`
	Err         error                    `json:"-"`
}

// Flagged returns how many validation findings the run produced.
func (r UpdateResult) Flagged() int {
	return len(r.Errors)
}

// Duration returns the wall time of a finished run.
func (r UpdateResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// StatusReport is the externally visible store state.
type StatusReport struct {
	Backend     store.Kind         `json:"backend"`
	Status      models.StoreStatus `json:"status"`
	LastUpdated *time.Time         `json:"last_updated"`
	InFlight    bool               `json:"update_in_flight"`
	LastRun     *UpdateResult      `json:"last_run,omitempty"`
}
