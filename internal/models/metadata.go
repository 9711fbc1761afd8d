package models

import "time"

// StoreStatus is the explicit state of the persisted store.
type StoreStatus string

const (
	// StatusEmpty means the schema exists but has never been populated.
	StatusEmpty StoreStatus = "empty"
	// StatusUpdating means a rebuild started and has not finished (or failed mid-way).
	StatusUpdating StoreStatus = "updating"
	// StatusReady means every table is fully populated.
	StatusReady StoreStatus = "ready"
	// StatusUninitialized means the schema does not exist yet. Never stored.
	StatusUninitialized StoreStatus = "uninitialized"
)

// Metadata is the single logical record tracking store readiness.
// LastUpdated is nil unless Status is StatusReady.
type Metadata struct {
	LastUpdated *time.Time  `json:"last_updated"`
	Status      StoreStatus `json:"status"`
}

// Ready reports whether readers may trust the data tables.
func (m Metadata) Ready() bool {
	return m.Status == StatusReady && m.LastUpdated != nil
}
