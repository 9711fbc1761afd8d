package models

import (
	"time"
)

// EventType tells whether a row records the present moment or a backfilled one.
type EventType string

const (
	EventNow   EventType = "now"
	EventRetro EventType = "retro"
)

// StartStop marks one endpoint of a timespan event.
// The empty value means the row is not part of a span.
type StartStop string

const (
	Start StartStop = "Start"
	Stop  StartStop = "Stop"
)

// RawEvent is one normalized spreadsheet row.
type RawEvent struct {
	ID             int64 // surrogate key, zero until persisted
	Row            int   // 0-based data row in the source export
	Timestamp      *time.Time
	EventType      EventType
	EventName      string
	StartStop      StartStop
	ActualDatetime *time.Time
	EffectiveDate  *Date
	Comments       *string

	IsValid          bool
	ValidationErrors []ValidationError

	// Malformed is set by the parser when the row's dates could not be read.
	// Such rows are kept for reporting but never paired or aggregated.
	Malformed bool
}

// CommentText returns the comment or "" when absent.
func (e RawEvent) CommentText() string {
	if e.Comments == nil {
		return ""
	}
	return *e.Comments
}

// Annotate marks the event invalid and records the finding.
func (e *RawEvent) Annotate(v ValidationError) {
	e.IsValid = false
	e.ValidationErrors = append(e.ValidationErrors, v)
}

// AlcoholEvent is derived from a RawEvent in the drink category.
type AlcoholEvent struct {
	ID            int64
	RawEventID    int64 // set by the store from the id inserted for RawIndex
	RawIndex      int   // index of the owning RawEvent in Batch.Records
	EffectiveDate Date
	DrinkCount    float64
	Comments      *string
}

// WeeklyAggregate is one row per calendar week.
type WeeklyAggregate struct {
	ID            int64   `json:"-"`
	WeekStartDate Date    `json:"week_start_date"`
	WeekEndDate   Date    `json:"week_end_date"`
	TotalDrinks   float64 `json:"total_drinks"`
	EventCount    int     `json:"event_count"`
}

// Batch is everything one pipeline run writes to the store.
type Batch struct {
	Records          []RawEvent
	AlcoholEvents    []AlcoholEvent
	WeeklyAggregates []WeeklyAggregate
}

// DateRange bounds a query on week_start_date. Nil ends are open.
type DateRange struct {
	Start *Date
	End   *Date
}
