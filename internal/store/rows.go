package store

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"

	"github.com/JonMunkholm/healthdata/internal/models"
)

// rawEventRow is the raw_events table.
type rawEventRow struct {
	bun.BaseModel `bun:"table:raw_events,alias:re"`

	ID               int64        `bun:"id,pk,autoincrement"`
	RowIndex         int          `bun:"row_index,notnull"`
	Timestamp        *time.Time   `bun:"timestamp"`
	EventType        string       `bun:"event_type,notnull"`
	EventName        string       `bun:"event_name,notnull"`
	StartStop        *string      `bun:"start_stop"`
	ActualDatetime   *time.Time   `bun:"actual_datetime"`
	EffectiveDate    *models.Date `bun:"effective_date,type:date"`
	Comments         *string      `bun:"comments"`
	IsValid          bool         `bun:"is_valid,notnull"`
	ValidationErrors *string      `bun:"validation_errors"`
}

// alcoholEventRow is the alcohol_events table.
type alcoholEventRow struct {
	bun.BaseModel `bun:"table:alcohol_events,alias:ae"`

	ID            int64       `bun:"id,pk,autoincrement"`
	RawEventID    int64       `bun:"raw_event_id,notnull"`
	EffectiveDate models.Date `bun:"effective_date,type:date,notnull"`
	DrinkCount    float64     `bun:"drink_count,notnull"`
	Comments      *string     `bun:"comments"`
}

// weeklyRow is the alcohol_weekly table.
type weeklyRow struct {
	bun.BaseModel `bun:"table:alcohol_weekly,alias:aw"`

	ID            int64       `bun:"id,pk,autoincrement"`
	WeekStartDate models.Date `bun:"week_start_date,type:date,notnull,unique"`
	WeekEndDate   models.Date `bun:"week_end_date,type:date,notnull"`
	TotalDrinks   float64     `bun:"total_drinks,notnull"`
	EventCount    int         `bun:"event_count,notnull"`
}

// metadataRow is the db_metadata table. Value holds last_updated.
type metadataRow struct {
	bun.BaseModel `bun:"table:db_metadata,alias:md"`

	Key       string     `bun:"key,pk"`
	Value     *time.Time `bun:"value"`
	Status    string     `bun:"status,notnull"`
	UpdatedAt time.Time  `bun:"updated_at,notnull"`
}

func toRawRow(e models.RawEvent) (*rawEventRow, error) {
	row := &rawEventRow{
		RowIndex:       e.Row,
		Timestamp:      e.Timestamp,
		EventType:      string(e.EventType),
		EventName:      e.EventName,
		ActualDatetime: e.ActualDatetime,
		EffectiveDate:  e.EffectiveDate,
		Comments:       e.Comments,
		IsValid:        e.IsValid,
	}
	if e.StartStop != "" {
		ss := string(e.StartStop)
		row.StartStop = &ss
	}
	errs, err := encodeFindings(e.ValidationErrors)
	if err != nil {
		return nil, err
	}
	row.ValidationErrors = errs
	return row, nil
}

func (r *rawEventRow) toModel() (models.RawEvent, error) {
	e := models.RawEvent{
		ID:             r.ID,
		Row:            r.RowIndex,
		Timestamp:      r.Timestamp,
		EventType:      models.EventType(r.EventType),
		EventName:      r.EventName,
		ActualDatetime: r.ActualDatetime,
		EffectiveDate:  r.EffectiveDate,
		Comments:       r.Comments,
		IsValid:        r.IsValid,
		Malformed:      r.ActualDatetime == nil,
	}
	if r.StartStop != nil {
		e.StartStop = models.StartStop(*r.StartStop)
	}
	findings, err := decodeFindings(r.ValidationErrors)
	if err != nil {
		return e, err
	}
	e.ValidationErrors = findings
	return e, nil
}

// encodeFindings stores validation findings as JSON text, NULL when empty.
func encodeFindings(v []models.ValidationError) (*string, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeFindings(s *string) ([]models.ValidationError, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var out []models.ValidationError
	if err := json.Unmarshal([]byte(*s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
