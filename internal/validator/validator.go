// Package validator pairs Start/Stop events and flags invalid rows.
//
// Validation annotates and reports; it never fails on bad data.
package validator

import (
	"fmt"
	"sort"
	"time"

	"github.com/JonMunkholm/healthdata/internal/models"
)

// DefaultMaxSpan is the longest paired span considered valid.
const DefaultMaxSpan = 24 * time.Hour

// Options tunes validation.
type Options struct {
	// MaxSpan overrides DefaultMaxSpan when positive.
	MaxSpan time.Duration
}

// Span is a paired Start/Stop interval for one event name.
type Span struct {
	EventName  string        `json:"event_name"`
	StartIndex int           `json:"-"`
	StopIndex  int           `json:"-"`
	StartRow   int           `json:"start_row"`
	StopRow    int           `json:"stop_row"`
	Start      time.Time     `json:"start"`
	Stop       time.Time     `json:"stop"`
	Duration   time.Duration `json:"duration"`
	Valid      bool          `json:"valid"`
}

// Result is the annotated record set plus the aggregate findings.
type Result struct {
	Records []models.RawEvent
	Errors  []models.ValidationError
	Spans   []Span
}

// Flagged returns how many distinct rows are invalid.
func (r Result) Flagged() int {
	n := 0
	for _, rec := range r.Records {
		if !rec.IsValid {
			n++
		}
	}
	return n
}

// Validate annotates a copy of records. Records keep their input order;
// Errors are ordered by row.
func Validate(records []models.RawEvent, opts Options) Result {
	maxSpan := opts.MaxSpan
	if maxSpan <= 0 {
		maxSpan = DefaultMaxSpan
	}

	out := make([]models.RawEvent, len(records))
	copy(out, records)

	v := &run{records: out}
	for i := range out {
		out[i].ValidationErrors = append([]models.ValidationError(nil), out[i].ValidationErrors...)
		if !out[i].Malformed && len(out[i].ValidationErrors) == 0 {
			out[i].IsValid = true
		}
	}

	for i := range out {
		rec := &out[i]
		if rec.Malformed {
			v.flag(i, models.MalformedRow, "date or time could not be parsed")
		}
		if rec.EventName == "" {
			v.flag(i, models.MissingEventName, "event name is empty")
		}
	}

	streams := v.streams()
	names := make([]string, 0, len(streams))
	for name := range streams {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v.pair(name, streams[name], maxSpan)
	}

	sort.SliceStable(v.errors, func(a, b int) bool { return v.errors[a].Row < v.errors[b].Row })
	sort.Slice(v.spans, func(a, b int) bool {
		if !v.spans[a].Start.Equal(v.spans[b].Start) {
			return v.spans[a].Start.Before(v.spans[b].Start)
		}
		return v.spans[a].StartRow < v.spans[b].StartRow
	})

	return Result{Records: out, Errors: v.errors, Spans: v.spans}
}

type run struct {
	records []models.RawEvent
	errors  []models.ValidationError
	spans   []Span
}

func (v *run) flag(i int, kind models.ValidationKind, msg string) {
	ve := models.ValidationError{Row: v.records[i].Row, Kind: kind, Message: msg}
	v.records[i].Annotate(ve)
	v.errors = append(v.errors, ve)
}

// streams groups span endpoints by event name, each ordered by actual
// datetime with ties broken by source row.
func (v *run) streams() map[string][]int {
	out := make(map[string][]int)
	for i, rec := range v.records {
		if rec.StartStop == "" || rec.Malformed || rec.EventName == "" {
			continue
		}
		out[rec.EventName] = append(out[rec.EventName], i)
	}
	for _, idx := range out {
		sort.SliceStable(idx, func(a, b int) bool {
			ra, rb := v.records[idx[a]], v.records[idx[b]]
			if !ra.ActualDatetime.Equal(*rb.ActualDatetime) {
				return ra.ActualDatetime.Before(*rb.ActualDatetime)
			}
			return ra.Row < rb.Row
		})
	}
	return out
}

func (v *run) pair(name string, stream []int, maxSpan time.Duration) {
	open := -1
	for _, i := range stream {
		switch v.records[i].StartStop {
		case models.Start:
			if open >= 0 {
				v.flag(open, models.UnpairedStart, fmt.Sprintf("%q Start has no Stop before the next Start", name))
			}
			open = i

		case models.Stop:
			if open < 0 {
				v.flag(i, models.UnpairedStop, fmt.Sprintf("%q Stop has no preceding Start", name))
				continue
			}
			v.closeSpan(name, open, i, maxSpan)
			open = -1
		}
	}
	if open >= 0 {
		v.flag(open, models.UnpairedStart, fmt.Sprintf("%q Start has no following Stop", name))
	}
}

func (v *run) closeSpan(name string, start, stop int, maxSpan time.Duration) {
	s, e := v.records[start], v.records[stop]
	span := Span{
		EventName:  name,
		StartIndex: start,
		StopIndex:  stop,
		StartRow:   s.Row,
		StopRow:    e.Row,
		Start:      *s.ActualDatetime,
		Stop:       *e.ActualDatetime,
		Duration:   e.ActualDatetime.Sub(*s.ActualDatetime),
		Valid:      true,
	}

	if span.Duration > maxSpan {
		span.Valid = false
		ve := models.ValidationError{
			Row:     e.Row,
			Kind:    models.SpanTooLong,
			Message: fmt.Sprintf("%q span from row %d lasts %s, longer than %s", name, s.Row, span.Duration, maxSpan),
		}
		v.records[start].Annotate(ve)
		v.records[stop].Annotate(ve)
		v.errors = append(v.errors, ve)
	}

	v.spans = append(v.spans, span)
}
