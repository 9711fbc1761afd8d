// Package parser turns the raw CSV export into normalized RawEvent records.
//
// Row-level problems never abort a batch: rows whose dates cannot be read are
// emitted with Malformed set and reported as ParseErrors. Only a structurally
// unusable export (missing required columns, unreadable CSV) is fatal.
package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/JonMunkholm/healthdata/internal/models"
)

// ParseKind classifies a ParseError.
type ParseKind string

const (
	InvalidTimestamp ParseKind = "InvalidTimestamp"
	InvalidRetroDate ParseKind = "InvalidRetroDate"
	InvalidRetroTime ParseKind = "InvalidRetroTime"
	InvalidStartStop ParseKind = "InvalidStartStop"
	MalformedCSV     ParseKind = "MalformedCSV"
)

// ParseError is a non-fatal, per-row parse finding.
type ParseError struct {
	Row     int       `json:"row_index"`
	Kind    ParseKind `json:"kind"`
	Field   string    `json:"field"`
	Value   string    `json:"value"`
	Message string    `json:"message"`
}

func (e ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("row %d: %s: %s", e.Row, e.Kind, e.Message)
	}
	return fmt.Sprintf("row %d: %s in %q (%q): %s", e.Row, e.Kind, e.Field, e.Value, e.Message)
}

// Options controls date interpretation.
type Options struct {
	// Location is the zone naive timestamps are read in. Nil means UTC.
	Location *time.Location
	// Cutoff is the next-day cutoff as an offset from midnight.
	Cutoff time.Duration
}

// Result carries the parsed records and the non-fatal findings.
type Result struct {
	Records  []models.RawEvent
	Errors   []ParseError
	RowsRead int
}

// ParseString parses CSV text.
func ParseString(text string, opts Options) (Result, error) {
	return Parse(strings.NewReader(text), opts)
}

// Parse reads the export from r. The returned error is non-nil only for
// structural failures; row problems are collected in Result.Errors.
func Parse(r io.Reader, opts Options) (Result, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	cr := csv.NewReader(skipBOM(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	headers, err := cr.Read()
	if err == io.EOF {
		return Result{}, fmt.Errorf("%w: empty export", ErrMissingColumns)
	}
	if err != nil {
		return Result{}, fmt.Errorf("read header: %w", err)
	}
	for i := range headers {
		headers[i] = sanitize(headers[i])
	}

	idx, err := validateHeaders(headers)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for row := 0; ; row++ {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return res, fmt.Errorf("read row %d: %w", row, err)
			}
			res.RowsRead++
			res.Errors = append(res.Errors, ParseError{Row: row, Kind: MalformedCSV, Message: pe.Err.Error()})
			continue
		}
		res.RowsRead++

		for i := range fields {
			fields[i] = sanitize(fields[i])
		}

		rec, findings, ok := parseRow(row, fields, idx, opts)
		res.Errors = append(res.Errors, findings...)
		if ok {
			res.Records = append(res.Records, rec)
		}
	}

	return res, nil
}

// parseRow builds one RawEvent. ok is false for completely blank rows.
func parseRow(row int, fields []string, idx headerIndex, opts Options) (models.RawEvent, []ParseError, bool) {
	if blank(fields) {
		return models.RawEvent{}, nil, false
	}

	var (
		rec      = models.RawEvent{Row: row, IsValid: true}
		findings []ParseError
		rawSS    string
	)
	fail := func(kind ParseKind, field, value, msg string) {
		findings = append(findings, ParseError{Row: row, Kind: kind, Field: field, Value: value, Message: msg})
	}

	tsText := idx.cell(fields, ColTimestamp)
	var ts *time.Time
	if tsText != "" {
		t, err := parseDateTime(tsText, opts.Location)
		if err != nil {
			fail(InvalidTimestamp, ColTimestamp, tsText, err.Error())
		} else {
			ts = &t
		}
	}
	rec.Timestamp = ts

	now := idx.cell(fields, ColEventNow)
	retro := idx.cell(fields, ColEventRetro)

	switch {
	case retro != "" && now == "":
		rec.EventType = models.EventRetro
		rec.EventName = retro
		rawSS = idx.cell(fields, ColRetroStartStop)

		actual, err := retroDateTime(idx.cell(fields, ColRetroDate), idx.cell(fields, ColRetroTime), ts, opts.Location)
		if err != nil {
			var pe ParseError
			if errors.As(err, &pe) {
				pe.Row = row
				findings = append(findings, pe)
			}
		} else {
			rec.ActualDatetime = actual
		}

	default:
		// A row with no event name still counts as a "now" row so the
		// validator can report it.
		rec.EventType = models.EventNow
		rec.EventName = now
		rawSS = idx.cell(fields, ColNowStartStop)
		rec.ActualDatetime = ts
		if ts == nil && tsText == "" {
			fail(InvalidTimestamp, ColTimestamp, "", "timestamp is empty")
		}
	}

	switch {
	case rawSS == "":
	case strings.EqualFold(rawSS, string(models.Start)):
		rec.StartStop = models.Start
	case strings.EqualFold(rawSS, string(models.Stop)):
		rec.StartStop = models.Stop
	default:
		fail(InvalidStartStop, "start_stop", rawSS, "want Start or Stop")
	}

	if rec.ActualDatetime == nil {
		rec.Malformed = true
		rec.IsValid = false
	} else {
		eff := EffectiveDate(*rec.ActualDatetime, opts.Cutoff, opts.Location)
		rec.EffectiveDate = &eff
	}

	if c := idx.cell(fields, ColComments); c != "" {
		rec.Comments = &c
	}

	return rec, findings, true
}

// retroDateTime resolves a backfilled instant. A blank date borrows the
// submission timestamp's date; a blank time means midnight; both blank fall
// back to the submission timestamp itself.
func retroDateTime(dateText, timeText string, ts *time.Time, loc *time.Location) (*time.Time, error) {
	var clock time.Duration
	if timeText != "" {
		c, err := ParseClock(timeText)
		if err != nil {
			return nil, ParseError{Kind: InvalidRetroTime, Field: ColRetroTime, Value: timeText, Message: err.Error()}
		}
		clock = c
	}

	switch {
	case dateText != "":
		y, m, d, err := parseDate(dateText)
		if err != nil {
			return nil, ParseError{Kind: InvalidRetroDate, Field: ColRetroDate, Value: dateText, Message: err.Error()}
		}
		t := at(y, m, d, clock, loc)
		return &t, nil

	case ts == nil:
		return nil, ParseError{Kind: InvalidTimestamp, Field: ColTimestamp, Message: "retro row needs a retro date or a submission timestamp"}

	case timeText != "":
		local := ts.In(loc)
		t := at(local.Year(), local.Month(), local.Day(), clock, loc)
		return &t, nil

	default:
		t := *ts
		return &t, nil
	}
}

func blank(fields []string) bool {
	for _, f := range fields {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
