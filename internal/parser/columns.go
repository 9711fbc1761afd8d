package parser

import (
	"errors"
	"fmt"
	"strings"
)

// Source export column headers.
const (
	ColTimestamp      = "Timestamp"
	ColEventNow       = "A) Report event (今)"
	ColNowStartStop   = "Is now the stop or start time?"
	ColEventRetro     = "B) Report event (別時)"
	ColRetroStartStop = "Retro: stop or start time?"
	ColRetroTime      = "Retro: Time"
	ColRetroDate      = "Retro: Date"
	ColComments       = "Comments"
)

// requiredColumns must all be present for the export to be usable.
var requiredColumns = []string{ColTimestamp, ColEventNow, ColEventRetro}

// ErrMissingColumns is returned when the header row lacks a required column.
// It is structural and fatal to the run.
var ErrMissingColumns = errors.New("missing required columns")

// headerIndex maps normalized column names to their position in a row.
type headerIndex map[string]int

func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// makeHeaderIndex indexes the header row. The first occurrence of a
// duplicated header wins.
func makeHeaderIndex(headers []string) headerIndex {
	idx := make(headerIndex, len(headers))
	for i, h := range headers {
		key := normalizeHeader(h)
		if _, seen := idx[key]; !seen {
			idx[key] = i
		}
	}
	return idx
}

// validateHeaders checks that every required column exists.
func validateHeaders(headers []string) (headerIndex, error) {
	idx := makeHeaderIndex(headers)
	var missing []string

	for _, col := range requiredColumns {
		if _, ok := idx[normalizeHeader(col)]; !ok {
			missing = append(missing, col)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}
	return idx, nil
}

// cell returns the trimmed value of col in row, or "" when the column is
// absent or the row is short.
func (h headerIndex) cell(row []string, col string) string {
	i, ok := h[normalizeHeader(col)]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
