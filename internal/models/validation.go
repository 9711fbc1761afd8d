package models

import "fmt"

// ValidationKind names a class of row-level finding.
type ValidationKind string

const (
	UnpairedStart    ValidationKind = "UnpairedStart"
	UnpairedStop     ValidationKind = "UnpairedStop"
	SpanTooLong      ValidationKind = "SpanTooLong"
	MissingEventName ValidationKind = "MissingEventName"
	// MalformedRow mirrors a parser failure so every flagged row reports the same way.
	MalformedRow ValidationKind = "MalformedRow"
)

// ValidationError is a non-fatal finding about one source row.
type ValidationError struct {
	Row     int            `json:"row_index"`
	Kind    ValidationKind `json:"kind"`
	Message string         `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("row %d: %s: %s", e.Row, e.Kind, e.Message)
}
