package web

// errors.go provides unified error responses for the API.
//
// Every error is logged with its technical detail on the request logger, then
// returned to the client as core.MapError's user message and code. Request
// validation failures that never reach the engine use REQ codes.

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JonMunkholm/healthdata/internal/core"
	"github.com/JonMunkholm/healthdata/internal/logging"
	"github.com/JonMunkholm/healthdata/internal/store"
)

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
	RunID   string `json:"run_id,omitempty"`
}

var (
	msgBadDate = core.UserMessage{
		Message: "start and end must be dates in YYYY-MM-DD form",
		Action:  "Fix the query parameters and retry",
		Code:    "REQ001",
	}
	msgBadRange = core.UserMessage{
		Message: "start is after end",
		Action:  "Swap the dates and retry",
		Code:    "REQ002",
	}
	msgNoRun = core.UserMessage{
		Message: "No update has finished since the server started",
		Action:  "Trigger an update with POST /api/update",
		Code:    "REQ003",
	}
)

// statusFor picks the HTTP status for an engine error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrUpdateInProgress):
		return http.StatusConflict
	case errors.Is(err, core.ErrBackupsUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, store.ErrBackupNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrEngineClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes its user message with the matching status.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := core.MapError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	respondMessage(w, msg, status, "")
}

// respondMessage writes msg as an ErrorResponse.
func respondMessage(w http.ResponseWriter, msg core.UserMessage, status int, runID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
		RunID:   runID,
	})
}

// writeJSON encodes v with status.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Warn("json encode error", "error", err)
	}
}
