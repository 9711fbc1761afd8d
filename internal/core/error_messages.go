package core

// error_messages.go maps technical errors to user-facing messages with codes
// for support reference.
//
// # Update Errors (UPD001-UPD099)
//
//	UPD001 - Update in progress: Another refresh is already running
//	         Action: Wait for it to finish, then check the status
//	UPD002 - Request cancelled: The refresh was cancelled
//	         Action: Start a new refresh when ready
//	UPD003 - Timed out: The refresh did not finish in time
//	         Action: Try again; raise UPDATE_TIMEOUT if the sheet is large
//	UPD004 - Backups unsupported: Backups exist only on the sqlite backend
//	         Action: Use DB_BACKEND=sqlite for backup and restore
//
// # Fetch Errors (FETCH001-FETCH099)
//
//	FETCH001 - Invalid sheet id: The sheet id contains invalid characters
//	           Action: Copy the id from the sheet URL
//	FETCH002 - Sheet not accessible: The export was refused
//	           Action: Check the id and that the sheet is shared for viewing
//	FETCH003 - Export unavailable: The export failed after retries
//	           Action: Please try again in a few moments
//	FETCH004 - Export too large: The export exceeds the size limit
//	           Action: Archive old rows out of the sheet
//
// # Parse Errors (PARSE001-PARSE099)
//
//	PARSE001 - Missing columns: The export lacks required columns
//	           Action: Restore the form's column headers
//
// # Store Errors (STORE001-STORE099)
//
//	STORE001 - Duplicate value: A unique value was written twice
//	STORE002 - Foreign key: A derived row referenced a missing event
//	STORE003 - Connection refused: Unable to connect to database
//	STORE004 - Invalid backup: The backup failed verification
//	STORE005 - Backup not found: No backup matches the reference
//	STORE006 - Database locked: The database file is busy
//	STORE007 - Not initialized: The schema has not been created
//	STORE008 - No migration source: The sqlite file to migrate from is missing or not ready
//
// # Configuration Errors (CONF001)
//
//	CONF001 - Configuration: One or more settings are invalid
//
// # Default Error (ERR000)
//
//	ERR000 - Unknown error: An unexpected error occurred
//
// Typed errors are matched first with errors.Is and errors.As. Anything else
// falls through to case-insensitive substring patterns; the first match wins.

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/JonMunkholm/healthdata/internal/config"
	"github.com/JonMunkholm/healthdata/internal/fetcher"
	"github.com/JonMunkholm/healthdata/internal/parser"
	"github.com/JonMunkholm/healthdata/internal/store"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string `json:"message"` // What happened
	Action  string `json:"action"`  // What to do about it
	Code    string `json:"code"`    // Error code for support reference
}

var (
	msgInProgress = UserMessage{
		Message: "Another refresh is already running",
		Action:  "Wait for it to finish, then check the status",
		Code:    "UPD001",
	}
	msgCancelled = UserMessage{
		Message: "The refresh was cancelled",
		Action:  "Start a new refresh when ready",
		Code:    "UPD002",
	}
	msgTimeout = UserMessage{
		Message: "The refresh did not finish in time",
		Action:  "Try again; raise UPDATE_TIMEOUT if the sheet is large",
		Code:    "UPD003",
	}
	msgNoBackups = UserMessage{
		Message: "Backups exist only on the sqlite backend",
		Action:  "Use DB_BACKEND=sqlite for backup and restore",
		Code:    "UPD004",
	}
	msgInvalidSheet = UserMessage{
		Message: "The sheet id contains invalid characters",
		Action:  "Copy the id from the sheet URL",
		Code:    "FETCH001",
	}
	msgSheetRefused = UserMessage{
		Message: "The spreadsheet export was refused",
		Action:  "Check the id and that the sheet is shared for viewing",
		Code:    "FETCH002",
	}
	msgExportDown = UserMessage{
		Message: "The spreadsheet export failed after retries",
		Action:  "Please try again in a few moments",
		Code:    "FETCH003",
	}
	msgTooLarge = UserMessage{
		Message: "The spreadsheet export exceeds the size limit",
		Action:  "Archive old rows out of the sheet",
		Code:    "FETCH004",
	}
	msgMissingColumns = UserMessage{
		Message: "The export lacks required columns",
		Action:  "Restore the form's column headers",
		Code:    "PARSE001",
	}
	msgInvalidBackup = UserMessage{
		Message: "The backup failed verification",
		Action:  "Choose an older backup",
		Code:    "STORE004",
	}
	msgBackupNotFound = UserMessage{
		Message: "No backup matches the reference",
		Action:  "List backups and use one of the names shown",
		Code:    "STORE005",
	}
	msgNotInitialized = UserMessage{
		Message: "The store has not been created",
		Action:  "Run init or trigger a refresh",
		Code:    "STORE007",
	}
	msgNoSource = UserMessage{
		Message: "The sqlite file to migrate from is missing or not ready",
		Action:  "Check DB_PATH or unset PG_INIT_MIGRATE_SQLITE",
		Code:    "STORE008",
	}
	msgConfig = UserMessage{
		Message: "One or more settings are invalid",
		Action:  "Fix the listed settings and restart",
		Code:    "CONF001",
	}
)

// errorPattern defines a pattern to match and its corresponding user message.
type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns covers errors that arrive without a typed sentinel, mostly
// driver messages. Specific patterns come before general ones.
var errorPatterns = []errorPattern{
	{
		pattern: "duplicate key",
		msg: UserMessage{
			Message: "A unique value was written twice",
			Action:  "Check the sheet for duplicate rows, then refresh again",
			Code:    "STORE001",
		},
	},
	{
		pattern: "unique constraint",
		msg: UserMessage{
			Message: "A unique value was written twice",
			Action:  "Check the sheet for duplicate rows, then refresh again",
			Code:    "STORE001",
		},
	},
	{
		pattern: "foreign key constraint",
		msg: UserMessage{
			Message: "A derived row referenced a missing event",
			Action:  "Refresh again; report the code if it repeats",
			Code:    "STORE002",
		},
	},
	{
		pattern: "connection refused",
		msg: UserMessage{
			Message: "Unable to connect to database",
			Action:  "Please try again in a few moments",
			Code:    "STORE003",
		},
	},
	{
		pattern: "database is locked",
		msg: UserMessage{
			Message: "The database file is busy",
			Action:  "Please try again",
			Code:    "STORE006",
		},
	},
	{
		pattern: "no such table",
		msg:     msgNotInitialized,
	},
	{
		pattern: "timeout",
		msg:     msgTimeout,
	},
}

// defaultMessage is returned when no specific pattern matches.
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or check the server logs",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Returns an empty UserMessage for nil.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}
	if msg, ok := typedMessage(err); ok {
		return msg
	}

	errStr := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

func typedMessage(err error) (UserMessage, bool) {
	var (
		fetchErr *fetcher.FetchError
		confErr  *config.ConfigurationError
	)
	switch {
	case errors.Is(err, ErrUpdateInProgress):
		return msgInProgress, true
	case errors.Is(err, ErrBackupsUnsupported):
		return msgNoBackups, true
	case errors.Is(err, fetcher.ErrInvalidSheetID):
		return msgInvalidSheet, true
	case errors.Is(err, fetcher.ErrBodyTooLarge):
		return msgTooLarge, true
	case errors.As(err, &fetchErr):
		if fetchErr.Transient || fetchErr.StatusCode == 0 || fetchErr.StatusCode >= http.StatusInternalServerError {
			return msgExportDown, true
		}
		return msgSheetRefused, true
	case errors.Is(err, parser.ErrMissingColumns):
		return msgMissingColumns, true
	case errors.Is(err, store.ErrInvalidBackup):
		return msgInvalidBackup, true
	case errors.Is(err, store.ErrBackupNotFound):
		return msgBackupNotFound, true
	case errors.Is(err, store.ErrNotInitialized):
		return msgNotInitialized, true
	case errors.Is(err, ErrNoSQLiteSource):
		return msgNoSource, true
	case errors.As(err, &confErr):
		return msgConfig, true
	case errors.Is(err, context.DeadlineExceeded):
		return msgTimeout, true
	case errors.Is(err, context.Canceled):
		return msgCancelled, true
	}
	return UserMessage{}, false
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}
