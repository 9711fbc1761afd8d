package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/JonMunkholm/healthdata/internal/parser"
)

// Validate checks that the configuration is usable.
// Every failure is collected into a single *ConfigurationError.
func (c *Config) Validate() error {
	errs := &ConfigurationError{}

	// Pipeline validation
	if c.Pipeline.SheetID != "" && !validSheetID(c.Pipeline.SheetID) {
		errs.add("SHEET_ID (%q) may only contain letters, digits, '-' and '_'", c.Pipeline.SheetID)
	}
	if _, err := parser.ParseClock(c.Pipeline.Cutoff); err != nil {
		errs.add("NEXT_DAY_CUTOFF (%q): %v", c.Pipeline.Cutoff, err)
	}
	if _, err := time.LoadLocation(c.Pipeline.Timezone); err != nil {
		errs.add("TIMEZONE (%q) is not a known IANA zone", c.Pipeline.Timezone)
	}
	if _, err := ParseWeekday(c.Pipeline.WeekStartDay); err != nil {
		errs.add("WEEK_START_DAY (%q): %v", c.Pipeline.WeekStartDay, err)
	}
	if strings.TrimSpace(c.Pipeline.DrinkCategory) == "" {
		errs.add("DRINK_CATEGORY must not be empty")
	}
	if c.Pipeline.MaxSpan <= 0 {
		errs.add("MAX_SPAN must be positive")
	}

	// Store validation
	switch c.Store.Backend {
	case BackendSQLite:
		if c.Store.Path == "" {
			errs.add("DB_PATH is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Postgres.ConnString() == "" {
			errs.add("DATABASE_URL or PG_CONNECTION_URL_INTERNAL/EXTERNAL is required for the postgres backend (ACTIVE_ENV=%q)", c.Postgres.ActiveEnv)
		}
		if c.Postgres.MaxConns <= 0 {
			errs.add("DB_MAX_CONNS must be positive")
		}
		if c.Postgres.MinConns < 0 {
			errs.add("DB_MIN_CONNS must be non-negative")
		}
		if c.Postgres.MaxConns < c.Postgres.MinConns {
			errs.add("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", c.Postgres.MaxConns, c.Postgres.MinConns)
		}
		if c.Postgres.MigrateFromSQLite && c.Store.Path == "" {
			errs.add("PG_INIT_MIGRATE_SQLITE needs DB_PATH to locate the sqlite file")
		}
	default:
		errs.add("DB_BACKEND (%q) must be one of: sqlite, postgres", c.Store.Backend)
	}
	if c.Store.BackupRetention <= 0 {
		errs.add("BACKUP_RETENTION must be positive")
	}

	// Fetch validation
	if c.Fetch.BaseURL == "" {
		errs.add("FETCH_BASE_URL must not be empty")
	}
	if c.Fetch.Timeout <= 0 {
		errs.add("FETCH_TIMEOUT must be positive")
	}
	if c.Fetch.MaxRetries <= 0 {
		errs.add("FETCH_MAX_RETRIES must be positive")
	}
	if c.Fetch.InitialBackoff <= 0 || c.Fetch.MaxBackoff < c.Fetch.InitialBackoff {
		errs.add("FETCH_INITIAL_BACKOFF must be positive and <= FETCH_MAX_BACKOFF")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs.add("SERVER_PORT (%d) must be 1-65535", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 {
		errs.add("SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs.add("SERVER_SHUTDOWN_TIMEOUT must be positive")
	}

	// Update validation
	if c.Update.Interval < 0 {
		errs.add("UPDATE_INTERVAL must be non-negative")
	}
	if c.Update.Timeout <= 0 {
		errs.add("UPDATE_TIMEOUT must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs.add("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs.add("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)
	}

	if len(errs.Problems) > 0 {
		return errs
	}
	return nil
}

// Location returns the configured time zone. Call after Validate.
func (c *PipelineConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CutoffOffset returns the cutoff as an offset from midnight. Call after Validate.
func (c *PipelineConfig) CutoffOffset() time.Duration {
	d, _ := parser.ParseClock(c.Cutoff)
	return d
}

// WeekStart returns the configured first day of the week. Call after Validate.
func (c *PipelineConfig) WeekStart() time.Weekday {
	d, err := ParseWeekday(c.WeekStartDay)
	if err != nil {
		return time.Monday
	}
	return d
}

// ParseWeekday accepts English day names, full or three-letter, any case.
func ParseWeekday(s string) (time.Weekday, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if key == name || key == name[:3] {
			return d, nil
		}
	}
	return time.Monday, fmt.Errorf("unknown day %q", s)
}

func validSheetID(id string) bool {
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

// String returns a safe string representation of the config for logging.
// Connection strings are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Pipeline: {SheetID: %q, Cutoff: %q, Timezone: %q, WeekStart: %q, MaxSpan: %s}, ",
		c.Pipeline.SheetID, c.Pipeline.Cutoff, c.Pipeline.Timezone, c.Pipeline.WeekStartDay, c.Pipeline.MaxSpan)
	fmt.Fprintf(&b, "Store: {Backend: %q, Path: %q, BackupRetention: %d}, ",
		c.Store.Backend, c.Store.Path, c.Store.BackupRetention)
	fmt.Fprintf(&b, "Postgres: {URL: [MASKED], ActiveEnv: %q, MaxConns: %d, MinConns: %d}, ",
		c.Postgres.ActiveEnv, c.Postgres.MaxConns, c.Postgres.MinConns)
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d, APIKeys: [%d MASKED]}, ", c.Server.Host, c.Server.Port, len(c.Server.APIKeys))
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
