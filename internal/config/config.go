// Package config provides centralized configuration management for the pipeline.
// Settings are layered: struct-tag defaults, then an optional YAML file, then
// environment variables (optionally seeded from a .env file). All settings are
// validated up front so misconfiguration fails before any network call.
package config

import (
	"strconv"
	"time"
	_ "time/tzdata"
)

// Backend kinds accepted by Store.Backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Pipeline PipelineConfig `yaml:",inline"`
	Store    StoreConfig    `yaml:",inline"`
	Postgres PostgresConfig `yaml:"postgres"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Server   ServerConfig   `yaml:"server"`
	Update   UpdateConfig   `yaml:"update"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PipelineConfig holds the settings the parse/validate/transform stages depend on.
// The YAML keys match the historical config.yaml layout.
type PipelineConfig struct {
	// SheetID identifies the spreadsheet to export (required)
	SheetID string `yaml:"sheet-id" env:"SHEET_ID" required:"true"`

	// Cutoff is the next-day cutoff time of day, HH:MM:SS (default: 08:00:00)
	Cutoff string `yaml:"next-day-cutoff-HH-mm-ss" env:"NEXT_DAY_CUTOFF" default:"08:00:00"`

	// Timezone is the IANA zone naive timestamps are read in
	Timezone string `yaml:"timezone" env:"TIMEZONE" envAlt:"TZ_NAME" default:"America/New_York"`

	// WeekStartDay anchors weekly aggregation (default: Monday)
	WeekStartDay string `yaml:"week-start-day" env:"WEEK_START_DAY" default:"Monday"`

	// DrinkCategory is the event name that marks alcohol entries
	DrinkCategory string `yaml:"drink-category" env:"DRINK_CATEGORY" default:"飲み物"`

	// MaxSpan is the longest valid Start/Stop span (default: 24h)
	MaxSpan time.Duration `yaml:"max-span" env:"MAX_SPAN" default:"24h"`
}

// StoreConfig selects and locates the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" (embedded file) or "postgres" (client-server)
	Backend string `yaml:"backend" env:"DB_BACKEND" default:"sqlite"`

	// Path is the SQLite database file (default: db.db)
	Path string `yaml:"db-path" env:"DB_PATH" default:"db.db"`

	// BackupRetention is how many SQLite backups are kept (default: 5)
	BackupRetention int `yaml:"backup-retention" env:"BACKUP_RETENTION" default:"5"`

	// DebugSQL logs every statement through bundebug
	DebugSQL bool `yaml:"debug-sql" env:"DEBUG_SQL" default:"false"`
}

// PostgresConfig holds client-server database connection settings.
type PostgresConfig struct {
	// URL overrides the ACTIVE_ENV based selection when set
	URL string `yaml:"url" env:"DATABASE_URL" envAlt:"DB_URL"`

	// InternalURL is used when ActiveEnv is production, staging or test
	InternalURL string `yaml:"internal-url" env:"PG_CONNECTION_URL_INTERNAL"`

	// ExternalURL is used for every other ActiveEnv
	ExternalURL string `yaml:"external-url" env:"PG_CONNECTION_URL_EXTERNAL"`

	// ActiveEnv picks between the internal and external URL (default: production)
	ActiveEnv string `yaml:"active-env" env:"ACTIVE_ENV" default:"production"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `yaml:"max-conns" env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `yaml:"min-conns" env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `yaml:"max-conn-lifetime" env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `yaml:"max-conn-idle-time" env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// MigrateFromSQLite populates Postgres from the SQLite file instead of fetching
	MigrateFromSQLite bool `yaml:"migrate-from-sqlite" env:"PG_INIT_MIGRATE_SQLITE" default:"false"`
}

// FetchConfig holds spreadsheet export settings.
type FetchConfig struct {
	// BaseURL is the export host (default: https://docs.google.com)
	BaseURL string `yaml:"base-url" env:"FETCH_BASE_URL" default:"https://docs.google.com"`

	// Timeout bounds a single HTTP attempt (default: 30s)
	Timeout time.Duration `yaml:"timeout" env:"FETCH_TIMEOUT" default:"30s"`

	// MaxRetries is the number of attempts before giving up (default: 4)
	MaxRetries int `yaml:"max-retries" env:"FETCH_MAX_RETRIES" default:"4"`

	// InitialBackoff is the first retry delay (default: 500ms)
	InitialBackoff time.Duration `yaml:"initial-backoff" env:"FETCH_INITIAL_BACKOFF" default:"500ms"`

	// MaxBackoff caps the retry delay (default: 10s)
	MaxBackoff time.Duration `yaml:"max-backoff" env:"FETCH_MAX_BACKOFF" default:"10s"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `yaml:"host" env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `yaml:"port" env:"SERVER_PORT" envAlt:"PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `yaml:"read-timeout" env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 30s)
	WriteTimeout time.Duration `yaml:"write-timeout" env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `yaml:"idle-timeout" env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout" env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `yaml:"request-timeout" env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// APIKeys guard POST /api/update; empty leaves it open (comma-separated)
	APIKeys []string `yaml:"api-keys" env:"API_KEYS"`

	// TrustedProxies are CIDRs whose X-Real-IP / X-Forwarded-For headers are honored
	TrustedProxies []string `yaml:"trusted-proxies" env:"TRUSTED_PROXIES"`
}

// UpdateConfig holds background refresh settings.
type UpdateConfig struct {
	// Interval between scheduled refreshes; 0 disables the scheduler
	Interval time.Duration `yaml:"interval" env:"UPDATE_INTERVAL" default:"0s"`

	// Timeout bounds a whole pipeline run (default: 10m)
	Timeout time.Duration `yaml:"timeout" env:"UPDATE_TIMEOUT" default:"10m"`

	// OnStart runs one update when the server boots and the store is not ready
	OnStart bool `yaml:"on-start" env:"UPDATE_ON_START" default:"false"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `yaml:"level" env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `yaml:"format" env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// ConnString resolves the Postgres URL. An explicit URL wins; otherwise
// production, staging and test use the internal URL and everything else
// uses the external one.
func (c *PostgresConfig) ConnString() string {
	if c.URL != "" {
		return c.URL
	}
	switch c.ActiveEnv {
	case "production", "staging", "test":
		return c.InternalURL
	default:
		return c.ExternalURL
	}
}
