// Package config provides centralized configuration management for the shadow
// service. Settings come from struct-tag defaults, an optional YAML file and
// environment variables (highest precedence), and are validated on startup
// to fail fast on misconfiguration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Database DatabaseConfig  `mapstructure:"database"`
	Load     LoadConfig      `mapstructure:"load"`
	Batch    BatchConfig     `mapstructure:"batch"`
	Rate     RateLimitConfig `mapstructure:"rate"`
	Security SecurityConfig  `mapstructure:"security"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	Schema   SchemaConfig    `mapstructure:"schema"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `mapstructure:"host" env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `mapstructure:"port" env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `mapstructure:"read_timeout" env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 0, disabled
	// because snapshot loads answer only after the whole payload is indexed)
	WriteTimeout time.Duration `mapstructure:"write_timeout" env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `mapstructure:"idle_timeout" env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `mapstructure:"request_timeout" env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings. Without a URL the
// service keeps its audit trail in memory.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (DATABASE_URL or DB_URL)
	URL string `mapstructure:"url" env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 20)
	MaxConns int `mapstructure:"max_conns" env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the minimum number of connections to keep open (default: 4)
	MinConns int `mapstructure:"min_conns" env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time" env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// AutoMigrate applies pending migrations at startup (default: true)
	AutoMigrate bool `mapstructure:"auto_migrate" env:"DB_AUTO_MIGRATE" default:"true"`
}

// LoadConfig holds snapshot load settings.
type LoadConfig struct {
	// MaxBodySize is the largest accepted snapshot payload in bytes (default: 256MB)
	MaxBodySize int64 `mapstructure:"max_body_size" env:"LOAD_MAX_BODY_SIZE" default:"268435456"`

	// MaxConcurrent is the maximum number of parallel snapshot loads (default: 2)
	MaxConcurrent int `mapstructure:"max_concurrent" env:"LOAD_MAX_CONCURRENT" default:"2"`

	// MaxWaitTime is how long to wait for a load slot (default: 30s)
	MaxWaitTime time.Duration `mapstructure:"max_wait_time" env:"LOAD_MAX_WAIT_TIME" default:"30s"`

	// Timeout is the maximum duration for a single load (default: 10m)
	Timeout time.Duration `mapstructure:"timeout" env:"LOAD_TIMEOUT" default:"10m"`
}

// BatchConfig holds batch resolution settings.
type BatchConfig struct {
	// ChunkSize is how many keys one worker resolves (default: 512)
	ChunkSize int `mapstructure:"chunk_size" env:"BATCH_CHUNK_SIZE" default:"512"`

	// Parallelism bounds concurrent workers per batch (default: 4)
	Parallelism int `mapstructure:"parallelism" env:"BATCH_PARALLELISM" default:"4"`

	// MaxKeys is the largest accepted batch (default: 50000)
	MaxKeys int `mapstructure:"max_keys" env:"BATCH_MAX_KEYS" default:"50000"`
}

// RateLimitConfig holds per-IP rate limiting settings.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `mapstructure:"enabled" env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 600)
	RequestsPerMinute int `mapstructure:"requests_per_minute" env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"600"`

	// Burst is the token bucket size (default: 50)
	Burst int `mapstructure:"burst" env:"RATE_LIMIT_BURST" default:"50"`

	// LoadLimit is requests per minute for snapshot load endpoints (default: 10)
	LoadLimit int `mapstructure:"load_limit" env:"RATE_LIMIT_LOAD" default:"10"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// RequireAPIKey enforces X-API-Key on every /api request (default: false)
	RequireAPIKey bool `mapstructure:"require_api_key" env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `mapstructure:"api_keys" env:"API_KEYS"`

	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `mapstructure:"trusted_proxies" env:"TRUSTED_PROXIES"`

	// AllowedOrigins is a comma-separated list of CORS origins
	AllowedOrigins []string `mapstructure:"allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `mapstructure:"level" env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `mapstructure:"format" env:"LOG_FORMAT" default:"text"`
}

// SchemaConfig points at optional entity type descriptors.
type SchemaConfig struct {
	// File is a YAML file of entity type descriptors applied over the built-ins
	File string `mapstructure:"file" env:"SCHEMA_FILE"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// HasDatabase reports whether a PostgreSQL connection is configured.
func (c *DatabaseConfig) HasDatabase() bool { return c.URL != "" }
