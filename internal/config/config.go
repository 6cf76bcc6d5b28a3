// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"strings"
	"time"
)

// Storage and job store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverMinio    = "minio"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Storage  StorageConfig
	Upload   UploadConfig
	Import   ImportConfig
	Rate     RateLimitConfig
	Notify   NotifyConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`

	// Port is the port to listen on
	Port int `env:"SERVER_PORT" envDefault:"8080"`

	// ReadTimeout is the maximum duration for reading request body
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"15s"`

	// WriteTimeout is 0 so progress streams are not cut off
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"0s"`

	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including draining running jobs
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// RequestTimeout applies to every route except the event stream
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" envDefault:"60s"`

	// PublicURL is the externally reachable base URL, used for upload URLs
	// served by the in-memory object store. Defaults to http://localhost:<port>.
	PublicURL string `env:"SERVER_PUBLIC_URL"`

	// SSEHeartbeat is how often an idle progress stream sends a comment line
	SSEHeartbeat time.Duration `env:"SERVER_SSE_HEARTBEAT" envDefault:"15s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// Driver selects where imported records go: postgres or memory
	Driver string `env:"STORAGE_DRIVER" envDefault:"postgres"`

	// URL is the PostgreSQL connection string (required for the postgres driver)
	URL string `env:"DATABASE_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" envDefault:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" envDefault:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`

	// Migrate runs the embedded migrations at startup
	Migrate bool `env:"DB_MIGRATE" envDefault:"true"`
}

// RedisConfig holds the job store settings.
type RedisConfig struct {
	// Driver selects the job store: memory or redis
	Driver   string `env:"JOBSTORE_DRIVER" envDefault:"memory"`
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Prefix   string `env:"REDIS_KEY_PREFIX" envDefault:"bulkimport"`
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	// Driver selects the object store: minio or memory
	Driver    string `env:"OBJECT_STORE_DRIVER" envDefault:"minio"`
	Endpoint  string `env:"S3_ENDPOINT" envDefault:"localhost:9000"`
	Bucket    string `env:"S3_BUCKET" envDefault:"imports"`
	AccessKey string `env:"S3_ACCESS_KEY"`
	SecretKey string `env:"S3_SECRET_KEY"`
	Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	UseSSL    bool   `env:"S3_USE_SSL" envDefault:"false"`
}

// UploadConfig holds upload handle settings.
type UploadConfig struct {
	// URLExpiry is how long a presigned upload URL and its handle stay valid
	URLExpiry time.Duration `env:"UPLOAD_URL_EXPIRY" envDefault:"15m"`

	// DefaultMaxSize applies to schema types without their own limit (100MB)
	DefaultMaxSize int64 `env:"UPLOAD_MAX_SIZE_DEFAULT" envDefault:"104857600"`
}

// ImportConfig holds job processing settings.
type ImportConfig struct {
	// BatchSize is the number of records per upsert batch
	BatchSize int `env:"IMPORT_BATCH_SIZE" envDefault:"500"`

	// MaxConcurrent is the maximum number of jobs processing at once
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" envDefault:"5"`

	// MaxWaitTime is how long a queued job waits for a slot
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" envDefault:"10m"`

	// StallTimeout fails a job that makes no progress for this long
	StallTimeout time.Duration `env:"IMPORT_STALL_TIMEOUT" envDefault:"2m"`

	// JobTimeout bounds the total processing time of one job
	JobTimeout time.Duration `env:"IMPORT_JOB_TIMEOUT" envDefault:"1h"`

	// Retention is how long finished jobs stay queryable
	Retention time.Duration `env:"IMPORT_RETENTION" envDefault:"24h"`

	SweepInterval time.Duration `env:"IMPORT_SWEEP_INTERVAL" envDefault:"5m"`

	ProgressEveryRows int           `env:"IMPORT_PROGRESS_EVERY_ROWS" envDefault:"500"`
	ProgressInterval  time.Duration `env:"IMPORT_PROGRESS_INTERVAL" envDefault:"500ms"`

	// MaxFailedRecords caps the failed records kept per job
	MaxFailedRecords int `env:"IMPORT_MAX_FAILED_RECORDS" envDefault:"10000"`

	// MaxXLSXSize caps workbook uploads in bytes. Workbooks are held in
	// memory while parsed, CSV files are not.
	MaxXLSXSize int64 `env:"IMPORT_MAX_XLSX_SIZE" envDefault:"67108864"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active
	Enabled bool `env:"RATE_LIMIT_ENABLED" envDefault:"true"`

	// RequestsPerMinute is the default rate limit per IP
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" envDefault:"300"`

	// UploadLimit is requests per minute for initiate and complete
	UploadLimit int `env:"RATE_LIMIT_UPLOAD" envDefault:"30"`

	// TrustedProxies are CIDRs whose X-Forwarded-For is believed
	TrustedProxies []string `env:"TRUSTED_PROXIES" envSeparator:","`
}

// NotifyConfig holds terminal-job notification settings.
type NotifyConfig struct {
	// AMQPURL enables RabbitMQ notifications when set
	AMQPURL  string `env:"AMQP_URL"`
	Exchange string `env:"AMQP_EXCHANGE" envDefault:"imports"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error
	Level string `env:"LOG_LEVEL" envDefault:"info"`

	// Format is the log format: text or json
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// BaseURL returns PublicURL, or a localhost URL on the listen port.
func (c *ServerConfig) BaseURL() string {
	if c.PublicURL != "" {
		return strings.TrimRight(c.PublicURL, "/")
	}
	return "http://localhost:" + strconv.Itoa(c.Port)
}
