package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultEnvFiles are loaded, when present, before the environment is parsed.
var DefaultEnvFiles = []string{".env", ".env.local"}

// LoadEnvFiles loads the given dotenv files that exist and returns how many
// were loaded. Variables already set in the environment win.
func LoadEnvFiles(files ...string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("stat %s: %w", file, err)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Record storage
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, "DATABASE_URL is required when STORAGE_DRIVER=postgres")
		}
		if c.Database.MaxConns <= 0 {
			errs = append(errs, "DB_MAX_CONNS must be positive")
		}
		if c.Database.MinConns < 0 {
			errs = append(errs, "DB_MIN_CONNS must be non-negative")
		}
		if c.Database.MaxConns < c.Database.MinConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
				c.Database.MaxConns, c.Database.MinConns))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Sprintf("STORAGE_DRIVER (%q) must be one of: postgres, memory", c.Database.Driver))
	}

	// Job store
	switch c.Redis.Driver {
	case DriverRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, "REDIS_ADDR is required when JOBSTORE_DRIVER=redis")
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Sprintf("JOBSTORE_DRIVER (%q) must be one of: memory, redis", c.Redis.Driver))
	}

	// Object storage
	switch c.Storage.Driver {
	case DriverMinio:
		if c.Storage.Endpoint == "" {
			errs = append(errs, "S3_ENDPOINT is required when OBJECT_STORE_DRIVER=minio")
		}
		if c.Storage.Bucket == "" {
			errs = append(errs, "S3_BUCKET is required when OBJECT_STORE_DRIVER=minio")
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Sprintf("OBJECT_STORE_DRIVER (%q) must be one of: minio, memory", c.Storage.Driver))
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.SSEHeartbeat <= 0 {
		errs = append(errs, "SERVER_SSE_HEARTBEAT must be positive")
	}

	// Upload
	if c.Upload.URLExpiry <= 0 {
		errs = append(errs, "UPLOAD_URL_EXPIRY must be positive")
	}
	if c.Upload.DefaultMaxSize <= 0 {
		errs = append(errs, "UPLOAD_MAX_SIZE_DEFAULT must be positive")
	}

	// Import
	if c.Import.BatchSize <= 0 {
		errs = append(errs, "IMPORT_BATCH_SIZE must be positive")
	}
	if c.Import.MaxConcurrent <= 0 {
		errs = append(errs, "IMPORT_MAX_CONCURRENT must be positive")
	}
	if c.Import.MaxWaitTime <= 0 {
		errs = append(errs, "IMPORT_MAX_WAIT_TIME must be positive")
	}
	if c.Import.StallTimeout < 0 {
		errs = append(errs, "IMPORT_STALL_TIMEOUT must be non-negative")
	}
	if c.Import.JobTimeout <= 0 {
		errs = append(errs, "IMPORT_JOB_TIMEOUT must be positive")
	}
	if c.Import.StallTimeout > 0 && c.Import.StallTimeout >= c.Import.JobTimeout {
		errs = append(errs, "IMPORT_STALL_TIMEOUT must be shorter than IMPORT_JOB_TIMEOUT")
	}
	if c.Import.Retention <= 0 {
		errs = append(errs, "IMPORT_RETENTION must be positive")
	}
	if c.Import.SweepInterval <= 0 {
		errs = append(errs, "IMPORT_SWEEP_INTERVAL must be positive")
	}
	if c.Import.ProgressEveryRows <= 0 {
		errs = append(errs, "IMPORT_PROGRESS_EVERY_ROWS must be positive")
	}
	if c.Import.MaxFailedRecords <= 0 {
		errs = append(errs, "IMPORT_MAX_FAILED_RECORDS must be positive")
	}
	if c.Import.MaxXLSXSize <= 0 {
		errs = append(errs, "IMPORT_MAX_XLSX_SIZE must be positive")
	}

	// Rate limit
	if c.Rate.Enabled && c.Rate.RequestsPerMinute <= 0 {
		errs = append(errs, "RATE_LIMIT_REQUESTS_PER_MINUTE must be positive when rate limiting is enabled")
	}
	if c.Rate.Enabled && c.Rate.UploadLimit <= 0 {
		errs = append(errs, "RATE_LIMIT_UPLOAD must be positive when rate limiting is enabled")
	}

	if c.Notify.AMQPURL != "" && c.Notify.Exchange == "" {
		errs = append(errs, "AMQP_EXCHANGE is required when AMQP_URL is set")
	}

	// Logging
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// String returns a safe string representation of the config for logging.
// Credentials are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Database: {Driver: %q, URL: [MASKED], MaxConns: %d, MinConns: %d}, ",
		c.Database.Driver, c.Database.MaxConns, c.Database.MinConns)
	fmt.Fprintf(&b, "Redis: {Driver: %q, Addr: %q}, ", c.Redis.Driver, c.Redis.Addr)
	fmt.Fprintf(&b, "Storage: {Driver: %q, Endpoint: %q, Bucket: %q, Credentials: [MASKED]}, ",
		c.Storage.Driver, c.Storage.Endpoint, c.Storage.Bucket)
	fmt.Fprintf(&b, "Import: {BatchSize: %d, MaxConcurrent: %d, StallTimeout: %s, JobTimeout: %s}, ",
		c.Import.BatchSize, c.Import.MaxConcurrent, c.Import.StallTimeout, c.Import.JobTimeout)
	fmt.Fprintf(&b, "Rate: {Enabled: %v, RequestsPerMinute: %d}, ", c.Rate.Enabled, c.Rate.RequestsPerMinute)
	fmt.Fprintf(&b, "Notify: {Enabled: %v, Exchange: %q}, ", c.Notify.AMQPURL != "", c.Notify.Exchange)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}
