package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/felixgeelhaar/subscriptions/pkg/observability"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrInvalidConfig is returned when the environment holds unusable values.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds application configuration.
type Config struct {
	// Application
	AppEnv     string `env:"APP_ENV" envDefault:"development"`
	AppVersion string `env:"APP_VERSION" envDefault:"dev"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat  string `env:"LOG_FORMAT"`

	// Database. An empty DATABASE_DRIVER is derived from DATABASE_URL;
	// without a URL the service runs on the local SQLite file.
	DatabaseURL      string `env:"DATABASE_URL"`
	DatabaseDriver   string `env:"DATABASE_DRIVER"`
	SQLitePath       string `env:"SQLITE_PATH" envDefault:"subscriptions.db"`
	DatabaseMaxConns int32  `env:"DATABASE_MAX_CONNS" envDefault:"10"`

	// Redis backs the plan cache and the sweep lease. Empty means in-process.
	RedisURL string `env:"REDIS_URL"`

	// RabbitMQ receives outbox events. Empty disables publishing.
	RabbitMQURL string `env:"RABBITMQ_URL"`

	// Lifecycle
	PlanCacheTTL    time.Duration `env:"PLAN_CACHE_TTL" envDefault:"5m"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1h"`
	SweepLeaseTTL   time.Duration `env:"SWEEP_LEASE_TTL" envDefault:"5m"`
	MutationRetries int           `env:"MUTATION_RETRIES" envDefault:"3"`

	// Outbox
	OutboxPollInterval    time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	OutboxBatchSize       int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	OutboxMaxRetries      int           `env:"OUTBOX_MAX_RETRIES" envDefault:"5"`
	OutboxPublishRate     float64       `env:"OUTBOX_PUBLISH_RATE" envDefault:"200"`
	OutboxRetentionDays   int           `env:"OUTBOX_RETENTION_DAYS" envDefault:"14"`
	OutboxCleanupInterval time.Duration `env:"OUTBOX_CLEANUP_INTERVAL" envDefault:"24h"`

	// Publisher circuit breaker
	PublisherBreakerFailures uint32        `env:"PUBLISHER_BREAKER_FAILURES" envDefault:"5"`
	PublisherBreakerTimeout  time.Duration `env:"PUBLISHER_BREAKER_TIMEOUT" envDefault:"30s"`

	// Worker
	WorkerHealthAddr string `env:"WORKER_HEALTH_ADDR" envDefault:"0.0.0.0:8081"`

	// CLI
	CLIUserID string `env:"CLI_USER_ID"`
}

// Load loads configuration from a .env file (if present) and the process
// environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return parse(env.Options{})
}

// LoadFromMap parses configuration from the given variables only.
func LoadFromMap(vars map[string]string) (*Config, error) {
	return parse(env.Options{Environment: vars})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = driverFromURL(cfg.DatabaseURL)
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = string(observability.LogFormatText)
		if cfg.IsProduction() {
			cfg.LogFormat = string(observability.LogFormatJSON)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first unusable value.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required for the postgres driver", ErrInvalidConfig)
		}
	case DriverSQLite:
	default:
		return fmt.Errorf("%w: unsupported DATABASE_DRIVER %q", ErrInvalidConfig, c.DatabaseDriver)
	}
	if c.MutationRetries < 1 {
		return fmt.Errorf("%w: MUTATION_RETRIES must be at least 1", ErrInvalidConfig)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("%w: SWEEP_INTERVAL must be positive", ErrInvalidConfig)
	}
	if c.OutboxBatchSize < 1 {
		return fmt.Errorf("%w: OUTBOX_BATCH_SIZE must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// IsSQLite reports whether the local SQLite database is used.
func (c *Config) IsSQLite() bool {
	return c.DatabaseDriver == DriverSQLite
}

// LogConfig builds the logger configuration for the given service name.
func (c *Config) LogConfig(service string) observability.LogConfig {
	cfg := observability.DefaultLogConfig()
	cfg.Level = observability.LogLevel(c.LogLevel)
	cfg.Format = observability.LogFormat(c.LogFormat)
	cfg.ServiceName = service
	cfg.ServiceVersion = c.AppVersion
	cfg.AddSource = c.IsProduction()
	return cfg
}

func driverFromURL(url string) string {
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		return DriverPostgres
	}
	return DriverSQLite
}
