package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// Config holds database configuration.
type Config struct {
	// Driver is detected from URL when empty.
	Driver Driver
	// URL is the PostgreSQL connection string.
	URL string
	// SQLitePath is the SQLite database file. ":memory:" is not supported
	// because every pooled connection would see its own database.
	SQLitePath string
	// MaxConns caps the PostgreSQL pool.
	MaxConns int32
}

// ConnectionFactory opens a connection for one driver.
type ConnectionFactory func(ctx context.Context, cfg Config) (Connection, error)

var factories = map[Driver]ConnectionFactory{}

// RegisterPostgresDriver registers the PostgreSQL connection factory.
func RegisterPostgresDriver(fn ConnectionFactory) {
	factories[DriverPostgres] = fn
}

// RegisterSQLiteDriver registers the SQLite connection factory.
func RegisterSQLiteDriver(fn ConnectionFactory) {
	factories[DriverSQLite] = fn
}

// NewConnection creates a database connection based on configuration. The
// driver packages register themselves on import.
func NewConnection(ctx context.Context, cfg Config) (Connection, error) {
	driver := cfg.Driver
	if driver == "" || driver == "auto" {
		driver = DetectDriver(cfg.URL)
	}
	if !driver.IsValid() {
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	factory, ok := factories[driver]
	if !ok {
		return nil, fmt.Errorf("database driver %s is not registered", driver)
	}
	return factory(ctx, cfg)
}

// EnsureDirectory creates the parent directory for a file path if it doesn't exist.
func EnsureDirectory(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o750)
}
