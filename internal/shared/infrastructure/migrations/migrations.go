// Package migrations holds the embedded schema and applies it with goose.
package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"

	"github.com/felixgeelhaar/subscriptions/internal/shared/infrastructure/database"
)

//go:embed postgres/*.sql sqlite/*.sql
var embedded embed.FS

// ErrUnsupportedConnection is returned for connections that cannot expose a
// database/sql handle.
var ErrUnsupportedConnection = errors.New("connection does not support migrations")

// Result describes one applied migration.
type Result struct {
	Version  int64
	Path     string
	Duration string
}

func dialectFor(driver database.Driver) (goose.Dialect, string, error) {
	switch driver {
	case database.DriverPostgres:
		return goose.DialectPostgres, "postgres", nil
	case database.DriverSQLite:
		return goose.DialectSQLite3, "sqlite", nil
	default:
		return "", "", fmt.Errorf("no migrations for driver %q", driver)
	}
}

func newProvider(conn database.Connection) (*goose.Provider, func() error, error) {
	provider, ok := conn.(database.SQLDBProvider)
	if !ok {
		return nil, nil, ErrUnsupportedConnection
	}

	dialect, dir, err := dialectFor(conn.Driver())
	if err != nil {
		return nil, nil, err
	}

	fsys, err := fs.Sub(embedded, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s migrations: %w", dir, err)
	}

	db, release, err := provider.SQLDB()
	if err != nil {
		return nil, nil, fmt.Errorf("open migration handle: %w", err)
	}

	p, err := goose.NewProvider(dialect, db, fsys)
	if err != nil {
		_ = release()
		return nil, nil, fmt.Errorf("create migration provider: %w", err)
	}
	return p, release, nil
}

// Run applies all pending migrations for the connection's driver.
func Run(ctx context.Context, conn database.Connection, logger *slog.Logger) ([]Result, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p, release, err := newProvider(conn)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := release(); err != nil {
			logger.ErrorContext(ctx, "failed to close migration handle", "error", err)
		}
	}()

	applied, err := p.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	results := make([]Result, 0, len(applied))
	for _, r := range applied {
		results = append(results, Result{
			Version:  r.Source.Version,
			Path:     r.Source.Path,
			Duration: r.Duration.String(),
		})
		logger.InfoContext(ctx, "migration applied",
			"driver", conn.Driver().String(),
			"version", r.Source.Version,
			"path", r.Source.Path,
			"duration", r.Duration,
		)
	}
	return results, nil
}

// Version returns the current schema version.
func Version(ctx context.Context, conn database.Connection) (int64, error) {
	p, release, err := newProvider(conn)
	if err != nil {
		return 0, err
	}
	defer func() { _ = release() }()

	return p.GetDBVersion(ctx)
}
