// Package migrations carries the postgres schema as embedded goose migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

const (
	dialectPostgres = "postgres"
	migrationsDir   = "sql"
)

//go:embed sql/*.sql
var files embed.FS

// Up applies every pending migration.
func Up(ctx context.Context, db *sql.DB) error {
	if err := configure(); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, migrationsDir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Version reports the currently applied schema version.
func Version(ctx context.Context, db *sql.DB) (int64, error) {
	if err := configure(); err != nil {
		return 0, err
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

// Files exposes the embedded migration files.
func Files() embed.FS {
	return files
}

func configure() error {
	goose.SetBaseFS(files)
	if err := goose.SetDialect(dialectPostgres); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	return nil
}
