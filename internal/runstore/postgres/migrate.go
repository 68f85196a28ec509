package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/muz"
)

//go:embed migrations/*
var migrationFS embed.FS

// migrateDB runs the embedded schema migrations, templating TABLE_PREFIX
// into each file so a single Postgres instance can host multiple
// table-prefixed deployments.
func migrateDB(ctx context.Context, db *sql.DB, table, tablePrefix string, values map[string]string) error {
	if db == nil {
		return errors.New("migrate database connection is nil")
	}

	if table == "" {
		table = "migrations"
	}

	if values == nil {
		values = make(map[string]string)
	}
	values["TABLE_PREFIX"] = tablePrefix

	m := muz.Migrate{
		Path:      "migrations",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    values,
	}

	driver := muz.NewPostgresDriver(db, tablePrefix+table, slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}
