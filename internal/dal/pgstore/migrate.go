package pgstore

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func migrate(db *sql.DB, schema string) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("pgstore: set goose dialect: %w", err)
	}
	// goose's own version-tracking table lives in the tenant schema too,
	// since every pooled connection's search_path already points there.
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("pgstore: run migrations for schema %s: %w", schema, err)
	}
	return nil
}
