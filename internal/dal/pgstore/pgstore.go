// Package pgstore is the schema-per-tenant DAL backend (§4.7): one
// Postgres schema per tenant inside a shared database/cluster, isolated via
// a per-connection search_path and accessed through jackc/pgx/v5's
// database/sql adapter so the same goose migration tooling as sqlitestore
// applies unmodified.
package pgstore

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/flowengine/core/internal/dal"
)

// Store is the Postgres-backed dal.Store implementation, scoped to one
// tenant's schema.
type Store struct {
	db     *sql.DB
	schema string
}

var _ dal.Store = (*Store)(nil)

var schemaNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Open connects to dsn, creates schema (if absent), points every pooled
// connection's search_path at it, applies migrations, and returns a ready
// Store. schema should be derived from the validated tenant namespace
// (internal/tenant.Namespace), never taken from unvalidated user input.
func Open(ctx context.Context, dsn, schema string) (*Store, error) {
	if !schemaNamePattern.MatchString(schema) {
		return nil, fmt.Errorf("pgstore: invalid schema name %q", schema)
	}

	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}

	// Pin every pooled connection's search_path to this tenant's schema at
	// connect time, so no query needs a schema-qualified table name and
	// two tenants' connections can never cross-read each other's rows.
	searchPath := fmt.Sprintf(`SET search_path TO "%s", public`, schema)
	db := stdlib.OpenDB(*connConfig, stdlib.OptionAfterConnect(func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, searchPath)
		return err
	}))
	db.SetMaxOpenConns(8)

	if _, err := db.ExecContext(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %q`, schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: create schema %s: %w", schema, err)
	}

	if err := migrate(db, schema); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, schema: schema}, nil
}

func (s *Store) Close() error { return s.db.Close() }
