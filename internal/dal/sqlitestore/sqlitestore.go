// Package sqlitestore is the file-per-tenant DAL backend (§4.7): one
// modernc.org/sqlite database file per tenant, with goose-managed schema
// migrations embedded in the binary.
package sqlitestore

import (
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowengine/core/internal/dal"
)

// Store is the sqlite-backed dal.Store implementation. A Store is always
// scoped to exactly one tenant's database file.
type Store struct {
	db *sql.DB
}

var _ dal.Store = (*Store)(nil)

// Open opens (creating if absent) the sqlite database file at path, applies
// pending migrations, and returns a ready Store. path should already encode
// the tenant, e.g. "/var/lib/flowengine/tenants/acme.db".
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	// A single writer connection avoids SQLITE_BUSY under our own retry
	// logic; sqlite serializes writers regardless of pool size.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

var memoryDBCounter atomic.Uint64

// OpenMemory opens an in-memory database for tests; each call gets its own
// isolated database identity so concurrent tests never share state.
func OpenMemory() (*Store, error) {
	name := fmt.Sprintf("file:memdb%d?mode=memory&cache=shared&_pragma=foreign_keys(1)", memoryDBCounter.Add(1))
	db, err := sql.Open("sqlite", name)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open in-memory db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func scanNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
