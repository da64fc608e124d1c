// Package store persists the entity catalog and the session graph in
// sqlite. All queries are explicit SQL; callers get plain structs back.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	. "github.com/roelfdiedericks/healerd/internal/logging"
)

// Sentinel errors surfaced to command handlers
var (
	ErrNotFound  = errors.New("not found")
	ErrNameTaken = errors.New("name already in use")
)

// Store wraps the sqlite handle
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the database at path and ensures the
// schema exists. WAL mode keeps worker status writes from blocking the
// daemon's transactions.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	L_debug("store: opened", "path", path)
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for schema maintenance
func (s *Store) DB() *sql.DB {
	return s.db
}

// isUniqueViolation reports whether err is a sqlite UNIQUE constraint error
func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// timestamps are stored as RFC3339 text, UTC
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}
