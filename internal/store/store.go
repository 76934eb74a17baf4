// Package store keeps edgecli's local state in a single SQLite database:
// the instance registry, project links, REPL history and cached package
// indexes.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"edgecli/internal/logging"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrExists is returned when inserting a row whose key is taken.
	ErrExists = errors.New("store: already exists")
)

// Store is the SQLite-backed local state.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
}

// Open opens (creating if needed) the state database at path and applies
// pending migrations. ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	logging.Store("Opening state database at %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DB exposes the underlying handle for tests and maintenance commands.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
