package store

import (
	"database/sql"
	"fmt"

	"edgecli/internal/logging"
)

// Schema versions:
// v1: instances, projects, history
// v2: package_index cache
// v3: instances.channel column
const CurrentSchemaVersion = 3

type migration struct {
	version     int
	description string
	statements  []string
}

var migrations = []migration{
	{
		version:     1,
		description: "instance registry, project links, history",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS instances (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				version TEXT NOT NULL,
				slot TEXT NOT NULL,
				port INTEGER NOT NULL,
				data_dir TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'stopped',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS projects (
				path TEXT PRIMARY KEY,
				instance TEXT NOT NULL,
				linked_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_projects_instance ON projects(instance)`,
			`CREATE TABLE IF NOT EXISTS history (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				key TEXT NOT NULL,
				entry TEXT NOT NULL,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_history_key ON history(key, id)`,
		},
	},
	{
		version:     2,
		description: "package index cache",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS package_index (
				url TEXT PRIMARY KEY,
				body BLOB NOT NULL,
				fetched_at INTEGER NOT NULL
			)`,
		},
	},
	{
		version:     3,
		description: "instance release channel",
		statements: []string{
			`ALTER TABLE instances ADD COLUMN channel TEXT NOT NULL DEFAULT 'stable'`,
		},
	},
}

// migrate brings the schema up to CurrentSchemaVersion. Each migration runs
// in its own transaction together with its schema_version row.
func (s *Store) migrate() error {
	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()

	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		description TEXT,
		applied_at INTEGER NOT NULL DEFAULT (CAST(strftime('%s','now') AS INTEGER) * 1000)
	)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	current, err := schemaVersion(s.db)
	if err != nil {
		return err
	}

	applied := 0
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := applyMigration(s.db, m); err != nil {
			return err
		}
		applied++
	}
	logging.Store("Schema migrations complete: from=%d applied=%d", current, applied)
	return nil
}

func applyMigration(db *sql.DB, m migration) error {
	logging.StoreDebug("Applying migration v%d: %s", m.version, m.description)

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("migration v%d: %w", m.version, err)
	}
	defer tx.Rollback()

	for _, stmt := range m.statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, description) VALUES (?, ?)",
		m.version, m.description,
	); err != nil {
		return fmt.Errorf("migration v%d: failed to record version: %w", m.version, err)
	}
	return tx.Commit()
}

func schemaVersion(db *sql.DB) (int, error) {
	var v sql.NullInt64
	if err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return int(v.Int64), nil
}

// SchemaVersion returns the version recorded in the database.
func (s *Store) SchemaVersion() (int, error) {
	return schemaVersion(s.db)
}

// tableExists checks if a table exists in the database.
func tableExists(db *sql.DB, table string) bool {
	var count int
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if err := db.QueryRow(query, table).Scan(&count); err != nil {
		return false
	}
	return count > 0
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
