package store

import (
	"database/sql"
	"fmt"

	. "github.com/roelfdiedericks/healerd/internal/logging"
)

// statements that build the full schema, in dependency order
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS avatars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		photo_data BLOB NOT NULL,
		info_data TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS information_copies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		wav_data BLOB NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		request_data TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS avatar_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS avatar_group_members (
		group_id INTEGER NOT NULL REFERENCES avatar_groups(id) ON DELETE CASCADE,
		avatar_id INTEGER NOT NULL REFERENCES avatars(id) ON DELETE CASCADE,
		PRIMARY KEY (group_id, avatar_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ic_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS ic_group_members (
		group_id INTEGER NOT NULL REFERENCES ic_groups(id) ON DELETE CASCADE,
		ic_id INTEGER NOT NULL REFERENCES information_copies(id) ON DELETE CASCADE,
		PRIMARY KEY (group_id, ic_id)
	)`,
	`CREATE TABLE IF NOT EXISTS request_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS request_group_members (
		group_id INTEGER NOT NULL REFERENCES request_groups(id) ON DELETE CASCADE,
		request_id INTEGER NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
		PRIMARY KEY (group_id, request_id)
	)`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parent_session_id INTEGER REFERENCES sessions(id) ON DELETE CASCADE,
		is_group_session INTEGER NOT NULL DEFAULT 0,
		description TEXT,
		avatar_id INTEGER REFERENCES avatars(id) ON DELETE CASCADE,
		ic_id INTEGER REFERENCES information_copies(id) ON DELETE CASCADE,
		request_id INTEGER REFERENCES requests(id) ON DELETE CASCADE,
		destination_avatar_id INTEGER REFERENCES avatars(id) ON DELETE CASCADE,
		avatar_group_id INTEGER REFERENCES avatar_groups(id) ON DELETE SET NULL,
		ic_group_id INTEGER REFERENCES ic_groups(id) ON DELETE SET NULL,
		request_group_id INTEGER REFERENCES request_groups(id) ON DELETE SET NULL,
		session_type TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		status TEXT NOT NULL DEFAULT 'scheduled',
		worker_pid INTEGER,
		last_updated TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_avatar ON sessions(avatar_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_avatar_group ON sessions(avatar_group_id)`,
}

// tables in reverse dependency order, for the destructive bootstrap
var allTables = []string{
	"sessions",
	"request_group_members", "request_groups",
	"ic_group_members", "ic_groups",
	"avatar_group_members", "avatar_groups",
	"requests", "information_copies", "avatars",
}

// initSchema creates the catalog and session tables and indexes
func initSchema(db *sql.DB) error {
	L_debug("store: initializing schema")
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// Bootstrap drops every table and recreates the schema from scratch. This
// is destructive and runs outside the daemon.
func Bootstrap(path string) error {
	st, err := Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	L_info("store: resetting database schema", "path", path)
	for _, table := range allTables {
		if _, err := st.db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return fmt.Errorf("drop %s: %w", table, err)
		}
	}
	return initSchema(st.db)
}
