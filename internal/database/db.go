package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

const schemaVersion = "001_initial"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS contexts (
	user_id           TEXT NOT NULL,
	id                TEXT NOT NULL,
	name              TEXT NOT NULL,
	status            TEXT NOT NULL DEFAULT 'started',
	parent_context_id TEXT,
	children          TEXT NOT NULL DEFAULT '[]',
	data              TEXT,
	data_version      INTEGER NOT NULL DEFAULT 1,
	time_started      INTEGER NOT NULL,
	time_ended        INTEGER,
	time_interrupted  INTEGER,
	time_restored     INTEGER,
	PRIMARY KEY (user_id, id)
);

CREATE INDEX IF NOT EXISTS idx_contexts_parent
	ON contexts (user_id, parent_context_id, status);

CREATE TABLE IF NOT EXISTS events (
	user_id      TEXT NOT NULL,
	id           TEXT NOT NULL,
	name         TEXT NOT NULL,
	time         INTEGER NOT NULL,
	context_id   TEXT,
	data         TEXT,
	data_version INTEGER NOT NULL DEFAULT 1,
	game_version TEXT,
	PRIMARY KEY (user_id, id)
);

CREATE INDEX IF NOT EXISTS idx_events_context
	ON events (user_id, context_id);

CREATE TABLE IF NOT EXISTS user_variables (
	user_id    TEXT NOT NULL,
	key        TEXT NOT NULL,
	value      TEXT,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, key)
);
`

// Open opens a connection to the SQLite database and runs migrations.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{db}, nil
}

// runMigrations applies the SQL schema.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", schemaVersion).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute migration: %w", err)
	}

	_, err = db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", schemaVersion)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
