package persistence

import (
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// NewSQLiteStore initializes the required schema in the given database and
// returns a Store backed by it.
//
// It expects an *sql.DB that uses the "modernc.org/sqlite" driver. The
// caller is responsible for importing the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
//
// For ":memory:" databases call db.SetMaxOpenConns(1), otherwise every pooled
// connection sees its own empty database.
func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqlDialect{
		name:              "sqlite",
		schema:            sqliteSchema,
		isUniqueViolation: isSQLiteUniqueViolation,
	})
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		namespace TEXT NOT NULL,
		version TEXT NOT NULL,
		context BLOB,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		name TEXT NOT NULL,
		handler TEXT NOT NULL,
		position INTEGER NOT NULL,
		config BLOB,
		retryable BOOLEAN NOT NULL,
		retry_limit INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		in_process BOOLEAN NOT NULL DEFAULT FALSE,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		results BLOB,
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_attempt_at INTEGER NOT NULL DEFAULT 0,
		backoff_request_ms INTEGER NOT NULL DEFAULT 0,
		UNIQUE (task_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS step_edges (
		task_id TEXT NOT NULL,
		from_step TEXT NOT NULL REFERENCES steps(id),
		to_step TEXT NOT NULL REFERENCES steps(id),
		name TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (task_id, from_step, to_step)
	)`,
	`CREATE TABLE IF NOT EXISTS transitions (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		sort_key INTEGER NOT NULL,
		metadata BLOB,
		created_at INTEGER NOT NULL,
		most_recent BOOLEAN NOT NULL,
		PRIMARY KEY (entity_type, entity_id, sort_key)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS transitions_most_recent
		ON transitions (entity_type, entity_id) WHERE most_recent`,
	`CREATE INDEX IF NOT EXISTS transitions_task ON transitions (task_id)`,
	`CREATE INDEX IF NOT EXISTS steps_task ON steps (task_id, position)`,
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Extended result codes disabled on this connection.
		return strings.Contains(se.Error(), "UNIQUE")
	}
	return false
}
