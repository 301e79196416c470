package persistence

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/petrijr/dagflow/internal/sqlbind"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// NewPostgresStore initializes the required schema in the given database and
// returns a Store backed by PostgreSQL.
//
// It expects an *sql.DB that uses the pgx driver. The caller is responsible
// for importing the driver for its side effects, e.g.:
//
//	_ "github.com/jackc/pgx/v5/stdlib"
//
// Snapshots run in REPEATABLE READ read-only transactions so that a task's
// steps and their most recent transitions come from the same point in time.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, sqlDialect{
		name:              "postgres",
		schema:            postgresSchema,
		rebind:            sqlbind.Dollar,
		isUniqueViolation: isPostgresUniqueViolation,
		snapshotOpts:      &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true},
	})
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		namespace TEXT NOT NULL,
		version TEXT NOT NULL,
		context BYTEA,
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS steps (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		name TEXT NOT NULL,
		handler TEXT NOT NULL,
		position INTEGER NOT NULL,
		config BYTEA,
		retryable BOOLEAN NOT NULL,
		retry_limit INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		in_process BOOLEAN NOT NULL DEFAULT FALSE,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		results BYTEA,
		last_error TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		last_attempt_at BIGINT NOT NULL DEFAULT 0,
		backoff_request_ms BIGINT NOT NULL DEFAULT 0,
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
		metadata BYTEA,
		created_at BIGINT NOT NULL,
		most_recent BOOLEAN NOT NULL,
		PRIMARY KEY (entity_type, entity_id, sort_key)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS transitions_most_recent
		ON transitions (entity_type, entity_id) WHERE most_recent`,
	`CREATE INDEX IF NOT EXISTS transitions_task ON transitions (task_id)`,
	`CREATE INDEX IF NOT EXISTS steps_task ON steps (task_id, position)`,
}

func isPostgresUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
