package taskqueue

import (
	"database/sql"
)

// NewSQLiteQueue initializes the jobs table in the given DB and returns a
// new queue. The DB must use the modernc.org/sqlite driver.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, sqlQueueDialect{
		name: "sqlite",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS dagflow_jobs (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				task_id TEXT NOT NULL,
				payload BLOB NOT NULL,
				enqueued_at INTEGER NOT NULL,
				not_before INTEGER NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				leased_by TEXT NOT NULL DEFAULT '',
				lease_expires_at INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS dagflow_jobs_due ON dagflow_jobs (not_before, enqueued_at)`,
		},
	})
}
