package taskqueue

import (
	"database/sql"

	"github.com/petrijr/dagflow/internal/sqlbind"
)

// NewPostgresQueue creates the jobs table if needed and returns a Queue
// backed by PostgreSQL. The DB must use the pgx driver
// (_ "github.com/jackc/pgx/v5/stdlib").
//
// Claims use SELECT ... FOR UPDATE SKIP LOCKED so concurrent consumers never
// wait on each other's rows.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, sqlQueueDialect{
		name: "postgres",
		schema: []string{
			`CREATE TABLE IF NOT EXISTS dagflow_jobs (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL,
				task_id TEXT NOT NULL,
				payload BYTEA NOT NULL,
				enqueued_at BIGINT NOT NULL,
				not_before BIGINT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				leased_by TEXT NOT NULL DEFAULT '',
				lease_expires_at BIGINT NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS dagflow_jobs_due ON dagflow_jobs (not_before, enqueued_at)`,
		},
		rebind:     sqlbind.Dollar,
		lockClause: "FOR UPDATE SKIP LOCKED",
	})
}
