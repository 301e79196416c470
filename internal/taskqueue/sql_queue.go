package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

type sqlQueueDialect struct {
	name   string
	schema []string
	rebind func(string) string

	// lockClause is appended to the claim SELECT, e.g. FOR UPDATE SKIP LOCKED.
	lockClause string
}

// SQLQueue is a Queue stored in a relational table. Use NewSQLiteQueue or
// NewPostgresQueue to construct one.
//
// A dequeue selects the earliest due, unleased row and leases it with a
// conditional UPDATE inside one transaction; a consumer that loses the
// conditional update simply looks again.
type SQLQueue struct {
	db           *sql.DB
	d            sqlQueueDialect
	pollInterval time.Duration
}

var _ Queue = (*SQLQueue)(nil)

func newSQLQueue(db *sql.DB, d sqlQueueDialect) (*SQLQueue, error) {
	q := &SQLQueue{db: db, d: d, pollInterval: DefaultPollInterval}
	for _, stmt := range d.schema {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("%s queue schema: %w", d.name, err)
		}
	}
	return q, nil
}

func (q *SQLQueue) q(query string) string {
	if q.d.rebind == nil {
		return query
	}
	return q.d.rebind(query)
}

func (q *SQLQueue) Enqueue(ctx context.Context, job Job) error {
	job = prepare(job, time.Now())
	payload, err := EncodeJob(job)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, q.q(`
		INSERT INTO dagflow_jobs (id, type, task_id, payload, enqueued_at, not_before, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		job.ID,
		string(job.Type),
		job.TaskID,
		payload,
		job.EnqueuedAt.UnixNano(),
		job.NotBefore.UnixNano(),
		job.Attempts,
	)
	return err
}

func (q *SQLQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Job, error) {
	leaseTTL = leaseTTLOrDefault(leaseTTL)
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		job, err := q.tryLease(ctx, owner, leaseTTL)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		if err := wait(ctx, tmr, q.pollInterval); err != nil {
			return nil, err
		}
	}
}

// tryLease returns nil, nil when no job is due or another consumer won the
// row first.
func (q *SQLQueue) tryLease(ctx context.Context, owner string, leaseTTL time.Duration) (*Job, error) {
	now := time.Now()
	nowNanos := now.UnixNano()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id        string
		payload   []byte
		notBefore int64
		attempts  int
	)
	err = tx.QueryRowContext(ctx, q.q(`
		SELECT id, payload, not_before, attempts
		FROM dagflow_jobs
		WHERE not_before <= ? AND (leased_by = '' OR lease_expires_at <= ?)
		ORDER BY not_before, enqueued_at
		LIMIT 1 `+q.d.lockClause), nowNanos, nowNanos).
		Scan(&id, &payload, &notBefore, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, q.q(`
		UPDATE dagflow_jobs SET leased_by = ?, lease_expires_at = ?
		WHERE id = ? AND (leased_by = '' OR lease_expires_at <= ?)`),
		owner, now.Add(leaseTTL).UnixNano(), id, nowNanos)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job, err := DecodeJob(payload)
	if err != nil {
		return nil, fmt.Errorf("decode job %q: %w", id, err)
	}
	job.ID = id
	job.NotBefore = time.Unix(0, notBefore)
	job.Attempts = attempts
	return job, nil
}

func (q *SQLQueue) Ack(ctx context.Context, jobID, owner string) error {
	res, err := q.db.ExecContext(ctx, q.q(`DELETE FROM dagflow_jobs WHERE id = ? AND leased_by = ?`), jobID, owner)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (q *SQLQueue) Nack(ctx context.Context, jobID, owner string, notBefore time.Time, attempts int) error {
	res, err := q.db.ExecContext(ctx, q.q(`
		UPDATE dagflow_jobs
		SET leased_by = '', lease_expires_at = 0, not_before = ?, attempts = ?
		WHERE id = ? AND leased_by = ?`),
		notBefore.UnixNano(), attempts, jobID, owner)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM dagflow_jobs`).Scan(&n); err != nil {
		log.Printf("%s queue: Len failed: %v", q.d.name, err)
		return 0
	}
	return n
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}


// SetPollInterval changes how often an idle Dequeue re-checks for due jobs.
// Non-positive values are ignored.
func (q *SQLQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}
