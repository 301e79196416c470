package dagflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/dagflow/internal/taskqueue"
	workerpkg "github.com/petrijr/dagflow/pkg/worker"
)

// WorkerBundle wires together an Engine, a durable task queue, and a Worker
// that consumes jobs from that queue. The engine enqueues every submitted
// task, so Submit followed by Run on the bundle is all a service needs.
type WorkerBundle struct {
	Engine Engine
	Worker *workerpkg.Worker

	queue taskqueue.Queue
}

// Run processes queued tasks until ctx is done.
func (b *WorkerBundle) Run(ctx context.Context) error {
	return b.Worker.Run(ctx)
}

// Pending reports how many jobs are queued, leased ones included.
func (b *WorkerBundle) Pending() int {
	return b.queue.Len()
}

// NewSQLiteBundle constructs a durable Engine + Queue + Worker combo sharing
// the same SQLite database.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:dagflow.db?_pragma=journal_mode(WAL)")
//	bundle, err := dagflow.NewSQLiteBundle(db, handlers, worker.Config{MaxAttempts: 3})
//	// register templates on bundle.Engine, then
//	go bundle.Run(ctx)
func NewSQLiteBundle(db *sql.DB, handlers *HandlerRegistry, cfg workerpkg.Config, opts ...Option) (*WorkerBundle, error) {
	q, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	eng, err := NewSQLiteEngine(db, handlers, append(opts, withQueue(q))...)
	if err != nil {
		return nil, err
	}
	return newBundle(eng, q, cfg), nil
}

// NewPostgresBundle is NewSQLiteBundle for a PostgreSQL database.
func NewPostgresBundle(db *sql.DB, handlers *HandlerRegistry, cfg workerpkg.Config, opts ...Option) (*WorkerBundle, error) {
	q, err := taskqueue.NewPostgresQueue(db)
	if err != nil {
		return nil, err
	}
	eng, err := NewPostgresEngine(db, handlers, append(opts, withQueue(q))...)
	if err != nil {
		return nil, err
	}
	return newBundle(eng, q, cfg), nil
}

// NewRedisBundle keeps both task state and the job queue in Redis.
func NewRedisBundle(client *redis.Client, handlers *HandlerRegistry, cfg workerpkg.Config, opts ...Option) *WorkerBundle {
	q := taskqueue.NewRedisQueue(client, "")
	eng := NewRedisEngine(client, handlers, append(opts, withQueue(q))...)
	return newBundle(eng, q, cfg)
}

func newBundle(eng Engine, q taskqueue.Queue, cfg workerpkg.Config) *WorkerBundle {
	return &WorkerBundle{
		Engine: eng,
		Worker: workerpkg.NewWithConfig(eng, q, cfg),
		queue:  q,
	}
}
