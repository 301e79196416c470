// Package taskqueue is a durable delayed job queue. Workers lease jobs,
// run one orchestration pass for the job's task and then either acknowledge
// the job or hand it back with a later NotBefore.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// JobType identifies what the worker should do.
type JobType string

const (
	// JobProcessTask runs one orchestration pass over Job.TaskID.
	JobProcessTask JobType = "process-task"
)

const (
	DefaultLeaseTTL     = 30 * time.Second
	DefaultPollInterval = 50 * time.Millisecond
)

// ErrLeaseLost is returned by Ack and Nack when the caller no longer holds
// the lease, typically because it expired and another worker took the job.
var ErrLeaseLost = errors.New("job lease lost")

// Job is a unit of work for a worker.
type Job struct {
	ID     string
	Type   JobType
	TaskID string

	EnqueuedAt time.Time

	// NotBefore is the earliest time the job may be dequeued. Zero means
	// immediately.
	NotBefore time.Time

	// Attempts counts how many times processing this job failed.
	Attempts int
}

// Queue is a delayed job queue with leases.
//
// A dequeued job stays in the queue, invisible to other consumers, until the
// lease holder acknowledges it, hands it back, or the lease expires. A job
// can therefore be delivered more than once; consumers must be idempotent.
type Queue interface {
	// Enqueue adds a job. Missing ID, EnqueuedAt and NotBefore are filled in.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue leases the due job with the earliest NotBefore, blocking until
	// one is available or ctx is done.
	Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Job, error)

	// Ack removes a leased job.
	Ack(ctx context.Context, jobID, owner string) error

	// Nack releases a leased job so it becomes due again at notBefore.
	Nack(ctx context.Context, jobID, owner string, notBefore time.Time, attempts int) error

	// Len returns the approximate number of jobs, leased ones included.
	Len() int
}

// PollingQueue is implemented by backends that poll storage for due jobs
// instead of being woken up in process.
type PollingQueue interface {
	Queue
	SetPollInterval(d time.Duration)
}

var (
	_ PollingQueue = (*SQLQueue)(nil)
	_ PollingQueue = (*RedisQueue)(nil)
	_ PollingQueue = (*MongoQueue)(nil)
)

// NewProcessTaskJob returns a job that processes taskID no earlier than
// notBefore.
func NewProcessTaskJob(taskID string, notBefore time.Time) Job {
	return Job{Type: JobProcessTask, TaskID: taskID, NotBefore: notBefore}
}

// prepare fills in the defaults every backend applies on Enqueue.
func prepare(job Job, now time.Time) Job {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Type == "" {
		job.Type = JobProcessTask
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	if job.NotBefore.IsZero() {
		job.NotBefore = job.EnqueuedAt
	}
	return job
}

func leaseTTLOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultLeaseTTL
	}
	return ttl
}

// wait blocks for d or until ctx is done.
func wait(ctx context.Context, tmr *time.Timer, d time.Duration) error {
	tmr.Reset(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			select {
			case <-tmr.C:
			default:
			}
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// newStoppedTimer returns a timer that is not running, for reuse across
// idle polls.
func newStoppedTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		<-tmr.C
	}
	return tmr
}
