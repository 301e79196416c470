package taskqueue

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	job        Job
	seq        uint64
	owner      string
	leaseUntil time.Time
}

func (e *memEntry) available(now time.Time) bool {
	return !e.job.NotBefore.After(now) && (e.owner == "" || !e.leaseUntil.After(now))
}

// InMemoryQueue is a Queue kept in process memory. It is safe for concurrent
// use. Jobs are lost when the process exits.
type InMemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	seq     uint64

	// wake is closed and replaced whenever a job becomes due earlier than
	// a sleeping consumer expects.
	wake chan struct{}
	now  func() time.Time
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		entries: make(map[string]*memEntry),
		wake:    make(chan struct{}),
		now:     time.Now,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	job = prepare(job, q.now())
	q.seq++
	q.entries[job.ID] = &memEntry{job: job, seq: q.seq}
	q.notifyLocked()
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Job, error) {
	leaseTTL = leaseTTLOrDefault(leaseTTL)
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		q.mu.Lock()
		now := q.now()
		var (
			best *memEntry
			next time.Time
		)
		for _, e := range q.entries {
			if e.available(now) {
				if best == nil || e.job.NotBefore.Before(best.job.NotBefore) ||
					(e.job.NotBefore.Equal(best.job.NotBefore) && e.seq < best.seq) {
					best = e
				}
				continue
			}
			due := e.job.NotBefore
			if e.owner != "" && e.leaseUntil.After(due) {
				due = e.leaseUntil
			}
			if next.IsZero() || due.Before(next) {
				next = due
			}
		}
		if best != nil {
			best.owner = owner
			best.leaseUntil = now.Add(leaseTTL)
			job := best.job
			q.mu.Unlock()
			return &job, nil
		}
		wake := q.wake
		q.mu.Unlock()

		d := DefaultPollInterval
		if !next.IsZero() {
			d = next.Sub(now)
		}
		tmr.Reset(d)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
			if !tmr.Stop() {
				<-tmr.C
			}
		case <-tmr.C:
		}
	}
}

func (q *InMemoryQueue) Ack(ctx context.Context, jobID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[jobID]
	if !ok || e.owner != owner {
		return ErrLeaseLost
	}
	delete(q.entries, jobID)
	return nil
}

func (q *InMemoryQueue) Nack(ctx context.Context, jobID, owner string, notBefore time.Time, attempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[jobID]
	if !ok || e.owner != owner {
		return ErrLeaseLost
	}
	e.owner = ""
	e.leaseUntil = time.Time{}
	e.job.NotBefore = notBefore
	e.job.Attempts = attempts
	q.notifyLocked()
	return nil
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *InMemoryQueue) notifyLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
