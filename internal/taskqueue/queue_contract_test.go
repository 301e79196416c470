package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dequeueWithin(t *testing.T, q Queue, owner string, leaseTTL, within time.Duration) (*Job, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), within)
	defer cancel()
	return q.Dequeue(ctx, owner, leaseTTL)
}

// runQueueContract exercises the behavior every Queue must share.
func runQueueContract(t *testing.T, newQueue func(t *testing.T) Queue) {
	t.Run("EarliestDueFirst", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		now := time.Now()

		require.NoError(t, q.Enqueue(ctx, NewProcessTaskJob("late", now.Add(-time.Second))))
		require.NoError(t, q.Enqueue(ctx, NewProcessTaskJob("early", now.Add(-2*time.Second))))
		assert.Equal(t, 2, q.Len())

		job, err := dequeueWithin(t, q, "w1", time.Minute, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "early", job.TaskID)
		assert.Equal(t, JobProcessTask, job.Type)
		assert.NotEmpty(t, job.ID)

		require.NoError(t, q.Ack(ctx, job.ID, "w1"))
		assert.Equal(t, 1, q.Len())

		job, err = dequeueWithin(t, q, "w1", time.Minute, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "late", job.TaskID)
	})

	t.Run("NotBeforeDelaysDelivery", func(t *testing.T) {
		q := newQueue(t)
		due := time.Now().Add(300 * time.Millisecond)
		require.NoError(t, q.Enqueue(context.Background(), NewProcessTaskJob("t1", due)))

		_, err := dequeueWithin(t, q, "w1", time.Minute, 50*time.Millisecond)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		job, err := dequeueWithin(t, q, "w1", time.Minute, 3*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "t1", job.TaskID)
		assert.False(t, time.Now().Before(due.Truncate(time.Millisecond)))
	})

	t.Run("LeasedJobIsInvisible", func(t *testing.T) {
		q := newQueue(t)
		require.NoError(t, q.Enqueue(context.Background(), NewProcessTaskJob("t1", time.Time{})))

		_, err := dequeueWithin(t, q, "w1", time.Minute, 2*time.Second)
		require.NoError(t, err)

		_, err = dequeueWithin(t, q, "w2", time.Minute, 100*time.Millisecond)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, 1, q.Len())
	})

	t.Run("NackReschedules", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, NewProcessTaskJob("t1", time.Time{})))

		job, err := dequeueWithin(t, q, "w1", time.Minute, 2*time.Second)
		require.NoError(t, err)
		require.NoError(t, q.Nack(ctx, job.ID, "w1", time.Now(), 2))

		again, err := dequeueWithin(t, q, "w2", time.Minute, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, job.ID, again.ID)
		assert.Equal(t, "t1", again.TaskID)
		assert.Equal(t, 2, again.Attempts)
	})

	t.Run("ExpiredLeaseIsRedelivered", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, NewProcessTaskJob("t1", time.Time{})))

		first, err := dequeueWithin(t, q, "w1", 50*time.Millisecond, 2*time.Second)
		require.NoError(t, err)

		second, err := dequeueWithin(t, q, "w2", time.Minute, 3*time.Second)
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		require.ErrorIs(t, q.Ack(ctx, first.ID, "w1"), ErrLeaseLost)
		require.NoError(t, q.Ack(ctx, second.ID, "w2"))
		assert.Equal(t, 0, q.Len())
	})

	t.Run("WrongOwnerLosesLease", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, NewProcessTaskJob("t1", time.Time{})))

		job, err := dequeueWithin(t, q, "w1", time.Minute, 2*time.Second)
		require.NoError(t, err)

		require.ErrorIs(t, q.Ack(ctx, job.ID, "w2"), ErrLeaseLost)
		require.ErrorIs(t, q.Nack(ctx, job.ID, "w2", time.Now(), 1), ErrLeaseLost)
		require.ErrorIs(t, q.Ack(ctx, "missing", "w1"), ErrLeaseLost)
		require.NoError(t, q.Ack(ctx, job.ID, "w1"))
	})

	t.Run("DequeueWaitsForEnqueue", func(t *testing.T) {
		q := newQueue(t)
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = q.Enqueue(context.Background(), NewProcessTaskJob("t1", time.Time{}))
		}()

		job, err := dequeueWithin(t, q, "w1", time.Minute, 3*time.Second)
		require.NoError(t, err)
		assert.Equal(t, "t1", job.TaskID)
	})
}
