package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue_Contract(t *testing.T) {
	runQueueContract(t, func(t *testing.T) Queue {
		return NewInMemoryQueue()
	})
}

func TestInMemoryQueue_NackWakesSleepingConsumer(t *testing.T) {
	q := NewInMemoryQueue()
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, NewProcessTaskJob("t1", time.Time{})))

	job, err := q.Dequeue(ctx, "w1", time.Hour)
	require.NoError(t, err)

	got := make(chan *Job, 1)
	go func() {
		j, _ := dequeueWithin(t, q, "w2", time.Hour, 2*time.Second)
		got <- j
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Nack(ctx, job.ID, "w1", time.Now(), 1))

	select {
	case j := <-got:
		require.NotNil(t, j)
		assert.Equal(t, job.ID, j.ID)
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by Nack")
	}
}

func TestInMemoryQueue_EnqueueHonoursContext(t *testing.T) {
	q := NewInMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, q.Enqueue(ctx, NewProcessTaskJob("t1", time.Time{})), context.Canceled)
	assert.Equal(t, 0, q.Len())
}
