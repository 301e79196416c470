package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/dagflow/internal/taskqueue"
	"github.com/petrijr/dagflow/pkg/api"
)

// scriptedProcessor returns the queued outcomes for a task in order and
// repeats the last one.
type scriptedProcessor struct {
	mu       sync.Mutex
	outcomes map[string][]outcome
	calls    map[string]int
}

type outcome struct {
	decision api.TaskDecision
	err      error
}

func newScripted() *scriptedProcessor {
	return &scriptedProcessor{outcomes: map[string][]outcome{}, calls: map[string]int{}}
}

func (p *scriptedProcessor) script(taskID string, outs ...outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[taskID] = outs
}

func (p *scriptedProcessor) Process(ctx context.Context, taskID string) (api.PassResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	outs := p.outcomes[taskID]
	i := p.calls[taskID]
	p.calls[taskID]++
	if i >= len(outs) {
		i = len(outs) - 1
	}
	if i < 0 {
		return api.PassResult{}, api.ErrTaskNotFound
	}
	return api.PassResult{TaskID: taskID, Decision: outs[i].decision}, outs[i].err
}

func (p *scriptedProcessor) count(taskID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[taskID]
}

func decided(d api.Decision) outcome {
	return outcome{decision: api.TaskDecision{Decision: d}}
}

func newTestWorker(proc TaskProcessor, q taskqueue.Queue, cfg Config) *Worker {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWithConfig(proc, q, cfg)
}

func processWithin(t *testing.T, w *Worker, d time.Duration) (bool, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return w.ProcessOne(ctx)
}

func TestProcessOne_TerminalDecisionRemovesJob(t *testing.T) {
	for _, d := range []api.Decision{api.DecisionAllComplete, api.DecisionBlocked, api.DecisionCancelled} {
		t.Run(string(d), func(t *testing.T) {
			proc := newScripted()
			proc.script("t1", decided(d))
			q := taskqueue.NewInMemoryQueue()
			w := newTestWorker(proc, q, Config{})

			require.NoError(t, w.EnqueueTask(context.Background(), "t1"))
			processed, err := processWithin(t, w, time.Second)
			require.NoError(t, err)
			assert.True(t, processed)
			assert.Equal(t, 0, q.Len())
		})
	}
}

func TestProcessOne_ViableStepsRequeueImmediately(t *testing.T) {
	proc := newScripted()
	proc.script("t1", decided(api.DecisionHasViableSteps), decided(api.DecisionAllComplete))
	q := taskqueue.NewInMemoryQueue()
	w := newTestWorker(proc, q, Config{})

	require.NoError(t, w.EnqueueTask(context.Background(), "t1"))

	_, err := processWithin(t, w, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, q.Len())

	_, err = processWithin(t, w, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 2, proc.count("t1"))
}

func TestProcessOne_BackoffDelaysNextPass(t *testing.T) {
	proc := newScripted()
	q := taskqueue.NewInMemoryQueue()
	w := newTestWorker(proc, q, Config{})

	retryAt := time.Now().Add(150 * time.Millisecond)
	proc.script("t1",
		outcome{decision: api.TaskDecision{Decision: api.DecisionAwaitingRetryBackoff, NextEligibleAt: retryAt}},
		decided(api.DecisionAllComplete),
	)
	require.NoError(t, w.EnqueueTask(context.Background(), "t1"))

	_, err := processWithin(t, w, time.Second)
	require.NoError(t, err)

	processed, err := processWithin(t, w, 50*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, processed)

	_, err = processWithin(t, w, 2*time.Second)
	require.NoError(t, err)
	assert.False(t, time.Now().Before(retryAt))
	assert.Equal(t, 0, q.Len())
}

func TestProcessOne_NoViableStepsPolls(t *testing.T) {
	proc := newScripted()
	proc.script("t1", decided(api.DecisionNoViableSteps), decided(api.DecisionAllComplete))
	q := taskqueue.NewInMemoryQueue()
	w := newTestWorker(proc, q, Config{PollInterval: 20 * time.Millisecond})

	require.NoError(t, w.EnqueueTask(context.Background(), "t1"))
	_, err := processWithin(t, w, time.Second)
	require.NoError(t, err)

	_, err = processWithin(t, w, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, proc.count("t1"))
}

func TestProcessOne_PersistenceErrorsRetryThenGiveUp(t *testing.T) {
	proc := newScripted()
	storeErr := api.NewPersistenceError("snapshot", errors.New("connection reset"))
	proc.script("t1", outcome{err: storeErr})
	q := taskqueue.NewInMemoryQueue()
	w := newTestWorker(proc, q, Config{MaxAttempts: 3, RetryDelay: time.Millisecond})

	require.NoError(t, w.EnqueueTask(context.Background(), "t1"))

	for i := 1; i <= 3; i++ {
		processed, err := processWithin(t, w, 2*time.Second)
		assert.True(t, processed)
		require.ErrorIs(t, err, storeErr)
	}
	assert.Equal(t, 3, proc.count("t1"))
	assert.Equal(t, 0, q.Len())
}

func TestProcessOne_LogicErrorsAreNotRetried(t *testing.T) {
	proc := newScripted()
	invalid := api.NewInvalidTransitionError(api.EntityTask, "t1", api.StateComplete, api.StatePending)
	proc.script("t1", outcome{err: invalid})
	q := taskqueue.NewInMemoryQueue()
	w := newTestWorker(proc, q, Config{})

	require.NoError(t, w.EnqueueTask(context.Background(), "t1"))
	processed, err := processWithin(t, w, time.Second)
	assert.True(t, processed)
	require.True(t, api.IsInvalidTransition(err))
	assert.Equal(t, 0, q.Len())
}

func TestProcessOne_UnknownJobType(t *testing.T) {
	q := taskqueue.NewInMemoryQueue()
	w := newTestWorker(newScripted(), q, Config{})

	require.NoError(t, q.Enqueue(context.Background(), taskqueue.Job{Type: "reindex", TaskID: "t1"}))
	processed, err := processWithin(t, w, time.Second)
	assert.True(t, processed)
	require.ErrorContains(t, err, "unknown job type")
	assert.Equal(t, 0, q.Len())
}

func TestRun_DrainsQueueUntilCancelled(t *testing.T) {
	proc := newScripted()
	for _, id := range []string{"a", "b", "c"} {
		proc.script(id, decided(api.DecisionHasViableSteps), decided(api.DecisionAllComplete))
	}
	q := taskqueue.NewInMemoryQueue()
	w := newTestWorker(proc, q, Config{Concurrency: 2})

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, w.EnqueueTask(context.Background(), id))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return q.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 2, proc.count(id), id)
	}
}
