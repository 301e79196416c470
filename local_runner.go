package dagflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/petrijr/dagflow/internal/taskqueue"
	"github.com/petrijr/dagflow/pkg/worker"
)

// DefaultWaitInterval is how often LocalRunner.Wait re-reads a task.
const DefaultWaitInterval = 10 * time.Millisecond

// LocalRunner bundles an in-memory Engine, an in-memory task queue, and a
// Worker to provide a simple "local runner" for development and debugging.
//
// Typical usage:
//
//	runner := dagflow.NewLocalRunner(handlers)
//	dagflow.NewTemplate("order").Step(...).MustRegister(runner.Engine)
//
//	// Synchronous run (no queue/worker involved):
//	view, err := dagflow.SubmitAndRun(ctx, runner.Engine, "order", input)
//
//	// Asynchronous run:
//	_ = runner.StartWorkers(ctx, 2)
//	id, _ := runner.SubmitAsync(ctx, "order", input)
//	view, _ = runner.Wait(ctx, id)
//	runner.Stop()
type LocalRunner struct {
	// Engine is the in-memory engine. Submit enqueues a job on Queue.
	Engine Engine

	// Queue is the in-memory task queue used by the Worker.
	Queue taskqueue.Queue

	// Worker processes jobs from Queue using Engine.
	Worker *worker.Worker

	logger *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory engine,
// in-memory queue, and a Worker with a short poll interval.
func NewLocalRunner(handlers *HandlerRegistry, opts ...Option) *LocalRunner {
	q := taskqueue.NewInMemoryQueue()
	eng := NewInMemoryEngine(handlers, append(opts, withQueue(q))...)

	logger := slog.Default()
	return &LocalRunner{
		Engine: eng,
		Queue:  q,
		Worker: worker.NewWithConfig(eng, q, worker.Config{
			Owner:        "local",
			PollInterval: 50 * time.Millisecond,
			RetryDelay:   50 * time.Millisecond,
			Logger:       logger,
		}),
		logger: logger,
	}
}

// StartWorkers starts concurrency goroutines that continuously call
// Worker.ProcessOne until Stop is called or ctx is cancelled.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context, concurrency int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("dagflow: LocalRunner already started")
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(concurrency)
	for range concurrency {
		go func() {
			defer r.wg.Done()
			for {
				_, err := r.Worker.ProcessOne(ctx)
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					r.logger.ErrorContext(ctx, "local runner pass failed", slog.Any("error", err))
				}
			}
		}()
	}
	return nil
}

// Stop cancels all worker goroutines started by StartWorkers and waits
// for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel := r.cancel
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// SubmitAsync submits a task; the running workers pick it up from Queue.
// The template must already be registered on LocalRunner.Engine.
func (r *LocalRunner) SubmitAsync(ctx context.Context, name string, taskContext map[string]any) (string, error) {
	return r.Engine.Submit(ctx, name, taskContext)
}

// Wait blocks until the task is complete, cancelled or blocked in the error
// state, and returns its final view.
func (r *LocalRunner) Wait(ctx context.Context, taskID string) (*TaskView, error) {
	ticker := time.NewTicker(DefaultWaitInterval)
	defer ticker.Stop()

	for {
		view, err := r.Engine.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		switch view.Task.State {
		case StateComplete, StateCancelled, StateError:
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}
