package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/dagflow/internal/backoff"
	"github.com/petrijr/dagflow/internal/taskqueue"
	"github.com/petrijr/dagflow/pkg/api"
)

const (
	DefaultMaxAttempts  = 5
	DefaultRetryDelay   = time.Second
	DefaultPollInterval = time.Second
)

// TaskProcessor runs one orchestration pass over a task. api.Engine
// implements it.
type TaskProcessor interface {
	Process(ctx context.Context, taskID string) (api.PassResult, error)
}

// Config controls how a Worker schedules follow-up passes and retries.
type Config struct {
	// Owner identifies this worker in queue leases. Defaults to a random ID.
	Owner string
	// LeaseTTL is how long a dequeued job stays invisible to other workers.
	LeaseTTL time.Duration

	// MaxAttempts bounds how many times a job is retried after a persistence
	// failure before it is dropped.
	MaxAttempts int
	// RetryDelay is the base delay before retrying such a failure; it grows
	// exponentially with the attempt count.
	RetryDelay time.Duration

	// PollInterval is how long to wait before re-checking a task that has
	// nothing to dispatch but is not waiting on a retry timer.
	PollInterval time.Duration

	// Concurrency is the number of jobs Run processes in parallel.
	Concurrency int

	Logger *slog.Logger
}

// Worker pulls process-task jobs from a Queue and drives each task forward by
// one orchestration pass per job. After the pass it reschedules the job
// according to the decision, so a task waiting on a backoff timer holds no
// worker while it waits.
type Worker struct {
	proc  TaskProcessor
	queue taskqueue.Queue
	cfg   Config
	retry backoff.Policy
	now   func() time.Time
}

// New creates a Worker with default configuration.
func New(proc TaskProcessor, queue taskqueue.Queue) *Worker {
	return NewWithConfig(proc, queue, Config{})
}

// NewWithConfig creates a Worker, filling unset fields with defaults.
func NewWithConfig(proc TaskProcessor, queue taskqueue.Queue, cfg Config) *Worker {
	if cfg.Owner == "" {
		cfg.Owner = "worker-" + uuid.NewString()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = taskqueue.DefaultLeaseTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Worker{
		proc:  proc,
		queue: queue,
		cfg:   cfg,
		retry: backoff.Policy{Base: cfg.RetryDelay, Max: 30 * cfg.RetryDelay, Jitter: backoff.DefaultJitter},
		now:   time.Now,
	}
}

// EnqueueTask schedules a pass over taskID as soon as possible.
func (w *Worker) EnqueueTask(ctx context.Context, taskID string) error {
	return w.EnqueueTaskAt(ctx, taskID, time.Time{})
}

// EnqueueTaskAt schedules a pass over taskID no earlier than at.
func (w *Worker) EnqueueTaskAt(ctx context.Context, taskID string, at time.Time) error {
	return w.queue.Enqueue(ctx, taskqueue.NewProcessTaskJob(taskID, at))
}

// ProcessOne leases a single job and processes it.
// Returns (processed, error):
//   - processed == false: no job was obtained (ctx done or dequeue failed)
//   - processed == true: a job was handled; err reports a failed pass
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	return w.processOne(ctx, w.cfg.Owner)
}

func (w *Worker) processOne(ctx context.Context, owner string) (bool, error) {
	job, err := w.queue.Dequeue(ctx, owner, w.cfg.LeaseTTL)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	log := w.cfg.Logger.With(
		slog.String("job_id", job.ID),
		slog.String(api.KeyTaskID, job.TaskID),
	)

	if job.Type != taskqueue.JobProcessTask {
		w.settle(ctx, log, job, owner, time.Time{}, true)
		return true, fmt.Errorf("unknown job type: %s", job.Type)
	}

	res, err := w.proc.Process(ctx, job.TaskID)
	if err != nil {
		return true, w.failed(ctx, log, job, owner, err)
	}

	var next time.Time
	switch res.Decision.Decision {
	case api.DecisionAllComplete, api.DecisionBlocked, api.DecisionCancelled:
		log.InfoContext(ctx, "task finished", slog.String(api.KeyDecision, string(res.Decision.Decision)))
		w.settle(ctx, log, job, owner, time.Time{}, true)
		return true, nil
	case api.DecisionHasViableSteps:
		next = w.now()
	case api.DecisionAwaitingRetryBackoff:
		next = res.Decision.NextEligibleAt
	default:
		next = w.now().Add(w.cfg.PollInterval)
	}
	job.Attempts = 0
	w.settle(ctx, log, job, owner, next, false)
	return true, nil
}

// failed decides whether a failed pass is worth another try. Only storage
// failures are; corruption and logic errors are surfaced and the job dropped.
func (w *Worker) failed(ctx context.Context, log *slog.Logger, job *taskqueue.Job, owner string, err error) error {
	attempts := job.Attempts + 1
	if api.IsPersistence(err) && attempts < w.cfg.MaxAttempts {
		delay := w.retry.Delay(job.ID, attempts)
		log.WarnContext(ctx, "task pass failed, retrying",
			slog.Int(api.KeyAttempt, attempts),
			slog.Duration("delay", delay),
			slog.Any(api.KeyError, err),
		)
		job.Attempts = attempts
		w.settle(ctx, log, job, owner, w.now().Add(delay), false)
		return err
	}

	msg := "task pass failed"
	if api.IsPersistence(err) {
		msg = "task pass failed, giving up"
	}
	log.ErrorContext(ctx, msg, slog.Int(api.KeyAttempt, attempts), slog.Any(api.KeyError, err))
	w.settle(ctx, log, job, owner, time.Time{}, true)
	return err
}

// settle acknowledges the job or hands it back for next. Losing the lease
// means another worker owns the job now, which is fine.
func (w *Worker) settle(ctx context.Context, log *slog.Logger, job *taskqueue.Job, owner string, next time.Time, done bool) {
	// Settle even when the caller is shutting down.
	ctx = context.WithoutCancel(ctx)
	var err error
	if done {
		err = w.queue.Ack(ctx, job.ID, owner)
	} else {
		err = w.queue.Nack(ctx, job.ID, owner, next, job.Attempts)
	}
	switch {
	case err == nil:
	case errors.Is(err, taskqueue.ErrLeaseLost):
		log.WarnContext(ctx, "job lease lost before settling")
	default:
		log.ErrorContext(ctx, "settling job failed", slog.Any(api.KeyError, err))
	}
}

// Run processes jobs with cfg.Concurrency goroutines until ctx is done.
// Failed passes are logged, not returned; Run returns nil on cancellation
// and the first dequeue error otherwise.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range w.cfg.Concurrency {
		owner := fmt.Sprintf("%s-%d", w.cfg.Owner, i)
		g.Go(func() error {
			for {
				processed, err := w.processOne(ctx, owner)
				if ctx.Err() != nil {
					return nil
				}
				if !processed && err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}
