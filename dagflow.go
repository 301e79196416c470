package dagflow

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/dagflow/internal/backoff"
	"github.com/petrijr/dagflow/internal/engine"
	"github.com/petrijr/dagflow/internal/persistence"
	"github.com/petrijr/dagflow/internal/taskqueue"
	"github.com/petrijr/dagflow/pkg/api"
)

// Re-export core types so users can just import "github.com/petrijr/dagflow".
type (
	Engine          = api.Engine
	TaskTemplate    = api.TaskTemplate
	StepTemplate    = api.StepTemplate
	Task            = api.Task
	Step            = api.Step
	Edge            = api.Edge
	Transition      = api.Transition
	TaskView        = api.TaskView
	TaskListOptions = api.TaskListOptions
	ReadinessStatus = api.ReadinessStatus
	PassResult      = api.PassResult
	State           = api.State
	EntityType      = api.EntityType
	Decision        = api.Decision

	StepContext     = api.StepContext
	StepHandler     = api.StepHandler
	HandlerFunc     = api.HandlerFunc
	HandlerRegistry = api.HandlerRegistry

	EventSink    = api.EventSink
	Event        = api.Event
	NoopSink     = api.NoopSink
	BasicMetrics = api.BasicMetrics
	ChannelSink  = api.ChannelSink

	// BackoffPolicy controls the retry schedule of failed steps.
	BackoffPolicy = backoff.Policy
)

const (
	StatePending          = api.StatePending
	StateInProgress       = api.StateInProgress
	StateComplete         = api.StateComplete
	StateError            = api.StateError
	StateCancelled        = api.StateCancelled
	StateResolvedManually = api.StateResolvedManually

	DecisionAllComplete          = api.DecisionAllComplete
	DecisionHasViableSteps       = api.DecisionHasViableSteps
	DecisionAwaitingRetryBackoff = api.DecisionAwaitingRetryBackoff
	DecisionBlocked              = api.DecisionBlocked
	DecisionNoViableSteps        = api.DecisionNoViableSteps
	DecisionCancelled            = api.DecisionCancelled
)

// Handler errors.
var (
	RetryAfter = api.RetryAfter
	Permanent  = api.Permanent
)

// NewHandlerRegistry returns an empty handler registry.
func NewHandlerRegistry() *HandlerRegistry {
	return api.NewHandlerRegistry()
}

// Option customizes an engine built by one of the New*Engine constructors.
type Option func(*engine.Config)

// WithSink publishes engine events to sink.
func WithSink(sink EventSink) Option {
	return func(c *engine.Config) { c.Sink = sink }
}

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *engine.Config) { c.Logger = logger }
}

// WithTracer records a span per orchestration pass and step execution.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *engine.Config) { c.Tracer = tracer }
}

// WithBackoff replaces the default retry schedule.
func WithBackoff(p BackoffPolicy) Option {
	return func(c *engine.Config) { c.Backoff = p }
}

// WithConcurrency bounds how many steps of one task run in parallel.
func WithConcurrency(n int) Option {
	return func(c *engine.Config) { c.Concurrency = n }
}

// WithStepTimeout bounds a single handler invocation.
func WithStepTimeout(d time.Duration) Option {
	return func(c *engine.Config) { c.StepTimeout = d }
}

// WithPollInterval sets how long Run waits when a pass finds nothing to do.
func WithPollInterval(d time.Duration) Option {
	return func(c *engine.Config) { c.PollInterval = d }
}

func withQueue(q taskqueue.Queue) Option {
	return func(c *engine.Config) { c.Queue = q }
}

func newEngine(store persistence.Store, handlers *HandlerRegistry, opts []Option) Engine {
	cfg := engine.Config{Store: store, Handlers: handlers}
	for _, opt := range opts {
		opt(&cfg)
	}
	return engine.NewEngineWithConfig(cfg)
}

// NewInMemoryEngine returns a non-durable engine, suitable for tests and
// short-lived processes.
func NewInMemoryEngine(handlers *HandlerRegistry, opts ...Option) Engine {
	return newEngine(persistence.NewInMemoryStore(), handlers, opts)
}

// NewSQLiteEngine returns an engine persisting to db. The schema is created
// on first use.
func NewSQLiteEngine(db *sql.DB, handlers *HandlerRegistry, opts ...Option) (Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, handlers, opts), nil
}

// NewPostgresEngine returns an engine persisting to a PostgreSQL database
// opened with the pgx stdlib driver.
func NewPostgresEngine(db *sql.DB, handlers *HandlerRegistry, opts ...Option) (Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return newEngine(store, handlers, opts), nil
}

// NewRedisEngine returns an engine persisting to Redis under the default
// key prefix.
func NewRedisEngine(client *redis.Client, handlers *HandlerRegistry, opts ...Option) Engine {
	return newEngine(persistence.NewRedisStore(client, ""), handlers, opts)
}

// NewChannelSink returns a sink that buffers up to size events for a consumer.
func NewChannelSink(size int) *ChannelSink {
	return api.NewChannelSink(size)
}

// NewCompositeSink fans events out to every non-nil sink.
func NewCompositeSink(sinks ...EventSink) EventSink {
	return api.NewCompositeSink(sinks...)
}

// Convenience helpers that forward to the Engine.

// Submit instantiates the latest version of the named template.
func Submit(ctx context.Context, eng Engine, name string, taskContext map[string]any) (string, error) {
	return eng.Submit(ctx, name, taskContext)
}

// Run drives a task to a terminal decision in the calling goroutine.
func Run(ctx context.Context, eng Engine, taskID string) (*TaskView, error) {
	return eng.Run(ctx, taskID)
}

// SubmitAndRun submits a task and runs it to completion.
func SubmitAndRun(ctx context.Context, eng Engine, name string, taskContext map[string]any) (*TaskView, error) {
	id, err := eng.Submit(ctx, name, taskContext)
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx, id)
}

// GetTask returns a snapshot of a task with its steps and edges.
func GetTask(ctx context.Context, eng Engine, taskID string) (*TaskView, error) {
	return eng.GetTask(ctx, taskID)
}

// ListTasks lists tasks matching opts.
func ListTasks(ctx context.Context, eng Engine, opts TaskListOptions) ([]Task, error) {
	return eng.ListTasks(ctx, opts)
}

// Cancel cancels a task and its unfinished steps.
func Cancel(ctx context.Context, eng Engine, taskID, reason string) error {
	return eng.Cancel(ctx, taskID, reason)
}

// ResolveStepManually marks a failed step as resolved so its dependents can run.
func ResolveStepManually(ctx context.Context, eng Engine, taskID, stepName string, results map[string]any) error {
	return eng.ResolveStepManually(ctx, taskID, stepName, results)
}

// IsRetryExhausted reports whether err says a task is blocked on steps that
// ran out of retries.
func IsRetryExhausted(err error) bool {
	return api.IsRetryExhausted(err)
}
