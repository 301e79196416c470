package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/petrijr/dagflow/internal/backoff"
	"github.com/petrijr/dagflow/internal/finalizer"
	"github.com/petrijr/dagflow/internal/graph"
	"github.com/petrijr/dagflow/internal/orchestrator"
	"github.com/petrijr/dagflow/internal/persistence"
	"github.com/petrijr/dagflow/internal/readiness"
	"github.com/petrijr/dagflow/internal/statemachine"
	"github.com/petrijr/dagflow/internal/taskqueue"
	"github.com/petrijr/dagflow/pkg/api"
)

// maxCancelRetries bounds how often Cancel re-reads an entity that keeps
// moving under it.
const maxCancelRetries = 5

// engineImpl wires the store, the state machine and the orchestration loop
// behind the api.Engine interface.
type engineImpl struct {
	store     persistence.Store
	templates *templateRegistry
	handlers  *api.HandlerRegistry
	queue     taskqueue.Queue

	machine *statemachine.Machine
	calc    *readiness.Calculator
	orch    *orchestrator.Orchestrator

	sink   api.EventSink
	logger *slog.Logger
	now    func() time.Time
}

// Config describes how to construct an engine.
type Config struct {
	Store    persistence.Store
	Handlers *api.HandlerRegistry

	// Queue, if set, receives a process-task job for every submitted task
	// and every task that becomes runnable again (manual resolution, stuck
	// step recovery). Leave nil to drive tasks with Run or Process.
	Queue taskqueue.Queue

	Sink   api.EventSink
	Logger *slog.Logger
	Tracer trace.Tracer

	// Backoff is the retry schedule for failed steps. Zero fields take the
	// backoff package defaults.
	Backoff backoff.Policy

	Concurrency  int
	StepTimeout  time.Duration
	PollInterval time.Duration

	Now func() time.Time
}

// NewInMemoryEngine returns an engine backed by an in-memory store.
func NewInMemoryEngine(handlers *api.HandlerRegistry) api.Engine {
	return NewEngineWithConfig(Config{
		Store:    persistence.NewInMemoryStore(),
		Handlers: handlers,
	})
}

// NewSQLiteEngine returns an engine persisting to a SQLite database.
func NewSQLiteEngine(db *sql.DB, handlers *api.HandlerRegistry) (api.Engine, error) {
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Store: store, Handlers: handlers}), nil
}

// NewPostgresEngine returns an engine persisting to PostgreSQL through a
// database/sql handle opened with the pgx driver.
func NewPostgresEngine(db *sql.DB, handlers *api.HandlerRegistry) (api.Engine, error) {
	store, err := persistence.NewPostgresStore(db)
	if err != nil {
		return nil, err
	}
	return NewEngineWithConfig(Config{Store: store, Handlers: handlers}), nil
}

// NewRedisEngine returns an engine persisting to Redis under the "dagflow:"
// key prefix.
func NewRedisEngine(client *redis.Client, handlers *api.HandlerRegistry) api.Engine {
	return NewEngineWithConfig(Config{
		Store:    persistence.NewRedisStore(client, ""),
		Handlers: handlers,
	})
}

// NewEngineWithConfig creates an engine using the given configuration.
func NewEngineWithConfig(cfg Config) api.Engine {
	return newEngine(cfg)
}

func newEngine(cfg Config) *engineImpl {
	if cfg.Store == nil {
		cfg.Store = persistence.NewInMemoryStore()
	}
	if cfg.Handlers == nil {
		cfg.Handlers = api.NewHandlerRegistry()
	}
	if cfg.Sink == nil {
		cfg.Sink = api.NoopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	machine := statemachine.New(cfg.Store, cfg.Sink, cfg.Now)
	calc := readiness.New(cfg.Backoff)
	fin := finalizer.New(calc, machine, cfg.Sink, cfg.Logger)

	return &engineImpl{
		store:     cfg.Store,
		templates: newTemplateRegistry(),
		handlers:  cfg.Handlers,
		queue:     cfg.Queue,
		machine:   machine,
		calc:      calc,
		orch: orchestrator.New(orchestrator.Config{
			Store:        cfg.Store,
			Machine:      machine,
			Calculator:   calc,
			Finalizer:    fin,
			Handlers:     cfg.Handlers,
			Sink:         cfg.Sink,
			Logger:       cfg.Logger,
			Tracer:       cfg.Tracer,
			Now:          cfg.Now,
			Concurrency:  cfg.Concurrency,
			StepTimeout:  cfg.StepTimeout,
			PollInterval: cfg.PollInterval,
		}),
		sink:   cfg.Sink,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
}

func (e *engineImpl) RegisterTemplate(tpl api.TaskTemplate) error {
	for _, st := range tpl.Steps {
		if _, err := e.handlers.Lookup(st.Handler); err != nil {
			return fmt.Errorf("template %q step %q: %w", tpl.Name, st.Name, err)
		}
	}
	return e.templates.Register(tpl)
}

func (e *engineImpl) Submit(ctx context.Context, name string, taskContext map[string]any) (string, error) {
	rt, err := e.templates.Latest(name)
	if err != nil {
		return "", err
	}
	return e.submit(ctx, rt, taskContext)
}

func (e *engineImpl) SubmitVersion(ctx context.Context, name, version string, taskContext map[string]any) (string, error) {
	rt, err := e.templates.Get(name, version)
	if err != nil {
		return "", err
	}
	return e.submit(ctx, rt, taskContext)
}

func (e *engineImpl) submit(ctx context.Context, rt registeredTemplate, taskContext map[string]any) (string, error) {
	if err := rt.validateContext(taskContext); err != nil {
		return "", err
	}

	task, steps, edges := instantiate(rt.tpl, taskContext, e.now())
	if _, err := graph.Build(steps, edges); err != nil {
		return "", err
	}
	if err := e.store.CreateTask(ctx, task, steps, edges); err != nil {
		return "", err
	}

	e.logger.InfoContext(ctx, "task submitted",
		slog.String(api.KeyTaskID, task.ID),
		slog.String(api.KeyTaskName, task.Name),
		slog.String("version", task.Version),
		slog.Int("steps", len(steps)),
	)
	e.sink.Publish(ctx, api.EventTaskSubmitted, map[string]any{
		api.KeyTaskID:   task.ID,
		api.KeyTaskName: task.Name,
		"version":       task.Version,
		api.KeySteps:    len(steps),
	})

	if err := e.enqueue(ctx, task.ID); err != nil {
		return task.ID, err
	}
	return task.ID, nil
}

// instantiate turns a template into a fresh task with its steps and edges.
// Step IDs are new UUIDs; edges reference them.
func instantiate(tpl api.TaskTemplate, taskContext map[string]any, now time.Time) (api.Task, []api.Step, []api.Edge) {
	task := api.Task{
		ID:        uuid.NewString(),
		Name:      tpl.Name,
		Namespace: tpl.Namespace,
		Version:   tpl.Version,
		Context:   taskContext,
		CreatedAt: now,
		State:     api.StatePending,
	}

	ids := make(map[string]string, len(tpl.Steps))
	steps := make([]api.Step, 0, len(tpl.Steps))
	for i, st := range tpl.Steps {
		id := uuid.NewString()
		ids[st.Name] = id
		limit := st.RetryLimit
		if limit == 0 {
			limit = api.DefaultRetryLimit
		}
		steps = append(steps, api.Step{
			ID:         id,
			TaskID:     task.ID,
			Name:       st.Name,
			Handler:    st.Handler,
			Position:   i,
			Config:     st.Config,
			Retryable:  st.Retryable,
			RetryLimit: limit,
			CreatedAt:  now,
			State:      api.StatePending,
		})
	}

	var edges []api.Edge
	for _, st := range tpl.Steps {
		for _, dep := range st.DependsOn {
			edges = append(edges, api.Edge{
				TaskID: task.ID,
				From:   ids[dep],
				To:     ids[st.Name],
				Name:   dep + "->" + st.Name,
			})
		}
	}
	return task, steps, edges
}

func (e *engineImpl) Run(ctx context.Context, taskID string) (*api.TaskView, error) {
	decision, err := e.orch.Run(ctx, taskID)
	if err != nil {
		return nil, err
	}
	view, err := e.store.Snapshot(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if decision.Decision == api.DecisionBlocked {
		return view, &api.RetryExhaustedError{TaskID: taskID, Steps: decision.BlockedSteps}
	}
	return view, nil
}

func (e *engineImpl) Process(ctx context.Context, taskID string) (api.PassResult, error) {
	return e.orch.Pass(ctx, taskID)
}

func (e *engineImpl) GetTask(ctx context.Context, taskID string) (*api.TaskView, error) {
	return e.store.Snapshot(ctx, taskID)
}

func (e *engineImpl) ListTasks(ctx context.Context, opts api.TaskListOptions) ([]api.Task, error) {
	return e.store.ListTasks(ctx, opts)
}

func (e *engineImpl) Readiness(ctx context.Context, taskID string) ([]api.ReadinessStatus, error) {
	view, err := e.store.Snapshot(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.calc.Evaluate(view, e.now())
}

func (e *engineImpl) ViableSteps(ctx context.Context, taskID string) ([]api.Step, error) {
	view, err := e.store.Snapshot(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return e.calc.ViableSteps(view, e.now())
}

func (e *engineImpl) Transitions(ctx context.Context, entity api.EntityType, id string) ([]api.Transition, error) {
	return e.store.ListTransitions(ctx, entity, id)
}

func (e *engineImpl) Cancel(ctx context.Context, taskID string, reason string) error {
	meta := map[string]any{"reason": reason}

	if err := e.retryOnConflict(ctx, func() error {
		_, err := e.machine.TransitionTo(ctx, statemachine.Change{
			Entity:   api.EntityTask,
			ID:       taskID,
			TaskID:   taskID,
			To:       api.StateCancelled,
			Metadata: meta,
		})
		return err
	}); err != nil {
		return err
	}

	view, err := e.store.Snapshot(ctx, taskID)
	if err != nil {
		return err
	}
	cancelled := 0
	for _, st := range view.Steps {
		n, err := e.cancelStep(ctx, st, meta)
		if err != nil {
			return err
		}
		cancelled += n
	}

	e.logger.InfoContext(ctx, "task cancelled",
		slog.String(api.KeyTaskID, taskID),
		slog.String("reason", reason),
		slog.Int("steps_cancelled", cancelled),
	)
	return nil
}

// cancelStep cancels a step that is pending or in progress. A step that
// finishes while we try is left alone.
func (e *engineImpl) cancelStep(ctx context.Context, st api.Step, meta map[string]any) (int, error) {
	state := st.State
	for range maxCancelRetries {
		if state != api.StatePending && state != api.StateInProgress {
			return 0, nil
		}
		_, err := e.machine.TransitionTo(ctx, statemachine.Change{
			Entity:     api.EntityStep,
			ID:         st.ID,
			TaskID:     st.TaskID,
			From:       state,
			To:         api.StateCancelled,
			Metadata:   meta,
			UpdateStep: func(s *api.Step) { s.InProcess = false },
		})
		if err == nil {
			return 1, nil
		}
		if !api.IsConcurrentClaimConflict(err) {
			return 0, err
		}
		if state, err = e.machine.CurrentState(ctx, api.EntityStep, st.ID); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("cancel step %s: gave up after %d conflicts", st.ID, maxCancelRetries)
}

// retryOnConflict re-runs fn while it loses optimistic appends.
func (e *engineImpl) retryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for range maxCancelRetries {
		if err = fn(); err == nil || !api.IsConcurrentClaimConflict(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}

func (e *engineImpl) ResolveStepManually(ctx context.Context, taskID, stepName string, results map[string]any) error {
	view, err := e.store.Snapshot(ctx, taskID)
	if err != nil {
		return err
	}
	st, ok := view.StepByName(stepName)
	if !ok {
		return fmt.Errorf("%w: %s in task %s", api.ErrStepNotFound, stepName, taskID)
	}
	g, err := graph.Build(view.Steps, view.Edges)
	if err != nil {
		return err
	}
	var unblocks []string
	for _, id := range g.Children(st.ID) {
		if child, ok := view.StepByID(id); ok {
			unblocks = append(unblocks, child.Name)
		}
	}

	if _, err := e.machine.TransitionTo(ctx, statemachine.Change{
		Entity:   api.EntityStep,
		ID:       st.ID,
		TaskID:   taskID,
		From:     st.State,
		To:       api.StateResolvedManually,
		Metadata: map[string]any{"resolved_manually": true, "unblocks": unblocks},
		UpdateStep: func(s *api.Step) {
			s.Processed = true
			s.InProcess = false
			s.Results = results
		},
	}); err != nil {
		return err
	}

	if view.Task.State == api.StateError {
		if _, err := e.machine.TransitionTo(ctx, statemachine.Change{
			Entity:   api.EntityTask,
			ID:       taskID,
			TaskID:   taskID,
			From:     api.StateError,
			To:       api.StatePending,
			Metadata: map[string]any{"resolved_step": stepName},
		}); err != nil && !api.IsConcurrentClaimConflict(err) {
			return err
		}
	}

	e.logger.InfoContext(ctx, "step resolved manually",
		slog.String(api.KeyTaskID, taskID),
		slog.String(api.KeyStepName, stepName),
		slog.Any("unblocks", unblocks),
	)
	return e.enqueue(ctx, taskID)
}

func (e *engineImpl) RecoverStuckSteps(ctx context.Context, olderThan time.Duration) (int, error) {
	stuck, err := e.store.FindStuckSteps(ctx, e.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}

	at := e.now()
	recovered := 0
	tasks := make(map[string]struct{})
	for _, st := range stuck {
		_, err := e.machine.TransitionTo(ctx, statemachine.Change{
			Entity:   api.EntityStep,
			ID:       st.ID,
			TaskID:   st.TaskID,
			From:     api.StateInProgress,
			To:       api.StateError,
			Metadata: map[string]any{"recovered": true},
			UpdateStep: func(s *api.Step) {
				s.InProcess = false
				s.Attempts++
				s.LastAttempt = at
				s.LastError = "step abandoned by its worker"
			},
		})
		if api.IsConcurrentClaimConflict(err) {
			// The handler finished after all.
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		tasks[st.TaskID] = struct{}{}
		e.logger.WarnContext(ctx, "recovered stuck step",
			slog.String(api.KeyTaskID, st.TaskID),
			slog.String(api.KeyStepID, st.ID),
			slog.String(api.KeyStepName, st.Name),
		)
	}

	for taskID := range tasks {
		if err := e.enqueue(ctx, taskID); err != nil {
			return recovered, err
		}
	}
	return recovered, nil
}

func (e *engineImpl) enqueue(ctx context.Context, taskID string) error {
	if e.queue == nil {
		return nil
	}
	if err := e.queue.Enqueue(ctx, taskqueue.NewProcessTaskJob(taskID, time.Time{})); err != nil {
		return api.NewPersistenceError("enqueue task", err)
	}
	return nil
}
