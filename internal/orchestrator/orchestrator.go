// Package orchestrator drives a single task through its steps.
//
// One pass goes Dispatching -> Awaiting -> Evaluating: it claims every viable
// step through the transition log, runs the claimed handlers, records their
// outcome and asks the finalizer what to do next. Run repeats passes until the
// task is terminal, parking on a timer while failed steps wait out their
// backoff.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/dagflow/internal/finalizer"
	"github.com/petrijr/dagflow/internal/graph"
	"github.com/petrijr/dagflow/internal/persistence"
	"github.com/petrijr/dagflow/internal/readiness"
	"github.com/petrijr/dagflow/internal/statemachine"
	"github.com/petrijr/dagflow/pkg/api"
)

const (
	DefaultConcurrency  = 4
	DefaultPollInterval = time.Second

	tracerName = "github.com/petrijr/dagflow/internal/orchestrator"
)

// Phase names a stage of the orchestration loop. It only appears in logs.
type Phase string

const (
	PhaseDispatching Phase = "dispatching"
	PhaseAwaiting    Phase = "awaiting"
	PhaseEvaluating  Phase = "evaluating"
	PhaseSleeping    Phase = "sleeping"
	PhaseTerminal    Phase = "terminal"
)

// Config wires an Orchestrator.
type Config struct {
	Store      persistence.Store
	Machine    *statemachine.Machine
	Calculator *readiness.Calculator
	Finalizer  *finalizer.Finalizer
	Handlers   *api.HandlerRegistry

	Sink   api.EventSink
	Logger *slog.Logger
	Tracer trace.Tracer
	Now    func() time.Time

	// Concurrency bounds the handlers running at once within one task.
	Concurrency int
	// StepTimeout bounds a single handler invocation. Zero means no limit.
	StepTimeout time.Duration
	// PollInterval is how long Run waits before re-polling a task that has
	// nothing to dispatch but is not waiting on a retry timer.
	PollInterval time.Duration
}

// Orchestrator runs orchestration passes. It is safe for concurrent use,
// including concurrent passes over the same task: the transition log decides
// which caller owns each step.
type Orchestrator struct {
	store    persistence.Store
	machine  *statemachine.Machine
	calc     *readiness.Calculator
	fin      *finalizer.Finalizer
	handlers *api.HandlerRegistry

	sink   api.EventSink
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	concurrency  int
	stepTimeout  time.Duration
	pollInterval time.Duration
}

// New creates an Orchestrator, filling unset optional fields with defaults.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:        cfg.Store,
		machine:      cfg.Machine,
		calc:         cfg.Calculator,
		fin:          cfg.Finalizer,
		handlers:     cfg.Handlers,
		sink:         cfg.Sink,
		logger:       cfg.Logger,
		tracer:       cfg.Tracer,
		now:          cfg.Now,
		concurrency:  cfg.Concurrency,
		stepTimeout:  cfg.StepTimeout,
		pollInterval: cfg.PollInterval,
	}
	if o.sink == nil {
		o.sink = api.NoopSink{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.handlers == nil {
		o.handlers = api.NewHandlerRegistry()
	}
	if o.concurrency <= 0 {
		o.concurrency = DefaultConcurrency
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}
	return o
}

// claimed is a step this pass owns, with the context its handler receives.
// sortKey identifies the claiming transition; the outcome is only recorded
// while that transition is still the step's current one.
type claimed struct {
	step    api.Step
	sc      api.StepContext
	sortKey int
}

// Pass runs one Dispatching -> Awaiting -> Evaluating cycle for the task.
//
// Handler failures are recorded on the step and never returned. A returned
// error means the pass itself failed (persistence, corruption, illegal
// transition) and nothing should be assumed about what it wrote.
func (o *Orchestrator) Pass(ctx context.Context, taskID string) (api.PassResult, error) {
	ctx, span := o.tracer.Start(ctx, "dagflow.pass", trace.WithAttributes(attribute.String("dagflow.task_id", taskID)))
	defer span.End()

	res, err := o.pass(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.String("dagflow.decision", string(res.Decision.Decision)),
		attribute.Int("dagflow.dispatched", res.Dispatched),
		attribute.Int("dagflow.conflicts", res.Conflicts),
	)
	return res, nil
}

func (o *Orchestrator) pass(ctx context.Context, taskID string) (api.PassResult, error) {
	res := api.PassResult{TaskID: taskID}
	log := o.logger.With(slog.String(api.KeyTaskID, taskID))

	view, err := o.store.Snapshot(ctx, taskID)
	if err != nil {
		return res, err
	}

	if view.Task.State == api.StatePending {
		if view, err = o.start(ctx, view); err != nil {
			return res, err
		}
	}

	var (
		work     []claimed
		claimErr error
	)
	if view.Task.State == api.StateInProgress {
		log.DebugContext(ctx, "orchestration phase", slog.String("phase", string(PhaseDispatching)))
		work, res.Conflicts, claimErr = o.dispatch(ctx, view)
	}

	if len(work) > 0 {
		log.DebugContext(ctx, "orchestration phase",
			slog.String("phase", string(PhaseAwaiting)),
			slog.Int("steps", len(work)),
		)
		res.Dispatched = len(work)
		if err := o.await(ctx, view.Task, work); err != nil {
			return res, err
		}
	}
	if claimErr != nil {
		return res, claimErr
	}

	log.DebugContext(ctx, "orchestration phase", slog.String("phase", string(PhaseEvaluating)))
	view, err = o.store.Snapshot(ctx, taskID)
	if err != nil {
		return res, err
	}
	res.Decision, err = o.fin.Finalize(ctx, view, o.now())
	if err != nil {
		return res, err
	}
	return res, nil
}

// start moves a pending task to in_progress. Losing that race is fine: the
// winner either started it or cancelled it, and the fresh snapshot says which.
func (o *Orchestrator) start(ctx context.Context, view *api.TaskView) (*api.TaskView, error) {
	_, err := o.machine.TransitionTo(ctx, statemachine.Change{
		Entity: api.EntityTask,
		ID:     view.Task.ID,
		TaskID: view.Task.ID,
		From:   api.StatePending,
		To:     api.StateInProgress,
	})
	if err == nil {
		view.Task.State = api.StateInProgress
		return view, nil
	}
	if !api.IsConcurrentClaimConflict(err) {
		return nil, err
	}
	return o.store.Snapshot(ctx, view.Task.ID)
}

// dispatch claims every viable step. Claims that lose a race are counted and
// skipped; the first other failure stops claiming but keeps what was won.
func (o *Orchestrator) dispatch(ctx context.Context, view *api.TaskView) ([]claimed, int, error) {
	viable, err := o.calc.ViableSteps(view, o.now())
	if err != nil {
		return nil, 0, err
	}
	if len(viable) == 0 {
		return nil, 0, nil
	}
	g, err := graph.Build(view.Steps, view.Edges)
	if err != nil {
		return nil, 0, err
	}

	stepNames := make([]string, 0, len(viable))
	for _, st := range viable {
		stepNames = append(stepNames, st.Name)
	}
	o.sink.Publish(ctx, api.EventViableStepsDiscovered, map[string]any{
		api.KeyTaskID: view.Task.ID,
		api.KeySteps:  stepNames,
	})

	var (
		work      []claimed
		conflicts int
	)
	for _, st := range viable {
		c, err := o.claim(ctx, view, g, st)
		if err != nil {
			if api.IsConcurrentClaimConflict(err) {
				conflicts++
				o.sink.Publish(ctx, api.EventStepClaimConflict, map[string]any{
					api.KeyTaskID:   view.Task.ID,
					api.KeyStepID:   st.ID,
					api.KeyStepName: st.Name,
				})
				continue
			}
			return work, conflicts, err
		}
		work = append(work, c)
	}
	return work, conflicts, nil
}

// claim takes ownership of a step by moving it to in_progress. A failed step
// goes back through pending first so the log shows the retry.
func (o *Orchestrator) claim(ctx context.Context, view *api.TaskView, g *graph.Graph, st api.Step) (claimed, error) {
	attempt := st.Attempts + 1
	meta := map[string]any{api.KeyAttempt: attempt}

	from := st.State
	if from == api.StateError {
		if _, err := o.machine.TransitionTo(ctx, statemachine.Change{
			Entity:   api.EntityStep,
			ID:       st.ID,
			TaskID:   st.TaskID,
			From:     api.StateError,
			To:       api.StatePending,
			Metadata: meta,
		}); err != nil {
			return claimed{}, err
		}
		from = api.StatePending
	}

	at := o.now()
	tr, err := o.machine.TransitionTo(ctx, statemachine.Change{
		Entity:   api.EntityStep,
		ID:       st.ID,
		TaskID:   st.TaskID,
		From:     from,
		To:       api.StateInProgress,
		Metadata: meta,
		UpdateStep: func(s *api.Step) {
			s.InProcess = true
			s.LastAttempt = at
		},
	})
	if err != nil {
		return claimed{}, err
	}

	st.State = api.StateInProgress
	st.InProcess = true
	st.LastAttempt = at

	return claimed{
		step:    st,
		sortKey: tr.SortKey,
		sc: api.StepContext{
			TaskID:        view.Task.ID,
			TaskName:      view.Task.Name,
			StepID:        st.ID,
			StepName:      st.Name,
			Attempt:       attempt,
			TaskContext:   view.Task.Context,
			Config:        st.Config,
			ParentResults: parentResults(view, g, st.ID),
		},
	}, nil
}

func parentResults(view *api.TaskView, g *graph.Graph, stepID string) map[string]map[string]any {
	out := make(map[string]map[string]any)
	for _, id := range g.Parents(stepID) {
		if parent, ok := view.StepByID(id); ok {
			out[parent.Name] = parent.Results
		}
	}
	return out
}

// await runs the claimed handlers, at most concurrency at a time, and records
// each outcome. Only failures to record are returned.
func (o *Orchestrator) await(ctx context.Context, task api.Task, work []claimed) error {
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, c := range work {
		g.Go(func() error {
			return o.execute(ctx, task, c)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) execute(ctx context.Context, task api.Task, c claimed) error {
	ctx, span := o.tracer.Start(ctx, "dagflow.step", trace.WithAttributes(
		attribute.String("dagflow.task_id", task.ID),
		attribute.String("dagflow.step_id", c.step.ID),
		attribute.String("dagflow.step_name", c.step.Name),
		attribute.String("dagflow.handler", c.step.Handler),
		attribute.Int("dagflow.attempt", c.sc.Attempt),
	))
	defer span.End()

	o.sink.Publish(ctx, api.EventStepDispatched, map[string]any{
		api.KeyTaskID:   task.ID,
		api.KeyStepID:   c.step.ID,
		api.KeyStepName: c.step.Name,
		api.KeyAttempt:  c.sc.Attempt,
	})

	start := time.Now()
	results, herr := o.invoke(ctx, c)
	elapsed := time.Since(start)

	// The outcome is recorded even if the caller gave up meanwhile.
	rctx := context.WithoutCancel(ctx)
	var err error
	if herr == nil {
		err = o.recordSuccess(rctx, c, results, elapsed)
	} else {
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		err = o.recordFailure(rctx, c, herr, elapsed)
	}

	if api.IsConcurrentClaimConflict(err) {
		// Someone else moved the step: a cancellation, or a stuck-step
		// recovery after which the step may already be claimed again.
		o.logger.InfoContext(ctx, "step result discarded",
			slog.String(api.KeyTaskID, task.ID),
			slog.String(api.KeyStepName, c.step.Name),
			slog.Any(api.KeyError, err),
		)
		o.sink.Publish(ctx, api.EventStepResultDiscarded, map[string]any{
			api.KeyTaskID:   task.ID,
			api.KeyStepID:   c.step.ID,
			api.KeyStepName: c.step.Name,
			api.KeyAttempt:  c.sc.Attempt,
		})
		return nil
	}
	return err
}

// invoke runs the handler, converting a panic or a timeout into an error.
func (o *Orchestrator) invoke(ctx context.Context, c claimed) (results map[string]any, err error) {
	h, err := o.handlers.Lookup(c.step.Handler)
	if err != nil {
		return nil, api.Permanent(err)
	}

	if o.stepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.stepTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	results, err = h.Execute(ctx, c.sc)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("step timed out after %s: %w", o.stepTimeout, err)
	}
	return results, err
}

// recordSuccess and recordFailure stamp LastAttempt with the time the handler
// returned, so a retry backoff counts from the failure.
func (o *Orchestrator) recordSuccess(ctx context.Context, c claimed, results map[string]any, elapsed time.Duration) error {
	at := o.now()
	_, err := o.machine.TransitionTo(ctx, statemachine.Change{
		Entity:      api.EntityStep,
		ID:          c.step.ID,
		TaskID:      c.step.TaskID,
		From:        api.StateInProgress,
		FromSortKey: c.sortKey,
		To:          api.StateComplete,
		Metadata: map[string]any{
			api.KeyAttempt:  c.sc.Attempt,
			api.KeyDuration: elapsed.String(),
		},
		UpdateStep: func(s *api.Step) {
			s.Processed = true
			s.InProcess = false
			s.Results = results
			s.Attempts++
			s.LastAttempt = at
			s.BackoffRequest = 0
			s.LastError = ""
		},
	})
	return err
}

func (o *Orchestrator) recordFailure(ctx context.Context, c claimed, cause error, elapsed time.Duration) error {
	he := api.AsHandlerError(c.step.Name, c.sc.Attempt, cause)
	o.logger.WarnContext(ctx, "step handler failed",
		slog.String(api.KeyTaskID, c.step.TaskID),
		slog.String(api.KeyStepName, c.step.Name),
		slog.Int(api.KeyAttempt, c.sc.Attempt),
		slog.Any(api.KeyError, he.Cause),
	)

	meta := map[string]any{
		api.KeyAttempt:  c.sc.Attempt,
		api.KeyDuration: elapsed.String(),
		api.KeyError:    he.Error(),
	}
	if he.RetryAfter > 0 {
		meta["retry_after"] = he.RetryAfter.String()
	}
	if he.Permanent {
		meta["permanent"] = true
	}

	at := o.now()
	_, err := o.machine.TransitionTo(ctx, statemachine.Change{
		Entity:      api.EntityStep,
		ID:          c.step.ID,
		TaskID:      c.step.TaskID,
		From:        api.StateInProgress,
		FromSortKey: c.sortKey,
		To:          api.StateError,
		Metadata:    meta,
		UpdateStep: func(s *api.Step) {
			s.InProcess = false
			s.Attempts++
			s.LastAttempt = at
			s.BackoffRequest = he.RetryAfter
			s.LastError = he.Error()
			if he.Permanent {
				s.Retryable = false
			}
		},
	})
	return err
}

// Run repeats passes until the task reaches a terminal decision, sleeping on
// a timer while retries are pending. It returns the final decision.
func (o *Orchestrator) Run(ctx context.Context, taskID string) (api.TaskDecision, error) {
	for {
		res, err := o.Pass(ctx, taskID)
		if err != nil {
			return api.TaskDecision{}, err
		}

		d := res.Decision
		var wait time.Duration
		switch d.Decision {
		case api.DecisionAllComplete, api.DecisionBlocked, api.DecisionCancelled:
			o.logger.DebugContext(ctx, "orchestration phase",
				slog.String(api.KeyTaskID, taskID),
				slog.String("phase", string(PhaseTerminal)),
				slog.String(api.KeyDecision, string(d.Decision)),
			)
			return d, nil
		case api.DecisionHasViableSteps:
			continue
		case api.DecisionAwaitingRetryBackoff:
			wait = d.NextEligibleAt.Sub(o.now())
		default:
			wait = o.pollInterval
		}

		if wait > 0 {
			until := o.now().Add(wait)
			o.logger.DebugContext(ctx, "orchestration phase",
				slog.String(api.KeyTaskID, taskID),
				slog.String("phase", string(PhaseSleeping)),
				slog.Time(api.KeyUntil, until),
			)
			o.sink.Publish(ctx, api.EventLoopSleeping, map[string]any{
				api.KeyTaskID:   taskID,
				api.KeyDecision: string(d.Decision),
				api.KeyUntil:    until,
			})
			if err := sleep(ctx, wait); err != nil {
				return d, err
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
