package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petrijr/dagflow/internal/backoff"
	"github.com/petrijr/dagflow/internal/finalizer"
	"github.com/petrijr/dagflow/internal/persistence"
	"github.com/petrijr/dagflow/internal/readiness"
	"github.com/petrijr/dagflow/internal/statemachine"
	"github.com/petrijr/dagflow/pkg/api"
)

type recordingSink struct {
	mu     sync.Mutex
	events []api.Event
}

func (s *recordingSink) Publish(ctx context.Context, name string, payload map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, api.Event{Name: name, Payload: payload})
}

func (s *recordingSink) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.Name == name {
			n++
		}
	}
	return n
}

type harness struct {
	orch     *Orchestrator
	store    *persistence.InMemoryStore
	machine  *statemachine.Machine
	sink     *recordingSink
	handlers *api.HandlerRegistry
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()
	h := &harness{
		store:    persistence.NewInMemoryStore(),
		sink:     &recordingSink{},
		handlers: api.NewHandlerRegistry(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.machine = statemachine.New(h.store, h.sink, nil)
	calc := readiness.New(backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond})

	cfg := Config{
		Store:        h.store,
		Machine:      h.machine,
		Calculator:   calc,
		Finalizer:    finalizer.New(calc, h.machine, h.sink, logger),
		Handlers:     h.handlers,
		Sink:         h.sink,
		Logger:       logger,
		PollInterval: 5 * time.Millisecond,
	}
	if configure != nil {
		configure(&cfg)
	}
	h.orch = New(cfg)
	return h
}

type stepSpec struct {
	name    string
	handler string
	deps    []string
}

// submit creates task "t1"; step IDs equal step names.
func (h *harness) submit(t *testing.T, specs ...stepSpec) {
	t.Helper()
	now := time.Now()
	var (
		steps []api.Step
		edges []api.Edge
	)
	for i, s := range specs {
		steps = append(steps, api.Step{
			ID: s.name, TaskID: "t1", Name: s.name, Handler: s.handler, Position: i,
			Retryable: true, RetryLimit: 3, CreatedAt: now,
		})
		for _, d := range s.deps {
			edges = append(edges, api.Edge{TaskID: "t1", From: d, To: s.name})
		}
	}
	task := api.Task{ID: "t1", Name: "order", Context: map[string]any{"order_id": "o-1"}, CreatedAt: now}
	require.NoError(t, h.store.CreateTask(context.Background(), task, steps, edges))
}

func (h *harness) step(t *testing.T, name string) api.Step {
	t.Helper()
	view, err := h.store.Snapshot(context.Background(), "t1")
	require.NoError(t, err)
	st, ok := view.StepByName(name)
	require.True(t, ok, name)
	return st
}

func (h *harness) taskState(t *testing.T) api.State {
	t.Helper()
	state, err := h.store.CurrentState(context.Background(), api.EntityTask, "t1")
	require.NoError(t, err)
	return state
}

func echo(ctx context.Context, sc api.StepContext) (map[string]any, error) {
	return map[string]any{"step": sc.StepName}, nil
}

func TestRun_LinearChainRoundTrip(t *testing.T) {
	h := newHarness(t, nil)

	var seen api.StepContext
	h.handlers.MustRegister("echo", api.HandlerFunc(echo))
	h.handlers.MustRegister("capture", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		seen = sc
		return map[string]any{"shipped": true}, nil
	}))
	h.submit(t,
		stepSpec{name: "charge", handler: "echo"},
		stepSpec{name: "ship", handler: "capture", deps: []string{"charge"}},
	)

	d, err := h.orch.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, api.DecisionAllComplete, d.Decision)
	assert.Equal(t, api.StateComplete, h.taskState(t))

	for _, name := range []string{"charge", "ship"} {
		st := h.step(t, name)
		assert.Equal(t, api.StateComplete, st.State, name)
		assert.True(t, st.Processed, name)
		assert.False(t, st.InProcess, name)
		assert.Equal(t, 1, st.Attempts, name)
	}
	assert.Equal(t, true, h.step(t, "ship").Results["shipped"])

	assert.Equal(t, 1, seen.Attempt)
	assert.Equal(t, "o-1", seen.TaskContext["order_id"])
	assert.Equal(t, "charge", seen.ParentResults["charge"]["step"])
}

func TestPass_DiamondDispatchesBranchesTogether(t *testing.T) {
	h := newHarness(t, nil)
	h.handlers.MustRegister("echo", api.HandlerFunc(echo))
	h.submit(t,
		stepSpec{name: "A", handler: "echo"},
		stepSpec{name: "B", handler: "echo", deps: []string{"A"}},
		stepSpec{name: "C", handler: "echo", deps: []string{"A"}},
		stepSpec{name: "D", handler: "echo", deps: []string{"B", "C"}},
	)
	ctx := context.Background()

	res, err := h.orch.Pass(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, api.DecisionHasViableSteps, res.Decision.Decision)

	res, err = h.orch.Pass(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Dispatched)
	assert.Equal(t, api.DecisionHasViableSteps, res.Decision.Decision)

	res, err = h.orch.Pass(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, api.DecisionAllComplete, res.Decision.Decision)
}

func TestRun_RetriesAfterRequestedBackoff(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	h.handlers.MustRegister("flaky", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, api.RetryAfter(20*time.Millisecond, errors.New("rate limited"))
		}
		return map[string]any{"attempt": sc.Attempt}, nil
	}))
	h.submit(t, stepSpec{name: "call", handler: "flaky"})

	d, err := h.orch.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, api.DecisionAllComplete, d.Decision)
	assert.EqualValues(t, 2, calls.Load())

	st := h.step(t, "call")
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, 2, st.Results["attempt"])
	assert.Zero(t, st.BackoffRequest)
	assert.Empty(t, st.LastError)
	assert.GreaterOrEqual(t, h.sink.count(api.EventLoopSleeping), 1)

	history, err := h.store.ListTransitions(context.Background(), api.EntityStep, "call")
	require.NoError(t, err)
	var path []api.State
	for _, tr := range history {
		path = append(path, tr.ToState)
	}
	assert.Equal(t, []api.State{
		api.StatePending, api.StateInProgress, api.StateError,
		api.StatePending, api.StateInProgress, api.StateComplete,
	}, path)
}

func TestRun_RetryLimitExhaustedBlocks(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	h.handlers.MustRegister("broken", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		calls.Add(1)
		return nil, errors.New("boom")
	}))
	h.submit(t, stepSpec{name: "A", handler: "broken"})

	d, err := h.orch.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, api.DecisionBlocked, d.Decision)
	assert.Equal(t, []string{"A"}, d.BlockedSteps)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, api.StateError, h.taskState(t))

	st := h.step(t, "A")
	assert.Equal(t, 3, st.Attempts)
	assert.Contains(t, st.LastError, "boom")
}

func TestRun_PermanentFailureBlocksAtOnce(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	h.handlers.MustRegister("reject", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		calls.Add(1)
		return nil, api.Permanent(errors.New("card declined"))
	}))
	h.handlers.MustRegister("echo", api.HandlerFunc(echo))
	h.submit(t,
		stepSpec{name: "charge", handler: "reject"},
		stepSpec{name: "ship", handler: "echo", deps: []string{"charge"}},
	)

	d, err := h.orch.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, api.DecisionBlocked, d.Decision)
	assert.EqualValues(t, 1, calls.Load())
	assert.False(t, h.step(t, "charge").Retryable)
	assert.Equal(t, api.StatePending, h.step(t, "ship").State)
}

func TestPass_UnknownHandlerIsPermanent(t *testing.T) {
	h := newHarness(t, nil)
	h.submit(t, stepSpec{name: "A", handler: "missing"})

	res, err := h.orch.Pass(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, api.DecisionBlocked, res.Decision.Decision)
	assert.Contains(t, h.step(t, "A").LastError, "step handler not found")
}

func TestPass_PanicIsRecordedAsFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.handlers.MustRegister("panics", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		panic("nil map")
	}))
	h.submit(t, stepSpec{name: "A", handler: "panics"})

	res, err := h.orch.Pass(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, api.DecisionAwaitingRetryBackoff, res.Decision.Decision)

	st := h.step(t, "A")
	assert.Equal(t, api.StateError, st.State)
	assert.False(t, st.InProcess)
	assert.Contains(t, st.LastError, "handler panicked: nil map")
}

func TestPass_StepTimeout(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StepTimeout = 20 * time.Millisecond })
	h.handlers.MustRegister("slow", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	h.submit(t, stepSpec{name: "A", handler: "slow"})

	_, err := h.orch.Pass(context.Background(), "t1")
	require.NoError(t, err)

	st := h.step(t, "A")
	assert.Equal(t, api.StateError, st.State)
	assert.Contains(t, st.LastError, "timed out")
}

func TestPass_ConcurrentPassesDispatchOnce(t *testing.T) {
	h := newHarness(t, nil)
	var calls atomic.Int32
	h.handlers.MustRegister("count", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		calls.Add(1)
		time.Sleep(5 * time.Millisecond)
		return nil, nil
	}))
	h.submit(t, stepSpec{name: "A", handler: "count"})

	const workers = 8
	var (
		wg         sync.WaitGroup
		start      = make(chan struct{})
		dispatched atomic.Int32
		errs       = make(chan error, workers)
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			res, err := h.orch.Pass(context.Background(), "t1")
			if err != nil {
				errs <- err
				return
			}
			dispatched.Add(int32(res.Dispatched))
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, dispatched.Load())
	assert.Equal(t, api.StateComplete, h.step(t, "A").State)
}

func TestPass_CancellationDiscardsInFlightResult(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	h.handlers.MustRegister("block", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{"late": true}, nil
	}))
	h.submit(t, stepSpec{name: "A", handler: "block"})
	ctx := context.Background()

	type outcome struct {
		res api.PassResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.orch.Pass(ctx, "t1")
		done <- outcome{res, err}
	}()

	<-started
	_, err := h.machine.TransitionTo(ctx, statemachine.Change{
		Entity: api.EntityTask, ID: "t1", TaskID: "t1", To: api.StateCancelled,
	})
	require.NoError(t, err)
	_, err = h.machine.TransitionTo(ctx, statemachine.Change{
		Entity: api.EntityStep, ID: "A", TaskID: "t1", To: api.StateCancelled,
		UpdateStep: func(s *api.Step) { s.InProcess = false },
	})
	require.NoError(t, err)
	close(release)

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, api.DecisionCancelled, out.res.Decision.Decision)
	assert.Equal(t, 1, h.sink.count(api.EventStepResultDiscarded))

	st := h.step(t, "A")
	assert.Equal(t, api.StateCancelled, st.State)
	assert.Nil(t, st.Results)
}

func TestPass_ConcurrencyLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Concurrency = 2 })
	var running, peak atomic.Int32
	h.handlers.MustRegister("work", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}))
	h.submit(t,
		stepSpec{name: "A", handler: "work"},
		stepSpec{name: "B", handler: "work"},
		stepSpec{name: "C", handler: "work"},
		stepSpec{name: "D", handler: "work"},
	)

	res, err := h.orch.Pass(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 4, res.Dispatched)
	assert.Equal(t, api.DecisionAllComplete, res.Decision.Decision)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPass_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	h := newHarness(t, func(c *Config) { c.Tracer = tp.Tracer("test") })
	h.handlers.MustRegister("echo", api.HandlerFunc(echo))
	h.submit(t, stepSpec{name: "A", handler: "echo"})

	_, err := h.orch.Pass(context.Background(), "t1")
	require.NoError(t, err)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.ElementsMatch(t, []string{"dagflow.step", "dagflow.pass"}, names)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.handlers.MustRegister("wait", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		return nil, api.RetryAfter(time.Hour, errors.New("later"))
	}))
	h.submit(t, stepSpec{name: "A", handler: "wait"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d, err := h.orch.Run(ctx, "t1")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, api.DecisionAwaitingRetryBackoff, d.Decision)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestPass_BackoffCountsFromFailureNotClaim(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := &testClock{t: t0}
	h := newHarness(t, func(c *Config) { c.Now = clk.now })
	h.handlers.MustRegister("slow-limited", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		clk.advance(40 * time.Second)
		return nil, api.RetryAfter(30*time.Second, errors.New("rate limited"))
	}))
	h.submit(t, stepSpec{name: "A", handler: "slow-limited"})

	res, err := h.orch.Pass(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, api.DecisionAwaitingRetryBackoff, res.Decision.Decision)
	assert.True(t, t0.Add(70*time.Second).Equal(res.Decision.NextEligibleAt), res.Decision.NextEligibleAt)

	st := h.step(t, "A")
	assert.Equal(t, api.StateError, st.State)
	assert.True(t, t0.Add(40*time.Second).Equal(st.LastAttempt), st.LastAttempt)

	view, err := h.store.Snapshot(context.Background(), "t1")
	require.NoError(t, err)
	statuses, err := h.orch.calc.Evaluate(view, clk.now())
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].RetryEligible)
	assert.False(t, statuses[0].ReadyForExecution)

	clk.advance(30 * time.Second)
	statuses, err = h.orch.calc.Evaluate(view, clk.now())
	require.NoError(t, err)
	assert.True(t, statuses[0].RetryEligible)
	assert.True(t, statuses[0].ReadyForExecution)
}

func TestPass_ParentResultsFollowEdges(t *testing.T) {
	h := newHarness(t, nil)
	var seen api.StepContext
	h.handlers.MustRegister("echo", api.HandlerFunc(echo))
	h.handlers.MustRegister("capture", api.HandlerFunc(func(ctx context.Context, sc api.StepContext) (map[string]any, error) {
		seen = sc
		return nil, nil
	}))
	h.submit(t,
		stepSpec{name: "A", handler: "echo"},
		stepSpec{name: "B", handler: "echo"},
		stepSpec{name: "C", handler: "echo"},
		stepSpec{name: "D", handler: "capture", deps: []string{"A", "C"}},
	)

	d, err := h.orch.Run(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, api.DecisionAllComplete, d.Decision)

	assert.Len(t, seen.ParentResults, 2)
	assert.Equal(t, "A", seen.ParentResults["A"]["step"])
	assert.Equal(t, "C", seen.ParentResults["C"]["step"])
	assert.NotContains(t, seen.ParentResults, "B")
}
