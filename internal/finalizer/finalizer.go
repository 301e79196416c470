// Package finalizer decides, from the aggregate state of a task's steps,
// whether the task is done, blocked, or should keep going.
package finalizer

import (
	"context"
	"log/slog"
	"time"

	"github.com/petrijr/dagflow/internal/graph"
	"github.com/petrijr/dagflow/internal/readiness"
	"github.com/petrijr/dagflow/internal/statemachine"
	"github.com/petrijr/dagflow/pkg/api"
)

// Finalizer evaluates a task and applies the task-level transition for the
// terminal decisions (AllComplete, Blocked).
type Finalizer struct {
	calc    *readiness.Calculator
	machine *statemachine.Machine
	sink    api.EventSink
	logger  *slog.Logger
}

// New creates a Finalizer.
func New(calc *readiness.Calculator, machine *statemachine.Machine, sink api.EventSink, logger *slog.Logger) *Finalizer {
	if sink == nil {
		sink = api.NoopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Finalizer{calc: calc, machine: machine, sink: sink, logger: logger}
}

// summary buckets the steps that are not yet satisfied.
type summary struct {
	inFlight  []string
	waiting   []string
	exhausted []string
	cancelled []string
	pending   []string

	nextEligibleAt time.Time
}

func (s summary) stuck() []string {
	out := append([]string(nil), s.pending...)
	return append(out, s.inFlight...)
}

// Decide computes the decision for a snapshot without writing anything.
//
// The order is:
//  1. every step complete or resolved manually: AllComplete
//  2. some step ready for execution: HasViableSteps
//  3. nothing in flight and some failed step waiting on its backoff timer:
//     AwaitingRetryBackoff, with the earliest eligibility time
//  4. nothing in flight, nothing waiting, some step exhausted or cancelled:
//     Blocked
//  5. otherwise NoViableSteps
//
// A cancelled task always yields Cancelled.
func (f *Finalizer) Decide(view *api.TaskView, now time.Time) (api.TaskDecision, error) {
	decision, _, err := f.decide(view, now)
	return decision, err
}

func (f *Finalizer) decide(view *api.TaskView, now time.Time) (api.TaskDecision, summary, error) {
	if view.Task.State == api.StateCancelled {
		return api.TaskDecision{Decision: api.DecisionCancelled}, summary{}, nil
	}

	statuses, err := f.calc.Evaluate(view, now)
	if err != nil {
		return api.TaskDecision{}, summary{}, err
	}

	s := f.summarize(view, statuses)

	allDone := true
	for _, st := range view.Steps {
		if !st.State.IsSatisfied() {
			allDone = false
			break
		}
	}
	if allDone {
		return api.TaskDecision{Decision: api.DecisionAllComplete}, s, nil
	}

	for _, rs := range statuses {
		if rs.ReadyForExecution {
			return api.TaskDecision{Decision: api.DecisionHasViableSteps}, s, nil
		}
	}

	if len(s.inFlight) == 0 && len(s.waiting) > 0 {
		return api.TaskDecision{Decision: api.DecisionAwaitingRetryBackoff, NextEligibleAt: s.nextEligibleAt}, s, nil
	}

	if len(s.inFlight) == 0 && (len(s.exhausted) > 0 || len(s.cancelled) > 0) {
		blocked := append(append([]string(nil), s.exhausted...), s.cancelled...)
		return api.TaskDecision{
			Decision:     api.DecisionBlocked,
			BlockedSteps: blocked,
			Unreachable:  unreachable(view, blocked),
		}, s, nil
	}

	return api.TaskDecision{Decision: api.DecisionNoViableSteps}, s, nil
}

// unreachable lists the unfinished steps that have a blocked step among their
// ancestors, in dependency order.
func unreachable(view *api.TaskView, blocked []string) []string {
	g, err := graph.Build(view.Steps, view.Edges)
	if err != nil {
		return nil
	}
	stop := make(map[string]bool, len(blocked))
	for _, name := range blocked {
		if st, ok := view.StepByName(name); ok {
			stop[st.ID] = true
		}
	}

	var out []string
	for _, id := range g.TopologicalOrder() {
		st, ok := view.StepByID(id)
		if !ok || stop[id] || st.State.IsSatisfied() {
			continue
		}
		for _, a := range g.Ancestors(id) {
			if stop[a] {
				out = append(out, st.Name)
				break
			}
		}
	}
	return out
}

func (f *Finalizer) summarize(view *api.TaskView, statuses []api.ReadinessStatus) summary {
	var s summary
	policy := f.calc.Policy()
	for i, st := range view.Steps {
		switch st.State {
		case api.StateInProgress:
			s.inFlight = append(s.inFlight, st.Name)
		case api.StateError:
			if policy.Exhausted(st) {
				s.exhausted = append(s.exhausted, st.Name)
				continue
			}
			s.waiting = append(s.waiting, st.Name)
			at := statuses[i].NextEligibleAt
			if s.nextEligibleAt.IsZero() || at.Before(s.nextEligibleAt) {
				s.nextEligibleAt = at
			}
		case api.StateCancelled:
			s.cancelled = append(s.cancelled, st.Name)
		case api.StatePending:
			s.pending = append(s.pending, st.Name)
		}
	}
	return s
}

// Finalize decides and, for AllComplete and Blocked, moves an in-progress
// task to complete or error. Intermediate decisions leave the task alone.
func (f *Finalizer) Finalize(ctx context.Context, view *api.TaskView, now time.Time) (api.TaskDecision, error) {
	decision, s, err := f.decide(view, now)
	if err != nil {
		return api.TaskDecision{}, err
	}
	task := view.Task

	switch decision.Decision {
	case api.DecisionAllComplete:
		if task.State == api.StateInProgress {
			if _, err := f.machine.TransitionTo(ctx, statemachine.Change{
				Entity:   api.EntityTask,
				ID:       task.ID,
				TaskID:   task.ID,
				From:     api.StateInProgress,
				To:       api.StateComplete,
				Metadata: map[string]any{"steps": len(view.Steps)},
			}); err != nil {
				return f.afterConflict(ctx, task.ID, decision, err)
			}
		}

	case api.DecisionBlocked:
		if task.State == api.StateInProgress {
			exhausted := &api.RetryExhaustedError{TaskID: task.ID, Steps: decision.BlockedSteps}
			meta := map[string]any{
				"blocked_steps": decision.BlockedSteps,
				"error":         exhausted.Error(),
			}
			if len(decision.Unreachable) > 0 {
				meta["unreachable_steps"] = decision.Unreachable
			}
			if _, err := f.machine.TransitionTo(ctx, statemachine.Change{
				Entity:   api.EntityTask,
				ID:       task.ID,
				TaskID:   task.ID,
				From:     api.StateInProgress,
				To:       api.StateError,
				Metadata: meta,
			}); err != nil {
				return f.afterConflict(ctx, task.ID, decision, err)
			}
		}

	case api.DecisionNoViableSteps:
		if len(s.inFlight) == 0 {
			// Nothing runs, nothing waits and nothing failed for good: a
			// dependent was not unlocked. Surface it and let the caller re-poll.
			f.logger.WarnContext(ctx, "task has no viable steps and nothing in flight",
				slog.String(api.KeyTaskID, task.ID),
				slog.Any(api.KeySteps, s.stuck()),
			)
			f.sink.Publish(ctx, api.EventNoViableSteps, map[string]any{
				api.KeyTaskID: task.ID,
				api.KeySteps:  s.stuck(),
			})
		}
		return decision, nil
	}

	if decision.Decision.IsTerminal() {
		payload := map[string]any{
			api.KeyTaskID:   task.ID,
			api.KeyTaskName: task.Name,
			api.KeyDecision: string(decision.Decision),
		}
		if len(decision.BlockedSteps) > 0 {
			payload[api.KeySteps] = decision.BlockedSteps
		}
		f.sink.Publish(ctx, api.EventTaskFinalized, payload)
	}
	return decision, nil
}

// afterConflict handles a task transition that lost a race, typically to a
// concurrent cancellation or to another worker finalizing first.
func (f *Finalizer) afterConflict(ctx context.Context, taskID string, decision api.TaskDecision, err error) (api.TaskDecision, error) {
	if !api.IsConcurrentClaimConflict(err) {
		return api.TaskDecision{}, err
	}
	state, serr := f.machine.CurrentState(ctx, api.EntityTask, taskID)
	if serr != nil {
		return api.TaskDecision{}, serr
	}
	switch state {
	case api.StateCancelled:
		return api.TaskDecision{Decision: api.DecisionCancelled}, nil
	case api.StateComplete:
		return api.TaskDecision{Decision: api.DecisionAllComplete}, nil
	case api.StateError:
		if decision.Decision == api.DecisionBlocked {
			return decision, nil
		}
	}
	return api.TaskDecision{}, err
}
