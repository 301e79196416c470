// Package readiness computes, from one consistent snapshot of a task, which
// of its steps may be dispatched right now.
//
// Nothing here is cached: statuses are derived on every call from the
// snapshot handed in, so two calls over the same snapshot and clock return
// the same result.
package readiness

import (
	"fmt"
	"time"

	"github.com/petrijr/dagflow/internal/backoff"
	"github.com/petrijr/dagflow/internal/graph"
	"github.com/petrijr/dagflow/pkg/api"
)

// Calculator evaluates step readiness under a backoff policy.
type Calculator struct {
	policy backoff.Policy
}

// New creates a Calculator.
func New(policy backoff.Policy) *Calculator {
	return &Calculator{policy: policy}
}

// Policy returns the backoff policy used for retry eligibility.
func (c *Calculator) Policy() backoff.Policy {
	return c.policy
}

// CorruptionError reports a snapshot that violates the data model. It is
// never retried.
type CorruptionError struct {
	TaskID string
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("task %s: corrupt state: %s", e.TaskID, e.Reason)
}

func corrupt(taskID, format string, args ...any) error {
	return &CorruptionError{TaskID: taskID, Reason: fmt.Sprintf(format, args...)}
}

// Evaluate returns the readiness of every step of the task, in Position
// order. A step is ready for execution when all of these hold:
//   - it is pending, or in error and retry eligible
//   - every parent is complete or resolved manually
//   - it is not already claimed (InProcess)
//
// Steps of a task that is not pending or in progress are never ready.
func (c *Calculator) Evaluate(view *api.TaskView, now time.Time) ([]api.ReadinessStatus, error) {
	if view == nil {
		return nil, fmt.Errorf("nil task view")
	}
	taskID := view.Task.ID

	states := make(map[string]api.State, len(view.Steps))
	for _, st := range view.Steps {
		if st.TaskID != "" && st.TaskID != taskID {
			return nil, corrupt(taskID, "step %s belongs to task %s", st.ID, st.TaskID)
		}
		if st.InProcess && st.State != api.StateInProgress {
			return nil, corrupt(taskID, "step %s is in process but %s", st.Name, st.State)
		}
		if st.Processed && !st.State.IsSatisfied() {
			return nil, corrupt(taskID, "step %s is processed but %s", st.Name, st.State)
		}
		states[st.ID] = st.State
	}
	for _, e := range view.Edges {
		if e.TaskID != "" && e.TaskID != taskID {
			return nil, corrupt(taskID, "edge %s -> %s belongs to task %s", e.From, e.To, e.TaskID)
		}
	}

	g, err := graph.Build(view.Steps, view.Edges)
	if err != nil {
		return nil, corrupt(taskID, "%v", err)
	}

	roots := make(map[string]bool)
	for _, id := range g.Roots() {
		roots[id] = true
	}

	runnable := view.Task.State == api.StatePending || view.Task.State == api.StateInProgress
	lookup := func(id string) api.State { return states[id] }

	out := make([]api.ReadinessStatus, 0, len(view.Steps))
	for _, st := range view.Steps {
		deps := g.DependenciesSatisfied(st.ID, lookup)
		rs := api.ReadinessStatus{
			StepID:                st.ID,
			StepName:              st.Name,
			State:                 st.State,
			Attempts:              st.Attempts,
			RetryLimit:            backoff.RetryLimit(st),
			InProcess:             st.InProcess,
			TotalParents:          deps.TotalParents,
			CompletedParents:      deps.CompletedParents,
			Root:                  roots[st.ID],
			DependenciesSatisfied: deps.Satisfied,
		}
		if st.State == api.StateError {
			rs.RetryEligible = c.policy.RetryEligible(st, now)
			if !c.policy.Exhausted(st) {
				rs.NextEligibleAt = c.policy.NextEligibleAt(st)
			}
		}
		rs.ReadyForExecution = runnable &&
			(st.State == api.StatePending || rs.RetryEligible) &&
			rs.DependenciesSatisfied &&
			!st.InProcess
		out = append(out, rs)
	}
	return out, nil
}

// ViableSteps returns the steps that are ready for execution, in Position
// order.
func (c *Calculator) ViableSteps(view *api.TaskView, now time.Time) ([]api.Step, error) {
	statuses, err := c.Evaluate(view, now)
	if err != nil {
		return nil, err
	}
	var out []api.Step
	for i, rs := range statuses {
		if rs.ReadyForExecution {
			out = append(out, view.Steps[i])
		}
	}
	return out, nil
}
