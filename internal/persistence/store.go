package persistence

import (
	"context"
	"time"

	"github.com/petrijr/dagflow/pkg/api"
)

// AppendRequest describes one optimistic transition append.
//
// The append succeeds only if the entity's current state equals From. When
// it does not (another writer got there first), the store returns a
// *api.ConcurrentClaimConflictError and writes nothing.
type AppendRequest struct {
	EntityType api.EntityType
	EntityID   string
	TaskID     string
	From       api.State
	To         api.State
	Metadata   map[string]any
	At         time.Time

	// FromSortKey, if non-zero, also requires the current transition to carry
	// this sort key. It pins the write to one specific claim of a step, so a
	// late result cannot land on a later claim that reached the same state.
	FromSortKey int

	// UpdateStep, if set, mutates the step's bookkeeping in the same atomic
	// write as the transition. Only valid for step transitions.
	UpdateStep func(*api.Step)
}

// Store is the durable storage for tasks, steps, edges and the transition log.
//
// Current state is never stored as a mutable field; every implementation
// derives it from the transition whose MostRecent flag is set.
type Store interface {
	// CreateTask persists a task with its steps and edges and writes the
	// initial "" -> pending transition for each of them.
	CreateTask(ctx context.Context, task api.Task, steps []api.Step, edges []api.Edge) error

	GetTask(ctx context.Context, taskID string) (api.Task, error)

	// Snapshot returns the task, its steps and its edges from one consistent
	// read. Steps are ordered by Position.
	Snapshot(ctx context.Context, taskID string) (*api.TaskView, error)

	ListTasks(ctx context.Context, opts api.TaskListOptions) ([]api.Task, error)

	// AppendTransition atomically inserts a transition with the next sort key
	// and clears the MostRecent flag of the previous one.
	AppendTransition(ctx context.Context, req AppendRequest) (api.Transition, error)

	CurrentState(ctx context.Context, entity api.EntityType, id string) (api.State, error)

	// ListTransitions returns the history of one entity ordered by sort key.
	ListTransitions(ctx context.Context, entity api.EntityType, id string) ([]api.Transition, error)

	// FindStuckSteps returns steps that are claimed (in_progress and
	// InProcess) with a LastAttempt before the given time.
	FindStuckSteps(ctx context.Context, before time.Time) ([]api.Step, error)
}

func initialTransition(entity api.EntityType, id, taskID string, at time.Time) api.Transition {
	return api.Transition{
		EntityType: entity,
		EntityID:   id,
		TaskID:     taskID,
		FromState:  "",
		ToState:    api.StatePending,
		SortKey:    1,
		CreatedAt:  at,
		MostRecent: true,
	}
}

func validateAppend(req AppendRequest) error {
	if req.EntityID == "" {
		return api.NewPersistenceError("append transition", errEmptyEntityID)
	}
	if req.UpdateStep != nil && req.EntityType != api.EntityStep {
		return api.NewPersistenceError("append transition", errUpdateOnTask)
	}
	return nil
}

func notFound(entity api.EntityType) error {
	if entity == api.EntityTask {
		return api.ErrTaskNotFound
	}
	return api.ErrStepNotFound
}
