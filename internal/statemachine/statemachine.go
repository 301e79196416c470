// Package statemachine enforces the legal lifecycle transitions of tasks and
// steps and records every accepted change in the append-only transition log.
package statemachine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/dagflow/internal/persistence"
	"github.com/petrijr/dagflow/pkg/api"
)

var stepTransitions = map[api.State][]api.State{
	api.StatePending:    {api.StateInProgress, api.StateCancelled},
	api.StateInProgress: {api.StateComplete, api.StateError, api.StateCancelled},
	api.StateError:      {api.StatePending, api.StateResolvedManually},
}

var taskTransitions = map[api.State][]api.State{
	api.StatePending:    {api.StateInProgress, api.StateCancelled},
	api.StateInProgress: {api.StateComplete, api.StateError, api.StateCancelled},
	api.StateError:      {api.StatePending, api.StateResolvedManually},
}

func table(entity api.EntityType) map[api.State][]api.State {
	if entity == api.EntityTask {
		return taskTransitions
	}
	return stepTransitions
}

// Allowed reports whether from -> to is in the transition table of entity.
func Allowed(entity api.EntityType, from, to api.State) bool {
	for _, s := range table(entity)[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate returns an InvalidTransitionError if from -> to is not allowed.
func Validate(entity api.EntityType, id string, from, to api.State) error {
	if !Allowed(entity, from, to) {
		return api.NewInvalidTransitionError(entity, id, from, to)
	}
	return nil
}

// IsTerminal reports whether no transition leaves state s.
func IsTerminal(entity api.EntityType, s api.State) bool {
	return len(table(entity)[s]) == 0
}

// Current derives the current state from a transition history. Exactly one
// entry must be flagged most recent and it must carry the highest sort key.
func Current(history []api.Transition) (api.State, error) {
	var current *api.Transition
	maxKey := 0
	for i := range history {
		tr := &history[i]
		if tr.SortKey > maxKey {
			maxKey = tr.SortKey
		}
		if !tr.MostRecent {
			continue
		}
		if current != nil {
			return "", fmt.Errorf("entity %s has more than one most recent transition", tr.EntityID)
		}
		current = tr
	}
	if current == nil {
		return "", fmt.Errorf("no most recent transition")
	}
	if current.SortKey != maxKey {
		return "", fmt.Errorf("entity %s: most recent transition has sort key %d, highest is %d",
			current.EntityID, current.SortKey, maxKey)
	}
	return current.ToState, nil
}

// Log is the part of the store the machine writes through.
type Log interface {
	AppendTransition(ctx context.Context, req persistence.AppendRequest) (api.Transition, error)
	CurrentState(ctx context.Context, entity api.EntityType, id string) (api.State, error)
}

// Change is one requested transition.
type Change struct {
	Entity api.EntityType
	ID     string
	TaskID string

	// From is the state the caller believes the entity is in. The append
	// only succeeds if that is still true. Empty means read it first.
	From api.State
	To   api.State

	// FromSortKey, if non-zero, pins the change to the transition with this
	// sort key being the current one.
	FromSortKey int

	Metadata   map[string]any
	UpdateStep func(*api.Step)
}

// Machine validates transitions, appends them to the log and publishes a
// lifecycle event for each one.
type Machine struct {
	log  Log
	sink api.EventSink
	now  func() time.Time
}

// New creates a Machine. A nil sink discards events and a nil clock uses
// time.Now.
func New(log Log, sink api.EventSink, now func() time.Time) *Machine {
	if sink == nil {
		sink = api.NoopSink{}
	}
	if now == nil {
		now = time.Now
	}
	return &Machine{log: log, sink: sink, now: now}
}

// CurrentState returns the state of the entity's most recent transition.
func (m *Machine) CurrentState(ctx context.Context, entity api.EntityType, id string) (api.State, error) {
	return m.log.CurrentState(ctx, entity, id)
}

// CanTransitionTo reports whether the entity may move to the target state
// from where it is now.
func (m *Machine) CanTransitionTo(ctx context.Context, entity api.EntityType, id string, to api.State) (bool, error) {
	from, err := m.log.CurrentState(ctx, entity, id)
	if err != nil {
		return false, err
	}
	return Allowed(entity, from, to), nil
}

// TransitionTo performs the change. An illegal change fails with
// InvalidTransitionError and writes nothing; a change that lost a race fails
// with ConcurrentClaimConflictError.
func (m *Machine) TransitionTo(ctx context.Context, c Change) (api.Transition, error) {
	from := c.From
	if from == "" {
		current, err := m.log.CurrentState(ctx, c.Entity, c.ID)
		if err != nil {
			return api.Transition{}, err
		}
		from = current
	}
	if err := Validate(c.Entity, c.ID, from, c.To); err != nil {
		return api.Transition{}, err
	}

	tr, err := m.log.AppendTransition(ctx, persistence.AppendRequest{
		EntityType:  c.Entity,
		EntityID:    c.ID,
		TaskID:      c.TaskID,
		From:        from,
		To:          c.To,
		FromSortKey: c.FromSortKey,
		Metadata:    c.Metadata,
		At:          m.now(),
		UpdateStep:  c.UpdateStep,
	})
	if err != nil {
		return api.Transition{}, err
	}

	event := api.EventStepTransitioned
	if c.Entity == api.EntityTask {
		event = api.EventTaskTransitioned
	}
	m.sink.Publish(ctx, event, api.TransitionPayload(tr))
	return tr, nil
}
