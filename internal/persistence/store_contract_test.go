package persistence

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/dagflow/pkg/api"
)

var fixtureTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixtureTask(id, name string, created time.Time) (api.Task, []api.Step, []api.Edge) {
	task := api.Task{
		ID:        id,
		Name:      name,
		Namespace: "default",
		Version:   "v1.0.0",
		Context:   map[string]any{"order_id": "o-42"},
		CreatedAt: created,
	}
	steps := []api.Step{
		{ID: id + "-b", TaskID: id, Name: "ship", Handler: "noop", Position: 1, Retryable: true, RetryLimit: 3, CreatedAt: created},
		{ID: id + "-a", TaskID: id, Name: "charge", Handler: "noop", Position: 0, Retryable: true, RetryLimit: 3, CreatedAt: created,
			Config: map[string]any{"amount": 10}},
	}
	edges := []api.Edge{{TaskID: id, From: id + "-a", To: id + "-b", Name: "provides"}}
	return task, steps, edges
}

func claim(stepID, taskID string, at time.Time) AppendRequest {
	return AppendRequest{
		EntityType: api.EntityStep,
		EntityID:   stepID,
		TaskID:     taskID,
		From:       api.StatePending,
		To:         api.StateInProgress,
		At:         at,
		UpdateStep: func(s *api.Step) {
			s.InProcess = true
			s.LastAttempt = at
		},
	}
}

// runStoreContract exercises the behavior every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndSnapshot", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		task, steps, edges := fixtureTask("t1", "order", fixtureTime)
		require.NoError(t, store.CreateTask(ctx, task, steps, edges))

		view, err := store.Snapshot(ctx, "t1")
		require.NoError(t, err)
		require.Equal(t, api.StatePending, view.Task.State)
		require.Equal(t, "o-42", view.Task.Context["order_id"])
		require.Len(t, view.Steps, 2)
		assert.Equal(t, "charge", view.Steps[0].Name)
		assert.Equal(t, "ship", view.Steps[1].Name)
		for _, st := range view.Steps {
			assert.Equal(t, api.StatePending, st.State)
		}
		assert.EqualValues(t, 10, view.Steps[0].Config["amount"])
		require.Len(t, view.Edges, 1)
		assert.Equal(t, "t1-a", view.Edges[0].From)
		assert.Equal(t, "t1-b", view.Edges[0].To)

		history, err := store.ListTransitions(ctx, api.EntityStep, "t1-a")
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, 1, history[0].SortKey)
		assert.True(t, history[0].MostRecent)
		assert.Equal(t, api.State(""), history[0].FromState)
		assert.Equal(t, api.StatePending, history[0].ToState)
	})

	t.Run("AppendUpdatesStateAndBookkeeping", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		task, steps, edges := fixtureTask("t1", "order", fixtureTime)
		require.NoError(t, store.CreateTask(ctx, task, steps, edges))

		at := fixtureTime.Add(time.Second)
		tr, err := store.AppendTransition(ctx, claim("t1-a", "t1", at))
		require.NoError(t, err)
		assert.Equal(t, 2, tr.SortKey)
		assert.True(t, tr.MostRecent)

		state, err := store.CurrentState(ctx, api.EntityStep, "t1-a")
		require.NoError(t, err)
		assert.Equal(t, api.StateInProgress, state)

		_, err = store.AppendTransition(ctx, AppendRequest{
			EntityType: api.EntityStep,
			EntityID:   "t1-a",
			TaskID:     "t1",
			From:       api.StateInProgress,
			To:         api.StateComplete,
			Metadata:   map[string]any{"duration_ms": 5},
			At:         at.Add(time.Second),
			UpdateStep: func(s *api.Step) {
				s.InProcess = false
				s.Processed = true
				s.Attempts++
				s.Results = map[string]any{"charged": true}
			},
		})
		require.NoError(t, err)

		view, err := store.Snapshot(ctx, "t1")
		require.NoError(t, err)
		st, ok := view.StepByName("charge")
		require.True(t, ok)
		assert.Equal(t, api.StateComplete, st.State)
		assert.True(t, st.Processed)
		assert.False(t, st.InProcess)
		assert.Equal(t, 1, st.Attempts)
		assert.Equal(t, true, st.Results["charged"])
		assert.True(t, at.Equal(st.LastAttempt))

		history, err := store.ListTransitions(ctx, api.EntityStep, "t1-a")
		require.NoError(t, err)
		require.Len(t, history, 3)
		mostRecent := 0
		for i, h := range history {
			assert.Equal(t, i+1, h.SortKey)
			if h.MostRecent {
				mostRecent++
				assert.Equal(t, api.StateComplete, h.ToState)
			}
		}
		assert.Equal(t, 1, mostRecent)
		assert.EqualValues(t, 5, history[2].Metadata["duration_ms"])
	})

	t.Run("StaleFromIsConflict", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		task, steps, edges := fixtureTask("t1", "order", fixtureTime)
		require.NoError(t, store.CreateTask(ctx, task, steps, edges))

		_, err := store.AppendTransition(ctx, claim("t1-a", "t1", fixtureTime))
		require.NoError(t, err)

		_, err = store.AppendTransition(ctx, claim("t1-a", "t1", fixtureTime))
		require.Error(t, err)
		require.True(t, api.IsConcurrentClaimConflict(err), "got %v", err)

		history, err := store.ListTransitions(ctx, api.EntityStep, "t1-a")
		require.NoError(t, err)
		require.Len(t, history, 2)
	})

	t.Run("SortKeyPinsTheClaim", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		task, steps, edges := fixtureTask("t1", "order", fixtureTime)
		require.NoError(t, store.CreateTask(ctx, task, steps, edges))

		first, err := store.AppendTransition(ctx, claim("t1-a", "t1", fixtureTime))
		require.NoError(t, err)
		move := func(from, to api.State) {
			t.Helper()
			_, err := store.AppendTransition(ctx, AppendRequest{
				EntityType: api.EntityStep, EntityID: "t1-a", TaskID: "t1",
				From: from, To: to, At: fixtureTime,
			})
			require.NoError(t, err)
		}
		move(api.StateInProgress, api.StateError)
		move(api.StateError, api.StatePending)
		second, err := store.AppendTransition(ctx, claim("t1-a", "t1", fixtureTime))
		require.NoError(t, err)

		finish := func(sortKey int, run string) error {
			_, err := store.AppendTransition(ctx, AppendRequest{
				EntityType:  api.EntityStep,
				EntityID:    "t1-a",
				TaskID:      "t1",
				From:        api.StateInProgress,
				FromSortKey: sortKey,
				To:          api.StateComplete,
				At:          fixtureTime,
				UpdateStep: func(s *api.Step) {
					s.InProcess = false
					s.Processed = true
					s.Results = map[string]any{"run": run}
				},
			})
			return err
		}

		err = finish(first.SortKey, "first")
		require.True(t, api.IsConcurrentClaimConflict(err), "got %v", err)

		view, err := store.Snapshot(ctx, "t1")
		require.NoError(t, err)
		st, _ := view.StepByName("charge")
		assert.Equal(t, api.StateInProgress, st.State)
		assert.Nil(t, st.Results)

		require.NoError(t, finish(second.SortKey, "second"))
		view, err = store.Snapshot(ctx, "t1")
		require.NoError(t, err)
		st, _ = view.StepByName("charge")
		assert.Equal(t, api.StateComplete, st.State)
		assert.Equal(t, "second", st.Results["run"])

		history, err := store.ListTransitions(ctx, api.EntityStep, "t1-a")
		require.NoError(t, err)
		assert.Len(t, history, 6)
	})

	t.Run("ConcurrentClaimsHaveOneWinner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		task, steps, edges := fixtureTask("t1", "order", fixtureTime)
		require.NoError(t, store.CreateTask(ctx, task, steps, edges))

		const contenders = 8
		var wins, conflicts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.AppendTransition(ctx, claim("t1-a", "t1", fixtureTime))
				switch {
				case err == nil:
					wins.Add(1)
				case api.IsConcurrentClaimConflict(err):
					conflicts.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), wins.Load())
		assert.Equal(t, int32(contenders-1), conflicts.Load())

		history, err := store.ListTransitions(ctx, api.EntityStep, "t1-a")
		require.NoError(t, err)
		assert.Len(t, history, 2)
	})

	t.Run("UpdateStepOnTaskRejected", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		task, steps, edges := fixtureTask("t1", "order", fixtureTime)
		require.NoError(t, store.CreateTask(ctx, task, steps, edges))

		_, err := store.AppendTransition(ctx, AppendRequest{
			EntityType: api.EntityTask,
			EntityID:   "t1",
			TaskID:     "t1",
			From:       api.StatePending,
			To:         api.StateInProgress,
			UpdateStep: func(*api.Step) {},
		})
		require.True(t, api.IsPersistence(err))
	})

	t.Run("NotFound", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.GetTask(ctx, "missing")
		require.ErrorIs(t, err, api.ErrTaskNotFound)

		_, err = store.Snapshot(ctx, "missing")
		require.ErrorIs(t, err, api.ErrTaskNotFound)

		_, err = store.CurrentState(ctx, api.EntityStep, "missing")
		require.ErrorIs(t, err, api.ErrStepNotFound)

		_, err = store.AppendTransition(ctx, claim("missing", "t1", fixtureTime))
		require.ErrorIs(t, err, api.ErrStepNotFound)
	})

	t.Run("ListTasksFilters", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		for i, spec := range []struct{ id, name string }{{"t1", "order"}, {"t2", "order"}, {"t3", "refund"}} {
			task, steps, edges := fixtureTask(spec.id, spec.name, fixtureTime.Add(time.Duration(i)*time.Minute))
			require.NoError(t, store.CreateTask(ctx, task, steps, edges))
		}
		_, err := store.AppendTransition(ctx, AppendRequest{
			EntityType: api.EntityTask,
			EntityID:   "t2",
			TaskID:     "t2",
			From:       api.StatePending,
			To:         api.StateInProgress,
			At:         fixtureTime,
		})
		require.NoError(t, err)

		all, err := store.ListTasks(ctx, api.TaskListOptions{})
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "t1", all[0].ID)

		orders, err := store.ListTasks(ctx, api.TaskListOptions{Name: "order"})
		require.NoError(t, err)
		assert.Len(t, orders, 2)

		running, err := store.ListTasks(ctx, api.TaskListOptions{State: api.StateInProgress})
		require.NoError(t, err)
		require.Len(t, running, 1)
		assert.Equal(t, "t2", running[0].ID)
		assert.Equal(t, api.StateInProgress, running[0].State)
	})

	t.Run("FindStuckSteps", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		task, steps, edges := fixtureTask("t1", "order", fixtureTime)
		require.NoError(t, store.CreateTask(ctx, task, steps, edges))
		_, err := store.AppendTransition(ctx, claim("t1-a", "t1", fixtureTime))
		require.NoError(t, err)

		stuck, err := store.FindStuckSteps(ctx, fixtureTime.Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, stuck, 1)
		assert.Equal(t, "t1-a", stuck[0].ID)
		assert.Equal(t, api.StateInProgress, stuck[0].State)

		stuck, err = store.FindStuckSteps(ctx, fixtureTime)
		require.NoError(t, err)
		assert.Empty(t, stuck)
	})
}
