package persistence

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/petrijr/dagflow/pkg/api"
)

type entityKey struct {
	entity api.EntityType
	id     string
}

// InMemoryStore is a simple, goroutine-safe Store backed by maps.
// A single mutex makes every append and snapshot atomic.
type InMemoryStore struct {
	mu          sync.RWMutex
	tasks       map[string]api.Task
	steps       map[string]api.Step
	taskSteps   map[string][]string
	edges       map[string][]api.Edge
	transitions map[entityKey][]api.Transition
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tasks:       make(map[string]api.Task),
		steps:       make(map[string]api.Step),
		taskSteps:   make(map[string][]string),
		edges:       make(map[string][]api.Edge),
		transitions: make(map[entityKey][]api.Transition),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) CreateTask(ctx context.Context, task api.Task, steps []api.Step, edges []api.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return api.NewPersistenceError("create task", fmt.Errorf("task %s already exists", task.ID))
	}

	task.State = ""
	task.Context = maps.Clone(task.Context)
	s.tasks[task.ID] = task
	s.transitions[entityKey{api.EntityTask, task.ID}] = []api.Transition{
		initialTransition(api.EntityTask, task.ID, task.ID, task.CreatedAt),
	}

	ids := make([]string, 0, len(steps))
	for _, st := range steps {
		st = cloneStep(st)
		st.State = ""
		s.steps[st.ID] = st
		ids = append(ids, st.ID)
		s.transitions[entityKey{api.EntityStep, st.ID}] = []api.Transition{
			initialTransition(api.EntityStep, st.ID, task.ID, st.CreatedAt),
		}
	}
	s.taskSteps[task.ID] = ids
	s.edges[task.ID] = append([]api.Edge(nil), edges...)
	return nil
}

func (s *InMemoryStore) GetTask(ctx context.Context, taskID string) (api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return api.Task{}, api.ErrTaskNotFound
	}
	return s.withTaskState(task), nil
}

func (s *InMemoryStore) Snapshot(ctx context.Context, taskID string) (*api.TaskView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, api.ErrTaskNotFound
	}

	view := &api.TaskView{Task: s.withTaskState(task)}
	for _, id := range s.taskSteps[taskID] {
		st := cloneStep(s.steps[id])
		st.State = s.currentLocked(api.EntityStep, id)
		view.Steps = append(view.Steps, st)
	}
	sort.SliceStable(view.Steps, func(i, j int) bool {
		return view.Steps[i].Position < view.Steps[j].Position
	})
	view.Edges = append([]api.Edge(nil), s.edges[taskID]...)
	return view, nil
}

func (s *InMemoryStore) ListTasks(ctx context.Context, opts api.TaskListOptions) ([]api.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.Task
	for _, task := range s.tasks {
		task = s.withTaskState(task)
		if opts.Name != "" && task.Name != opts.Name {
			continue
		}
		if opts.State != "" && task.State != opts.State {
			continue
		}
		result = append(result, task)
	}
	sortTasks(result)
	return result, nil
}

func (s *InMemoryStore) AppendTransition(ctx context.Context, req AppendRequest) (api.Transition, error) {
	if err := validateAppend(req); err != nil {
		return api.Transition{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := entityKey{req.EntityType, req.EntityID}
	history, ok := s.transitions[key]
	if !ok {
		return api.Transition{}, notFound(req.EntityType)
	}

	last := history[len(history)-1]
	if last.ToState != req.From || (req.FromSortKey != 0 && last.SortKey != req.FromSortKey) {
		return api.Transition{}, api.NewConcurrentClaimConflictError(req.EntityType, req.EntityID, req.From, last.ToState)
	}

	if req.UpdateStep != nil {
		st := cloneStep(s.steps[req.EntityID])
		req.UpdateStep(&st)
		st.State = ""
		s.steps[req.EntityID] = st
	}

	tr := api.Transition{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		TaskID:     req.TaskID,
		FromState:  req.From,
		ToState:    req.To,
		SortKey:    last.SortKey + 1,
		Metadata:   maps.Clone(req.Metadata),
		CreatedAt:  req.At,
		MostRecent: true,
	}
	history[len(history)-1].MostRecent = false
	s.transitions[key] = append(history, tr)
	return tr, nil
}

func (s *InMemoryStore) CurrentState(ctx context.Context, entity api.EntityType, id string) (api.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.transitions[entityKey{entity, id}]; !ok {
		return "", notFound(entity)
	}
	return s.currentLocked(entity, id), nil
}

func (s *InMemoryStore) ListTransitions(ctx context.Context, entity api.EntityType, id string) ([]api.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history, ok := s.transitions[entityKey{entity, id}]
	if !ok {
		return nil, notFound(entity)
	}
	return append([]api.Transition(nil), history...), nil
}

func (s *InMemoryStore) FindStuckSteps(ctx context.Context, before time.Time) ([]api.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []api.Step
	for id, st := range s.steps {
		state := s.currentLocked(api.EntityStep, id)
		if state != api.StateInProgress || !st.InProcess || !st.LastAttempt.Before(before) {
			continue
		}
		st = cloneStep(st)
		st.State = state
		result = append(result, st)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TaskID != result[j].TaskID {
			return result[i].TaskID < result[j].TaskID
		}
		return result[i].Position < result[j].Position
	})
	return result, nil
}

func (s *InMemoryStore) withTaskState(task api.Task) api.Task {
	task.State = s.currentLocked(api.EntityTask, task.ID)
	task.Context = maps.Clone(task.Context)
	return task
}

func (s *InMemoryStore) currentLocked(entity api.EntityType, id string) api.State {
	history := s.transitions[entityKey{entity, id}]
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1].ToState
}

func cloneStep(st api.Step) api.Step {
	st.Config = maps.Clone(st.Config)
	st.Results = maps.Clone(st.Results)
	return st
}

func sortTasks(tasks []api.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
		}
		return tasks[i].ID < tasks[j].ID
	})
}
