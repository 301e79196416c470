package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/dagflow/pkg/api"
)

// redisAppendRetries bounds how often an append is retried after a WATCH
// abort whose re-read still shows the expected state.
const redisAppendRetries = 8

// RedisStore is a Store backed by Redis.
// It uses a simple key structure:
//
//	<prefix>task:<id>                   => JSON task (without state)
//	<prefix>task:<id>:steps             => HASH step ID -> JSON step (without state)
//	<prefix>task:<id>:edges             => JSON edge list
//	<prefix>state:<entity>:<id>         => current state of a task or step
//	<prefix>transitions:<entity>:<id>   => LIST of JSON transitions, oldest first
//	<prefix>idx:tasks                   => ZSET of task IDs scored by creation time
//
// Appends WATCH the entity's state key and commit the new state, the flipped
// previous transition, the new transition and the step bookkeeping in one
// MULTI/EXEC. The state key mirrors the tail of the transition list and is
// only ever written together with it.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "dagflow:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "dagflow:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (r *RedisStore) keyTask(id string) string {
	return r.prefix + "task:" + id
}

func (r *RedisStore) keySteps(taskID string) string {
	return r.prefix + "task:" + taskID + ":steps"
}

func (r *RedisStore) keyEdges(taskID string) string {
	return r.prefix + "task:" + taskID + ":edges"
}

func (r *RedisStore) keyState(entity api.EntityType, id string) string {
	return r.prefix + "state:" + string(entity) + ":" + id
}

func (r *RedisStore) keyTransitions(entity api.EntityType, id string) string {
	return r.prefix + "transitions:" + string(entity) + ":" + id
}

func (r *RedisStore) keyIndex() string {
	return r.prefix + "idx:tasks"
}

func (r *RedisStore) CreateTask(ctx context.Context, task api.Task, steps []api.Step, edges []api.Edge) error {
	exists, err := r.client.Exists(ctx, r.keyTask(task.ID)).Result()
	if err != nil {
		return api.NewPersistenceError("create task", err)
	}
	if exists > 0 {
		return api.NewPersistenceError("create task", fmt.Errorf("task %s already exists", task.ID))
	}

	task.State = ""
	taskData, err := json.Marshal(task)
	if err != nil {
		return api.NewPersistenceError("create task", err)
	}
	edgeData, err := json.Marshal(edges)
	if err != nil {
		return api.NewPersistenceError("create task", err)
	}
	taskTr, err := json.Marshal(initialTransition(api.EntityTask, task.ID, task.ID, task.CreatedAt))
	if err != nil {
		return api.NewPersistenceError("create task", err)
	}

	stepData := make(map[string][]byte, len(steps))
	stepTr := make(map[string][]byte, len(steps))
	for _, st := range steps {
		st.State = ""
		if stepData[st.ID], err = json.Marshal(st); err != nil {
			return api.NewPersistenceError("create task", err)
		}
		if stepTr[st.ID], err = json.Marshal(initialTransition(api.EntityStep, st.ID, task.ID, st.CreatedAt)); err != nil {
			return api.NewPersistenceError("create task", err)
		}
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.keyTask(task.ID), taskData, 0)
		pipe.Set(ctx, r.keyEdges(task.ID), edgeData, 0)
		pipe.Set(ctx, r.keyState(api.EntityTask, task.ID), string(api.StatePending), 0)
		pipe.RPush(ctx, r.keyTransitions(api.EntityTask, task.ID), taskTr)
		for id, data := range stepData {
			pipe.HSet(ctx, r.keySteps(task.ID), id, data)
			pipe.Set(ctx, r.keyState(api.EntityStep, id), string(api.StatePending), 0)
			pipe.RPush(ctx, r.keyTransitions(api.EntityStep, id), stepTr[id])
		}
		pipe.ZAdd(ctx, r.keyIndex(), redis.Z{Score: float64(unixNanos(task.CreatedAt)), Member: task.ID})
		return nil
	})
	if err != nil {
		return api.NewPersistenceError("create task", err)
	}
	return nil
}

func (r *RedisStore) GetTask(ctx context.Context, taskID string) (api.Task, error) {
	var taskCmd, stateCmd *redis.StringCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		taskCmd = pipe.Get(ctx, r.keyTask(taskID))
		stateCmd = pipe.Get(ctx, r.keyState(api.EntityTask, taskID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return api.Task{}, api.NewPersistenceError("get task", err)
	}
	return decodeRedisTask(taskCmd, stateCmd)
}

func decodeRedisTask(taskCmd, stateCmd *redis.StringCmd) (api.Task, error) {
	data, err := taskCmd.Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return api.Task{}, api.ErrTaskNotFound
		}
		return api.Task{}, api.NewPersistenceError("get task", err)
	}
	var task api.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return api.Task{}, api.NewPersistenceError("get task", err)
	}
	state, err := stateCmd.Result()
	if err != nil {
		return api.Task{}, api.NewPersistenceError("get task", err)
	}
	task.State = api.State(state)
	return task, nil
}

func (r *RedisStore) Snapshot(ctx context.Context, taskID string) (*api.TaskView, error) {
	// The set of step IDs never changes after creation, so reading it
	// outside the transaction is safe.
	ids, err := r.client.HKeys(ctx, r.keySteps(taskID)).Result()
	if err != nil {
		return nil, api.NewPersistenceError("snapshot", err)
	}

	var taskCmd, taskStateCmd, edgesCmd *redis.StringCmd
	var stepsCmd *redis.MapStringStringCmd
	stateCmds := make(map[string]*redis.StringCmd, len(ids))
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		taskCmd = pipe.Get(ctx, r.keyTask(taskID))
		taskStateCmd = pipe.Get(ctx, r.keyState(api.EntityTask, taskID))
		edgesCmd = pipe.Get(ctx, r.keyEdges(taskID))
		stepsCmd = pipe.HGetAll(ctx, r.keySteps(taskID))
		for _, id := range ids {
			stateCmds[id] = pipe.Get(ctx, r.keyState(api.EntityStep, id))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, api.NewPersistenceError("snapshot", err)
	}

	task, err := decodeRedisTask(taskCmd, taskStateCmd)
	if err != nil {
		return nil, err
	}
	view := &api.TaskView{Task: task}

	if data, err := edgesCmd.Bytes(); err == nil {
		if err := json.Unmarshal(data, &view.Edges); err != nil {
			return nil, api.NewPersistenceError("snapshot", err)
		}
	} else if !errors.Is(err, redis.Nil) {
		return nil, api.NewPersistenceError("snapshot", err)
	}

	for id, raw := range stepsCmd.Val() {
		var st api.Step
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return nil, api.NewPersistenceError("snapshot", err)
		}
		cmd, ok := stateCmds[id]
		if !ok {
			return nil, api.NewPersistenceError("snapshot", fmt.Errorf("step %s appeared during snapshot", id))
		}
		state, err := cmd.Result()
		if err != nil {
			return nil, api.NewPersistenceError("snapshot", fmt.Errorf("state of step %s: %w", id, err))
		}
		st.State = api.State(state)
		view.Steps = append(view.Steps, st)
	}
	sort.SliceStable(view.Steps, func(i, j int) bool {
		return view.Steps[i].Position < view.Steps[j].Position
	})
	return view, nil
}

func (r *RedisStore) ListTasks(ctx context.Context, opts api.TaskListOptions) ([]api.Task, error) {
	ids, err := r.client.ZRange(ctx, r.keyIndex(), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, api.NewPersistenceError("list tasks", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	taskCmds := make([]*redis.StringCmd, len(ids))
	stateCmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		taskCmds[i] = pipe.Get(ctx, r.keyTask(id))
		stateCmds[i] = pipe.Get(ctx, r.keyState(api.EntityTask, id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, api.NewPersistenceError("list tasks", err)
	}

	var tasks []api.Task
	for i := range ids {
		task, err := decodeRedisTask(taskCmds[i], stateCmds[i])
		if err != nil {
			if errors.Is(err, api.ErrTaskNotFound) {
				continue
			}
			return nil, err
		}
		if opts.Name != "" && task.Name != opts.Name {
			continue
		}
		if opts.State != "" && task.State != opts.State {
			continue
		}
		tasks = append(tasks, task)
	}
	sortTasks(tasks)
	return tasks, nil
}

func (r *RedisStore) AppendTransition(ctx context.Context, req AppendRequest) (api.Transition, error) {
	if err := validateAppend(req); err != nil {
		return api.Transition{}, err
	}

	stateKey := r.keyState(req.EntityType, req.EntityID)
	trKey := r.keyTransitions(req.EntityType, req.EntityID)

	var out api.Transition
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, stateKey).Result()
		if errors.Is(err, redis.Nil) {
			return notFound(req.EntityType)
		}
		if err != nil {
			return api.NewPersistenceError("append transition", err)
		}
		if api.State(cur) != req.From {
			return api.NewConcurrentClaimConflictError(req.EntityType, req.EntityID, req.From, api.State(cur))
		}

		lastData, err := tx.LIndex(ctx, trKey, -1).Bytes()
		if err != nil {
			return api.NewPersistenceError("append transition", err)
		}
		var last api.Transition
		if err := json.Unmarshal(lastData, &last); err != nil {
			return api.NewPersistenceError("append transition", err)
		}
		if req.FromSortKey != 0 && last.SortKey != req.FromSortKey {
			return api.NewConcurrentClaimConflictError(req.EntityType, req.EntityID, req.From, api.State(cur))
		}

		var stepData []byte
		if req.UpdateStep != nil {
			raw, err := tx.HGet(ctx, r.keySteps(req.TaskID), req.EntityID).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					return api.ErrStepNotFound
				}
				return api.NewPersistenceError("append transition", err)
			}
			var st api.Step
			if err := json.Unmarshal(raw, &st); err != nil {
				return api.NewPersistenceError("append transition", err)
			}
			req.UpdateStep(&st)
			st.State = ""
			if stepData, err = json.Marshal(st); err != nil {
				return api.NewPersistenceError("append transition", err)
			}
		}

		tr := api.Transition{
			EntityType: req.EntityType,
			EntityID:   req.EntityID,
			TaskID:     req.TaskID,
			FromState:  req.From,
			ToState:    req.To,
			SortKey:    last.SortKey + 1,
			Metadata:   req.Metadata,
			CreatedAt:  req.At,
			MostRecent: true,
		}
		last.MostRecent = false
		prevData, err := json.Marshal(last)
		if err != nil {
			return api.NewPersistenceError("append transition", err)
		}
		trData, err := json.Marshal(tr)
		if err != nil {
			return api.NewPersistenceError("append transition", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, stateKey, string(req.To), 0)
			pipe.LSet(ctx, trKey, -1, prevData)
			pipe.RPush(ctx, trKey, trData)
			if stepData != nil {
				pipe.HSet(ctx, r.keySteps(req.TaskID), req.EntityID, stepData)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = tr
		return nil
	}

	for i := 0; i < redisAppendRetries; i++ {
		err := r.client.Watch(ctx, txf, stateKey)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			// Someone else moved this entity; the re-read decides whether we
			// lost the race or can try again.
			continue
		}
		var conflict *api.ConcurrentClaimConflictError
		var pe *api.PersistenceError
		if errors.As(err, &conflict) || errors.As(err, &pe) || errors.Is(err, api.ErrTaskNotFound) || errors.Is(err, api.ErrStepNotFound) {
			return api.Transition{}, err
		}
		return api.Transition{}, api.NewPersistenceError("append transition", err)
	}
	return api.Transition{}, api.NewConcurrentClaimConflictError(req.EntityType, req.EntityID, req.From, "")
}

func (r *RedisStore) CurrentState(ctx context.Context, entity api.EntityType, id string) (api.State, error) {
	state, err := r.client.Get(ctx, r.keyState(entity, id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", notFound(entity)
		}
		return "", api.NewPersistenceError("current state", err)
	}
	return api.State(state), nil
}

func (r *RedisStore) ListTransitions(ctx context.Context, entity api.EntityType, id string) ([]api.Transition, error) {
	raw, err := r.client.LRange(ctx, r.keyTransitions(entity, id), 0, -1).Result()
	if err != nil {
		return nil, api.NewPersistenceError("list transitions", err)
	}
	if len(raw) == 0 {
		return nil, notFound(entity)
	}
	out := make([]api.Transition, 0, len(raw))
	for _, item := range raw {
		var tr api.Transition
		if err := json.Unmarshal([]byte(item), &tr); err != nil {
			return nil, api.NewPersistenceError("list transitions", err)
		}
		out = append(out, tr)
	}
	return out, nil
}

func (r *RedisStore) FindStuckSteps(ctx context.Context, before time.Time) ([]api.Step, error) {
	ids, err := r.client.ZRange(ctx, r.keyIndex(), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, api.NewPersistenceError("find stuck steps", err)
	}

	var out []api.Step
	for _, id := range ids {
		view, err := r.Snapshot(ctx, id)
		if err != nil {
			if errors.Is(err, api.ErrTaskNotFound) {
				continue
			}
			return nil, err
		}
		for _, st := range view.Steps {
			if st.State == api.StateInProgress && st.InProcess && st.LastAttempt.Before(before) {
				out = append(out, st)
			}
		}
	}
	return out, nil
}
