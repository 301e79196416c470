package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/petrijr/dagflow/pkg/api"
)

// sqlDialect captures what differs between the SQL backends.
type sqlDialect struct {
	name   string
	schema []string

	// rebind rewrites '?' placeholders for drivers that need another style.
	rebind func(string) string

	isUniqueViolation func(error) bool

	// snapshotOpts are the options for the consistent multi-row read.
	snapshotOpts *sql.TxOptions
}

// SQLStore is a Store backed by a relational database through database/sql.
// Use NewSQLiteStore or NewPostgresStore to construct one.
//
// The transition log lives in a single table. A partial unique index on
// (entity_type, entity_id) WHERE most_recent guarantees that at most one row
// per entity is flagged most recent. Appends are compare-and-set: the flag
// of the previous row is cleared only if its to_state still equals the
// expected state, so of two racing writers exactly one wins.
type SQLStore struct {
	db *sql.DB
	d  sqlDialect
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d sqlDialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return api.NewPersistenceError(s.d.name+" schema", err)
		}
	}
	return nil
}

func (s *SQLStore) q(query string) string {
	if s.d.rebind == nil {
		return query
	}
	return s.d.rebind(query)
}

func (s *SQLStore) CreateTask(ctx context.Context, task api.Task, steps []api.Step, edges []api.Edge) error {
	taskCtx, err := EncodeValue(task.Context)
	if err != nil {
		return api.NewPersistenceError("create task", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return api.NewPersistenceError("create task", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO tasks (id, name, namespace, version, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		task.ID, task.Name, task.Namespace, task.Version, taskCtx, unixNanos(task.CreatedAt),
	); err != nil {
		return api.NewPersistenceError("create task", err)
	}
	if err := s.insertTransition(ctx, tx, initialTransition(api.EntityTask, task.ID, task.ID, task.CreatedAt)); err != nil {
		return api.NewPersistenceError("create task", err)
	}

	for _, st := range steps {
		config, err := EncodeValue(st.Config)
		if err != nil {
			return api.NewPersistenceError("create task", err)
		}
		results, err := EncodeValue(st.Results)
		if err != nil {
			return api.NewPersistenceError("create task", err)
		}
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO steps (id, task_id, name, handler, position, config, retryable, retry_limit,
				attempts, in_process, processed, results, last_error, created_at, last_attempt_at, backoff_request_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			st.ID, task.ID, st.Name, st.Handler, st.Position, config, st.Retryable, st.RetryLimit,
			st.Attempts, st.InProcess, st.Processed, results, st.LastError,
			unixNanos(st.CreatedAt), unixNanos(st.LastAttempt), st.BackoffRequest.Milliseconds(),
		); err != nil {
			return api.NewPersistenceError("create task", err)
		}
		if err := s.insertTransition(ctx, tx, initialTransition(api.EntityStep, st.ID, task.ID, st.CreatedAt)); err != nil {
			return api.NewPersistenceError("create task", err)
		}
	}

	for _, e := range edges {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO step_edges (task_id, from_step, to_step, name) VALUES (?, ?, ?, ?)`),
			task.ID, e.From, e.To, e.Name,
		); err != nil {
			return api.NewPersistenceError("create task", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return api.NewPersistenceError("create task", err)
	}
	return nil
}

const taskColumns = `k.id, k.name, k.namespace, k.version, k.context, k.created_at, t.to_state`

const taskJoin = `
	FROM tasks k
	JOIN transitions t ON t.entity_type = 'task' AND t.entity_id = k.id AND t.most_recent = TRUE`

const stepColumns = `s.id, s.task_id, s.name, s.handler, s.position, s.config, s.retryable, s.retry_limit,
	s.attempts, s.in_process, s.processed, s.results, s.last_error, s.created_at, s.last_attempt_at,
	s.backoff_request_ms, t.to_state`

const stepJoin = `
	FROM steps s
	JOIN transitions t ON t.entity_type = 'step' AND t.entity_id = s.id AND t.most_recent = TRUE`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (api.Task, error) {
	var task api.Task
	var taskCtx []byte
	var createdAt int64
	var state string
	if err := row.Scan(&task.ID, &task.Name, &task.Namespace, &task.Version, &taskCtx, &createdAt, &state); err != nil {
		return api.Task{}, err
	}
	decoded, err := DecodeValue(taskCtx)
	if err != nil {
		return api.Task{}, err
	}
	task.Context = decoded
	task.CreatedAt = fromUnixNanos(createdAt)
	task.State = api.State(state)
	return task, nil
}

func scanStep(row rowScanner) (api.Step, error) {
	var st api.Step
	var config, results []byte
	var createdAt, lastAttempt, backoffMS int64
	var state string
	if err := row.Scan(&st.ID, &st.TaskID, &st.Name, &st.Handler, &st.Position, &config, &st.Retryable,
		&st.RetryLimit, &st.Attempts, &st.InProcess, &st.Processed, &results, &st.LastError,
		&createdAt, &lastAttempt, &backoffMS, &state); err != nil {
		return api.Step{}, err
	}
	var err error
	if st.Config, err = DecodeValue(config); err != nil {
		return api.Step{}, err
	}
	if st.Results, err = DecodeValue(results); err != nil {
		return api.Step{}, err
	}
	st.CreatedAt = fromUnixNanos(createdAt)
	st.LastAttempt = fromUnixNanos(lastAttempt)
	st.BackoffRequest = time.Duration(backoffMS) * time.Millisecond
	st.State = api.State(state)
	return st, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) getTask(ctx context.Context, q queryer, taskID string) (api.Task, error) {
	task, err := scanTask(q.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+taskJoin+` WHERE k.id = ?`), taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.Task{}, api.ErrTaskNotFound
		}
		return api.Task{}, api.NewPersistenceError("get task", err)
	}
	return task, nil
}

func (s *SQLStore) GetTask(ctx context.Context, taskID string) (api.Task, error) {
	return s.getTask(ctx, s.db, taskID)
}

func (s *SQLStore) Snapshot(ctx context.Context, taskID string) (*api.TaskView, error) {
	tx, err := s.db.BeginTx(ctx, s.d.snapshotOpts)
	if err != nil {
		return nil, api.NewPersistenceError("snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := s.getTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	view := &api.TaskView{Task: task}

	rows, err := tx.QueryContext(ctx, s.q(`SELECT `+stepColumns+stepJoin+` WHERE s.task_id = ? ORDER BY s.position`), taskID)
	if err != nil {
		return nil, api.NewPersistenceError("snapshot", err)
	}
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			rows.Close()
			return nil, api.NewPersistenceError("snapshot", err)
		}
		view.Steps = append(view.Steps, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, api.NewPersistenceError("snapshot", err)
	}
	rows.Close()

	edgeRows, err := tx.QueryContext(ctx, s.q(`
		SELECT task_id, from_step, to_step, name FROM step_edges WHERE task_id = ? ORDER BY from_step, to_step`), taskID)
	if err != nil {
		return nil, api.NewPersistenceError("snapshot", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var e api.Edge
		if err := edgeRows.Scan(&e.TaskID, &e.From, &e.To, &e.Name); err != nil {
			return nil, api.NewPersistenceError("snapshot", err)
		}
		view.Edges = append(view.Edges, e)
	}
	if err := edgeRows.Err(); err != nil {
		return nil, api.NewPersistenceError("snapshot", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, api.NewPersistenceError("snapshot", err)
	}
	return view, nil
}

func (s *SQLStore) ListTasks(ctx context.Context, opts api.TaskListOptions) ([]api.Task, error) {
	query := `SELECT ` + taskColumns + taskJoin
	var args []any
	var clauses []string

	if opts.Name != "" {
		clauses = append(clauses, "k.name = ?")
		args = append(args, opts.Name)
	}
	if opts.State != "" {
		clauses = append(clauses, "t.to_state = ?")
		args = append(args, string(opts.State))
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY k.created_at, k.id"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, api.NewPersistenceError("list tasks", err)
	}
	defer rows.Close()

	var tasks []api.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, api.NewPersistenceError("list tasks", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, api.NewPersistenceError("list tasks", err)
	}
	return tasks, nil
}

func (s *SQLStore) AppendTransition(ctx context.Context, req AppendRequest) (api.Transition, error) {
	if err := validateAppend(req); err != nil {
		return api.Transition{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return api.Transition{}, api.NewPersistenceError("append transition", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Compare-and-set on the most recent row. A concurrent writer either
	// blocks here until we commit and then matches nothing, or wins and
	// leaves us matching nothing.
	query := `
		UPDATE transitions SET most_recent = FALSE
		WHERE entity_type = ? AND entity_id = ? AND most_recent = TRUE AND to_state = ?`
	args := []any{string(req.EntityType), req.EntityID, string(req.From)}
	if req.FromSortKey != 0 {
		query += ` AND sort_key = ?`
		args = append(args, req.FromSortKey)
	}
	var prevSortKey int
	err = tx.QueryRowContext(ctx, s.q(query+` RETURNING sort_key`), args...).Scan(&prevSortKey)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		actual, cerr := s.CurrentState(ctx, req.EntityType, req.EntityID)
		if cerr != nil {
			return api.Transition{}, cerr
		}
		return api.Transition{}, api.NewConcurrentClaimConflictError(req.EntityType, req.EntityID, req.From, actual)
	}
	if err != nil {
		return api.Transition{}, s.appendError(req, err)
	}

	tr := api.Transition{
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		TaskID:     req.TaskID,
		FromState:  req.From,
		ToState:    req.To,
		SortKey:    prevSortKey + 1,
		Metadata:   req.Metadata,
		CreatedAt:  req.At,
		MostRecent: true,
	}
	if err := s.insertTransition(ctx, tx, tr); err != nil {
		return api.Transition{}, s.appendError(req, err)
	}
	if req.UpdateStep != nil {
		if err := s.updateStep(ctx, tx, req.EntityID, req.UpdateStep); err != nil {
			return api.Transition{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return api.Transition{}, s.appendError(req, err)
	}
	return tr, nil
}

func (s *SQLStore) appendError(req AppendRequest, err error) error {
	if s.d.isUniqueViolation != nil && s.d.isUniqueViolation(err) {
		return api.NewConcurrentClaimConflictError(req.EntityType, req.EntityID, req.From, "")
	}
	return api.NewPersistenceError("append transition", err)
}

func (s *SQLStore) updateStep(ctx context.Context, tx *sql.Tx, stepID string, update func(*api.Step)) error {
	st, err := scanStep(tx.QueryRowContext(ctx, s.q(`SELECT `+stepColumns+stepJoin+` WHERE s.id = ?`), stepID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return api.ErrStepNotFound
		}
		return api.NewPersistenceError("update step", err)
	}
	update(&st)

	results, err := EncodeValue(st.Results)
	if err != nil {
		return api.NewPersistenceError("update step", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE steps
		SET attempts = ?, in_process = ?, processed = ?, results = ?, last_error = ?,
		    last_attempt_at = ?, backoff_request_ms = ?, retryable = ?
		WHERE id = ?`),
		st.Attempts, st.InProcess, st.Processed, results, st.LastError,
		unixNanos(st.LastAttempt), st.BackoffRequest.Milliseconds(), st.Retryable, stepID,
	); err != nil {
		return api.NewPersistenceError("update step", err)
	}
	return nil
}

func (s *SQLStore) insertTransition(ctx context.Context, tx *sql.Tx, tr api.Transition) error {
	metadata, err := EncodeValue(tr.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO transitions (entity_type, entity_id, task_id, from_state, to_state, sort_key, metadata, created_at, most_recent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		string(tr.EntityType), tr.EntityID, tr.TaskID, string(tr.FromState), string(tr.ToState),
		tr.SortKey, metadata, unixNanos(tr.CreatedAt), tr.MostRecent,
	)
	return err
}

func (s *SQLStore) CurrentState(ctx context.Context, entity api.EntityType, id string) (api.State, error) {
	var state string
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT to_state FROM transitions WHERE entity_type = ? AND entity_id = ? AND most_recent = TRUE`),
		string(entity), id,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", notFound(entity)
		}
		return "", api.NewPersistenceError("current state", err)
	}
	return api.State(state), nil
}

func (s *SQLStore) ListTransitions(ctx context.Context, entity api.EntityType, id string) ([]api.Transition, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT entity_type, entity_id, task_id, from_state, to_state, sort_key, metadata, created_at, most_recent
		FROM transitions WHERE entity_type = ? AND entity_id = ? ORDER BY sort_key`),
		string(entity), id,
	)
	if err != nil {
		return nil, api.NewPersistenceError("list transitions", err)
	}
	defer rows.Close()

	var out []api.Transition
	for rows.Next() {
		var tr api.Transition
		var entityType, from, to string
		var metadata []byte
		var createdAt int64
		if err := rows.Scan(&entityType, &tr.EntityID, &tr.TaskID, &from, &to, &tr.SortKey, &metadata, &createdAt, &tr.MostRecent); err != nil {
			return nil, api.NewPersistenceError("list transitions", err)
		}
		if tr.Metadata, err = DecodeValue(metadata); err != nil {
			return nil, api.NewPersistenceError("list transitions", err)
		}
		tr.EntityType = api.EntityType(entityType)
		tr.FromState = api.State(from)
		tr.ToState = api.State(to)
		tr.CreatedAt = fromUnixNanos(createdAt)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, api.NewPersistenceError("list transitions", err)
	}
	if len(out) == 0 {
		return nil, notFound(entity)
	}
	return out, nil
}

func (s *SQLStore) FindStuckSteps(ctx context.Context, before time.Time) ([]api.Step, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+stepColumns+stepJoin+`
		WHERE t.to_state = ? AND s.in_process = TRUE AND s.last_attempt_at < ?
		ORDER BY s.task_id, s.position`),
		string(api.StateInProgress), unixNanos(before),
	)
	if err != nil {
		return nil, api.NewPersistenceError("find stuck steps", err)
	}
	defer rows.Close()

	var out []api.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, api.NewPersistenceError("find stuck steps", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, api.NewPersistenceError("find stuck steps", err)
	}
	return out, nil
}

