package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTaskNotFound is returned when a task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStepNotFound is returned when a step does not exist.
	ErrStepNotFound = errors.New("step not found")

	// ErrTemplateNotFound is returned when no template matches a name/version.
	ErrTemplateNotFound = errors.New("task template not found")

	// ErrHandlerNotFound is returned when a step references an unregistered handler.
	ErrHandlerNotFound = errors.New("step handler not found")

	// ErrInvalidTemplate is returned for structurally invalid templates.
	ErrInvalidTemplate = errors.New("invalid task template")
)

// InvalidTransitionError is returned for a state change that is not in the
// legal transition table. It signals a caller bug and is never retried.
type InvalidTransitionError struct {
	Entity EntityType
	ID     string
	From   State
	To     State
}

func NewInvalidTransitionError(entity EntityType, id string, from, to State) *InvalidTransitionError {
	return &InvalidTransitionError{Entity: entity, ID: id, From: from, To: to}
}

func (e *InvalidTransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "<none>"
	}
	return fmt.Sprintf("invalid %s transition for %s: %s -> %s", e.Entity, e.ID, from, e.To)
}

// IsInvalidTransition reports whether err is an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var e *InvalidTransitionError
	return errors.As(err, &e)
}

// CyclicDependencyError is returned when adding an edge would create a cycle.
type CyclicDependencyError struct {
	From string
	To   string
	Path []string
}

func NewCyclicDependencyError(from, to string, path []string) *CyclicDependencyError {
	return &CyclicDependencyError{From: from, To: to, Path: path}
}

func (e *CyclicDependencyError) Error() string {
	if len(e.Path) > 0 {
		return fmt.Sprintf("cyclic dependency: edge %s -> %s closes cycle %s", e.From, e.To, strings.Join(e.Path, " -> "))
	}
	return fmt.Sprintf("cyclic dependency: edge %s -> %s", e.From, e.To)
}

// IsCyclicDependency reports whether err is a CyclicDependencyError.
func IsCyclicDependency(err error) bool {
	var e *CyclicDependencyError
	return errors.As(err, &e)
}

// HandlerExecutionError records a failed step handler invocation. It is
// absorbed into step state and never crashes the orchestration loop.
type HandlerExecutionError struct {
	Step       string
	Attempt    int
	RetryAfter time.Duration
	Permanent  bool
	Cause      error
}

func (e *HandlerExecutionError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("step handler failed: %v", e.Cause)
	}
	return fmt.Sprintf("step '%s' attempt %d failed: %v", e.Step, e.Attempt, e.Cause)
}

func (e *HandlerExecutionError) Unwrap() error { return e.Cause }

// RetryAfter wraps err so that the failed step is retried no earlier than d
// after the attempt, instead of using exponential backoff.
func RetryAfter(d time.Duration, err error) error {
	if err == nil {
		err = errors.New("retry requested")
	}
	return &HandlerExecutionError{RetryAfter: d, Cause: err}
}

// Permanent wraps err so that the failed step is not retried.
func Permanent(err error) error {
	if err == nil {
		err = errors.New("permanent failure")
	}
	return &HandlerExecutionError{Permanent: true, Cause: err}
}

// AsHandlerError converts any handler error into a HandlerExecutionError
// describing the given step attempt.
func AsHandlerError(step string, attempt int, err error) *HandlerExecutionError {
	var he *HandlerExecutionError
	if errors.As(err, &he) {
		out := *he
		out.Step = step
		out.Attempt = attempt
		return &out
	}
	return &HandlerExecutionError{Step: step, Attempt: attempt, Cause: err}
}

// RetryExhaustedError is surfaced when a task is blocked by steps that can no
// longer be retried. Unblocking requires a manual resolution.
type RetryExhaustedError struct {
	TaskID string
	Steps  []string
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("task %s blocked: retries exhausted for steps [%s]", e.TaskID, strings.Join(e.Steps, ", "))
}

// IsRetryExhausted reports whether err is a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var e *RetryExhaustedError
	return errors.As(err, &e)
}

// ConcurrentClaimConflictError is returned when a transition raced with
// another writer and lost. The loser must re-read state, never proceed.
type ConcurrentClaimConflictError struct {
	Entity   EntityType
	ID       string
	Expected State
	Actual   State
}

func NewConcurrentClaimConflictError(entity EntityType, id string, expected, actual State) *ConcurrentClaimConflictError {
	return &ConcurrentClaimConflictError{Entity: entity, ID: id, Expected: expected, Actual: actual}
}

func (e *ConcurrentClaimConflictError) Error() string {
	if e.Actual == "" {
		return fmt.Sprintf("concurrent claim conflict on %s %s: expected state %s", e.Entity, e.ID, e.Expected)
	}
	return fmt.Sprintf("concurrent claim conflict on %s %s: expected state %s, found %s", e.Entity, e.ID, e.Expected, e.Actual)
}

// IsConcurrentClaimConflict reports whether err is a ConcurrentClaimConflictError.
func IsConcurrentClaimConflict(err error) bool {
	var e *ConcurrentClaimConflictError
	return errors.As(err, &e)
}

// PersistenceError wraps an underlying storage failure. The caller must not
// assume that any write in the failed operation succeeded.
type PersistenceError struct {
	Op    string
	Cause error
}

func NewPersistenceError(op string, cause error) *PersistenceError {
	return &PersistenceError{Op: op, Cause: cause}
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var e *PersistenceError
	return errors.As(err, &e)
}
