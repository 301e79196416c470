package api

import (
	"time"
)

// State is a lifecycle state shared by tasks and steps.
type State string

const (
	StatePending          State = "pending"
	StateInProgress       State = "in_progress"
	StateComplete         State = "complete"
	StateError            State = "error"
	StateCancelled        State = "cancelled"
	StateResolvedManually State = "resolved_manually"
)

// IsSatisfied reports whether a step in state s unblocks its dependents.
func (s State) IsSatisfied() bool {
	return s == StateComplete || s == StateResolvedManually
}

// EntityType identifies which kind of entity a Transition belongs to.
type EntityType string

const (
	EntityTask EntityType = "task"
	EntityStep EntityType = "step"
)

// DefaultRetryLimit is used for steps that do not set RetryLimit.
const DefaultRetryLimit = 3

// StepTemplate describes one node of a TaskTemplate.
type StepTemplate struct {
	Name        string
	Description string

	// Handler is the HandlerRegistry key used to execute the step.
	Handler string

	// DependsOn lists the names of steps that must be complete (or
	// resolved manually) before this step may run.
	DependsOn []string

	Retryable  bool
	RetryLimit int

	// Config is handed to the handler unchanged through StepContext.Config.
	Config map[string]any
}

// TaskTemplate is a named, versioned DAG of steps. Tasks are submitted
// against a template.
type TaskTemplate struct {
	Name        string
	Namespace   string
	Version     string
	Description string
	Steps       []StepTemplate

	// ContextSchema is an optional JSON schema the task context must satisfy.
	ContextSchema map[string]any
}

// Task is one workflow execution.
type Task struct {
	ID        string
	Name      string
	Namespace string
	Version   string
	Context   map[string]any
	CreatedAt time.Time

	// State is derived from the most recent task transition.
	State State
}

// Step is one node in a task's dependency DAG. Parents are expressed through
// Edges and resolved by ID; steps never hold pointers to each other.
type Step struct {
	ID         string
	TaskID     string
	Name       string
	Handler    string
	Position   int
	Config     map[string]any
	Retryable  bool
	RetryLimit int
	Attempts   int
	InProcess  bool
	Processed  bool
	Results    map[string]any
	LastError  string
	CreatedAt  time.Time

	// LastAttempt is the claim time while the step is in process and the
	// time its handler returned afterwards. Backoff counts from it.
	LastAttempt time.Time

	// BackoffRequest is the delay a handler asked for on its last failure.
	// Zero means no explicit request; exponential backoff applies.
	BackoffRequest time.Duration

	// State is derived from the most recent step transition.
	State State
}

// Edge is a dependency inside one task: To depends on From.
type Edge struct {
	TaskID string
	From   string
	To     string
	Name   string
}

// Transition is an immutable record of an entity state change.
type Transition struct {
	EntityType EntityType
	EntityID   string
	TaskID     string
	FromState  State
	ToState    State
	SortKey    int
	Metadata   map[string]any
	CreatedAt  time.Time
	MostRecent bool
}

// TaskView is one consistent read of a task with its steps and edges.
// Steps are ordered by Position.
type TaskView struct {
	Task  Task
	Steps []Step
	Edges []Edge
}

// StepByID returns the step with the given ID.
func (v *TaskView) StepByID(id string) (Step, bool) {
	for _, s := range v.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// StepByName returns the step with the given name.
func (v *TaskView) StepByName(name string) (Step, bool) {
	for _, s := range v.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// ReadinessStatus is the derived, never persisted, readiness of a step.
type ReadinessStatus struct {
	StepID           string
	StepName         string
	State            State
	Attempts         int
	RetryLimit       int
	InProcess        bool
	TotalParents     int
	CompletedParents int

	// Root is set for steps without parents, where a task starts.
	Root bool

	DependenciesSatisfied bool
	RetryEligible         bool
	ReadyForExecution     bool

	// NextEligibleAt is only set for steps in the error state.
	NextEligibleAt time.Time
}

// Decision is the outcome of finalizing a task.
type Decision string

const (
	DecisionAllComplete          Decision = "all_complete"
	DecisionHasViableSteps       Decision = "has_viable_steps"
	DecisionAwaitingRetryBackoff Decision = "awaiting_retry_backoff"
	DecisionBlocked              Decision = "blocked"
	DecisionNoViableSteps        Decision = "no_viable_steps"
	DecisionCancelled            Decision = "cancelled"
)

// IsTerminal reports whether the orchestration loop stops on d.
func (d Decision) IsTerminal() bool {
	return d == DecisionAllComplete || d == DecisionBlocked || d == DecisionCancelled
}

// TaskDecision is what the finalizer concluded about a task.
type TaskDecision struct {
	Decision Decision

	// NextEligibleAt is the earliest retry time, set for AwaitingRetryBackoff.
	NextEligibleAt time.Time

	// BlockedSteps names the steps that exhausted their retries, set for Blocked.
	BlockedSteps []string

	// Unreachable names, parents first, the unfinished steps downstream of a
	// blocked step. Set for Blocked.
	Unreachable []string
}

// TaskListOptions controls how tasks are listed.
// Zero values mean "no filter" for that field.
type TaskListOptions struct {
	Name  string
	State State
}
