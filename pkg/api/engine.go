package api

import (
	"context"
	"time"
)

// PassResult summarizes one orchestration pass over a task.
type PassResult struct {
	TaskID     string
	Decision   TaskDecision
	Dispatched int
	Conflicts  int
}

// Engine is the high-level orchestration API.
type Engine interface {
	// RegisterTemplate registers a task template by name and version.
	RegisterTemplate(tpl TaskTemplate) error

	// Submit creates a task from the latest version of the named template
	// and returns its ID. The task is created pending; nothing runs until
	// Run or Process is called (directly or by a worker).
	Submit(ctx context.Context, name string, taskContext map[string]any) (string, error)

	// SubmitVersion creates a task from a specific template version.
	SubmitVersion(ctx context.Context, name, version string, taskContext map[string]any) (string, error)

	// Run drives the task until it is complete, blocked or cancelled,
	// waiting on timers between retry backoffs. A blocked task returns a
	// RetryExhaustedError alongside its final view.
	Run(ctx context.Context, taskID string) (*TaskView, error)

	// Process performs a single orchestration pass: dispatch the viable
	// steps, await their handlers and evaluate the task.
	Process(ctx context.Context, taskID string) (PassResult, error)

	// GetTask returns the task with its steps and edges.
	GetTask(ctx context.Context, taskID string) (*TaskView, error)

	// ListTasks returns tasks matching the given options.
	ListTasks(ctx context.Context, opts TaskListOptions) ([]Task, error)

	// Readiness returns the readiness of every step of a task.
	Readiness(ctx context.Context, taskID string) ([]ReadinessStatus, error)

	// ViableSteps returns the steps that may be dispatched right now.
	ViableSteps(ctx context.Context, taskID string) ([]Step, error)

	// Transitions returns the full transition history of a task or step.
	Transitions(ctx context.Context, entity EntityType, id string) ([]Transition, error)

	// Cancel cancels a task that is not terminal yet. Steps that are pending
	// or in progress are cancelled too; in-flight handlers are not killed
	// but their results are discarded.
	Cancel(ctx context.Context, taskID string, reason string) error

	// ResolveStepManually marks a failed step as done without re-executing
	// it. A blocked task is moved back to pending so it can be run again.
	ResolveStepManually(ctx context.Context, taskID, stepName string, results map[string]any) error

	// RecoverStuckSteps moves steps that have been claimed for longer than
	// olderThan back to the error state, so they are retried under the
	// normal backoff rules. It is intended for process startup after a crash.
	RecoverStuckSteps(ctx context.Context, olderThan time.Duration) (int, error)
}
