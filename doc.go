// Package dagflow provides an embeddable, durable engine for workflows shaped
// as directed acyclic graphs of steps.
//
// A TaskTemplate names a DAG of steps. Submitting a template creates a Task
// whose steps run as soon as their dependencies are complete, in parallel
// where the graph allows it. Failed steps are retried with exponential
// backoff; a step that exhausts its retries blocks the task until an operator
// resolves it manually. Every state change of a task or step is recorded as
// an append-only transition, so the history of a task can always be read back.
//
// # Core Concepts
//
//  1. Engine
//  2. TemplateBuilder
//  3. StepHandler
//  4. Worker
//  5. LocalRunner and WorkerBundle
//
// # Engine
//
// The Engine stores templates, persists tasks and their transitions, and
// provides APIs to:
//   - submit tasks against the latest or a pinned template version
//   - run a task to completion synchronously, or one pass at a time
//   - read tasks, readiness and transition history
//   - cancel tasks and manually resolve failed steps
//   - recover steps left in progress by a crashed process
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//
// # TemplateBuilder
//
// TemplateBuilder is the fluent API used to define templates in Go:
//
//	dagflow.NewTemplate("order").
//	    Step("validate", "validate-order").
//	    Step("reserve", "reserve-stock", dagflow.DependsOn("validate")).
//	    Step("charge", "charge-card", dagflow.DependsOn("validate")).
//	    Step("ship", "ship-order", dagflow.DependsOn("reserve", "charge"))
//
// Templates can also be written in YAML and loaded by the dagflow command.
//
// # StepHandler
//
// Steps name a handler registered in a HandlerRegistry. A handler receives
// the task context, the step config and the results of its parent steps, and
// returns its own results. Handlers may be invoked more than once for the
// same step and should be idempotent. Returning RetryAfter overrides the
// backoff delay; returning Permanent blocks the step without further retries.
//
// # Worker
//
// A Worker pulls jobs from a task queue and runs one orchestration pass per
// job. After each pass the job is handed back with a due time that follows
// from the outcome, so a task waiting on a retry timer occupies no goroutine.
//
// # LocalRunner and WorkerBundle
//
// LocalRunner bundles an in-memory engine, queue, and worker for development
// and tests. WorkerBundle does the same on a durable backend, sharing one
// database between task state and the job queue.
package dagflow
