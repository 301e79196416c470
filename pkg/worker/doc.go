// Package worker provides the background worker used to drive dagflow tasks
// forward asynchronously.
//
// A worker consumes process-task jobs from a task queue. Each job runs a
// single orchestration pass over one task: viable steps are claimed and
// executed, and the task is evaluated. The job is then rescheduled according
// to the outcome:
//
//   - all steps done, task blocked, or task cancelled: the job is removed
//   - more steps are ready: the job is due again immediately
//   - failed steps wait on their backoff: the job is due at the earliest
//     retry time
//   - nothing runnable yet: the job is due after the poll interval
//
// A task waiting on a retry timer therefore occupies a queue row, not a
// goroutine.
//
// Passes that fail on storage errors are retried with exponential backoff up
// to Config.MaxAttempts. Other failures (corrupt state, illegal transitions)
// are logged and the job is dropped.
//
// Jobs are leased, not removed, on dequeue. If a worker dies mid-pass its
// lease expires and another worker picks the job up. Passes are safe to
// repeat: every step claim goes through the transition log, so a step is
// never executed twice for the same claim.
//
// Multiple workers, in one process or many, can share the same queue and
// store.
package worker
