// Package api contains the core building blocks used by the dagflow
// orchestration engine: the task and step data model, the lifecycle states,
// the error taxonomy, the step handler contract and the event sinks.
//
// Most users interact with the higher-level dagflow package, which re-exports
// selected types and helpers from this package. The api package is intended
// for advanced use cases, custom integrations, or contributors extending the
// engine itself.
//
// # Tasks and Steps
//
// A Task is one execution of a named TaskTemplate. It owns an ordered set of
// Steps connected by dependency Edges that form a DAG. Neither tasks nor
// steps store their state directly: the current state of an entity is the
// to-state of its most recent Transition, and the transition log is the only
// source of truth.
//
// # Step Handlers
//
// A StepHandler executes the work behind a step. Handlers are looked up by
// name in a HandlerRegistry that is constructed by the caller and passed to
// the engine. A handler reports failure through its error return; wrap the
// error with RetryAfter to request a specific backoff, or with Permanent to
// stop further retries.
//
// # Events
//
// Every state transition and every major orchestration decision is published
// to an EventSink. The package ships logging, in-memory metrics, channel and
// composite sinks; the dagflow package adds a Prometheus sink.
package api
