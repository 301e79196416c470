// Package telemetry exports dagflow events as Prometheus metrics and sets up
// OpenTelemetry tracing.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/dagflow/pkg/api"
)

const namespace = "dagflow"

// PrometheusSink is an api.EventSink that turns published events into
// Prometheus counters.
type PrometheusSink struct {
	registry *prometheus.Registry

	submitted   prometheus.Counter
	transitions *prometheus.CounterVec
	dispatched  prometheus.Counter
	conflicts   prometheus.Counter
	discarded   prometheus.Counter
	finalized   *prometheus.CounterVec
	noViable    prometheus.Counter
	sleeps      *prometheus.CounterVec
}

// NewPrometheusSink creates the sink and registers its collectors on a
// fresh registry.
func NewPrometheusSink() *PrometheusSink {
	return NewPrometheusSinkWithRegistry(prometheus.NewRegistry())
}

// NewPrometheusSinkWithRegistry registers the sink's collectors on reg.
func NewPrometheusSinkWithRegistry(reg *prometheus.Registry) *PrometheusSink {
	s := &PrometheusSink{
		registry: reg,
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks created from a template.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State transitions appended to the log.",
		}, []string{"entity", "to_state"}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_dispatched_total",
			Help:      "Step handler invocations.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_conflicts_total",
			Help:      "Step claims lost to a concurrent writer.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_results_discarded_total",
			Help:      "Handler outcomes dropped because the step moved on, usually by cancellation.",
		}),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finalized_total",
			Help:      "Terminal finalizer decisions.",
		}, []string{"decision"}),
		noViable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_viable_steps_total",
			Help:      "Passes that found nothing runnable, in flight or waiting.",
		}),
		sleeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_sleeps_total",
			Help:      "Times the orchestration loop parked on a timer.",
		}, []string{"decision"}),
	}
	reg.MustRegister(
		s.submitted, s.transitions, s.dispatched, s.conflicts,
		s.discarded, s.finalized, s.noViable, s.sleeps,
	)
	return s
}

// Registry returns the registry the sink's collectors live on.
func (s *PrometheusSink) Registry() *prometheus.Registry {
	return s.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

func (s *PrometheusSink) Publish(ctx context.Context, name string, payload map[string]any) {
	switch name {
	case api.EventTaskSubmitted:
		s.submitted.Inc()
	case api.EventTaskTransitioned, api.EventStepTransitioned:
		entity, _ := payload[api.KeyEntityType].(string)
		to, _ := payload[api.KeyToState].(string)
		s.transitions.WithLabelValues(entity, to).Inc()
	case api.EventStepDispatched:
		s.dispatched.Inc()
	case api.EventStepClaimConflict:
		s.conflicts.Inc()
	case api.EventStepResultDiscarded:
		s.discarded.Inc()
	case api.EventTaskFinalized:
		decision, _ := payload[api.KeyDecision].(string)
		s.finalized.WithLabelValues(decision).Inc()
	case api.EventNoViableSteps:
		s.noViable.Inc()
	case api.EventLoopSleeping:
		decision, _ := payload[api.KeyDecision].(string)
		s.sleeps.WithLabelValues(decision).Inc()
	}
}
