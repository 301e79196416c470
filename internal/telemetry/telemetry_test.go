package telemetry

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/dagflow/pkg/api"
)

func TestPrometheusSink_CountsEvents(t *testing.T) {
	s := NewPrometheusSink()
	ctx := context.Background()

	s.Publish(ctx, api.EventTaskSubmitted, map[string]any{api.KeyTaskID: "t1"})
	s.Publish(ctx, api.EventStepTransitioned, api.TransitionPayload(api.Transition{
		EntityType: api.EntityStep, EntityID: "s1", TaskID: "t1",
		FromState: api.StatePending, ToState: api.StateInProgress, SortKey: 2,
	}))
	s.Publish(ctx, api.EventStepTransitioned, api.TransitionPayload(api.Transition{
		EntityType: api.EntityStep, EntityID: "s1", TaskID: "t1",
		FromState: api.StateInProgress, ToState: api.StateComplete, SortKey: 3,
	}))
	s.Publish(ctx, api.EventStepDispatched, nil)
	s.Publish(ctx, api.EventStepClaimConflict, nil)
	s.Publish(ctx, api.EventTaskFinalized, map[string]any{api.KeyDecision: string(api.DecisionAllComplete)})
	s.Publish(ctx, api.EventLoopSleeping, map[string]any{api.KeyDecision: string(api.DecisionAwaitingRetryBackoff)})
	s.Publish(ctx, "unrelated.event", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.submitted))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.transitions.WithLabelValues("step", "complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.transitions.WithLabelValues("step", "in_progress")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.dispatched))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.conflicts))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.finalized.WithLabelValues("all_complete")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.sleeps.WithLabelValues("awaiting_retry_backoff")))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.noViable))
}

func TestPrometheusSink_Handler(t *testing.T) {
	s := NewPrometheusSink()
	s.Publish(context.Background(), api.EventNoViableSteps, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "dagflow_no_viable_steps_total 1"))
}

func TestTracerProvider_NoEndpointIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), TracingConfig{})
	require.NoError(t, err)
	assert.False(t, tp.Enabled())

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestTracerProvider_WithEndpoint(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), TracingConfig{Endpoint: "localhost:4318", Insecure: true})
	require.NoError(t, err)
	assert.True(t, tp.Enabled())

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = tp.Shutdown(ctx)
}
