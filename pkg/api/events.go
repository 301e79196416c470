package api

// Event names published to an EventSink.
const (
	EventTaskSubmitted    = "task.submitted"
	EventTaskTransitioned = "task.transitioned"
	EventStepTransitioned = "step.transitioned"

	EventViableStepsDiscovered = "workflow.viable_steps_discovered"
	EventStepDispatched        = "step.dispatched"
	EventStepClaimConflict     = "step.claim_conflict"
	EventStepResultDiscarded   = "step.result_discarded"

	EventTaskFinalized = "task.finalized"
	EventLoopSleeping  = "workflow.sleeping"

	// EventNoViableSteps signals a task with nothing runnable, nothing in
	// flight and nothing waiting on backoff. It should never persist.
	EventNoViableSteps = "workflow.no_viable_steps"
)

// Payload keys shared by the published events.
const (
	KeyEntityType = "entity_type"
	KeyEntityID   = "entity_id"
	KeyTaskID     = "task_id"
	KeyStepID     = "step_id"
	KeyStepName   = "step_name"
	KeyFromState  = "from_state"
	KeyToState    = "to_state"
	KeySortKey    = "sort_key"
	KeyMetadata   = "metadata"
	KeyDecision   = "decision"
	KeySteps      = "steps"
	KeyAttempt    = "attempt"
	KeyError      = "error"
	KeyDuration   = "duration"
	KeyUntil      = "until"
	KeyTaskName   = "task_name"
)

// TransitionPayload builds the payload published for a transition.
func TransitionPayload(tr Transition) map[string]any {
	return map[string]any{
		KeyEntityType: string(tr.EntityType),
		KeyEntityID:   tr.EntityID,
		KeyTaskID:     tr.TaskID,
		KeyFromState:  string(tr.FromState),
		KeyToState:    string(tr.ToState),
		KeySortKey:    tr.SortKey,
		KeyMetadata:   tr.Metadata,
	}
}
