package schema

// Event type constants for the append-only audit log.
const (
	EventWorkflowSeeded    = "workflow_seeded"
	EventWorkflowSucceeded = "workflow_succeeded"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowAborted   = "workflow_aborted"

	EventNudgeDispatched = "nudge_dispatched"
	EventNudgeDropped    = "nudge_dropped"

	EventLeaseAcquired  = "lease_acquired"
	EventLeaseReleased  = "lease_released"
	EventLeaseReclaimed = "lease_reclaimed"
	EventFenceRejected  = "fence_rejected"

	EventStateStarted  = "state_started"
	EventStateDone     = "state_done"
	EventStateFailed   = "state_failed"
	EventStateRetrying = "state_retrying"
	EventChoiceResolved = "choice_resolved"

	EventCapabilityResolved  = "capability_resolved"
	EventCapabilityGap       = "capability_gap"
	EventCapabilityLoaded    = "capability_loaded"
	EventCapabilityUnloaded  = "capability_unloaded"
	EventCapabilityEscalated = "capability_escalated"

	EventEnvelopeWritten = "envelope_written"

	EventCircuitOpen     = "circuit_open"
	EventCircuitHalfOpen = "circuit_half_open"
	EventCircuitClosed   = "circuit_closed"
)

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusSucceeded WorkflowStatus = "succeeded"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusAborted   WorkflowStatus = "aborted"
)

// Terminal reports whether the workflow has finished.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusSucceeded || s == WorkflowStatusFailed || s == WorkflowStatusAborted
}

// StateStatus represents the lifecycle state of one state record.
type StateStatus string

const (
	StateStatusPending StateStatus = "pending"
	StateStatusBlocked StateStatus = "blocked"
	StateStatusRunning StateStatus = "running"
	StateStatusDone    StateStatus = "done"
	StateStatusFailed  StateStatus = "failed"
)

// Terminal reports whether the state record can no longer change.
func (s StateStatus) Terminal() bool {
	return s == StateStatusDone || s == StateStatusFailed
}
