package schema

// NotificationType is the single message type of the choreography protocol.
const NotificationType = "notify_start"

// NotifyReason explains why a state is being nudged.
type NotifyReason string

const (
	ReasonInitial      NotifyReason = "initial"
	ReasonUpstreamDone NotifyReason = "upstream_done"
)

// Notification nudges executors that a state looks ready to run. Delivery is
// at-least-once; the nudge id deduplicates and the receiver re-checks
// readiness against the control plane before acting, so redelivery never
// causes double execution.
type Notification struct {
	Type       string       `json:"type"`
	WorkflowID string       `json:"workflow_id"`
	State      string       `json:"state"`
	Reason     NotifyReason `json:"reason"`
	NudgeID    string       `json:"nudge_id"`
}
