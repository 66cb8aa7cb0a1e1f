package executor

import (
	"github.com/weftlabs/weft/pkg/schema"
)

// Phase is the executor's position in its run loop. An executor handles at
// most one state at a time, so the phase is a property of the executor, not
// of any particular workflow state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseLeasing    Phase = "leasing"
	PhaseResolving  Phase = "resolving"
	PhaseLoaded     Phase = "loaded"
	PhaseExecuting  Phase = "executing"
	PhaseReporting  Phase = "reporting"
	PhaseReleased   Phase = "released"
	PhaseRetrying   Phase = "retrying"
	PhaseEscalating Phase = "escalating"
)

// ValidPhaseTransitions defines the allowed moves through the run loop.
// Leasing returns to Idle on contention; Resolving exits to Escalating on a
// load failure; any phase past acquisition can reach Reporting, because a
// permanent failure is still reported before release. Reporting can exit to
// Retrying because an attempt's envelope is written before the retry
// decision: a reported not-ok result still cycles the lease.
var ValidPhaseTransitions = map[Phase][]Phase{
	PhaseIdle:       {PhaseLeasing},
	PhaseLeasing:    {PhaseResolving, PhaseReporting, PhaseIdle},
	PhaseResolving:  {PhaseLoaded, PhaseEscalating, PhaseRetrying, PhaseReporting},
	PhaseLoaded:     {PhaseExecuting, PhaseRetrying, PhaseReporting},
	PhaseExecuting:  {PhaseReporting, PhaseRetrying},
	PhaseReporting:  {PhaseReleased, PhaseRetrying},
	PhaseReleased:   {PhaseIdle},
	PhaseRetrying:   {PhaseResolving, PhaseReporting, PhaseIdle},
	PhaseEscalating: {PhaseLoaded, PhaseRetrying, PhaseReporting},
}

func isValidPhaseTransition(from, to Phase) bool {
	allowed, ok := ValidPhaseTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// transition moves the executor to the next phase, rejecting moves the table
// does not allow. A rejection is a bug in the run loop, not a runtime
// condition, so it surfaces as an invalid-transition error.
func (e *Executor) transition(to Phase) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !isValidPhaseTransition(e.phase, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid executor phase transition: %s -> %s", e.phase, to).
			WithDetails(map[string]any{"executor_id": e.id, "from": string(e.phase), "to": string(to)})
	}
	e.phase = to
	return nil
}

// Phase returns the executor's current phase.
func (e *Executor) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// resetPhase forces the executor back to Idle regardless of where the run
// loop stopped. Used on the way out of HandleNudge so one broken run cannot
// wedge the executor.
func (e *Executor) resetPhase() {
	e.mu.Lock()
	e.phase = PhaseIdle
	e.mu.Unlock()
}
