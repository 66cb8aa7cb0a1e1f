package schema

import "encoding/json"

// WorkflowDefinition is the versioned JSON workflow format.
// Agents provide this via weft.run_workflow (inline) or publish it as a
// reusable definition other workflows import.
type WorkflowDefinition struct {
	WorkflowID string                     `json:"workflow_id"`
	Version    string                     `json:"version,omitempty"`
	StartAt    string                     `json:"start_at"`
	States     map[string]StateDefinition `json:"states"`
	Imports    []ImportRef                `json:"imports,omitempty"`
	Metadata   map[string]any             `json:"metadata,omitempty"`
}

// ImportRef pulls another definition's states into this workflow under an
// alias prefix ("alias.state_name").
type ImportRef struct {
	Alias string `json:"alias"`
	Ref   string `json:"ref"` // identifier handed to the import resolver
}

// StateDefinition describes one node of the workflow DAG.
// Exactly one transition form must be set: next, end, or branches.
type StateDefinition struct {
	Type    StateType `json:"type"`
	Comment string    `json:"comment,omitempty"`

	// Task states only: what the state needs to run.
	CapabilityBindings []CapabilityBinding `json:"capability_bindings,omitempty"`

	// Parameters composed for the state body. Supports ${{ }} interpolation
	// and jq mapping against upstream outputs and workflow input.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// ResultPath is a jq expression applied to the raw result before it is
	// written into the output envelope. Empty keeps the whole result.
	ResultPath string `json:"result_path,omitempty"`

	Retry          *RetryPolicy `json:"retry,omitempty"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`

	// Transition forms.
	Next     string   `json:"next,omitempty"`
	End      bool     `json:"end,omitempty"`
	Branches []Branch `json:"branches,omitempty"`

	// Wait states.
	WaitSeconds int `json:"wait_seconds,omitempty"`

	// Fail states.
	Error string `json:"error,omitempty"`
	Cause string `json:"cause,omitempty"`
}

// Branch is one outgoing edge of a parallel or choice state.
// Parallel states dispatch every branch; choice states dispatch the first
// branch whose condition evaluates true. An empty When is the choice default.
type Branch struct {
	When string `json:"when,omitempty"` // CEL expression
	Next string `json:"next"`
}

// StateType enumerates the kinds of states in a workflow.
type StateType string

const (
	StateTypeTask     StateType = "task"
	StateTypeParallel StateType = "parallel"
	StateTypeChoice   StateType = "choice"
	StateTypeWait     StateType = "wait"
	StateTypePass     StateType = "pass"
	StateTypeFail     StateType = "fail"
	StateTypeSucceed  StateType = "succeed"
)

// RetryPolicy bounds re-execution of a state.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`        // attempts ceiling, not extra retries
	Backoff     string `json:"backoff,omitempty"`   // constant | linear | exponential (default: exponential)
	DelayMS     int    `json:"delay_ms,omitempty"`  // initial delay in milliseconds
}

// DefaultMaxAttempts applies when a task state declares no retry policy.
const DefaultMaxAttempts = 3

// Ceiling returns the effective attempts ceiling for the policy.
func (p *RetryPolicy) Ceiling() int {
	if p == nil || p.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return p.MaxAttempts
}

// TransitionForms counts how many transition forms the state sets.
// A valid state sets exactly one.
func (s *StateDefinition) TransitionForms() int {
	n := 0
	if s.Next != "" {
		n++
	}
	if s.End {
		n++
	}
	if len(s.Branches) > 0 {
		n++
	}
	return n
}

// Targets returns every state name this state can transition to.
func (s *StateDefinition) Targets() []string {
	if s.Next != "" {
		return []string{s.Next}
	}
	targets := make([]string, 0, len(s.Branches))
	for _, b := range s.Branches {
		targets = append(targets, b.Next)
	}
	return targets
}

// IsTerminal reports whether the state ends its path of the workflow.
func (s *StateDefinition) IsTerminal() bool {
	return s.End || s.Type == StateTypeSucceed || s.Type == StateTypeFail
}
