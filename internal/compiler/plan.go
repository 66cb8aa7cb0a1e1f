package compiler

import (
	"encoding/json"

	"github.com/weftlabs/weft/pkg/schema"
)

// Deps is the graph neighborhood of one state: which states must finish
// before it becomes ready, and which states it can hand off to.
type Deps struct {
	Upstream   []string `json:"upstream,omitempty"`
	Downstream []string `json:"downstream,omitempty"`
}

// ExecutablePlan is the compiled, validated form of a workflow definition.
// Imports are already inlined; the state map is the complete execution graph.
// Plans are immutable after Compile and safe to share across goroutines.
type ExecutablePlan struct {
	WorkflowID string                            `json:"workflow_id"`
	Version    string                            `json:"version,omitempty"`
	StartAt    string                            `json:"start_at"`
	States     map[string]schema.StateDefinition `json:"states"`
	Deps       map[string]Deps                   `json:"deps"`
	Sorted     []string                          `json:"sorted"` // topological order
	Roots      []string                          `json:"roots"`  // states with no upstreams
	Levels     [][]string                        `json:"levels"` // parallel execution levels
	Hash       string                            `json:"hash"`   // canonical SHA-256 of the merged definition
}

// StateDef returns the definition of the named state.
func (p *ExecutablePlan) StateDef(name string) (schema.StateDefinition, bool) {
	s, ok := p.States[name]
	return s, ok
}

// UpstreamOf returns the states that transition into name.
func (p *ExecutablePlan) UpstreamOf(name string) []string {
	return p.Deps[name].Upstream
}

// DownstreamOf returns the states name transitions into.
func (p *ExecutablePlan) DownstreamOf(name string) []string {
	return p.Deps[name].Downstream
}

// Terminals returns every state that ends its path of the workflow, in
// topological order.
func (p *ExecutablePlan) Terminals() []string {
	var out []string
	for _, name := range p.Sorted {
		s := p.States[name]
		if s.IsTerminal() {
			out = append(out, name)
		}
	}
	return out
}

// Marshal serializes the plan for storage in workflow meta.
func (p *ExecutablePlan) Marshal() (json.RawMessage, error) {
	return json.Marshal(p)
}

// UnmarshalPlan restores a plan previously serialized with Marshal.
func UnmarshalPlan(raw json.RawMessage) (*ExecutablePlan, error) {
	if len(raw) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan payload is empty")
	}
	var p ExecutablePlan
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "plan payload is malformed").WithCause(err)
	}
	return &p, nil
}
