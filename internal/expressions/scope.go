package expressions

import (
	"encoding/json"
	"sync"

	"github.com/weftlabs/weft/pkg/schema"
)

// Scope holds the data visible to expressions during one state execution:
// upstream state outputs, the workflow input, and workflow metadata. Outputs
// are frozen on insert (deep-copied) and immutable afterwards, matching the
// append-once envelope semantics they come from.
//
// CEL conditions see the namespaces directly (states.fetch.count); the
// interpolator addresses outputs as ${{states.fetch.output.count}}.
type Scope struct {
	mu       sync.RWMutex
	states   map[string]any // state name -> parsed envelope data
	input    map[string]any // workflow input
	workflow map[string]any // workflow metadata (workflow_id, attempt, ...)
}

// NewScope creates a scope with workflow-level data. input and workflow are
// deep-copied so later caller mutation cannot leak in.
func NewScope(input, workflow map[string]any) *Scope {
	return &Scope{
		states:   make(map[string]any),
		input:    deepCopyMap(input),
		workflow: deepCopyMap(workflow),
	}
}

// AddStateOutput registers a completed upstream state's envelope data. The
// value is frozen at insertion; re-registering the same state is rejected
// because envelopes are append-once and a state's visible output never
// changes within one execution.
func (s *Scope) AddStateOutput(state string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.states[state]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"output for state %q already registered in scope", state)
	}

	if len(data) == 0 {
		s.states[state] = nil
		return nil
	}

	var parsed any
	if err := json.Unmarshal(data, &parsed); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"cannot parse output of state %q: %s", state, err.Error())
	}

	s.states[state] = deepCopyAny(parsed)
	return nil
}

// StateOutput returns the frozen output of an upstream state.
func (s *Scope) StateOutput(state string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.states[state]
	return v, ok
}

// States returns a copy of the registered state names.
func (s *Scope) States() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.states))
	for name := range s.states {
		names = append(names, name)
	}
	return names
}

// Vars snapshots the scope as an activation map for expression engines. The
// result is fully copied and safe to hand to concurrent evaluations.
func (s *Scope) Vars() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return map[string]any{
		"states":   deepCopyMap(s.states),
		"input":    deepCopyMap(s.input),
		"workflow": deepCopyMap(s.workflow),
	}
}

// --- deep copy helpers ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively copies maps and slices; primitives pass through.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
