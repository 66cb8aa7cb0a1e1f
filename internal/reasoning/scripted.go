package reasoning

import (
	"context"
	"encoding/json"
	"sync"
)

// ScriptedStep produces the result for one scripted state.
type ScriptedStep func(ctx context.Context, task *TaskContext) (*TaskResult, error)

// ScriptedExecutor is a deterministic Executor for tests and local runs.
// Each state name maps to a scripted step; unscripted states succeed with an
// empty object so plumbing tests don't have to script every state.
type ScriptedExecutor struct {
	mu    sync.Mutex
	steps map[string]ScriptedStep
	calls map[string]int
}

var _ Executor = (*ScriptedExecutor)(nil)

// NewScriptedExecutor creates an empty ScriptedExecutor.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{
		steps: make(map[string]ScriptedStep),
		calls: make(map[string]int),
	}
}

// Name identifies the engine for envelope metrics.
func (e *ScriptedExecutor) Name() string { return "scripted" }

// Script registers a step for the named state. Chainable.
func (e *ScriptedExecutor) Script(state string, step ScriptedStep) *ScriptedExecutor {
	e.mu.Lock()
	e.steps[state] = step
	e.mu.Unlock()
	return e
}

// ScriptData registers a step that succeeds with the given data.
func (e *ScriptedExecutor) ScriptData(state string, data map[string]any) *ScriptedExecutor {
	return e.Script(state, func(context.Context, *TaskContext) (*TaskResult, error) {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		return &TaskResult{OK: true, Data: raw}, nil
	})
}

// ScriptError registers a step that always fails with err.
func (e *ScriptedExecutor) ScriptError(state string, err error) *ScriptedExecutor {
	return e.Script(state, func(context.Context, *TaskContext) (*TaskResult, error) {
		return nil, err
	})
}

// Calls returns how many times the named state was executed.
func (e *ScriptedExecutor) Calls(state string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[state]
}

// Execute runs the scripted step for the task's state.
func (e *ScriptedExecutor) Execute(ctx context.Context, task *TaskContext) (*TaskResult, error) {
	e.mu.Lock()
	step := e.steps[task.State]
	e.calls[task.State]++
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if step == nil {
		return &TaskResult{OK: true, Data: json.RawMessage(`{}`)}, nil
	}
	return step(ctx, task)
}
