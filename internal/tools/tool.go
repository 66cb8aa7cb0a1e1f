package tools

import (
	"context"
	"encoding/json"
)

// Tool is one invocable unit an executor exposes to the reasoning engine for
// the duration of a state. Builtins are registered once per process; MCP
// tools are bound per descriptor through a provider subprocess.
type Tool interface {
	Name() string
	Schema() ToolSchema
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
	Validate(params map[string]any) error
}

// ToolSchema describes a tool's input/output contract.
type ToolSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// Invocation is one tool call.
type Invocation struct {
	Params  map[string]any    `json:"params"`
	Context InvocationContext `json:"context"`
}

// InvocationContext identifies the execution a call belongs to and carries
// the secrets the loader materialized for the owning descriptor. Secrets
// never appear in params, envelopes, or logs.
type InvocationContext struct {
	WorkflowID string            `json:"workflow_id,omitempty"`
	State      string            `json:"state,omitempty"`
	ExecutorID string            `json:"executor_id,omitempty"`
	Secrets    map[string]string `json:"-"`
}

// Result is the outcome of a tool invocation.
type Result struct {
	Data json.RawMessage `json:"data,omitempty"`
}

// ToolInfo summarizes a registered tool for listing.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}
