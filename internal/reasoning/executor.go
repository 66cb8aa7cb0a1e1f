package reasoning

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/weftlabs/weft/pkg/schema"
)

// Executor turns a composed task context into a structured result. This is
// the seam where actual task content leaves weft: implementations reason
// over the directives and tool set however they like, weft only coordinates.
type Executor interface {
	// Name identifies the engine for envelope metrics.
	Name() string

	// Execute runs one attempt. Blocking; honors ctx cancellation. Tool
	// invocations go through the task's ToolCaller.
	Execute(ctx context.Context, task *TaskContext) (*TaskResult, error)
}

// TaskContext is everything the reasoning engine sees for one attempt: the
// directives of the loaded capabilities, the interpolated parameters, the
// upstream outputs, and a handle to the loaded tool set.
type TaskContext struct {
	WorkflowID string
	State      string
	Attempt    int
	Directives []string
	Parameters map[string]any
	Input      map[string]any
	Upstream   map[string]any // state name -> envelope data
	Tools      ToolCaller
}

// ToolCaller exposes the executor's loaded tool set to the reasoning engine.
// The runtime wires schema validation, circuit breaking, and outcome
// accounting behind CallTool; engines never touch tools directly.
type ToolCaller interface {
	Tools() []ToolInfo
	CallTool(ctx context.Context, name string, params map[string]any) (json.RawMessage, error)
}

// ToolInfo advertises one loaded tool to the engine.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// TaskResult is the structured outcome of one reasoning run.
type TaskResult struct {
	OK        bool            `json:"ok"`
	Summary   string          `json:"summary,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	ToolCalls int             `json:"tool_calls,omitempty"`
}

// ValidateResult rejects results the data plane cannot store: nil results and
// data payloads that are not valid JSON.
func ValidateResult(r *TaskResult) error {
	if r == nil {
		return schema.NewError(schema.ErrCodeValidation, "reasoning returned a nil result")
	}
	if len(r.Data) > 0 && !json.Valid(r.Data) {
		return schema.NewError(schema.ErrCodeValidation, "reasoning result data is not valid JSON")
	}
	return nil
}

// ParseResultText normalizes an engine's final text into envelope data.
// Valid JSON passes through, with markdown code fences stripped first; plain
// text is wrapped as {"text": ...}.
func ParseResultText(text string) json.RawMessage {
	trimmed := strings.TrimSpace(text)
	trimmed = stripCodeFence(trimmed)

	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, err := json.Marshal(map[string]string{"text": trimmed})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}

// stripCodeFence removes a single surrounding markdown fence, with or without
// a language tag.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		rest = rest[idx+1:]
	}
	rest = strings.TrimSuffix(strings.TrimSpace(rest), "```")
	return strings.TrimSpace(rest)
}

// resultFromText builds the TaskResult for an engine's final text, lifting a
// top-level "summary" field out of JSON payloads when present.
func resultFromText(text string, toolCalls int) *TaskResult {
	data := ParseResultText(text)
	res := &TaskResult{OK: true, Data: data, ToolCalls: toolCalls}

	var probe struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(data, &probe); err == nil {
		res.Summary = probe.Summary
	}
	return res
}
