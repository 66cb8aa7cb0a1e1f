package reasoning

import (
	"encoding/json"
	"strings"
)

// PromptContext is the task document serialized into the engine's user
// message. It carries every fact the engine may rely on; anything not in
// here does not exist as far as the engine is concerned.
type PromptContext struct {
	WorkflowID string         `json:"workflow_id"`
	State      string         `json:"state"`
	Attempt    int            `json:"attempt,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Input      map[string]any `json:"input,omitempty"`
	Upstream   map[string]any `json:"upstream,omitempty"`
}

const baseDirective = "You execute one workflow state. Use the available tools to do the work, " +
	"then respond with a single JSON object holding the state's output. " +
	"Include a short \"summary\" string field describing what was done."

// SystemPrompt composes the engine's system text: the base execution
// directive followed by the directives of every loaded capability, in load
// order.
func SystemPrompt(task *TaskContext) string {
	parts := []string{baseDirective}
	for _, d := range task.Directives {
		d = strings.TrimSpace(d)
		if d != "" {
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, "\n\n")
}

// UserPrompt serializes the task facts into the engine's user message.
func UserPrompt(task *TaskContext) string {
	pc := PromptContext{
		WorkflowID: task.WorkflowID,
		State:      task.State,
		Attempt:    task.Attempt,
		Parameters: task.Parameters,
		Input:      task.Input,
		Upstream:   task.Upstream,
	}
	doc, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		// Fallback guaranteed to succeed: only uses string literal keys.
		doc = []byte(`{"workflow_id":"` + task.WorkflowID + `","state":"` + task.State + `"}`)
	}
	return "Task:\n" + string(doc)
}
