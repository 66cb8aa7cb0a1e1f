package schema

import "encoding/json"

// OutputEnvelope is the data-plane record of one execution attempt.
// Envelopes are append-once: a later attempt supersedes an earlier one by
// attempt number, never by mutation.
type OutputEnvelope struct {
	OK        bool            `json:"ok"`
	Summary   string          `json:"summary,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metrics   EnvelopeMetrics `json:"metrics"`
	Artifacts []ArtifactRef   `json:"artifacts,omitempty"`
}

// EnvelopeMetrics carries per-attempt execution measurements.
type EnvelopeMetrics struct {
	LatencyMS int64  `json:"latency_ms"`
	ToolCalls int    `json:"tool_calls,omitempty"`
	Engine    string `json:"engine,omitempty"` // reasoning engine identifier
}

// ArtifactRef points at a blob the attempt produced, stored outside the
// envelope (object store URI or opaque ref).
type ArtifactRef struct {
	Name        string `json:"name"`
	URI         string `json:"uri"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// DataMap decodes the envelope data into a generic map, returning an empty
// map for empty or non-object payloads.
func (e *OutputEnvelope) DataMap() map[string]any {
	if len(e.Data) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(e.Data, &m); err != nil {
		return map[string]any{}
	}
	return m
}
