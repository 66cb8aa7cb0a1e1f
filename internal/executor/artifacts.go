package executor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"

	"github.com/weftlabs/weft/pkg/schema"
)

// ArtifactStore moves produced blobs out of the data plane. Implementations
// return a stable URI the envelope can reference.
type ArtifactStore interface {
	Put(ctx context.Context, workflowID, state, name, contentType string, data []byte) (string, error)
}

// inlineArtifact is the shape a reasoning result uses to hand back a blob:
// a top-level "artifacts" array whose entries carry either inline data
// (offloaded here) or a uri (passed through as-is).
type inlineArtifact struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	Data        string `json:"data,omitempty"`
	Encoding    string `json:"encoding,omitempty"` // "base64" or empty for utf-8 text
	URI         string `json:"uri,omitempty"`
}

// offloadArtifacts extracts the "artifacts" array from the result data,
// stores inline blobs, and returns the data without the array plus the
// resulting references. With no artifact store configured, inline blobs stay
// in the data untouched; uri entries still become references.
func (e *Executor) offloadArtifacts(ctx context.Context, workflowID, state string, data json.RawMessage) (json.RawMessage, []schema.ArtifactRef, error) {
	if len(data) == 0 {
		return data, nil, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return data, nil, nil
	}
	raw, ok := doc["artifacts"]
	if !ok {
		return data, nil, nil
	}

	var inline []inlineArtifact
	if err := json.Unmarshal(raw, &inline); err != nil {
		return data, nil, nil
	}

	refs := make([]schema.ArtifactRef, 0, len(inline))
	for _, a := range inline {
		if a.URI != "" {
			refs = append(refs, schema.ArtifactRef{Name: a.Name, URI: a.URI, ContentType: a.ContentType})
			continue
		}
		if e.artifacts == nil || a.Name == "" {
			// Nowhere to put it; leave the data intact so nothing is lost.
			return data, refs, nil
		}

		blob := []byte(a.Data)
		if a.Encoding == "base64" {
			decoded, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				return data, nil, schema.NewErrorf(schema.ErrCodeValidation,
					"artifact %q declares base64 encoding but does not decode: %s", a.Name, err.Error()).
					WithState(state)
			}
			blob = decoded
		}

		uri, err := e.artifacts.Put(ctx, workflowID, state, a.Name, a.ContentType, blob)
		if err != nil {
			return data, nil, schema.NewErrorf(schema.ErrCodeStore,
				"offload artifact %q: %s", a.Name, err.Error()).WithState(state).WithCause(err)
		}
		refs = append(refs, schema.ArtifactRef{
			Name:        a.Name,
			URI:         uri,
			ContentType: a.ContentType,
			SizeBytes:   int64(len(blob)),
		})
		e.logger.Debug("artifact offloaded",
			slog.String("workflow_id", workflowID),
			slog.String("state", state),
			slog.String("artifact", a.Name),
			slog.Int("bytes", len(blob)),
		)
	}

	delete(doc, "artifacts")
	trimmed, err := json.Marshal(doc)
	if err != nil {
		return data, refs, nil
	}
	return trimmed, refs, nil
}
