package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/weftlabs/weft/internal/compiler"
	"github.com/weftlabs/weft/internal/diagram"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/pkg/schema"
)

// handleRun executes a workflow, either inline or from the definition
// catalog. With detach=true the call returns after seeding and the final
// report is pushed to the session as a notification.
func (s *WeftServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionName := req.GetString("definition_name", "")
	version := req.GetString("version", "")
	inline := mcp.ParseStringMap(req, "definition", nil)
	detach := req.GetString("detach", "") == "true"

	if definitionName == "" && inline == nil {
		return mcp.NewToolResultError("either definition_name or definition is required"), nil
	}

	var input json.RawMessage
	if in := mcp.ParseStringMap(req, "input", nil); in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid input: %v", err)), nil
		}
		input = raw
	}

	def, defErr := s.resolveDefinition(ctx, definitionName, version, inline)
	if defErr != nil {
		return mcp.NewToolResultError(defErr.Error()), nil
	}

	if !detach {
		report, runErr := s.runtime.Run(ctx, def, input)
		if runErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("workflow execution failed: %v", runErr)), nil
		}
		return marshalResult(report)
	}

	// Seed synchronously so validation errors surface here, then let the run
	// finish detached. The watching session gets the report as a push.
	if _, seedErr := s.runtime.Seed(ctx, def, input); seedErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("seed failed: %v", seedErr)), nil
	}
	s.captureWatch(ctx, def.WorkflowID)
	go s.runDetached(def, input)

	return marshalResult(map[string]any{
		"workflow_id": def.WorkflowID,
		"status":      schema.WorkflowStatusRunning,
	})
}

// resolveDefinition produces the definition to run: inline takes priority,
// otherwise the catalog is consulted and the run gets a fresh workflow ID.
func (s *WeftServer) resolveDefinition(ctx context.Context, name, version string, inline map[string]any) (*schema.WorkflowDefinition, error) {
	if inline != nil {
		raw, err := json.Marshal(inline)
		if err != nil {
			return nil, fmt.Errorf("invalid definition: %w", err)
		}
		var def schema.WorkflowDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return nil, fmt.Errorf("invalid definition: %w", err)
		}
		if def.WorkflowID == "" {
			def.WorkflowID = fmt.Sprintf("wf-%s", uuid.New().String()[:8])
		}
		return &def, nil
	}

	rec, err := s.store.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("definition lookup failed: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(rec.Raw, &def); err != nil {
		return nil, fmt.Errorf("definition %s@%s is not valid JSON: %w", rec.Name, rec.Version, err)
	}
	def.WorkflowID = fmt.Sprintf("%s-%s", rec.Name, uuid.New().String()[:8])
	return &def, nil
}

// runDetached drives the run on a background context and pushes the final
// report to the watching session.
func (s *WeftServer) runDetached(def *schema.WorkflowDefinition, input json.RawMessage) {
	ctx := context.Background()
	report, err := s.runtime.Run(ctx, def, input)

	payload := map[string]any{"workflow_id": def.WorkflowID}
	if err != nil {
		payload["status"] = schema.WorkflowStatusFailed
		payload["error"] = err.Error()
	} else {
		payload["status"] = report.Status
		payload["done"] = report.Done
		payload["failed"] = report.Failed
	}
	if notifyErr := s.notifier.Notify(ctx, def.WorkflowID, payload); notifyErr != nil {
		s.logger.Warn("completion push failed",
			"workflow_id", def.WorkflowID, "error", notifyErr)
	}
	s.watches.Unwatch(def.WorkflowID)
}

// handleStatus returns the run's status and a per-state progress summary.
func (s *WeftServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	meta, metaErr := s.store.GetWorkflowMeta(ctx, workflowID)
	if metaErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", metaErr)), nil
	}
	records, recErr := s.store.ListStateRecords(ctx, workflowID)
	if recErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", recErr)), nil
	}

	states := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		entry := map[string]any{
			"state":    rec.State,
			"status":   rec.Status,
			"attempts": rec.Attempts,
		}
		if rec.LastError != "" {
			entry["last_error"] = rec.LastError
		}
		states = append(states, entry)
	}

	return marshalResult(map[string]any{
		"workflow_id": meta.WorkflowID,
		"status":      meta.Status,
		"aborted":     meta.Aborted,
		"states":      states,
	})
}

// handleOutput returns the latest envelope a state wrote.
func (s *WeftServer) handleOutput(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	state, err := req.RequireString("state")
	if err != nil {
		return mcp.NewToolResultError("state is required"), nil
	}

	env, envErr := s.store.LatestEnvelope(ctx, workflowID, state)
	if envErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("envelope lookup failed: %v", envErr)), nil
	}
	return marshalResult(env)
}

// handleAbort requests a cooperative abort.
func (s *WeftServer) handleAbort(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	if abortErr := s.runtime.Abort(ctx, workflowID); abortErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("abort failed: %v", abortErr)), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"aborted":     true,
	})
}

// handleDefine publishes a workflow definition with auto-versioning.
func (s *WeftServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	raw, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(raw, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	version := req.GetString("version", "")
	if version == "" {
		version = s.nextVersion(ctx, name)
	}

	storeErr := s.store.PutDefinition(ctx, &store.Definition{
		Name:        name,
		Version:     version,
		Description: req.GetString("description", ""),
		Raw:         raw,
	})
	if storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store definition: %v", storeErr)), nil
	}

	return marshalResult(map[string]any{
		"name":    name,
		"version": version,
	})
}

// handlePublish publishes a capability descriptor to the catalog.
func (s *WeftServer) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	descRaw := mcp.ParseStringMap(req, "descriptor", nil)
	if descRaw == nil {
		return mcp.NewToolResultError("descriptor is required"), nil
	}

	raw, marshalErr := json.Marshal(descRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid descriptor: %v", marshalErr)), nil
	}
	var desc schema.CapabilityDescriptor
	if unmarshalErr := json.Unmarshal(raw, &desc); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid descriptor: %v", unmarshalErr)), nil
	}

	name, version, idErr := schema.ParseManifestID(desc.ManifestID)
	if idErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid manifest_id: %v", idErr)), nil
	}

	storeErr := s.store.PutManifest(ctx, &store.CapabilityManifest{
		ManifestID: desc.ManifestID,
		Name:       name,
		Version:    version,
		Summary:    req.GetString("summary", ""),
		Descriptor: raw,
		Enabled:    true,
	})
	if storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store capability: %v", storeErr)), nil
	}

	return marshalResult(map[string]any{
		"manifest_id": desc.ManifestID,
	})
}

// handleQuery lists workflows, events, capabilities, or definitions.
func (s *WeftServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "workflows":
		return s.queryWorkflows(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "capabilities":
		return s.queryCapabilities(ctx, filter)
	case "definitions":
		return s.queryDefinitions(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *WeftServer) queryWorkflows(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	wf := store.WorkflowFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		ws := schema.WorkflowStatus(status)
		wf.Status = &ws
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			wf.Since = &t
		}
	}

	workflows, err := s.store.ListWorkflows(ctx, wf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"workflows": workflows})
}

func (s *WeftServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID, _ := filter["workflow_id"].(string)
	if workflowID == "" {
		return mcp.NewToolResultError("event query requires 'workflow_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.store.GetEvents(ctx, workflowID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *WeftServer) queryCapabilities(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	limit := extractInt(filter, "limit", 50)

	if q, ok := filter["q"].(string); ok && q != "" {
		manifests, err := s.store.SearchManifests(ctx, q, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"capabilities": manifests})
	}

	mf := store.ManifestFilter{Limit: limit}
	if name, ok := filter["name"].(string); ok {
		mf.Name = name
	}
	manifests, err := s.store.ListManifests(ctx, mf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"capabilities": manifests})
}

func (s *WeftServer) queryDefinitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	defs, err := s.store.ListDefinitions(ctx, extractInt(filter, "limit", 0))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

// handleDiagram renders a run's plan in the requested format.
func (s *WeftServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}

	meta, metaErr := s.store.GetWorkflowMeta(ctx, workflowID)
	if metaErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("workflow not found: %v", metaErr)), nil
	}
	plan, planErr := compiler.UnmarshalPlan(meta.Plan)
	if planErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("plan decode failed: %v", planErr)), nil
	}
	records, recErr := s.store.ListStateRecords(ctx, workflowID)
	if recErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("state lookup failed: %v", recErr)), nil
	}

	model := diagram.Build(plan, records)

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "image":
		png, imgErr := diagram.RenderImage(model)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("format must be ascii, mermaid, or image"), nil
	}
}

// --- Internal helpers ---

// nextVersion computes the next semver-ish version for a definition name by
// bumping the latest version's last numeric component.
func (s *WeftServer) nextVersion(ctx context.Context, name string) string {
	latest, err := s.store.GetDefinition(ctx, name, "")
	if err != nil {
		return "1.0.0"
	}
	parts := strings.Split(latest.Version, ".")
	if n, convErr := strconv.Atoi(parts[len(parts)-1]); convErr == nil {
		parts[len(parts)-1] = strconv.Itoa(n + 1)
		return strings.Join(parts, ".")
	}
	return latest.Version + ".1"
}

// captureWatch maps the workflow run to the current MCP session for pushes.
func (s *WeftServer) captureWatch(ctx context.Context, workflowID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.watches.Watch(workflowID, session.SessionID())
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
