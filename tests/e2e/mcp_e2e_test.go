package e2e

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	weftmcp "github.com/weftlabs/weft/pkg/mcp"
	"github.com/weftlabs/weft/pkg/schema"
)

// agentSurface drives the MCP server through full JSON-RPC round trips, the
// way an agent client would.
type agentSurface struct {
	t      *testing.T
	server *weftmcp.WeftServer
}

func newAgentSurface(t *testing.T, h *harness) *agentSurface {
	t.Helper()
	srv := weftmcp.NewWeftServer(weftmcp.WeftServerDeps{
		Store:   h.store,
		Runtime: h.runtime,
	})

	init := map[string]any{
		"jsonrpc": "2.0",
		"id":      0,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "e2e-agent",
				"version": "1.0.0",
			},
		},
	}
	raw, err := json.Marshal(init)
	require.NoError(t, err)
	require.NotNil(t, srv.MCPServer().HandleMessage(context.Background(), raw))

	return &agentSurface{t: t, server: srv}
}

// call invokes one tool over JSON-RPC and returns the parsed result.
func (a *agentSurface) call(toolName string, args map[string]any) *mcp.CallToolResult {
	a.t.Helper()

	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      toolName,
			"arguments": args,
		},
	})
	require.NoError(a.t, err)

	resp := a.server.MCPServer().HandleMessage(context.Background(), raw)
	require.NotNil(a.t, resp)
	respBytes, err := json.Marshal(resp)
	require.NoError(a.t, err)

	var rpcResp struct {
		Result *mcp.CallToolResult `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(a.t, json.Unmarshal(respBytes, &rpcResp))
	if rpcResp.Error != nil {
		a.t.Fatalf("JSON-RPC error: code=%d msg=%s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	require.NotNil(a.t, rpcResp.Result)
	return rpcResp.Result
}

// text extracts the first text content block.
func (a *agentSurface) text(result *mcp.CallToolResult) string {
	a.t.Helper()
	require.NotEmpty(a.t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

// decode parses the first text content block as JSON.
func (a *agentSurface) decode(result *mcp.CallToolResult, target any) {
	a.t.Helper()
	require.False(a.t, result.IsError, "tool returned error: %s", a.text(result))
	require.NoError(a.t, json.Unmarshal([]byte(a.text(result)), target))
}

// TestAgentLifecycle walks the whole agent surface: publish a capability,
// define a workflow, run it from the catalog, then inspect status, output,
// diagram, and the workflow listing.
func TestAgentLifecycle(t *testing.T) {
	h := newHarness(t)
	agent := newAgentSurface(t, h)

	h.scripted.ScriptData("pull", map[string]any{"rows": 3})

	// Publish the capability the definition binds.
	publishResult := agent.call("weft.publish", map[string]any{
		"descriptor": map[string]any{
			"manifest_id": "shaper@1.0.0",
			"directives":  "reshape and fingerprint the state's input",
			"required_tools": []any{
				map[string]any{"name": "transform", "binding": "builtin", "target": "jq.transform"},
				map[string]any{"name": "hash", "binding": "builtin", "target": "crypto.hash"},
			},
			"permissions": map[string]any{"egress": "none"},
		},
		"summary": "data shaping over jq and hashing",
	})
	var published struct {
		ManifestID string `json:"manifest_id"`
	}
	agent.decode(publishResult, &published)
	assert.Equal(t, "shaper@1.0.0", published.ManifestID)

	// Define the two-state pipeline.
	defineResult := agent.call("weft.define", map[string]any{
		"name": "etl",
		"definition": map[string]any{
			"workflow_id": "etl",
			"start_at":    "pull",
			"states": map[string]any{
				"pull": map[string]any{
					"type":                "task",
					"capability_bindings": []any{map[string]any{"ref": "shaper@1.0.0"}},
					"retry":               map[string]any{"max_attempts": 1},
					"next":                "shape",
				},
				"shape": map[string]any{
					"type":                "task",
					"capability_bindings": []any{map[string]any{"ref": "shaper@1.0.0"}},
					"retry":               map[string]any{"max_attempts": 1},
					"end":                 true,
				},
			},
		},
		"description": "pull then shape",
	})
	var defined struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	agent.decode(defineResult, &defined)
	assert.Equal(t, "etl", defined.Name)
	assert.Equal(t, "1.0.0", defined.Version)

	// Run it by name; the run gets a fresh workflow ID.
	runResult := agent.call("weft.run", map[string]any{
		"definition_name": "etl",
	})
	var report struct {
		WorkflowID string                `json:"workflow_id"`
		Status     schema.WorkflowStatus `json:"status"`
		Done       int                   `json:"done"`
		Failed     int                   `json:"failed"`
	}
	agent.decode(runResult, &report)
	assert.True(t, strings.HasPrefix(report.WorkflowID, "etl-"), "workflow_id: %s", report.WorkflowID)
	assert.Equal(t, schema.WorkflowStatusSucceeded, report.Status)
	assert.Equal(t, 2, report.Done)
	assert.Zero(t, report.Failed)

	// Status reflects both terminal states.
	statusResult := agent.call("weft.status", map[string]any{
		"workflow_id": report.WorkflowID,
	})
	var status struct {
		Status schema.WorkflowStatus `json:"status"`
		States []struct {
			State  string             `json:"state"`
			Status schema.StateStatus `json:"status"`
		} `json:"states"`
	}
	agent.decode(statusResult, &status)
	assert.Equal(t, schema.WorkflowStatusSucceeded, status.Status)
	require.Len(t, status.States, 2)
	for _, s := range status.States {
		assert.Equal(t, schema.StateStatusDone, s.Status)
	}

	// The pull state's envelope carries the scripted output.
	outputResult := agent.call("weft.output", map[string]any{
		"workflow_id": report.WorkflowID,
		"state":       "pull",
	})
	var env struct {
		Envelope schema.OutputEnvelope `json:"envelope"`
	}
	agent.decode(outputResult, &env)
	assert.True(t, env.Envelope.OK)
	assert.JSONEq(t, `{"rows": 3}`, string(env.Envelope.Data))

	// Mermaid diagram of the run.
	diagramResult := agent.call("weft.diagram", map[string]any{
		"workflow_id": report.WorkflowID,
		"format":      "mermaid",
	})
	mermaid := agent.text(diagramResult)
	assert.Contains(t, mermaid, "graph TD")
	assert.Contains(t, mermaid, "pull --> shape")

	// The run shows up in the catalog-wide listing.
	queryResult := agent.call("weft.query", map[string]any{
		"resource": "workflows",
		"filter":   map[string]any{"status": "succeeded"},
	})
	var listing struct {
		Workflows []struct {
			WorkflowID string `json:"workflow_id"`
		} `json:"workflows"`
	}
	agent.decode(queryResult, &listing)
	found := false
	for _, wf := range listing.Workflows {
		if wf.WorkflowID == report.WorkflowID {
			found = true
		}
	}
	assert.True(t, found, "run missing from workflow listing")
}

// TestAgentToolListing verifies the advertised tool surface over JSON-RPC.
func TestAgentToolListing(t *testing.T) {
	h := newHarness(t)
	agent := newAgentSurface(t, h)

	raw, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      2,
		"method":  "tools/list",
	})
	require.NoError(t, err)
	resp := agent.server.MCPServer().HandleMessage(context.Background(), raw)
	require.NotNil(t, resp)

	respBytes, err := json.Marshal(resp)
	require.NoError(t, err)
	var listResp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &listResp))

	names := make(map[string]bool, len(listResp.Result.Tools))
	for _, tool := range listResp.Result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{
		"weft.run", "weft.status", "weft.output", "weft.abort",
		"weft.define", "weft.publish", "weft.query", "weft.diagram",
	} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}
