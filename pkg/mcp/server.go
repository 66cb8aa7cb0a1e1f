package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/weftlabs/weft/internal/orchestrator"
	"github.com/weftlabs/weft/internal/store"
)

// WeftServerDeps holds the dependencies for creating a WeftServer.
type WeftServerDeps struct {
	Store   store.Store
	Runtime *orchestrator.Runtime
	Logger  *slog.Logger
}

// WeftServer wraps an MCP server with weft-specific tool handlers.
type WeftServer struct {
	store     store.Store
	runtime   *orchestrator.Runtime
	logger    *slog.Logger
	watches   *WatchRegistry
	notifier  *MCPNotifier
	mcpServer *server.MCPServer
}

// NewWeftServer creates a WeftServer with all tools registered.
func NewWeftServer(deps WeftServerDeps) *WeftServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &WeftServer{
		store:   deps.Store,
		runtime: deps.Runtime,
		logger:  logger,
		watches: NewWatchRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"weft",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Weft is a distributed workflow execution engine. Use weft.run to execute workflows, weft.status to check progress, weft.output to read a state's result envelope, weft.abort to stop a run, weft.define to publish workflow definitions, weft.publish to publish capability descriptors, weft.query to list workflows/events/capabilities/definitions, and weft.diagram to render a run's plan."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.watches)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *WeftServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *WeftServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *WeftServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: outputTool(), Handler: s.handleOutput},
		{Tool: abortTool(), Handler: s.handleAbort},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("weft.run",
		mcp.WithDescription("Execute a workflow and wait for the final report"),
		mcp.WithString("definition_name", mcp.Description("Name of a published workflow definition")),
		mcp.WithString("version", mcp.Description("Definition version (default: latest)")),
		mcp.WithObject("definition", mcp.Description("Inline workflow definition (alternative to definition_name)")),
		mcp.WithObject("input", mcp.Description("Initial input for the workflow's start states")),
		mcp.WithString("detach", mcp.Description("Set to 'true' to return immediately after seeding; completion is pushed as a notification")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("weft.status",
		mcp.WithDescription("Get a workflow run's status and per-state progress"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow run to query")),
	)
}

func outputTool() mcp.Tool {
	return mcp.NewTool("weft.output",
		mcp.WithDescription("Read the latest output envelope a state produced"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow run")),
		mcp.WithString("state", mcp.Required(), mcp.Description("Name of the state")),
	)
}

func abortTool() mcp.Tool {
	return mcp.NewTool("weft.abort",
		mcp.WithDescription("Request a cooperative abort of a running workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow run to abort")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("weft.define",
		mcp.WithDescription("Publish a reusable workflow definition to the catalog"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Definition name")),
		mcp.WithString("version", mcp.Description("Definition version (default: auto-incremented)")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
		mcp.WithString("description", mcp.Description("Definition description")),
	)
}

func publishTool() mcp.Tool {
	return mcp.NewTool("weft.publish",
		mcp.WithDescription("Publish a capability descriptor so task states can bind to it"),
		mcp.WithObject("descriptor", mcp.Required(), mcp.Description("Capability descriptor with manifest_id, directives, required_tools, permissions")),
		mcp.WithString("summary", mcp.Description("Searchable one-line summary of the capability")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("weft.query",
		mcp.WithDescription("Query workflows, events, capabilities, or definitions"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "events", "capabilities", "definitions"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, limit, workflow_id, since, q, name)")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("weft.diagram",
		mcp.WithDescription("Render a workflow run's plan. Returns ASCII art, Mermaid flowchart syntax, or base64-encoded PNG image"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("Workflow run to render (includes runtime status overlay)")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("ascii", "mermaid", "image"),
			mcp.Description("Output format: ascii (text), mermaid (flowchart syntax), or image (base64 PNG)"),
		),
	)
}
