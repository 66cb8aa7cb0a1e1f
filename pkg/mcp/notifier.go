package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// RunNotifier pushes run progress to the session that launched a workflow.
type RunNotifier interface {
	Notify(ctx context.Context, workflowID string, payload map[string]any) error
}

// MCPNotifier implements RunNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	watches   *WatchRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP server.
func NewMCPNotifier(mcpServer *server.MCPServer, watches *WatchRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, watches: watches}
}

// Notify sends a notification to the session watching the workflow.
// Best-effort: returns nil if no session is watching.
func (n *MCPNotifier) Notify(_ context.Context, workflowID string, payload map[string]any) error {
	sessionID, ok := n.watches.SessionFor(workflowID)
	if !ok {
		return nil // nobody watching, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.watches.Drop(sessionID)
		return nil
	}
	return err
}
