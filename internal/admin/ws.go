package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The admin surface is expected to sit behind its own access control.
		return true
	},
}

// handleEventStream upgrades the connection and streams bus notifications as
// JSON messages. An optional workflow_id query filters to one run. The stream
// is observational: dropping it loses nothing, the control plane stays
// authoritative.
func (s *Server) handleEventStream(c *gin.Context) {
	workflowID := c.Query("workflow_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.deps.Logger.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	consumer := fmt.Sprintf("admin-ws-%s", uuid.New().String()[:8])
	ch, cancel, err := s.deps.Bus.Subscribe(c.Request.Context(), consumer)
	if err != nil {
		s.deps.Logger.Error("websocket subscribe failed", slog.Any("error", err))
		return
	}
	defer cancel()

	s.deps.Logger.Info("event stream opened",
		slog.String("consumer", consumer),
		slog.String("workflow_id", workflowID),
	)

	// Reader goroutine: its only job is noticing the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if workflowID != "" && n.WorkflowID != workflowID {
				continue
			}
			data, marshalErr := json.Marshal(n)
			if marshalErr != nil {
				continue
			}
			if writeErr := conn.WriteMessage(websocket.TextMessage, data); writeErr != nil {
				return
			}
		}
	}
}
