package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/funnel/internal/streaming"
	"github.com/rendis/funnel/pkg/schema"
)

// OperatorNotifier pushes conversation events to connected operators.
type OperatorNotifier interface {
	Notify(ctx context.Context, operatorID string, event schema.Event) error
}

// MCPNotifier sends events as MCP log message notifications to the session
// an operator last used.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes through mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends event to the operator's session.
// Best-effort: returns nil if the operator is not connected.
func (n *MCPNotifier) Notify(_ context.Context, operatorID string, event schema.Event) error {
	sessionID, ok := n.sessions.SessionFor(operatorID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", notification(event))
	if errors.Is(err, server.ErrSessionNotFound) {
		// session expired between lookup and send
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// notification shapes event as MCP logging params. Failures and broken
// conversations are errors, everything else is info.
func notification(event schema.Event) map[string]any {
	level := mcp.LoggingLevelInfo
	if event.Type == schema.EventCallFailed {
		level = mcp.LoggingLevelError
	}
	if to, ok := streaming.TargetStatus(event); ok && to == schema.StatusBroken {
		level = mcp.LoggingLevelError
	}
	return map[string]any{
		"level":  level,
		"logger": "funnel",
		"data": map[string]any{
			"type":            event.Type,
			"conversation_id": event.ConversationID,
			"stage":           event.Stage,
			"payload":         event.Payload,
		},
	}
}

var _ OperatorNotifier = (*MCPNotifier)(nil)
