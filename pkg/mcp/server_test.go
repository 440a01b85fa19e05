package mcp

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/pkg/schema"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"funnel.status", "Get a conversation with its stage path and tags"},
		{"funnel.query", "Query conversations, executions, script logs, or messages"},
		{"funnel.deliver", "Inject an inbound text message from a contact"},
		{"funnel.cancel", "Cancel a conversation"},
		{"funnel.resume", "Resume an active conversation that has no running runtime"},
	}

	s := NewServer(ServerDeps{})
	require.Len(t, s.mcpServer.ListTools(), len(tests))

	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestForwardSkipsUnknownOperators(t *testing.T) {
	s := NewServer(ServerDeps{Logger: quietLogger()})
	// operator registered with a session the MCP server never saw
	s.sessions.Register("ops", "gone")

	events := make(chan schema.Event, 1)
	events <- schema.Event{Type: schema.EventConversationStatusChanged, ConversationID: "c"}
	close(events)

	done := make(chan struct{})
	go func() {
		s.forward(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("forward did not return after events closed")
	}

	_, ok := s.sessions.SessionFor("ops")
	assert.False(t, ok, "expired session is dropped")
}

func TestNotification(t *testing.T) {
	tests := []struct {
		name  string
		event schema.Event
		level mcp.LoggingLevel
	}{
		{"completed", schema.Event{
			Type: schema.EventConversationStatusChanged, ConversationID: "c",
			Payload: map[string]any{"from": "AWAITING", "to": "COMPLETED"},
		}, mcp.LoggingLevelInfo},
		{"broken", schema.Event{
			Type: schema.EventConversationStatusChanged, ConversationID: "c",
			Payload: map[string]any{"from": "CREATED", "to": "BROKEN"},
		}, mcp.LoggingLevelError},
		{"call failed", schema.Event{Type: schema.EventCallFailed, ConversationID: "c", Stage: "ask_name"}, mcp.LoggingLevelError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := notification(tt.event)
			assert.Equal(t, tt.level, n["level"])
			assert.Equal(t, "funnel", n["logger"])
			data := n["data"].(map[string]any)
			assert.Equal(t, tt.event.Type, data["type"])
			assert.Equal(t, "c", data["conversation_id"])
		})
	}
}
