// Package mcp serves the funnel admin tools over the Model Context Protocol.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/internal/streaming"
	"github.com/rendis/funnel/pkg/schema"
)

// Controller is the part of the engine the admin tools drive.
// Satisfied by *engine.Engine.
type Controller interface {
	Deliver(ctx context.Context, contact, name string, msgs []schema.Message) error
	Cancel(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Active() []string
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine       Controller
	Store        store.Store
	Hub          streaming.EventHub
	AutomationID string
	Version      string
	Logger       *slog.Logger
}

// Server wraps an MCP server with funnel admin tool handlers.
type Server struct {
	engine       Controller
	store        store.Store
	hub          streaming.EventHub
	automationID string
	logger       *slog.Logger
	sessions     *SessionRegistry
	notifier     *MCPNotifier
	mcpServer    *server.MCPServer
}

// NewServer creates a Server with all 5 tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		engine:       deps.Engine,
		store:        deps.Store,
		hub:          deps.Hub,
		automationID: deps.AutomationID,
		logger:       logger,
		sessions:     NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"funnel",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Funnel runs chat automations. Use funnel.status to inspect a conversation, funnel.query to list conversations, executions, logs or messages, funnel.deliver to inject an inbound message, and funnel.cancel or funnel.resume to control a conversation."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// operatorStatuses are the status changes pushed to operators.
var operatorStatuses = []schema.ConversationStatus{schema.StatusCompleted, schema.StatusCanceled, schema.StatusBroken}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
// Terminal and broken status changes and failed calls are pushed to operators
// that passed operator_id.
func (s *Server) Serve(ctx context.Context) error {
	if s.hub != nil {
		events, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{
			EventTypes: []string{schema.EventConversationStatusChanged, schema.EventCallFailed},
			Statuses:   operatorStatuses,
		})
		if err != nil {
			return err
		}
		defer cancel()
		go s.forward(ctx, events)
	}

	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// forward notifies every registered operator of each event until events closes.
func (s *Server) forward(ctx context.Context, events <-chan schema.Event) {
	for ev := range events {
		for _, op := range s.sessions.Operators() {
			if err := s.notifier.Notify(ctx, op, ev); err != nil {
				s.logger.Warn("notify operator failed",
					slog.String("operator_id", op),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: deliverTool(), Handler: s.handleDeliver},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resumeTool(), Handler: s.handleResume},
	}
}

// --- Tool definitions ---

func statusTool() mcp.Tool {
	return mcp.NewTool("funnel.status",
		mcp.WithDescription("Get a conversation with its stage path and tags"),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("ID of the conversation to inspect")),
		mcp.WithString("operator_id", mcp.Description("Operator to notify about later status changes")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("funnel.query",
		mcp.WithDescription("Query conversations, executions, script logs, or messages"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("conversations", "executions", "logs", "messages"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (conversation_id, contact, status, stage, func, failed_only, level, pending_only, limit)")),
	)
}

func deliverTool() mcp.Tool {
	return mcp.NewTool("funnel.deliver",
		mcp.WithDescription("Inject an inbound text message from a contact"),
		mcp.WithString("contact", mcp.Required(), mcp.Description("Contact identifier, usually a phone number")),
		mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		mcp.WithString("name", mcp.Description("Contact display name")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("funnel.cancel",
		mcp.WithDescription("Cancel a conversation"),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("ID of the conversation to cancel")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("funnel.resume",
		mcp.WithDescription("Resume an active conversation that has no running runtime"),
		mcp.WithString("conversation_id", mcp.Required(), mcp.Description("ID of the conversation to resume")),
	)
}
