package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/internal/streaming"
	"github.com/rendis/funnel/pkg/schema"
)

// handleStatus returns a conversation with its path and tags.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id is required"), nil
	}
	if op := req.GetString("operator_id", ""); op != "" {
		s.captureSession(ctx, op)
	}

	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	path, err := s.store.ListPath(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("path query failed: %v", err)), nil
	}
	tags, err := s.store.ListTags(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("tag query failed: %v", err)), nil
	}

	stages := make([]string, 0, len(path))
	for _, p := range path {
		stages = append(stages, p.StageName)
	}
	tagNames := make([]string, 0, len(tags))
	for _, t := range tags {
		tagNames = append(tagNames, t.Name)
	}

	result := map[string]any{
		"conversation": conv,
		"path":         stages,
		"tags":         tagNames,
		"live":         slices.Contains(s.engine.Active(), id),
	}
	if h, ok := s.hub.(streaming.History); ok {
		if recent := h.Recent(id); len(recent) > 0 {
			result["recent_events"] = recent
		}
	}
	return marshalResult(result)
}

// handleQuery lists conversations, executions, logs, or messages based on filters.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "conversations":
		return s.queryConversations(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "logs":
		return s.queryLogs(ctx, filter)
	case "messages":
		return s.queryMessages(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleDeliver injects an inbound text message.
func (s *Server) handleDeliver(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	contact, err := req.RequireString("contact")
	if err != nil {
		return mcp.NewToolResultError("contact is required"), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError("text is required"), nil
	}
	name := req.GetString("name", "")

	if err := s.engine.Deliver(ctx, contact, name, []schema.Message{schema.Text(text)}); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("deliver failed: %v", err)), nil
	}

	result := map[string]any{"ok": true, "contact": contact}
	if conv, err := s.store.FindActiveConversation(ctx, s.automationID, contact); err == nil && conv != nil {
		result["conversation_id"] = conv.ID
		result["status"] = conv.Status
	}
	return marshalResult(result)
}

// handleCancel cancels a conversation.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id is required"), nil
	}
	if err := s.engine.Cancel(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return s.conversationResult(ctx, id)
}

// handleResume restarts the runtime of a detached conversation.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("conversation_id")
	if err != nil {
		return mcp.NewToolResultError("conversation_id is required"), nil
	}
	if err := s.engine.Resume(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", err)), nil
	}
	return s.conversationResult(ctx, id)
}

// --- Query helpers ---

func (s *Server) queryConversations(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	cf := store.ConversationFilter{
		AutomationID: s.automationID,
		Limit:        extractInt(filter, "limit", 50),
	}
	if contact, ok := filter["contact"].(string); ok {
		cf.Contact = contact
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		for _, st := range strings.Split(status, ",") {
			cf.Statuses = append(cf.Statuses, schema.ConversationStatus(strings.ToUpper(strings.TrimSpace(st))))
		}
	}

	convs, err := s.store.ListConversations(ctx, cf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"conversations": convs})
}

func (s *Server) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		AutomationID: s.automationID,
		Limit:        extractInt(filter, "limit", 100),
		FailedOnly:   extractBool(filter, "failed_only"),
	}
	if id, ok := filter["conversation_id"].(string); ok {
		ef.ScriptID = id
	}
	if stage, ok := filter["stage"].(string); ok {
		ef.StageName = stage
	}
	if fn, ok := filter["func"].(string); ok {
		ef.FuncName = fn
	}

	entries, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": entries})
}

func (s *Server) queryLogs(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	id, _ := filter["conversation_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("log query requires 'conversation_id' in filter"), nil
	}
	lf := store.ScriptLogFilter{
		ScriptID: id,
		Limit:    extractInt(filter, "limit", 100),
	}
	if level, ok := filter["level"].(string); ok {
		lf.Level = store.LogLevel(strings.ToLower(level))
	}

	logs, err := s.store.ListScriptLogs(ctx, lf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"logs": logs})
}

func (s *Server) queryMessages(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	id, _ := filter["conversation_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("message query requires 'conversation_id' in filter"), nil
	}
	mf := store.MessageFilter{
		ConversationID: id,
		PendingOnly:    extractBool(filter, "pending_only"),
		Limit:          extractInt(filter, "limit", 100),
	}

	msgs, err := s.store.ListMessages(ctx, mf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"messages": msgs})
}

// --- Internal helpers ---

func (s *Server) conversationResult(ctx context.Context, id string) (*mcp.CallToolResult, error) {
	conv, err := s.store.GetConversation(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"ok":              true,
		"conversation_id": id,
		"status":          conv.Status,
		"stage":           conv.CurrentStage,
	})
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

func extractBool(filter map[string]any, key string) bool {
	switch val := filter[key].(type) {
	case bool:
		return val
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	}
	return false
}

// captureSession maps the operator ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, operatorID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(operatorID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
