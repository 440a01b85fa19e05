package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ConversationID(ctx))
	assert.Equal(t, "", ScriptID(ctx))
	assert.Equal(t, "", Stage(ctx))

	ctx = WithConversationID(ctx, "conv-123")
	ctx = WithScriptID(ctx, "#welcome@1")
	ctx = WithStage(ctx, "ask_name")

	assert.Equal(t, "conv-123", ConversationID(ctx))
	assert.Equal(t, "#welcome@1", ScriptID(ctx))
	assert.Equal(t, "ask_name", Stage(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithIDs(context.Background(), "conv-abc", "welcome", "greet")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "conversation_id=conv-abc")
	assert.Contains(t, output, "script_id=welcome")
	assert.Contains(t, output, "stage=greet")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only conversation ID: script and stage should not appear.
	ctx := WithConversationID(context.Background(), "conv-only")
	LogWith(ctx, logger).Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "conversation_id=conv-only")
	assert.NotContains(t, output, "script_id")
	assert.NotContains(t, output, "stage=")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithIDs(context.Background(), "conv-auto", "script-auto", "stage-auto")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"conversation_id":"conv-auto"`)
	assert.Contains(t, output, `"script_id":"script-auto"`)
	assert.Contains(t, output, `"stage":"stage-auto"`)
}

func TestCorrelationHandlerEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	logger.InfoContext(context.Background(), "bare log")

	output := buf.String()
	assert.NotContains(t, output, "conversation_id")
	assert.Contains(t, output, "bare log")
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	logger := slog.New(handler.WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	logger.InfoContext(WithConversationID(context.Background(), "conv-attr"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"conversation_id":"conv-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "text", "debug")
	logger.DebugContext(WithStage(context.Background(), "A"), "hello")
	assert.Contains(t, buf.String(), "stage=A")
	assert.Contains(t, buf.String(), "msg=hello")
}
