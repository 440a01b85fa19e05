package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFunnelError_Format(t *testing.T) {
	err := NewError(ErrCodeReplayIntegrity, "bad token")
	assert.Equal(t, "[REPLAY_INTEGRITY_ERROR] bad token", err.Error())

	err = NewErrorf(ErrCodeReplayIntegrity, "stage %q missing", "Z").WithStage("A")
	assert.Equal(t, `[REPLAY_INTEGRITY_ERROR] stage A: stage "Z" missing`, err.Error())
}

func TestFunnelError_UnwrapAndIsCode(t *testing.T) {
	root := errors.New("boom")
	step := NewError(ErrCodeStepExecution, "sendText failed").WithCause(root)
	wrapped := fmt.Errorf("run stage: %w", step)

	assert.ErrorIs(t, wrapped, root)
	assert.True(t, IsCode(wrapped, ErrCodeStepExecution))
	assert.False(t, IsCode(wrapped, ErrCodeConfiguration))
	assert.False(t, IsCode(root, ErrCodeStepExecution))
	assert.False(t, IsCode(nil, ErrCodeStepExecution))
}

func TestFunnelError_IsCodeNested(t *testing.T) {
	inner := NewError(ErrCodeNotFound, "conversation not found")
	outer := NewError(ErrCodeStore, "load").WithCause(inner)

	assert.True(t, IsCode(outer, ErrCodeStore))
	assert.True(t, IsCode(outer, ErrCodeNotFound))
}

func TestFunnelError_IsRetryable(t *testing.T) {
	assert.True(t, NewError(ErrCodeStepExecution, "").IsRetryable())
	assert.True(t, NewError(ErrCodeStore, "").IsRetryable())
	assert.False(t, NewError(ErrCodeReplayIntegrity, "").IsRetryable())
	assert.False(t, NewError(ErrCodeConfiguration, "").IsRetryable())
}

func TestScriptRef(t *testing.T) {
	assert.True(t, ScriptRef{}.Empty())
	assert.True(t, ScriptRef{ID: "a", Name: "b"}.Ambiguous())
	assert.Equal(t, "#a@2", ScriptRef{ID: "a", Version: "2"}.String())
	assert.Equal(t, "welcome", ScriptRef{Name: "welcome"}.String())
}

func TestConversationStatus(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusCanceled.Terminal())
	assert.False(t, StatusBroken.Terminal())
	assert.True(t, StatusAwaiting.Valid())
	assert.False(t, ConversationStatus("PAUSED").Valid())
}

func TestMessageConstructors(t *testing.T) {
	m := Retry(Text("still there?"), 0)
	assert.Equal(t, MessageText, m.Type)
	assert.True(t, m.Supported())

	p := Poll("pick", "1", "2")
	assert.Equal(t, []string{"1", "2"}, p.Options)
	assert.False(t, Message{Type: MessageUnsupported}.Supported())
}
