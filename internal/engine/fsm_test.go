package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/pkg/schema"
)

type recordingPublisher struct {
	events []schema.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, e schema.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func TestStatusFSM_ValidTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.ConversationStatus
	}{
		{schema.StatusCreated, schema.StatusExecuting},
		{schema.StatusCreated, schema.StatusBroken},
		{schema.StatusExecuting, schema.StatusAwaiting},
		{schema.StatusExecuting, schema.StatusExecuting},
		{schema.StatusExecuting, schema.StatusCompleted},
		{schema.StatusAwaiting, schema.StatusExecuting},
		{schema.StatusAwaiting, schema.StatusCanceled},
		{schema.StatusBroken, schema.StatusCanceled},
	}

	fsm := NewStatusFSM(nil)
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.NoError(t, fsm.Transition(context.Background(), "conv-1", tt.from, tt.to))
		})
	}
}

func TestStatusFSM_InvalidTransitions(t *testing.T) {
	tests := []struct {
		from, to schema.ConversationStatus
	}{
		{schema.StatusCompleted, schema.StatusExecuting},
		{schema.StatusCanceled, schema.StatusExecuting},
		{schema.StatusCanceled, schema.StatusCanceled},
		{schema.StatusBroken, schema.StatusExecuting},
		{schema.StatusCreated, schema.StatusAwaiting},
		{schema.StatusAwaiting, schema.StatusBroken},
	}

	fsm := NewStatusFSM(nil)
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := fsm.Transition(context.Background(), "conv-1", tt.from, tt.to)
			require.Error(t, err)
			assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

			var fe *schema.FunnelError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, "conv-1", fe.Details["conversation_id"])
		})
	}
}

func TestStatusFSM_Hooks(t *testing.T) {
	fsm := NewStatusFSM(nil)
	var order []string
	fsm.OnBefore(schema.StatusExecuting, schema.StatusCompleted, func(context.Context, string, schema.ConversationStatus, schema.ConversationStatus) error {
		order = append(order, "before")
		return nil
	})
	fsm.OnAfter(schema.StatusExecuting, schema.StatusCompleted, func(_ context.Context, id string, from, to schema.ConversationStatus) error {
		order = append(order, "after "+id+" "+string(from)+"->"+string(to))
		return nil
	})

	require.NoError(t, fsm.Transition(context.Background(), "c", schema.StatusExecuting, schema.StatusCompleted))
	require.NoError(t, fsm.Transition(context.Background(), "c", schema.StatusExecuting, schema.StatusAwaiting))
	assert.Equal(t, []string{"before", "after c EXECUTING->COMPLETED"}, order)
}

func TestStatusFSM_BeforeHookAborts(t *testing.T) {
	pub := &recordingPublisher{}
	fsm := NewStatusFSM(pub)
	veto := errors.New("veto")
	fsm.OnBefore(schema.StatusExecuting, schema.StatusCanceled, func(context.Context, string, schema.ConversationStatus, schema.ConversationStatus) error { return veto })

	err := fsm.Transition(context.Background(), "c", schema.StatusExecuting, schema.StatusCanceled)
	assert.ErrorIs(t, err, veto)
	assert.Empty(t, pub.events)
}

func TestStatusFSM_PublishesChanges(t *testing.T) {
	pub := &recordingPublisher{}
	fsm := NewStatusFSM(pub)
	ctx := context.Background()

	require.NoError(t, fsm.Transition(ctx, "c", schema.StatusExecuting, schema.StatusExecuting))
	assert.Empty(t, pub.events, "self transitions are silent")

	require.NoError(t, fsm.Transition(ctx, "c", schema.StatusExecuting, schema.StatusAwaiting))
	require.Len(t, pub.events, 1)
	assert.Equal(t, schema.EventConversationStatusChanged, pub.events[0].Type)
	assert.Equal(t, "c", pub.events[0].ConversationID)
	assert.Equal(t, map[string]any{"from": "EXECUTING", "to": "AWAITING"}, pub.events[0].Payload)
}

func TestStatusFSM_PublishFailure(t *testing.T) {
	fsm := NewStatusFSM(&recordingPublisher{err: errors.New("hub down")})
	err := fsm.Transition(context.Background(), "c", schema.StatusCreated, schema.StatusExecuting)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}
