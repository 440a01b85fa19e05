package engine

import (
	"context"
	"slices"
	"sync"

	"github.com/rendis/funnel/pkg/schema"
)

// TransitionHook is called before or after a status transition.
type TransitionHook func(ctx context.Context, conversationID string, from, to schema.ConversationStatus) error

// EventPublisher is satisfied by the streaming hub; used to announce transitions.
type EventPublisher interface {
	Publish(ctx context.Context, event schema.Event) error
}

type statusHookKey struct {
	from, to schema.ConversationStatus
}

// StatusFSM manages conversation lifecycle state transitions.
type StatusFSM struct {
	mu        sync.Mutex
	publisher EventPublisher
	before    map[statusHookKey][]TransitionHook
	after     map[statusHookKey][]TransitionHook
}

// NewStatusFSM creates a StatusFSM announcing transitions via publisher,
// which may be nil.
func NewStatusFSM(publisher EventPublisher) *StatusFSM {
	return &StatusFSM{
		publisher: publisher,
		before:    make(map[statusHookKey][]TransitionHook),
		after:     make(map[statusHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition. A hook error aborts it.
func (f *StatusFSM) OnBefore(from, to schema.ConversationStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := statusHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *StatusFSM) OnAfter(from, to schema.ConversationStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := statusHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a status change and announces it.
// The caller is responsible for persisting the new status.
func (f *StatusFSM) Transition(ctx context.Context, conversationID string, from, to schema.ConversationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !CanTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid conversation transition: %s -> %s", from, to).
			WithDetails(map[string]any{"conversation_id": conversationID, "from": string(from), "to": string(to)})
	}

	key := statusHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(ctx, conversationID, from, to); err != nil {
			return err
		}
	}

	if f.publisher != nil && from != to {
		event := schema.Event{
			Type:           schema.EventConversationStatusChanged,
			ConversationID: conversationID,
			Payload:        map[string]any{"from": string(from), "to": string(to)},
		}
		if err := f.publisher.Publish(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "publish status change: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(ctx, conversationID, from, to); err != nil {
			return err
		}
	}

	return nil
}

// CanTransition reports whether the status table allows from -> to.
func CanTransition(from, to schema.ConversationStatus) bool {
	allowed, ok := ValidStatusTransitions[from]
	return ok && slices.Contains(allowed, to)
}

// ValidStatusTransitions defines the allowed conversation status transitions.
var ValidStatusTransitions = map[schema.ConversationStatus][]schema.ConversationStatus{
	schema.StatusCreated:   {schema.StatusExecuting, schema.StatusBroken, schema.StatusCanceled},
	schema.StatusExecuting: {schema.StatusAwaiting, schema.StatusCompleted, schema.StatusCanceled, schema.StatusBroken, schema.StatusExecuting},
	schema.StatusAwaiting:  {schema.StatusExecuting, schema.StatusAwaiting, schema.StatusCompleted, schema.StatusCanceled},
	schema.StatusBroken:    {schema.StatusCanceled},
	schema.StatusCompleted: {},
	schema.StatusCanceled:  {},
}
