package streaming

import (
	"context"

	"github.com/rendis/funnel/pkg/schema"
)

// EventFilter specifies which conversation events a subscriber wants to receive.
// Statuses narrows status_changed events to the given target statuses; other
// event types are unaffected by it.
type EventFilter struct {
	ConversationID string                      `json:"conversation_id,omitempty"`
	EventTypes     []string                    `json:"event_types,omitempty"`
	Statuses       []schema.ConversationStatus `json:"statuses,omitempty"`
}

// EventHub provides pub/sub for conversation lifecycle events.
type EventHub interface {
	Publish(ctx context.Context, event schema.Event) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error)
}

// History is implemented by hubs that remember the latest events of
// conversations still in progress.
type History interface {
	Recent(conversationID string) []schema.Event
}

// TargetStatus returns the status a status_changed event moved to.
func TargetStatus(e schema.Event) (schema.ConversationStatus, bool) {
	if e.Type != schema.EventConversationStatusChanged {
		return "", false
	}
	to, ok := e.Payload["to"].(string)
	return schema.ConversationStatus(to), ok
}
