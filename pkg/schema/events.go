package schema

// Event type constants published on the conversation event hub.
const (
	EventConversationCreated       = "conversation.created"
	EventConversationStatusChanged = "conversation.status_changed"
	EventStageChanged              = "conversation.stage_changed"
	EventMessageReceived           = "message.received"
	EventMessageSent               = "message.sent"
	EventTimerFired                = "timer.fired"
	EventCallFailed                = "call.failed"
)

// ConversationStatus represents the lifecycle state of a conversation.
type ConversationStatus string

const (
	StatusCreated   ConversationStatus = "CREATED"
	StatusExecuting ConversationStatus = "EXECUTING"
	StatusAwaiting  ConversationStatus = "AWAITING"
	StatusCompleted ConversationStatus = "COMPLETED"
	StatusCanceled  ConversationStatus = "CANCELED"
	StatusBroken    ConversationStatus = "BROKEN"
)

// Terminal reports whether no further stage will ever run.
func (s ConversationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

// Valid reports whether s is one of the known statuses.
func (s ConversationStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusExecuting, StatusAwaiting, StatusCompleted, StatusCanceled, StatusBroken:
		return true
	}
	return false
}

// Reserved stage names.
const (
	StageStart = "_start"
	StageEnd   = "_end"
)

// Event is a notification about a conversation.
type Event struct {
	Type           string         `json:"type"`
	ConversationID string         `json:"conversation_id"`
	Stage          string         `json:"stage,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
}
