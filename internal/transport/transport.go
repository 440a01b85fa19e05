// Package transport connects the engine to a chat network.
package transport

import (
	"context"

	"github.com/rendis/funnel/pkg/schema"
)

// Handler receives a batch of inbound messages for one contact.
type Handler func(msgs []schema.Message)

// Inbound is a batch of messages from one contact that no listener claimed.
type Inbound struct {
	Contact  string
	Name     string
	Messages []schema.Message
}

// Outbound is a message sent to a contact.
type Outbound struct {
	To      string
	Message schema.Message
}

// Transport is the chat network contract consumed by the engine.
// Implementations must be safe for concurrent use.
type Transport interface {
	// Send delivers msg to a contact and returns it with ID and Date assigned.
	Send(ctx context.Context, to string, msg schema.Message) (schema.Message, error)

	// AddListener routes the contact's inbound messages to h until removed.
	// A later registration for the same contact replaces the earlier one.
	AddListener(contact string, h Handler)
	RemoveListener(contact string)

	// OnUnhandled sets the callback for inbound messages of contacts without
	// a listener. Without a callback such messages are buffered.
	OnUnhandled(fn func(in Inbound))

	// Unhandled drains the buffered messages of a contact.
	Unhandled(contact string) []schema.Message
}
