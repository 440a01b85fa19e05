package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/funnel/pkg/schema"
)

const defaultOutboxBuffer = 64

// Memory is an in-process Transport. Inbound messages are injected with
// Receive; sent messages are kept per contact and fanned out to subscribers.
type Memory struct {
	mu        sync.RWMutex
	listeners map[string]Handler
	buffered  map[string][]schema.Message
	sent      map[string][]schema.Message
	unhandled func(in Inbound)

	subs    map[uint64]chan Outbound
	seq     atomic.Uint64
	dropped atomic.Uint64
}

// NewMemory creates an empty in-memory transport.
func NewMemory() *Memory {
	return &Memory{
		listeners: make(map[string]Handler),
		buffered:  make(map[string][]schema.Message),
		sent:      make(map[string][]schema.Message),
		subs:      make(map[uint64]chan Outbound),
	}
}

// Send records msg as sent to a contact.
func (m *Memory) Send(ctx context.Context, to string, msg schema.Message) (schema.Message, error) {
	if err := ctx.Err(); err != nil {
		return schema.Message{}, err
	}
	if to == "" {
		return schema.Message{}, schema.NewError(schema.ErrCodeTransport, "send: empty recipient")
	}
	if !msg.Supported() {
		return schema.Message{}, schema.NewErrorf(schema.ErrCodeTransport, "send: unsupported message type %q", msg.Type)
	}
	stamp(&msg)

	m.mu.Lock()
	m.sent[to] = append(m.sent[to], msg)
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- Outbound{To: to, Message: msg}:
		default:
			m.dropped.Add(1)
		}
	}
	return msg, nil
}

// AddListener registers h for a contact.
func (m *Memory) AddListener(contact string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[contact] = h
}

// RemoveListener unregisters the contact's listener, if any.
func (m *Memory) RemoveListener(contact string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, contact)
}

// OnUnhandled sets the callback for unclaimed inbound messages.
func (m *Memory) OnUnhandled(fn func(in Inbound)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unhandled = fn
}

// Unhandled drains the buffered inbound messages of a contact.
func (m *Memory) Unhandled(contact string) []schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.buffered[contact]
	delete(m.buffered, contact)
	return msgs
}

// Receive injects inbound messages from a contact. Messages without an ID
// or Date get one. Handlers run on the caller's goroutine.
func (m *Memory) Receive(contact, name string, msgs ...schema.Message) {
	if len(msgs) == 0 {
		return
	}
	batch := make([]schema.Message, len(msgs))
	for i, msg := range msgs {
		stamp(&msg)
		batch[i] = msg
	}

	m.mu.Lock()
	listener := m.listeners[contact]
	unhandled := m.unhandled
	if listener == nil && unhandled == nil {
		m.buffered[contact] = append(m.buffered[contact], batch...)
	}
	m.mu.Unlock()

	switch {
	case listener != nil:
		listener(batch)
	case unhandled != nil:
		unhandled(Inbound{Contact: contact, Name: name, Messages: batch})
	}
}

// Sent returns a copy of the messages sent to a contact.
func (m *Memory) Sent(contact string) []schema.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]schema.Message(nil), m.sent[contact]...)
}

// WaitForSent blocks until at least n messages were sent to contact or the
// timeout elapses. It returns the messages sent so far.
func (m *Memory) WaitForSent(contact string, n int, timeout time.Duration) ([]schema.Message, bool) {
	deadline := time.Now().Add(timeout)
	for {
		sent := m.Sent(contact)
		if len(sent) >= n {
			return sent, true
		}
		if time.Now().After(deadline) {
			return sent, false
		}
		time.Sleep(time.Millisecond)
	}
}

// Subscribe streams every sent message. The channel is closed by cancel.
func (m *Memory) Subscribe() (<-chan Outbound, func()) {
	id := m.seq.Add(1)
	ch := make(chan Outbound, defaultOutboxBuffer)

	m.mu.Lock()
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Dropped returns how many outbound notifications were discarded for slow subscribers.
func (m *Memory) Dropped() uint64 {
	return m.dropped.Load()
}

func stamp(msg *schema.Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Date.IsZero() {
		msg.Date = time.Now().UTC()
	}
}
