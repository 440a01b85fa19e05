package streaming

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/funnel/pkg/schema"
)

const (
	defaultChannelBuffer = 64
	defaultHistorySize   = 32
)

type subscriber struct {
	ch     chan schema.Event
	filter EventFilter
}

// MemoryHub fans conversation events out to channel subscribers and keeps a
// short history per conversation. A conversation's history is dropped once
// it reaches a terminal status.
type MemoryHub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64

	histMu      sync.Mutex
	history     map[string][]schema.Event
	historySize int
}

// NewMemoryHub creates a new MemoryHub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		subs:        make(map[uint64]*subscriber),
		history:     make(map[string][]schema.Event),
		historySize: defaultHistorySize,
	}
}

// Publish sends an event to all matching subscribers.
// Non-blocking: if a subscriber's channel is full the event is dropped.
func (h *MemoryHub) Publish(ctx context.Context, event schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.remember(event)

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if !sub.filter.Match(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe registers a filtered subscriber. The returned channel is closed
// by the cancel function.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	id := h.seq.Add(1)
	ch := make(chan schema.Event, defaultChannelBuffer)

	h.mu.Lock()
	h.subs[id] = &subscriber{ch: ch, filter: filter}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}

	return ch, cancel, nil
}

// Recent returns the remembered events of a conversation, oldest first.
func (h *MemoryHub) Recent(conversationID string) []schema.Event {
	h.histMu.Lock()
	defer h.histMu.Unlock()
	return slices.Clone(h.history[conversationID])
}

// Dropped returns how many events were discarded for slow subscribers.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *MemoryHub) remember(event schema.Event) {
	if event.ConversationID == "" {
		return
	}
	h.histMu.Lock()
	defer h.histMu.Unlock()

	if to, ok := TargetStatus(event); ok && to.Terminal() {
		delete(h.history, event.ConversationID)
		return
	}
	events := append(h.history[event.ConversationID], event)
	if len(events) > h.historySize {
		events = slices.Delete(events, 0, len(events)-h.historySize)
	}
	h.history[event.ConversationID] = events
}

// Match reports whether e passes the filter.
func (f EventFilter) Match(e schema.Event) bool {
	if f.ConversationID != "" && f.ConversationID != e.ConversationID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type) {
		return false
	}
	if to, ok := TargetStatus(e); ok && len(f.Statuses) > 0 {
		return slices.Contains(f.Statuses, to)
	}
	return true
}

var (
	_ EventHub = (*MemoryHub)(nil)
	_ History  = (*MemoryHub)(nil)
)
