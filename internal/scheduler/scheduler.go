// Package scheduler resumes active conversations that have no live runtime,
// so durable timers that expired while the process was down fire without
// waiting for the contact to write again.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/rendis/funnel/internal/clock"
	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/pkg/schema"
)

// DefaultSchedule runs a resume pass every minute.
const DefaultSchedule = "*/1 * * * *"

// resumable are the statuses a runtime can be restarted from. BROKEN
// conversations wait for an operator.
var resumable = []schema.ConversationStatus{
	schema.StatusCreated, schema.StatusExecuting, schema.StatusAwaiting,
}

// Engine is the part of the funnel engine the resumer drives.
// Satisfied by *engine.Engine.
type Engine interface {
	Resume(ctx context.Context, id string) error
	Active() []string
}

// ConversationLister lists stored conversations.
type ConversationLister interface {
	ListConversations(ctx context.Context, filter store.ConversationFilter) ([]*store.Conversation, error)
}

// ParseSchedule parses a standard five-field cron expression.
func ParseSchedule(expression string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "parse cron expression %q: %s", expression, err.Error()).WithCause(err)
	}
	return schedule, nil
}

// Resumer runs a resume pass at start and on every tick of its schedule.
type Resumer struct {
	lister       ConversationLister
	engine       Engine
	automationID string
	schedule     cron.Schedule
	clock        clock.Clock
	logger       *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	tickMu sync.Mutex // held for a whole pass; ticks never overlap

	inflightMu sync.Mutex
	inflight   map[string]struct{} // conversation IDs being resumed (dedup)
}

// NewResumer creates a Resumer for the conversations of automationID.
func NewResumer(l ConversationLister, e Engine, automationID, cronExpr string, clk clock.Clock, logger *slog.Logger) (*Resumer, error) {
	if cronExpr == "" {
		cronExpr = DefaultSchedule
	}
	schedule, err := ParseSchedule(cronExpr)
	if err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resumer{
		lister:       l,
		engine:       e,
		automationID: automationID,
		schedule:     schedule,
		clock:        clk,
		logger:       logger,
		inflight:     make(map[string]struct{}),
	}, nil
}

// Start launches the background loop.
func (r *Resumer) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.done != nil {
		r.mu.Unlock()
		return fmt.Errorf("resumer already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(loopCtx)
	r.logger.Info("resumer started")
	return nil
}

// Run starts the loop and blocks until ctx is done.
func (r *Resumer) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Stop()
}

func (r *Resumer) loop(ctx context.Context) {
	defer close(r.done)

	// Run an initial pass immediately.
	r.tick(ctx)

	for {
		now := r.clock.Now()
		wake := make(chan struct{})
		t := r.clock.AfterFunc(r.schedule.Next(now).Sub(now), func() { close(wake) })
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-wake:
			r.tick(ctx)
		}
	}
}

func (r *Resumer) tick(ctx context.Context) {
	if _, err := r.Tick(ctx); err != nil {
		r.logger.Error("resume pass failed", slog.String("error", err.Error()))
	}
}

// Tick runs one resume pass and returns how many conversations it resumed.
// A pass started while another is running returns immediately.
func (r *Resumer) Tick(ctx context.Context) (int, error) {
	if !r.tickMu.TryLock() {
		return 0, nil
	}
	defer r.tickMu.Unlock()

	convs, err := r.lister.ListConversations(ctx, store.ConversationFilter{
		AutomationID: r.automationID,
		Statuses:     resumable,
	})
	if err != nil {
		return 0, fmt.Errorf("list active conversations: %w", err)
	}

	live := r.engine.Active()
	resumed := 0
	for _, conv := range convs {
		if ctx.Err() != nil {
			break
		}
		if slices.Contains(live, conv.ID) {
			continue
		}
		if !r.tryAcquire(conv.ID) {
			continue // already resuming (dedup)
		}
		err := r.engine.Resume(ctx, conv.ID)
		r.release(conv.ID)
		switch {
		case err == nil:
			resumed++
		case schema.IsCode(err, schema.ErrCodeInvalidTransition):
			// finished between the listing and the resume
			r.logger.Debug("conversation no longer resumable", slog.String("conversation_id", conv.ID))
		default:
			r.logger.Error("failed to resume conversation",
				slog.String("conversation_id", conv.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	if resumed > 0 {
		r.logger.Info("resumed conversations", slog.Int("count", resumed))
	}
	return resumed, nil
}

func (r *Resumer) tryAcquire(id string) bool {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	if _, ok := r.inflight[id]; ok {
		return false
	}
	r.inflight[id] = struct{}{}
	return true
}

func (r *Resumer) release(id string) {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	delete(r.inflight, id)
}

// Stop shuts the loop down and waits for a running pass to finish.
func (r *Resumer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel == nil {
		return nil
	}

	r.cancel()
	<-r.done
	r.cancel = nil
	r.done = nil

	r.logger.Info("resumer stopped")
	return nil
}
