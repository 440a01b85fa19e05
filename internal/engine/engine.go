package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/funnel/internal/clock"
	"github.com/rendis/funnel/internal/metrics"
	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/internal/streaming"
	"github.com/rendis/funnel/internal/transport"
	"github.com/rendis/funnel/internal/validation"
	"github.com/rendis/funnel/pkg/schema"
)

// DefaultTimeout is used by timers created with a non-positive duration when
// Config.DefaultTimeout is not set.
const DefaultTimeout = 300 * time.Second

// StartRequest describes a contact without an active conversation.
type StartRequest struct {
	Contact  string
	Name     string
	Messages []schema.Message
	Tester   bool
}

// Startup is the script a new conversation runs.
type Startup struct {
	Script   schema.ScriptRef `json:"script"`
	Args     []schema.Arg     `json:"args,omitempty"`
	TestMode bool             `json:"test_mode,omitempty"`
}

// Selector picks the startup script of a new conversation. A nil Startup
// means no rule matched.
type Selector interface {
	Select(ctx context.Context, req StartRequest) (*Startup, error)
}

// Config holds the engine collaborators and settings.
type Config struct {
	AutomationID string
	Store        store.Store
	Transport    transport.Transport
	Scripts      ScriptResolver

	// Selector is consulted for new contacts; DefaultScript runs when it
	// finds nothing.
	Selector      Selector
	DefaultScript schema.ScriptRef
	Testers       []string

	Clock          clock.Clock
	DefaultTimeout time.Duration
	PoolSize       int
	Vault          Vault
	Hub            streaming.EventHub
	Metrics        *metrics.Collector
	Logger         *slog.Logger
}

// Engine routes inbound messages to conversations and runs their scripts.
type Engine struct {
	cfg        Config
	env        *env
	dispatcher *Dispatcher
	locks      keyedMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	live map[string]*Runtime // by contact
}

// New validates cfg and creates an engine.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.AutomationID == "":
		return nil, schema.NewError(schema.ErrCodeConfiguration, "automation id is required")
	case cfg.Store == nil:
		return nil, schema.NewError(schema.ErrCodeConfiguration, "store is required")
	case cfg.Transport == nil:
		return nil, schema.NewError(schema.ErrCodeConfiguration, "transport is required")
	case cfg.Scripts == nil:
		return nil, schema.NewError(schema.ErrCodeConfiguration, "script resolver is required")
	case cfg.DefaultScript.Ambiguous():
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "default script %s names both id and name", cfg.DefaultScript)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var publisher EventPublisher
	if cfg.Hub != nil {
		publisher = cfg.Hub
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg: cfg,
		env: &env{
			store:     cfg.Store,
			transport: cfg.Transport,
			clock:     cfg.Clock,
			timers:    NewTimers(cfg.Store, cfg.Clock, cfg.DefaultTimeout, cfg.Metrics, cfg.Logger),
			fsm:       NewStatusFSM(publisher),
			hub:       cfg.Hub,
			vault:     cfg.Vault,
			metrics:   cfg.Metrics,
			logger:    cfg.Logger,
		},
		dispatcher: NewDispatcher(cfg.PoolSize, cfg.Logger),
		ctx:        ctx,
		cancel:     cancel,
		live:       make(map[string]*Runtime),
	}
	for from, allowed := range ValidStatusTransitions {
		if slices.Contains(allowed, schema.StatusBroken) {
			e.env.fsm.OnAfter(from, schema.StatusBroken, e.onBroken)
		}
	}
	e.env.fsm.OnAfter(schema.StatusAwaiting, schema.StatusExecuting, e.onAwake)
	return e, nil
}

// onBroken reports a conversation that stopped for good.
func (e *Engine) onBroken(ctx context.Context, conversationID string, from, _ schema.ConversationStatus) error {
	e.env.metrics.ConversationBroken()
	e.cfg.Logger.ErrorContext(ctx, "conversation broken",
		slog.String("conversation_id", conversationID), slog.String("from", string(from)))
	return nil
}

// onAwake logs a conversation leaving AWAITING.
func (e *Engine) onAwake(ctx context.Context, conversationID string, _, _ schema.ConversationStatus) error {
	e.cfg.Logger.DebugContext(ctx, "conversation resumed", slog.String("conversation_id", conversationID))
	return nil
}

// Timers returns the durable timer registry.
func (e *Engine) Timers() *Timers { return e.env.timers }

// Listen routes unclaimed transport messages to Deliver through the dispatcher.
func (e *Engine) Listen() {
	e.cfg.Transport.OnUnhandled(func(in transport.Inbound) {
		err := e.dispatcher.Submit(e.ctx, in.Contact, func(ctx context.Context) error {
			return e.Deliver(ctx, in.Contact, in.Name, in.Messages)
		})
		if err != nil {
			e.cfg.Logger.Warn("inbound dropped", slog.String("contact", in.Contact), slog.String("error", err.Error()))
		}
	})
}

// Run listens until ctx is done, then shuts the engine down.
func (e *Engine) Run(ctx context.Context) error {
	e.Listen()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// Deliver handles inbound messages of a contact: they go to the live
// conversation, or to the contact's active conversation which is started,
// or to a new conversation.
func (e *Engine) Deliver(ctx context.Context, contact, name string, msgs []schema.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	unlock := e.locks.Lock(contact)
	defer unlock()

	msgs = slices.Clone(msgs)
	now := e.cfg.Clock.Now().UTC()
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		if msgs[i].Date.IsZero() {
			msgs[i].Date = now
		}
	}

	if rt := e.runtime(contact); rt != nil {
		rt.receive(msgs)
		return nil
	}

	conv, err := e.cfg.Store.FindActiveConversation(ctx, e.cfg.AutomationID, contact)
	if schema.IsCode(err, schema.ErrCodeNotFound) {
		conv, err = e.create(ctx, contact, name, msgs)
	}
	if err != nil {
		return err
	}

	rows := make([]*store.StoredMessage, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, &store.StoredMessage{Message: m, ConversationID: conv.ID, Agent: schema.AgentLead})
	}
	if err := e.cfg.Store.SaveMessages(ctx, rows); err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "save inbound messages: %s", err.Error()).WithCause(err)
	}
	e.publish(ctx, schema.EventMessageReceived, conv.ID, map[string]any{"count": len(msgs)})

	if conv.Status == schema.StatusBroken {
		e.cfg.Logger.WarnContext(ctx, "message for broken conversation", slog.String("conversation_id", conv.ID))
		return nil
	}
	return e.start(ctx, conv)
}

// Resume starts the runtime of an active conversation that is not loaded.
func (e *Engine) Resume(ctx context.Context, id string) error {
	conv, err := e.cfg.Store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(conv.Contact)
	defer unlock()

	if conv.Status.Terminal() || conv.Status == schema.StatusBroken {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "conversation %s is %s", id, conv.Status)
	}
	if e.runtime(conv.Contact) != nil {
		return nil
	}
	return e.start(ctx, conv)
}

// Cancel cancels a conversation. A pending question resolves as CANCELED.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	conv, err := e.cfg.Store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	unlock := e.locks.Lock(conv.Contact)
	defer unlock()

	if rt := e.runtime(conv.Contact); rt != nil && rt.conv.ID == id {
		return rt.cancel(ctx)
	}

	if err := e.env.fsm.Transition(ctx, id, conv.Status, schema.StatusCanceled); err != nil {
		return err
	}
	canceled := schema.StatusCanceled
	if err := e.cfg.Store.UpdateConversation(ctx, id, store.ConversationUpdate{Status: &canceled}); err != nil {
		return err
	}
	if err := e.cfg.Store.ClearScriptCachedVars(ctx, id); err != nil {
		return err
	}
	return e.cfg.Store.ClearScriptTimers(ctx, id)
}

// Event hands a webhook payload to the conversation's script.
func (e *Engine) Event(ctx context.Context, id string, payload map[string]any) error {
	conv, err := e.cfg.Store.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	script, err := e.cfg.Scripts.Resolve(ctx, conv.Script)
	if err != nil {
		return err
	}
	h, ok := script.(EventHandler)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeConfiguration, "script %s does not handle events", conv.Script)
	}
	return h.OnEvent(ctx, conv, payload)
}

// Active returns the ids of the conversations loaded in this process.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.live))
	for _, rt := range e.live {
		ids = append(ids, rt.conv.ID)
	}
	slices.Sort(ids)
	return ids
}

// Shutdown stops accepting work, stops every runtime and waits for them.
// Conversations keep their durable state and resume on the next start.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.dispatcher.Shutdown()
	e.cancel()
	e.env.timers.StopAll()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until no runtime is loaded.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) runtime(contact string) *Runtime {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.live[contact]
}

// create selects the startup script of a new contact and creates its
// conversation. Selection problems yield a BROKEN conversation.
func (e *Engine) create(ctx context.Context, contact, name string, msgs []schema.Message) (*store.Conversation, error) {
	req := StartRequest{
		Contact:  contact,
		Name:     name,
		Messages: msgs,
		Tester:   slices.Contains(e.cfg.Testers, contact),
	}

	var startup *Startup
	var selErr error
	if e.cfg.Selector != nil {
		startup, selErr = e.cfg.Selector.Select(ctx, req)
	}
	e.recordPreScript(ctx, contact, startup, selErr)

	conv := &store.Conversation{
		ID:           uuid.NewString(),
		AutomationID: e.cfg.AutomationID,
		Contact:      contact,
		ContactName:  name,
		Status:       schema.StatusCreated,
		CurrentStage: schema.StageStart,
	}

	broken := func(err error) {
		conv.Status = schema.StatusBroken
		conv.Error = err.Error()
		e.env.metrics.ConversationBroken()
		e.cfg.Logger.ErrorContext(ctx, "conversation broken", slog.String("contact", contact), slog.String("error", err.Error()))
	}

	switch {
	case selErr != nil:
		broken(schema.NewErrorf(schema.ErrCodeConfiguration, "startup selection failed: %s", selErr.Error()))
	case startup != nil && startup.Script.Ambiguous():
		conv.Script = startup.Script
		broken(schema.NewErrorf(schema.ErrCodeConfiguration, "startup script %s names both id and name", startup.Script))
	default:
		if startup == nil || startup.Script.Empty() {
			e.cfg.Logger.InfoContext(ctx, "no startup script matched, using default", slog.String("contact", contact))
			startup = &Startup{Script: e.cfg.DefaultScript, TestMode: req.Tester}
		}
		conv.Script = startup.Script
		conv.Args = startup.Args
		conv.TestMode = startup.TestMode
		if err := e.checkStartup(ctx, startup); err != nil {
			broken(err)
		}
	}

	if err := e.cfg.Store.CreateConversation(ctx, conv); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "create conversation: %s", err.Error()).WithCause(err)
	}
	e.publish(ctx, schema.EventConversationCreated, conv.ID, map[string]any{
		"contact": contact, "script": conv.Script.String(), "status": string(conv.Status),
	})
	return conv, nil
}

func (e *Engine) checkStartup(ctx context.Context, startup *Startup) error {
	if startup.Script.Empty() {
		return schema.NewError(schema.ErrCodeConfiguration, "no startup script and no default script configured")
	}
	script, err := e.cfg.Scripts.Resolve(ctx, startup.Script)
	if err != nil {
		return err
	}
	if _, err := stageTable(script); err != nil {
		return err
	}
	return validation.ValidateArgs(script.ParamSchema(), startup.Args)
}

func (e *Engine) recordPreScript(ctx context.Context, contact string, startup *Startup, selErr error) {
	entry := &store.ExecutionEntry{
		Coordinate: store.Coordinate{ScriptID: uuid.NewString(), AutomationID: e.cfg.AutomationID},
		StageName:  stagePreScript,
		FuncName:   "select",
	}
	entry.Args, _ = json.Marshal([]any{contact})
	if selErr != nil {
		entry.Error = selErr.Error()
	} else {
		entry.CachedResult, _ = json.Marshal(startup)
	}
	if err := e.cfg.Store.RecordExecution(ctx, entry); err != nil {
		e.cfg.Logger.WarnContext(ctx, "record startup selection", slog.String("error", err.Error()))
	}
}

func (e *Engine) recordEngineFailure(ctx context.Context, conv *store.Conversation, stage string, err error) {
	entry := &store.ExecutionEntry{
		Coordinate: store.Coordinate{ScriptID: conv.ID, AutomationID: conv.AutomationID, Run: conv.StageRun},
		StageName:  stage,
		FuncName:   stage,
		Error:      err.Error(),
	}
	if rerr := e.cfg.Store.RecordExecution(ctx, entry); rerr != nil {
		e.cfg.Logger.ErrorContext(ctx, "record engine failure", slog.String("error", rerr.Error()))
	}
}

// start loads a conversation and runs it in its own goroutine. The caller
// holds the contact lock.
func (e *Engine) start(ctx context.Context, conv *store.Conversation) error {
	script, err := e.cfg.Scripts.Resolve(ctx, conv.Script)
	if err != nil {
		e.recordEngineFailure(ctx, conv, stageScriptRestore, err)
		return err
	}
	rt, err := newRuntime(e.env, conv, script)
	if err != nil {
		e.recordEngineFailure(ctx, conv, stageScriptRestore, err)
		if berr := e.env.markBroken(ctx, conv, err); berr != nil {
			e.cfg.Logger.ErrorContext(ctx, "mark conversation broken", slog.String("error", berr.Error()))
		}
		return err
	}

	pending, err := e.cfg.Store.ListMessages(ctx, store.MessageFilter{
		ConversationID: conv.ID, Agent: schema.AgentLead, PendingOnly: true,
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "load pending messages: %s", err.Error()).WithCause(err)
	}
	for _, m := range pending {
		rt.pending = append(rt.pending, m.Message)
	}
	if buffered := e.cfg.Transport.Unhandled(conv.Contact); len(buffered) > 0 {
		rt.saveInbound(ctx, buffered)
		rt.pending = append(rt.pending, buffered...)
	}

	runCtx, cancel := context.WithCancel(e.ctx)
	rt.stop = cancel

	e.mu.Lock()
	e.live[conv.Contact] = rt
	e.mu.Unlock()
	e.wg.Add(1)
	e.env.metrics.ConversationStarted()

	go func() {
		defer e.wg.Done()
		defer cancel()

		if err := rt.run(runCtx); err != nil && runCtx.Err() == nil {
			bctx := context.WithoutCancel(runCtx)
			e.recordEngineFailure(bctx, rt.conv, stageScriptExecution, err)
			e.cfg.Logger.Error("conversation stopped", slog.String("conversation_id", conv.ID), slog.String("error", err.Error()))
			if fatal(err) {
				if berr := rt.markBroken(bctx, err); berr != nil {
					e.cfg.Logger.Error("mark conversation broken", slog.String("conversation_id", conv.ID), slog.String("error", berr.Error()))
				}
			}
		}

		unlock := e.locks.Lock(conv.Contact)
		e.mu.Lock()
		if e.live[conv.Contact] == rt {
			delete(e.live, conv.Contact)
		}
		e.mu.Unlock()
		unlock()
		e.env.metrics.ConversationStopped()
	}()
	return nil
}

func (e *Engine) publish(ctx context.Context, eventType, conversationID string, payload map[string]any) {
	if e.cfg.Hub == nil {
		return
	}
	if err := e.cfg.Hub.Publish(ctx, schema.Event{Type: eventType, ConversationID: conversationID, Payload: payload}); err != nil {
		e.cfg.Logger.DebugContext(ctx, "publish event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock of key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
