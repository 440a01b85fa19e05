package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rendis/funnel/internal/clock"
	"github.com/rendis/funnel/internal/metrics"
	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/internal/streaming"
	"github.com/rendis/funnel/internal/transport"
	"github.com/rendis/funnel/pkg/schema"
)

// Vault reveals the plaintext of encrypted script variables.
type Vault interface {
	Reveal(ctx context.Context, name string) (string, error)
}

// env holds the collaborators shared by every runtime of an engine.
type env struct {
	store     store.Store
	transport transport.Transport
	clock     clock.Clock
	timers    *Timers
	fsm       *StatusFSM
	hub       streaming.EventHub
	vault     Vault
	metrics   *metrics.Collector
	logger    *slog.Logger
}

// Runtime is a loaded conversation: the script, its replay position and the
// helpers stage code uses to act on the conversation.
type Runtime struct {
	env      *env
	conv     *store.Conversation
	script   Script
	stages   map[string]StageFunc
	exec     *Execution
	token    string
	metadata map[string]any
	stop     context.CancelFunc

	// stage mirrors exec.Stage for the transport listener goroutine.
	stage atomic.Value

	statusMu sync.Mutex

	mu      sync.Mutex
	pending []schema.Message
	reply   func(msgs []schema.Message) bool
	abort   func()
}

func newRuntime(e *env, conv *store.Conversation, script Script) (*Runtime, error) {
	stages, err := stageTable(script)
	if err != nil {
		return nil, err
	}
	c := *conv
	rt := &Runtime{
		env:    e,
		conv:   &c,
		script: script,
		stages: stages,
		exec: &Execution{
			ScriptID:     c.ID,
			AutomationID: c.AutomationID,
			Stage:        c.CurrentStage,
			Run:          c.StageRun,
		},
		metadata: map[string]any{},
		stop:     func() {},
	}
	rt.stage.Store(c.CurrentStage)
	return rt, nil
}

// ConversationID returns the conversation id, which is also the script instance id.
func (rt *Runtime) ConversationID() string { return rt.conv.ID }

// Contact returns the contact the conversation talks to.
func (rt *Runtime) Contact() string { return rt.conv.Contact }

// ContactName returns the contact's display name, if known.
func (rt *Runtime) ContactName() string { return rt.conv.ContactName }

// Script returns the script reference of the conversation.
func (rt *Runtime) Script() schema.ScriptRef { return rt.conv.Script }

// CurrentStage returns the stage being executed.
func (rt *Runtime) CurrentStage() string { return rt.exec.Stage }

// TestMode reports whether the conversation runs for a tester.
func (rt *Runtime) TestMode() bool { return rt.conv.TestMode }

// Execution returns the replay position.
func (rt *Runtime) Execution() *Execution { return rt.exec }

// Internal runs fn with its wrapped calls in the internal sequence.
func (rt *Runtime) Internal(fn func() error) error { return rt.exec.RunInternal(fn) }

// Logger returns the engine logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.env.logger }

func (rt *Runtime) status() schema.ConversationStatus {
	rt.statusMu.Lock()
	defer rt.statusMu.Unlock()
	return rt.conv.Status
}

// setStatus validates and persists a status change.
func (rt *Runtime) setStatus(ctx context.Context, to schema.ConversationStatus) error {
	rt.statusMu.Lock()
	defer rt.statusMu.Unlock()
	return rt.setStatusLocked(ctx, to, store.ConversationUpdate{})
}

func (rt *Runtime) setStatusLocked(ctx context.Context, to schema.ConversationStatus, upd store.ConversationUpdate) error {
	return rt.env.setStatus(ctx, rt.conv, to, upd)
}

// markBroken moves the conversation to BROKEN and stores cause as its error.
func (rt *Runtime) markBroken(ctx context.Context, cause error) error {
	rt.statusMu.Lock()
	defer rt.statusMu.Unlock()
	return rt.env.markBroken(ctx, rt.conv, cause)
}

func (e *env) setStatus(ctx context.Context, conv *store.Conversation, to schema.ConversationStatus, upd store.ConversationUpdate) error {
	if err := e.fsm.Transition(ctx, conv.ID, conv.Status, to); err != nil {
		return err
	}
	upd.Status = &to
	if err := e.store.UpdateConversation(ctx, conv.ID, upd); err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "persist status %s: %s", to, err.Error()).WithCause(err)
	}
	conv.Status = to
	return nil
}

// markBroken moves conv to BROKEN. An AWAITING conversation passes through
// EXECUTING first.
func (e *env) markBroken(ctx context.Context, conv *store.Conversation, cause error) error {
	if conv.Status == schema.StatusAwaiting {
		if err := e.setStatus(ctx, conv, schema.StatusExecuting, store.ConversationUpdate{}); err != nil {
			return err
		}
	}
	msg := cause.Error()
	if err := e.setStatus(ctx, conv, schema.StatusBroken, store.ConversationUpdate{Error: &msg}); err != nil {
		return err
	}
	conv.Error = msg
	return nil
}

// fatal reports whether a run error can never succeed on a retry.
func fatal(err error) bool {
	return schema.IsCode(err, schema.ErrCodeReplayIntegrity) || schema.IsCode(err, schema.ErrCodeConfiguration)
}

func (rt *Runtime) publish(ctx context.Context, eventType string, payload map[string]any) {
	if rt.env.hub == nil {
		return
	}
	stage, _ := rt.stage.Load().(string)
	event := schema.Event{Type: eventType, ConversationID: rt.conv.ID, Stage: stage, Payload: payload}
	if err := rt.env.hub.Publish(ctx, event); err != nil {
		rt.env.logger.DebugContext(ctx, "publish event", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}

// --- Inbound messages ---

// receive is the transport listener of the conversation.
func (rt *Runtime) receive(msgs []schema.Message) {
	ctx := context.Background()
	rt.saveInbound(ctx, msgs)

	rt.mu.Lock()
	rt.pending = append(rt.pending, msgs...)
	reply := rt.reply
	var batch []schema.Message
	if reply != nil {
		batch = rt.pending
		rt.pending = nil
		rt.reply = nil
	}
	rt.mu.Unlock()

	if reply != nil && !reply(batch) {
		rt.requeue(batch)
	}
}

func (rt *Runtime) saveInbound(ctx context.Context, msgs []schema.Message) {
	rows := make([]*store.StoredMessage, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, &store.StoredMessage{Message: m, ConversationID: rt.conv.ID, Agent: schema.AgentLead})
	}
	if err := rt.env.store.SaveMessages(ctx, rows); err != nil {
		rt.env.logger.ErrorContext(ctx, "save inbound messages",
			slog.String("conversation_id", rt.conv.ID), slog.String("error", err.Error()))
	}
	rt.publish(ctx, schema.EventMessageReceived, map[string]any{"count": len(msgs)})
}

// onReply hands the next batch of inbound messages to fn. Queued messages
// are handed over immediately. fn returns false when it no longer wants the
// messages, which puts them back in the queue.
func (rt *Runtime) onReply(fn func(msgs []schema.Message) bool) (unregister func()) {
	rt.mu.Lock()
	if len(rt.pending) > 0 {
		batch := rt.pending
		rt.pending = nil
		rt.mu.Unlock()
		if !fn(batch) {
			rt.requeue(batch)
		}
		return func() {}
	}
	rt.reply = fn
	rt.mu.Unlock()

	return func() {
		rt.mu.Lock()
		rt.reply = nil
		rt.mu.Unlock()
	}
}

func (rt *Runtime) requeue(batch []schema.Message) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.pending = append(batch, rt.pending...)
}

func (rt *Runtime) takePending() []schema.Message {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	msgs := rt.pending
	rt.pending = nil
	return msgs
}

func (rt *Runtime) markProcessed(ctx context.Context, msgs []schema.Message) {
	if len(msgs) == 0 {
		return
	}
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if err := rt.env.store.MarkMessagesProcessed(ctx, ids); err != nil {
		rt.env.logger.WarnContext(ctx, "mark messages processed", slog.String("error", err.Error()))
	}
}

// cancel marks the conversation canceled and releases a pending question.
func (rt *Runtime) cancel(ctx context.Context) error {
	if err := rt.setStatus(ctx, schema.StatusCanceled); err != nil {
		return err
	}
	rt.mu.Lock()
	abort := rt.abort
	rt.mu.Unlock()
	if abort != nil {
		abort()
	}
	rt.stop()
	return nil
}

// --- Properties ---

func property[T any](ctx context.Context, rt *Runtime, name string, get func() T) (T, error) {
	return Call(ctx, rt, "get_"+name, nil, func(context.Context, *Step) (T, error) {
		return get(), nil
	}, Inline())
}

// Status returns the conversation status as it was when this point of the
// stage first ran.
func (rt *Runtime) Status(ctx context.Context) (schema.ConversationStatus, error) {
	return property(ctx, rt, "status", rt.status)
}

// IsAwaiting reports whether the conversation waits for a reply.
func (rt *Runtime) IsAwaiting(ctx context.Context) (bool, error) {
	return property(ctx, rt, "isAwaiting", func() bool { return rt.status() == schema.StatusAwaiting })
}

// IsRunning reports whether the conversation is executing a stage.
func (rt *Runtime) IsRunning(ctx context.Context) (bool, error) {
	return property(ctx, rt, "isRunning", func() bool { return rt.status() == schema.StatusExecuting })
}

// IsCanceled reports whether the conversation was canceled.
func (rt *Runtime) IsCanceled(ctx context.Context) (bool, error) {
	return property(ctx, rt, "isCanceled", func() bool { return rt.status() == schema.StatusCanceled })
}

// IsCompleted reports whether the conversation completed.
func (rt *Runtime) IsCompleted(ctx context.Context) (bool, error) {
	return property(ctx, rt, "isCompleted", func() bool { return rt.status() == schema.StatusCompleted })
}

// IsDone reports whether the conversation reached a terminal status.
func (rt *Runtime) IsDone(ctx context.Context) (bool, error) {
	return property(ctx, rt, "isDone", func() bool { return rt.status().Terminal() })
}

// StageName returns the current stage name.
func (rt *Runtime) StageName(ctx context.Context) (string, error) {
	return property(ctx, rt, "stageName", func() string { return rt.exec.Stage })
}

// --- Tags ---

// AddTag attaches a tag to the conversation. Tags may repeat.
func (rt *Runtime) AddTag(ctx context.Context, tag string) error {
	return Do(ctx, rt, "addTag", []any{tag}, func(ctx context.Context, _ *Step) error {
		_, err := rt.env.store.AddTag(ctx, rt.conv.ID, tag)
		return err
	})
}

// HasTag reports whether the tag is attached.
func (rt *Runtime) HasTag(ctx context.Context, tag string) (bool, error) {
	n, err := rt.countTag(ctx, "hasTag", tag)
	return n > 0, err
}

// CountTags returns how many times the tag is attached.
func (rt *Runtime) CountTags(ctx context.Context, tag string) (int, error) {
	return rt.countTag(ctx, "countTags", tag)
}

func (rt *Runtime) countTag(ctx context.Context, name, tag string) (int, error) {
	return Call(ctx, rt, name, []any{tag}, func(ctx context.Context, _ *Step) (int, error) {
		tags, err := rt.env.store.ListTags(ctx, rt.conv.ID)
		if err != nil {
			return 0, err
		}
		n := 0
		for _, t := range tags {
			if t.Name == tag {
				n++
			}
		}
		return n, nil
	}, Inline())
}

// RemoveTags removes up to count occurrences of the tag, oldest first.
// A zero count removes nothing; a negative count removes every occurrence.
func (rt *Runtime) RemoveTags(ctx context.Context, tag string, count int) error {
	return Do(ctx, rt, "removeTags", []any{tag, count}, func(ctx context.Context, _ *Step) error {
		if count == 0 {
			return nil
		}
		if count < 0 {
			return rt.env.store.DeleteTagsByName(ctx, rt.conv.ID, tag)
		}
		tags, err := rt.env.store.ListTags(ctx, rt.conv.ID)
		if err != nil {
			return err
		}
		var ids []int64
		for _, t := range tags {
			if t.Name == tag && len(ids) < count {
				ids = append(ids, t.ID)
			}
		}
		return rt.env.store.DeleteTags(ctx, rt.conv.ID, ids)
	})
}

// ClearTags removes every tag of the conversation.
func (rt *Runtime) ClearTags(ctx context.Context) error {
	return Do(ctx, rt, "clearTags", nil, func(ctx context.Context, _ *Step) error {
		return rt.env.store.ClearTags(ctx, rt.conv.ID)
	})
}

// --- Stage metadata ---

// StageMetadata is the key/value state of the current stage.
type StageMetadata struct {
	rt *Runtime
}

// Metadata returns the current stage's metadata.
func (rt *Runtime) Metadata() StageMetadata { return StageMetadata{rt: rt} }

// Get returns a metadata value, or nil when absent.
func (m StageMetadata) Get(ctx context.Context, key string) (any, error) {
	return Call(ctx, m.rt, "metadata.get", []any{key}, func(context.Context, *Step) (any, error) {
		return m.rt.metadata[key], nil
	}, Inline())
}

// All returns a copy of the stage metadata.
func (m StageMetadata) All(ctx context.Context) (map[string]any, error) {
	return Call(ctx, m.rt, "metadata.all", nil, func(context.Context, *Step) (map[string]any, error) {
		return maps.Clone(m.rt.metadata), nil
	}, Inline())
}

// Set stores a metadata value.
func (m StageMetadata) Set(ctx context.Context, key string, value any) error {
	return Do(ctx, m.rt, "metadata.set", []any{key, value}, func(ctx context.Context, _ *Step) error {
		next := maps.Clone(m.rt.metadata)
		next[key] = value
		return m.rt.putMetadata(ctx, next)
	})
}

// Delete removes a metadata key.
func (m StageMetadata) Delete(ctx context.Context, key string) error {
	return Do(ctx, m.rt, "metadata.delete", []any{key}, func(ctx context.Context, _ *Step) error {
		next := maps.Clone(m.rt.metadata)
		delete(next, key)
		return m.rt.putMetadata(ctx, next)
	})
}

// Clear removes all metadata of the stage.
func (m StageMetadata) Clear(ctx context.Context) error {
	return Do(ctx, m.rt, "metadata.clear", nil, func(ctx context.Context, _ *Step) error {
		if err := m.rt.env.store.DeleteStageMetadata(ctx, m.rt.conv.ID, m.rt.exec.Stage); err != nil {
			return err
		}
		m.rt.metadata = map[string]any{}
		return nil
	})
}

func (rt *Runtime) putMetadata(ctx context.Context, md map[string]any) error {
	if err := rt.env.store.PutStageMetadata(ctx, rt.conv.ID, rt.exec.Stage, md); err != nil {
		return err
	}
	rt.metadata = md
	return nil
}

func (rt *Runtime) loadMetadata(ctx context.Context) error {
	md, err := rt.env.store.GetStageMetadata(ctx, rt.conv.ID, rt.exec.Stage)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "load metadata of stage %s: %s", rt.exec.Stage, err.Error()).WithCause(err)
	}
	if md == nil {
		md = map[string]any{}
	}
	rt.metadata = md
	return nil
}

// StageMetadata returns a metadata value of another stage, or the whole map
// when key is empty.
func (rt *Runtime) StageMetadata(ctx context.Context, stage, key string) (any, error) {
	return Call(ctx, rt, "getStageMetadata", []any{stage, key}, func(ctx context.Context, _ *Step) (any, error) {
		md, err := rt.env.store.GetStageMetadata(ctx, rt.conv.ID, stage)
		if err != nil || key == "" {
			return md, err
		}
		return md[key], nil
	})
}

// --- Params ---

// Args returns the configured args merged over the param defaults.
func (rt *Runtime) Args() map[string]any {
	out := make(map[string]any)
	for _, p := range rt.script.ParamSchema() {
		if p.Default != nil {
			out[p.Key] = p.Default
		}
	}
	maps.Copy(out, schema.ArgsMap(rt.conv.Args))
	return out
}

func (rt *Runtime) arg(key string) (any, bool) {
	v, ok := rt.Args()[key]
	return v, ok && v != nil
}

// TextParam returns a TEXT or WEBHOOK param.
func (rt *Runtime) TextParam(key string) (string, bool) {
	v, ok := rt.arg(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// WebhookParam returns a WEBHOOK param.
func (rt *Runtime) WebhookParam(key string) (string, bool) {
	return rt.TextParam(key)
}

// TextListParam returns a TEXT_LIST param.
func (rt *Runtime) TextListParam(key string) ([]string, bool) {
	v, ok := rt.arg(key)
	if !ok {
		return nil, false
	}
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// NumberParam returns a NUMBER param.
func (rt *Runtime) NumberParam(key string) (float64, bool) {
	v, ok := rt.arg(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// LogicParam returns a LOGIC param.
func (rt *Runtime) LogicParam(key string) (bool, bool) {
	v, ok := rt.arg(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Var decrypts the safevar named by a VAR param. The plaintext is never
// written to the execution log.
func (rt *Runtime) Var(ctx context.Context, key string) (string, error) {
	name, ok := rt.TextParam(key)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "var param %q is not set", key)
	}
	if rt.env.vault == nil {
		return "", schema.NewError(schema.ErrCodeVault, "no vault configured")
	}
	return rt.env.vault.Reveal(ctx, name)
}

// --- Messaging ---

// SendMessage sends msg to the contact and returns the sent message id.
func (rt *Runtime) SendMessage(ctx context.Context, msg schema.Message) (string, error) {
	return Call(ctx, rt, "sendMessage", []any{msg}, func(ctx context.Context, _ *Step) (string, error) {
		sent, err := rt.send(ctx, msg)
		return sent.ID, err
	})
}

// SendText sends a text message.
func (rt *Runtime) SendText(ctx context.Context, text string) (string, error) {
	return rt.SendMessage(ctx, schema.Text(text))
}

// send delivers a message outside of the replay log and persists it.
func (rt *Runtime) send(ctx context.Context, msg schema.Message) (schema.Message, error) {
	msg.Timeout = 0
	sent, err := rt.env.transport.Send(ctx, rt.conv.Contact, msg)
	if err != nil {
		return schema.Message{}, err
	}
	row := &store.StoredMessage{
		Message:        sent,
		ConversationID: rt.conv.ID,
		Agent:          schema.AgentAutomation,
		StageName:      rt.exec.Stage,
		Processed:      true,
	}
	if err := rt.env.store.SaveMessages(context.WithoutCancel(ctx), []*store.StoredMessage{row}); err != nil {
		rt.env.logger.ErrorContext(ctx, "save sent message", slog.String("error", err.Error()))
	}
	rt.publish(ctx, schema.EventMessageSent, map[string]any{"message_id": sent.ID, "type": string(sent.Type)})
	return sent, nil
}

// Await sleeps for d. The wait survives restarts: a resumed conversation
// only waits for the remaining time.
func (rt *Runtime) Await(ctx context.Context, d time.Duration) error {
	return Do(ctx, rt, "await", []any{d.Milliseconds()}, func(ctx context.Context, step *Step) error {
		timer, err := rt.env.timers.New(ctx, step.Coord, "await", d)
		if err != nil {
			return err
		}
		fired := make(chan struct{})
		if err := timer.Start(ctx, func() { close(fired) }); err != nil {
			return err
		}
		select {
		case <-fired:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Randomize picks one of options. The pick is replayed after a restart.
func Randomize[T any](ctx context.Context, rt *Runtime, options ...T) (T, error) {
	return Call(ctx, rt, "randomize", []any{options}, func(context.Context, *Step) (T, error) {
		var zero T
		if len(options) == 0 {
			return zero, fmt.Errorf("randomize: no options")
		}
		return options[rand.IntN(len(options))], nil
	}, Inline())
}

// --- Script logs ---

// Info writes an info line to the script log. args are slog-style key/value pairs.
func (rt *Runtime) Info(ctx context.Context, msg string, args ...any) {
	rt.scriptLog(ctx, store.LogInfo, msg, args)
}

// Warn writes a warning to the script log.
func (rt *Runtime) Warn(ctx context.Context, msg string, args ...any) {
	rt.scriptLog(ctx, store.LogWarn, msg, args)
}

// Error writes an error to the script log.
func (rt *Runtime) Error(ctx context.Context, msg string, args ...any) {
	rt.scriptLog(ctx, store.LogError, msg, args)
}

// Debug writes a debug line. It is persisted only in test mode.
func (rt *Runtime) Debug(ctx context.Context, msg string, args ...any) {
	rt.scriptLog(ctx, store.LogDebug, msg, args)
}

var slogLevels = map[store.LogLevel]slog.Level{
	store.LogDebug: slog.LevelDebug,
	store.LogInfo:  slog.LevelInfo,
	store.LogWarn:  slog.LevelWarn,
	store.LogError: slog.LevelError,
}

func (rt *Runtime) scriptLog(ctx context.Context, level store.LogLevel, msg string, args []any) {
	err := Do(ctx, rt, "log", []any{level, msg}, func(ctx context.Context, _ *Step) error {
		rt.env.logger.Log(ctx, slogLevels[level], msg, append([]any{slog.String("source", "script")}, args...)...)
		if level == store.LogDebug && !rt.conv.TestMode {
			return nil
		}
		entry := &store.ScriptLog{
			ScriptID:     rt.conv.ID,
			AutomationID: rt.conv.AutomationID,
			Level:        level,
			Text:         msg,
			Data:         logData(args),
		}
		if err := rt.env.store.AppendScriptLog(ctx, entry); err != nil {
			rt.env.logger.WarnContext(ctx, "append script log", slog.String("error", err.Error()))
		}
		return nil
	}, Inline())
	if err != nil {
		rt.env.logger.WarnContext(ctx, "script log", slog.String("error", err.Error()))
	}
}

func logData(args []any) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	r := slog.NewRecord(time.Time{}, slog.LevelInfo, "", 0)
	r.Add(args...)
	data := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		data[a.Key] = a.Value.Resolve().Any()
		return true
	})
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return raw
}
