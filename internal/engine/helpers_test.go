package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rendis/funnel/internal/clock"
	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/internal/transport"
	"github.com/rendis/funnel/pkg/schema"
)

const (
	testAutomation = "auto-1"
	testContact    = "+5491100000000"
	waitFor        = 2 * time.Second
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "funnel.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// testScript builds a Script from functions. Nil hooks do nothing; a nil
// start hook switches to the first stage.
type testScript struct {
	start  func(ctx context.Context, rt *Runtime, msgs []schema.Message) (*Transition, error)
	stages []Stage
	end    func(ctx context.Context, rt *Runtime, status schema.ConversationStatus) error
	params []schema.Param
}

func (s *testScript) OnStart(ctx context.Context, rt *Runtime, msgs []schema.Message) (*Transition, error) {
	if s.start != nil {
		return s.start(ctx, rt, msgs)
	}
	return rt.SwitchStage(ctx, s.stages[0].Name, nil)
}

func (s *testScript) Stages() []Stage { return s.stages }

func (s *testScript) OnEnd(ctx context.Context, rt *Runtime, status schema.ConversationStatus) error {
	if s.end != nil {
		return s.end(ctx, rt, status)
	}
	return nil
}

func (s *testScript) ParamSchema() []schema.Param { return s.params }

// newTestRuntime loads a runtime positioned at stage A, run 0, outside of
// an engine.
func newTestRuntime(t *testing.T, st store.Store, clk clock.Clock, script Script) *Runtime {
	t.Helper()
	if script == nil {
		script = &testScript{stages: []Stage{
			{Name: "A", Run: func(ctx context.Context, rt *Runtime) (*Transition, error) { return nil, nil }},
			{Name: "B", Run: func(ctx context.Context, rt *Runtime) (*Transition, error) { return nil, nil }},
		}}
	}
	conv := &store.Conversation{
		ID:           uuid.NewString(),
		AutomationID: testAutomation,
		Contact:      testContact,
		Status:       schema.StatusExecuting,
		CurrentStage: "A",
		Script:       schema.ScriptRef{Name: "test"},
	}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	logger := discardLogger()
	e := &env{
		store:     st,
		transport: transport.NewMemory(),
		clock:     clk,
		timers:    NewTimers(st, clk, time.Minute, nil, logger),
		fsm:       NewStatusFSM(nil),
		logger:    logger,
	}
	rt, err := newRuntime(e, conv, script)
	require.NoError(t, err)
	rt.exec.Reset("A", 0)
	rt.token = "token-1"
	return rt
}

type harness struct {
	t      *testing.T
	store  *store.LibSQLStore
	clock  *clock.Manual
	tr     *transport.Memory
	engine *Engine
}

func newHarness(t *testing.T, script Script, opts ...func(*Config)) *harness {
	t.Helper()
	h := &harness{t: t, store: newTestStore(t), clock: clock.NewManual(epoch)}
	h.start(script, opts...)
	return h
}

// start (re)creates the engine over the harness store, as a restarted process would.
func (h *harness) start(script Script, opts ...func(*Config)) {
	h.t.Helper()
	h.tr = transport.NewMemory()
	cfg := Config{
		AutomationID:   testAutomation,
		Store:          h.store,
		Transport:      h.tr,
		Scripts:        StaticScripts{"test": script},
		DefaultScript:  schema.ScriptRef{Name: "test"},
		Clock:          h.clock,
		DefaultTimeout: time.Minute,
		PoolSize:       4,
		Logger:         discardLogger(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	e, err := New(cfg)
	require.NoError(h.t, err)
	h.engine = e
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
}

// crash stops the engine without touching durable state.
func (h *harness) crash() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(h.t, h.engine.Shutdown(ctx))
}

func (h *harness) deliver(text string) {
	h.t.Helper()
	require.NoError(h.t, h.engine.Deliver(context.Background(), testContact, "Ana", []schema.Message{schema.Text(text)}))
}

// waitSent waits until n messages were sent to the test contact and returns them.
func (h *harness) waitSent(n int) []schema.Message {
	h.t.Helper()
	sent, ok := h.tr.WaitForSent(testContact, n, waitFor)
	require.True(h.t, ok, "expected %d sent messages, got %d", n, len(sent))
	return sent
}

func (h *harness) waitTimers(n int) {
	h.t.Helper()
	require.True(h.t, h.clock.WaitForTimers(n, waitFor), "expected %d scheduled timers", n)
}

// waitIdle waits until no runtime is loaded.
func (h *harness) waitIdle() {
	h.t.Helper()
	done := make(chan struct{})
	go func() {
		h.engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		h.t.Fatal("runtimes did not stop")
	}
}

func (h *harness) conversation() *store.Conversation {
	h.t.Helper()
	convs, err := h.store.ListConversations(context.Background(), store.ConversationFilter{AutomationID: testAutomation})
	require.NoError(h.t, err)
	require.Len(h.t, convs, 1)
	return convs[0]
}

func texts(msgs []schema.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}
