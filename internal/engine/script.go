package engine

import (
	"context"

	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/pkg/schema"
)

// StageFunc runs one visit of a stage and returns the next transition, or
// nil to abandon the conversation.
type StageFunc func(ctx context.Context, rt *Runtime) (*Transition, error)

// Stage is a named stage of a script.
type Stage struct {
	Name string
	Run  StageFunc
}

// Script is a funnel: a start hook, a set of stages and an end hook.
// Stage code must reach the outside world only through Runtime methods so
// that a restarted conversation replays instead of repeating side effects.
type Script interface {
	// OnStart runs when the conversation is created or restarted, with the
	// messages received before it ran.
	OnStart(ctx context.Context, rt *Runtime, msgs []schema.Message) (*Transition, error)
	Stages() []Stage
	// OnEnd runs once the conversation reached the end stage.
	OnEnd(ctx context.Context, rt *Runtime, status schema.ConversationStatus) error
	ParamSchema() []schema.Param
}

// EventHandler is implemented by scripts that accept webhook events.
type EventHandler interface {
	OnEvent(ctx context.Context, conv *store.Conversation, payload map[string]any) error
}

// ScriptResolver returns the script a conversation runs.
type ScriptResolver interface {
	Resolve(ctx context.Context, ref schema.ScriptRef) (Script, error)
}

// StaticScripts resolves scripts registered in memory, keyed by id or name.
type StaticScripts map[string]Script

// Resolve looks the ref up by id, then by name.
func (s StaticScripts) Resolve(_ context.Context, ref schema.ScriptRef) (Script, error) {
	if ref.ID != "" {
		if sc, ok := s[ref.ID]; ok {
			return sc, nil
		}
	}
	if ref.Name != "" {
		if sc, ok := s[ref.Name]; ok {
			return sc, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "script %s not found", ref)
}

// stageTable indexes a script's stages, rejecting duplicate and reserved names.
func stageTable(s Script) (map[string]StageFunc, error) {
	stages := s.Stages()
	table := make(map[string]StageFunc, len(stages))
	for _, st := range stages {
		switch {
		case st.Name == "":
			return nil, schema.NewError(schema.ErrCodeConfiguration, "stage without a name")
		case st.Name == schema.StageStart || st.Name == schema.StageEnd:
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "stage name %q is reserved", st.Name)
		case st.Run == nil:
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "stage %q has no function", st.Name)
		}
		if _, dup := table[st.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate stage name %q", st.Name)
		}
		table[st.Name] = st.Run
	}
	return table, nil
}
