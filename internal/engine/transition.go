package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/funnel/pkg/schema"
)

// Transition is the next stage requested by a stage function. Build it with
// SwitchStage, LoopStage, End or Restart; a literal Transition is rejected.
type Transition struct {
	Stage    string                    `json:"stage"`
	Metadata map[string]any            `json:"metadata,omitempty"`
	Status   schema.ConversationStatus `json:"status,omitempty"`

	auth string
}

// transitionTransform re-attaches the current run's token to replayed transitions.
func (rt *Runtime) transitionTransform() Transform[*Transition] {
	return Transform[*Transition]{
		Get: func(_ context.Context, raw json.RawMessage) (*Transition, error) {
			t := &Transition{}
			if err := json.Unmarshal(raw, t); err != nil {
				return nil, err
			}
			t.auth = rt.token
			return t, nil
		},
	}
}

func (rt *Runtime) transition(ctx context.Context, name string, next Transition) (*Transition, error) {
	return Call(ctx, rt, name, []any{next.Stage, next.Metadata, next.Status}, func(context.Context, *Step) (*Transition, error) {
		t := next
		t.auth = rt.token
		return &t, nil
	}, WithTransform(rt.transitionTransform()))
}

// SwitchStage moves the conversation to stage. metadata is merged into the
// stage's stored metadata.
func (rt *Runtime) SwitchStage(ctx context.Context, stage string, metadata map[string]any) (*Transition, error) {
	return rt.transition(ctx, "switchStage", Transition{Stage: stage, Metadata: metadata})
}

// LoopStage runs the current stage again as a new visit. metadata, when not
// nil, replaces the stage's stored metadata.
func (rt *Runtime) LoopStage(ctx context.Context, metadata map[string]any) (*Transition, error) {
	return rt.transition(ctx, "loopStage", Transition{Stage: rt.exec.Stage, Metadata: metadata})
}

// End finishes the conversation with status COMPLETED or CANCELED.
func (rt *Runtime) End(ctx context.Context, status schema.ConversationStatus, metadata map[string]any) (*Transition, error) {
	if status != schema.StatusCompleted && status != schema.StatusCanceled {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "end status must be %s or %s, got %q",
			schema.StatusCompleted, schema.StatusCanceled, status)
	}
	return rt.transition(ctx, "end", Transition{Stage: schema.StageEnd, Metadata: metadata, Status: status})
}

// Restart runs the start hook again.
func (rt *Runtime) Restart(ctx context.Context, metadata map[string]any) (*Transition, error) {
	return rt.transition(ctx, "restart", Transition{Stage: schema.StageStart, Metadata: metadata})
}
