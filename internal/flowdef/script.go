package flowdef

import (
	"context"
	"log/slog"
	"strings"

	"github.com/rendis/funnel/internal/engine"
	"github.com/rendis/funnel/internal/expressions"
	"github.com/rendis/funnel/pkg/schema"
)

// Script runs a compiled funnel definition. Every side effect goes through
// the runtime, so a resumed conversation replays the actions it already
// performed.
type Script struct {
	def *schema.FunnelDefinition
	c   *Compiler
}

// Definition returns the source definition.
func (s *Script) Definition() *schema.FunnelDefinition { return s.def }

func (s *Script) ParamSchema() []schema.Param { return s.def.Params }

// OnStart runs the start actions with the first messages as the reply, then
// follows the start rules. Without rules it switches to the first stage.
func (s *Script) OnStart(ctx context.Context, rt *engine.Runtime, msgs []schema.Message) (*engine.Transition, error) {
	st := &state{s: s, rt: rt, reply: joinText(msgs)}
	if err := st.load(ctx, schema.StageStart); err != nil {
		return nil, err
	}
	if err := st.run(ctx, s.def.Start.Actions); err != nil {
		return nil, err
	}
	if len(s.def.Start.Next) == 0 {
		if len(s.def.Stages) == 0 {
			return rt.End(ctx, schema.StatusCompleted, nil)
		}
		return rt.SwitchStage(ctx, s.def.Stages[0].Name, nil)
	}
	return st.next(ctx, s.def.Start.Next)
}

func (s *Script) Stages() []engine.Stage {
	stages := make([]engine.Stage, len(s.def.Stages))
	for i := range s.def.Stages {
		def := &s.def.Stages[i]
		stages[i] = engine.Stage{
			Name: def.Name,
			Run: func(ctx context.Context, rt *engine.Runtime) (*engine.Transition, error) {
				st := &state{s: s, rt: rt}
				if err := st.load(ctx, def.Name); err != nil {
					return nil, err
				}
				if err := st.run(ctx, def.Actions); err != nil {
					return nil, err
				}
				return st.next(ctx, def.Next)
			},
		}
	}
	return stages
}

// OnEnd runs the end actions. Its rules are ignored.
func (s *Script) OnEnd(ctx context.Context, rt *engine.Runtime, _ schema.ConversationStatus) error {
	if s.def.End == nil {
		return nil
	}
	st := &state{s: s, rt: rt}
	if err := st.load(ctx, schema.StageEnd); err != nil {
		return err
	}
	return st.run(ctx, s.def.End.Actions)
}

var _ engine.Script = (*Script)(nil)

// state is one visit of a stage: the scope its expressions see, updated as
// its actions run.
type state struct {
	s     *Script
	rt    *engine.Runtime
	reply string
	scope *expressions.Scope
}

func (st *state) load(ctx context.Context, stage string) error {
	md, err := st.rt.Metadata().All(ctx)
	if err != nil {
		return err
	}
	st.scope = expressions.NewScope(st.rt.Contact(), stage, st.rt.Args(), md).WithReply(st.reply)
	return nil
}

// next returns the transition of the first rule whose guard holds. No match
// abandons the conversation.
func (st *state) next(ctx context.Context, rules []schema.NextRule) (*engine.Transition, error) {
	for _, rule := range rules {
		if rule.When != "" {
			ok, err := st.s.c.cel.EvaluateBool(ctx, rule.When, st.scope.Data())
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		switch {
		case rule.Stage != "":
			return st.rt.SwitchStage(ctx, rule.Stage, nil)
		case rule.Loop:
			return st.rt.LoopStage(ctx, nil)
		case rule.Restart:
			return st.rt.Restart(ctx, nil)
		default:
			return st.rt.End(ctx, rule.End, nil)
		}
	}
	st.rt.Logger().WarnContext(ctx, "no next rule matched", slog.String("stage", st.rt.CurrentStage()))
	return nil, nil
}

func joinText(msgs []schema.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Text != "" {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n")
}
