package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	"github.com/google/uuid"

	"github.com/rendis/funnel/internal/logging"
	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/pkg/schema"
)

// Reserved stage names of engine-level execution log rows.
const (
	stagePreScript       = "_preScript"
	stageScriptExecution = "_scriptExecution"
	stageScriptRestore   = "_scriptRestore"
)

// run drives the conversation from its persisted stage until no transition
// is left. On a clean exit all scratch state of the script is removed; on
// error it is kept so the next run resumes where this one stopped.
func (rt *Runtime) run(ctx context.Context) error {
	contact := rt.conv.Contact
	rt.env.transport.AddListener(contact, rt.receive)

	clean := false
	defer func() {
		rt.env.transport.RemoveListener(contact)
		rt.env.timers.StopScript(rt.conv.ID)
		if clean {
			rt.clearScratch(context.WithoutCancel(ctx))
		}
	}()

	for {
		stage := rt.conv.CurrentStage
		status := rt.status()
		if status.Terminal() && stage != schema.StageEnd {
			clean = true
			return nil
		}

		rt.exec.Reset(stage, rt.conv.StageRun)
		rt.stage.Store(stage)
		rt.token = uuid.NewString()
		sctx := logging.WithIDs(ctx, rt.conv.ID, rt.conv.Script.String(), stage)

		if err := rt.loadMetadata(sctx); err != nil {
			return err
		}
		if status == schema.StatusCreated {
			if err := rt.setStatus(sctx, schema.StatusExecuting); err != nil {
				return err
			}
		}

		rt.env.logger.DebugContext(sctx, "stage started", slog.Int64("run", rt.conv.StageRun))
		next, err := rt.invoke(sctx, stage)

		if rt.status() == schema.StatusCanceled && stage != schema.StageEnd {
			rt.env.logger.InfoContext(sctx, "conversation canceled")
			clean = true
			return nil
		}
		if err != nil {
			return err
		}
		if stage == schema.StageEnd {
			rt.env.logger.InfoContext(sctx, "conversation finished", slog.String("status", string(rt.status())))
			clean = true
			return nil
		}
		if next == nil {
			rt.env.logger.WarnContext(sctx, "stage returned no transition, canceling conversation")
			if err := rt.setStatus(sctx, schema.StatusCanceled); err != nil {
				return err
			}
			clean = true
			return nil
		}
		if err := rt.apply(sctx, stage, next); err != nil {
			return err
		}
	}
}

// invoke runs the function behind a stage name. Errors not already recorded
// by a wrapped call are recorded against the stage.
func (rt *Runtime) invoke(ctx context.Context, stage string) (next *Transition, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = rt.stageFailed(ctx, stage, err)
		}
	}()

	switch stage {
	case schema.StageStart:
		msgs := rt.takePending()
		next, err = rt.script.OnStart(ctx, rt, msgs)
		if err != nil {
			rt.requeue(msgs)
			return nil, err
		}
		rt.markProcessed(ctx, msgs)
		return next, nil
	case schema.StageEnd:
		return nil, rt.script.OnEnd(ctx, rt, rt.status())
	}

	fn, ok := rt.stages[stage]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeReplayIntegrity, "stage %q does not exist", stage).WithStage(stage)
	}
	return fn(ctx, rt)
}

func (rt *Runtime) stageFailed(ctx context.Context, stage string, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	var fe *schema.FunnelError
	if errors.As(err, &fe) && fe.Code == schema.ErrCodeStepExecution {
		return err
	}

	entry := &store.ExecutionEntry{
		Coordinate: rt.exec.Coordinate(),
		StageName:  stage,
		FuncName:   stage,
		Error:      err.Error(),
	}
	if rerr := rt.env.store.RecordExecution(context.WithoutCancel(ctx), entry); rerr != nil {
		rt.env.logger.ErrorContext(ctx, "record stage failure", slog.String("error", rerr.Error()))
	}
	if fe != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStepExecution, "stage %s: %s", stage, err.Error()).WithStage(stage).WithCause(err)
}

// apply validates a transition and moves the conversation to its target.
func (rt *Runtime) apply(ctx context.Context, from string, next *Transition) error {
	if next.auth == "" || next.auth != rt.token {
		return schema.NewErrorf(schema.ErrCodeReplayIntegrity,
			"transition to %q was not issued by this stage run", next.Stage).WithStage(from)
	}
	target := next.Stage
	if target != schema.StageStart && target != schema.StageEnd {
		if _, ok := rt.stages[target]; !ok {
			return schema.NewErrorf(schema.ErrCodeReplayIntegrity, "transition to unknown stage %q", target).WithStage(from)
		}
	}

	kind := "switch"
	switch {
	case target == schema.StageEnd:
		kind = "end"
	case target == from:
		kind = "loop"
	}

	if next.Metadata != nil {
		md := maps.Clone(next.Metadata)
		if kind != "loop" {
			prev, err := rt.env.store.GetStageMetadata(ctx, rt.conv.ID, target)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodePersistence, "load metadata of %s: %s", target, err.Error()).WithCause(err)
			}
			if prev != nil {
				maps.Copy(prev, md)
				md = prev
			}
		}
		if err := rt.env.store.PutStageMetadata(ctx, rt.conv.ID, target, md); err != nil {
			return schema.NewErrorf(schema.ErrCodePersistence, "store metadata of %s: %s", target, err.Error()).WithCause(err)
		}
	}

	// Scratch state is keyed by sequence only, so the finished run's vars and
	// timers must be gone before the next run starts numbering from zero.
	rt.env.timers.StopScript(rt.conv.ID)
	if err := rt.clearScratchErr(ctx); err != nil {
		return err
	}

	run := rt.conv.StageRun + 1
	upd := store.ConversationUpdate{CurrentStage: &target, StageRun: &run}
	if target == schema.StageEnd {
		rt.statusMu.Lock()
		err := rt.setStatusLocked(ctx, next.Status, upd)
		rt.statusMu.Unlock()
		if err != nil {
			return err
		}
	} else if err := rt.env.store.UpdateConversation(ctx, rt.conv.ID, upd); err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "persist stage %s: %s", target, err.Error()).WithCause(err)
	}
	if err := rt.env.store.AppendPath(ctx, &store.PathRecord{ConversationID: rt.conv.ID, StageName: target}); err != nil {
		rt.env.logger.WarnContext(ctx, "append stage path", slog.String("error", err.Error()))
	}

	rt.conv.CurrentStage = target
	rt.conv.StageRun = run
	rt.env.metrics.StageTransition(kind)
	rt.publish(ctx, schema.EventStageChanged, map[string]any{"from": from, "to": target, "run": run, "kind": kind})
	rt.env.logger.InfoContext(ctx, "stage changed", slog.String("to", target), slog.String("kind", kind))
	return nil
}

func (rt *Runtime) clearScratchErr(ctx context.Context) error {
	if err := rt.env.store.ClearScriptCachedVars(ctx, rt.conv.ID); err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "clear cached vars: %s", err.Error()).WithCause(err)
	}
	if err := rt.env.store.ClearScriptTimers(ctx, rt.conv.ID); err != nil {
		return schema.NewErrorf(schema.ErrCodePersistence, "clear timers: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (rt *Runtime) clearScratch(ctx context.Context) {
	if err := rt.clearScratchErr(ctx); err != nil {
		rt.env.logger.WarnContext(ctx, "clear script state", slog.String("error", err.Error()))
	}
}
