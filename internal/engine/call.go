package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rendis/funnel/internal/metrics"
	"github.com/rendis/funnel/internal/store"
	"github.com/rendis/funnel/pkg/schema"
)

// Step is the execution of one wrapped call.
type Step struct {
	Name  string
	Coord store.Coordinate
	// FirstExec is false when an earlier attempt at this coordinate failed
	// or was interrupted.
	FirstExec bool

	rt *Runtime
}

// Runtime returns the runtime executing the call.
func (s *Step) Runtime() *Runtime { return s.rt }

// Transform rewrites what a call stores in the execution log. Set maps the
// result to the stored value; Get rebuilds the result from the stored JSON.
// Blocking marks a Get that performs I/O.
type Transform[T any] struct {
	Set      func(ctx context.Context, v T) (any, error)
	Get      func(ctx context.Context, raw json.RawMessage) (T, error)
	Blocking bool
}

type callOptions struct {
	transform any
	blocking  bool
	inline    bool
	keepVars  bool
	noCache   bool
}

// CallOption configures a wrapped call.
type CallOption func(*callOptions)

// WithTransform sets the result transform. Its type must match the call's
// result type.
func WithTransform[T any](t Transform[T]) CallOption {
	return func(o *callOptions) {
		o.transform = t
		o.blocking = t.Blocking
	}
}

// Inline marks a call that must not block on I/O while replaying.
func Inline() CallOption {
	return func(o *callOptions) { o.inline = true }
}

// KeepVars keeps the call's scratch variables after it succeeds.
func KeepVars() CallOption {
	return func(o *callOptions) { o.keepVars = true }
}

// NoCache records the call without its result. Replays return the zero value.
func NoCache() CallOption {
	return func(o *callOptions) { o.noCache = true }
}

// Call runs fn at most once per coordinate of the current stage run.
//
// When the coordinate already holds a successful entry the recorded result
// is returned without calling fn. Otherwise fn runs; on success the result is
// recorded and the sequence advances, on failure the error is recorded and
// the sequence stays put so the next attempt lands on the same coordinate.
// Calls made from inside fn are part of the enclosing call and are not
// recorded on their own.
func Call[T any](ctx context.Context, rt *Runtime, name string, args []any, fn func(ctx context.Context, step *Step) (T, error), opts ...CallOption) (T, error) {
	var zero T
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	var tf Transform[T]
	if o.transform != nil {
		t, ok := o.transform.(Transform[T])
		if !ok {
			return zero, schema.NewErrorf(schema.ErrCodeConfiguration,
				"%s: result transform %T does not match result type %T", name, o.transform, zero)
		}
		tf = t
	}
	if o.inline && o.blocking {
		return zero, schema.NewErrorf(schema.ErrCodeConfiguration,
			"%s: an inline call cannot use a blocking result transform", name)
	}

	exec := rt.exec
	if outer := exec.step; outer != nil {
		return fn(ctx, &Step{Name: name, Coord: outer.Coord, FirstExec: outer.FirstExec, rt: rt})
	}

	env := rt.env
	coord := exec.Coordinate()
	logger := rt.env.logger.With(slog.String("func", name), slog.Int64("sequence", coord.Sequence), slog.Bool("internal", coord.Internal))

	entry, err := env.store.FindLatestSuccess(ctx, coord)
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodePersistence, "%s: read execution log: %s", name, err.Error()).
			WithStage(exec.Stage).WithCause(err)
	}
	if entry != nil {
		v, err := decodeResult(ctx, tf, entry.CachedResult)
		if err != nil {
			return zero, schema.NewErrorf(schema.ErrCodeReplayIntegrity, "%s: decode recorded result: %s", name, err.Error()).
				WithStage(exec.Stage).WithCause(err)
		}
		exec.advance(coord.Internal)
		env.metrics.ObserveCall(name, metrics.OutcomeReplayed, 0)
		logger.DebugContext(ctx, "call replayed")
		return v, nil
	}

	first, err := getVar(ctx, env.store, coord, varFirstExec, true)
	if err != nil {
		logger.WarnContext(ctx, "read first execution flag", slog.String("error", err.Error()))
		first = true
	}

	step := &Step{Name: name, Coord: coord, FirstExec: first, rt: rt}
	start := time.Now()
	exec.step = step
	result, err := invokeStep(ctx, step, fn)
	exec.step = nil
	elapsed := time.Since(start)
	argsJSON := encodeArgs(args)

	// persistence below must survive a canceled runtime
	wctx := context.WithoutCancel(ctx)

	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			if serr := setVar(wctx, env.store, coord, varFirstExec, false); serr != nil {
				logger.WarnContext(ctx, "clear first execution flag", slog.String("error", serr.Error()))
			}
			return zero, err
		}

		failed := &store.ExecutionEntry{
			Coordinate: coord,
			StageName:  exec.Stage,
			FuncName:   name,
			Args:       argsJSON,
			Error:      err.Error(),
			DurationMs: elapsed.Milliseconds(),
		}
		if rerr := env.store.RecordExecution(wctx, failed); rerr != nil {
			logger.ErrorContext(ctx, "record failed call", slog.String("error", rerr.Error()))
		}
		if serr := setVar(wctx, env.store, coord, varFirstExec, false); serr != nil {
			logger.WarnContext(ctx, "clear first execution flag", slog.String("error", serr.Error()))
		}
		env.metrics.ObserveCall(name, metrics.OutcomeFailed, elapsed)
		rt.publish(ctx, schema.EventCallFailed, map[string]any{"func": name, "error": err.Error()})
		logger.WarnContext(ctx, "call failed", slog.String("error", err.Error()))
		return zero, schema.NewErrorf(schema.ErrCodeStepExecution, "%s: %s", name, err.Error()).
			WithStage(exec.Stage).
			WithDetails(map[string]any{"func": name, "sequence": coord.Sequence, "internal": coord.Internal}).
			WithCause(err)
	}

	var stored json.RawMessage
	if !o.noCache {
		stored, err = encodeResult(ctx, tf, result)
		if err != nil {
			logger.ErrorContext(ctx, "encode call result", slog.String("error", err.Error()))
		}
	}
	ok := &store.ExecutionEntry{
		Coordinate:   coord,
		StageName:    exec.Stage,
		FuncName:     name,
		Args:         argsJSON,
		CachedResult: stored,
		DurationMs:   elapsed.Milliseconds(),
	}
	if err := env.store.RecordExecution(wctx, ok); err != nil {
		logger.ErrorContext(ctx, "record call result", slog.String("error", err.Error()))
	}
	if !o.keepVars {
		if err := env.store.ClearCachedVars(wctx, coord); err != nil {
			logger.WarnContext(ctx, "clear call vars", slog.String("error", err.Error()))
		}
	}
	if err := env.store.ClearTimers(wctx, coord); err != nil {
		logger.WarnContext(ctx, "clear call timers", slog.String("error", err.Error()))
	}
	exec.advance(coord.Internal)
	env.metrics.ObserveCall(name, metrics.OutcomeExecuted, elapsed)
	return result, nil
}

// Do wraps a call without a result.
func Do(ctx context.Context, rt *Runtime, name string, args []any, fn func(ctx context.Context, step *Step) error, opts ...CallOption) error {
	_, err := Call(ctx, rt, name, args, func(ctx context.Context, step *Step) (struct{}, error) {
		return struct{}{}, fn(ctx, step)
	}, append(opts, NoCache())...)
	return err
}

func invokeStep[T any](ctx context.Context, step *Step, fn func(ctx context.Context, step *Step) (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, step)
}

func decodeResult[T any](ctx context.Context, tf Transform[T], raw json.RawMessage) (T, error) {
	if tf.Get != nil {
		return tf.Get(ctx, raw)
	}
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	err := json.Unmarshal(raw, &v)
	return v, err
}

func encodeResult[T any](ctx context.Context, tf Transform[T], v T) (json.RawMessage, error) {
	var out any = v
	if tf.Set != nil {
		s, err := tf.Set(ctx, v)
		if err != nil {
			return nil, err
		}
		out = s
	}
	return json.Marshal(out)
}

func encodeArgs(args []any) json.RawMessage {
	if len(args) == 0 {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		raw, _ = json.Marshal(fmt.Sprint(args...))
	}
	return raw
}
