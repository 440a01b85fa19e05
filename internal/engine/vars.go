package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/funnel/internal/store"
)

// Cached variable names used by the engine.
const (
	varFirstExec        = "_firstExec"
	varLastRetryMessage = "sendQuestionLastRetryMessage"
	varCurrentRetry     = "sendQuestionCurrentRetry"
)

func getVar[T any](ctx context.Context, vs store.VarStore, coord store.Coordinate, name string, def T) (T, error) {
	var zero T
	raw, err := json.Marshal(def)
	if err != nil {
		return zero, fmt.Errorf("encode default of %s: %w", name, err)
	}
	stored, err := vs.GetCachedVar(ctx, coord, name, raw)
	if err != nil {
		return zero, fmt.Errorf("get cached var %s: %w", name, err)
	}
	var v T
	if err := json.Unmarshal(stored, &v); err != nil {
		return zero, fmt.Errorf("decode cached var %s: %w", name, err)
	}
	return v, nil
}

func setVar[T any](ctx context.Context, vs store.VarStore, coord store.Coordinate, name string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cached var %s: %w", name, err)
	}
	if err := vs.SetCachedVar(ctx, coord, name, raw); err != nil {
		return fmt.Errorf("set cached var %s: %w", name, err)
	}
	return nil
}

// StepVar reads a scratch variable of the executing call, storing def when
// the variable does not exist yet.
func StepVar[T any](ctx context.Context, s *Step, name string, def T) (T, error) {
	return getVar(ctx, s.rt.env.store, s.Coord, name, def)
}

// SetStepVar writes a scratch variable of the executing call.
func SetStepVar[T any](ctx context.Context, s *Step, name string, v T) error {
	return setVar(ctx, s.rt.env.store, s.Coord, name, v)
}
