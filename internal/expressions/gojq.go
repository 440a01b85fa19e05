package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/funnel/pkg/schema"
)

// GoJQEngine runs jq filters for `set` actions: reshaping stage metadata or
// pulling fields out of a structured reply. Compiled filters are cached and
// safe for concurrent use.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a jq engine with an empty filter cache.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{cache: make(map[string]*gojq.Code)}
}

func (e *GoJQEngine) Name() string { return "jq" }

// Compile checks a filter without running it.
func (e *GoJQEngine) Compile(filter string) error {
	_, err := e.filter(filter)
	return err
}

// Evaluate runs filter over the scope. One output is returned as is, several
// as []any, none as nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, filter string, scope map[string]any) (any, error) {
	code, err := e.filter(filter)
	if err != nil {
		return nil, err
	}
	outputs, err := collect(filter, code.RunWithContext(ctx, jqValue(scope)))
	if err != nil {
		return nil, err
	}
	switch len(outputs) {
	case 0:
		return nil, nil
	case 1:
		return outputs[0], nil
	default:
		return outputs, nil
	}
}

func collect(filter string, iter gojq.Iter) ([]any, error) {
	var outputs []any
	for {
		v, ok := iter.Next()
		if !ok {
			return outputs, nil
		}
		if err, failed := v.(error); failed {
			return nil, jqError(filter, "run", err)
		}
		outputs = append(outputs, v)
	}
}

func (e *GoJQEngine) filter(filter string) (*gojq.Code, error) {
	if filter == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty jq filter")
	}

	e.mu.RLock()
	code, ok := e.cache[filter]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if code, ok := e.cache[filter]; ok {
		return code, nil
	}

	query, err := gojq.Parse(filter)
	if err != nil {
		return nil, jqError(filter, "parse", err)
	}
	// scripts never see the process environment
	code, err = gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return nil, jqError(filter, "compile", err)
	}
	e.cache[filter] = code
	return code, nil
}

func jqError(filter, phase string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "jq filter %q: %s: %s", filter, phase, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": filter, "phase": phase})
}

// jqValue converts scope values to what gojq accepts: numbers as float64,
// lists as []any and objects as map[string]any.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
