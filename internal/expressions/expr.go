package expressions

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/funnel/pkg/schema"
)

// ExprEngine evaluates `set` assignments with expr-lang/expr: arithmetic,
// string helpers, nil coalescing (??) and optional chaining (?.), plus the
// reply helpers digits, words and affirmative.
// Compiled programs are cached and safe for concurrent use.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

func (e *ExprEngine) Name() string {
	return "expr"
}

// Compile checks expression without evaluating it.
func (e *ExprEngine) Compile(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// Evaluate runs expression with the keys of data as top-level variables.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expr expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out, nil
}

// getOrCompile compiles against an untyped environment: the scope shape is
// fixed but metadata values change type between conversations.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	opts := append([]expr.Option{expr.AllowUndefinedVariables()}, replyHelpers...)
	prg, err := expr.Compile(expression, opts...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// affirmatives are the replies affirmative() accepts, lowercased.
var affirmatives = map[string]bool{
	"y": true, "yes": true, "yeah": true, "yep": true, "ok": true, "okay": true, "sure": true,
	"si": true, "sí": true, "dale": true, "claro": true,
}

var replyHelpers = []expr.Option{
	expr.Function("digits", func(params ...any) (any, error) {
		s, err := stringParam("digits", params)
		if err != nil {
			return nil, err
		}
		return strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, s), nil
	}),
	expr.Function("words", func(params ...any) (any, error) {
		s, err := stringParam("words", params)
		if err != nil {
			return nil, err
		}
		return strings.Fields(s), nil
	}),
	expr.Function("affirmative", func(params ...any) (any, error) {
		s, err := stringParam("affirmative", params)
		if err != nil {
			return nil, err
		}
		s = strings.ToLower(strings.Trim(strings.TrimSpace(s), ".!¡ "))
		return affirmatives[s], nil
	}),
}

func stringParam(fn string, params []any) (string, error) {
	if len(params) != 1 {
		return "", fmt.Errorf("%s() takes one argument, got %d", fn, len(params))
	}
	switch v := params[0].(type) {
	case string:
		return v, nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("%s() expects a string, got %T", fn, v)
	}
}

var _ Engine = (*ExprEngine)(nil)
