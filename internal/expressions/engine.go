package expressions

import "context"

// Engine evaluates expressions written in declarative funnels.
// Three implementations: CEL (guards and routing rules), Expr (assignments),
// GoJQ (reshaping replies and metadata).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
