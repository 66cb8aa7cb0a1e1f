package expressions

import "context"

// Engine evaluates expressions against a state's visible scope.
// Three implementations: CEL (choice conditions), GoJQ (parameter mapping and
// result paths), Expr (the logic builtin tool).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
