package expressions

import "context"

// Engine evaluates expressions against run data.
// CEL checks setting rules and GoJQ projects state and history. Result
// verification has its own typed program, see Verifier.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
