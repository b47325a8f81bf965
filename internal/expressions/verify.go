package expressions

import (
	"context"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/codeloop/pkg/schema"
)

// Outcome is what a verifier sees about one test run.
type Outcome struct {
	Expected string
	Stdout   string
	Stderr   string
	ExitCode int
}

// verifyEnv is the typed environment a verify expression compiles against.
// Field names are exposed in snake case.
type verifyEnv struct {
	Expected string `expr:"expected"`
	Stdout   string `expr:"stdout"`
	Stderr   string `expr:"stderr"`
	ExitCode int    `expr:"exit_code"`
}

func (o Outcome) env() verifyEnv {
	return verifyEnv{
		Expected: strings.TrimSpace(o.Expected),
		Stdout:   strings.TrimSpace(o.Stdout),
		Stderr:   o.Stderr,
		ExitCode: o.ExitCode,
	}
}

// Verifier decides whether a test run succeeded. With no expression it
// compares trimmed stdout to the trimmed expected result exactly.
type Verifier struct {
	expression string
	program    *vm.Program
}

// NewVerifier compiles expression against expected, stdout, stderr and
// exit_code. Besides expr's builtins it may call squash(s), which collapses
// whitespace runs, and lines(s), which splits trimmed output into lines.
// Non-boolean expressions are rejected here, so configuration mistakes
// surface at startup.
func NewVerifier(expression string) (*Verifier, error) {
	v := &Verifier{expression: strings.TrimSpace(expression)}
	if v.expression == "" {
		return v, nil
	}
	prg, err := expr.Compile(v.expression,
		expr.Env(verifyEnv{}),
		expr.AsBool(),
		expr.Function("squash", func(params ...any) (any, error) {
			return strings.Join(strings.Fields(params[0].(string)), " "), nil
		}, new(func(string) string)),
		expr.Function("lines", func(params ...any) (any, error) {
			s := strings.TrimSpace(params[0].(string))
			if s == "" {
				return []string{}, nil
			}
			return strings.Split(s, "\n"), nil
		}, new(func(string) []string)),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"verify expression %q: %s", v.expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": v.expression})
	}
	v.program = prg
	return v, nil
}

// Verify reports whether o counts as a success.
func (v *Verifier) Verify(ctx context.Context, o Outcome) (bool, error) {
	if v == nil || v.program == nil {
		return strings.TrimSpace(o.Stdout) == strings.TrimSpace(o.Expected), nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	out, err := expr.Run(v.program, o.env())
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeExecution,
			"verify expression %q failed: %s", v.expression, err.Error()).
			WithCause(err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
