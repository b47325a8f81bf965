package expressions

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/rendis/codeloop/pkg/schema"
)

// celVariables are the top-level names a rule may reference. Each is a
// map(string, dyn); one the caller leaves out is bound to an empty map.
//
//	setting      resolved global setting
//	data_source  knowledge workspace selection
//	run          run metadata (run_id, prompt)
var celVariables = []string{"setting", "data_source", "run"}

// CELEngine checks operator rules over the resolved global setting.
type CELEngine struct {
	env      *cel.Env
	programs *programCache[cel.Program]
}

func NewCELEngine() (*CELEngine, error) {
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, cel.MapType(cel.StringType, cel.DynType)))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	e := &CELEngine{env: env}
	e.programs = newProgramCache(e.compile)
	return e, nil
}

func (e *CELEngine) Name() string { return "cel" }

func (e *CELEngine) compile(rule string) (cel.Program, error) {
	ast, iss := e.env.Compile(rule)
	if err := iss.Err(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cel: cannot compile %q: %s", rule, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": rule})
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "cel: cannot plan %q: %s", rule, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": rule})
	}
	return prg, nil
}

// Evaluate runs expression with data bound to the rule variables.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "cel: empty expression")
	}
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(celVariables))
	for _, name := range celVariables {
		vars[name] = map[string]any{}
		if v := data[name]; v != nil {
			vars[name] = v
		}
	}
	val, _, err := prg.ContextEval(ctx, vars)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "cel: %q: %s", expression, err).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return val.Value(), nil
}

// CheckRules evaluates every rule and returns one GLOBAL_SETTING error
// listing each rule that is false. A rule that fails to compile or
// evaluate, or yields a non-bool, is reported alone and immediately.
func (e *CELEngine) CheckRules(ctx context.Context, rules []string, data map[string]any) error {
	var violated []string
	for _, rule := range rules {
		out, err := e.Evaluate(ctx, rule, data)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeGlobalSetting, "setting rule %q is broken", rule).WithCause(err)
		}
		holds, ok := out.(bool)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeGlobalSetting, "setting rule %q yields %T, want bool", rule, out)
		}
		if !holds {
			violated = append(violated, rule)
		}
	}
	if len(violated) == 0 {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeGlobalSetting, "setting rule violated: %s", strings.Join(violated, "; ")).
		WithDetails(map[string]any{"rules": violated})
}

var _ Engine = (*CELEngine)(nil)
