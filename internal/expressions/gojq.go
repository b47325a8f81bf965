package expressions

import (
	"context"
	"encoding/json"

	"github.com/itchyny/gojq"

	"github.com/rendis/codeloop/pkg/schema"
)

// GoJQEngine runs jq programs over run state and history records.
// $ENV is always empty so a query cannot read the process environment.
type GoJQEngine struct {
	programs *programCache[*gojq.Code]
}

func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{programs: newProgramCache(compileJQ)}
}

func (e *GoJQEngine) Name() string { return "jq" }

func compileJQ(src string) (*gojq.Code, error) {
	q, err := gojq.Parse(src)
	if err == nil {
		var code *gojq.Code
		code, err = gojq.Compile(q, gojq.WithEnvironLoader(func() []string { return nil }))
		if err == nil {
			return code, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "jq: %q: %s", src, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": src})
}

// Evaluate is Project over a map input.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	out, err := e.Run(ctx, expression, data)
	return collapse(out), err
}

// Run returns every output of expression over input. Input must already be
// JSON-shaped (maps, slices, scalars); use Project for structs.
func (e *GoJQEngine) Run(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq: empty expression")
	}
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var out []any
	iter := code.RunWithContext(ctx, jqValue(input))
	for {
		v, ok := iter.Next()
		if !ok {
			return out, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "jq: %q: %s", expression, err).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		out = append(out, v)
	}
}

// Project runs expression over the JSON form of v, so structs are addressed
// by their json field names. No output yields nil, one output the value
// itself and several a list.
func (e *GoJQEngine) Project(ctx context.Context, expression string, v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq: input is not JSON-encodable").WithCause(err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq: input is not JSON-encodable").WithCause(err)
	}
	out, err := e.Run(ctx, expression, doc)
	return collapse(out), err
}

func collapse(out []any) any {
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return out
	}
}

// jqValue widens Go numeric types gojq rejects. gojq takes int, float64
// and *big.Int only.
func jqValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, item := range x {
			m[k] = jqValue(item)
		}
		return m
	case []any:
		s := make([]any, len(x))
		for i, item := range x {
			s[i] = jqValue(item)
		}
		return s
	case []string:
		s := make([]any, len(x))
		for i, item := range x {
			s[i] = item
		}
		return s
	case int64:
		return float64(x)
	case int32:
		return int(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
