package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/codeloop/pkg/schema"
)

// Interpolator renders ${{ name }} and ${{ name.path }} references in prompt
// templates. Strings are inserted verbatim, string lists one item per line,
// and any other value as compact JSON.
type Interpolator struct {
	// Strict makes unknown references an error. Otherwise they render empty.
	Strict bool
}

// NewInterpolator creates an Interpolator.
func NewInterpolator(strict bool) *Interpolator {
	return &Interpolator{Strict: strict}
}

// Render resolves every reference in tmpl against vars.
func (interp *Interpolator) Render(tmpl string, vars map[string]any) (string, error) {
	var result strings.Builder
	result.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.Index(tmpl[i:], "${{")
		if idx == -1 {
			result.WriteString(tmpl[i:])
			break
		}

		result.WriteString(tmpl[i : i+idx])
		start := i + idx + 3

		end := strings.Index(tmpl[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ reference")
		}
		end += start

		ref := strings.TrimSpace(tmpl[start:end])
		if strings.Contains(ref, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}
		if ref == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty reference: ${{  }}")
		}

		val, err := interp.resolve(ref, vars)
		if err != nil {
			return "", err
		}
		result.WriteString(renderValue(val))

		i = end + 2
	}

	return result.String(), nil
}

func (interp *Interpolator) resolve(ref string, vars map[string]any) (any, error) {
	parts := strings.Split(ref, ".")
	var cur any = vars
	for n, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return interp.missing(ref, strings.Join(parts[:n], "."), nil)
		}
		next, ok := m[part]
		if !ok {
			return interp.missing(ref, strings.Join(parts[:n+1], "."), m)
		}
		cur = next
	}
	return cur, nil
}

func (interp *Interpolator) missing(ref, at string, scope map[string]any) (any, error) {
	if !interp.Strict {
		return nil, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeInterpolation, "unresolved reference ${{ %s }} at %q", ref, at).
		WithDetails(map[string]any{"reference": ref, "available": mapKeys(scope)})
}

func renderValue(val any) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, "\n")
	case fmt.Stringer:
		return v.String()
	case bool, int, int64, float64:
		return fmt.Sprint(v)
	}
	data, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprint(val)
	}
	return string(data)
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// References returns the distinct reference names in tmpl, in order.
func References(tmpl string) []string {
	var out []string
	seen := map[string]bool{}
	rest := tmpl
	for {
		idx := strings.Index(rest, "${{")
		if idx == -1 {
			return out
		}
		rest = rest[idx+3:]
		end := strings.Index(rest, "}}")
		if end == -1 {
			return out
		}
		ref := strings.TrimSpace(rest[:end])
		if ref != "" && !seen[ref] {
			seen[ref] = true
			out = append(out, ref)
		}
		rest = rest[end+2:]
	}
}
