package graph

import (
	"fmt"

	"github.com/rendis/codeloop/pkg/schema"
)

// Reducer selects how a step's update is folded into the run state.
type Reducer int

const (
	// Replace overwrites the field with the update's value.
	Replace Reducer = iota
	// Append concatenates the update's list onto the current list.
	Append
)

func (r Reducer) String() string {
	switch r {
	case Replace:
		return "replace"
	case Append:
		return "append"
	default:
		return fmt.Sprintf("reducer(%d)", int(r))
	}
}

// Field binds a named state field to its merge policy.
type Field[S any] struct {
	Name    string
	Reducer Reducer
	// Merge folds src's value for this field into dst.
	Merge func(dst *S, src S)
	// Reset restores the field in dst to its empty value.
	Reset func(dst *S)
}

// ReplaceField declares a field whose updates overwrite the current value.
// set copies the field from src into dst.
func ReplaceField[S any](name string, set func(dst *S, src S)) Field[S] {
	return Field[S]{
		Name:    name,
		Reducer: Replace,
		Merge:   set,
		Reset: func(dst *S) {
			var zero S
			set(dst, zero)
		},
	}
}

// AppendField declares a list field whose updates are concatenated in fold order.
func AppendField[S any](name string, appendTo func(dst *S, src S), reset func(dst *S)) Field[S] {
	return Field[S]{Name: name, Reducer: Append, Merge: appendTo, Reset: reset}
}

// StateSchema is the set of fields a graph's state exposes to updates.
type StateSchema[S any] struct {
	fields map[string]Field[S]
	names  []string
}

// NewStateSchema validates and indexes the given fields.
func NewStateSchema[S any](fields ...Field[S]) (*StateSchema[S], error) {
	s := &StateSchema[S]{fields: make(map[string]Field[S], len(fields))}
	for _, f := range fields {
		if f.Name == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "state field has empty name")
		}
		if _, dup := s.fields[f.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate state field %q", f.Name)
		}
		if f.Merge == nil || f.Reset == nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "state field %q needs merge and reset functions", f.Name)
		}
		s.fields[f.Name] = f
		s.names = append(s.names, f.Name)
	}
	return s, nil
}

// MustStateSchema is NewStateSchema for package-level declarations.
func MustStateSchema[S any](fields ...Field[S]) *StateSchema[S] {
	s, err := NewStateSchema(fields...)
	if err != nil {
		panic(err)
	}
	return s
}

// Reducer returns the reducer registered for name.
func (s *StateSchema[S]) Reducer(name string) (Reducer, bool) {
	f, ok := s.fields[name]
	return f.Reducer, ok
}

// Names returns field names in declaration order.
func (s *StateSchema[S]) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Apply folds u into dst. Cleared fields are reset before any merge.
func (s *StateSchema[S]) Apply(dst *S, u Update[S]) error {
	for _, name := range u.Clear {
		f, ok := s.fields[name]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeUnknownField, "cannot clear unknown state field %q", name)
		}
		f.Reset(dst)
	}
	for _, name := range u.Fields {
		f, ok := s.fields[name]
		if !ok {
			return schema.NewErrorf(schema.ErrCodeUnknownField, "cannot update unknown state field %q", name)
		}
		f.Merge(dst, u.Value)
	}
	return nil
}

// Update is a step's partial result: the listed Fields of Value are folded
// into the run state with their reducers; Clear fields are reset first.
type Update[S any] struct {
	Value  S
	Fields []string
	Clear  []string
}

// Set returns an update writing the named fields of value.
func Set[S any](value S, fields ...string) Update[S] {
	return Update[S]{Value: value, Fields: fields}
}

// Skip returns an update that leaves the state untouched.
func Skip[S any]() Update[S] {
	return Update[S]{}
}

// Clearing returns a copy of u that also resets the named fields.
func (u Update[S]) Clearing(fields ...string) Update[S] {
	u.Clear = append(append([]string(nil), u.Clear...), fields...)
	return u
}

// Empty reports whether applying u would change nothing.
func (u Update[S]) Empty() bool {
	return len(u.Fields) == 0 && len(u.Clear) == 0
}
