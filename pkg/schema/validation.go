package schema

import (
	"fmt"
	"strings"
)

// Issue is one definition problem, located by a dotted path such as
// "steps.action_code.retry".
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Issues collects definition problems so they can be reported together.
type Issues []Issue

// Add records a problem at path.
func (is *Issues) Add(path, message string) {
	*is = append(*is, Issue{Path: path, Message: message})
}

// Addf records a formatted problem at path.
func (is *Issues) Addf(path, format string, args ...any) {
	is.Add(path, fmt.Sprintf(format, args...))
}

// Err returns nil when empty, otherwise one VALIDATION_ERROR naming the
// owner and every problem.
func (is Issues) Err(owner string) error {
	if len(is) == 0 {
		return nil
	}
	msgs := make([]string, len(is))
	for i, issue := range is {
		msgs[i] = issue.Path + ": " + issue.Message
	}
	return NewErrorf(ErrCodeValidation, "%s: %s", owner, strings.Join(msgs, "; ")).
		WithDetails(map[string]any{"issues": []Issue(is)})
}
