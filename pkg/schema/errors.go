package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation = "VALIDATION_ERROR"
	ErrCodeExecution  = "EXECUTION_ERROR"
	ErrCodeTimeout    = "TIMEOUT_ERROR"
	ErrCodeNotFound   = "NOT_FOUND"
	ErrCodeStore      = "STORE_ERROR"
	ErrCodeCancelled  = "CANCELLED"

	ErrCodeInterpolation = "INTERPOLATION_ERROR"

	// Graph structure and run control.
	ErrCodeEdgeMaps       = "EDGE_MAPS_ERROR"
	ErrCodeEdgeFunc       = "EDGE_FUNC_ERROR"
	ErrCodeRouting        = "ROUTING_ERROR"
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"
	ErrCodeUnknownField   = "UNKNOWN_FIELD"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"

	// Collaborators and protocol.
	ErrCodeExtraTag   = "EXTRA_TAG_ERROR"
	ErrCodeUnloadable = "UNLOADABLE_ERROR"
	ErrCodeSendMail   = "SEND_MAIL_ERROR"

	// Operator input.
	ErrCodeGlobalSetting = "GLOBAL_SETTING_ERROR"
	ErrCodeSelectMode    = "SELECT_MODE_ERROR"
)

// LoopError is the structured error type for all codeloop operations.
type LoopError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *LoopError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}

// NewError creates a new LoopError.
func NewError(code, message string) *LoopError {
	return &LoopError{Code: code, Message: message}
}

// NewErrorf creates a new LoopError with a formatted message.
func NewErrorf(code, format string, args ...any) *LoopError {
	return &LoopError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step name to the error.
func (e *LoopError) WithStep(step string) *LoopError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *LoopError) WithCause(err error) *LoopError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *LoopError) WithDetails(details map[string]any) *LoopError {
	e.Details = details
	return e
}

// CodeOf returns the code of the outermost LoopError in err's chain, or "".
func CodeOf(err error) string {
	var le *LoopError
	if errors.As(err, &le) {
		return le.Code
	}
	return ""
}

// HasCode reports whether any LoopError in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var le *LoopError
		if !errors.As(err, &le) {
			return false
		}
		if le.Code == code {
			return true
		}
		err = le.Cause
	}
	return false
}

var nonRetryableCodes = map[string]bool{
	ErrCodeValidation:     true,
	ErrCodeNotFound:       true,
	ErrCodeCancelled:      true,
	ErrCodeEdgeMaps:       true,
	ErrCodeEdgeFunc:       true,
	ErrCodeRouting:        true,
	ErrCodeBudgetExceeded: true,
	ErrCodeUnknownField:   true,
	ErrCodeRetryExhausted: true,
	ErrCodeGlobalSetting:  true,
	ErrCodeSelectMode:     true,
}

// IsRetryable reports whether the error's code describes a transient failure.
func (e *LoopError) IsRetryable() bool {
	return !nonRetryableCodes[e.Code]
}
