package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeLeaseConflict     = "LEASE_CONFLICT"
	ErrCodeFenceRejected     = "FENCE_REJECTED"
	ErrCodeCapabilityGap     = "CAPABILITY_GAP"
	ErrCodeToolExecution     = "TOOL_EXECUTION_ERROR"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeCanceled          = "CANCELED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

// WeftError is the structured error type for all weft operations.
type WeftError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	State   string         `json:"state,omitempty"`
	Cause   error          `json:"-"`
}

func (e *WeftError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("[%s] state %s: %s", e.Code, e.State, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *WeftError) Unwrap() error {
	return e.Cause
}

// NewError creates a new WeftError.
func NewError(code, message string) *WeftError {
	return &WeftError{Code: code, Message: message}
}

// NewErrorf creates a new WeftError with a formatted message.
func NewErrorf(code, format string, args ...any) *WeftError {
	return &WeftError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithState attaches the state name the error occurred in.
func (e *WeftError) WithState(state string) *WeftError {
	e.State = state
	return e
}

// WithCause attaches an underlying cause.
func (e *WeftError) WithCause(err error) *WeftError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *WeftError) WithDetails(details map[string]any) *WeftError {
	e.Details = details
	return e
}

// GetCode extracts the error code from any error in the chain,
// or ErrCodeInternal when no WeftError is found.
func GetCode(err error) string {
	var we *WeftError
	if errors.As(err, &we) {
		return we.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether any error in the chain carries the given code.
func IsCode(err error, code string) bool {
	var we *WeftError
	return errors.As(err, &we) && we.Code == code
}
