package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeDefinition        = "DEFINITION_ERROR"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNoMatchingEdge    = "NO_MATCHING_EDGE"
	ErrCodeDispatchFailed    = "DISPATCH_FAILED"
	ErrCodeActionUnavailable = "ACTION_UNAVAILABLE"
	ErrCodeLeaseHeld         = "LEASE_HELD"
	ErrCodeInvalidResume     = "INVALID_RESUME_TOKEN"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
)

// PulseError is the structured error type returned across the engine.
type PulseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *PulseError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PulseError) Unwrap() error {
	return e.Cause
}

// NewError creates a new PulseError.
func NewError(code, message string) *PulseError {
	return &PulseError{Code: code, Message: message}
}

// NewErrorf creates a new PulseError with a formatted message.
func NewErrorf(code, format string, args ...any) *PulseError {
	return &PulseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *PulseError) WithNode(nodeID string) *PulseError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *PulseError) WithCause(err error) *PulseError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *PulseError) WithDetails(details map[string]any) *PulseError {
	e.Details = details
	return e
}

// IsCode reports whether err is (or wraps) a PulseError with the given code.
func IsCode(err error, code string) bool {
	var pe *PulseError
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}

// MessageOf returns the message of a PulseError without its code prefix, or
// err.Error() for any other error.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var pe *PulseError
	if errors.As(err, &pe) {
		return pe.Message
	}
	return err.Error()
}
