package durable

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/durable/retry"
)

// Error codes used for classification and matching
const (
	// ErrorCodeValidation rejects a workflow definition before anything is
	// persisted.
	ErrorCodeValidation = "VALIDATION_ERROR"

	// ErrorCodeDeadlock indicates the dependency graph can no longer make
	// progress: a cycle, an unresolved dependency name, or a step that is
	// permanently blocked.
	ErrorCodeDeadlock = "PARALLEL_DEADLOCK"

	// ErrorCodeResumeInvalidState is returned when resume is called on a
	// workflow that is not paused on a waiting step.
	ErrorCodeResumeInvalidState = "RESUME_INVALID_STATE"

	ErrorCodeNotFound        = "WORKFLOW_NOT_FOUND"
	ErrorCodeBusy            = "WORKFLOW_BUSY"
	ErrorCodeInvalidState    = "INVALID_STATE"
	ErrorCodeRetryNotAllowed = "RETRY_NOT_ALLOWED"
	ErrorCodeCancelled       = "WORKFLOW_CANCELLED"
	ErrorCodeInterrupted     = "EXECUTION_INTERRUPTED"
	ErrorCodeStorage         = "STORAGE_ERROR"

	// Step backend failures that did not already carry a code.
	ErrorCodeStepFailed    = "STEP_FAILED"
	ErrorCodeStepTimeout   = "STEP_TIMEOUT"
	ErrorCodeAgentNotFound = "AGENT_NOT_FOUND"
)

// ErrNotFound is returned (wrapped) by storage backends when a key does not
// exist.
var ErrNotFound = errors.New("not found")

// Error is the structured error carried by failed steps, failed workflows and
// execution results. It supports Go's error wrapping patterns with Unwrap().
type Error struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Wrapped   error          `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Wrapped
}

// WithDetail sets a detail value and returns the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// Clone returns a copy of the error with its own details map.
func (e *Error) Clone() *Error {
	if e == nil {
		return nil
	}
	c := *e
	if e.Details != nil {
		c.Details = copyMap(e.Details)
	}
	return &c
}

// NewError creates a new Error with the specified code and message. The code
// may be any caller-defined string; step backends pass their own codes through
// verbatim.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ClassifyError converts an arbitrary error returned by a step backend into an
// Error. Errors that already are (or wrap) an *Error are returned as-is.
func ClassifyError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{
			Code:      ErrorCodeStepTimeout,
			Message:   err.Error(),
			Retryable: true,
			Wrapped:   err,
		}
	}
	return &Error{
		Code:      ErrorCodeStepFailed,
		Message:   err.Error(),
		Retryable: retry.IsRecoverable(err),
		Wrapped:   err,
	}
}

// ErrorCode returns the code of err if it is (or wraps) an *Error, otherwise
// the empty string.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func storageError(op string, err error) *Error {
	return &Error{
		Code:      ErrorCodeStorage,
		Message:   fmt.Sprintf("%s: %s", op, err),
		Retryable: retry.IsRecoverable(err),
		Wrapped:   err,
	}
}

func notFoundError(workflowID string) *Error {
	return &Error{
		Code:    ErrorCodeNotFound,
		Message: fmt.Sprintf("workflow %q not found", workflowID),
		Wrapped: ErrNotFound,
	}
}
