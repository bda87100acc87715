package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the service.
type ErrorCode string

// Request error codes
const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrRateLimited  ErrorCode = "RATE_LIMITED"
	ErrConflict     ErrorCode = "CONFLICT"
)

// Lifecycle error codes
const (
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrNotCancelable     ErrorCode = "NOT_CANCELABLE"
	ErrSequenceConflict  ErrorCode = "SEQUENCE_CONFLICT"
)

// Interrupt error codes
const (
	ErrInvalidResolution ErrorCode = "INVALID_RESOLUTION"
	ErrAlreadyResolved   ErrorCode = "ALREADY_RESOLVED"
	ErrTimeout           ErrorCode = "TIMEOUT"
)

// Execution error codes
const (
	ErrStepExecution ErrorCode = "STEP_EXECUTION_ERROR"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	// ErrorType is the machine-readable classification of a step failure.
	ErrorType string `json:"error_type,omitempty"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by code so that errors.Is(err, types.NewError(code, "")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithErrorType sets the step failure classification.
func (e *Error) WithErrorType(errorType string) *Error {
	e.ErrorType = errorType
	return e
}

// NewValidationError creates a VALIDATION_ERROR.
func NewValidationError(message string) *Error {
	return NewError(ErrValidation, message)
}

// NewNotFoundError creates a NOT_FOUND error for the given kind and id.
func NewNotFoundError(kind, id string) *Error {
	return Errorf(ErrNotFound, "%s %q not found", kind, id)
}

// NewStepExecutionError wraps a step failure with its classification.
func NewStepExecutionError(errorType, message string, cause error) *Error {
	return NewError(ErrStepExecution, message).WithErrorType(errorType).WithCause(cause)
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether any *Error in the chain carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// HTTPStatusFor maps an error code to an HTTP status code.
func HTTPStatusFor(code ErrorCode) int {
	switch code {
	case ErrValidation:
		return http.StatusBadRequest
	case ErrUnauthorized:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidTransition, ErrNotCancelable, ErrAlreadyResolved, ErrConflict, ErrSequenceConflict:
		return http.StatusConflict
	case ErrInvalidResolution:
		return http.StatusUnprocessableEntity
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
