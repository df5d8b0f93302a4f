// Package errors defines the coded error taxonomy returned by gateway handlers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

// Error categories
const (
	// Request errors
	ErrCodeValidation       ErrorCode = "VALIDATION"
	ErrCodeMethodNotAllowed ErrorCode = "METHOD_NOT_ALLOWED"
	ErrCodeUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrCodeConflict         ErrorCode = "CONFLICT"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
	ErrCodeRateLimited      ErrorCode = "RATE_LIMITED"

	// Upstream errors
	ErrCodeUpstreamNotFound ErrorCode = "UPSTREAM_NOT_FOUND"
	ErrCodeUpstream         ErrorCode = "UPSTREAM"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"

	// Catch-all
	ErrCodeUnknown ErrorCode = "UNKNOWN"
)

// MsgMethodNotAllowed is the body every handler returns for a wrong method.
const MsgMethodNotAllowed = "Method not allowed"

// MsgInternal is the generic message for network and unknown failures.
const MsgInternal = "Internal server error"

var defaultStatus = map[ErrorCode]int{
	ErrCodeValidation:       http.StatusBadRequest,
	ErrCodeMethodNotAllowed: http.StatusMethodNotAllowed,
	ErrCodeUnauthorized:     http.StatusUnauthorized,
	ErrCodeConflict:         http.StatusConflict,
	ErrCodeNotFound:         http.StatusNotFound,
	ErrCodeRateLimited:      http.StatusTooManyRequests,
	ErrCodeUpstreamNotFound: http.StatusNotFound,
	ErrCodeUpstream:         http.StatusBadGateway,
	ErrCodeTimeout:          http.StatusGatewayTimeout,
	ErrCodeUnknown:          http.StatusInternalServerError,
}

// GatewayError is an error with a code, a client-facing message and the HTTP
// status it maps to.
type GatewayError struct {
	Code    ErrorCode
	Message string
	Status  int
	Cause   error
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *GatewayError) Unwrap() error {
	return e.Cause
}

// New creates a new GatewayError with the code's default status.
func New(code ErrorCode, message string) *GatewayError {
	return &GatewayError{
		Code:    code,
		Message: message,
		Status:  statusFor(code),
	}
}

// Wrap creates a new GatewayError wrapping an existing error
func Wrap(code ErrorCode, message string, cause error) *GatewayError {
	e := New(code, message)
	e.Cause = cause
	return e
}

// WithStatus overrides the HTTP status. Used for forwarded upstream statuses.
func (e *GatewayError) WithStatus(status int) *GatewayError {
	e.Status = status
	return e
}

func statusFor(code ErrorCode) int {
	if s, ok := defaultStatus[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// StatusOf returns the HTTP status carried by err, or 500.
func StatusOf(err error) int {
	var ge *GatewayError
	if errors.As(err, &ge) && ge.Status != 0 {
		return ge.Status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the code carried by err, or ErrCodeUnknown.
func CodeOf(err error) ErrorCode {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ErrCodeUnknown
}

// MessageOf returns the client-facing message. Errors outside the taxonomy
// never leak their text.
func MessageOf(err error) string {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Message
	}
	return MsgInternal
}

// Common constructors

// NewValidationError creates a 400 error for a missing or malformed field.
func NewValidationError(message string) *GatewayError {
	return New(ErrCodeValidation, message)
}

// NewMissingFieldError creates a 400 error naming the required field.
func NewMissingFieldError(field string) *GatewayError {
	return New(ErrCodeValidation, fmt.Sprintf("%s is required", field))
}

// NewMethodNotAllowedError creates the 405 error shared by every handler.
func NewMethodNotAllowedError() *GatewayError {
	return New(ErrCodeMethodNotAllowed, MsgMethodNotAllowed)
}

// NewUpstreamNotFoundError maps a backend 404 to a handler-specific message.
func NewUpstreamNotFoundError(message string, cause error) *GatewayError {
	return Wrap(ErrCodeUpstreamNotFound, message, cause)
}

// NewUpstreamError forwards a backend status and message.
func NewUpstreamError(status int, message string, cause error) *GatewayError {
	return Wrap(ErrCodeUpstream, message, cause).WithStatus(status)
}

// NewTimeoutError creates a 504 error.
func NewTimeoutError(message string, cause error) *GatewayError {
	return Wrap(ErrCodeTimeout, message, cause)
}

// NewUnknownError hides cause behind the generic 500 message.
func NewUnknownError(cause error) *GatewayError {
	return Wrap(ErrCodeUnknown, MsgInternal, cause)
}

// NewUnauthorizedError creates a 401 error.
func NewUnauthorizedError(message string) *GatewayError {
	return New(ErrCodeUnauthorized, message)
}

// NewConflictError creates a 409 error.
func NewConflictError(message string) *GatewayError {
	return New(ErrCodeConflict, message)
}
