// Package errors provides domain-specific error types for the keen-doh application.
//
// This package defines structured errors with error codes, making it easier to handle
// and test different error conditions consistently across the application.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a category of error that can occur in the application.
type ErrorCode string

const (
	// ErrCodeConfig indicates a configuration-related error.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"

	// ErrCodeValidation indicates a validation error.
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"

	// ErrCodeBind indicates that an outbound socket could not be bound to the
	// configured source address.
	ErrCodeBind ErrorCode = "BIND_ERROR"

	// ErrCodeBootstrap indicates a failure resolving the resolver hostname via bootstrap DNS.
	ErrCodeBootstrap ErrorCode = "BOOTSTRAP_ERROR"

	// ErrCodeUpstream indicates a failure talking to the DoH resolver.
	ErrCodeUpstream ErrorCode = "UPSTREAM_ERROR"

	// ErrCodeListener indicates a failure of the local DNS listeners.
	ErrCodeListener ErrorCode = "LISTENER_ERROR"

	// ErrCodeNetwork indicates a host network configuration error (iptables, interfaces).
	ErrCodeNetwork ErrorCode = "NETWORK_ERROR"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error represents a domain-specific error with an error code and optional cause.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error for errors.Is and errors.As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a new domain error with the specified code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   nil,
	}
}

// Wrap creates a new domain error wrapping an existing error.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// HasCode reports whether err (or anything it wraps) is a domain error with the given code.
func HasCode(err error, code ErrorCode) bool {
	return stderrors.Is(err, &Error{Code: code})
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, cause error) *Error {
	return Wrap(ErrCodeConfig, message, cause)
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, cause error) *Error {
	return Wrap(ErrCodeValidation, message, cause)
}

// NewBindError creates a new source binding error.
func NewBindError(message string, cause error) *Error {
	return Wrap(ErrCodeBind, message, cause)
}

// NewBootstrapError creates a new bootstrap resolution error.
func NewBootstrapError(message string, cause error) *Error {
	return Wrap(ErrCodeBootstrap, message, cause)
}

// NewUpstreamError creates a new DoH upstream error.
func NewUpstreamError(message string, cause error) *Error {
	return Wrap(ErrCodeUpstream, message, cause)
}

// NewListenerError creates a new listener error.
func NewListenerError(message string, cause error) *Error {
	return Wrap(ErrCodeListener, message, cause)
}

// NewNetworkError creates a new host network configuration error.
func NewNetworkError(message string, cause error) *Error {
	return Wrap(ErrCodeNetwork, message, cause)
}

// NewInternalError creates a new internal error.
func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCodeInternal, message, cause)
}
