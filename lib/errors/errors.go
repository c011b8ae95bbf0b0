// Package errors provides structured error types for the tunnel service.
// All errors are designed to be safe to return to host shells and RPC
// clients without exposing internal implementation details.
//
// This package provides:
//   - Sentinel errors for the tunnel lifecycle (configuration, establish,
//     protect, state) and the ambient ones (closed, unsupported)
//   - Error codes for RPC response categorization
//   - Error wrapping with context preservation
package errors

import (
	"errors"
	"fmt"
)

// Error codes for categorizing errors. These align with JSON-RPC 2.0 error codes
// where applicable, with custom codes in the -32000 to -32099 range.
const (
	// Standard JSON-RPC 2.0 error codes
	CodeParseError     = -32700 // Invalid JSON
	CodeInvalidRequest = -32600 // Invalid request object
	CodeMethodNotFound = -32601 // Method not found
	CodeInvalidParams  = -32602 // Invalid method parameters
	CodeInternal       = -32603 // Internal error

	// Application-specific error codes (-32000 to -32099)
	CodeAuthRequired     = -32001 // Authentication required
	CodePermissionDenied = -32002 // Permission denied
	CodeNotFound         = -32003 // Resource not found
	CodeUnavailable      = -32007 // Service unavailable
	CodeValidation       = -32008 // Tunnel configuration rejected
	CodeState            = -32010 // Invalid lifecycle state
	CodeEstablish        = -32011 // OS refused to establish the tunnel
	CodeNoActiveTunnel   = -32012 // Protect without a live tunnel
	CodeRejected         = -32013 // OS refused to protect a socket
	CodeUnsupported      = -32014 // Platform has no tunneling facility
)

// Sentinel errors for common error conditions.
// Use errors.Is() to check for these conditions.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput indicates invalid input was provided.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnauthorized indicates authentication is required.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrPermission indicates the process lacks the privilege to drive the
	// tunneling facility.
	ErrPermission = errors.New("permission denied")

	// ErrUnavailable indicates a service is unavailable.
	ErrUnavailable = errors.New("service unavailable")

	// ErrClosed indicates a resource is closed.
	ErrClosed = errors.New("closed")

	// ErrInvalidState indicates an invalid state transition.
	ErrInvalidState = errors.New("invalid state")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")

	// ErrConfiguration indicates a configuration error.
	ErrConfiguration = errors.New("configuration error")

	// ErrUnsupported indicates the platform has no OS tunneling facility.
	ErrUnsupported = errors.New("unsupported platform")
)

// Tunnel lifecycle errors
var (
	// ErrEstablish indicates the OS tunneling facility refused to
	// materialize the interface (permission, consent, resource exhaustion).
	ErrEstablish = errors.New("tunnel: establish failed")

	// ErrAlreadyActive indicates a start request arrived while a tunnel is
	// establishing or active.
	ErrAlreadyActive = fmt.Errorf("tunnel: already establishing or active: %w", ErrInvalidState)

	// ErrStopped indicates a stop request arrived while the tunnel was
	// still being established; the fresh tunnel was torn down.
	ErrStopped = errors.New("tunnel: stopped during establish")

	// ErrServiceClosed indicates the lifecycle owner has been destroyed.
	ErrServiceClosed = fmt.Errorf("tunnel: service %w", ErrClosed)
)

// Socket protection errors
var (
	// ErrNoActiveTunnel indicates a protect request arrived with no live
	// tunnel. Callers may retry once the tunnel becomes active.
	ErrNoActiveTunnel = errors.New("protect: no active tunnel")

	// ErrRejected indicates the OS refused to protect the socket.
	ErrRejected = errors.New("protect: rejected")
)

// RPC errors
var (
	// ErrRPCUnavailable indicates RPC service is not available.
	ErrRPCUnavailable = fmt.Errorf("rpc: %w", ErrUnavailable)

	// ErrRPCTooManyConnections indicates too many connections.
	ErrRPCTooManyConnections = errors.New("rpc: too many connections")
)

// Error is a structured error with a code and safe message.
// It implements the error interface and provides methods for
// error handling and response generation.
type Error struct {
	// Code is the error code for categorization
	Code int `json:"code"`
	// Message is a safe, user-facing error message
	Message string `json:"message"`
	// Err is the underlying error (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// SafeMessage returns a client-safe error message without internal details.
func (e *Error) SafeMessage() string {
	return e.Message
}

// New creates a new structured error with the given code and message.
// The message should be safe to return to clients.
func New(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and safe message.
// The original error is preserved for debugging but not exposed to clients.
func Wrap(code int, message string, err error) *Error {
	if err != nil {
		log.WithField("code", code).WithError(err).Debug("wrapping error")
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WrapInternal wraps an internal error with a generic message.
// Use this when the original error contains sensitive information.
func WrapInternal(err error) *Error {
	if err != nil {
		log.WithError(err).Debug("wrapping internal error")
	}
	return &Error{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// FromSentinel creates a structured error from a sentinel error.
// It automatically assigns an appropriate error code based on the error type.
func FromSentinel(err error) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    Code(err),
		Message: err.Error(),
		Err:     err,
	}
}

// Code maps an error chain to its error code. Structured errors keep
// their own code; sentinels are matched with errors.Is.
func Code(err error) int {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Code
	}

	switch {
	case errors.Is(err, ErrConfiguration):
		return CodeValidation
	case errors.Is(err, ErrEstablish):
		return CodeEstablish
	case errors.Is(err, ErrNoActiveTunnel):
		return CodeNoActiveTunnel
	case errors.Is(err, ErrRejected):
		return CodeRejected
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrStopped), errors.Is(err, ErrClosed):
		return CodeState
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeAuthRequired
	case errors.Is(err, ErrPermission):
		return CodePermissionDenied
	case errors.Is(err, ErrUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidParams
	default:
		return CodeInternal
	}
}

// IsConfiguration returns true if the error is a tunnel configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsEstablish returns true if the OS refused to establish the tunnel.
func IsEstablish(err error) bool {
	return errors.Is(err, ErrEstablish)
}

// IsNoActiveTunnel returns true if a protect request found no live tunnel.
func IsNoActiveTunnel(err error) bool {
	return errors.Is(err, ErrNoActiveTunnel)
}

// IsRejected returns true if the OS refused to protect a socket.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}

// IsInvalidState returns true if the error indicates an invalid state.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsClosed returns true if the error indicates a resource is closed.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// IsUnsupported returns true if the platform has no tunneling facility.
func IsUnsupported(err error) bool {
	return errors.Is(err, ErrUnsupported)
}

// Join combines multiple errors into a single error.
// Returns nil if all errors are nil.
func Join(errs ...error) error {
	return errors.Join(errs...)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target,
// and if so, sets target to that error value and returns true.
func As(err error, target any) bool {
	return errors.As(err, target)
}
