// Package rpc provides the tunsvc control protocol: newline-delimited
// JSON-RPC 2.0 over a Unix socket and, optionally, TCP. Host shells use it
// to start and stop the tunnel, query its status and protect sockets.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
)

// Protocol version for compatibility checking.
const ProtocolVersion = "1.0"

// Method names.
const (
	MethodAuth            = "auth"
	MethodPing            = "ping"
	MethodPrepare         = "prepare"
	MethodTunnelStart     = "tunnel.start"
	MethodTunnelStop      = "tunnel.stop"
	MethodTunnelRevoke    = "tunnel.revoke"
	MethodTunnelStatus    = "tunnel.status"
	MethodTunnelProtect   = "tunnel.protect"
	MethodTunnelAvailable = "tunnel.available"
)

// Error codes share the numbering of lib/errors.
const (
	ErrCodeParse            = apperrors.CodeParseError
	ErrCodeInvalidRequest   = apperrors.CodeInvalidRequest
	ErrCodeMethodNotFound   = apperrors.CodeMethodNotFound
	ErrCodeInvalidParams    = apperrors.CodeInvalidParams
	ErrCodeInternal         = apperrors.CodeInternal
	ErrCodeAuthRequired     = apperrors.CodeAuthRequired
	ErrCodePermissionDenied = apperrors.CodePermissionDenied
)

// Request represents a JSON-RPC request.
type Request struct {
	// JSONRPC must be "2.0"
	JSONRPC string `json:"jsonrpc"`
	// Method is the RPC method name
	Method string `json:"method"`
	// Params are the method parameters (can be object or array)
	Params json.RawMessage `json:"params,omitempty"`
	// ID is the request identifier (can be string or number)
	ID json.RawMessage `json:"id,omitempty"`
}

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Error represents a JSON-RPC error.
type Error struct {
	// Code is the error code
	Code int `json:"code"`
	// Message is a short description
	Message string `json:"message"`
	// Data contains additional information
	Data any `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("%s (code %d): %v", e.Message, e.Code, e.Data)
	}
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Is matches the lib/errors sentinel for the error's code, so callers of
// the client can test remote failures with errors.Is.
func (e *Error) Is(target error) bool {
	switch e.Code {
	case apperrors.CodeValidation:
		return target == apperrors.ErrConfiguration
	case apperrors.CodeEstablish:
		return target == apperrors.ErrEstablish
	case apperrors.CodeNoActiveTunnel:
		return target == apperrors.ErrNoActiveTunnel
	case apperrors.CodeRejected:
		return target == apperrors.ErrRejected
	case apperrors.CodeState:
		return target == apperrors.ErrInvalidState
	case apperrors.CodeUnsupported:
		return target == apperrors.ErrUnsupported
	case apperrors.CodePermissionDenied:
		return target == apperrors.ErrPermission
	}
	return false
}

// NewError creates a new Error with the given code and message.
func NewError(code int, message string, data any) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// FromError converts a service error into a protocol error. The code comes
// from lib/errors; structured errors keep their safe message.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var structured *apperrors.Error
	if errors.As(err, &structured) {
		return NewError(structured.Code, structured.SafeMessage(), nil)
	}
	return NewError(apperrors.Code(err), err.Error(), nil)
}

// NewErrorResponse creates a Response with an error.
func NewErrorResponse(id json.RawMessage, err *Error) *Response {
	return &Response{
		JSONRPC: "2.0",
		Error:   err,
		ID:      id,
	}
}

// NewSuccessResponse creates a Response with a result.
func NewSuccessResponse(id json.RawMessage, result any) *Response {
	return &Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
}

// ValidateRequest checks that a Request is valid JSON-RPC 2.0.
func ValidateRequest(req *Request) error {
	if req.JSONRPC != "2.0" {
		return errors.New("jsonrpc must be \"2.0\"")
	}
	if req.Method == "" {
		return errors.New("method is required")
	}
	return nil
}

// ErrMethodNotFound returns a method not found error.
func ErrMethodNotFound(method string) *Error {
	return NewError(ErrCodeMethodNotFound, "method not found", method)
}

// ErrInvalidParams returns an invalid parameters error.
func ErrInvalidParams(details string) *Error {
	return NewError(ErrCodeInvalidParams, "invalid params", details)
}

// ErrInternal returns an internal error.
func ErrInternal(details string) *Error {
	return NewError(ErrCodeInternal, "internal error", details)
}

// ErrAuthRequired returns an authentication required error.
func ErrAuthRequired() *Error {
	return NewError(ErrCodeAuthRequired, "authentication required", nil)
}

// ErrPermissionDenied returns a permission denied error.
func ErrPermissionDenied(details string) *Error {
	return NewError(ErrCodePermissionDenied, "permission denied", details)
}

// StatusResult describes the tunnel. Tunnel fields are empty unless the
// state is "active".
type StatusResult struct {
	State          string   `json:"state"`
	Active         bool     `json:"active"`
	SessionID      string   `json:"session_id,omitempty"`
	Session        string   `json:"session"`
	Interface      string   `json:"interface,omitempty"`
	FD             int      `json:"fd"`
	PID            int      `json:"pid"`
	MTU            int      `json:"mtu,omitempty"`
	IPv4Address    string   `json:"ipv4,omitempty"`
	IPv6Address    string   `json:"ipv6,omitempty"`
	DNS            []string `json:"dns,omitempty"`
	Routes         []string `json:"routes,omitempty"`
	DisallowedApps []string `json:"disallowed_apps,omitempty"`
	StartedAt      string   `json:"started_at,omitempty"`
	Uptime         string   `json:"uptime,omitempty"`
	Version        string   `json:"version"`
	Platform       string   `json:"platform"`
}

// ProtectParams is the request for "tunnel.protect". PID names the
// process owning FD; zero means the service process itself.
type ProtectParams struct {
	PID int `json:"pid,omitempty"`
	FD  int `json:"fd"`
}

// ProtectResult is the response for "tunnel.protect". Status is 0 when
// the socket was protected and -1 otherwise.
type ProtectResult struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

// AvailableResult is the response for "tunnel.available".
type AvailableResult struct {
	Available bool `json:"available"`
}

// PrepareResult is the response for "prepare".
type PrepareResult struct {
	Prepared bool   `json:"prepared"`
	Reason   string `json:"reason,omitempty"`
}

// PingParams is echoed back by "ping".
type PingParams struct {
	Value any `json:"value"`
}
