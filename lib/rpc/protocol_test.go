package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		expected string
	}{
		{
			"without data",
			NewError(ErrCodeInternal, "internal error", nil),
			"internal error (code -32603)",
		},
		{
			"with data",
			ErrMethodNotFound("tunnel.bogus"),
			"method not found (code -32601): tunnel.bogus",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, tt.err.Error())
			}
		})
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"valid request", Request{JSONRPC: "2.0", Method: MethodTunnelStatus}, false},
		{"wrong version", Request{JSONRPC: "1.0", Method: MethodTunnelStatus}, true},
		{"missing version", Request{Method: MethodTunnelStatus}, true},
		{"missing method", Request{JSONRPC: "2.0"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRequest(&tt.req)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     int
		sentinel error
	}{
		{
			"configuration",
			fmt.Errorf("%w: ROUTES[0]: bad", apperrors.ErrConfiguration),
			apperrors.CodeValidation,
			apperrors.ErrConfiguration,
		},
		{
			"establish with permission cause",
			fmt.Errorf("%w: %w", apperrors.ErrEstablish, apperrors.ErrPermission),
			apperrors.CodeEstablish,
			apperrors.ErrEstablish,
		},
		{
			"already active",
			apperrors.ErrAlreadyActive,
			apperrors.CodeState,
			apperrors.ErrInvalidState,
		},
		{
			"service closed",
			apperrors.ErrServiceClosed,
			apperrors.CodeState,
			apperrors.ErrInvalidState,
		},
		{
			"no active tunnel",
			fmt.Errorf("fd 3: %w", apperrors.ErrNoActiveTunnel),
			apperrors.CodeNoActiveTunnel,
			apperrors.ErrNoActiveTunnel,
		},
		{
			"unsupported",
			apperrors.ErrUnsupported,
			apperrors.CodeUnsupported,
			apperrors.ErrUnsupported,
		},
		{
			"plain error",
			errors.New("boom"),
			ErrCodeInternal,
			nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rpcErr := FromError(tt.err)
			if rpcErr.Code != tt.code {
				t.Errorf("Code = %d, want %d", rpcErr.Code, tt.code)
			}
			if tt.sentinel != nil && !errors.Is(rpcErr, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", rpcErr, tt.sentinel)
			}
		})
	}
}

func TestFromErrorKeepsStructuredMessage(t *testing.T) {
	err := apperrors.Wrap(apperrors.CodeEstablish, "tunnel refused", errors.New("ioctl: secret detail"))

	rpcErr := FromError(err)
	if rpcErr.Code != apperrors.CodeEstablish {
		t.Errorf("Code = %d", rpcErr.Code)
	}
	if rpcErr.Message != "tunnel refused" {
		t.Errorf("Message = %q, want the safe message", rpcErr.Message)
	}
}

func TestFromErrorPassesProtocolErrors(t *testing.T) {
	orig := ErrInvalidParams("fd")
	if got := FromError(fmt.Errorf("wrapped: %w", orig)); got != orig {
		t.Errorf("FromError should return the protocol error, got %v", got)
	}
	if FromError(nil) != nil {
		t.Error("FromError(nil) should be nil")
	}
}

func TestResponseOmitsEmptyFields(t *testing.T) {
	ok := NewSuccessResponse(json.RawMessage(`1`), &AvailableResult{Available: true})
	data, err := json.Marshal(ok)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"jsonrpc":"2.0","result":{"available":true},"id":1}` {
		t.Errorf("success response = %s", data)
	}

	fail := NewErrorResponse(json.RawMessage(`"a"`), ErrAuthRequired())
	data, err = json.Marshal(fail)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"jsonrpc":"2.0","error":{"code":-32001,"message":"authentication required"},"id":"a"}` {
		t.Errorf("error response = %s", data)
	}
}
