package rpc

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/tunnel"
)

// Client is an RPC client that connects to Unix socket or TCP. Calls are
// serialized over the single connection.
type Client struct {
	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	authToken []byte
	requestID int
	timeout   time.Duration
}

// ClientConfig configures the RPC client.
type ClientConfig struct {
	// UnixSocketPath is the path to the Unix socket.
	UnixSocketPath string
	// TCPAddress is the TCP address to connect to.
	TCPAddress string
	// AuthToken is the authentication token (hex-encoded).
	AuthToken string
	// AuthFile is the path to read the auth token from.
	AuthFile string
	// Timeout is the connection and request timeout.
	Timeout time.Duration
}

// NewClient creates a new RPC client and connects to the server.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	conn, err := dialConnection(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		timeout: cfg.Timeout,
	}

	if err := c.loadAuthToken(cfg); err != nil {
		conn.Close()
		return nil, err
	}

	if c.authToken != nil {
		if err := c.authenticate(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}

	return c, nil
}

// dialConnection establishes a connection using Unix socket or TCP.
func dialConnection(cfg ClientConfig) (net.Conn, error) {
	if cfg.UnixSocketPath != "" {
		conn, err := net.DialTimeout("unix", cfg.UnixSocketPath, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("connect unix: %w: %w", apperrors.ErrRPCUnavailable, err)
		}
		return conn, nil
	}

	if cfg.TCPAddress != "" {
		conn, err := net.DialTimeout("tcp", cfg.TCPAddress, cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("connect tcp: %w: %w", apperrors.ErrRPCUnavailable, err)
		}
		return conn, nil
	}

	return nil, errors.New("no connection address specified")
}

// loadAuthToken loads the authentication token from config or file.
func (c *Client) loadAuthToken(cfg ClientConfig) error {
	if cfg.AuthToken != "" {
		token, err := hex.DecodeString(cfg.AuthToken)
		if err != nil {
			return fmt.Errorf("invalid auth token: %w", err)
		}
		c.authToken = token
		return nil
	}

	if cfg.AuthFile != "" {
		data, err := os.ReadFile(cfg.AuthFile)
		if err != nil {
			return fmt.Errorf("reading auth file: %w", err)
		}
		token, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("invalid auth token in file: %w", err)
		}
		c.authToken = token
	}

	return nil
}

// authenticate sends the auth token to the server.
func (c *Client) authenticate() error {
	params := map[string]string{
		"token": hex.EncodeToString(c.authToken),
	}

	var result map[string]string
	if err := c.Call(context.Background(), "auth", params, &result); err != nil {
		return err
	}

	return nil
}

// Call makes an RPC call and unmarshals the result. A deadline on ctx
// replaces the configured timeout.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestID++

	req, err := c.buildRequest(method, params)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := c.sendRequest(req, deadline); err != nil {
		return err
	}

	resp, err := c.readResponse(deadline)
	if err != nil {
		return err
	}

	if resp.Error != nil {
		return resp.Error
	}

	return c.unmarshalResult(resp, result)
}

// buildRequest creates a JSON-RPC request.
func (c *Client) buildRequest(method string, params any) (*Request, error) {
	req := &Request{
		JSONRPC: "2.0",
		Method:  method,
		ID:      json.RawMessage(fmt.Sprintf("%d", c.requestID)),
	}

	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = data
	}

	return req, nil
}

// sendRequest sends a JSON-RPC request to the server.
func (c *Client) sendRequest(req *Request, deadline time.Time) error {
	reqData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	reqData = append(reqData, '\n')

	c.conn.SetWriteDeadline(deadline)
	if _, err := c.conn.Write(reqData); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	return nil
}

// readResponse reads and parses a JSON-RPC response from the server.
func (c *Client) readResponse(deadline time.Time) (*Response, error) {
	c.conn.SetReadDeadline(deadline)
	respData, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return &resp, nil
}

// unmarshalResult unmarshals the response result into the provided destination.
func (c *Client) unmarshalResult(resp *Response, result any) error {
	if result == nil || resp.Result == nil {
		return nil
	}

	resultData, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("re-marshal result: %w", err)
	}

	if err := json.Unmarshal(resultData, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}

	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Ping calls "ping" and returns the echoed value.
func (c *Client) Ping(ctx context.Context, value any) (any, error) {
	var result PingParams
	if err := c.Call(ctx, MethodPing, PingParams{Value: value}, &result); err != nil {
		return nil, err
	}
	return result.Value, nil
}

// Prepare calls "prepare".
func (c *Client) Prepare(ctx context.Context) (*PrepareResult, error) {
	var result PrepareResult
	if err := c.Call(ctx, MethodPrepare, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Start calls "tunnel.start" with the payload.
func (c *Client) Start(ctx context.Context, p tunnel.Payload) (*StatusResult, error) {
	return c.statusCall(ctx, MethodTunnelStart, p)
}

// Stop calls "tunnel.stop".
func (c *Client) Stop(ctx context.Context) (*StatusResult, error) {
	return c.statusCall(ctx, MethodTunnelStop, nil)
}

// Revoke calls "tunnel.revoke".
func (c *Client) Revoke(ctx context.Context) (*StatusResult, error) {
	return c.statusCall(ctx, MethodTunnelRevoke, nil)
}

// Status calls "tunnel.status".
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	return c.statusCall(ctx, MethodTunnelStatus, nil)
}

func (c *Client) statusCall(ctx context.Context, method string, params any) (*StatusResult, error) {
	var result StatusResult
	if err := c.Call(ctx, method, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Protect calls "tunnel.protect" for descriptor fd of process pid.
func (c *Client) Protect(ctx context.Context, pid, fd int) (*ProtectResult, error) {
	var result ProtectResult
	if err := c.Call(ctx, MethodTunnelProtect, ProtectParams{PID: pid, FD: fd}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Available calls "tunnel.available".
func (c *Client) Available(ctx context.Context) (bool, error) {
	var result AvailableResult
	if err := c.Call(ctx, MethodTunnelAvailable, nil, &result); err != nil {
		return false, err
	}
	return result.Available, nil
}
