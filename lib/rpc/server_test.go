package rpc

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/lifecycle"
	"github.com/go-i2p/tunsvc/lib/metrics"
	"github.com/go-i2p/tunsvc/lib/testutil"
	"github.com/go-i2p/tunsvc/lib/tunnel"
)

func TestNewServer(t *testing.T) {
	t.Run("without auth file", func(t *testing.T) {
		s, err := NewServer(ServerConfig{})
		if err != nil {
			t.Fatalf("NewServer: %v", err)
		}
		if s == nil {
			t.Fatal("server is nil")
		}
		if s.AuthToken() != "" {
			t.Error("expected no auth token")
		}
	})

	t.Run("with auth file", func(t *testing.T) {
		tmpDir := t.TempDir()
		authFile := filepath.Join(tmpDir, "auth.token")

		s, err := NewServer(ServerConfig{
			AuthFile: authFile,
		})
		if err != nil {
			t.Fatalf("NewServer: %v", err)
		}

		// Token should be generated
		token := s.AuthToken()
		if token == "" {
			t.Fatal("expected auth token")
		}
		if len(token) != AuthTokenLength*2 { // hex encoded
			t.Errorf("expected token length %d, got %d", AuthTokenLength*2, len(token))
		}

		// File should be created
		data, err := os.ReadFile(authFile)
		if err != nil {
			t.Fatalf("reading auth file: %v", err)
		}
		if string(data) != token {
			t.Error("auth file content mismatch")
		}
	})

	t.Run("loads existing auth file", func(t *testing.T) {
		tmpDir := t.TempDir()
		authFile := filepath.Join(tmpDir, "auth.token")

		// Create token file
		expectedToken := make([]byte, AuthTokenLength)
		for i := range expectedToken {
			expectedToken[i] = byte(i)
		}
		if err := os.WriteFile(authFile, []byte(hex.EncodeToString(expectedToken)), 0o600); err != nil {
			t.Fatalf("writing auth file: %v", err)
		}

		s, err := NewServer(ServerConfig{
			AuthFile: authFile,
		})
		if err != nil {
			t.Fatalf("NewServer: %v", err)
		}

		if s.AuthToken() != hex.EncodeToString(expectedToken) {
			t.Error("auth token mismatch")
		}
	})
}

func TestServerRegisterHandler(t *testing.T) {
	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	handler := func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return map[string]string{"status": "ok"}, nil
	}

	s.RegisterHandler("test.method", handler)

	// Check handler is registered
	s.mu.RLock()
	_, ok := s.handlers["test.method"]
	s.mu.RUnlock()

	if !ok {
		t.Error("handler not registered")
	}
}

func TestServerRegisterHandlers(t *testing.T) {
	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	handlers := map[string]Handler{
		"method1": func(ctx context.Context, params json.RawMessage) (any, *Error) {
			return "result1", nil
		},
		"method2": func(ctx context.Context, params json.RawMessage) (any, *Error) {
			return "result2", nil
		},
	}

	s.RegisterHandlers(handlers)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.handlers["method1"]; !ok {
		t.Error("method1 not registered")
	}
	if _, ok := s.handlers["method2"]; !ok {
		t.Error("method2 not registered")
	}
}

func TestServerStartStop(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "test.sock")

	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server
	if err := s.Start(ctx, ServerConfig{UnixSocketPath: socketPath}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("server should be running")
	}

	if s.UnixSocketPath() == "" {
		t.Error("expected unix socket path")
	}

	// Socket file should exist
	if _, err := os.Stat(socketPath); err != nil {
		t.Errorf("socket file not found: %v", err)
	}

	// Stop server
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if s.IsRunning() {
		t.Error("server should not be running")
	}
}

func TestServerStartTCP(t *testing.T) {
	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start server on random port
	if err := s.Start(ctx, ServerConfig{TCPAddress: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	if s.TCPAddress() == "" {
		t.Error("expected TCP address")
	}
}

func TestServerStartNoListeners(t *testing.T) {
	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx := context.Background()

	// Start without any listeners should fail
	if err := s.Start(ctx, ServerConfig{}); err == nil {
		t.Error("expected error when starting without listeners")
	}
}

func TestServerDoubleStart(t *testing.T) {
	tmpDir := t.TempDir()
	socketPath := filepath.Join(tmpDir, "test.sock")

	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx := context.Background()
	cfg := ServerConfig{UnixSocketPath: socketPath}

	if err := s.Start(ctx, cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	// Second start should fail
	if err := s.Start(ctx, cfg); err == nil {
		t.Error("expected error on double start")
	}
}

func TestServerDispatch(t *testing.T) {
	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	s.RegisterHandler("echo", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		var p map[string]string
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ErrInvalidParams(err.Error())
		}
		return p, nil
	})

	s.RegisterHandler("error", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return nil, ErrInternal("test error")
	})

	t.Run("successful dispatch", func(t *testing.T) {
		req := &Request{
			JSONRPC: "2.0",
			Method:  "echo",
			Params:  json.RawMessage(`{"msg":"hello"}`),
			ID:      json.RawMessage(`1`),
		}

		resp := s.dispatch(context.Background(), req)
		if resp.Error != nil {
			t.Errorf("unexpected error: %v", resp.Error)
		}
	})

	t.Run("error dispatch", func(t *testing.T) {
		req := &Request{
			JSONRPC: "2.0",
			Method:  "error",
			ID:      json.RawMessage(`2`),
		}

		resp := s.dispatch(context.Background(), req)
		if resp.Error == nil {
			t.Error("expected error")
		}
		if resp.Error.Code != ErrCodeInternal {
			t.Errorf("expected internal error code, got %d", resp.Error.Code)
		}
	})

	t.Run("method not found", func(t *testing.T) {
		req := &Request{
			JSONRPC: "2.0",
			Method:  "unknown",
			ID:      json.RawMessage(`3`),
		}

		resp := s.dispatch(context.Background(), req)
		if resp.Error == nil {
			t.Error("expected error")
		}
		if resp.Error.Code != ErrCodeMethodNotFound {
			t.Errorf("expected method not found error code, got %d", resp.Error.Code)
		}
	})
}

func TestServerHandleAuth(t *testing.T) {
	tmpDir := t.TempDir()
	authFile := filepath.Join(tmpDir, "auth.token")

	s, err := NewServer(ServerConfig{
		AuthFile: authFile,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(func() { s.Stop() })

	token := s.AuthToken()

	t.Run("valid auth", func(t *testing.T) {
		authenticated := false
		req := &Request{
			JSONRPC: "2.0",
			Method:  "auth",
			Params:  json.RawMessage(`{"token":"` + token + `"}`),
			ID:      json.RawMessage(`1`),
		}

		resp := s.handleAuth(req, "127.0.0.1", &authenticated)
		if resp.Error != nil {
			t.Errorf("unexpected error: %v", resp.Error)
		}
		if !authenticated {
			t.Error("expected authenticated to be true")
		}
	})

	t.Run("invalid auth", func(t *testing.T) {
		authenticated := false
		req := &Request{
			JSONRPC: "2.0",
			Method:  "auth",
			Params:  json.RawMessage(`{"token":"invalid"}`),
			ID:      json.RawMessage(`2`),
		}

		resp := s.handleAuth(req, "127.0.0.1", &authenticated)
		if resp.Error == nil {
			t.Error("expected error for invalid token")
		}
		if authenticated {
			t.Error("expected authenticated to be false")
		}
	})

	t.Run("missing token", func(t *testing.T) {
		authenticated := false
		req := &Request{
			JSONRPC: "2.0",
			Method:  "auth",
			Params:  json.RawMessage(`{}`),
			ID:      json.RawMessage(`3`),
		}

		resp := s.handleAuth(req, "127.0.0.1", &authenticated)
		if resp.Error == nil {
			t.Error("expected error for missing token")
		}
	})

	t.Run("attempts rate limited per host", func(t *testing.T) {
		bad := &Request{
			JSONRPC: "2.0",
			Method:  "auth",
			Params:  json.RawMessage(`{"token":"00"}`),
			ID:      json.RawMessage(`4`),
		}
		good := &Request{
			JSONRPC: "2.0",
			Method:  "auth",
			Params:  json.RawMessage(`{"token":"` + token + `"}`),
			ID:      json.RawMessage(`5`),
		}

		authenticated := false
		for i := 0; i < AuthAttemptBurst; i++ {
			s.handleAuth(bad, "192.0.2.7", &authenticated)
		}
		resp := s.handleAuth(good, "192.0.2.7", &authenticated)
		if resp.Error == nil || resp.Error.Code != ErrCodePermissionDenied {
			t.Fatalf("expected permission denied once limited, got %+v", resp.Error)
		}
		if authenticated {
			t.Error("limited attempt must not authenticate")
		}

		resp = s.handleAuth(good, "192.0.2.8", &authenticated)
		if resp.Error != nil || !authenticated {
			t.Errorf("other host should authenticate, got %+v", resp.Error)
		}
	})
}

func TestServerNoAuthRequired(t *testing.T) {
	// Server without auth file
	s, err := NewServer(ServerConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	authenticated := false
	req := &Request{
		JSONRPC: "2.0",
		Method:  "auth",
		ID:      json.RawMessage(`1`),
	}

	resp := s.handleAuth(req, "127.0.0.1", &authenticated)
	if resp.Error != nil {
		t.Errorf("unexpected error: %v", resp.Error)
	}
	if !authenticated {
		t.Error("expected authenticated to be true when no auth required")
	}
}

func TestLoadOrCreateAuthToken(t *testing.T) {
	t.Run("creates new token", func(t *testing.T) {
		authFile := filepath.Join(t.TempDir(), "subdir", "auth.token")

		token, err := loadOrCreateAuthToken(authFile)
		if err != nil {
			t.Fatalf("loadOrCreateAuthToken: %v", err)
		}
		if len(token) != AuthTokenLength {
			t.Errorf("expected token length %d, got %d", AuthTokenLength, len(token))
		}

		data, err := os.ReadFile(authFile)
		if err != nil {
			t.Fatalf("reading file: %v", err)
		}
		decoded, err := hex.DecodeString(string(data))
		if err != nil {
			t.Fatalf("decoding: %v", err)
		}
		if string(decoded) != string(token) {
			t.Error("file content mismatch")
		}
	})

	t.Run("regenerates invalid token", func(t *testing.T) {
		authFile := filepath.Join(t.TempDir(), "auth.token")
		if err := os.WriteFile(authFile, []byte("not-valid-hex"), 0o600); err != nil {
			t.Fatalf("writing file: %v", err)
		}

		token, err := loadOrCreateAuthToken(authFile)
		if err != nil {
			t.Fatalf("loadOrCreateAuthToken: %v", err)
		}
		if len(token) != AuthTokenLength {
			t.Errorf("expected new token length %d, got %d", AuthTokenLength, len(token))
		}
	})
}

// startTunnelServer serves the tunnel handlers for a fresh machine on a
// Unix socket and returns a connected client.
func startTunnelServer(t *testing.T, cfg ServerConfig) (*Client, *Server, *lifecycle.Machine, *testutil.FakeFacility) {
	t.Helper()

	f := testutil.NewFakeFacility()
	m := lifecycle.New(f)
	t.Cleanup(func() { _ = m.Destroy() })

	if cfg.UnixSocketPath == "" {
		cfg.UnixSocketPath = filepath.Join(t.TempDir(), "tunsvc.sock")
	}
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	NewHandlers(HandlersConfig{Tunnel: m, Platform: "test"}).RegisterAll(s)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := s.Start(ctx, cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })

	c, err := NewClient(ClientConfig{UnixSocketPath: cfg.UnixSocketPath, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, s, m, f
}

func TestIntegrationTunnelRoundTrip(t *testing.T) {
	c, _, m, f := startTunnelServer(t, ServerConfig{})
	ctx := context.Background()

	ok, err := c.Available(ctx)
	if err != nil || ok {
		t.Fatalf("Available = %v, %v; want false", ok, err)
	}

	started, err := c.Start(ctx, tunnel.Payload{
		IPv4Address: tunnel.String("10.0.0.1/24"),
		Routes:      []string{"0.0.0.0/0"},
		MTU:         tunnel.Int(1400),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !started.Active || started.FD != m.TunnelFD() || started.MTU != 1400 {
		t.Errorf("start result = %+v", started)
	}

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.SessionID != started.SessionID || status.Platform != "test" {
		t.Errorf("status = %+v", status)
	}

	prot, err := c.Protect(ctx, 0, 42)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if prot.Status != 0 {
		t.Errorf("protect status = %d, want 0 (%s)", prot.Status, prot.Error)
	}

	if _, err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	prot, err = c.Protect(ctx, 0, 42)
	if err != nil {
		t.Fatalf("Protect: %v", err)
	}
	if prot.Status != -1 {
		t.Errorf("protect after stop = %d, want -1", prot.Status)
	}
	if p := f.Protected(); len(p) != 1 || p[0] != 42 {
		t.Errorf("facility protected %v, want only the active-tunnel call", p)
	}
}

func TestIntegrationErrorsCarryCodes(t *testing.T) {
	c, _, _, _ := startTunnelServer(t, ServerConfig{})
	ctx := context.Background()

	_, err := c.Start(ctx, tunnel.Payload{Routes: []string{"10.0.0.0"}})
	if !errors.Is(err, apperrors.ErrConfiguration) {
		t.Fatalf("Start error = %v, want configuration error", err)
	}

	if _, err := c.Start(ctx, tunnel.Payload{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err = c.Start(ctx, tunnel.Payload{})
	if !errors.Is(err, apperrors.ErrInvalidState) {
		t.Errorf("second Start error = %v, want state error", err)
	}

	var result any
	err = c.Call(ctx, "tunnel.bogus", nil, &result)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != ErrCodeMethodNotFound {
		t.Errorf("unknown method error = %v", err)
	}
}

func TestIntegrationPingAndPrepare(t *testing.T) {
	c, _, _, _ := startTunnelServer(t, ServerConfig{})
	ctx := context.Background()

	v, err := c.Ping(ctx, "hello")
	if err != nil || v != "hello" {
		t.Errorf("Ping = %v, %v", v, err)
	}
	prep, err := c.Prepare(ctx)
	if err != nil || !prep.Prepared {
		t.Errorf("Prepare = %+v, %v", prep, err)
	}
}

func TestIntegrationUnixSkipsAuth(t *testing.T) {
	dir := t.TempDir()
	c, s, _, _ := startTunnelServer(t, ServerConfig{
		UnixSocketPath: filepath.Join(dir, "tunsvc.sock"),
		AuthFile:       filepath.Join(dir, "auth.token"),
	})
	if s.AuthToken() == "" {
		t.Fatal("server should have a token")
	}
	if _, err := c.Status(context.Background()); err != nil {
		t.Errorf("Unix socket client should not need auth: %v", err)
	}
}

func TestIntegrationRequestMetrics(t *testing.T) {
	c, _, _, _ := startTunnelServer(t, ServerConfig{})

	before := metrics.RPCRequests.Value(MethodTunnelStatus)
	if _, err := c.Status(context.Background()); err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got := metrics.RPCRequests.Value(MethodTunnelStatus); got != before+1 {
		t.Errorf("requests = %d, want %d", got, before+1)
	}
}

func TestIntegrationMalformedLines(t *testing.T) {
	_, s, _, _ := startTunnelServer(t, ServerConfig{})

	conn, err := net.Dial("unix", s.UnixSocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	reader := bufio.NewReader(conn)

	tests := []struct {
		line string
		code int
	}{
		{"not json\n", ErrCodeParse},
		{`{"jsonrpc":"1.0","method":"ping","id":1}` + "\n", ErrCodeInvalidRequest},
		{`{"jsonrpc":"2.0","id":2}` + "\n", ErrCodeInvalidRequest},
	}
	for _, tt := range tests {
		if _, err := conn.Write([]byte(tt.line)); err != nil {
			t.Fatalf("write: %v", err)
		}
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		data, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != tt.code {
			t.Errorf("line %q: response %s, want code %d", tt.line, data, tt.code)
		}
	}
}

func TestServerStopClosesIdleConnections(t *testing.T) {
	c, s, _, _ := startTunnelServer(t, ServerConfig{})

	done := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return with an idle client connected")
	}

	if _, err := c.Status(context.Background()); err == nil {
		t.Error("call after Stop should fail")
	}
}

func TestReadLineLimit(t *testing.T) {
	long := strings.Repeat("x", 100) + "\n"
	r := bufio.NewReaderSize(strings.NewReader(long), 16)

	if _, err := readLine(r, 50); !errors.Is(err, errRequestTooLarge) {
		t.Errorf("readLine error = %v, want errRequestTooLarge", err)
	}

	r = bufio.NewReaderSize(strings.NewReader("short\nrest"), 16)
	line, err := readLine(r, 50)
	if err != nil || string(line) != "short\n" {
		t.Errorf("readLine = %q, %v", line, err)
	}
}

func TestIntegrationWithAuth(t *testing.T) {
	tmpDir := t.TempDir()
	authFile := filepath.Join(tmpDir, "auth.token")

	// Create server with auth
	s, err := NewServer(ServerConfig{
		AuthFile: authFile,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	s.RegisterHandler("secure", func(ctx context.Context, params json.RawMessage) (any, *Error) {
		return map[string]string{"data": "secret"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start on TCP (which requires auth)
	if err := s.Start(ctx, ServerConfig{TCPAddress: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	time.Sleep(50 * time.Millisecond)

	tcpAddr := s.TCPAddress()

	t.Run("with valid auth", func(t *testing.T) {
		c, err := NewClient(ClientConfig{
			TCPAddress: tcpAddr,
			AuthFile:   authFile,
			Timeout:    5 * time.Second,
		})
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		defer c.Close()

		var result map[string]string
		if err := c.Call(context.Background(), "secure", nil, &result); err != nil {
			t.Fatalf("Call: %v", err)
		}
		if result["data"] != "secret" {
			t.Errorf("expected secret, got %s", result["data"])
		}
	})

	t.Run("without auth", func(t *testing.T) {
		c, err := NewClient(ClientConfig{
			TCPAddress: tcpAddr,
			Timeout:    5 * time.Second,
		})
		if err != nil {
			t.Fatalf("NewClient: %v", err)
		}
		defer c.Close()

		var result any
		err = c.Call(context.Background(), "secure", nil, &result)
		if err == nil {
			t.Fatal("expected error without auth")
		}
	})
}
