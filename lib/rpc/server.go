package rpc

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-i2p/tunsvc/lib/metrics"
	"github.com/go-i2p/tunsvc/lib/ratelimit"
)

const (
	// AuthTokenLength is the length of auth tokens in bytes.
	AuthTokenLength = 32

	// MaxRequestSize is the maximum size of a request in bytes (1MB).
	MaxRequestSize = 1024 * 1024

	// ReadTimeout is how long an idle connection may wait between requests.
	ReadTimeout = 5 * time.Minute

	// WriteTimeout is the timeout for writing responses.
	WriteTimeout = 10 * time.Second

	// HandlerTimeout bounds a single handler call.
	HandlerTimeout = 30 * time.Second

	// AuthAttemptRate and AuthAttemptBurst bound token attempts per
	// remote host.
	AuthAttemptRate  = 0.2
	AuthAttemptBurst = 5
)

// Handler is a function that handles an RPC request.
type Handler func(ctx context.Context, params json.RawMessage) (any, *Error)

// Server is an RPC server that listens on a Unix socket and/or TCP.
type Server struct {
	mu           sync.RWMutex
	handlers     map[string]Handler
	unixListener net.Listener
	tcpListener  net.Listener
	authToken    []byte
	authLimiter  *ratelimit.Keyed
	connLimiter  *ConnectionLimiter
	running      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// ServerConfig configures the RPC server.
type ServerConfig struct {
	// UnixSocketPath is the path to the Unix socket.
	UnixSocketPath string
	// TCPAddress is the TCP address to listen on (optional).
	TCPAddress string
	// AuthFile is the path to the auth token file. TCP clients must
	// authenticate with it; Unix socket clients are trusted through the
	// socket's file mode.
	AuthFile string
	// MaxConnections is the maximum concurrent connections (0 = default).
	MaxConnections int
}

// NewServer creates a new RPC server.
func NewServer(cfg ServerConfig) (*Server, error) {
	s := &Server{
		handlers:    make(map[string]Handler),
		connLimiter: NewConnectionLimiter(cfg.MaxConnections),
	}

	s.connLimiter.SetOnReject(func(addr net.Addr) {
		metrics.RPCConnectionsRejected.Inc()
		log.WithField("remote", addr.String()).
			WithField("active", s.connLimiter.ActiveConnections()).
			WithField("max", s.connLimiter.MaxConnections()).
			Warn("connection rejected: too many connections")
	})

	if cfg.AuthFile != "" {
		token, err := loadOrCreateAuthToken(cfg.AuthFile)
		if err != nil {
			return nil, fmt.Errorf("auth token: %w", err)
		}
		s.authToken = token
		s.authLimiter = ratelimit.NewKeyed(AuthAttemptRate, AuthAttemptBurst, 10*time.Minute)
	}

	return s, nil
}

// loadOrCreateAuthToken loads an existing auth token or creates a new one.
func loadOrCreateAuthToken(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		token, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err == nil && len(token) == AuthTokenLength {
			log.WithField("path", path).Debug("loaded existing auth token")
			return token, nil
		}
		log.WithField("path", path).Warn("invalid auth token file, regenerating")
	}

	token := make([]byte, AuthTokenLength)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating auth dir: %w", err)
	}

	if err := os.WriteFile(path, []byte(hex.EncodeToString(token)), 0o600); err != nil {
		return nil, fmt.Errorf("writing token: %w", err)
	}

	log.WithField("path", path).Info("generated new auth token")
	return token, nil
}

// RegisterHandler registers a handler for an RPC method.
func (s *Server) RegisterHandler(method string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = handler
}

// RegisterHandlers registers multiple handlers at once.
func (s *Server) RegisterHandlers(handlers map[string]Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for method, handler := range handlers {
		s.handlers[method] = handler
	}
}

// Start starts the configured listeners. It returns once they accept
// connections; serving continues until Stop or ctx is done.
func (s *Server) Start(ctx context.Context, cfg ServerConfig) error {
	if err := s.setRunning(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	if err := s.startListeners(ctx, cfg); err != nil {
		cancel()
		s.clearRunning()
		return err
	}

	if s.unixListener == nil && s.tcpListener == nil {
		cancel()
		s.clearRunning()
		return errors.New("no listeners configured")
	}

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.closeListeners()
	}()
	return nil
}

func (s *Server) setRunning() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server already running")
	}
	s.running = true
	return nil
}

func (s *Server) clearRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

func (s *Server) startListeners(ctx context.Context, cfg ServerConfig) error {
	if cfg.UnixSocketPath != "" {
		if err := s.startUnixListener(ctx, cfg.UnixSocketPath); err != nil {
			return err
		}
	}

	if cfg.TCPAddress != "" {
		if err := s.startTCPListener(ctx, cfg.TCPAddress); err != nil {
			if s.unixListener != nil {
				s.unixListener.Close()
			}
			return err
		}
	}
	return nil
}

// startUnixListener creates the socket with owner-only permissions.
func (s *Server) startUnixListener(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}

	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.unixListener = listener
	s.wg.Add(1)
	go s.acceptLoop(ctx, listener, "unix")

	log.WithField("path", socketPath).Info("RPC server listening on Unix socket")
	return nil
}

func (s *Server) startTCPListener(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen tcp: %w", err)
	}

	s.tcpListener = listener
	s.wg.Add(1)
	go s.acceptLoop(ctx, listener, "tcp")

	log.WithField("address", listener.Addr().String()).Info("RPC server listening on TCP")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, network string) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				log.WithField("network", network).WithError(err).Error("accept error")
			}
			return
		}

		conn = s.connLimiter.TryAccept(conn)
		if conn == nil {
			continue
		}
		limited := s.connLimiter.WrapConn(conn)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, limited, network)
		}()
	}
}

// handleConnection serves requests from one client until it disconnects.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn, network string) {
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	log.WithField("network", network).WithField("remote", remote).Debug("new connection")

	reader := bufio.NewReaderSize(conn, 64*1024)
	authenticated := s.authToken == nil || network == "unix"

	for ctx.Err() == nil {
		req, err := s.readRequest(conn, reader, remote)
		if err != nil {
			return
		}
		if req == nil {
			continue
		}
		s.handleRequest(ctx, conn, req, &authenticated)
	}
}

func (s *Server) handleRequest(ctx context.Context, conn net.Conn, req *Request, authenticated *bool) {
	if req.Method == MethodAuth {
		s.sendResponse(conn, s.handleAuth(req, remoteHost(conn), authenticated))
		return
	}

	if !*authenticated {
		s.sendResponse(conn, NewErrorResponse(req.ID, ErrAuthRequired()))
		return
	}

	s.sendResponse(conn, s.dispatch(ctx, req))
}

// readRequest returns nil, nil for a malformed request that has already
// been answered.
func (s *Server) readRequest(conn net.Conn, reader *bufio.Reader, remote string) (*Request, error) {
	if err := conn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		log.WithField("remote", remote).WithError(err).Warn("failed to set read deadline")
	}

	line, err := readLine(reader, MaxRequestSize)
	if err != nil {
		if errors.Is(err, errRequestTooLarge) {
			s.sendResponse(conn, NewErrorResponse(nil, NewError(ErrCodeInvalidRequest, "request too large", nil)))
		} else if err != io.EOF && !errors.Is(err, net.ErrClosed) {
			log.WithField("remote", remote).WithError(err).Debug("read error")
		}
		return nil, err
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.sendResponse(conn, NewErrorResponse(nil, NewError(ErrCodeParse, "parse error", err.Error())))
		return nil, nil
	}

	if err := ValidateRequest(&req); err != nil {
		s.sendResponse(conn, NewErrorResponse(req.ID, NewError(ErrCodeInvalidRequest, "invalid request", err.Error())))
		return nil, nil
	}

	return &req, nil
}

var errRequestTooLarge = errors.New("request too large")

// readLine reads one newline-terminated line of at most limit bytes.
func readLine(reader *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > limit {
			return nil, errRequestTooLarge
		}
		if err == nil {
			return line, nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}

// remoteHost keys auth attempts; every Unix socket peer shares one key.
func remoteHost(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *Server) handleAuth(req *Request, host string, authenticated *bool) *Response {
	if s.authToken == nil {
		*authenticated = true
		return NewSuccessResponse(req.ID, map[string]string{"message": "authentication not required"})
	}

	if !s.authLimiter.Allow(host) {
		metrics.RPCAuthFailures.Inc()
		log.WithField("remote", host).Warn("auth attempt rate limited")
		return NewErrorResponse(req.ID, ErrPermissionDenied("too many authentication attempts"))
	}

	var params struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return NewErrorResponse(req.ID, ErrInvalidParams("token required"))
	}

	tokenBytes, err := hex.DecodeString(params.Token)
	if err != nil {
		return NewErrorResponse(req.ID, ErrInvalidParams("invalid token format"))
	}

	if subtle.ConstantTimeCompare(tokenBytes, s.authToken) != 1 {
		metrics.RPCAuthFailures.Inc()
		return NewErrorResponse(req.ID, ErrPermissionDenied("invalid token"))
	}

	*authenticated = true
	return NewSuccessResponse(req.ID, map[string]string{"message": "authenticated"})
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		metrics.RPCRequests.Inc("unknown")
		return NewErrorResponse(req.ID, ErrMethodNotFound(req.Method))
	}
	metrics.RPCRequests.Inc(req.Method)

	handlerCtx, cancel := context.WithTimeout(ctx, HandlerTimeout)
	defer cancel()

	result, rpcErr := handler(handlerCtx, req.Params)
	if rpcErr != nil {
		log.WithField("method", req.Method).WithField("code", rpcErr.Code).Debug("request failed")
		return NewErrorResponse(req.ID, rpcErr)
	}

	return NewSuccessResponse(req.ID, result)
}

func (s *Server) sendResponse(conn net.Conn, resp *Response) {
	if err := conn.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil {
		log.WithError(err).Warn("failed to set write deadline")
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).Error("marshal response")
		return
	}

	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		log.WithError(err).Debug("write error")
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	unixL, tcpL := s.unixListener, s.tcpListener
	s.mu.Unlock()

	if unixL != nil {
		unixL.Close()
	}
	if tcpL != nil {
		tcpL.Close()
	}
}

// Stop closes the listeners and open connections and waits for the
// handlers to return.
func (s *Server) Stop() error {
	if s.authLimiter != nil {
		s.authLimiter.Close()
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.closeListeners()
	s.wg.Wait()

	log.Info("RPC server stopped")
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// AuthToken returns the auth token (for display to user).
func (s *Server) AuthToken() string {
	if s.authToken == nil {
		return ""
	}
	return hex.EncodeToString(s.authToken)
}

// UnixSocketPath returns the Unix socket path if listening.
func (s *Server) UnixSocketPath() string {
	if s.unixListener != nil {
		return s.unixListener.Addr().String()
	}
	return ""
}

// TCPAddress returns the TCP address if listening.
func (s *Server) TCPAddress() string {
	if s.tcpListener != nil {
		return s.tcpListener.Addr().String()
	}
	return ""
}

// ActiveConnections returns the current number of active connections.
func (s *Server) ActiveConnections() int {
	return s.connLimiter.ActiveConnections()
}
