package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/lifecycle"
	"github.com/go-i2p/tunsvc/lib/metrics"
	"github.com/go-i2p/tunsvc/lib/rpc"
	"github.com/go-i2p/tunsvc/lib/tunnel"
)

// ServiceState represents the current state of the service.
type ServiceState int

const (
	// StateInitial is the initial state before Start is called.
	StateInitial ServiceState = iota
	// StateStarting means the control surfaces are being opened.
	StateStarting
	// StateRunning means the service accepts requests.
	StateRunning
	// StateStopping means the service is shutting down.
	StateStopping
	// StateStopped means the service has been stopped. A stopped service
	// cannot be restarted.
	StateStopped
)

func (s ServiceState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ServiceOptions carries the platform hooks the service hands to its
// control surface.
type ServiceOptions struct {
	// Sink receives lifecycle events in addition to the log.
	Sink lifecycle.EventSink
	// RemoteFD resolves descriptors of other processes for tunnel.protect.
	RemoteFD rpc.RemoteFDFunc
	// Prepare reports whether tunnels may be created.
	Prepare func() error
	// Platform is reported by tunnel.status.
	Platform string
}

// Service owns the tunnel lifecycle machine and the surfaces that drive it:
// the RPC server and the metrics endpoint.
type Service struct {
	mu      sync.RWMutex
	config  *Config
	opts    ServiceOptions
	state   ServiceState
	machine *lifecycle.Machine

	rpcServer   *rpc.Server
	httpServer  *http.Server
	metricsAddr string

	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	onStateChange func(oldState, newState ServiceState)
	onError       func(err error, message string)
}

// NewService creates a service that builds tunnels with facility.
// The service is not started until Start is called.
func NewService(cfg *Config, facility tunnel.Facility, opts ServiceOptions) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if facility == nil {
		return nil, errors.New("tunnel facility is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var sink lifecycle.EventSink = lifecycle.LogSink{}
	if opts.Sink != nil {
		sink = lifecycle.MultiSink{lifecycle.LogSink{}, opts.Sink}
	}

	machine := lifecycle.New(facility,
		lifecycle.WithSession(cfg.Tunnel.Session),
		lifecycle.WithDefaults(cfg.TunnelDefaults()),
		lifecycle.WithSink(sink),
	)

	return &Service{
		config:  cfg,
		opts:    opts,
		state:   StateInitial,
		machine: machine,
		done:    make(chan struct{}),
	}, nil
}

// Start opens the data directory and the enabled control surfaces. It
// returns once they accept connections.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateInitial:
	case StateStopped:
		s.mu.Unlock()
		return apperrors.ErrServiceClosed
	default:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start service in state %s", apperrors.ErrInvalidState, state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	s.emitStateChange(StateInitial, StateStarting)

	svcCtx, cancel := context.WithCancel(ctx)

	log.WithField("name", s.config.Service.Name).
		WithField("data_dir", s.config.Service.DataDir).
		Info("Starting service")

	if err := s.config.EnsureDataDir(); err != nil {
		cancel()
		s.abortStart()
		s.emitError(err, "failed to create data directory")
		return fmt.Errorf("creating data directory: %w", err)
	}

	metrics.RecordStartTime()

	if s.config.RPC.Enabled {
		if err := s.startRPC(svcCtx); err != nil {
			cancel()
			s.abortStart()
			s.emitError(err, "failed to start RPC server")
			return fmt.Errorf("starting RPC server: %w", err)
		}
	}

	if s.config.Metrics.Enabled {
		if err := s.startMetrics(); err != nil {
			cancel()
			s.stopSurfaces(context.Background())
			s.abortStart()
			s.emitError(err, "failed to start metrics endpoint")
			return fmt.Errorf("starting metrics endpoint: %w", err)
		}
	}

	s.mu.Lock()
	s.cancel = cancel
	s.state = StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.emitStateChange(StateStarting, StateRunning)
	log.Info("Service started")

	go s.run(svcCtx)

	return nil
}

func (s *Service) startRPC(ctx context.Context) error {
	cfg := rpc.ServerConfig{
		TCPAddress:     s.config.RPC.TCPAddress,
		MaxConnections: s.config.RPC.MaxConnections,
	}
	if s.config.RPC.Socket != "" {
		cfg.UnixSocketPath = s.config.DataPath(s.config.RPC.Socket)
	}
	if s.config.RPC.AuthFile != "" {
		cfg.AuthFile = s.config.DataPath(s.config.RPC.AuthFile)
	}

	server, err := rpc.NewServer(cfg)
	if err != nil {
		return err
	}
	rpc.NewHandlers(rpc.HandlersConfig{
		Tunnel:   s.machine,
		RemoteFD: s.opts.RemoteFD,
		Prepare:  s.opts.Prepare,
		Platform: s.opts.Platform,
	}).RegisterAll(server)

	if err := server.Start(ctx, cfg); err != nil {
		return err
	}

	s.mu.Lock()
	s.rpcServer = server
	s.mu.Unlock()
	return nil
}

func (s *Service) startMetrics() error {
	ln, err := net.Listen("tcp", s.config.Metrics.Listen)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("Metrics endpoint failed")
			s.emitError(err, "metrics endpoint failed")
		}
	}()

	s.mu.Lock()
	s.httpServer = srv
	s.metricsAddr = ln.Addr().String()
	s.mu.Unlock()

	log.WithField("address", ln.Addr().String()).Info("Metrics endpoint listening")
	return nil
}

// run waits for the service context to end. Cancelling the context
// passed to Start has the same effect as Stop.
func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	<-ctx.Done()

	s.mu.Lock()
	oldState := s.state
	s.state = StateStopping
	s.mu.Unlock()
	if oldState == StateRunning {
		s.emitStateChange(StateRunning, StateStopping)
	}

	log.Info("Service shutting down")
	s.shutdown()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()

	s.emitStateChange(StateStopping, StateStopped)
}

func (s *Service) shutdown() {
	if err := s.machine.Destroy(); err != nil {
		log.WithError(err).Warn("Tunnel teardown reported an error")
	}

	timeout := s.config.Service.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.stopSurfaces(ctx)
}

func (s *Service) stopSurfaces(ctx context.Context) {
	s.mu.Lock()
	rpcServer := s.rpcServer
	httpServer := s.httpServer
	s.rpcServer = nil
	s.httpServer = nil
	s.mu.Unlock()

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop RPC server")
		}
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("Failed to stop metrics endpoint")
		}
	}
}

// Stop tears down any active tunnel and closes the control surfaces.
// It blocks until shutdown completes or ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot stop service in state %s", apperrors.ErrInvalidState, state)
	}
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	log.Info("Stopping service")
	cancel()

	select {
	case <-done:
		log.Info("Service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortStart returns the service to Stopped after a failed Start. The
// machine is destroyed; it was never exposed.
func (s *Service) abortStart() {
	_ = s.machine.Destroy()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	close(s.done)

	s.emitStateChange(StateStarting, StateStopped)
}

// State returns the current state of the service.
func (s *Service) State() ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Config returns the service's configuration.
func (s *Service) Config() *Config {
	return s.config
}

// Machine returns the tunnel lifecycle machine.
func (s *Service) Machine() *lifecycle.Machine {
	return s.machine
}

// Done returns a channel that is closed when the service has stopped.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// RPCServer returns the running RPC server, or nil.
func (s *Service) RPCServer() *rpc.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rpcServer
}

// MetricsAddr returns the metrics endpoint address, or "" if it is not
// running.
func (s *Service) MetricsAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.httpServer == nil {
		return ""
	}
	return s.metricsAddr
}

// Uptime returns how long the service has been running.
// Returns zero if not running.
func (s *Service) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startedAt.IsZero() || s.state != StateRunning {
		return 0
	}
	return time.Since(s.startedAt)
}

// SetOnStateChange sets a callback for state changes.
// The callback is invoked synchronously during state transitions.
func (s *Service) SetOnStateChange(callback func(oldState, newState ServiceState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = callback
}

// SetOnError sets a callback for errors that do not stop the service.
func (s *Service) SetOnError(callback func(err error, message string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = callback
}

func (s *Service) emitStateChange(oldState, newState ServiceState) {
	s.mu.RLock()
	callback := s.onStateChange
	s.mu.RUnlock()

	if callback != nil {
		callback(oldState, newState)
	}
}

func (s *Service) emitError(err error, message string) {
	s.mu.RLock()
	callback := s.onError
	s.mu.RUnlock()

	if callback != nil {
		callback(err, message)
	}
}
