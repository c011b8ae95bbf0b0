package lifecycle

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-i2p/tunsvc/lib/bridge"
	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/tunnel"
	"github.com/go-i2p/tunsvc/version"
)

// Machine owns at most one tunnel and drives it through
// Idle → Establishing → Active → Disconnected → Idle.
//
// The facility build runs without holding the state lock. Event sinks are
// notified outside the lock, in the order transitions happened.
type Machine struct {
	mu sync.RWMutex

	facility tunnel.Facility
	registry *bridge.Registry
	sink     EventSink
	session  string
	defaults tunnel.Payload

	state         State
	handle        tunnel.Handle
	info          TunnelInfo
	stopRequested bool
	closed        bool

	// teardownDone is non-nil while a handle is being closed and is
	// closed once the machine is back in Idle.
	teardownDone chan struct{}

	// pending holds notifications queued under mu; notifyMu serializes
	// their delivery.
	pending  []func(EventSink)
	notifyMu sync.Mutex
}

// Option configures a Machine.
type Option func(*Machine)

// WithSink sets the event sink. Default: no notifications.
func WithSink(s EventSink) Option {
	return func(m *Machine) {
		if s != nil {
			m.sink = s
		}
	}
}

// WithRegistry sets the protection registry the machine publishes its
// tunnel to. Default: a private registry.
func WithRegistry(r *bridge.Registry) Option {
	return func(m *Machine) {
		if r != nil {
			m.registry = r
		}
	}
}

// WithSession sets the session name handed to the facility.
// Default: tunnel.DefaultSession.
func WithSession(name string) Option {
	return func(m *Machine) {
		if name != "" {
			m.session = name
		}
	}
}

// WithDefaults sets payload values used for fields a start intent omits.
func WithDefaults(p tunnel.Payload) Option {
	return func(m *Machine) {
		m.defaults = p
	}
}

// New creates a machine in the Idle state.
func New(facility tunnel.Facility, opts ...Option) *Machine {
	m := &Machine{
		facility: facility,
		registry: bridge.NewRegistry(),
		sink:     nopSink{},
		session:  tunnel.DefaultSession,
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	log.WithField("session", m.session).Debug("Lifecycle machine created")
	return m
}

// Registry returns the protection registry the machine publishes to.
func (m *Machine) Registry() *bridge.Registry {
	return m.registry
}

// Start validates p and builds a tunnel from it. It is accepted only from
// Idle. On any failure the machine returns to Idle and no event is fired.
// If Stop arrives while the tunnel is being built, the fresh tunnel is
// closed and Start returns apperrors.ErrStopped.
func (m *Machine) Start(p tunnel.Payload) (TunnelInfo, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return TunnelInfo{}, apperrors.ErrServiceClosed
	}
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		log.WithField("state", state).Warn("Cannot start tunnel in current state")
		return TunnelInfo{}, fmt.Errorf("start in state %s: %w", state, apperrors.ErrAlreadyActive)
	}

	cfg, err := tunnel.Validate(p.WithDefaults(m.defaults))
	if err != nil {
		m.mu.Unlock()
		StartFailures.Inc("config")
		log.WithError(err).Warn("Rejected tunnel configuration")
		return TunnelInfo{}, err
	}

	m.transition(StateEstablishing)
	m.stopRequested = false
	session := m.session
	m.mu.Unlock()

	timer := NewEstablishTimer()
	h, err := tunnel.Build(m.facility, session, cfg)
	elapsed := timer.ObserveDuration()

	m.mu.Lock()
	if err != nil {
		m.transition(StateIdle)
		m.mu.Unlock()
		StartFailures.Inc("establish")
		return TunnelInfo{}, err
	}

	if m.stopRequested || m.closed {
		closed := m.closed
		done := m.beginTeardown()
		m.mu.Unlock()

		log.WithField("interface", h.Name()).Info("Stop arrived during establish, closing fresh tunnel")
		if cerr := h.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close tunnel after cancelled start")
		}
		m.endTeardown(done)
		StartFailures.Inc("stopped")
		if closed {
			return TunnelInfo{}, apperrors.ErrServiceClosed
		}
		return TunnelInfo{}, apperrors.ErrStopped
	}

	info := TunnelInfo{
		SessionID:     uuid.NewString(),
		Name:          h.Name(),
		FD:            h.FD(),
		Config:        cfg,
		StartedAt:     time.Now(),
		EstablishTime: elapsed,
	}
	m.handle = h
	m.info = info
	m.transition(StateActive)
	m.registry.Set(&activeTunnel{m: m, h: h})
	m.enqueue(func(s EventSink) { s.TunnelStarted(info) })
	TunnelActive.Set(1)
	m.mu.Unlock()

	StartsTotal.Inc()
	m.flush()
	return info, nil
}

// Stop tears down the active tunnel. It is a no-op when no tunnel is held.
// A stop during Establishing is recorded and honored when the build
// returns.
// A stop while another teardown is closing the tunnel returns once that
// teardown has finished.
func (m *Machine) Stop() error {
	return m.teardown(ReasonStopped, false)
}

// Revoke tears down the active tunnel after the OS or user withdrew
// permission. Same semantics as Stop.
func (m *Machine) Revoke() error {
	RevokesTotal.Inc()
	return m.teardown(ReasonRevoked, false)
}

// Destroy tears down any tunnel and closes the machine; later Starts fail
// with apperrors.ErrServiceClosed. Idempotent.
func (m *Machine) Destroy() error {
	return m.teardown(ReasonDestroyed, true)
}

func (m *Machine) teardown(reason StopReason, closeMachine bool) error {
	m.mu.Lock()
	if closeMachine {
		m.closed = true
	}

	switch m.state {
	case StateEstablishing:
		m.stopRequested = true
		m.mu.Unlock()
		log.WithField("reason", reason).Info("Stop requested while establishing")
		return nil
	case StateDisconnected:
		done := m.teardownDone
		m.mu.Unlock()
		log.WithField("reason", reason).Debug("Waiting for teardown in progress")
		if done != nil {
			<-done
		}
		return nil
	case StateActive:
	default:
		m.mu.Unlock()
		log.WithField("state", m.State()).WithField("reason", reason).Debug("No tunnel to tear down")
		return nil
	}

	done := m.beginTeardown()
	h := m.handle
	m.handle = nil
	sessionID := m.info.SessionID
	m.info = TunnelInfo{}
	m.registry.Clear()
	m.enqueue(func(s EventSink) { s.TunnelStopped(reason) })
	m.mu.Unlock()

	m.flush()

	var err error
	if cerr := h.Close(); cerr != nil {
		log.WithError(cerr).Warn("Error closing tunnel")
		err = fmt.Errorf("closing tunnel: %w", cerr)
	}

	m.endTeardown(done)

	StopsTotal.Inc(string(reason))
	log.WithField("session", sessionID).WithField("reason", reason).Info("Tunnel torn down")
	return err
}

// Protect exempts fd from the active tunnel through the registry.
func (m *Machine) Protect(fd int) error {
	return m.registry.Protect(fd)
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// TunnelFD returns the descriptor of the active tunnel, or -1.
func (m *Machine) TunnelFD() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.handle == nil {
		return -1
	}
	return m.handle.FD()
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := Status{
		State:   m.state,
		Session: m.session,
		Version: version.Version,
		Closed:  m.closed,
	}
	if m.handle != nil {
		status.Active = true
		status.Tunnel = m.info
		status.Uptime = time.Since(m.info.StartedAt)
	}
	return status
}

// transition changes the state. Caller holds mu.
func (m *Machine) transition(newState State) {
	oldState := m.state
	m.state = newState
	log.WithField("oldState", oldState).WithField("newState", newState).Debug("Tunnel state transition")
}

// beginTeardown moves to Disconnected and returns the channel later
// teardown calls wait on. Caller holds mu.
func (m *Machine) beginTeardown() chan struct{} {
	m.transition(StateDisconnected)
	done := make(chan struct{})
	m.teardownDone = done
	return done
}

// endTeardown returns the machine to Idle and releases waiters.
func (m *Machine) endTeardown(done chan struct{}) {
	m.mu.Lock()
	m.transition(StateIdle)
	m.teardownDone = nil
	TunnelActive.Set(0)
	m.mu.Unlock()
	close(done)
}

// enqueue queues a notification. Caller holds mu.
func (m *Machine) enqueue(fn func(EventSink)) {
	m.pending = append(m.pending, fn)
}

// flush delivers queued notifications in order. Caller must not hold mu.
func (m *Machine) flush() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for {
		m.mu.Lock()
		if len(m.pending) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		fn(m.sink)
	}
}

// activeTunnel is the Protector published while a tunnel is active. It
// holds the machine's read lock across the facility call so teardown
// cannot close the handle mid-protect.
type activeTunnel struct {
	m *Machine
	h tunnel.Handle
}

func (a *activeTunnel) Protect(fd int) (bool, error) {
	a.m.mu.RLock()
	defer a.m.mu.RUnlock()
	if a.m.handle != a.h {
		return false, apperrors.ErrNoActiveTunnel
	}
	return a.m.facility.Protect(fd)
}
