package rpc

import (
	"net"
	"sync"
	"sync/atomic"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
)

// DefaultMaxConnections is the default maximum concurrent connections.
// Host shells hold one long-lived connection each, so the default is small.
const DefaultMaxConnections = 16

// ErrTooManyConnections is returned when the connection limit is reached.
var ErrTooManyConnections = apperrors.ErrRPCTooManyConnections

// ConnectionLimiter tracks active connections and rejects new ones when
// the limit is reached.
type ConnectionLimiter struct {
	maxConns    atomic.Int32
	activeConns atomic.Int32

	mu       sync.RWMutex
	onReject func(addr net.Addr)
}

// NewConnectionLimiter creates a new connection limiter.
// If maxConns <= 0, DefaultMaxConnections is used.
func NewConnectionLimiter(maxConns int) *ConnectionLimiter {
	cl := &ConnectionLimiter{}
	cl.SetMaxConnections(maxConns)
	return cl
}

// SetOnReject sets a callback invoked with the address of every rejected
// connection.
func (cl *ConnectionLimiter) SetOnReject(fn func(addr net.Addr)) {
	cl.mu.Lock()
	cl.onReject = fn
	cl.mu.Unlock()
}

// Acquire attempts to acquire a connection slot.
func (cl *ConnectionLimiter) Acquire() bool {
	for {
		current := cl.activeConns.Load()
		if current >= cl.maxConns.Load() {
			return false
		}
		if cl.activeConns.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

// Release releases a connection slot.
func (cl *ConnectionLimiter) Release() {
	cl.activeConns.Add(-1)
}

// TryAccept returns conn if a slot is free. Otherwise it closes conn and
// returns nil.
func (cl *ConnectionLimiter) TryAccept(conn net.Conn) net.Conn {
	if cl.Acquire() {
		return conn
	}

	cl.mu.RLock()
	onReject := cl.onReject
	cl.mu.RUnlock()

	if onReject != nil {
		onReject(conn.RemoteAddr())
	}
	conn.Close()
	return nil
}

// ActiveConnections returns the current number of active connections.
func (cl *ConnectionLimiter) ActiveConnections() int {
	return int(cl.activeConns.Load())
}

// MaxConnections returns the maximum allowed connections.
func (cl *ConnectionLimiter) MaxConnections() int {
	return int(cl.maxConns.Load())
}

// SetMaxConnections updates the maximum connection limit.
func (cl *ConnectionLimiter) SetMaxConnections(max int) {
	if max <= 0 {
		max = DefaultMaxConnections
	}
	cl.maxConns.Store(int32(max))
}

// LimitedConn releases its slot when closed.
type LimitedConn struct {
	net.Conn
	limiter *ConnectionLimiter
	once    sync.Once
}

// WrapConn wraps a connection with automatic slot release on close.
func (cl *ConnectionLimiter) WrapConn(conn net.Conn) *LimitedConn {
	return &LimitedConn{
		Conn:    conn,
		limiter: cl,
	}
}

// Close closes the connection and releases the connection slot once.
func (lc *LimitedConn) Close() error {
	lc.once.Do(lc.limiter.Release)
	return lc.Conn.Close()
}
