// Package ffi exposes the tunnel lifecycle to callers across a
// foreign-function boundary: native packet engines and host shells that
// can only pass integers and byte buffers.
//
// A Boundary holds at most one machine. Every entry point is safe to call
// from any thread, including while the machine is tearing a tunnel down.
package ffi

import (
	"errors"
	"sync"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/lifecycle"
	"github.com/go-i2p/tunsvc/lib/tunnel"
)

// Result codes returned by the lifecycle entry points. StartTunnel returns
// the tunnel descriptor (>= 0) instead of ResultOK on success.
const (
	ResultOK         int32 = 0
	ResultFailed     int32 = -1
	ResultConfig     int32 = -2
	ResultEstablish  int32 = -3
	ResultState      int32 = -4
	ResultNoInstance int32 = -5
	ResultStopped    int32 = -6
)

// Boundary adapts a lifecycle machine to plain-integer entry points.
type Boundary struct {
	mu      sync.RWMutex
	machine *lifecycle.Machine
	lastErr string
}

// New creates a boundary with no machine attached.
func New() *Boundary {
	return &Boundary{}
}

// Attach makes m the instance every entry point operates on.
func (b *Boundary) Attach(m *lifecycle.Machine) {
	b.mu.Lock()
	b.machine = m
	b.mu.Unlock()
	log.Debug("Machine attached to boundary")
}

// Detach removes the attached machine and returns it. The machine itself
// is left as it is.
func (b *Boundary) Detach() *lifecycle.Machine {
	b.mu.Lock()
	m := b.machine
	b.machine = nil
	b.mu.Unlock()
	return m
}

func (b *Boundary) current() *lifecycle.Machine {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.machine
}

// InitProtection reports whether a usable machine is attached. Callers
// run it once before they start issuing ProtectSocket calls.
func (b *Boundary) InitProtection() bool {
	m := b.current()
	return m != nil && !m.Status().Closed
}

// ProtectSocket exempts fd from the active tunnel. It returns 0 when the
// socket was protected and -1 otherwise, including when no tunnel is
// active.
func (b *Boundary) ProtectSocket(fd int32) int32 {
	m := b.current()
	if m == nil {
		b.setError(errors.New("no tunnel instance"))
		return ResultFailed
	}
	if err := m.Protect(int(fd)); err != nil {
		b.setError(err)
		return ResultFailed
	}
	return ResultOK
}

// StartTunnel starts a tunnel from a JSON start intent and returns the
// tunnel descriptor, or a negative result code.
func (b *Boundary) StartTunnel(payload []byte) int32 {
	m := b.current()
	if m == nil {
		b.setError(errors.New("no tunnel instance"))
		return ResultNoInstance
	}

	p, err := tunnel.ParsePayload(payload)
	if err != nil {
		b.setError(err)
		return ResultConfig
	}

	info, err := m.Start(p)
	if err != nil {
		log.WithError(err).Debug("Start through boundary failed")
		b.setError(err)
		return resultOf(err)
	}
	return int32(info.FD)
}

// StopTunnel stops the active tunnel. Stopping an idle machine succeeds.
func (b *Boundary) StopTunnel() int32 {
	m := b.current()
	if m == nil {
		b.setError(errors.New("no tunnel instance"))
		return ResultNoInstance
	}
	if err := m.Stop(); err != nil {
		b.setError(err)
		return resultOf(err)
	}
	return ResultOK
}

// RevokeTunnel tears the tunnel down as if the OS had withdrawn consent.
func (b *Boundary) RevokeTunnel() int32 {
	m := b.current()
	if m == nil {
		b.setError(errors.New("no tunnel instance"))
		return ResultNoInstance
	}
	if err := m.Revoke(); err != nil {
		b.setError(err)
		return resultOf(err)
	}
	return ResultOK
}

// TunnelFD returns the active tunnel descriptor, or -1.
func (b *Boundary) TunnelFD() int32 {
	m := b.current()
	if m == nil {
		return -1
	}
	return int32(m.TunnelFD())
}

// LastError returns the message of the most recent failed call.
func (b *Boundary) LastError() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

func (b *Boundary) setError(err error) {
	b.mu.Lock()
	b.lastErr = err.Error()
	b.mu.Unlock()
}

func resultOf(err error) int32 {
	switch {
	case err == nil:
		return ResultOK
	case apperrors.IsConfiguration(err), errors.Is(err, apperrors.ErrInvalidInput):
		return ResultConfig
	case apperrors.IsEstablish(err):
		return ResultEstablish
	case errors.Is(err, apperrors.ErrStopped):
		return ResultStopped
	case apperrors.IsClosed(err):
		return ResultNoInstance
	case apperrors.IsInvalidState(err):
		return ResultState
	default:
		return ResultFailed
	}
}
