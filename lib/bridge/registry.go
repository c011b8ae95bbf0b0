// Package bridge arbitrates socket protection requests from packet engines
// against the currently active tunnel.
//
// A Registry holds at most one Protector: the lifecycle machine sets it when
// a tunnel becomes active and clears it before the tunnel is torn down.
// Engines call Protect with a raw descriptor; the bridge never closes or
// takes ownership of it.
package bridge

import (
	"fmt"
	"sync"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
)

// Status codes returned at integer boundaries.
const (
	StatusProtected = 0
	StatusFailed    = -1
)

// Protector exempts a socket from the active tunnel. It reports false when
// the OS declined without an error.
type Protector interface {
	Protect(fd int) (bool, error)
}

// ProtectorFunc adapts a function to the Protector interface.
type ProtectorFunc func(fd int) (bool, error)

// Protect implements Protector.
func (f ProtectorFunc) Protect(fd int) (bool, error) {
	return f(fd)
}

// Registry is the "current tunnel" slot.
type Registry struct {
	mu      sync.RWMutex
	current Protector
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Set registers p as the current protector, replacing any previous one.
func (r *Registry) Set(p Protector) {
	r.mu.Lock()
	r.current = p
	r.mu.Unlock()
	TunnelRegistered.Set(1)
	log.Debug("Protector registered")
}

// Clear removes the current protector.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.current = nil
	r.mu.Unlock()
	TunnelRegistered.Set(0)
	log.Debug("Protector cleared")
}

// Current returns the registered protector, if any.
func (r *Registry) Current() (Protector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.current != nil
}

// Available reports whether a tunnel is registered.
func (r *Registry) Available() bool {
	_, ok := r.Current()
	return ok
}

// Protect exempts fd from the current tunnel. It returns an error wrapping
// apperrors.ErrNoActiveTunnel when nothing is registered and
// apperrors.ErrRejected when the OS declines. It never panics.
func (r *Registry) Protect(fd int) (err error) {
	p, ok := r.Current()
	if !ok {
		ProtectsFailed.Inc("no_tunnel")
		log.WithField("fd", fd).Debug("Protect requested without an active tunnel")
		return fmt.Errorf("fd %d: %w", fd, apperrors.ErrNoActiveTunnel)
	}

	defer func() {
		if rec := recover(); rec != nil {
			ProtectsFailed.Inc("rejected")
			log.WithField("fd", fd).WithField("panic", rec).Error("Protector panicked")
			err = fmt.Errorf("fd %d: %w: panic: %v", fd, apperrors.ErrRejected, rec)
		}
	}()

	protected, perr := p.Protect(fd)
	switch {
	case perr != nil && apperrors.IsNoActiveTunnel(perr):
		// The tunnel went away between lookup and the call.
		ProtectsFailed.Inc("no_tunnel")
		return fmt.Errorf("fd %d: %w", fd, perr)
	case perr != nil:
		ProtectsFailed.Inc("rejected")
		log.WithField("fd", fd).WithError(perr).Warn("Socket protect failed")
		return fmt.Errorf("fd %d: %w: %w", fd, apperrors.ErrRejected, perr)
	case !protected:
		ProtectsFailed.Inc("rejected")
		log.WithField("fd", fd).Warn("Socket protect declined")
		return fmt.Errorf("fd %d: %w", fd, apperrors.ErrRejected)
	}

	ProtectsTotal.Inc()
	log.WithField("fd", fd).Debug("Socket protected")
	return nil
}

// ProtectStatus is Protect collapsed to a status code: StatusProtected on
// success, StatusFailed for every failure kind.
func (r *Registry) ProtectStatus(fd int) int {
	if err := r.Protect(fd); err != nil {
		return StatusFailed
	}
	return StatusProtected
}

// StatusOf maps a Protect error to its status code.
func StatusOf(err error) int {
	if err != nil {
		return StatusFailed
	}
	return StatusProtected
}
