package tunnel

import (
	"fmt"
	"time"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
)

// DefaultSession is the session name used when none is configured.
const DefaultSession = "tunsvc"

// Build drives the facility through the builder sequence for cfg and
// returns the established handle. Any failure, including the facility
// declining with a nil handle, wraps apperrors.ErrEstablish and leaves
// nothing open.
func Build(f Facility, session string, cfg Config) (Handle, error) {
	if session == "" {
		session = DefaultSession
	}

	start := time.Now()
	h, err := build(f, session, cfg)
	if err != nil {
		f.Reset()
		if h != nil {
			if cerr := h.Close(); cerr != nil {
				log.WithError(cerr).Warn("Failed to close handle after build error")
			}
		}
		log.WithField("session", session).WithError(err).Warn("Tunnel build failed")
		return nil, fmt.Errorf("%w: %w", apperrors.ErrEstablish, err)
	}

	log.WithField("session", session).
		WithField("interface", h.Name()).
		WithField("fd", h.FD()).
		WithField("elapsed", time.Since(start)).
		Info("Tunnel established")
	return h, nil
}

func build(f Facility, session string, cfg Config) (Handle, error) {
	if err := f.SetSession(session); err != nil {
		return nil, fmt.Errorf("set session: %w", err)
	}
	if err := f.SetBlocking(false); err != nil {
		return nil, fmt.Errorf("set blocking: %w", err)
	}
	if err := f.AddAddress(cfg.IPv4Address); err != nil {
		return nil, fmt.Errorf("add address %s: %w", cfg.IPv4Address, err)
	}
	if err := f.AddAddress(cfg.IPv6Address); err != nil {
		return nil, fmt.Errorf("add address %s: %w", cfg.IPv6Address, err)
	}
	if err := f.SetMTU(cfg.MTU); err != nil {
		return nil, fmt.Errorf("set mtu %d: %w", cfg.MTU, err)
	}
	for _, addr := range cfg.DNSServers {
		if err := f.AddDNSServer(addr); err != nil {
			return nil, fmt.Errorf("add dns server %s: %w", addr, err)
		}
	}
	for _, route := range cfg.Routes {
		if err := f.AddRoute(route); err != nil {
			return nil, fmt.Errorf("add route %s: %w", route, err)
		}
	}
	for _, app := range cfg.DisallowedApps {
		if err := f.AddDisallowedApplication(app); err != nil {
			return nil, fmt.Errorf("add disallowed application %q: %w", app, err)
		}
	}
	if f.SupportsUnmetered() {
		if err := f.SetMetered(false); err != nil {
			return nil, fmt.Errorf("set metered: %w", err)
		}
	}

	h, err := f.Establish()
	if err != nil {
		return h, fmt.Errorf("establish: %w", err)
	}
	if h == nil {
		return nil, fmt.Errorf("establish: facility declined")
	}
	return h, nil
}
