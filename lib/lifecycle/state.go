package lifecycle

import (
	"time"

	"github.com/go-i2p/tunsvc/lib/tunnel"
)

// State represents the tunnel lifecycle state.
type State string

const (
	// StateIdle means no tunnel exists.
	StateIdle State = "idle"
	// StateEstablishing means a tunnel is being built.
	StateEstablishing State = "establishing"
	// StateActive means the tunnel interface is up and owned by the machine.
	StateActive State = "active"
	// StateDisconnected is the transient state while a tunnel is torn down.
	StateDisconnected State = "disconnected"
)

// TunnelInfo describes an established tunnel.
type TunnelInfo struct {
	// SessionID is unique per active cycle.
	SessionID string
	// Name is the interface name.
	Name string
	// FD is the tunnel device descriptor.
	FD int
	// Config is the validated configuration the tunnel was built from.
	Config tunnel.Config
	// StartedAt is when the tunnel became active.
	StartedAt time.Time
	// EstablishTime is how long the build took.
	EstablishTime time.Duration
}

// Status contains current tunnel status information.
type Status struct {
	// State is the current lifecycle state.
	State State
	// Active is set while a tunnel is up; Tunnel is valid only then.
	Active bool
	Tunnel TunnelInfo
	// Uptime is how long the current tunnel has been active.
	Uptime time.Duration
	// Session is the configured session name.
	Session string
	// Version is the software version.
	Version string
	// Closed is set once the machine has been destroyed.
	Closed bool
}
