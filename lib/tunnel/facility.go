package tunnel

import "net/netip"

// Handle is an open tunnel interface. Close is idempotent.
type Handle interface {
	// FD returns the descriptor of the tunnel device, or -1 once closed.
	FD() int
	// Name returns the interface name.
	Name() string
	Close() error
}

// Facility is the OS tunneling facility. A Facility accumulates builder
// state through its setters until Establish materializes the interface.
// Implementations need not be safe for concurrent builds; the lifecycle
// machine never runs two at once.
type Facility interface {
	SetSession(name string) error
	SetBlocking(blocking bool) error
	AddAddress(prefix netip.Prefix) error
	SetMTU(mtu int) error
	AddDNSServer(addr netip.Addr) error
	AddRoute(prefix netip.Prefix) error
	AddDisallowedApplication(id string) error

	// SupportsUnmetered reports whether SetMetered is available.
	SupportsUnmetered() bool
	SetMetered(metered bool) error

	// Establish creates the interface from the accumulated state.
	// A nil handle with a nil error means the OS declined.
	Establish() (Handle, error)

	// Reset discards accumulated builder state.
	Reset()

	// Protect exempts the socket fd from the tunnel's routes. It reports
	// false when the OS declined without an error.
	Protect(fd int) (bool, error)
}
