//go:build linux

package platform

import (
	"github.com/go-i2p/tunsvc/lib/platform/linux"
)

// Supported reports whether this build carries a tunnel facility.
const Supported = true

// New returns the Linux facility.
func New(cfg linux.Config) (Facility, error) {
	f, err := linux.New(cfg)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Prepare checks that the process may create tunnels. It returns nil when
// a tunnel can be established without further consent.
func Prepare() error {
	return linux.CanCreateTUN()
}

// DupRemoteFD copies descriptor fd of process pid into this process. The
// release function closes the copy.
func DupRemoteFD(pid, fd int) (int, func(), error) {
	return linux.DupRemoteFD(pid, fd)
}
