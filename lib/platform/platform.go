// Package platform selects the tunnel facility for the running OS.
package platform

import (
	"io"
	"runtime"

	"github.com/go-i2p/tunsvc/lib/tunnel"
)

// Facility is a tunnel facility that owns OS resources of its own.
type Facility interface {
	tunnel.Facility
	io.Closer
}

// Name returns the platform identifier reported in status output.
func Name() string {
	return runtime.GOOS + "/" + runtime.GOARCH
}
