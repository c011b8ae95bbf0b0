//go:build !linux

package platform

import (
	"fmt"
	"runtime"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
	"github.com/go-i2p/tunsvc/lib/platform/linux"
)

// Supported reports whether this build carries a tunnel facility.
const Supported = false

func unsupported() error {
	return fmt.Errorf("tunnel facility on %s: %w", runtime.GOOS, apperrors.ErrUnsupported)
}

// New always fails on this platform.
func New(linux.Config) (Facility, error) {
	return nil, unsupported()
}

// Prepare always fails on this platform.
func Prepare() error {
	return unsupported()
}

// DupRemoteFD always fails on this platform.
func DupRemoteFD(int, int) (int, func(), error) {
	return -1, nil, unsupported()
}
