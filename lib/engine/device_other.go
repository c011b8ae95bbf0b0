//go:build !linux

package engine

import (
	"fmt"
	"runtime"

	"golang.zx2c4.com/wireguard/tun"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
)

func openDevice(fd int) (tun.Device, string, error) {
	return nil, "", fmt.Errorf("tunnel device on %s: %w", runtime.GOOS, apperrors.ErrUnsupported)
}
