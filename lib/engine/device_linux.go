//go:build linux

package engine

import (
	"fmt"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"
)

// openDevice wraps a duplicate of fd as a tun.Device. The duplicate shares
// the open file description with fd, so the device switches the tunnel to
// non-blocking mode.
func openDevice(fd int) (tun.Device, string, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, "", fmt.Errorf("dup tunnel fd %d: %w", fd, err)
	}
	if err := unix.SetNonblock(dup, true); err != nil {
		unix.Close(dup)
		return nil, "", fmt.Errorf("set nonblock: %w", err)
	}
	// From here on dup belongs to the device's *os.File.
	dev, name, err := tun.CreateUnmonitoredTUNFromFD(dup)
	if err != nil {
		return nil, "", fmt.Errorf("open tunnel device: %w", err)
	}
	return dev, name, nil
}
