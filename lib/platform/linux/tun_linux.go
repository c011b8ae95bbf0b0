//go:build linux

package linux

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const tunDevice = "/dev/net/tun"

// openTUN creates a TUN interface and returns its descriptor and the name
// the kernel assigned.
func openTUN(name string, blocking bool) (int, string, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, "", fmt.Errorf("failed to open %s: %w", tunDevice, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("interface name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TUN | unix.IFF_NO_PI)

	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("ioctl TUNSETIFF failed: %w", err)
	}

	if err := unix.SetNonblock(fd, !blocking); err != nil {
		unix.Close(fd)
		return -1, "", fmt.Errorf("set nonblocking: %w", err)
	}

	return fd, ifr.Name(), nil
}

// CanCreateTUN reports whether this process may create TUN interfaces.
// It creates and immediately discards a throwaway interface.
func CanCreateTUN() error {
	fd, _, err := openTUN("tunsvcprobe%d", false)
	if err != nil {
		return err
	}
	return unix.Close(fd)
}
