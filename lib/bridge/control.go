package bridge

import (
	"fmt"
	"syscall"
)

// Control returns a function suitable for net.Dialer.Control and
// net.ListenConfig.Control that protects every socket it sees through reg.
// Dialing fails when the socket cannot be protected, so an in-process
// engine never sends upstream traffic into its own tunnel.
func Control(reg *Registry) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var protectErr error
		if err := c.Control(func(fd uintptr) {
			protectErr = reg.Protect(int(fd))
		}); err != nil {
			return fmt.Errorf("protect %s %s: %w", network, address, err)
		}
		if protectErr != nil {
			return fmt.Errorf("protect %s %s: %w", network, address, protectErr)
		}
		return nil
	}
}

// SoftControl is Control that tolerates a missing tunnel: sockets created
// while no tunnel is active go out unprotected. OS rejections still fail
// the dial.
func SoftControl(reg *Registry) func(network, address string, c syscall.RawConn) error {
	strict := Control(reg)
	return func(network, address string, c syscall.RawConn) error {
		if !reg.Available() {
			return nil
		}
		return strict(network, address, c)
	}
}
