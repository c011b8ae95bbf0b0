//go:build linux

package linux

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	apperrors "github.com/go-i2p/tunsvc/lib/errors"
)

// DupRemoteFD duplicates descriptor fd of process pid into this process.
// The caller owns and must close the returned descriptor; the remote one
// is untouched. A pid of zero or our own pid returns fd itself with a
// no-op release.
func DupRemoteFD(pid, fd int) (int, func(), error) {
	if pid == 0 || pid == os.Getpid() {
		return fd, func() {}, nil
	}

	pidfd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return -1, nil, remoteErr("pidfd_open", pid, err)
	}
	defer unix.Close(pidfd)

	local, err := unix.PidfdGetfd(pidfd, fd, 0)
	if err != nil {
		return -1, nil, remoteErr("pidfd_getfd", pid, err)
	}
	return local, func() { unix.Close(local) }, nil
}

func remoteErr(op string, pid int, err error) error {
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
		return fmt.Errorf("%s pid %d: %w: %w", op, pid, apperrors.ErrPermission, err)
	}
	if errors.Is(err, unix.ESRCH) || errors.Is(err, unix.EBADF) {
		return fmt.Errorf("%s pid %d: %w: %w", op, pid, apperrors.ErrNotFound, err)
	}
	return fmt.Errorf("%s pid %d: %w", op, pid, err)
}
