//go:build linux

package pty

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

// openMaster runs the ptmx sequence directly so each step maps to its own
// error kind. devpts grants slave ownership on open; TIOCGPTN failing means
// the slave was never made available.
func openMaster() (*os.File, string, error) {
	fd, err := unix.Open("/dev/ptmx", unix.O_RDWR|unix.O_NOCTTY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, "", newError("open", ErrAllocationFailed, err)
	}

	n, err := unix.IoctlGetUint32(fd, unix.TIOCGPTN)
	if err != nil {
		unix.Close(fd)
		return nil, "", newError("grant", ErrGrantFailed, err)
	}

	if err := unix.IoctlSetPointerInt(fd, unix.TIOCSPTLCK, 0); err != nil {
		unix.Close(fd)
		return nil, "", newError("unlock", ErrUnlockFailed, err)
	}

	// Nonblocking puts the master on the runtime poller, so Close wakes a
	// pending Read.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, "", newError("open", ErrAllocationFailed, err)
	}

	return os.NewFile(uintptr(fd), "/dev/ptmx"), "/dev/pts/" + strconv.FormatUint(uint64(n), 10), nil
}
