//go:build !linux

package pty

import (
	"os"

	creackpty "github.com/creack/pty"
)

// openMaster delegates to creack/pty, which wraps posix_openpt, grantpt and
// unlockpt on the BSDs and macOS. Those steps are not reported separately,
// so every failure counts as an allocation failure.
func openMaster() (*os.File, string, error) {
	master, tty, err := creackpty.Open()
	if err != nil {
		return nil, "", newError("open", ErrAllocationFailed, err)
	}
	path := tty.Name()
	tty.Close()
	return master, path, nil
}
