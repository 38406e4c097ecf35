//go:build unix

package lockfile

import (
	"errors"
	"syscall"
)

// processAlive reports whether a process with the given pid exists. Signal 0
// performs the existence check without delivering anything. EPERM means the
// process exists but belongs to another user, so it counts as alive.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
