//go:build windows

package lockfile

import "os"

// processAlive reports whether a process with the given pid exists.
// os.FindProcess opens a real handle on Windows and fails for dead pids.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
