package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Suffix is appended to the guarded path to form the sidecar path.
const Suffix = ".lock"

// pollInterval is the sleep between acquisition attempts while the lock is
// held by a live process.
const pollInterval = 100 * time.Millisecond

// Lock is a held sidecar lock. Callers defer Release immediately after a
// successful Acquire so the sidecar is removed on success and on propagated
// error alike; stale detection covers the crashed-holder case.
type Lock struct {
	path     string
	released bool
}

// TimeoutError reports that the lock stayed held by a live process past the
// acquisition timeout.
type TimeoutError struct {
	// Path is the sidecar path.
	Path string

	// HolderPID is the process recorded in the sidecar when the timeout hit.
	HolderPID int
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock %s is held by process %d", e.Path, e.HolderPID)
}

// Acquire takes the exclusive lock guarding targetPath by creating the
// sidecar at targetPath + Suffix with O_EXCL, recording this process's pid.
//
// If the sidecar already exists, the recorded holder is probed: a dead
// holder's sidecar is removed and acquisition re-raced immediately, an
// unparseable sidecar is treated the same way (see the package doc), and a
// live holder makes Acquire poll until timeout elapses, then fail with a
// TimeoutError naming the holder. Context cancellation aborts the wait.
func Acquire(ctx context.Context, targetPath string, timeout time.Duration) (*Lock, error) {
	sidecar := targetPath + Suffix
	deadline := time.Now().Add(timeout)

	for {
		ok, err := tryCreate(sidecar)
		if err != nil {
			return nil, err
		}
		if ok {
			return &Lock{path: sidecar}, nil
		}

		pid, err := readHolderPID(sidecar)
		if errors.Is(err, os.ErrNotExist) {
			// Holder released between attempts; race the creation again.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read lock sidecar %s: %w", sidecar, err)
		}

		if pid <= 0 || !processAlive(pid) {
			if err := os.Remove(sidecar); err != nil && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to remove stale lock %s: %w", sidecar, err)
			}
			continue
		}

		if !time.Now().Before(deadline) {
			return nil, &TimeoutError{Path: sidecar, HolderPID: pid}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// tryCreate attempts the exclusive sidecar creation. It returns false with a
// nil error when the sidecar already exists.
func tryCreate(sidecar string) (bool, error) {
	f, err := os.OpenFile(sidecar, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create lock sidecar %s: %w", sidecar, err)
	}

	_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
	cerr := f.Close()
	if werr != nil || cerr != nil {
		_ = os.Remove(sidecar)
		if werr == nil {
			werr = cerr
		}
		return false, fmt.Errorf("failed to write lock sidecar %s: %w", sidecar, werr)
	}
	return true, nil
}

// readHolderPID reads the pid recorded in the sidecar. A sidecar whose
// content does not parse returns pid 0, which the caller reclaims as stale.
func readHolderPID(sidecar string) (int, error) {
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

// Release removes the sidecar. Calling it again after a successful release
// is a no-op, and a sidecar already removed by someone else is not an error.
func (l *Lock) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to release lock %s: %w", l.path, err)
	}
	return nil
}

// Path returns the sidecar path.
func (l *Lock) Path() string {
	return l.path
}
