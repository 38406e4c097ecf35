package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// deadPID is far above anything the test host will have running.
const deadPID = 4194000

func testTarget(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "environment.json")
}

func TestAcquireRecordsOwnPID(t *testing.T) {
	target := testTarget(t)

	lock, err := Acquire(context.Background(), target, time.Second)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	if lock.Path() != target+Suffix {
		t.Errorf("expected sidecar path %s, got %s", target+Suffix, lock.Path())
	}

	data, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatalf("failed to read sidecar: %v", err)
	}
	want := fmt.Sprintf("%d\n", os.Getpid())
	if string(data) != want {
		t.Errorf("expected sidecar content %q, got %q", want, string(data))
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
	if _, err := os.Stat(lock.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected sidecar to be removed after release, stat returned %v", err)
	}
}

func TestAcquireHeldByLiveProcessTimesOut(t *testing.T) {
	target := testTarget(t)

	held, err := Acquire(context.Background(), target, time.Second)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer held.Release()

	_, err = Acquire(context.Background(), target, 300*time.Millisecond)
	if err == nil {
		t.Fatal("expected second acquire to time out")
	}

	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected TimeoutError, got %T: %v", err, err)
	}
	if timeoutErr.HolderPID != os.Getpid() {
		t.Errorf("expected holder pid %d, got %d", os.Getpid(), timeoutErr.HolderPID)
	}
	if timeoutErr.Path != target+Suffix {
		t.Errorf("expected sidecar path %s, got %s", target+Suffix, timeoutErr.Path)
	}
}

func TestAcquireReclaimsDeadHolder(t *testing.T) {
	target := testTarget(t)
	sidecar := target + Suffix

	if err := os.WriteFile(sidecar, []byte(fmt.Sprintf("%d\n", deadPID)), 0o644); err != nil {
		t.Fatalf("failed to plant stale sidecar: %v", err)
	}

	start := time.Now()
	lock, err := Acquire(context.Background(), target, 10*time.Second)
	if err != nil {
		t.Fatalf("failed to reclaim stale lock: %v", err)
	}
	defer lock.Release()

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("stale reclaim took %v, expected it not to wait out the timeout", elapsed)
	}
}

func TestAcquireReclaimsCorruptSidecar(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "garbage", content: "not a pid"},
		{name: "empty", content: ""},
		{name: "negative", content: "-4\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := testTarget(t)
			if err := os.WriteFile(target+Suffix, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("failed to plant sidecar: %v", err)
			}

			lock, err := Acquire(context.Background(), target, 10*time.Second)
			if err != nil {
				t.Fatalf("failed to reclaim corrupt sidecar: %v", err)
			}
			lock.Release()
		})
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	target := testTarget(t)

	lock, err := Acquire(context.Background(), target, time.Second)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second release failed: %v", err)
	}

	var nilLock *Lock
	if err := nilLock.Release(); err != nil {
		t.Fatalf("nil release failed: %v", err)
	}

	// The target must be lockable again.
	again, err := Acquire(context.Background(), target, time.Second)
	if err != nil {
		t.Fatalf("failed to reacquire after release: %v", err)
	}
	again.Release()
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	target := testTarget(t)

	held, err := Acquire(context.Background(), target, time.Second)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	_, err = Acquire(ctx, target, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAcquireIsMutuallyExclusive(t *testing.T) {
	target := testTarget(t)

	var inCritical atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				lock, err := Acquire(context.Background(), target, 10*time.Second)
				if err != nil {
					t.Errorf("failed to acquire lock: %v", err)
					return
				}
				if !inCritical.CompareAndSwap(0, 1) {
					t.Error("two holders inside the critical section")
				}
				time.Sleep(5 * time.Millisecond)
				inCritical.Store(0)
				if err := lock.Release(); err != nil {
					t.Errorf("failed to release lock: %v", err)
					return
				}
			}
		}()
	}

	wg.Wait()
}
