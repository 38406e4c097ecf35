package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gantrydev/gantry/pkg/lifecycle"
	"github.com/gantrydev/gantry/pkg/lockfile"
)

// recordFile is the per-environment record name under the data root.
const recordFile = "environment.json"

// DefaultLockTimeout bounds lock acquisition for store operations.
const DefaultLockTimeout = 15 * time.Second

// FSStore implements EnvironmentStore on the local filesystem. One record
// per environment at <root>/<name>/environment.json, guarded by a pid
// sidecar lock next to it. Writes go through a temp sibling plus rename, so
// a concurrent reader observes the old record or the new one, never a mix.
type FSStore struct {
	root        string
	lockTimeout time.Duration
}

// FSConfig holds filesystem store configuration.
type FSConfig struct {
	// Root is the data directory holding one subdirectory per environment.
	Root string

	// LockTimeout bounds how long operations wait for a held lock.
	// Defaults to DefaultLockTimeout.
	LockTimeout time.Duration
}

// NewFSStore creates a new filesystem store instance.
func NewFSStore(cfg FSConfig) (*FSStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("data root is required")
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	return &FSStore{
		root:        cfg.Root,
		lockTimeout: cfg.LockTimeout,
	}, nil
}

// Root returns the data directory.
func (s *FSStore) Root() string {
	return s.root
}

// recordPath returns the record path for name.
func (s *FSStore) recordPath(name string) string {
	return filepath.Join(s.root, name, recordFile)
}

// checkName rejects names that would escape the data root. Environment
// construction validates names properly; this guards Load and Delete called
// with raw CLI input.
func (s *FSStore) checkName(op, name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return NewInternalError(op, name, fmt.Errorf("invalid environment name %q", name))
	}
	return nil
}

// acquire takes the record lock, mapping lock failures to store errors.
func (s *FSStore) acquire(ctx context.Context, op, name, path string) (*lockfile.Lock, error) {
	lock, err := lockfile.Acquire(ctx, path, s.lockTimeout)
	if err == nil {
		return lock, nil
	}

	var timeout *lockfile.TimeoutError
	if errors.As(err, &timeout) {
		return nil, NewConflictError(op, name, timeout.Path, timeout.HolderPID, err)
	}
	return nil, NewInternalError(op, name, err).WithPath(path + lockfile.Suffix)
}

// Save writes the envelope's record, replacing any previous one.
func (s *FSStore) Save(ctx context.Context, env *lifecycle.Envelope) error {
	const op = "save"

	name := env.Name()
	if err := s.checkName(op, name); err != nil {
		return err
	}

	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return NewInternalError(op, name, err).WithPath(dir)
	}

	path := s.recordPath(name)
	lock, err := s.acquire(ctx, op, name, path)
	if err != nil {
		return err
	}
	defer lock.Release()

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return NewInternalError(op, name, err).WithPath(path)
	}
	data = append(data, '\n')

	if err := writeAtomic(dir, path, data); err != nil {
		return NewInternalError(op, name, err).WithPath(path)
	}
	return nil
}

// Load reads the record for name. Absence is not an error: Load returns
// (nil, nil). A record that does not decode is Internal with the path.
func (s *FSStore) Load(ctx context.Context, name string) (*lifecycle.Envelope, error) {
	const op = "load"

	if err := s.checkName(op, name); err != nil {
		return nil, err
	}

	// An absent environment directory means absent record; taking the lock
	// there would create the directory as a side effect.
	dir := filepath.Join(s.root, name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, NewInternalError(op, name, err).WithPath(dir)
	}

	path := s.recordPath(name)
	lock, err := s.acquire(ctx, op, name, path)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, NewInternalError(op, name, err).WithPath(path)
	}

	env := &lifecycle.Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, NewInternalError(op, name, fmt.Errorf("corrupt environment record: %w", err)).WithPath(path)
	}
	if env.Name() != name {
		return nil, NewInternalError(op, name, fmt.Errorf("record names environment %q, expected %q", env.Name(), name)).WithPath(path)
	}
	return env, nil
}

// Exists reports whether a record for name is present. It stats the record
// without taking the lock; rename-based writes keep the answer consistent.
func (s *FSStore) Exists(_ context.Context, name string) (bool, error) {
	const op = "exists"

	if err := s.checkName(op, name); err != nil {
		return false, err
	}

	path := s.recordPath(name)
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, NewInternalError(op, name, err).WithPath(path)
	}
	return true, nil
}

// Delete removes the record for name. Deleting an absent record is a no-op.
func (s *FSStore) Delete(ctx context.Context, name string) error {
	const op = "delete"

	if err := s.checkName(op, name); err != nil {
		return err
	}

	dir := filepath.Join(s.root, name)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return NewInternalError(op, name, err).WithPath(dir)
	}

	path := s.recordPath(name)
	lock, err := s.acquire(ctx, op, name, path)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = lock.Release()
		return NewInternalError(op, name, err).WithPath(path)
	}
	if err := lock.Release(); err != nil {
		return NewInternalError(op, name, err).WithPath(path + lockfile.Suffix)
	}

	// The directory only goes away once nothing else lives in it.
	_ = os.Remove(dir)
	return nil
}

// List returns the names of all stored environments, sorted. Entries under
// the root without a record file are skipped.
func (s *FSStore) List(_ context.Context) ([]string, error) {
	const op = "list"

	entries, err := os.ReadDir(s.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, NewInternalError(op, "", err).WithPath(s.root)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), recordFile)); err != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

// writeAtomic writes data to a temp sibling of path, flushes it to stable
// storage, and renames it into place.
func writeAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, recordFile+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp record: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename record into place: %w", err)
	}
	tmpPath = ""

	// Persist the rename itself. Not every filesystem supports syncing a
	// directory, so failures here are ignored.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
