package stores

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gantrydev/gantry/pkg/lifecycle"
	"github.com/gantrydev/gantry/pkg/lockfile"
)

// setupFSStore creates a filesystem store rooted in a temp directory.
func setupFSStore(t *testing.T) *FSStore {
	t.Helper()

	store, err := NewFSStore(FSConfig{
		Root: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store
}

// newCreated returns an erased environment in stage Created.
func newCreated(t *testing.T, name string) *lifecycle.Envelope {
	t.Helper()

	env, err := lifecycle.New(name, lifecycle.SSHCredentials{User: "deploy"}, "/tmp/build", "/var/lib/gantry")
	if err != nil {
		t.Fatalf("failed to create environment: %v", err)
	}
	return lifecycle.Erase(env)
}

func TestFSStoreSaveLoadAcrossInstances(t *testing.T) {
	store := setupFSStore(t)
	ctx := context.Background()

	saved := newCreated(t, "demo")
	if err := store.Save(ctx, saved); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	// A fresh instance over the same root must see the record.
	fresh, err := NewFSStore(FSConfig{Root: store.Root()})
	if err != nil {
		t.Fatalf("failed to create second store: %v", err)
	}

	loaded, err := fresh.Load(ctx, "demo")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a record, got absent")
	}
	if !reflect.DeepEqual(loaded, saved) {
		t.Errorf("loaded envelope differs from saved:\n got %#v\nwant %#v", loaded, saved)
	}
}

func TestFSStoreProvisioningWalk(t *testing.T) {
	store := setupFSStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, newCreated(t, "demo")); err != nil {
		t.Fatalf("failed to save created: %v", err)
	}

	loaded, err := store.Load(ctx, "demo")
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}
	created, err := lifecycle.RecoverAs[lifecycle.Created](loaded)
	if err != nil {
		t.Fatalf("failed to recover created: %v", err)
	}

	if err := store.Save(ctx, lifecycle.Erase(lifecycle.StartProvisioning(created))); err != nil {
		t.Fatalf("failed to save provisioning: %v", err)
	}

	loaded, err = store.Load(ctx, "demo")
	if err != nil {
		t.Fatalf("failed to load provisioning: %v", err)
	}
	provisioning, err := lifecycle.RecoverAs[lifecycle.Provisioning](loaded)
	if err != nil {
		t.Fatalf("failed to recover provisioning: %v", err)
	}

	if err := store.Save(ctx, lifecycle.Erase(lifecycle.CompleteProvisioning(provisioning, "203.0.113.10"))); err != nil {
		t.Fatalf("failed to save provisioned: %v", err)
	}

	loaded, err = store.Load(ctx, "demo")
	if err != nil {
		t.Fatalf("failed to load provisioned: %v", err)
	}
	if loaded.StageName() != lifecycle.StageProvisioned {
		t.Errorf("expected stage %s, got %s", lifecycle.StageProvisioned, loaded.StageName())
	}
	if loaded.Address() != "203.0.113.10" {
		t.Errorf("expected address 203.0.113.10, got %q", loaded.Address())
	}

	// The on-disk record leads with the stage discriminator.
	data, err := os.ReadFile(store.recordPath("demo"))
	if err != nil {
		t.Fatalf("failed to read record: %v", err)
	}
	if !strings.Contains(string(data), `"stage": "Provisioned"`) {
		t.Errorf("record missing stage discriminator:\n%s", data)
	}
}

func TestFSStoreLoadAbsent(t *testing.T) {
	store := setupFSStore(t)

	loaded, err := store.Load(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected absent load to succeed, got %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil envelope for absent record, got %v", loaded)
	}
}

func TestFSStoreExists(t *testing.T) {
	store := setupFSStore(t)
	ctx := context.Background()

	ok, err := store.Exists(ctx, "demo")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if ok {
		t.Error("expected record to be absent")
	}

	if err := store.Save(ctx, newCreated(t, "demo")); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	ok, err = store.Exists(ctx, "demo")
	if err != nil {
		t.Fatalf("exists failed: %v", err)
	}
	if !ok {
		t.Error("expected record to be present")
	}
}

func TestFSStoreDeleteIsIdempotent(t *testing.T) {
	store := setupFSStore(t)
	ctx := context.Background()

	if err := store.Save(ctx, newCreated(t, "demo")); err != nil {
		t.Fatalf("failed to save: %v", err)
	}

	if err := store.Delete(ctx, "demo"); err != nil {
		t.Fatalf("first delete failed: %v", err)
	}
	if err := store.Delete(ctx, "demo"); err != nil {
		t.Fatalf("second delete failed: %v", err)
	}
	if err := store.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("delete of unknown name failed: %v", err)
	}

	if _, err := os.Stat(filepath.Join(store.Root(), "demo")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected environment directory to be removed, stat returned %v", err)
	}
}

func TestFSStoreList(t *testing.T) {
	store := setupFSStore(t)
	ctx := context.Background()

	for _, name := range []string{"gamma", "alpha", "beta"} {
		if err := store.Save(ctx, newCreated(t, name)); err != nil {
			t.Fatalf("failed to save %s: %v", name, err)
		}
	}

	// Stray entries under the root must not show up.
	if err := os.WriteFile(filepath.Join(store.Root(), "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to plant stray file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(store.Root(), "empty"), 0o755); err != nil {
		t.Fatalf("failed to plant stray dir: %v", err)
	}

	names, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	want := []string{"alpha", "beta", "gamma"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("expected %v, got %v", want, names)
	}

	empty, err := setupFSStore(t).List(ctx)
	if err != nil {
		t.Fatalf("list on empty root failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no names, got %v", empty)
	}
}

func TestFSStoreCorruptRecordIsInternal(t *testing.T) {
	store := setupFSStore(t)

	dir := filepath.Join(store.Root(), "demo")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	path := filepath.Join(dir, recordFile)
	if err := os.WriteFile(path, []byte("{{{ not json"), 0o644); err != nil {
		t.Fatalf("failed to plant corrupt record: %v", err)
	}

	_, err := store.Load(context.Background(), "demo")
	if !IsInternal(err) {
		t.Fatalf("expected internal error, got %v", err)
	}

	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("expected StoreError, got %T", err)
	}
	if storeErr.Path != path {
		t.Errorf("expected path %s, got %s", path, storeErr.Path)
	}
}

func TestFSStoreHeldLockIsConflict(t *testing.T) {
	store, err := NewFSStore(FSConfig{
		Root:        t.TempDir(),
		LockTimeout: 300 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()

	dir := filepath.Join(store.Root(), "busy")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	held, err := lockfile.Acquire(ctx, filepath.Join(dir, recordFile), time.Second)
	if err != nil {
		t.Fatalf("failed to pre-acquire lock: %v", err)
	}
	defer held.Release()

	saveErr := store.Save(ctx, newCreated(t, "busy"))
	if !IsConflict(saveErr) {
		t.Fatalf("expected conflict error, got %v", saveErr)
	}

	var storeErr *StoreError
	if !errors.As(saveErr, &storeErr) {
		t.Fatalf("expected StoreError, got %T", saveErr)
	}
	if storeErr.HolderPID != os.Getpid() {
		t.Errorf("expected holder pid %d, got %d", os.Getpid(), storeErr.HolderPID)
	}

	_, loadErr := store.Load(ctx, "busy")
	if !IsConflict(loadErr) {
		t.Errorf("expected conflict error from load, got %v", loadErr)
	}
}

func TestFSStoreRejectsUnsafeNames(t *testing.T) {
	store := setupFSStore(t)
	ctx := context.Background()

	for _, name := range []string{"", ".", "..", "../demo", "a/b", `a\b`} {
		if _, err := store.Load(ctx, name); !IsInternal(err) {
			t.Errorf("expected internal error for name %q, got %v", name, err)
		}
	}
}
