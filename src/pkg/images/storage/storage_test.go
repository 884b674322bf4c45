package storage_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/q-controller/shotbox/src/pkg/images/storage"
	"github.com/spf13/afero"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBackend(t *testing.T, opts ...storage.Option) (*storage.LocalFilesystemBackend, string) {
	t.Helper()
	tempDir := t.TempDir()

	backend, err := storage.NewLocalFilesystemBackend(tempDir, opts...)
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	t.Cleanup(func() {
		_ = backend.Close()
	})
	return backend, tempDir
}

func collect(t *testing.T, b *storage.LocalFilesystemBackend, window time.Duration, now time.Time) []string {
	t.Helper()
	var keys []string
	for key, err := range b.ListStale(context.Background(), window, now) {
		if err != nil {
			t.Fatalf("ListStale failed: %v", err)
		}
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

func TestLocalFilesystemBackend(t *testing.T) {
	backend, root := newBackend(t)
	ctx := context.Background()

	key := "0123456789abcdef0123456789abcdef"
	testData := "Hello, World! This is test image data."

	// Test Store
	if err := backend.Store(ctx, key, strings.NewReader(testData)); err != nil {
		t.Fatalf("Failed to store image: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, key+storage.Extension)); err != nil {
		t.Fatalf("Expected image file on disk: %v", err)
	}

	// Test Exists
	exists, err := backend.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Failed to check existence: %v", err)
	}
	if !exists {
		t.Fatal("Image should exist after storing")
	}

	// Test Retrieve
	data, err := backend.Retrieve(ctx, key)
	if err != nil {
		t.Fatalf("Failed to retrieve image: %v", err)
	}
	if string(data) != testData {
		t.Fatalf("Retrieved data doesn't match. Expected: %s, Got: %s", testData, string(data))
	}

	// Test metadata
	metadata, err := backend.GetMetadata(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get metadata: %v", err)
	}
	if metadata.Size != int64(len(testData)) {
		t.Fatalf("Size = %d, want %d", metadata.Size, len(testData))
	}

	// Test Remove
	if err := backend.Remove(ctx, key); err != nil {
		t.Fatalf("Failed to remove image: %v", err)
	}

	exists, err = backend.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Failed to check existence after removal: %v", err)
	}
	if exists {
		t.Fatal("Image should not exist after removal")
	}

	if _, err := backend.Retrieve(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Retrieve after removal: got %v, want ErrNotFound", err)
	}

	// Removing twice is fine
	if err := backend.Remove(ctx, key); err != nil {
		t.Fatalf("Second remove failed: %v", err)
	}
}

func TestStoreLeavesNoTempFiles(t *testing.T) {
	backend, root := newBackend(t)
	ctx := context.Background()

	for _, key := range []string{"aaaa", "bbbb", "cccc"} {
		if err := backend.Store(ctx, key, strings.NewReader(key)); err != nil {
			t.Fatalf("Failed to store %s: %v", key, err)
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("Failed to read root: %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".upload-") {
			t.Fatalf("Temp file left behind: %s", e.Name())
		}
	}
}

func TestStoreCancelledContext(t *testing.T) {
	backend, root := newBackend(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := backend.Store(ctx, "cancelled", strings.NewReader("data"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Store error = %v, want context.Canceled", err)
	}
	if _, statErr := os.Stat(filepath.Join(root, "cancelled"+storage.Extension)); !os.IsNotExist(statErr) {
		t.Fatalf("Cancelled store must not leave a file, stat error: %v", statErr)
	}
}

func TestInvalidKeys(t *testing.T) {
	backend, _ := newBackend(t)
	ctx := context.Background()

	for _, key := range []string{"", "../etc", `..\etc`, ".index", "a/b"} {
		if err := backend.Store(ctx, key, strings.NewReader("x")); !errors.Is(err, storage.ErrInvalidKey) {
			t.Errorf("Store(%q) = %v, want ErrInvalidKey", key, err)
		}
		if _, err := backend.Retrieve(ctx, key); !errors.Is(err, storage.ErrInvalidKey) {
			t.Errorf("Retrieve(%q) = %v, want ErrInvalidKey", key, err)
		}
	}
}

func TestTouchAdvancesLastTouched(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	backend, _ := newBackend(t, storage.WithClock(clock.Now))
	ctx := context.Background()

	if err := backend.Store(ctx, "touched", strings.NewReader("x")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	before, _ := backend.GetMetadata(ctx, "touched")

	clock.Advance(time.Hour)
	if err := backend.Touch(ctx, "touched"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	after, _ := backend.GetMetadata(ctx, "touched")
	if !after.LastTouched.After(before.LastTouched) {
		t.Fatalf("LastTouched did not advance: before %v, after %v", before.LastTouched, after.LastTouched)
	}

	// A clock going backwards must not rewind the record
	clock.Advance(-2 * time.Hour)
	if err := backend.Touch(ctx, "touched"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	rewound, _ := backend.GetMetadata(ctx, "touched")
	if !rewound.LastTouched.Equal(after.LastTouched) {
		t.Fatalf("LastTouched moved backwards: %v -> %v", after.LastTouched, rewound.LastTouched)
	}

	if err := backend.Touch(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Touch(missing) = %v, want ErrNotFound", err)
	}
}

func TestListStale(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	backend, _ := newBackend(t, storage.WithClock(clock.Now))
	ctx := context.Background()

	if err := backend.Store(ctx, "old", strings.NewReader("x")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	clock.Advance(48 * time.Hour)
	if err := backend.Store(ctx, "young", strings.NewReader("y")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	now := clock.Now()

	if got := collect(t, backend, 24*time.Hour, now); !slices.Equal(got, []string{"old"}) {
		t.Fatalf("stale keys = %v, want [old]", got)
	}
	if got := collect(t, backend, 72*time.Hour, now); len(got) != 0 {
		t.Fatalf("stale keys = %v, want none", got)
	}
	// An entry exactly window old is stale
	if got := collect(t, backend, 48*time.Hour, now); !slices.Equal(got, []string{"old"}) {
		t.Fatalf("stale keys = %v, want [old]", got)
	}

	// Touching the old entry makes it young again
	if err := backend.Touch(ctx, "old"); err != nil {
		t.Fatalf("Touch failed: %v", err)
	}
	if got := collect(t, backend, 24*time.Hour, now); len(got) != 0 {
		t.Fatalf("stale keys after touch = %v, want none", got)
	}
}

func TestListStaleAllowsRemoveWhileIterating(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	backend, _ := newBackend(t, storage.WithClock(clock.Now))
	ctx := context.Background()

	for _, key := range []string{"k1", "k2", "k3"} {
		if err := backend.Store(ctx, key, strings.NewReader(key)); err != nil {
			t.Fatalf("Store failed: %v", err)
		}
	}
	clock.Advance(time.Hour)

	removed := 0
	for key, err := range backend.ListStale(ctx, time.Minute, clock.Now()) {
		if err != nil {
			t.Fatalf("ListStale failed: %v", err)
		}
		if err := backend.Remove(ctx, key); err != nil {
			t.Fatalf("Remove(%s) failed: %v", key, err)
		}
		removed++
	}
	if removed != 3 {
		t.Fatalf("removed %d entries, want 3", removed)
	}
	if got := collect(t, backend, 0, clock.Now()); len(got) != 0 {
		t.Fatalf("entries left after removal: %v", got)
	}
}

func TestStorageBackendNoDeduplication(t *testing.T) {
	backend, _ := newBackend(t)
	ctx := context.Background()

	testData := "Same content"
	if err := backend.Store(ctx, "image1", strings.NewReader(testData)); err != nil {
		t.Fatalf("Failed to store first image: %v", err)
	}
	if err := backend.Store(ctx, "image2", strings.NewReader(testData)); err != nil {
		t.Fatalf("Failed to store second image: %v", err)
	}

	// Removing one copy leaves the other intact
	if err := backend.Remove(ctx, "image1"); err != nil {
		t.Fatalf("Failed to remove first image: %v", err)
	}
	data, err := backend.Retrieve(ctx, "image2")
	if err != nil {
		t.Fatalf("Failed to retrieve second image: %v", err)
	}
	if string(data) != testData {
		t.Fatalf("second image = %q, want %q", data, testData)
	}
}

func TestReconcile(t *testing.T) {
	root := t.TempDir()
	fs := afero.NewOsFs()
	ctx := context.Background()

	legacyTime := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	legacy := filepath.Join(root, "legacykey"+storage.Extension)
	if err := afero.WriteFile(fs, legacy, []byte("legacy"), 0644); err != nil {
		t.Fatalf("Failed to write legacy file: %v", err)
	}
	if err := fs.Chtimes(legacy, legacyTime, legacyTime); err != nil {
		t.Fatalf("Failed to set mtime: %v", err)
	}
	leftover := filepath.Join(root, ".upload-123")
	if err := afero.WriteFile(fs, leftover, []byte("partial"), 0644); err != nil {
		t.Fatalf("Failed to write leftover: %v", err)
	}
	if err := afero.WriteFile(fs, filepath.Join(root, "notes.txt"), []byte("keep"), 0644); err != nil {
		t.Fatalf("Failed to write unrelated file: %v", err)
	}

	backend, err := storage.NewLocalFilesystemBackend(root)
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	defer backend.Close()

	if err := backend.Store(ctx, "vanishing", strings.NewReader("gone soon")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "vanishing"+storage.Extension)); err != nil {
		t.Fatalf("Failed to remove file behind the index: %v", err)
	}

	adopted, dropped, err := backend.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if adopted != 1 || dropped != 1 {
		t.Fatalf("Reconcile = (%d, %d), want (1, 1)", adopted, dropped)
	}

	metadata, err := backend.GetMetadata(ctx, "legacykey")
	if err != nil {
		t.Fatalf("Legacy file was not adopted: %v", err)
	}
	if !metadata.LastTouched.Equal(legacyTime) {
		t.Fatalf("adopted LastTouched = %v, want %v", metadata.LastTouched, legacyTime)
	}
	if exists, _ := backend.Exists(ctx, "vanishing"); exists {
		t.Fatal("Orphaned metadata should be dropped")
	}
	if _, err := os.Stat(leftover); !os.IsNotExist(err) {
		t.Fatalf("Leftover temp file should be removed, stat error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "notes.txt")); err != nil {
		t.Fatalf("Unrelated file should be kept: %v", err)
	}

	// A second pass has nothing to do
	adopted, dropped, err = backend.Reconcile(ctx)
	if err != nil || adopted != 0 || dropped != 0 {
		t.Fatalf("second Reconcile = (%d, %d, %v), want (0, 0, nil)", adopted, dropped, err)
	}
}

func TestInMemoryIndexWithMemFs(t *testing.T) {
	backend, err := storage.NewLocalFilesystemBackend("/images",
		storage.WithFs(afero.NewMemMapFs()),
		storage.WithInMemoryIndex(),
	)
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()

	if err := backend.Store(ctx, "memkey", strings.NewReader("in memory")); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	data, err := backend.Retrieve(ctx, "memkey")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if string(data) != "in memory" {
		t.Fatalf("Retrieve = %q", data)
	}
}

func TestFileRemovedBehindIndex(t *testing.T) {
	backend, root := newBackend(t)
	ctx := context.Background()
	key := "0123456789abcdef0123456789abcdef"

	if err := backend.Store(ctx, key, strings.NewReader("data")); err != nil {
		t.Fatalf("Failed to store image: %v", err)
	}
	before, err := backend.GetMetadata(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get metadata: %v", err)
	}
	if err := os.Remove(filepath.Join(root, key+storage.Extension)); err != nil {
		t.Fatalf("Failed to remove file: %v", err)
	}

	exists, err := backend.Exists(ctx, key)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Exists reported an image whose file is gone")
	}
	if _, err := backend.Retrieve(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Retrieve error = %v, want ErrNotFound", err)
	}
	if err := backend.Touch(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Touch error = %v, want ErrNotFound", err)
	}

	after, err := backend.GetMetadata(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get metadata: %v", err)
	}
	if !after.LastTouched.Equal(before.LastTouched) {
		t.Errorf("lastTouched moved from %v to %v", before.LastTouched, after.LastTouched)
	}
}
