package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/spf13/afero"
)

const (
	indexDir   = ".index"
	tempPrefix = ".upload-"
)

var metaPrefix = []byte("image/")

// LocalFilesystemBackend implements StorageBackend for local filesystem.
// Image bytes live in <root>/<key>.png; lastTouched lives in a badger index
// under <root>/.index so it does not depend on filesystem mtime.
type LocalFilesystemBackend struct {
	root string
	fs   afero.Fs
	db   *badger.DB
	now  func() time.Time
	mu   sync.RWMutex
}

type Option func(*options)

type options struct {
	fs       afero.Fs
	now      func() time.Time
	inMemory bool
}

// WithFs replaces the filesystem used for image files.
func WithFs(fs afero.Fs) Option {
	return func(o *options) { o.fs = fs }
}

// WithClock replaces time.Now for lastTouched bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithInMemoryIndex keeps the metadata index in memory only.
func WithInMemoryIndex() Option {
	return func(o *options) { o.inMemory = true }
}

func NewLocalFilesystemBackend(root string, opts ...Option) (*LocalFilesystemBackend, error) {
	o := options{
		fs:  afero.NewOsFs(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := o.fs.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	dbOpts := badger.DefaultOptions(filepath.Join(root, indexDir))
	if o.inMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	dbOpts.Logger = nil // Disable badger logging
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	return &LocalFilesystemBackend{
		root: root,
		fs:   o.fs,
		db:   db,
		now:  o.now,
	}, nil
}

func (b *LocalFilesystemBackend) path(key string) string {
	return filepath.Join(b.root, key+Extension)
}

// Store writes data to a temporary file and renames it into place, so
// readers never observe a partially written image.
func (b *LocalFilesystemBackend) Store(ctx context.Context, key string, data io.Reader) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	tmp, err := afero.TempFile(b.fs, b.root, tempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if committed {
			return
		}
		if rmErr := b.fs.Remove(tmpPath); rmErr != nil && !os.IsNotExist(rmErr) {
			slog.Error("failed to cleanup temp file", "path", tmpPath, "error", rmErr)
		}
	}()

	size, copyErr := io.Copy(tmp, &contextReader{ctx: ctx, r: data})
	if copyErr != nil {
		return errors.Join(fmt.Errorf("failed to write data: %w", copyErr), tmp.Close())
	}
	if syncErr := tmp.Sync(); syncErr != nil {
		return errors.Join(fmt.Errorf("failed to sync data: %w", syncErr), tmp.Close())
	}
	if closeErr := tmp.Close(); closeErr != nil {
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	target := b.path(key)
	if err := b.fs.Rename(tmpPath, target); err != nil {
		return fmt.Errorf("failed to commit file: %w", err)
	}
	committed = true

	metadata := &ImageMetadata{
		Key:         key,
		Size:        size,
		LastTouched: b.now(),
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return putMetadata(txn, metadata)
	}); err != nil {
		if rmErr := b.fs.Remove(target); rmErr != nil && !os.IsNotExist(rmErr) {
			err = errors.Join(err, rmErr)
		}
		return fmt.Errorf("failed to record metadata: %w", err)
	}
	return nil
}

func (b *LocalFilesystemBackend) Retrieve(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if _, err := b.metadata(key); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(b.fs, b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

// Touch advances lastTouched to the current time. It never moves it
// backwards, so a slow clock source cannot make a record look older. A key
// whose file is gone is reported as ErrNotFound.
func (b *LocalFilesystemBackend) Touch(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.statFile(key); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		metadata, err := getMetadata(txn, key)
		if err != nil {
			return err
		}
		now := b.now()
		if !now.After(metadata.LastTouched) {
			return nil
		}
		metadata.LastTouched = now
		return putMetadata(txn, metadata)
	})
}

// Exists reports whether key has both an index entry and a file.
func (b *LocalFilesystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(metaKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			exists = false
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil || !exists {
		return false, err
	}

	if err := b.statFile(key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// statFile reports ErrNotFound when the image file is gone even though the
// index still lists it.
func (b *LocalFilesystemBackend) statFile(key string) error {
	if _, err := b.fs.Stat(b.path(key)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}
	return nil
}

// Remove deletes the file and its metadata. Removing an absent key is not an
// error.
func (b *LocalFilesystemBackend) Remove(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.fs.Remove(b.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove file: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(metaKey(key))
	})
}

func (b *LocalFilesystemBackend) GetMetadata(ctx context.Context, key string) (*ImageMetadata, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.metadata(key)
}

func (b *LocalFilesystemBackend) metadata(key string) (*ImageMetadata, error) {
	var metadata *ImageMetadata
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		metadata, err = getMetadata(txn, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return metadata, nil
}

// ListStale lazily yields keys whose lastTouched is at least window before
// now. Entries that cannot be decoded are reported as errors without
// stopping the iteration. The iteration reads a snapshot of the index, so
// removing yielded keys while iterating is safe.
func (b *LocalFilesystemBackend) ListStale(ctx context.Context, window time.Duration, now time.Time) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stopped := false
		err := b.db.View(func(txn *badger.Txn) error {
			it := txn.NewIterator(badger.DefaultIteratorOptions)
			defer it.Close()

			for it.Seek(metaPrefix); it.ValidForPrefix(metaPrefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}

				item := it.Item()
				key := strings.TrimPrefix(string(item.Key()), string(metaPrefix))

				var metadata ImageMetadata
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &metadata)
				}); err != nil {
					if !yield(key, fmt.Errorf("failed to decode metadata for %s: %w", key, err)) {
						stopped = true
						return nil
					}
					continue
				}

				if now.Sub(metadata.LastTouched) < window {
					continue
				}
				if !yield(key, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield("", fmt.Errorf("failed to scan index: %w", err))
		}
	}
}

// Reconcile brings the index in line with the files on disk: image files
// without metadata are adopted with their modification time as lastTouched,
// leftover temp files are removed, and metadata whose file is gone is
// dropped.
func (b *LocalFilesystemBackend) Reconcile(ctx context.Context) (adopted, dropped int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, readErr := afero.ReadDir(b.fs, b.root)
	if readErr != nil {
		return 0, 0, fmt.Errorf("failed to list storage directory: %w", readErr)
	}

	for _, entry := range entries {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return adopted, dropped, ctxErr
		}
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(name, tempPrefix) {
			if rmErr := b.fs.Remove(filepath.Join(b.root, name)); rmErr != nil && !os.IsNotExist(rmErr) {
				slog.Warn("failed to remove leftover temp file", "name", name, "error", rmErr)
			}
			continue
		}
		if !strings.HasSuffix(name, Extension) {
			continue
		}
		key := strings.TrimSuffix(name, Extension)
		if ValidateKey(key) != nil {
			continue
		}

		updateErr := b.db.Update(func(txn *badger.Txn) error {
			if _, getErr := txn.Get(metaKey(key)); getErr == nil {
				return nil
			} else if !errors.Is(getErr, badger.ErrKeyNotFound) {
				return getErr
			}
			adopted++
			return putMetadata(txn, &ImageMetadata{
				Key:         key,
				Size:        entry.Size(),
				LastTouched: entry.ModTime(),
			})
		})
		if updateErr != nil {
			return adopted, dropped, fmt.Errorf("failed to adopt %s: %w", name, updateErr)
		}
	}

	var orphans [][]byte
	viewErr := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false // Only need keys
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(metaPrefix); it.ValidForPrefix(metaPrefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			key := strings.TrimPrefix(string(k), string(metaPrefix))
			if _, statErr := b.fs.Stat(b.path(key)); os.IsNotExist(statErr) {
				orphans = append(orphans, k)
			}
		}
		return nil
	})
	if viewErr != nil {
		return adopted, dropped, fmt.Errorf("failed to scan index: %w", viewErr)
	}

	if len(orphans) > 0 {
		if updateErr := b.db.Update(func(txn *badger.Txn) error {
			for _, k := range orphans {
				if delErr := txn.Delete(k); delErr != nil {
					return delErr
				}
			}
			return nil
		}); updateErr != nil {
			return adopted, dropped, fmt.Errorf("failed to drop orphaned metadata: %w", updateErr)
		}
		dropped = len(orphans)
	}

	return adopted, dropped, nil
}

// Close closes the index
func (b *LocalFilesystemBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func metaKey(key string) []byte {
	return append(append([]byte{}, metaPrefix...), key...)
}

func getMetadata(txn *badger.Txn, key string) (*ImageMetadata, error) {
	item, err := txn.Get(metaKey(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, err
	}

	var metadata ImageMetadata
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &metadata)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	return &metadata, nil
}

func putMetadata(txn *badger.Txn, metadata *ImageMetadata) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return txn.Set(metaKey(metadata.Key), data)
}

// contextReader stops a copy once the request that feeds it goes away.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
