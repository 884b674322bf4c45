package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"
)

// Extension is appended to every key to form the stored file name.
const Extension = ".png"

var (
	ErrNotFound   = errors.New("image not found")
	ErrInvalidKey = errors.New("invalid image key")
)

// StorageBackend abstracts the underlying storage mechanism
type StorageBackend interface {
	Store(ctx context.Context, key string, data io.Reader) error
	Retrieve(ctx context.Context, key string) ([]byte, error)
	Touch(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Remove(ctx context.Context, key string) error
	GetMetadata(ctx context.Context, key string) (*ImageMetadata, error)
	ListStale(ctx context.Context, window time.Duration, now time.Time) iter.Seq2[string, error]
}

type ImageMetadata struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	LastTouched time.Time `json:"last_touched"`
}

// ValidateKey rejects keys that could address anything other than a single
// file directly inside the storage root.
func ValidateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	case strings.HasPrefix(key, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidKey, key)
	case strings.ContainsAny(key, `/\`+"\x00"):
		return fmt.Errorf("%w: %q contains a separator", ErrInvalidKey, key)
	}
	return nil
}
