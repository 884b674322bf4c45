package images

import (
	"context"
	"io"
)

// ImageStore is the part of the storage backend the HTTP surface needs.
type ImageStore interface {
	Store(ctx context.Context, key string, data io.Reader) error
	Retrieve(ctx context.Context, key string) ([]byte, error)
	Touch(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Viewer renders the pages wrapped around stored images.
type Viewer interface {
	RenderValid(path string) string
	RenderInvalid() string
	Logo() ([]byte, error)
}

// Notifier receives a best-effort notice for every stored upload.
type Notifier interface {
	ImageUploaded(key, url string, size int64) error
}
