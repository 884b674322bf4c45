package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrDecode marks uploads whose payload is not a decodable image.
var ErrDecode = errors.New("failed to decode image")

// DefaultMaxPixels caps width*height of accepted uploads. A decoded RGBA
// image of this size takes about 100 MB.
const DefaultMaxPixels = 25_000_000

// KeySource hands out fresh keys for new images.
type KeySource interface {
	Next(ctx context.Context) (string, error)
}

// Upload describes an image committed by the pipeline.
type Upload struct {
	Key          string
	Size         int64
	SourceType   string
	SourceFormat string
	Width        int
	Height       int
}

// Pipeline converts untrusted uploads into canonical PNG images.
type Pipeline struct {
	store     ImageStore
	keys      KeySource
	maxPixels int64
}

type PipelineOption func(*Pipeline)

// WithMaxPixels rejects images whose width*height exceeds n.
func WithMaxPixels(n int64) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

func NewPipeline(store ImageStore, keys KeySource, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:     store,
		keys:      keys,
		maxPixels: DefaultMaxPixels,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process decodes r, re-encodes it as PNG and stores it under a new key.
// Nothing is stored when decoding fails.
func (p *Pipeline) Process(ctx context.Context, r io.Reader) (*Upload, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	detected := mimetype.Detect(data)
	if !strings.HasPrefix(detected.String(), "image/") {
		return nil, fmt.Errorf("%w: unexpected content type %s", ErrDecode, detected.String())
	}

	// Only the header is read here, so oversized images are rejected before
	// any pixel buffer is allocated.
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > p.maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, p.maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var encoded bytes.Buffer
	if err := png.Encode(&encoded, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}

	key, err := p.keys.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	size := int64(encoded.Len())
	if err := p.store.Store(ctx, key, &encoded); err != nil {
		return nil, fmt.Errorf("failed to store image: %w", err)
	}

	bounds := img.Bounds()
	return &Upload{
		Key:          key,
		Size:         size,
		SourceType:   detected.String(),
		SourceFormat: format,
		Width:        bounds.Dx(),
		Height:       bounds.Dy(),
	}, nil
}
