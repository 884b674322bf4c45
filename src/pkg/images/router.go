package images

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/q-controller/shotbox/src/pkg/images/storage"
	"github.com/q-controller/shotbox/src/pkg/metrics"
	"github.com/q-controller/shotbox/src/pkg/utils"
)

const (
	LogoPath     = "/logo"
	FilePrefix   = "/file/"
	UploadPrefix = "/upload/"

	contentTypePNG  = "image/png"
	contentTypeHTML = "text/html; charset=utf-8"

	DefaultMaxUploadSize = 32 << 20
)

type RouterConfig struct {
	Store         ImageStore
	Pipeline      *Pipeline
	Viewer        Viewer
	Notifier      Notifier
	Metrics       *metrics.Metrics
	PublicHost    string
	HTTPS         bool
	MaxUploadSize int64
}

// Router is the single entry point for every request. It classifies the flat
// path space in a fixed order; the first matching rule wins:
//
//	/logo          logo image
//	/file/<key>    raw image bytes or 404
//	/<key>         viewer page (valid or invalid)
//	/upload/...    multipart upload
//	anything else  404
type Router struct {
	store         ImageStore
	pipeline      *Pipeline
	viewer        Viewer
	notifier      Notifier
	metrics       *metrics.Metrics
	publicHost    string
	https         bool
	maxUploadSize int64
}

func NewRouter(cfg RouterConfig) *Router {
	maxUploadSize := cfg.MaxUploadSize
	if maxUploadSize <= 0 {
		maxUploadSize = DefaultMaxUploadSize
	}
	return &Router{
		store:         cfg.Store,
		pipeline:      cfg.Pipeline,
		viewer:        cfg.Viewer,
		notifier:      cfg.Notifier,
		metrics:       cfg.Metrics,
		publicHost:    cfg.PublicHost,
		https:         cfg.HTTPS,
		maxUploadSize: maxUploadSize,
	}
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == LogoPath:
		rt.serveLogo(w)
	case strings.HasPrefix(path, FilePrefix):
		rt.serveFile(w, r, strings.TrimPrefix(path, FilePrefix))
	case path != "/" && !strings.HasPrefix(path, UploadPrefix):
		rt.servePage(w, r, path)
	case strings.HasPrefix(path, UploadPrefix):
		rt.upload(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (rt *Router) serveLogo(w http.ResponseWriter) {
	logo, err := rt.viewer.Logo()
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", contentTypePNG)
	if _, err := w.Write(logo); err != nil {
		slog.Debug("Failed to write logo", "error", err)
	}
}

func (rt *Router) serveFile(w http.ResponseWriter, r *http.Request, candidate string) {
	key := utils.SanitizeKey(candidate)

	data, err := rt.store.Retrieve(r.Context(), key)
	if err != nil {
		if !isMiss(err) {
			slog.Error("Failed to read image", "key", key, "error", err)
		}
		rt.metrics.Fetch(metrics.FetchFile, false)
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rt.metrics.Fetch(metrics.FetchFile, true)
	w.Header().Set("Content-Type", contentTypePNG)
	if _, err := w.Write(data); err != nil {
		slog.Debug("Failed to write image", "key", key, "error", err)
	}
	rt.touch(r.Context(), key)
}

func (rt *Router) servePage(w http.ResponseWriter, r *http.Request, path string) {
	key := utils.SanitizeKey(path)

	exists, err := rt.store.Exists(r.Context(), key)
	if err != nil && !isMiss(err) {
		slog.Error("Failed to look up image", "key", key, "error", err)
	}
	rt.metrics.Fetch(metrics.FetchPage, exists)

	if !exists {
		rt.writePage(w, rt.viewer.RenderInvalid())
		return
	}

	rt.writePage(w, rt.viewer.RenderValid(strings.TrimPrefix(path, "/")))
	rt.touch(r.Context(), key)
}

func (rt *Router) writePage(w http.ResponseWriter, page string) {
	w.Header().Set("Content-Type", contentTypeHTML)
	if _, err := w.Write([]byte(page)); err != nil {
		slog.Debug("Failed to write page", "error", err)
	}
}

// touch marks key as used. The response has already been sent, so a client
// that disconnects must not prevent the record from being refreshed.
func (rt *Router) touch(ctx context.Context, key string) {
	if err := rt.store.Touch(context.WithoutCancel(ctx), key); err != nil {
		if isMiss(err) {
			slog.Debug("Image disappeared before touch", "key", key)
			return
		}
		slog.Warn("Failed to touch image", "key", key, "error", err)
	}
}

func isMiss(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrInvalidKey)
}
