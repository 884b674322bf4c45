package images

import (
	"encoding/xml"
	"errors"
	"log/slog"
	"net/http"

	"github.com/q-controller/shotbox/src/pkg/metrics"
	"github.com/q-controller/shotbox/src/pkg/utils"
)

const (
	formField     = "image"
	formMaxMemory = 10 << 20
)

type uploadResponse struct {
	XMLName xml.Name `xml:"response"`
	Status  string   `xml:"status"`
	URL     string   `xml:"url"`
	Thumb   string   `xml:"thumb"`
}

func (rt *Router) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, rt.maxUploadSize)

	if parseErr := r.ParseMultipartForm(formMaxMemory); parseErr != nil {
		slog.Debug("Failed to parse upload form", "error", parseErr)
		rt.metrics.Upload(metrics.UploadInvalid)
		rt.writePage(w, rt.viewer.RenderInvalid())
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			slog.Warn("Failed to remove multipart temp files", "error", err)
		}
	}()

	file, _, fileErr := r.FormFile(formField)
	if fileErr != nil {
		slog.Debug("Upload without image field", "error", fileErr)
		rt.metrics.Upload(metrics.UploadInvalid)
		rt.writePage(w, rt.viewer.RenderInvalid())
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			slog.Warn("Failed to close file", "error", err)
		}
	}()

	upload, processErr := rt.pipeline.Process(r.Context(), file)
	if processErr != nil {
		if errors.Is(processErr, ErrDecode) {
			slog.Info("Rejected upload", "error", processErr)
			rt.metrics.Upload(metrics.UploadDecode)
			http.Error(w, "The uploaded file is not a supported image", http.StatusUnprocessableEntity)
			return
		}
		slog.Error("Failed to process upload", "error", processErr)
		rt.metrics.Upload(metrics.UploadError)
		http.Error(w, "Failed to store image", http.StatusInternalServerError)
		return
	}
	rt.metrics.Upload(metrics.UploadSuccess)

	url := utils.PublicURL(rt.https, rt.publicHost, upload.Key)
	slog.Debug("Stored upload",
		"key", upload.Key,
		"source", upload.SourceType,
		"width", upload.Width,
		"height", upload.Height)
	if rt.notifier == nil {
		slog.Info(url)
	} else if err := rt.notifier.ImageUploaded(upload.Key, url, upload.Size); err != nil {
		slog.Warn("Failed to publish upload event", "url", url, "error", err)
	}

	body, marshalErr := xml.Marshal(uploadResponse{
		Status: "success",
		URL:    url,
		Thumb:  url,
	})
	if marshalErr != nil {
		slog.Error("Failed to encode upload response", "error", marshalErr)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	if _, err := w.Write(body); err != nil {
		slog.Debug("Failed to write upload response", "error", err)
	}
}
