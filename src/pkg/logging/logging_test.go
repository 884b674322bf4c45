package logging

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevelFromEnv(t *testing.T) {
	for value, expected := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	} {
		t.Setenv("LOG_LEVEL", value)
		assert.Equal(t, expected, LevelFromEnv(), "LOG_LEVEL=%q", value)
	}
}

func TestCreateLoggerRespectsLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	var buf bytes.Buffer
	logger := CreateLogger(&buf)

	logger.Info("quiet")
	logger.Warn("loud", "key", "abc")

	out := buf.String()
	assert.NotContains(t, out, "quiet")
	assert.Contains(t, out, "msg=loud")
	assert.Contains(t, out, "key=abc")
}

func TestOutputTeesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "shotbox.log")

	w, closer, err := Output(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, closer())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(content))
}

func TestRotatingFileLimits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shotbox.log")

	file := newRotatingFile(path)
	defer func() { _ = file.Close() }()

	assert.Equal(t, path, file.Filename)
	assert.Equal(t, 20, file.MaxSize)
	assert.Equal(t, 100, file.MaxBackups)

	_, err := file.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestOutputWithoutFile(t *testing.T) {
	w, closer, err := Output("")
	require.NoError(t, err)
	assert.Equal(t, os.Stderr, w)
	assert.NoError(t, closer())
}

func TestConnectionsLogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := Connections(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(strings.Repeat("x", 2048)))
	}), logger)

	req := httptest.NewRequest(http.MethodGet, "/abc", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	out := buf.String()
	assert.Contains(t, out, "method=GET")
	assert.Contains(t, out, "path=/abc")
	assert.Contains(t, out, "status=418")
	assert.Contains(t, out, `size="2.0 kB"`)
}

func TestConnectionsDefaultsToOK(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	handler := Connections(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), logger)
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/upload/", nil))

	assert.Contains(t, buf.String(), "status=200")
	assert.Contains(t, buf.String(), `size="0 B"`)
}
