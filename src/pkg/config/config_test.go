package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var minimal = []string{
	"--host", "img.example.com",
	"--port", "8080",
	"--page-valid", "valid.html",
	"--page-invalid", "invalid.html",
	"--https=false",
}

func load(t *testing.T, args []string, configFile string) (*Config, error) {
	t.Helper()
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse(args))
	v, err := NewViper(flags, configFile)
	require.NoError(t, err)
	return FromViper(v)
}

func TestDefaults(t *testing.T) {
	cfg, err := load(t, minimal, "")
	require.NoError(t, err)

	assert.Equal(t, "img.example.com", cfg.Host)
	assert.Equal(t, "img.example.com", cfg.PublicHost)
	assert.Equal(t, "img.example.com:8080", cfg.Address())
	assert.False(t, cfg.HTTPS)
	assert.False(t, cfg.LogConnections)
	assert.Equal(t, ".logo.png", cfg.Logo)
	assert.Equal(t, ".", cfg.StorageRoot)
	assert.Equal(t, 2*time.Minute, cfg.SweepDelay)
	assert.Equal(t, 10*time.Minute, cfg.SweepInterval)
	assert.Equal(t, 28*24*time.Hour, cfg.Retention)
	assert.Equal(t, int64(32<<20), cfg.MaxUploadSize)
	assert.Equal(t, int64(25_000_000), cfg.MaxPixels)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestMissingOptionIsNamed(t *testing.T) {
	for i, key := range []string{KeyHost, KeyPort, KeyPageValid, KeyPageInvalid, KeyHTTPS} {
		args := make([]string, 0, len(minimal))
		for j := 0; j < len(minimal)-1; j += 2 {
			if j/2 != i {
				args = append(args, minimal[j], minimal[j+1])
			}
		}
		if i != 4 {
			args = append(args, minimal[len(minimal)-1])
		}

		_, err := load(t, args, "")
		require.ErrorIs(t, err, ErrMissingOption, key)
		assert.Contains(t, err.Error(), "--"+key)
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("SHOTBOX_HTTPS", "true")
	t.Setenv("SHOTBOX_PUBLIC_HOST", "cdn.example.com")
	t.Setenv("SHOTBOX_MAX_UPLOAD", "1MB")

	cfg, err := load(t, minimal[:8], "")
	require.NoError(t, err)

	assert.True(t, cfg.HTTPS)
	assert.Equal(t, "cdn.example.com", cfg.PublicHost)
	assert.Equal(t, int64(1000*1000), cfg.MaxUploadSize)
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shotbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: 0.0.0.0
port: 9000
page-valid: /srv/valid.html
page-invalid: /srv/invalid.html
https: true
retention: 48h
`), 0644))

	cfg, err := load(t, []string{"--port", "9100"}, path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 9100, cfg.Port)
	assert.True(t, cfg.HTTPS)
	assert.Equal(t, 48*time.Hour, cfg.Retention)
}

func TestInvalidValues(t *testing.T) {
	_, err := load(t, append([]string{"--max-upload", "lots"}, minimal...), "")
	require.ErrorIs(t, err, ErrInvalidOption)

	_, err = load(t, append([]string{"--retention", "0s"}, minimal...), "")
	require.ErrorIs(t, err, ErrInvalidOption)

	_, err = load(t, append([]string{"--max-pixels", "0"}, minimal...), "")
	require.ErrorIs(t, err, ErrInvalidOption)

	args := append([]string{}, minimal...)
	args[3] = "70000"
	_, err = load(t, args, "")
	require.ErrorIs(t, err, ErrInvalidOption)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env")))

	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SHOTBOX_TEST_DOTENV=loaded\n"), 0644))
	t.Setenv("SHOTBOX_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("SHOTBOX_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("SHOTBOX_TEST_DOTENV"))
}

func TestStoreFromViper(t *testing.T) {
	flags := pflag.NewFlagSet("sweep", pflag.ContinueOnError)
	RegisterStoreFlags(flags)
	require.NoError(t, flags.Parse([]string{"--storage-root", "/var/lib/shotbox"}))
	v, err := NewViper(flags, "")
	require.NoError(t, err)

	cfg, err := StoreFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/shotbox", cfg.StorageRoot)
	assert.Equal(t, 28*24*time.Hour, cfg.Retention)
}
