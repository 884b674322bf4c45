package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "SHOTBOX"

	KeyHost            = "host"
	KeyPort            = "port"
	KeyPublicHost      = "public-host"
	KeyPageValid       = "page-valid"
	KeyPageInvalid     = "page-invalid"
	KeyLogo            = "logo"
	KeyHTTPS           = "https"
	KeyLogConnections  = "log-connections"
	KeyLogFile         = "log-file"
	KeyStorageRoot     = "storage-root"
	KeySweepDelay      = "sweep-delay"
	KeySweepInterval   = "sweep-interval"
	KeyRetention       = "retention"
	KeyMaxUpload       = "max-upload"
	KeyMaxPixels       = "max-pixels"
	KeyShutdownTimeout = "shutdown-timeout"
	KeyMetricsAddr     = "metrics-addr"
)

var (
	ErrMissingOption = errors.New("missing required option")
	ErrInvalidOption = errors.New("invalid option")
)

// required lists the options without a usable default, in the order they
// are reported.
var required = []string{KeyHost, KeyPort, KeyPageValid, KeyPageInvalid, KeyHTTPS}

type Config struct {
	Host            string
	Port            int
	PublicHost      string
	PageValid       string
	PageInvalid     string
	Logo            string
	HTTPS           bool
	LogConnections  bool
	LogFile         string
	StorageRoot     string
	SweepDelay      time.Duration
	SweepInterval   time.Duration
	Retention       time.Duration
	MaxUploadSize   int64
	MaxPixels       int64
	ShutdownTimeout time.Duration
	MetricsAddr     string
}

func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RegisterFlags adds every option to flags with its default.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.String(KeyHost, "", "Host to bind to")
	flags.Int(KeyPort, 0, "Port to bind to")
	flags.String(KeyPublicHost, "", "Host used in generated URLs (defaults to --host)")
	flags.String(KeyPageValid, "", "Path to the page served for existing images")
	flags.String(KeyPageInvalid, "", "Path to the page served for unknown images")
	flags.String(KeyLogo, ".logo.png", "Path to the logo image")
	flags.Bool(KeyHTTPS, false, "Generate https URLs (must be set explicitly)")
	flags.Bool(KeyLogConnections, false, "Log every handled connection")
	flags.String(KeyLogFile, "", "Additionally write logs to this file")
	flags.Duration(KeySweepDelay, 2*time.Minute, "Delay before the first sweep")
	flags.Duration(KeySweepInterval, 10*time.Minute, "Period between sweeps")
	flags.String(KeyMaxUpload, "32MiB", "Largest accepted upload body")
	flags.Int64(KeyMaxPixels, 25_000_000, "Largest accepted image area (width*height)")
	flags.Duration(KeyShutdownTimeout, 5*time.Second, "Grace period for in-flight requests on shutdown")
	flags.String(KeyMetricsAddr, "", "Address of the optional Prometheus listener")
	RegisterStoreFlags(flags)
}

// RegisterStoreFlags adds the options needed to open and sweep the store.
func RegisterStoreFlags(flags *pflag.FlagSet) {
	flags.String(KeyStorageRoot, ".", "Directory holding stored images")
	flags.Duration(KeyRetention, 28*24*time.Hour, "Images untouched for this long are removed")
}

// LoadDotEnv loads variables from path into the environment without
// overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// NewViper binds flags, SHOTBOX_* environment variables and the optional
// config file, in increasing order of precedence from file to flag.
func NewViper(flags *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func Validate(v *viper.Viper) error {
	for _, key := range required {
		if !v.IsSet(key) {
			return fmt.Errorf("%w: --%s", ErrMissingOption, key)
		}
	}
	return nil
}

// StoreFromViper reads only the store options, for commands that do not
// serve requests.
func StoreFromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		StorageRoot: v.GetString(KeyStorageRoot),
		Retention:   v.GetDuration(KeyRetention),
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("%w: --%s must be positive", ErrInvalidOption, KeyRetention)
	}
	return cfg, nil
}

func FromViper(v *viper.Viper) (*Config, error) {
	if err := Validate(v); err != nil {
		return nil, err
	}

	maxUpload, err := humanize.ParseBytes(v.GetString(KeyMaxUpload))
	if err != nil {
		return nil, fmt.Errorf("%w: --%s: %v", ErrInvalidOption, KeyMaxUpload, err)
	}

	cfg := &Config{
		Host:            v.GetString(KeyHost),
		Port:            v.GetInt(KeyPort),
		PublicHost:      v.GetString(KeyPublicHost),
		PageValid:       v.GetString(KeyPageValid),
		PageInvalid:     v.GetString(KeyPageInvalid),
		Logo:            v.GetString(KeyLogo),
		HTTPS:           v.GetBool(KeyHTTPS),
		LogConnections:  v.GetBool(KeyLogConnections),
		LogFile:         v.GetString(KeyLogFile),
		StorageRoot:     v.GetString(KeyStorageRoot),
		SweepDelay:      v.GetDuration(KeySweepDelay),
		SweepInterval:   v.GetDuration(KeySweepInterval),
		Retention:       v.GetDuration(KeyRetention),
		MaxUploadSize:   int64(maxUpload),
		MaxPixels:       v.GetInt64(KeyMaxPixels),
		ShutdownTimeout: v.GetDuration(KeyShutdownTimeout),
		MetricsAddr:     v.GetString(KeyMetricsAddr),
	}
	if cfg.PublicHost == "" {
		cfg.PublicHost = cfg.Host
	}

	switch {
	case cfg.Port <= 0 || cfg.Port > 65535:
		return nil, fmt.Errorf("%w: --%s must be between 1 and 65535", ErrInvalidOption, KeyPort)
	case cfg.SweepInterval <= 0:
		return nil, fmt.Errorf("%w: --%s must be positive", ErrInvalidOption, KeySweepInterval)
	case cfg.Retention <= 0:
		return nil, fmt.Errorf("%w: --%s must be positive", ErrInvalidOption, KeyRetention)
	case cfg.MaxUploadSize <= 0:
		return nil, fmt.Errorf("%w: --%s must be positive", ErrInvalidOption, KeyMaxUpload)
	case cfg.MaxPixels <= 0:
		return nil, fmt.Errorf("%w: --%s must be positive", ErrInvalidOption, KeyMaxPixels)
	}
	return cfg, nil
}
