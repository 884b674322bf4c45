package cmd

import (
	"fmt"
	"log/slog"

	"github.com/q-controller/shotbox/src/pkg/config"
	"github.com/q-controller/shotbox/src/pkg/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newViper resolves the options of cmd from its flags, the environment and
// the optional config file.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	envFile, envFileErr := cmd.Flags().GetString("env-file")
	if envFileErr != nil {
		return nil, fmt.Errorf("failed to get env-file: %w", envFileErr)
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	configPath, configPathErr := cmd.Flags().GetString("config")
	if configPathErr != nil {
		return nil, fmt.Errorf("failed to get config: %w", configPathErr)
	}

	return config.NewViper(cmd.Flags(), configPath)
}

func readConfig(cmd *cobra.Command) (*config.Config, error) {
	v, vErr := newViper(cmd)
	if vErr != nil {
		return nil, vErr
	}
	return config.FromViper(v)
}

func readStoreConfig(cmd *cobra.Command) (*config.Config, error) {
	v, vErr := newViper(cmd)
	if vErr != nil {
		return nil, vErr
	}
	return config.StoreFromViper(v)
}

// setupLogging replaces the default logger when a log file is configured.
func setupLogging(cfg *config.Config) (func() error, error) {
	w, closer, err := logging.Output(cfg.LogFile)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logging.CreateLogger(w))
	return closer, nil
}

func addConfigFileFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Path to an optional YAML config file")
}
