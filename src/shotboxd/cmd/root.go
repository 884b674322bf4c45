package cmd

import (
	"log/slog"
	"os"

	"github.com/q-controller/shotbox/src/pkg/logging"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "shotboxd",
	Short: "An anonymous image hosting server",
}

func Execute() {
	slog.SetDefault(logging.CreateLogger(os.Stderr))
	err := rootCmd.Execute()
	if err != nil {
		slog.Error("failed to execute command", "error", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("env-file", ".env", "Environment file loaded before reading options")
}
