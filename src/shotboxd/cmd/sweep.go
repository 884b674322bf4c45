package cmd

import (
	"fmt"
	"log/slog"

	"github.com/q-controller/shotbox/src/pkg/config"
	"github.com/q-controller/shotbox/src/pkg/sweeper"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Removes expired images once and exits",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, cfgErr := readStoreConfig(cmd)
		if cfgErr != nil {
			return cfgErr
		}

		store, storeErr := openStore(cmd.Context(), cfg.StorageRoot)
		if storeErr != nil {
			return storeErr
		}
		defer closeStore(store)

		result := sweeper.New(store, sweeper.Config{Retention: cfg.Retention}).Sweep(cmd.Context())
		if result.Failed > 0 {
			return fmt.Errorf("failed to remove %d of %d expired images", result.Failed, result.Failed+result.Removed)
		}
		slog.Info("Sweep finished", "removed", result.Removed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)

	addConfigFileFlag(sweepCmd)
	config.RegisterStoreFlags(sweepCmd.Flags())
}
