package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the tunnel and the protected service in order",
	RunE:  runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("splitwg restart: %w", err)
	}
	return withLock(func() error {
		ctrl := newLifecycle(cfg, newComponents(cfg, logger), logger)
		report, err := ctrl.Restart(cmd.Context())
		printReport(cmd.OutOrStdout(), report)
		if err != nil {
			return fmt.Errorf("splitwg restart: %w", err)
		}
		return nil
	})
}
