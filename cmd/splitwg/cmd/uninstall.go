package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plexsphere/splitwg/internal/state"
)

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the split tunnel and restore the service config",
	RunE:  runUninstall,
}

func init() {
	rootCmd.AddCommand(uninstallCmd)
}

func runUninstall(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("splitwg uninstall: %w", err)
	}
	return withLock(func() error {
		ctrl := newLifecycle(cfg, newComponents(cfg, logger), logger)
		report, err := ctrl.Uninstall(cmd.Context())
		if errors.Is(err, state.ErrNotInstalled) {
			fmt.Fprintln(cmd.OutOrStdout(), "splitwg is not installed")
			return nil
		}
		printReport(cmd.OutOrStdout(), report)
		if err != nil {
			return fmt.Errorf("splitwg uninstall: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "splitwg uninstalled (%d warnings)\n", report.Issues)
		return nil
	})
}
