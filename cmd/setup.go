package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/pulse/internal/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Configure pulse (re-run anytime to edit settings)",
	// Bypass the normal PersistentPreRunE so setup works before a config exists.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetup(cmd)
	},
}

// runSetup runs the interactive setup wizard and saves the global config.
func runSetup(cmd *cobra.Command) error {
	var existing *config.Config
	if config.GlobalExists() {
		if c, err := config.LoadGlobal(); err == nil {
			existing = c
		}
	}

	c, err := config.RunSetup(cmd.InOrStdin(), cmd.OutOrStdout(), existing)
	if err != nil {
		return fmt.Errorf("setup cancelled: %w", err)
	}
	if err := config.SaveGlobal(c); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	path, _ := config.GlobalPath()
	cmd.Printf("  ✓ Config saved to %s\n", path)
	cmd.Println("  Setup complete. Run 'pulse status' to check the client state.")
	cmd.Println()
	return nil
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
