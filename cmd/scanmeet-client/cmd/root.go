package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "scanmeet-client",
	Short: "Native session client for scanmeet signaling rooms",
	Long: `scanmeet-client joins a signaling room, negotiates a direct media
session with the other participant, and exchanges biometric scan
notifications. It exists for testing signaling deployments end to end
without a browser.`,
}

// Execute runs the root command.
func Execute() {
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
