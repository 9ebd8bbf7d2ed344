package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fleetgate",
	Short: "Human-in-the-loop control plane for an AI agent fleet",
	Long:  "Mediates a four-agent fleet through a Telegram chat: approval ledger, consensus voting, emergency-stop latch, and a health watchdog. Every irreversible action waits for a human.",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
