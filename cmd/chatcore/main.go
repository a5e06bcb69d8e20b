package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "chatcore",
	Short: "Support inbox client CLI",
	Long: "Command-line client for a support-chat provider.\n" +
		"Browse inboxes and conversations, send messages and follow the live event feed\n" +
		"through the same cache and realtime core an inbox UI uses.",
	SilenceUsage: true,
}

var jsonOutput bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output raw JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
