package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initWorkspace string

func init() {
	initCmd.Flags().StringVar(&initWorkspace, "workspace", "", "Default workspace id")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> <token>",
	Short: "Store provider credentials in ~/.chatcore/config.toml",
	Long:  "Initialize the chatcore CLI by storing the provider base URL and API token in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		cfg.Default.Token = args[1]
		if initWorkspace != "" {
			cfg.Default.WorkspaceID = initWorkspace
		}
		if cfg.Realtime.Transport == "" {
			cfg.Realtime.Transport = "sse"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials saved to %s\n", path)
		return nil
	},
}
