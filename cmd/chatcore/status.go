package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deskline/chatcore"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration, cache and provider status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Workspace:   %s\n", valueOrDefault(cfg.Default.WorkspaceID, "(not set)"))
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Realtime.Transport, "sse"))

		if cfg.Default.BaseURL == "" || cfg.Default.Token == "" {
			return nil
		}

		e, err := setup(nil)
		if err != nil {
			return err
		}
		defer e.close()

		stats := e.cache.Stats()
		fmt.Println()
		fmt.Println("Cache:")
		fmt.Printf("  Conversations: %d\n", stats.Conversations)
		fmt.Printf("  Message lists: %d\n", stats.MessageLists)

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		inboxes, err := e.gw.ListInboxes(ctx, e.workspace())
		if err != nil {
			var apiErr *chatcore.APIError
			if errors.As(err, &apiErr) {
				fmt.Printf("  API error: HTTP %d: %s\n", apiErr.StatusCode, apiErr.Message)
				return nil
			}
			fmt.Printf("  Error reaching provider: %v\n", err)
			return nil
		}
		fmt.Printf("  Provider:    reachable\n")
		fmt.Printf("  Inboxes:     %d\n", len(inboxes))
		return nil
	},
}
