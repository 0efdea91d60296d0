package main

import (
	"context"
	"fmt"
	"time"

	"github.com/onlyfriends-app/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session status",
	Long:  "Display the effective configuration, check whether the token is expired, and fetch live counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, chatsync.DefaultBaseURL+" (default)"))

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:     %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.UserName != "" {
			fmt.Printf("  User Name:   %s\n", cfg.Auth.UserName)
		}

		tokenStatus := "none"
		expired := false
		if cfg.Auth.Token != "" {
			if exp, ok := chatsync.TokenExpiry(cfg.Auth.Token); ok {
				if time.Now().Before(exp) {
					tokenStatus = fmt.Sprintf("valid (expires %s)", exp.Format(time.RFC3339))
				} else {
					expired = true
					tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", exp.Format(time.RFC3339))
				}
			} else {
				tokenStatus = "present (no expiry claim)"
			}
		}
		fmt.Printf("  Token:       %s\n", tokenStatus)

		if cfg.Auth.Token == "" || expired {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")

		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", requestError(err))
			return nil
		}
		notes, err := client.ListNotifications(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", requestError(err))
			return nil
		}
		agg := chatsync.NewNotificationAggregator()
		agg.ReplaceAll(notes)

		fmt.Printf("  Conversations:   %d\n", len(convs))
		fmt.Printf("  Notifications:   %d (%d unread)\n", agg.Len(), agg.UnreadCount())
		fmt.Printf("  Unread messages: %d\n", agg.UnreadMessages())
		return nil
	},
}
