package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/onlyfriends-app/chatsync"
)

// getCredentials returns the configured identity, exiting if there is none.
func getCredentials(cfg *Config) chatsync.StaticToken {
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'chatsync init <token>' first.")
		os.Exit(1)
	}
	userID := cfg.Auth.UserID
	if userID == "" {
		userID, _ = chatsync.TokenSubject(cfg.Auth.Token)
	}
	if userID == "" {
		fmt.Fprintln(os.Stderr, "No user id. Run 'chatsync config set auth.user_id <id>'.")
		os.Exit(1)
	}
	return chatsync.StaticToken{User: userID, Bearer: cfg.Auth.Token}
}

// getClient creates a REST client from the effective configuration.
func getClient() (*chatsync.Client, chatsync.StaticToken) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	creds := getCredentials(cfg)
	client := chatsync.NewClient(cfg.Default.BaseURL, creds,
		chatsync.WithClientLogger(logger))
	return client, creds
}

// newSession wires a controller with a WebSocket channel.
func newSession() (*chatsync.Controller, chatsync.StaticToken) {
	client, creds := getClient()
	channel := chatsync.NewWSChannel(chatsync.ChannelConfig{
		URL:    client.ChannelURL(),
		Token:  creds.Token(),
		Logger: &logger,
	})
	ctl := chatsync.NewController(client, channel, creds, chatsync.WithLogger(logger))
	return ctl, creds
}

// requestError gives REST failures a readable form.
func requestError(err error) error {
	if errors.Is(err, chatsync.ErrSessionExpired) {
		return fmt.Errorf("session expired, sign in again with 'chatsync init <token>'")
	}
	var apiErr *chatsync.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("API error: %s: %s", apiErr.Code, apiErr.Message)
	}
	return fmt.Errorf("request failed: %w", err)
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
