package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onlyfriends-app/chatsync/internal/mockserver"
	"github.com/spf13/cobra"
)

var (
	devserverAddr   string
	devserverSecret string
	devserverTTL    time.Duration
)

func init() {
	rootCmd.AddCommand(devserverCmd)
	devserverCmd.Flags().StringVar(&devserverAddr, "addr", ":8080", "Listen address")
	devserverCmd.Flags().StringVar(&devserverSecret, "secret", os.Getenv("CHATSYNC_DEV_SECRET"), "Token signing secret (random if empty)")
	devserverCmd.Flags().DurationVar(&devserverTTL, "token-ttl", 24*time.Hour, "Lifetime of issued tokens")
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory chat backend for development",
	Long:  "Run an in-memory backend with demo users and print a token for each of them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		srv := mockserver.New(mockserver.Config{
			Secret:   devserverSecret,
			TokenTTL: devserverTTL,
			Logger:   &logger,
		})

		for _, id := range srv.Seed() {
			token, err := srv.IssueToken(id)
			if err != nil {
				return err
			}
			fmt.Printf("%-6s %s\n", id, token)
		}

		httpSrv := &http.Server{
			Addr:              devserverAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			logger.Info().Str("addr", devserverAddr).Msg("devserver listening")
			errCh <- httpSrv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}
