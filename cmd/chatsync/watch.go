package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/onlyfriends-app/chatsync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchOpen        string
	watchMetricsAddr string
	watchResumeEvery time.Duration
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchOpen, "open", "", "Conversation to open on start")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	watchCmd.Flags().DurationVar(&watchResumeEvery, "resume-every", 30*time.Second, "Reconnect and refresh this often (0 disables)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run a live session and print changes",
	Long: `Run a live session. Lines typed on stdin are sent to the open conversation.

Commands:
  /open <conversation-id>   open a conversation
  /close                    close the open conversation
  /read                     mark all notifications read
  /clear                    clear all notifications
  /quit                     end the session`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, creds := newSession()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.Handler()}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server")
				}
			}()
			defer srv.Close()
			logger.Info().Str("addr", watchMetricsAddr).Msg("serving metrics")
		}

		expired := make(chan struct{}, 1)
		unsubscribe := ctl.Subscribe(func(c chatsync.Change) {
			printChange(ctl, c, creds.UserID())
			if c.Kind == chatsync.ChangeSessionExpired {
				select {
				case expired <- struct{}{}:
				default:
				}
			}
		})
		defer unsubscribe()

		if err := ctl.Start(ctx); err != nil {
			return requestError(err)
		}
		defer ctl.End()
		fmt.Printf("Session started (%d conversations, %d unread messages, channel %s)\n",
			len(ctl.Conversations()), ctl.Badge(), ctl.ChannelState())

		if watchOpen != "" {
			if err := ctl.OpenConversation(ctx, watchOpen); err != nil {
				fmt.Printf("! %v\n", requestError(err))
			}
		}

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		var tick <-chan time.Time
		if watchResumeEvery > 0 {
			ticker := time.NewTicker(watchResumeEvery)
			defer ticker.Stop()
			tick = ticker.C
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-expired:
				return requestError(chatsync.ErrSessionExpired)
			case <-tick:
				if err := ctl.Resume(ctx); err != nil {
					logger.Warn().Err(err).Msg("resume")
				}
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleLine(ctx, ctl, strings.TrimSpace(line)); quit {
					return nil
				}
			}
		}
	},
}

// handleLine runs one stdin line. It returns true on /quit.
func handleLine(ctx context.Context, ctl *chatsync.Controller, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	var err error
	switch fields[0] {
	case "/quit":
		return true
	case "/open":
		if len(fields) != 2 {
			fmt.Println("usage: /open <conversation-id>")
			return false
		}
		err = ctl.OpenConversation(ctx, fields[1])
	case "/close":
		ctl.CloseConversation(ctx)
	case "/read":
		err = ctl.MarkAllNotificationsRead(ctx)
	case "/clear":
		err = ctl.ClearAllNotifications(ctx)
	default:
		active := ctl.ActiveConversation()
		if active == "" {
			fmt.Println("no open conversation; use /open <conversation-id>")
			return false
		}
		_, err = ctl.SendMessage(ctx, active, line)
	}
	if err != nil && !errors.Is(err, chatsync.ErrStaleConversation) {
		fmt.Printf("! %v\n", requestError(err))
	}
	return false
}

func printChange(ctl *chatsync.Controller, c chatsync.Change, selfID string) {
	switch c.Kind {
	case chatsync.ChangeChannelState:
		fmt.Printf("~ channel %s\n", c.State)
	case chatsync.ChangeTimeline:
		msgs := ctl.Messages()
		if len(msgs) > 0 && c.ConversationID == ctl.ActiveConversation() {
			printMessage(msgs[len(msgs)-1], selfID)
		}
	case chatsync.ChangeNotifications:
		fmt.Printf("~ badge %d, %d unread notifications\n", ctl.Badge(), ctl.UnreadNotifications())
	case chatsync.ChangeError:
		fmt.Printf("! %v\n", c.Err)
	case chatsync.ChangeSessionExpired:
		fmt.Println("! session expired")
	}
}
