package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/onlyfriends-app/chatsync"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsSearch string
	conversationsJSON   bool

	// users
	usersJSON bool

	// messages
	messagesJSON bool

	// send
	sendAttachment string
	sendKind       string
	sendJSON       bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)

	conversationsCmd.Flags().StringVarP(&conversationsSearch, "search", "s", "", "Filter by conversation name")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output JSON")

	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().StringVar(&sendAttachment, "attachment", "", "URL of an uploaded media file to send instead of text")
	sendCmd.Flags().StringVar(&sendKind, "kind", "image", "Attachment kind: image, video or audio")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Output JSON")
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, creds := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return requestError(err)
		}
		store := chatsync.NewConversationStore()
		store.ReplaceAll(convs)

		list := store.Sorted()
		if conversationsSearch != "" {
			list = store.Search(conversationsSearch, creds.UserID())
		}

		if conversationsJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range list {
			preview := ""
			if c.LatestMessage != nil {
				preview = fmt.Sprintf(" - %s (%s)", truncate(c.LatestMessage.Preview, 40), c.LatestMessage.CreatedAt.Local().Format(time.Kitchen))
			}
			fmt.Printf("  %s: %s%s\n", c.ID, c.DisplayName(creds.UserID()), preview)
		}
		return nil
	},
}

// ============================================================================
// users
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users <query>",
	Short: "Search users to start a conversation with",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		users, err := client.SearchUsers(ctx, args[0])
		if err != nil {
			return requestError(err)
		}
		if usersJSON {
			return printJSON(users)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			fmt.Printf("  %s: %s\n", u.ID, u.Name)
		}
		return nil
	},
}

// ============================================================================
// start
// ============================================================================

var startCmd = &cobra.Command{
	Use:   "start <user-id>",
	Short: "Open (or create) the direct conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		conv, err := client.CreateDirectConversation(ctx, args[0])
		if err != nil {
			return requestError(err)
		}
		fmt.Printf("Conversation %s\n", conv.ID)
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's messages and mark it caught up",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, creds := newSession()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := ctl.Start(ctx); err != nil {
			return requestError(err)
		}
		defer ctl.End()

		if err := ctl.OpenConversation(ctx, args[0]); err != nil {
			return requestError(err)
		}
		msgs := ctl.Messages()

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages found.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m, creds.UserID())
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> [message]",
	Short: "Send a message to a conversation",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		text := ""
		if len(args) == 2 {
			text = args[1]
		}

		ctl, _ := newSession()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// A live session lets the server relay the message to the other members.
		if err := ctl.Start(ctx); err != nil {
			return requestError(err)
		}
		defer ctl.End()

		var (
			msg chatsync.Message
			err error
		)
		if sendAttachment != "" {
			msg, err = ctl.SendAttachment(ctx, conversationID, chatsync.Attachment{
				Kind: chatsync.AttachmentKind(sendKind),
				URL:  sendAttachment,
			})
		} else {
			msg, err = ctl.SendMessage(ctx, conversationID, text)
		}
		if err != nil {
			return requestError(err)
		}

		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Message sent to conversation %s\n", msg.ConversationID)
		fmt.Printf("  Message ID: %s\n", msg.ID)
		fmt.Printf("  Content:    %s\n", msg.Preview())
		if ctl.ChannelState() != chatsync.StateConnected {
			fmt.Println("  (channel offline: other members will see it on their next refresh)")
		}
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func printMessage(m chatsync.Message, selfID string) {
	sender := valueOrDefault(m.SenderName, m.SenderID)
	if m.SenderID == selfID {
		sender = "you"
	}
	seen := ""
	if m.SenderID == selfID && m.Seen {
		seen = " (seen)"
	}
	if m.Pending() {
		seen = " (sending)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format(time.RFC3339), sender, m.Preview(), seen)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
