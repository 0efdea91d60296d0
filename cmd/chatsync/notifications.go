package main

import (
	"context"
	"fmt"
	"time"

	"github.com/onlyfriends-app/chatsync"
	"github.com/spf13/cobra"
)

var (
	notificationsReadAll bool
	notificationsClear   bool
	notificationsJSON    bool
)

func init() {
	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.Flags().BoolVar(&notificationsReadAll, "read-all", false, "Mark every notification read")
	notificationsCmd.Flags().BoolVar(&notificationsClear, "clear", false, "Delete every notification")
	notificationsCmd.Flags().BoolVar(&notificationsJSON, "json", false, "Output JSON")
	notificationsCmd.MarkFlagsMutuallyExclusive("read-all", "clear")
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List, mark read or clear notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, _ := newSession()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := ctl.Start(ctx); err != nil {
			return requestError(err)
		}
		defer ctl.End()

		switch {
		case notificationsReadAll:
			if err := ctl.MarkAllNotificationsRead(ctx); err != nil {
				return requestError(err)
			}
			fmt.Println("All notifications marked read.")
		case notificationsClear:
			if err := ctl.ClearAllNotifications(ctx); err != nil {
				return requestError(err)
			}
			fmt.Println("All notifications cleared.")
			return nil
		}

		list := ctl.Notifications()
		if notificationsJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		fmt.Printf("Unread messages: %d\n", ctl.Badge())
		for _, n := range list {
			printNotification(n)
		}
		return nil
	},
}

func printNotification(n chatsync.Notification) {
	marker := " "
	if !n.Read {
		marker = "*"
	}
	who := valueOrDefault(n.Sender.Name, n.Sender.ID)
	var text string
	switch n.Type {
	case chatsync.NotifyLike:
		text = who + " liked your post"
	case chatsync.NotifyComment:
		text = who + " commented on your post"
	case chatsync.NotifyFollow:
		text = who + " started following you"
	case chatsync.NotifyMessage:
		text = fmt.Sprintf("%d new message(s) from %s in %s", n.MsgCount, who, n.ConversationID)
	default:
		text = string(n.Type) + " from " + who
	}
	if n.Post != nil && n.Post.Content != "" {
		text += fmt.Sprintf(": %q", truncate(n.Post.Content, 30))
	}
	fmt.Printf(" %s %s  %s\n", marker, n.CreatedAt.Local().Format(time.Kitchen), text)
}
