package chatsync

import (
	"testing"
)

func messageNote(id, conversationID string, count int) Notification {
	return Notification{
		ID:             id,
		Type:           NotifyMessage,
		Sender:         User{ID: "u-2", Name: "Bob"},
		ConversationID: conversationID,
		MsgCount:       count,
		CreatedAt:      at(1),
	}
}

func TestNotificationIngest(t *testing.T) {
	t.Run("N message events give one entry with count N", func(t *testing.T) {
		a := NewNotificationAggregator()
		const n = 7
		for i := 0; i < n; i++ {
			a.Ingest(messageNote("", "c2", 1))
		}
		snap := a.Snapshot()
		if len(snap) != 1 {
			t.Fatalf("expected 1 entry, got %d", len(snap))
		}
		if snap[0].MsgCount != n {
			t.Errorf("expected msgCount=%d, got %d", n, snap[0].MsgCount)
		}
		if a.UnreadMessages() != n {
			t.Errorf("expected badge %d, got %d", n, a.UnreadMessages())
		}
	})

	t.Run("one entry per conversation", func(t *testing.T) {
		a := NewNotificationAggregator()
		a.Ingest(messageNote("", "c1", 1))
		a.Ingest(messageNote("", "c2", 1))
		a.Ingest(messageNote("", "c1", 1))
		if a.Len() != 2 {
			t.Fatalf("expected 2 entries, got %d", a.Len())
		}
		e, ok := a.MessageEntry("c1")
		if !ok || e.MsgCount != 2 {
			t.Errorf("expected c1 count 2, got %+v", e)
		}
	})

	t.Run("zero count treated as one", func(t *testing.T) {
		a := NewNotificationAggregator()
		a.Ingest(messageNote("", "c1", 0))
		a.Ingest(messageNote("", "c1", -4))
		if e, _ := a.MessageEntry("c1"); e.MsgCount != 2 {
			t.Errorf("expected count 2, got %d", e.MsgCount)
		}
	})

	t.Run("ingest marks entry unread again", func(t *testing.T) {
		a := NewNotificationAggregator()
		a.Ingest(messageNote("", "c1", 1))
		a.MarkAllRead()
		a.Ingest(messageNote("", "c1", 1))
		if e, _ := a.MessageEntry("c1"); e.Read {
			t.Error("expected entry unread after new message")
		}
	})

	t.Run("other types accumulate", func(t *testing.T) {
		a := NewNotificationAggregator()
		a.Ingest(Notification{ID: "n1", Type: NotifyLike, Post: &PostRef{ID: "p1"}})
		a.Ingest(Notification{ID: "n2", Type: NotifyLike, Post: &PostRef{ID: "p1"}})
		a.Ingest(Notification{ID: "n3", Type: NotifyFollow})
		a.Ingest(Notification{ID: "n3", Type: NotifyFollow})
		if a.Len() != 3 {
			t.Errorf("expected 3 entries, got %d", a.Len())
		}
		if a.UnreadMessages() != 0 {
			t.Errorf("expected no unread messages, got %d", a.UnreadMessages())
		}
		if a.UnreadCount() != 3 {
			t.Errorf("expected 3 unread entries, got %d", a.UnreadCount())
		}
	})

	t.Run("newest first", func(t *testing.T) {
		a := NewNotificationAggregator()
		a.Ingest(Notification{ID: "n1", Type: NotifyLike})
		a.Ingest(Notification{ID: "n2", Type: NotifyComment})
		if snap := a.Snapshot(); snap[0].ID != "n2" {
			t.Errorf("expected n2 first, got %s", snap[0].ID)
		}
	})
}

func TestNotificationReplaceAll(t *testing.T) {
	a := NewNotificationAggregator()
	a.Ingest(messageNote("", "c9", 1))
	a.ReplaceAll([]Notification{
		messageNote("n1", "c1", 2),
		{ID: "n2", Type: NotifyComment, Read: true},
		messageNote("n3", "c1", 3),
		messageNote("n4", "c2", -1),
	})

	if a.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", a.Len(), a.Snapshot())
	}
	if _, ok := a.MessageEntry("c9"); ok {
		t.Error("expected local entry replaced")
	}
	if e, _ := a.MessageEntry("c1"); e.MsgCount != 5 {
		t.Errorf("expected merged count 5, got %d", e.MsgCount)
	}
	if e, _ := a.MessageEntry("c2"); e.MsgCount != 0 {
		t.Errorf("expected negative count clamped to 0, got %d", e.MsgCount)
	}
	if a.UnreadMessages() != 5 {
		t.Errorf("expected badge 5, got %d", a.UnreadMessages())
	}
}

func TestNotificationMarkClearConsume(t *testing.T) {
	seed := func() *NotificationAggregator {
		a := NewNotificationAggregator()
		a.Ingest(Notification{ID: "n1", Type: NotifyLike})
		a.Ingest(messageNote("", "c1", 1))
		a.Ingest(messageNote("", "c2", 1))
		return a
	}

	t.Run("mark all read keeps entries", func(t *testing.T) {
		a := seed()
		a.MarkAllRead()
		if a.Len() != 3 {
			t.Errorf("expected 3 entries, got %d", a.Len())
		}
		if a.UnreadCount() != 0 {
			t.Errorf("expected 0 unread, got %d", a.UnreadCount())
		}
	})

	t.Run("clear all", func(t *testing.T) {
		a := seed()
		a.ClearAll()
		if a.Len() != 0 || a.UnreadMessages() != 0 {
			t.Errorf("expected empty aggregator, got %+v", a.Snapshot())
		}
	})

	t.Run("consume removes the conversation entry", func(t *testing.T) {
		a := seed()
		n, ok := a.Consume("c1")
		if !ok || n.ConversationID != "c1" {
			t.Fatalf("expected c1 entry, got %+v", n)
		}
		if _, ok := a.MessageEntry("c1"); ok {
			t.Error("c1 entry still present")
		}
		if a.Len() != 2 || a.UnreadMessages() != 1 {
			t.Errorf("expected 2 entries and badge 1, got %d and %d", a.Len(), a.UnreadMessages())
		}
		if _, ok := a.Consume("c1"); ok {
			t.Error("second consume should find nothing")
		}
	})
}
