package chatsync

import (
	"sync"
)

// NotificationAggregator collects events that are not for the open
// conversation: likes, comments, follows and unread-message counters.
//
// There is at most one message-type entry per conversation; its MsgCount is
// the only number the badge shows for that conversation and is never negative.
type NotificationAggregator struct {
	mu      sync.RWMutex
	entries []Notification
}

func NewNotificationAggregator() *NotificationAggregator {
	return &NotificationAggregator{}
}

// ReplaceAll installs a fetched list, folding duplicate message entries for
// the same conversation into one.
func (a *NotificationAggregator) ReplaceAll(list []Notification) {
	entries := make([]Notification, 0, len(list))
	seen := make(map[string]struct{}, len(list))
	for _, n := range list {
		n = n.clone()
		if n.MsgCount < 0 {
			n.MsgCount = 0
		}
		if n.Type == NotifyMessage && n.ConversationID != "" {
			if i := indexByConversation(entries, n.ConversationID); i >= 0 {
				entries[i].MsgCount += n.MsgCount
				entries[i].Read = entries[i].Read && n.Read
				continue
			}
		}
		if n.ID != "" {
			if _, dup := seen[n.ID]; dup {
				continue
			}
			seen[n.ID] = struct{}{}
		}
		entries = append(entries, n)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = entries
}

// Ingest adds an event. A message event for a conversation that already has
// an entry bumps that entry's MsgCount and marks it unread. Other events with
// an id already present are ignored.
func (a *NotificationAggregator) Ingest(n Notification) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n = n.clone()
	if n.Type == NotifyMessage && n.ConversationID != "" {
		inc := n.MsgCount
		if inc < 1 {
			inc = 1
		}
		if i := indexByConversation(a.entries, n.ConversationID); i >= 0 {
			e := &a.entries[i]
			e.MsgCount += inc
			e.Read = false
			if n.CreatedAt.After(e.CreatedAt) {
				e.CreatedAt = n.CreatedAt
				e.Sender = n.Sender
			}
			return
		}
		n.MsgCount = inc
	} else if n.ID != "" {
		for _, e := range a.entries {
			if e.ID == n.ID {
				return
			}
		}
	}
	// Newest first.
	a.entries = append([]Notification{n}, a.entries...)
}

// MarkAllRead flags every entry read without removing any.
func (a *NotificationAggregator) MarkAllRead() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.entries {
		a.entries[i].Read = true
	}
}

// ClearAll removes every entry.
func (a *NotificationAggregator) ClearAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = nil
}

// Consume removes the message entry of conversationID, returning it.
func (a *NotificationAggregator) Consume(conversationID string) (Notification, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := indexByConversation(a.entries, conversationID)
	if i < 0 {
		return Notification{}, false
	}
	n := a.entries[i]
	a.entries = append(a.entries[:i], a.entries[i+1:]...)
	return n, true
}

// MessageEntry returns the message entry of conversationID, if any.
func (a *NotificationAggregator) MessageEntry(conversationID string) (Notification, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	i := indexByConversation(a.entries, conversationID)
	if i < 0 {
		return Notification{}, false
	}
	return a.entries[i].clone(), true
}

// UnreadMessages is the badge value: the sum of MsgCount over message entries.
func (a *NotificationAggregator) UnreadMessages() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := 0
	for _, e := range a.entries {
		if e.Type == NotifyMessage && e.MsgCount > 0 {
			total += e.MsgCount
		}
	}
	return total
}

// UnreadCount is the number of entries not yet read.
func (a *NotificationAggregator) UnreadCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, e := range a.entries {
		if !e.Read {
			n++
		}
	}
	return n
}

func (a *NotificationAggregator) Snapshot() []Notification {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]Notification, len(a.entries))
	for i, e := range a.entries {
		out[i] = e.clone()
	}
	return out
}

func (a *NotificationAggregator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

func (a *NotificationAggregator) Reset() {
	a.ClearAll()
}

func indexByConversation(entries []Notification, conversationID string) int {
	for i := range entries {
		if entries[i].Type == NotifyMessage && entries[i].ConversationID == conversationID {
			return i
		}
	}
	return -1
}
