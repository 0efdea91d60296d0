package chatsync

import (
	"sort"
	"strings"
	"sync"
)

// ConversationStore holds the conversation list of the current user.
// Order is the server's; sorting for display is left to Sorted.
type ConversationStore struct {
	mu    sync.RWMutex
	list  []Conversation
	index map[string]int
}

func NewConversationStore() *ConversationStore {
	return &ConversationStore{index: make(map[string]int)}
}

// ReplaceAll swaps in a freshly fetched list. No merge with the old state.
func (s *ConversationStore) ReplaceAll(convs []Conversation) {
	list := make([]Conversation, 0, len(convs))
	index := make(map[string]int, len(convs))
	for _, c := range convs {
		if _, dup := index[c.ID]; dup {
			continue
		}
		index[c.ID] = len(list)
		list = append(list, c.clone())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = list
	s.index = index
}

// ApplyIncomingMessage updates the latest-message preview in place.
// It never creates a conversation: unknown ids return false.
func (s *ConversationStore) ApplyIncomingMessage(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[m.ConversationID]
	if !ok {
		return false
	}
	c := &s.list[i]
	if c.LatestMessage != nil && c.LatestMessage.CreatedAt.After(m.CreatedAt) {
		return true
	}
	c.LatestMessage = m.summary()
	return true
}

func (s *ConversationStore) Get(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[id]
	if !ok {
		return Conversation{}, false
	}
	return s.list[i].clone(), true
}

func (s *ConversationStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[id]
	return ok
}

// Snapshot returns a copy of the list in store order.
func (s *ConversationStore) Snapshot() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversation, len(s.list))
	for i, c := range s.list {
		out[i] = c.clone()
	}
	return out
}

// Sorted returns a copy ordered by latest activity, newest first.
// Conversations without messages keep their relative order at the end.
func (s *ConversationStore) Sorted() []Conversation {
	out := s.Snapshot()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].LatestMessage, out[j].LatestMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out
}

// Search filters by display name, case-insensitive.
func (s *ConversationStore) Search(query, selfID string) []Conversation {
	q := strings.ToLower(strings.TrimSpace(query))
	var out []Conversation
	for _, c := range s.Snapshot() {
		if q == "" || strings.Contains(strings.ToLower(c.DisplayName(selfID)), q) {
			out = append(out, c)
		}
	}
	return out
}

func (s *ConversationStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.list)
}

func (s *ConversationStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = nil
	s.index = make(map[string]int)
}
