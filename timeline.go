package chatsync

import (
	"sort"
	"sync"
)

// AppendResult tells the caller what AppendIncoming did with a message.
type AppendResult int

const (
	// Appended means the message was inserted at its ordered position.
	Appended AppendResult = iota
	// Reconciled means the message confirmed a pending local echo.
	Reconciled
	// Duplicate means the id was already present; nothing changed.
	Duplicate
	// NotActive means the message belongs to another conversation.
	NotActive
)

func (r AppendResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case Reconciled:
		return "reconciled"
	case Duplicate:
		return "duplicate"
	case NotActive:
		return "not_active"
	}
	return "unknown"
}

// Timeline is the ordered message list of the one open conversation.
//
// Messages are kept non-decreasing in (CreatedAt, ID) and no id appears
// twice. Pending messages carry a "local-" id until reconciled.
type Timeline struct {
	mu       sync.RWMutex
	active   string
	messages []Message
	ids      map[string]struct{}
}

func NewTimeline() *Timeline {
	return &Timeline{ids: make(map[string]struct{})}
}

// Open makes conversationID the active conversation with an empty list
// until Load delivers its history.
func (t *Timeline) Open(conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = conversationID
	t.messages = nil
	t.ids = make(map[string]struct{})
}

// Close clears the active conversation.
func (t *Timeline) Close() {
	t.Open("")
}

// Active returns the id of the open conversation, or "".
func (t *Timeline) Active() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}

// Load replaces the list with fetched history, keeping pending entries of
// the same conversation. It returns false and changes nothing if
// conversationID is no longer active.
func (t *Timeline) Load(conversationID string, history []Message) bool {
	msgs := make([]Message, 0, len(history))
	ids := make(map[string]struct{}, len(history))
	for _, m := range history {
		if m.ID == "" {
			continue
		}
		if _, dup := ids[m.ID]; dup {
			continue
		}
		ids[m.ID] = struct{}{}
		m = m.clone()
		if m.Status == "" {
			m.Status = StatusConfirmed
		}
		msgs = append(msgs, m)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != conversationID {
		return false
	}
	for _, m := range t.messages {
		if !m.Pending() || m.ConversationID != conversationID {
			continue
		}
		if _, dup := ids[m.ID]; !dup {
			ids[m.ID] = struct{}{}
			msgs = append(msgs, m)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return less(&msgs[i], &msgs[j]) })
	t.messages = msgs
	t.ids = ids
	return true
}

// AppendIncoming inserts a pushed message. It is idempotent by id. A message
// whose ClientID matches a pending entry confirms that entry in place.
func (t *Timeline) AppendIncoming(m Message) AppendResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == "" || m.ConversationID != t.active {
		return NotActive
	}
	if _, ok := t.ids[m.ID]; ok {
		return Duplicate
	}
	if m.ClientID != "" {
		if i := t.findPending(m.ClientID); i >= 0 {
			t.confirmAt(i, m)
			return Reconciled
		}
	}
	m = m.clone()
	if m.Status == "" {
		m.Status = StatusConfirmed
	}
	t.insert(m)
	return Appended
}

// AppendOptimistic shows a locally composed message before its REST ack.
// The message gets status pending and, if it has none, id "local-<ClientID>".
func (t *Timeline) AppendOptimistic(m Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active == "" || m.ConversationID != t.active || m.ClientID == "" {
		return false
	}
	if m.ID == "" {
		m.ID = localMessageID(m.ClientID)
	}
	if _, ok := t.ids[m.ID]; ok {
		return false
	}
	m = m.clone()
	m.Status = StatusPending
	t.insert(m)
	return true
}

// Reconcile confirms the pending message with clientID using the server's
// copy. The entry keeps its position unless the corrected timestamp would
// break ordering. If the server id is already present (the channel echo won
// the race), the pending entry is dropped instead.
func (t *Timeline) Reconcile(clientID string, server Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.findPending(clientID)
	if i < 0 {
		return false
	}
	if _, ok := t.ids[server.ID]; ok {
		t.removeAt(i)
		return true
	}
	t.confirmAt(i, server)
	return true
}

// Rollback removes the pending message with clientID.
func (t *Timeline) Rollback(clientID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := t.findPending(clientID)
	if i < 0 {
		return false
	}
	t.removeAt(i)
	return true
}

// MarkSeen flags a message as seen by the recipient.
func (t *Timeline) MarkSeen(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.messages {
		if t.messages[i].ID == messageID {
			t.messages[i].Seen = true
			return true
		}
	}
	return false
}

func (t *Timeline) Has(messageID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.ids[messageID]
	return ok
}

// Snapshot returns a copy of the ordered list.
func (t *Timeline) Snapshot() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.clone()
	}
	return out
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

func (t *Timeline) Reset() {
	t.Close()
}

// ── internal, callers hold mu ─────────────────────────────

func (t *Timeline) findPending(clientID string) int {
	if clientID == "" {
		return -1
	}
	for i := range t.messages {
		if t.messages[i].ClientID == clientID && t.messages[i].Pending() {
			return i
		}
	}
	return -1
}

func (t *Timeline) insert(m Message) {
	i := sort.Search(len(t.messages), func(i int) bool { return less(&m, &t.messages[i]) })
	t.messages = append(t.messages, Message{})
	copy(t.messages[i+1:], t.messages[i:])
	t.messages[i] = m
	t.ids[m.ID] = struct{}{}
}

func (t *Timeline) removeAt(i int) Message {
	m := t.messages[i]
	delete(t.ids, m.ID)
	t.messages = append(t.messages[:i], t.messages[i+1:]...)
	return m
}

// confirmAt replaces the pending entry at i with the server copy, falling back
// to local fields the server left empty.
func (t *Timeline) confirmAt(i int, server Message) {
	local := t.messages[i]
	server = server.clone()
	if server.ConversationID == "" {
		server.ConversationID = local.ConversationID
	}
	if server.SenderID == "" {
		server.SenderID = local.SenderID
	}
	if server.SenderName == "" {
		server.SenderName = local.SenderName
	}
	if server.Content == "" && server.Attachment == nil {
		server.Content = local.Content
		server.Attachment = local.Attachment
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = local.CreatedAt
	}
	server.ClientID = local.ClientID
	server.Status = StatusConfirmed

	delete(t.ids, local.ID)
	t.messages[i] = server
	t.ids[server.ID] = struct{}{}

	inOrder := (i == 0 || !less(&t.messages[i], &t.messages[i-1])) &&
		(i == len(t.messages)-1 || !less(&t.messages[i+1], &t.messages[i]))
	if !inOrder {
		t.insert(t.removeAt(i))
	}
}
