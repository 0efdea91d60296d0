// Package mockserver is an in-memory chat backend speaking the REST and
// channel protocol of the sync core. It backs the devserver command and the
// integration tests.
package mockserver

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Wire types
// ============================================================================

type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type Summary struct {
	MessageID  string    `json:"messageId,omitempty"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Preview    string    `json:"preview"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Conversation struct {
	ID            string   `json:"id"`
	Kind          string   `json:"kind"`
	Name          string   `json:"name,omitempty"`
	Members       []User   `json:"members"`
	LatestMessage *Summary `json:"latestMessage,omitempty"`
}

type Attachment struct {
	Kind string `json:"kind"`
	URL  string `json:"url"`
}

type Message struct {
	ID             string      `json:"id"`
	ClientID       string      `json:"clientId,omitempty"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName,omitempty"`
	Content        string      `json:"content,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Seen           bool        `json:"seen"`
}

type Post struct {
	ID      string `json:"id"`
	Content string `json:"content,omitempty"`
	FileURL string `json:"fileUrl,omitempty"`
}

type Notification struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Sender         User      `json:"sender"`
	Post           *Post     `json:"post,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	MsgCount       int       `json:"msgCount,omitempty"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"createdAt"`
}

var (
	ErrUnknownUser         = errors.New("unknown user")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrNotMember           = errors.New("not a member of this conversation")
	ErrEmptyMessage        = errors.New("message has no content")
)

// ============================================================================
// Server
// ============================================================================

type Config struct {
	// Secret signs issued tokens. A random secret is used if empty.
	Secret   string
	TokenTTL time.Duration
	Logger   *zerolog.Logger
}

// Server is the in-memory backend. The zero value is not usable; call New.
type Server struct {
	secret   []byte
	tokenTTL time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu            sync.Mutex
	users         map[string]User
	conversations []*Conversation
	messages      map[string][]Message
	notifications map[string][]*Notification
	revoked       map[string]bool
	sessions      map[*session]struct{}
}

func New(cfg Config) *Server {
	secret := cfg.Secret
	if secret == "" {
		secret = uuid.NewString()
	}
	ttl := cfg.TokenTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Server{
		secret:        []byte(secret),
		tokenTTL:      ttl,
		logger:        logger.With().Str("component", "mockserver").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
		users:         make(map[string]User),
		messages:      make(map[string][]Message),
		notifications: make(map[string][]*Notification),
		revoked:       make(map[string]bool),
		sessions:      make(map[*session]struct{}),
	}
}

// Handler returns the HTTP router: the REST API under /api and the channel
// endpoint at /ws.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeOK(w, map[string]string{"status": "ok"})
	})
	r.Get("/ws", s.serveChannel)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/chat", s.listConversations)
		r.Post("/chat", s.createDirectConversation)
		r.Post("/chat/search", s.searchUsers)

		r.Get("/message/{id}", s.listMessages)
		r.Post("/message", s.createMessage)

		r.Get("/notifications", s.listNotifications)
		r.Delete("/notifications", s.clearNotifications)
		r.Post("/notifications/read", s.markNotificationsRead)
		r.Post("/notifications/consume", s.consumeConversation)
	})
	return r
}

// ── Tokens ────────────────────────────────────────────────

type claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// IssueToken signs a bearer token for userID.
func (s *Server) IssueToken(userID string) (string, error) {
	return s.issue(userID, s.now().Add(s.tokenTTL))
}

// IssueExpiredToken signs a token that expired a minute ago.
func (s *Server) IssueExpiredToken(userID string) (string, error) {
	return s.issue(userID, s.now().Add(-time.Minute))
}

func (s *Server) issue(userID string, exp time.Time) (string, error) {
	s.mu.Lock()
	u, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		return "", ErrUnknownUser
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name: u.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "chatsync-devserver",
			Subject:   u.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	return token.SignedString(s.secret)
}

// Expire revokes token; later requests with it fail with "jwt expired".
func (s *Server) Expire(token string) {
	s.mu.Lock()
	s.revoked[token] = true
	s.mu.Unlock()
}

// authenticate returns the user behind token. Expired and revoked tokens
// return jwt.ErrTokenExpired.
func (s *Server) authenticate(token string) (User, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revoked[token] {
		return User{}, jwt.ErrTokenExpired
	}
	u, ok := s.users[c.Subject]
	if !ok {
		return User{}, ErrUnknownUser
	}
	return u, nil
}

// ── Seeding ───────────────────────────────────────────────

// AddUser registers a user. Adding an existing id replaces its name.
func (s *Server) AddUser(id, name string) User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := User{ID: id, Name: name}
	s.users[id] = u
	return u
}

// AddGroup creates a group conversation.
func (s *Server) AddGroup(name string, memberIDs ...string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, err := s.lookupUsers(memberIDs)
	if err != nil {
		return Conversation{}, err
	}
	c := &Conversation{ID: uuid.NewString(), Kind: "group", Name: name, Members: members}
	s.conversations = append(s.conversations, c)
	return c.copy(), nil
}

// DirectConversation returns the direct conversation between a and b,
// creating it if needed.
func (s *Server) DirectConversation(a, b string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.direct(a, b)
	if err != nil {
		return Conversation{}, err
	}
	return c.copy(), nil
}

// Seed loads a small demo data set and returns the user ids.
func (s *Server) Seed() []string {
	s.AddUser("alice", "Alice")
	s.AddUser("bob", "Bob")
	s.AddUser("carol", "Carol")
	s.DirectConversation("alice", "bob")
	s.DirectConversation("alice", "carol")
	s.AddGroup("Weekend plans", "alice", "bob", "carol")
	s.Notify("alice", Notification{Type: "follow", Sender: User{ID: "carol", Name: "Carol"}})
	return []string{"alice", "bob", "carol"}
}

// Notify adds a notification to userID's list.
func (s *Server) Notify(userID string, n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.notifications[userID] = append([]*Notification{&n}, s.notifications[userID]...)
}

// PostMessage persists a message as senderID and pushes it to the other
// members' channels, as if the sender's client had emitted it.
func (s *Server) PostMessage(senderID, conversationID, content string) (Message, error) {
	m, err := s.persist(senderID, Message{ConversationID: conversationID, Content: content})
	if err != nil {
		return Message{}, err
	}
	s.fanOut(nil, m)
	return m, nil
}

// ── Store internals ───────────────────────────────────────

func (s *Server) persist(senderID string, m Message) (Message, error) {
	if strings.TrimSpace(m.Content) == "" && (m.Attachment == nil || m.Attachment.URL == "") {
		return Message{}, ErrEmptyMessage
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.users[senderID]
	if !ok {
		return Message{}, ErrUnknownUser
	}
	c := s.find(m.ConversationID)
	if c == nil {
		return Message{}, ErrUnknownConversation
	}
	if !c.hasMember(senderID) {
		return Message{}, ErrNotMember
	}

	m.ID = uuid.NewString()
	m.SenderID = sender.ID
	m.SenderName = sender.Name
	m.CreatedAt = s.now()
	// Timestamps are strictly increasing within a conversation.
	if prev := s.messages[c.ID]; len(prev) > 0 {
		if last := prev[len(prev)-1].CreatedAt; !m.CreatedAt.After(last) {
			m.CreatedAt = last.Add(time.Millisecond)
		}
	}
	s.messages[c.ID] = append(s.messages[c.ID], m)

	preview := m.Content
	if preview == "" {
		preview = fmt.Sprintf("[%s]", m.Attachment.Kind)
	}
	c.LatestMessage = &Summary{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Preview:    preview,
		CreatedAt:  m.CreatedAt,
	}

	for _, member := range c.Members {
		if member.ID == senderID {
			continue
		}
		s.bumpMessageCount(member.ID, c.ID, sender, m.CreatedAt)
	}
	return m, nil
}

// bumpMessageCount keeps one message notification per conversation.
func (s *Server) bumpMessageCount(userID, conversationID string, sender User, at time.Time) {
	for _, n := range s.notifications[userID] {
		if n.Type == "message" && n.ConversationID == conversationID {
			n.MsgCount++
			n.Read = false
			n.Sender = sender
			n.CreatedAt = at
			return
		}
	}
	n := &Notification{
		ID:             uuid.NewString(),
		Type:           "message",
		Sender:         sender,
		ConversationID: conversationID,
		MsgCount:       1,
		CreatedAt:      at,
	}
	s.notifications[userID] = append([]*Notification{n}, s.notifications[userID]...)
}

func (s *Server) direct(a, b string) (*Conversation, error) {
	for _, c := range s.conversations {
		if c.Kind == "direct" && c.hasMember(a) && c.hasMember(b) {
			return c, nil
		}
	}
	members, err := s.lookupUsers([]string{a, b})
	if err != nil {
		return nil, err
	}
	c := &Conversation{ID: uuid.NewString(), Kind: "direct", Members: members}
	s.conversations = append(s.conversations, c)
	return c, nil
}

func (s *Server) lookupUsers(ids []string) ([]User, error) {
	out := make([]User, 0, len(ids))
	for _, id := range ids {
		u, ok := s.users[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUser, id)
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Server) find(id string) *Conversation {
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Server) conversationsOf(userID string) []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Conversation
	for _, c := range s.conversations {
		if c.hasMember(userID) {
			out = append(out, c.copy())
		}
	}
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

func (c *Conversation) hasMember(userID string) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

func (c *Conversation) copy() Conversation {
	out := *c
	out.Members = append([]User(nil), c.Members...)
	if c.LatestMessage != nil {
		lm := *c.LatestMessage
		out.LatestMessage = &lm
	}
	return out
}
