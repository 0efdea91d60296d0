package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
)

const writeTimeout = 5 * time.Second

// Envelope is the channel frame format.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// session is one accepted channel connection.
type session struct {
	conn *websocket.Conn
	user User

	mu    sync.Mutex
	ready bool
	rooms map[string]bool
}

func (ss *session) isReady() bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.ready
}

func (s *Server) serveChannel(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	u, err := s.authenticate(token)
	if errors.Is(err, jwt.ErrTokenExpired) {
		writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "jwt expired")
		return
	}
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket accept")
		return
	}

	ss := &session{conn: conn, user: u, rooms: make(map[string]bool)}
	s.mu.Lock()
	s.sessions[ss] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug().Str("user_id", u.ID).Msg("channel opened")

	defer func() {
		s.mu.Lock()
		delete(s.sessions, ss)
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Debug().Str("user_id", u.ID).Msg("channel closed")
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Debug().Err(err).Msg("malformed frame")
			continue
		}
		s.handleFrame(ctx, ss, env)
	}
}

func (s *Server) handleFrame(ctx context.Context, ss *session, env Envelope) {
	switch env.Type {
	case "setup":
		var p struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.logger.Debug().Err(err).Str("event", env.Type).Msg("malformed payload")
			return
		}
		if p.UserID != ss.user.ID {
			s.logger.Warn().Str("user_id", p.UserID).Msg("setup for another user")
			ss.conn.Close(websocket.StatusPolicyViolation, "setup user mismatch")
			return
		}
		ss.mu.Lock()
		ss.ready = true
		ss.mu.Unlock()
		s.write(ctx, ss, Envelope{Type: "connected"})

	case "join chat":
		var p struct {
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.logger.Debug().Err(err).Str("event", env.Type).Msg("malformed payload")
			return
		}
		s.mu.Lock()
		c := s.find(p.ConversationID)
		ok := c != nil && c.hasMember(ss.user.ID)
		s.mu.Unlock()
		if !ok {
			return
		}
		ss.mu.Lock()
		ss.rooms[p.ConversationID] = true
		ss.mu.Unlock()

	case "new message":
		var p struct {
			ID             string `json:"id"`
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.logger.Debug().Err(err).Str("event", env.Type).Msg("malformed payload")
			return
		}
		// Only persisted messages are relayed, and only the stored copy.
		m, ok := s.storedMessage(p.ConversationID, p.ID)
		if !ok || m.SenderID != ss.user.ID {
			return
		}
		s.fanOut(ss, m)

	default:
		s.logger.Debug().Str("event", env.Type).Msg("ignoring unknown event")
	}
}

func (s *Server) storedMessage(conversationID, id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages[conversationID] {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// fanOut pushes m as "message received" to every ready session of every
// member, except the session it came from. Routing is per user, so members
// get it whether or not they joined the conversation.
func (s *Server) fanOut(from *session, m Message) {
	payload, err := json.Marshal(m)
	if err != nil {
		return
	}
	env := Envelope{Type: "message received", Payload: payload}

	s.mu.Lock()
	c := s.find(m.ConversationID)
	var targets []*session
	if c != nil {
		for ss := range s.sessions {
			if ss != from && c.hasMember(ss.user.ID) {
				targets = append(targets, ss)
			}
		}
	}
	s.mu.Unlock()

	for _, ss := range targets {
		if !ss.isReady() {
			continue
		}
		s.write(context.Background(), ss, env)
	}
}

func (s *Server) write(ctx context.Context, ss *session, env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := ss.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug().Err(err).Str("user_id", ss.user.ID).Msg("channel write")
	}
}

// Sessions returns the number of open channel connections of userID.
func (s *Server) Sessions(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for ss := range s.sessions {
		if ss.user.ID == userID {
			n++
		}
	}
	return n
}

// Joined reports whether any session of userID joined conversationID.
func (s *Server) Joined(userID, conversationID string) bool {
	s.mu.Lock()
	var mine []*session
	for ss := range s.sessions {
		if ss.user.ID == userID {
			mine = append(mine, ss)
		}
	}
	s.mu.Unlock()
	for _, ss := range mine {
		ss.mu.Lock()
		joined := ss.rooms[conversationID]
		ss.mu.Unlock()
		if joined {
			return true
		}
	}
	return false
}
