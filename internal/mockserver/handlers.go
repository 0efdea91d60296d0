package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

type contextKey string

const userContextKey contextKey = "user"

func userFrom(ctx context.Context) User {
	u, _ := ctx.Value(userContextKey).(User)
	return u
}

// ============================================================================
// Response helpers
// ============================================================================

type envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *apiError   `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, envelope{Error: &apiError{Code: code, Message: message}})
}

// writeStoreError maps store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownConversation), errors.Is(err, ErrUnknownUser):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrNotMember):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON body")
		return false
	}
	return true
}

// ============================================================================
// Middleware
// ============================================================================

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// requireAuth resolves the bearer token. Expired or revoked tokens get the
// "jwt expired" error the client treats as end of session.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		u, err := s.authenticate(token)
		if errors.Is(err, jwt.ErrTokenExpired) {
			writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "jwt expired")
			return
		}
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, u)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ============================================================================
// Conversations
// ============================================================================

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	out := s.conversationsOf(userFrom(r.Context()).ID)
	if out == nil {
		out = []Conversation{}
	}
	writeOK(w, out)
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Search string `json:"search"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	self := userFrom(r.Context())
	q := strings.ToLower(strings.TrimSpace(req.Search))

	s.mu.Lock()
	out := []User{}
	for _, u := range s.users {
		if u.ID == self.ID {
			continue
		}
		if q == "" || strings.Contains(strings.ToLower(u.Name), q) {
			out = append(out, u)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeOK(w, out)
}

func (s *Server) createDirectConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	self := userFrom(r.Context())
	if req.UserID == "" || req.UserID == self.ID {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "userId must name another user")
		return
	}
	c, err := s.DirectConversation(self.ID, req.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, c)
}

// ============================================================================
// Messages
// ============================================================================

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	self := userFrom(r.Context())

	s.mu.Lock()
	c := s.find(id)
	if c == nil {
		s.mu.Unlock()
		writeStoreError(w, ErrUnknownConversation)
		return
	}
	if !c.hasMember(self.ID) {
		s.mu.Unlock()
		writeStoreError(w, ErrNotMember)
		return
	}
	// Fetching history marks the other members' messages seen.
	msgs := s.messages[id]
	for i := range msgs {
		if msgs[i].SenderID != self.ID {
			msgs[i].Seen = true
		}
	}
	out := append([]Message{}, msgs...)
	s.mu.Unlock()

	writeOK(w, out)
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string      `json:"conversationId"`
		Content        string      `json:"content"`
		Attachment     *Attachment `json:"attachment"`
		ClientID       string      `json:"clientId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ConversationID == "" {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "conversationId is required")
		return
	}
	m, err := s.persist(userFrom(r.Context()).ID, Message{
		ClientID:       req.ClientID,
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Attachment:     req.Attachment,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeOK(w, m)
}

// ============================================================================
// Notifications
// ============================================================================

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	self := userFrom(r.Context())
	s.mu.Lock()
	out := make([]Notification, 0, len(s.notifications[self.ID]))
	for _, n := range s.notifications[self.ID] {
		out = append(out, *n)
	}
	s.mu.Unlock()
	writeOK(w, out)
}

func (s *Server) markNotificationsRead(w http.ResponseWriter, r *http.Request) {
	self := userFrom(r.Context())
	s.mu.Lock()
	for _, n := range s.notifications[self.ID] {
		n.Read = true
	}
	s.mu.Unlock()
	writeOK(w, nil)
}

func (s *Server) clearNotifications(w http.ResponseWriter, r *http.Request) {
	self := userFrom(r.Context())
	s.mu.Lock()
	delete(s.notifications, self.ID)
	s.mu.Unlock()
	writeOK(w, nil)
}

func (s *Server) consumeConversation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	self := userFrom(r.Context())

	s.mu.Lock()
	list := s.notifications[self.ID]
	kept := list[:0]
	for _, n := range list {
		if n.Type == "message" && n.ConversationID == req.ConversationID {
			continue
		}
		kept = append(kept, n)
	}
	s.notifications[self.ID] = kept
	s.mu.Unlock()
	writeOK(w, nil)
}
