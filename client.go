// Package chatsync is the realtime messaging and notification sync core of the
// OnlyFriends client.
//
// A Controller owns one user session: it keeps a live event Channel, merges
// pushed messages with REST history, and drives the conversation list, the
// open conversation's timeline and the notification badge so they never
// disagree.
//
// Example:
//
//	creds := chatsync.StaticToken{User: "u-1", Bearer: token}
//	api := chatsync.NewClient("https://api.onlyfriends.app", creds)
//	ch := chatsync.NewWSChannel(chatsync.ChannelConfig{URL: api.ChannelURL(), Token: token})
//	ctl := chatsync.NewController(api, ch, creds)
//	if err := ctl.Start(ctx); err != nil { ... }
//	defer ctl.End()
//
//	ctl.OpenConversation(ctx, "c-42")
//	ctl.SendMessage(ctx, "c-42", "hi")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 30 * time.Second
)

// API is the REST collaborator of the sync core.
type API interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
	CreateDirectConversation(ctx context.Context, userID string) (*Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]Message, error)
	CreateMessage(ctx context.Context, opts *SendOptions) (*Message, error)
	ListNotifications(ctx context.Context) ([]Notification, error)
	ConsumeConversation(ctx context.Context, conversationID string) error
	MarkAllNotificationsRead(ctx context.Context) error
	ClearAllNotifications(ctx context.Context) error
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    string
	creds      Credentials
	httpClient *http.Client
	logger     zerolog.Logger
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithClientLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a REST client. creds is consulted on every request so a
// rotated token is picked up without rebuilding the client.
func NewClient(baseURL string, creds Credentials, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ChannelURL returns the WebSocket endpoint matching the REST base URL.
func (c *Client) ChannelURL() string {
	base := strings.Replace(c.baseURL, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/ws"
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*Result, error) {
	u := c.baseURL + path

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.creds != nil {
		if token := c.creds.Token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("request completed")

	result, decodeErr := decodeJSON[Result](data)
	if resp.StatusCode == http.StatusUnauthorized {
		msg := http.StatusText(resp.StatusCode)
		if decodeErr == nil && result.Error != nil {
			msg = result.Error.Message
		}
		return nil, fmt.Errorf("%w: %s", ErrSessionExpired, msg)
	}
	if decodeErr != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{Code: "HTTP_ERROR", Message: strings.TrimSpace(string(data)), Status: resp.StatusCode}
		}
		return nil, decodeErr
	}
	if !result.OK {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Code: "REQUEST_FAILED", Message: "request failed"}
		}
		apiErr.Status = resp.StatusCode
		if isExpired(apiErr) {
			return nil, fmt.Errorf("%w: %s", ErrSessionExpired, apiErr.Message)
		}
		return nil, apiErr
	}
	return result, nil
}

func isExpired(e *APIError) bool {
	return e.Code == "TOKEN_EXPIRED" || strings.EqualFold(e.Message, "jwt expired")
}

// call performs one REST operation and decodes its data into out.
func (c *Client) call(ctx context.Context, op, method, path string, body, out interface{}) error {
	result, err := c.doRequest(ctx, method, path, body)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrSessionExpired) {
			outcome = "expired"
		}
		restRequestsTotal.WithLabelValues(op, outcome).Inc()
		return err
	}
	restRequestsTotal.WithLabelValues(op, "ok").Inc()
	if out == nil {
		return nil
	}
	if err := result.Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", op, err)
	}
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Conversations
// ============================================================================

func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var out []Conversation
	if err := c.call(ctx, "list_conversations", "GET", "/api/chat", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchUsers finds users to start a conversation with.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]User, error) {
	var out []User
	if err := c.call(ctx, "search_conversations", "POST", "/api/chat/search", map[string]string{"search": query}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CreateDirectConversation returns the direct conversation with userID,
// creating it server-side if needed.
func (c *Client) CreateDirectConversation(ctx context.Context, userID string) (*Conversation, error) {
	var out Conversation
	if err := c.call(ctx, "create_direct_conversation", "POST", "/api/chat", map[string]string{"userId": userID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================================
// Messages
// ============================================================================

func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	var out []Message
	path := "/api/message/" + url.PathEscape(conversationID)
	if err := c.call(ctx, "list_messages", "GET", path, nil, &out); err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Status = StatusConfirmed
	}
	return out, nil
}

func (c *Client) CreateMessage(ctx context.Context, opts *SendOptions) (*Message, error) {
	if opts == nil || opts.ConversationID == "" {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "conversationId is required"}
	}
	var out Message
	if err := c.call(ctx, "create_message", "POST", "/api/message", opts, &out); err != nil {
		return nil, err
	}
	out.Status = StatusConfirmed
	return &out, nil
}

// ============================================================================
// Notifications
// ============================================================================

func (c *Client) ListNotifications(ctx context.Context) ([]Notification, error) {
	var out []Notification
	if err := c.call(ctx, "list_notifications", "GET", "/api/notifications", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ConsumeConversation resets the server-side unread message count of a
// conversation for the current user.
func (c *Client) ConsumeConversation(ctx context.Context, conversationID string) error {
	body := map[string]string{"conversationId": conversationID}
	return c.call(ctx, "consume_conversation", "POST", "/api/notifications/consume", body, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.call(ctx, "mark_all_read", "POST", "/api/notifications/read", nil, nil)
}

func (c *Client) ClearAllNotifications(ctx context.Context) error {
	return c.call(ctx, "clear_all", "DELETE", "/api/notifications", nil, nil)
}
