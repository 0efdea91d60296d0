package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is an error reported by the REST backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

var (
	// ErrNotConnected is returned by channel sends without a live connection.
	ErrNotConnected = errors.New("chatsync: channel not connected")

	// ErrSessionExpired means the credential was rejected as expired.
	// The controller tears the session down when it sees it.
	ErrSessionExpired = errors.New("chatsync: session expired")

	// ErrEmptyMessage is returned for a send with neither text nor attachment.
	ErrEmptyMessage = errors.New("chatsync: empty message")

	// ErrNoSession is returned by controller operations before Start or after End.
	ErrNoSession = errors.New("chatsync: no active session")

	// ErrStaleConversation is returned when a history fetch resolves after the
	// user already switched to another conversation.
	ErrStaleConversation = errors.New("chatsync: conversation no longer active")
)

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Users & Conversations
// ============================================================================

// User is an identity reference owned by the auth/profile collaborator.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

// MessageSummary is the denormalized latest-message preview of a conversation.
type MessageSummary struct {
	MessageID  string    `json:"messageId,omitempty"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Preview    string    `json:"preview"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Conversation struct {
	ID            string           `json:"id"`
	Kind          ConversationKind `json:"kind"`
	Name          string           `json:"name,omitempty"`
	Members       []User           `json:"members"`
	LatestMessage *MessageSummary  `json:"latestMessage,omitempty"`
}

// DisplayName returns the group name, or for direct conversations the name of
// the first member that is not selfID.
func (c *Conversation) DisplayName(selfID string) string {
	if c.Kind == KindGroup {
		return c.Name
	}
	for _, m := range c.Members {
		if m.ID != selfID {
			return m.Name
		}
	}
	return c.Name
}

// HasMember reports whether userID belongs to the conversation.
func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.Members {
		if m.ID == userID {
			return true
		}
	}
	return false
}

func (c Conversation) clone() Conversation {
	out := c
	out.Members = append([]User(nil), c.Members...)
	if c.LatestMessage != nil {
		lm := *c.LatestMessage
		out.LatestMessage = &lm
	}
	return out
}

// ============================================================================
// Messages
// ============================================================================

type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentVideo AttachmentKind = "video"
	AttachmentAudio AttachmentKind = "audio"
)

// Attachment references a single uploaded media file.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	URL  string         `json:"url"`
}

// MessageStatus is the two-phase send state of a message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
)

type Message struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"clientId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	SenderName     string        `json:"senderName,omitempty"`
	Content        string        `json:"content,omitempty"`
	Attachment     *Attachment   `json:"attachment,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	Seen           bool          `json:"seen"`
	Status         MessageStatus `json:"status,omitempty"`
}

// Pending reports whether the message is still awaiting its REST ack.
func (m *Message) Pending() bool {
	return m.Status == StatusPending
}

// Preview returns the list-rendering summary of the message.
func (m *Message) Preview() string {
	if strings.TrimSpace(m.Content) != "" {
		return m.Content
	}
	if m.Attachment != nil {
		return fmt.Sprintf("[%s]", m.Attachment.Kind)
	}
	return ""
}

func (m Message) summary() *MessageSummary {
	return &MessageSummary{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Preview:    m.Preview(),
		CreatedAt:  m.CreatedAt,
	}
}

func (m Message) clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	return m
}

// less orders messages by (CreatedAt, ID).
func less(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func localMessageID(clientID string) string {
	return "local-" + clientID
}

// ============================================================================
// Notifications
// ============================================================================

type NotificationType string

const (
	NotifyLike    NotificationType = "like"
	NotifyComment NotificationType = "comment"
	NotifyFollow  NotificationType = "follow"
	NotifyMessage NotificationType = "message"
)

// PostRef is the post summary attached to like/comment notifications.
type PostRef struct {
	ID      string `json:"id"`
	Content string `json:"content,omitempty"`
	FileURL string `json:"fileUrl,omitempty"`
}

type Notification struct {
	ID             string           `json:"id"`
	Type           NotificationType `json:"type"`
	Sender         User             `json:"sender"`
	Post           *PostRef         `json:"post,omitempty"`
	ConversationID string           `json:"conversationId,omitempty"`
	MsgCount       int              `json:"msgCount,omitempty"`
	Read           bool             `json:"read"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// Local reports whether the entry was synthesized from a channel event and
// has no server-side counterpart yet.
func (n *Notification) Local() bool {
	return strings.HasPrefix(n.ID, "local-")
}

func (n Notification) clone() Notification {
	if n.Post != nil {
		p := *n.Post
		n.Post = &p
	}
	return n
}

// ============================================================================
// REST option types
// ============================================================================

// SendOptions is the create-message request body.
type SendOptions struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ClientID       string      `json:"clientId,omitempty"`
}
