package chatsync

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// Wire format
// ============================================================================

// Channel event names on the wire.
const (
	EventSetup           = "setup"
	EventJoinChat        = "join chat"
	EventNewMessage      = "new message"
	EventMessageReceived = "message received"
	EventConnected       = "connected"
)

// Envelope is the wire format for all channel frames.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Inbound events
// ============================================================================

// InboundEvent is one of MessageReceived or StateChanged.
type InboundEvent interface {
	inbound()
}

// MessageReceived carries a message pushed by the server.
type MessageReceived struct {
	Message Message
}

// StateChanged reports a connection state transition. Err is set when the
// transition was caused by a transport failure.
type StateChanged struct {
	State ChannelState
	Err   error
}

func (MessageReceived) inbound() {}
func (StateChanged) inbound()    {}

// decodeInbound turns a wire envelope into a typed event. Frames with unknown
// names return ok == false.
func decodeInbound(env Envelope) (InboundEvent, bool, error) {
	switch env.Type {
	case EventMessageReceived:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, false, fmt.Errorf("decode %q: %w", env.Type, err)
		}
		m.Status = StatusConfirmed
		return MessageReceived{Message: m}, true, nil
	case EventConnected:
		return StateChanged{State: StateConnected}, true, nil
	}
	return nil, false, nil
}

// ============================================================================
// Outbound events
// ============================================================================

// OutboundEvent is one of Setup, JoinChat or NewMessage.
type OutboundEvent interface {
	envelope() (Envelope, error)
}

// Setup binds the connection to a user id for server-side routing.
type Setup struct {
	UserID string
}

// JoinChat subscribes the connection to live messages of a conversation.
type JoinChat struct {
	ConversationID string
}

// NewMessage notifies the other participants of a persisted message.
type NewMessage struct {
	Message Message
}

func (e Setup) envelope() (Envelope, error) {
	return newEnvelope(EventSetup, map[string]string{"userId": e.UserID})
}

func (e JoinChat) envelope() (Envelope, error) {
	return newEnvelope(EventJoinChat, map[string]string{"conversationId": e.ConversationID})
}

func (e NewMessage) envelope() (Envelope, error) {
	return newEnvelope(EventNewMessage, e.Message)
}

func newEnvelope(name string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %q: %w", name, err)
	}
	return Envelope{Type: name, Payload: b}, nil
}
