package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// ChannelConfig configures a WebSocket session channel.
type ChannelConfig struct {
	// URL is the ws:// or wss:// endpoint, see Client.ChannelURL.
	URL               string
	Token             string
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	DialTimeout       time.Duration
	// HTTPClient must not set Timeout; the websocket library rejects it.
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

func (c *ChannelConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ChannelState represents the connection state. A dropped connection goes
// straight back to disconnected; a fresh Connect is required.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
)

// Channel is the persistent event connection of one authenticated user.
type Channel interface {
	Connect(ctx context.Context, userID string) error
	JoinConversation(ctx context.Context, conversationID string) error
	Send(ctx context.Context, ev OutboundEvent) error
	// SetHandler registers the single inbound handler, replacing any previous one.
	SetHandler(h func(InboundEvent))
	Disconnect()
	State() ChannelState
}

// ============================================================================
// WSChannel
// ============================================================================

// WSChannel is a WebSocket Channel with heartbeat. Inbound events are
// delivered synchronously from the read loop, in arrival order.
type WSChannel struct {
	config   ChannelConfig
	logger   zerolog.Logger
	mu       sync.Mutex
	conn     *websocket.Conn
	state    ChannelState
	handler  func(InboundEvent)
	gen      uint64
	cancelFn context.CancelFunc
}

// NewWSChannel creates a disconnected channel. Call Connect to open it.
func NewWSChannel(config ChannelConfig) *WSChannel {
	cfg := config
	cfg.defaults()
	return &WSChannel{
		config: cfg,
		logger: cfg.Logger.With().Str("component", "channel").Logger(),
		state:  StateDisconnected,
	}
}

// SetHandler registers the inbound event handler.
func (ws *WSChannel) SetHandler(h func(InboundEvent)) {
	ws.mu.Lock()
	ws.handler = h
	ws.mu.Unlock()
}

// State returns the current connection state.
func (ws *WSChannel) State() ChannelState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect opens the connection and sends setup for userID. On failure the
// channel is left disconnected.
func (ws *WSChannel) Connect(ctx context.Context, userID string) error {
	ws.mu.Lock()
	if ws.state != StateDisconnected {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.gen++
	gen := ws.gen
	ws.mu.Unlock()

	ws.logger.Debug().Str("user_id", userID).Msg("connecting")

	dialCtx, cancel := context.WithTimeout(ctx, ws.config.DialTimeout)
	defer cancel()

	var opts *websocket.DialOptions
	if ws.config.HTTPClient != nil {
		opts = &websocket.DialOptions{HTTPClient: ws.config.HTTPClient}
	}
	conn, _, err := websocket.Dial(dialCtx, ws.dialURL(), opts)
	if err != nil {
		ws.fail(gen)
		return fmt.Errorf("websocket dial: %w", err)
	}

	connCtx, cancelConn := context.WithCancel(context.Background())
	ws.mu.Lock()
	if ws.gen != gen {
		// Disconnect raced the dial.
		ws.mu.Unlock()
		cancelConn()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancelConn
	ws.mu.Unlock()
	channelConnected.Set(1)

	if err := ws.Send(ctx, Setup{UserID: userID}); err != nil {
		ws.drop(gen, conn, err)
		return fmt.Errorf("send setup: %w", err)
	}

	ws.logger.Info().Str("user_id", userID).Msg("channel connected")
	ws.deliver(gen, StateChanged{State: StateConnected})

	go ws.readLoop(connCtx, gen, conn)
	go ws.heartbeatLoop(connCtx, gen, conn)

	return nil
}

// Disconnect closes the connection. No event from the closed connection is
// delivered after Disconnect returns.
func (ws *WSChannel) Disconnect() {
	ws.mu.Lock()
	ws.gen++
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()
	channelConnected.Set(0)

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			ws.logger.Debug().Err(err).Msg("close after disconnect")
		}
	}
}

// JoinConversation routes live messages of a conversation to this connection.
func (ws *WSChannel) JoinConversation(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, JoinChat{ConversationID: conversationID})
}

// Send writes an outbound event. There is no acknowledgement.
func (ws *WSChannel) Send(ctx context.Context, ev OutboundEvent) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	env, err := ev.envelope()
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSChannel) dialURL() string {
	if ws.config.Token == "" {
		return ws.config.URL
	}
	u, err := url.Parse(ws.config.URL)
	if err != nil {
		return ws.config.URL
	}
	q := u.Query()
	q.Set("token", ws.config.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (ws *WSChannel) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.drop(gen, conn, err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.logger.Warn().Err(err).Msg("malformed frame")
			continue
		}
		ev, ok, err := decodeInbound(env)
		if err != nil {
			ws.logger.Warn().Err(err).Str("event", env.Type).Msg("undecodable event")
			continue
		}
		if !ok {
			ws.logger.Debug().Str("event", env.Type).Msg("ignoring unknown event")
			continue
		}
		channelEventsTotal.WithLabelValues(env.Type).Inc()
		ws.deliver(gen, ev)
	}
}

func (ws *WSChannel) heartbeatLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, ws.config.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				ws.logger.Warn().Err(err).Msg("heartbeat failed")
				// readLoop observes the close and drops the connection.
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// deliver hands ev to the handler unless the connection generation is stale.
func (ws *WSChannel) deliver(gen uint64, ev InboundEvent) {
	ws.mu.Lock()
	h := ws.handler
	live := ws.gen == gen
	ws.mu.Unlock()
	if live && h != nil {
		h(ev)
	}
}

// fail resets a connect attempt that never produced a connection.
func (ws *WSChannel) fail(gen uint64) {
	ws.mu.Lock()
	if ws.gen == gen {
		ws.state = StateDisconnected
	}
	ws.mu.Unlock()
}

// drop handles an unexpected end of a live connection.
func (ws *WSChannel) drop(gen uint64, conn *websocket.Conn, cause error) {
	ws.mu.Lock()
	if ws.gen != gen {
		ws.mu.Unlock()
		return
	}
	ws.gen++
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	ws.conn = nil
	ws.state = StateDisconnected
	h := ws.handler
	ws.mu.Unlock()
	channelConnected.Set(0)

	conn.Close(websocket.StatusGoingAway, "connection lost")
	ws.logger.Warn().Err(cause).Msg("channel dropped")
	if h != nil {
		h(StateChanged{State: StateDisconnected, Err: cause})
	}
}
