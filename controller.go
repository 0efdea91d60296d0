package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ============================================================================
// Controller
// ============================================================================

// Controller is the sync core of one authenticated session. It is the only
// component that calls the REST API or registers the channel handler, and it
// owns the conversation store, the timeline and the notification aggregator.
//
// All methods are safe for concurrent use. Channel events and REST
// completions that belong to an ended session are discarded.
type Controller struct {
	api       API
	channel   Channel
	creds     Credentials
	logger    zerolog.Logger
	observers *Observers
	now       func() time.Time
	newID     func() string

	conversations *ConversationStore
	timeline      *Timeline
	notifications *NotificationAggregator

	mu      sync.Mutex
	started bool
	gen     uint64
	active  string
	// opening is the conversation whose history is being fetched. Channel
	// messages for it are held in buffered until the fetch resolves.
	opening  string
	buffered []Message
}

type ControllerOption func(*Controller)

func WithLogger(logger zerolog.Logger) ControllerOption {
	return func(c *Controller) { c.logger = logger }
}

// WithObservers shares an existing observer set, e.g. one that outlives
// several sessions.
func WithObservers(o *Observers) ControllerOption {
	return func(c *Controller) { c.observers = o }
}

func WithClock(now func() time.Time) ControllerOption {
	return func(c *Controller) { c.now = now }
}

// WithIDGenerator sets the generator of client correlation ids.
func WithIDGenerator(newID func() string) ControllerOption {
	return func(c *Controller) { c.newID = newID }
}

// NewController wires a controller to its collaborators. Nothing happens on
// the network until Start.
func NewController(api API, channel Channel, creds Credentials, opts ...ControllerOption) *Controller {
	c := &Controller{
		api:           api,
		channel:       channel,
		creds:         creds,
		logger:        zerolog.Nop(),
		now:           time.Now,
		newID:         uuid.NewString,
		conversations: NewConversationStore(),
		timeline:      NewTimeline(),
		notifications: NewNotificationAggregator(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.observers == nil {
		c.observers = NewObservers()
	}
	c.logger = c.logger.With().Str("component", "controller").Logger()
	return c
}

// ── Session lifecycle ─────────────────────────────────────

// Start begins the session: it fetches conversations and notifications,
// then connects the channel. A channel failure leaves the session running
// with the channel disconnected; Resume retries it.
func (c *Controller) Start(ctx context.Context) error {
	if c.creds == nil || c.creds.UserID() == "" {
		return fmt.Errorf("start: %w: missing credentials", ErrNoSession)
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	if tokenExpired(c.creds.Token(), c.now()) {
		c.mu.Unlock()
		c.observers.emit(Change{Kind: ChangeSessionExpired})
		return fmt.Errorf("start: %w", ErrSessionExpired)
	}
	c.started = true
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.logger.Info().Str("user_id", c.creds.UserID()).Msg("session starting")

	convs, err := c.api.ListConversations(ctx)
	if err != nil {
		err = fmt.Errorf("list conversations: %w", err)
		c.end(gen)
		if errors.Is(err, ErrSessionExpired) {
			c.observers.emit(Change{Kind: ChangeSessionExpired})
		} else {
			c.observers.emit(Change{Kind: ChangeError, Err: err})
		}
		return err
	}
	if !c.apply(gen, func() { c.conversations.ReplaceAll(convs) }) {
		return ErrNoSession
	}
	c.observers.emit(Change{Kind: ChangeConversations})

	if err := c.RefreshNotifications(ctx); errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrNoSession) {
		return err
	}

	c.connect(ctx, gen)
	return nil
}

// End tears the session down: the channel is disconnected, the handler
// dropped and every store cleared. It is safe to call more than once.
func (c *Controller) End() {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.end(gen)
}

// end tears down session gen. It returns false if gen is no longer current.
func (c *Controller) end(gen uint64) bool {
	c.mu.Lock()
	if !c.started || c.gen != gen {
		c.mu.Unlock()
		return false
	}
	c.started = false
	c.gen++
	c.active = ""
	c.opening = ""
	c.buffered = nil
	c.conversations.Reset()
	c.timeline.Reset()
	c.notifications.Reset()
	c.mu.Unlock()

	// The channel may call back into the controller; never hold mu here.
	c.channel.SetHandler(nil)
	c.channel.Disconnect()

	c.logger.Info().Msg("session ended")
	c.observers.emit(Change{Kind: ChangeChannelState, State: StateDisconnected})
	c.observers.emit(Change{Kind: ChangeConversations})
	c.observers.emit(Change{Kind: ChangeTimeline})
	c.observers.emit(Change{Kind: ChangeNotifications})
	return true
}

// Resume is the foreground/focus hook. It reconnects a disconnected channel,
// refreshes conversations and notifications, and reloads the open
// conversation if the channel had to be reconnected.
func (c *Controller) Resume(ctx context.Context) error {
	gen, err := c.session()
	if err != nil {
		return err
	}

	reconnected := false
	if c.channel.State() == StateDisconnected {
		reconnected = c.connect(ctx, gen)
	}

	if err := c.RefreshConversations(ctx); err != nil {
		return err
	}
	if err := c.RefreshNotifications(ctx); err != nil {
		return err
	}

	if active := c.ActiveConversation(); reconnected && active != "" {
		if err := c.OpenConversation(ctx, active); err != nil && !errors.Is(err, ErrStaleConversation) {
			return err
		}
	}
	return nil
}

func (c *Controller) connect(ctx context.Context, gen uint64) bool {
	c.channel.SetHandler(func(ev InboundEvent) { c.dispatch(gen, ev) })
	if err := c.channel.Connect(ctx, c.creds.UserID()); err != nil {
		c.logger.Warn().Err(err).Msg("channel connect failed")
		if c.current(gen) {
			c.observers.emit(Change{Kind: ChangeChannelState, State: StateDisconnected})
		}
		return false
	}
	return true
}

// ── Inbound dispatch ──────────────────────────────────────

func (c *Controller) dispatch(gen uint64, ev InboundEvent) {
	switch ev := ev.(type) {
	case MessageReceived:
		c.receive(gen, ev.Message)
	case StateChanged:
		if !c.current(gen) {
			return
		}
		if ev.Err != nil {
			c.logger.Warn().Err(ev.Err).Str("state", string(ev.State)).Msg("channel state changed")
		} else {
			c.logger.Debug().Str("state", string(ev.State)).Msg("channel state changed")
		}
		c.observers.emit(Change{Kind: ChangeChannelState, State: ev.State})
	default:
		c.logger.Warn().Msgf("unhandled channel event %T", ev)
	}
}

func (c *Controller) receive(gen uint64, m Message) {
	c.mu.Lock()
	if !c.started || c.gen != gen {
		c.mu.Unlock()
		messagesRoutedTotal.WithLabelValues("dropped").Inc()
		return
	}
	if c.opening != "" && m.ConversationID == c.opening {
		c.buffered = append(c.buffered, m)
		c.mu.Unlock()
		messagesRoutedTotal.WithLabelValues("buffered").Inc()
		return
	}
	changes := c.route(m)
	c.mu.Unlock()

	c.emitAll(changes)
}

// route applies one inbound message to the stores. Callers hold mu.
func (c *Controller) route(m Message) []Change {
	var changes []Change

	prev, known := c.conversations.Get(m.ConversationID)
	seen := known && prev.LatestMessage != nil && prev.LatestMessage.MessageID == m.ID
	if c.conversations.ApplyIncomingMessage(m) && !seen {
		changes = append(changes, Change{Kind: ChangeConversations, ConversationID: m.ConversationID})
	}

	log := c.logger.Debug().Str("conversation_id", m.ConversationID).Str("message_id", m.ID)
	switch res := c.timeline.AppendIncoming(m); res {
	case Appended, Reconciled:
		messagesRoutedTotal.WithLabelValues("timeline").Inc()
		log.Str("route", res.String()).Msg("message routed")
		changes = append(changes, Change{Kind: ChangeTimeline, ConversationID: m.ConversationID})
	case Duplicate:
		messagesRoutedTotal.WithLabelValues("duplicate").Inc()
		log.Msg("duplicate message ignored")
	case NotActive:
		if seen || m.SenderID == c.creds.UserID() {
			messagesRoutedTotal.WithLabelValues("duplicate").Inc()
			log.Msg("message not counted")
			break
		}
		c.notifications.Ingest(c.messageNotification(m))
		messagesRoutedTotal.WithLabelValues("notification").Inc()
		log.Msg("message routed to notifications")
		changes = append(changes, Change{Kind: ChangeNotifications, ConversationID: m.ConversationID})
	}
	return changes
}

func (c *Controller) messageNotification(m Message) Notification {
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = c.now()
	}
	return Notification{
		ID:             "local-" + c.newID(),
		Type:           NotifyMessage,
		Sender:         User{ID: m.SenderID, Name: m.SenderName},
		ConversationID: m.ConversationID,
		MsgCount:       1,
		CreatedAt:      createdAt,
	}
}

// ── Conversations ─────────────────────────────────────────

// OpenConversation makes id the active conversation: it loads the history,
// joins the channel room and consumes the unread-message notification.
// The previous conversation stays active until the history arrives, and a
// failed fetch changes nothing. Channel messages for id that arrive while
// the history is loading are replayed after the load. If the user opened
// another conversation before the history arrived, the result is discarded
// and ErrStaleConversation returned.
func (c *Controller) OpenConversation(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("chatsync: empty conversation id")
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return ErrNoSession
	}
	gen := c.gen
	superseded := c.flushBuffered()
	c.opening = id
	c.mu.Unlock()
	c.emitAll(superseded)

	logger := c.logger.With().Str("conversation_id", id).Logger()
	history, fetchErr := c.api.ListMessages(ctx, id)

	c.mu.Lock()
	if !c.started || c.gen != gen {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.opening != id {
		c.mu.Unlock()
		logger.Debug().Msg("discarding stale history")
		return ErrStaleConversation
	}
	if fetchErr != nil {
		changes := c.flushBuffered()
		c.mu.Unlock()
		c.emitAll(changes)
		return c.surface(gen, "list messages", fetchErr)
	}

	buffered := c.buffered
	c.buffered = nil
	c.opening = ""
	c.active = id
	if c.timeline.Active() != id {
		c.timeline.Open(id)
	}
	c.timeline.Load(id, history)
	changes := []Change{{Kind: ChangeTimeline, ConversationID: id}}
	for _, m := range buffered {
		changes = append(changes, c.route(m)...)
	}
	if _, ok := c.notifications.Consume(id); ok {
		changes = append(changes, Change{Kind: ChangeNotifications, ConversationID: id})
	}
	c.mu.Unlock()
	c.emitAll(changes)
	logger.Debug().Int("messages", len(history)).Int("replayed", len(buffered)).Msg("history loaded")

	if c.channel.State() == StateConnected {
		if err := c.channel.JoinConversation(ctx, id); err != nil {
			logger.Debug().Err(err).Msg("join conversation")
		}
	}
	c.consumeRemote(ctx, gen, id)
	return nil
}

// flushBuffered abandons a pending open and routes its held messages against
// the current active conversation. Callers hold mu.
func (c *Controller) flushBuffered() []Change {
	held := c.buffered
	c.buffered = nil
	c.opening = ""
	var changes []Change
	for _, m := range held {
		changes = append(changes, c.route(m)...)
	}
	return changes
}

// CloseConversation clears the active conversation and abandons a pending
// open. Later messages for it are counted as notifications.
func (c *Controller) CloseConversation(ctx context.Context) {
	c.mu.Lock()
	if !c.started || (c.active == "" && c.opening == "") {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	id := c.active
	c.active = ""
	c.timeline.Close()
	changes := c.flushBuffered()
	c.mu.Unlock()

	c.emitAll(changes)
	if id == "" {
		return
	}
	c.observers.emit(Change{Kind: ChangeTimeline, ConversationID: id})
	c.consumeRemote(ctx, gen, id)
}

// consumeRemote tells the server the user caught up with conversation id.
// Failures other than expiry are only logged.
func (c *Controller) consumeRemote(ctx context.Context, gen uint64, id string) {
	err := c.api.ConsumeConversation(ctx, id)
	if err == nil {
		return
	}
	if errors.Is(err, ErrSessionExpired) {
		c.surface(gen, "consume conversation", err)
		return
	}
	c.logger.Debug().Err(err).Str("conversation_id", id).Msg("consume conversation")
}

// RefreshConversations replaces the conversation list with the server's.
func (c *Controller) RefreshConversations(ctx context.Context) error {
	gen, err := c.session()
	if err != nil {
		return err
	}
	convs, err := c.api.ListConversations(ctx)
	if err != nil {
		return c.surface(gen, "list conversations", err)
	}
	if !c.apply(gen, func() { c.conversations.ReplaceAll(convs) }) {
		return ErrNoSession
	}
	c.observers.emit(Change{Kind: ChangeConversations})
	return nil
}

// SearchUsers asks the server for users matching query, to start a
// conversation with.
func (c *Controller) SearchUsers(ctx context.Context, query string) ([]User, error) {
	gen, err := c.session()
	if err != nil {
		return nil, err
	}
	users, err := c.api.SearchUsers(ctx, query)
	if err != nil {
		return nil, c.surface(gen, "search users", err)
	}
	return users, nil
}

// FilterConversations filters the local list by display name.
func (c *Controller) FilterConversations(query string) []Conversation {
	return c.conversations.Search(query, c.creds.UserID())
}

// StartDirectConversation creates or fetches the direct conversation with
// userID and refreshes the list so it is present in the store.
func (c *Controller) StartDirectConversation(ctx context.Context, userID string) (Conversation, error) {
	gen, err := c.session()
	if err != nil {
		return Conversation{}, err
	}
	conv, err := c.api.CreateDirectConversation(ctx, userID)
	if err != nil {
		return Conversation{}, c.surface(gen, "create conversation", err)
	}
	if err := c.RefreshConversations(ctx); err != nil {
		return Conversation{}, err
	}
	if stored, ok := c.conversations.Get(conv.ID); ok {
		return stored, nil
	}
	return *conv, nil
}

// ── Send ──────────────────────────────────────────────────

// SendMessage posts a text message. The message appears immediately as
// pending in the open conversation and is confirmed by the REST response.
// On failure the pending entry is removed and the error returned.
func (c *Controller) SendMessage(ctx context.Context, conversationID, content string) (Message, error) {
	if strings.TrimSpace(content) == "" {
		return Message{}, ErrEmptyMessage
	}
	return c.send(ctx, SendOptions{ConversationID: conversationID, Content: content})
}

// SendAttachment posts a media message.
func (c *Controller) SendAttachment(ctx context.Context, conversationID string, a Attachment) (Message, error) {
	if a.URL == "" {
		return Message{}, ErrEmptyMessage
	}
	return c.send(ctx, SendOptions{ConversationID: conversationID, Attachment: &a})
}

func (c *Controller) send(ctx context.Context, opts SendOptions) (Message, error) {
	gen, err := c.session()
	if err != nil {
		return Message{}, err
	}

	opts.ClientID = c.newID()
	local := Message{
		ID:             localMessageID(opts.ClientID),
		ClientID:       opts.ClientID,
		ConversationID: opts.ConversationID,
		SenderID:       c.creds.UserID(),
		Content:        opts.Content,
		Attachment:     opts.Attachment,
		CreatedAt:      c.now(),
		Status:         StatusPending,
	}
	if c.timeline.AppendOptimistic(local) {
		c.observers.emit(Change{Kind: ChangeTimeline, ConversationID: opts.ConversationID})
	}

	server, err := c.api.CreateMessage(ctx, &opts)
	if err != nil {
		sendsTotal.WithLabelValues("rolled_back").Inc()
		if c.timeline.Rollback(opts.ClientID) {
			c.observers.emit(Change{Kind: ChangeTimeline, ConversationID: opts.ConversationID})
		}
		return Message{}, c.surface(gen, "send message", err)
	}
	sendsTotal.WithLabelValues("confirmed").Inc()

	confirmed := *server
	if confirmed.ClientID == "" {
		confirmed.ClientID = opts.ClientID
	}
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = opts.ConversationID
	}

	var changes []Change
	if !c.apply(gen, func() {
		shown := c.timeline.Reconcile(opts.ClientID, confirmed)
		switch {
		case c.opening == confirmed.ConversationID:
			// A history load is in flight and may predate the write.
			c.buffered = append(c.buffered, confirmed)
		case !shown && c.timeline.Active() == confirmed.ConversationID:
			shown = c.timeline.AppendIncoming(confirmed) == Appended
		}
		if shown {
			changes = append(changes, Change{Kind: ChangeTimeline, ConversationID: confirmed.ConversationID})
		}
		if c.conversations.ApplyIncomingMessage(confirmed) {
			changes = append(changes, Change{Kind: ChangeConversations, ConversationID: confirmed.ConversationID})
		}
	}) {
		return confirmed, nil
	}
	c.emitAll(changes)

	c.logger.Debug().
		Str("conversation_id", confirmed.ConversationID).
		Str("message_id", confirmed.ID).
		Str("client_id", opts.ClientID).
		Msg("message confirmed")

	// Best-effort; the REST write already persisted the message.
	if c.channel.State() == StateConnected {
		if err := c.channel.Send(ctx, NewMessage{Message: confirmed}); err != nil {
			c.logger.Debug().Err(err).Msg("emit new message")
		}
	}
	return confirmed, nil
}

// ── Notifications ─────────────────────────────────────────

// RefreshNotifications replaces the notification list with the server's.
// The server owns msgCount, so local increments since the last fetch are
// superseded. The open conversation never shows an unread entry.
func (c *Controller) RefreshNotifications(ctx context.Context) error {
	gen, err := c.session()
	if err != nil {
		return err
	}
	list, err := c.api.ListNotifications(ctx)
	if err != nil {
		return c.surface(gen, "list notifications", err)
	}
	if !c.apply(gen, func() {
		c.notifications.ReplaceAll(list)
		if c.active != "" {
			c.notifications.Consume(c.active)
		}
	}) {
		return ErrNoSession
	}
	c.observers.emit(Change{Kind: ChangeNotifications})
	return nil
}

// MarkAllNotificationsRead marks every notification read once the server
// has accepted the change. On failure local state is untouched.
func (c *Controller) MarkAllNotificationsRead(ctx context.Context) error {
	gen, err := c.session()
	if err != nil {
		return err
	}
	if err := c.api.MarkAllNotificationsRead(ctx); err != nil {
		return c.surface(gen, "mark notifications read", err)
	}
	if !c.apply(gen, c.notifications.MarkAllRead) {
		return ErrNoSession
	}
	c.observers.emit(Change{Kind: ChangeNotifications})
	return nil
}

// ClearAllNotifications removes every notification once the server has
// accepted the change. On failure local state is untouched.
func (c *Controller) ClearAllNotifications(ctx context.Context) error {
	gen, err := c.session()
	if err != nil {
		return err
	}
	if err := c.api.ClearAllNotifications(ctx); err != nil {
		return c.surface(gen, "clear notifications", err)
	}
	if !c.apply(gen, c.notifications.ClearAll) {
		return ErrNoSession
	}
	c.observers.emit(Change{Kind: ChangeNotifications})
	return nil
}

// ── Snapshots ─────────────────────────────────────────────

// Conversations returns the conversation list, most recent activity first.
func (c *Controller) Conversations() []Conversation {
	return c.conversations.Sorted()
}

// Messages returns the timeline of the open conversation.
func (c *Controller) Messages() []Message {
	return c.timeline.Snapshot()
}

func (c *Controller) Notifications() []Notification {
	return c.notifications.Snapshot()
}

// Badge is the unread-message count shown on the top-level badge.
func (c *Controller) Badge() int {
	return c.notifications.UnreadMessages()
}

// UnreadNotifications is the number of unread notification entries.
func (c *Controller) UnreadNotifications() int {
	return c.notifications.UnreadCount()
}

func (c *Controller) ActiveConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) ChannelState() ChannelState {
	return c.channel.State()
}

// Started reports whether a session is running.
func (c *Controller) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// Subscribe registers fn for state changes. See Observers.
func (c *Controller) Subscribe(fn ObserverFunc) (unsubscribe func()) {
	return c.observers.Subscribe(fn)
}

// ── Internal ──────────────────────────────────────────────

func (c *Controller) session() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return 0, ErrNoSession
	}
	return c.gen, nil
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started && c.gen == gen
}

// apply runs fn under mu if session gen is still current.
func (c *Controller) apply(gen uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.gen != gen {
		return false
	}
	fn()
	return true
}

// surface reports a failed REST call. An expired credential ends the
// session; anything else becomes a transient ChangeError.
func (c *Controller) surface(gen uint64, op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, ErrSessionExpired) {
		c.logger.Warn().Err(err).Msg("session expired")
		if c.end(gen) {
			c.observers.emit(Change{Kind: ChangeSessionExpired})
		}
		return err
	}
	c.logger.Warn().Err(err).Msg("request failed")
	if c.current(gen) {
		c.observers.emit(Change{Kind: ChangeError, Err: err})
	}
	return err
}

func (c *Controller) emitAll(changes []Change) {
	for _, ch := range changes {
		c.observers.emit(ch)
	}
}
