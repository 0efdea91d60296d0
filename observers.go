package chatsync

import (
	"sync"
)

// ChangeKind names which part of the session state changed.
type ChangeKind string

const (
	ChangeConversations  ChangeKind = "conversations"
	ChangeTimeline       ChangeKind = "timeline"
	ChangeNotifications  ChangeKind = "notifications"
	ChangeChannelState   ChangeKind = "channel_state"
	ChangeError          ChangeKind = "error"
	ChangeSessionExpired ChangeKind = "session_expired"
)

// Change is delivered to observers after the controller mutates state.
// Observers read the new state through the controller's snapshot accessors.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	State          ChannelState
	// Err is the transient, user-visible error for ChangeError.
	Err error
}

// ObserverFunc receives state changes. It is called synchronously on the
// goroutine that made the change and must not block.
type ObserverFunc func(Change)

// Observers is the subscribe-to-changes surface for UI code.
type Observers struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]ObserverFunc
}

func NewObservers() *Observers {
	return &Observers{listeners: make(map[int]ObserverFunc)}
}

// Subscribe registers fn and returns a function that removes it.
func (o *Observers) Subscribe(fn ObserverFunc) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

func (o *Observers) emit(c Change) {
	o.mu.RLock()
	fns := make([]ObserverFunc, 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			fn(c)
		}()
	}
}

// Len returns the number of subscribers.
func (o *Observers) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.listeners)
}
