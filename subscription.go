package keyfold

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ChatEventType discriminates chat events surfaced to the application.
type ChatEventType string

const (
	// EventMessage is an incoming decrypted message.
	EventMessage ChatEventType = "message"
	// EventRequest is an incoming chat request awaiting Accept.
	EventRequest ChatEventType = "request"
	// EventEstablished fires when a handshake completes on either side.
	EventEstablished ChatEventType = "established"
	// EventDeleted fires when a peer deletes the conversation with a
	// valid deletion proof.
	EventDeleted ChatEventType = "deleted"
)

// ChatEvent is delivered to chat subscribers.
type ChatEvent struct {
	Type      ChatEventType
	From      string
	Email     string
	MessageID string
	Body      string
	Timestamp time.Time
}

// chatSubscription represents an active event subscription.
type chatSubscription struct {
	id       string
	peer     string
	callback func(*ChatEvent)
	active   atomic.Bool
}

// subscriptionManager fans chat events out to callbacks registered per
// peer or globally. It ensures callbacks are never invoked after
// unsubscription completes.
type subscriptionManager struct {
	mu     sync.RWMutex
	subs   map[string]map[string]*chatSubscription // peer uuid ("" for all) -> subID -> subscription
	nextID atomic.Uint64
}

func newSubscriptionManager() *subscriptionManager {
	return &subscriptionManager{
		subs: make(map[string]map[string]*chatSubscription),
	}
}

// subscribe registers a callback for events from the given peer; an
// empty peer subscribes to every event. The callback is invoked
// synchronously on the delivery goroutine. Returns an unsubscribe
// function.
func (m *subscriptionManager) subscribe(peer string, callback func(*ChatEvent)) func() {
	id := strconv.FormatUint(m.nextID.Add(1), 10)

	sub := &chatSubscription{
		id:       id,
		peer:     peer,
		callback: callback,
	}
	sub.active.Store(true)

	m.mu.Lock()
	if m.subs[peer] == nil {
		m.subs[peer] = make(map[string]*chatSubscription)
	}
	m.subs[peer][id] = sub
	m.mu.Unlock()

	return func() {
		m.unsubscribe(peer, id)
	}
}

// unsubscribe removes a subscription. Safe to call multiple times.
func (m *subscriptionManager) unsubscribe(peer, subID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if peerSubs, ok := m.subs[peer]; ok {
		if sub, ok := peerSubs[subID]; ok {
			sub.active.Store(false)
			delete(peerSubs, subID)
			if len(peerSubs) == 0 {
				delete(m.subs, peer)
			}
		}
	}
}

// notify delivers an event to the peer's subscribers and to the
// wildcard subscribers. Callbacks run after the read lock is released;
// the active flag is checked just before invoking to prevent calls
// after unsubscribe.
func (m *subscriptionManager) notify(event *ChatEvent) {
	m.mu.RLock()
	var subs []*chatSubscription
	for _, key := range []string{event.From, ""} {
		for _, sub := range m.subs[key] {
			subs = append(subs, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		if sub.active.Load() {
			sub.callback(event)
		}
	}
}

// clear removes all subscriptions. Called during Client.Close().
func (m *subscriptionManager) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, peerSubs := range m.subs {
		for _, sub := range peerSubs {
			sub.active.Store(false)
		}
	}
	m.subs = make(map[string]map[string]*chatSubscription)
}
