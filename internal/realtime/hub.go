// Package realtime fans lobby lifecycle events out to websocket subscribers.
package realtime

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ent0n29/lobby/internal/protocol"
)

// Subscription receives events for one session, or for every session when
// SessionID is empty. C is closed when the subscriber is dropped.
type Subscription struct {
	ID        string
	SessionID string
	C         <-chan any

	ch chan any
}

// Hub keeps subscribers indexed by session id.
type Hub struct {
	mu       sync.RWMutex
	buffer   int
	subs     map[string]*Subscription
	bySessID map[string]map[string]*Subscription
	onDrop   func(*Subscription)
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		buffer:   buffer,
		subs:     make(map[string]*Subscription),
		bySessID: make(map[string]map[string]*Subscription),
	}
}

// SetDropHook is called, outside the hub lock, for every subscriber dropped
// because its buffer was full.
func (h *Hub) SetDropHook(hook func(*Subscription)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDrop = hook
}

func (h *Hub) Subscribe(sessionID string) *Subscription {
	ch := make(chan any, h.buffer)
	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		C:         ch,
		ch:        ch,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub.ID] = sub
	if h.bySessID[sessionID] == nil {
		h.bySessID[sessionID] = make(map[string]*Subscription)
	}
	h.bySessID[sessionID][sub.ID] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call twice.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub)
}

// Publish delivers event to the session's subscribers and to the wildcard
// subscribers. A subscriber whose buffer is full is dropped.
func (h *Hub) Publish(event any) {
	sessionID, _ := protocol.SessionIDOf(event)

	var dropped []*Subscription
	h.mu.Lock()
	for _, key := range deliveryKeys(sessionID) {
		for _, sub := range h.bySessID[key] {
			select {
			case sub.ch <- event:
			default:
				dropped = append(dropped, sub)
			}
		}
	}
	for _, sub := range dropped {
		h.removeLocked(sub)
	}
	hook := h.onDrop
	h.mu.Unlock()

	if hook != nil {
		for _, sub := range dropped {
			hook(sub)
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) removeLocked(sub *Subscription) {
	if _, ok := h.subs[sub.ID]; !ok {
		return
	}
	delete(h.subs, sub.ID)
	if set := h.bySessID[sub.SessionID]; set != nil {
		delete(set, sub.ID)
		if len(set) == 0 {
			delete(h.bySessID, sub.SessionID)
		}
	}
	close(sub.ch)
}

func deliveryKeys(sessionID string) []string {
	if sessionID == "" {
		return []string{""}
	}
	return []string{sessionID, ""}
}
