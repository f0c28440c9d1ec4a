package notify

import (
	"context"
	"sync"
)

// Hub is an in-process topic-per-user broker. Websocket connections
// subscribe to their user's topic.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	buffer int
}

type subscription struct {
	ch chan Message
}

// NewHub creates a hub whose subscriber channels hold buffer messages.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[string]map[*subscription]struct{}), buffer: buffer}
}

func (h *Hub) Name() string { return "hub" }

// Subscribe returns a channel of the user's messages and a cancel func that
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan Message, func()) {
	sub := &subscription{ch: make(chan Message, h.buffer)}
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscription]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], sub)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			close(sub.ch)
		})
	}
}

// Subscribers counts the user's open subscriptions.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// Push delivers to every subscription of the recipient. A subscriber whose
// buffer is full misses the message; users with no subscription are skipped.
func (h *Hub) Push(_ context.Context, msg Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[msg.Recipient] {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}
