// Package events fans live task events out to in-process subscribers, the
// SSE endpoint among them. Delivery is best effort; the store is the
// durable record and subscribers catch up from it.
package events

import (
	"sync"

	"github.com/surfvoice/surfd/internal/store"
)

const subscriberBuffer = 64

// Hub routes task events to subscribers keyed by task id.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan store.TaskEvent]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan store.TaskEvent]struct{})}
}

// Subscribe registers for a task's live events. The returned channel is
// buffered; callers must drain it and call Unsubscribe when done.
func (h *Hub) Subscribe(taskID string) chan store.TaskEvent {
	ch := make(chan store.TaskEvent, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[chan store.TaskEvent]struct{})
	}
	h.subs[taskID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(taskID string, ch chan store.TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[taskID]
	if !ok {
		return
	}
	if _, ok = set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(h.subs, taskID)
	}
	close(ch)
}

// Publish delivers an event to current subscribers. A subscriber that has
// fallen behind its buffer misses the event rather than stalling the
// publisher.
func (h *Hub) Publish(ev store.TaskEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.TaskID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
