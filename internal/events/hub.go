package events

import (
	"sync"

	"github.com/maumercado/pueued/internal/logger"
)

// Filter reports whether a subscriber wants to receive ev.
type Filter func(ev Event) bool

// AllEvents is a Filter that accepts every event.
func AllEvents(Event) bool { return true }

// ForTask returns a Filter that accepts only events about the given
// task ID, plus daemon-level events (TaskID == 0).
func ForTask(taskID int64) Filter {
	return func(ev Event) bool {
		return ev.TaskID == 0 || ev.TaskID == taskID
	}
}

// Subscriber is a single registered listener. The zero value is not
// usable; obtain one from Hub.Subscribe.
type Subscriber struct {
	ch     chan Event
	filter Filter
}

// C returns the channel events are delivered on. It is closed when the
// subscriber is unregistered.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// Hub fans published events out to registered subscribers. It mirrors
// the teacher's WebSocket Hub register/unregister/broadcast loop, but
// runs in-process with no network or Redis hop.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
}

// NewHub returns an empty Hub ready to use.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new Subscriber matching filter. bufSize bounds
// how many unconsumed events may queue before they are dropped.
func (h *Hub) Subscribe(filter Filter, bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	sub := &Subscriber{ch: make(chan Event, bufSize), filter: filter}
	h.mu.Lock()
	h.subscribers[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call more
// than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub.ch)
	}
	h.mu.Unlock()
}

// Publish delivers ev to every subscriber whose filter accepts it. A
// subscriber with a full buffer has the event dropped rather than
// blocking the publisher, since the Dispatcher is the sole publisher
// and must never stall on a slow client.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subscribers {
		if !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			logger.Warn().Str("kind", string(ev.Kind)).Int64("task_id", ev.TaskID).
				Msg("event subscriber buffer full, dropping event")
		}
	}
}

// SubscriberCount returns the number of currently registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Close unregisters and closes every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subscribers {
		close(sub.ch)
		delete(h.subscribers, sub)
	}
}
