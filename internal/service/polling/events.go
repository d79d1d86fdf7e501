package polling

import (
	"sync"
	"time"
)

// EventType names a broker event.
type EventType string

const (
	EventRegistered  EventType = "registered"
	EventRequest     EventType = "request"
	EventResponse    EventType = "response"
	EventClientError EventType = "client_error"
	EventPruned      EventType = "pruned"
)

// Event is one observable broker transition.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	ClientKey string    `json:"clientKey"`
	RequestID string    `json:"requestId,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

const subscriberBuffer = 32

type eventHub struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *eventHub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
