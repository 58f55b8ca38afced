package notify

import (
	"sync"

	"github.com/lmoretti/huddle/internal/observability"
)

const subscriberBuffer = 64

// Hub fans notifications out to per-user subscriber queues. The websocket
// layer subscribes a queue per connection and drains it onto the wire.
// Publish never blocks: a full queue drops the notification.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[int]chan Notification
	nextID  int
	metrics *observability.Metrics
}

func NewHub(metrics *observability.Metrics) *Hub {
	return &Hub{
		subs:    make(map[string]map[int]chan Notification),
		metrics: metrics,
	}
}

// Subscribe registers a queue for the user. The returned cancel func must be
// called when the connection goes away.
func (h *Hub) Subscribe(userID string) (<-chan Notification, func()) {
	ch := make(chan Notification, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[int]chan Notification)
	}
	h.subs[userID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if m, ok := h.subs[userID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(h.subs, userID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) Publish(n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[n.Recipient] {
		select {
		case ch <- n:
		default:
			// Keep delivery fire-and-forget; a slow consumer loses messages.
			if h.metrics != nil {
				h.metrics.NotificationsDropped.Inc()
			}
		}
	}
}

// SubscriberCount reports active queues for a user, for readiness/debugging.
func (h *Hub) SubscriberCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[userID])
}

// ActiveSubscribers reports the total number of open queues across all users.
func (h *Hub) ActiveSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, m := range h.subs {
		total += len(m)
	}
	return total
}
