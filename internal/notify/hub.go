package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/context-engine/backend/internal/metrics"
	"github.com/context-engine/backend/internal/storage/models"
	"github.com/context-engine/backend/pkg/logger"
)

type EventType string

const (
	EventStatusUpdate EventType = "statusUpdate"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
)

// Event is a document progress notification as sent to websocket clients.
type Event struct {
	Type       EventType             `json:"eventType"`
	DocumentID string                `json:"documentId"`
	Status     models.DocumentStatus `json:"status"`
	Error      string                `json:"error,omitempty"`
}

func StatusUpdate(documentID string, status models.DocumentStatus) Event {
	return Event{Type: EventStatusUpdate, DocumentID: documentID, Status: status}
}

func Complete(documentID string) Event {
	return Event{Type: EventComplete, DocumentID: documentID, Status: models.StatusIndexed}
}

func Failure(documentID, reason string) Event {
	return Event{Type: EventError, DocumentID: documentID, Status: models.StatusError, Error: reason}
}

const defaultBuffer = 32

// Hub fans document events out to the subscribers of a project. Delivery is
// at-most-once: a subscriber whose buffer is full misses the event and the
// broadcaster never blocks.
type Hub struct {
	buffer int

	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*Subscription
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{buffer: buffer, subs: make(map[string]map[uint64]*Subscription)}
}

type Subscription struct {
	hub       *Hub
	id        uint64
	projectID string
	events    chan Event
	once      sync.Once
}

// Events is closed once the subscription is closed.
func (s *Subscription) Events() <-chan Event { return s.events }

func (s *Subscription) ProjectID() string { return s.projectID }

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

func (h *Hub) Subscribe(projectID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		hub:       h,
		id:        h.nextID,
		projectID: projectID,
		events:    make(chan Event, h.buffer),
	}
	if h.subs[projectID] == nil {
		h.subs[projectID] = make(map[uint64]*Subscription)
	}
	h.subs[projectID][sub.id] = sub
	metrics.Subscribers.Inc()

	logger.Debug("Subscriber attached", zap.String("project_id", projectID), zap.Uint64("subscription", sub.id))
	return sub
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if set, ok := h.subs[sub.projectID]; ok {
		delete(set, sub.id)
		if len(set) == 0 {
			delete(h.subs, sub.projectID)
		}
	}
	close(sub.events)
	metrics.Subscribers.Dec()
}

// Broadcast delivers event to every current subscriber of projectID and
// returns how many received it. Broadcasts are serialized so every listener
// sees events in call order.
func (h *Hub) Broadcast(projectID string, event Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, sub := range h.subs[projectID] {
		select {
		case sub.events <- event:
			delivered++
		default:
			metrics.NotificationsDropped.Inc()
			logger.Warn("Dropping event for slow subscriber",
				zap.String("project_id", projectID),
				zap.String("document_id", event.DocumentID),
				zap.String("event_type", string(event.Type)),
			)
		}
	}
	if delivered > 0 {
		metrics.NotificationsSent.Add(float64(delivered))
	}
	return delivered
}

// BroadcastAll sends event to the subscribers of each project in turn.
func (h *Hub) BroadcastAll(projectIDs []string, event Event) int {
	total := 0
	for _, id := range projectIDs {
		total += h.Broadcast(id, event)
	}
	return total
}

func (h *Hub) Subscribers(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[projectID])
}
