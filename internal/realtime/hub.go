// Package realtime fans change events out to connected clients and peer nodes.
// Delivery is best effort: there is no acknowledgment and no retry.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/changeset-api/internal/observability"
)

const subscriberBufferSize = 32

// EventType names a realtime event.
type EventType string

const (
	EventChangeCreated    EventType = "CHANGE_CREATED"
	EventChangeApproved   EventType = "CHANGE_APPROVED"
	EventChangeCommitted  EventType = "CHANGE_COMMITTED"
	EventChangeRejected   EventType = "CHANGE_REJECTED"
	EventChangeConflicted EventType = "CHANGE_CONFLICTED"
	EventChangeRolledBack EventType = "CHANGE_ROLLED_BACK"
	EventConflictResolved EventType = "CONFLICT_RESOLVED"
	EventEntityUpdated    EventType = "ENTITY_UPDATED"
)

// Event is a notification pushed to subscribers of a tenant.
type Event struct {
	ID       string      `json:"id,omitempty"`
	Type     EventType   `json:"type"`
	TenantID string      `json:"tenant_id"`
	Data     interface{} `json:"data"`
	SentAt   time.Time   `json:"sent_at"`
	Source   string      `json:"source,omitempty"`
}

// Sink accepts events for fire-and-forget delivery.
type Sink interface {
	Broadcast(ctx context.Context, event Event)
}

// Nop discards every event.
type Nop struct{}

// Broadcast implements Sink.
func (Nop) Broadcast(context.Context, Event) {}

// Hub keeps track of local subscribers grouped by tenant.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	logger      zerolog.Logger
}

// NewHub constructs an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan Event]struct{}),
		logger:      logger.With().Str("component", "realtime_hub").Logger(),
	}
}

// Subscribe registers a buffered channel for the tenant's events.
// The returned cancel func must be called once the subscriber goes away.
func (h *Hub) Subscribe(tenantID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBufferSize)

	h.mu.Lock()
	if _, ok := h.subscribers[tenantID]; !ok {
		h.subscribers[tenantID] = make(map[chan Event]struct{})
	}
	h.subscribers[tenantID][ch] = struct{}{}
	h.mu.Unlock()

	observability.RealtimeClients().Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if subs, ok := h.subscribers[tenantID]; ok {
				delete(subs, ch)
				if len(subs) == 0 {
					delete(h.subscribers, tenantID)
				}
			}
			close(ch)
			observability.RealtimeClients().Dec()
		})
	}

	return ch, cancel
}

// Broadcast delivers the event to the tenant's subscribers without blocking.
func (h *Hub) Broadcast(_ context.Context, event Event) {
	if event.SentAt.IsZero() {
		event.SentAt = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	observability.RealtimeEvents().WithLabelValues(string(event.Type)).Inc()
	for ch := range h.subscribers[event.TenantID] {
		select {
		case ch <- event:
		default:
			h.logger.Warn().Str("tenant_id", event.TenantID).Str("type", string(event.Type)).Msg("dropping realtime event for slow subscriber")
		}
	}
}

// Subscribers returns the number of subscribers for a tenant.
func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[tenantID])
}
