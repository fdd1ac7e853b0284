package journal

import (
	"context"
	"sync"

	"github.com/aard-labs/aard/core"
	"github.com/aard-labs/aard/telemetry"
)

// subscriberBuffer is the per-subscriber channel depth. A consumer that
// falls this far behind starts losing events; it can recover by replaying
// from its last seen sequence.
const subscriberBuffer = 64

type subscriber struct {
	filter Filter
	ch     chan *Event
	once   sync.Once
}

// Hub fans appended events out to live subscribers. Publish never blocks:
// a full subscriber channel drops the event and the subscriber is expected
// to replay from the store.
type Hub struct {
	mu     sync.Mutex
	subs   map[int64]*subscriber
	nextID int64
	closed bool
	logger core.Logger
}

// NewHub creates an empty hub.
func NewHub(logger core.Logger) *Hub {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Hub{
		subs:   make(map[int64]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a consumer for events matching filter. The returned
// cancel function is idempotent; cancelling ctx has the same effect.
func (h *Hub) Subscribe(ctx context.Context, filter Filter) (<-chan *Event, func()) {
	sub := &subscriber{
		filter: filter,
		ch:     make(chan *Event, subscriberBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			if !h.closed {
				close(sub.ch)
			}
			h.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return sub.ch, cancel
}

// Publish delivers e to every matching subscriber without blocking.
func (h *Hub) Publish(e *Event) {
	if e == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for _, sub := range h.subs {
		if !sub.filter.Matches(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Slow consumer. The store keeps the event; live delivery
			// is best effort.
			h.logger.Warn("Dropping event for slow subscriber", map[string]interface{}{
				"operation":   "hub_publish",
				"workflow_id": e.WorkflowID,
				"sequence":    e.Sequence,
			})
			telemetry.Counter("aard.journal.dropped_events",
				"stage", string(e.Stage))
		}
	}
}

// Close closes every subscriber channel and rejects future subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}

// Len reports the number of active subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
