// Package gateway fans pipeline events out to real-time observers. The hub
// is transport-agnostic; the WebSocket server in this package is one
// transport bound to it.
package gateway

import (
	"log/slog"
	"sync"

	"dexd/internal/domain"

	"github.com/google/uuid"
)

// Observer is one subscribed event consumer with a bounded queue. A slow
// observer loses its oldest events; it never blocks the publisher or its
// peers.
type Observer struct {
	ID string

	mu      sync.Mutex
	events  chan domain.Event
	closed  bool
	dropped int64
}

// Events is the observer's receive side. The channel is closed when the
// observer is unsubscribed.
func (o *Observer) Events() <-chan domain.Event { return o.events }

// Dropped reports how many events were discarded because the queue was full.
func (o *Observer) Dropped() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

func (o *Observer) push(ev domain.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	for {
		select {
		case o.events <- ev:
			return
		default:
		}
		// Queue full: drop the oldest queued event to make room. The
		// newest state is always worth more than stale backlog.
		select {
		case <-o.events:
			o.dropped++
		default:
		}
	}
}

func (o *Observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.events)
	}
}

// Hub tracks observers and broadcasts events to all of them.
type Hub struct {
	queueSize int
	logger    *slog.Logger

	mu        sync.RWMutex
	observers map[string]*Observer
}

func NewHub(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		queueSize: queueSize,
		logger:    logger,
		observers: make(map[string]*Observer),
	}
}

// Subscribe registers a new observer and returns its handle.
func (h *Hub) Subscribe() *Observer {
	o := &Observer{
		ID:     uuid.NewString(),
		events: make(chan domain.Event, h.queueSize),
	}
	h.mu.Lock()
	h.observers[o.ID] = o
	h.mu.Unlock()

	h.logger.Debug("observer subscribed", "observer_id", o.ID)
	return o
}

// Unsubscribe removes an observer and closes its event channel. Safe to
// call more than once.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	o, ok := h.observers[id]
	delete(h.observers, id)
	h.mu.Unlock()

	if ok {
		o.close()
		h.logger.Debug("observer unsubscribed", "observer_id", id, "dropped", o.Dropped())
	}
}

// Broadcast delivers an event to every observer's queue without blocking.
func (h *Hub) Broadcast(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, o := range h.observers {
		o.push(ev)
	}
}

// Observers reports the current subscriber count.
func (h *Hub) Observers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Close unsubscribes every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	observers := h.observers
	h.observers = make(map[string]*Observer)
	h.mu.Unlock()

	for _, o := range observers {
		o.close()
	}
}
