package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/Ewnn/ServerRoomMonitor/internal/metrics"
	"github.com/Ewnn/ServerRoomMonitor/internal/models"
)

var (
	ErrSessionClosed      = errors.New("session closed")
	ErrSendQueueFull      = errors.New("session send queue full")
	ErrTooManySubscribers = errors.New("too many subscribers")
)

// Subscriber is one live connection the hub fans out to. Send must not
// block; an error means the connection is gone.
type Subscriber interface {
	ID() string
	Send(message []byte) error
	Close() error
}

/*
	Hub tracks live subscribers and fans out change events to them.

	The registry lock is only held for a map mutation or to take a
	snapshot. Publish works on the snapshot, so a subscriber registered
	while a publish is in flight does not receive that event. Publishes
	are serialized, which keeps per-subscriber delivery in call order and
	guarantees that a subscriber pruned by one publish is never offered
	the next one.
*/
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	max     int

	mu          sync.RWMutex
	subscribers map[string]Subscriber

	publishMu sync.Mutex
}

// New builds a hub. maxSubscribers <= 0 means unlimited.
func New(logger *slog.Logger, m *metrics.Metrics, maxSubscribers int) *Hub {
	return &Hub{
		logger:      logger.WithGroup("hub"),
		metrics:     m,
		max:         maxSubscribers,
		subscribers: make(map[string]Subscriber),
	}
}

func (h *Hub) Subscribe(sub Subscriber) error {
	h.mu.Lock()
	if h.max > 0 && len(h.subscribers) >= h.max {
		h.mu.Unlock()
		h.logger.Warn("Max subscribers reached, rejecting", "id", sub.ID(), "max", h.max)
		return ErrTooManySubscribers
	}
	h.subscribers[sub.ID()] = sub
	n := len(h.subscribers)
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	h.logger.Info("Subscriber registered", "id", sub.ID(), "count", n)
	return nil
}

// Unsubscribe removes and closes sub. Calling it again is a no-op.
func (h *Hub) Unsubscribe(sub Subscriber) {
	h.remove(sub, "unsubscribed")
}

func (h *Hub) remove(sub Subscriber, reason string) {
	h.mu.Lock()
	current, ok := h.subscribers[sub.ID()]
	if ok && current == sub {
		delete(h.subscribers, sub.ID())
	}
	n := len(h.subscribers)
	h.mu.Unlock()

	if !ok || current != sub {
		return
	}
	if err := sub.Close(); err != nil {
		h.logger.Debug("Subscriber close error", "id", sub.ID(), "error", err)
	}
	h.metrics.SetSubscribers(n)
	h.logger.Info("Subscriber unregistered", "id", sub.ID(), "reason", reason, "count", n)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish serializes ev once and offers it to every registered
// subscriber. Subscribers whose send fails are removed. It returns the
// number of successful deliveries.
func (h *Hub) Publish(ev models.ChangeEvent) int {
	message, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to marshal change event", "entity_id", ev.EntityID, "error", err)
		return 0
	}

	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	snapshot := h.snapshot()
	if len(snapshot) == 0 {
		h.logger.Debug("No subscribers for change event", "entity_id", ev.EntityID)
		return 0
	}

	delivered := 0
	var failed []Subscriber
	for _, sub := range snapshot {
		if err := sub.Send(message); err != nil {
			h.logger.Warn("Delivery failed, dropping subscriber", "id", sub.ID(), "entity_id", ev.EntityID, "error", err)
			failed = append(failed, sub)
			continue
		}
		delivered++
	}

	for _, sub := range failed {
		h.metrics.DeliveryFailed()
		h.remove(sub, "send failed")
	}
	h.metrics.Delivered(delivered)

	h.logger.Debug("Change event published", "entity_id", ev.EntityID, "delivered", delivered, "failed", len(failed))
	return delivered
}

func (h *Hub) snapshot() []Subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		out = append(out, sub)
	}
	return out
}

// Run drains events into Publish until ctx is done or events is closed.
func (h *Hub) Run(ctx context.Context, events <-chan models.ChangeEvent) {
	h.logger.Info("Dispatcher started")
	defer h.logger.Info("Dispatcher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Publish(ev)
		}
	}
}

// CloseAll removes every subscriber. Used on shutdown.
func (h *Hub) CloseAll() {
	for _, sub := range h.snapshot() {
		h.remove(sub, "shutdown")
	}
}
