// Package hub fans events out to every authenticated connection through
// per-connection bounded queues, force-closing consumers that fall behind.
package hub

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Recorder receives fan-out statistics. *metrics.Metrics satisfies it.
type Recorder interface {
	Broadcast(eventType string, delivered int)
	DeliveryStall()
}

type nopRecorder struct{}

func (nopRecorder) Broadcast(string, int) {}
func (nopRecorder) DeliveryStall()        {}

// Option configures a Hub.
type Option func(*Hub)

// WithRecorder sets the statistics sink.
func WithRecorder(r Recorder) Option {
	return func(h *Hub) {
		if r != nil {
			h.recorder = r
		}
	}
}

// WithStallHandler registers a callback run after a stalled connection's queue
// is closed, typically to drop the underlying transport right away. The
// callback runs with the publish lock held and must not publish.
func WithStallHandler(fn func(connID string)) Option {
	return func(h *Hub) {
		h.onStall = fn
	}
}

// Hub is the broadcast engine. Publishes are serialized, so every connection
// receives events in publish order.
type Hub struct {
	registry *Registry
	log      logrus.FieldLogger
	recorder Recorder
	onStall  func(connID string)

	mu sync.Mutex
}

// New creates a hub delivering to the authenticated connections in registry.
func New(registry *Registry, log logrus.FieldLogger, opts ...Option) *Hub {
	h := &Hub{
		registry: registry,
		log:      log,
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Registry returns the connection registry the hub delivers to.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Publish serializes ev once and offers it to every authenticated connection
// registered at call time. It returns how many queues accepted the frame.
// A full queue never blocks the publisher: that connection is force-closed.
func (h *Hub) Publish(ev Event) (int, error) {
	payload, err := Encode(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	targets := h.registry.BroadcastTargets()
	delivered := 0
	for _, c := range targets {
		if h.offer(c, payload) {
			delivered++
		}
	}

	h.recorder.Broadcast(ev.Type, delivered)
	h.log.WithFields(logrus.Fields{
		"type":      ev.Type,
		"targets":   len(targets),
		"delivered": delivered,
	}).Debug("Broadcast event")
	return delivered, nil
}

// SendTo delivers ev to a single connection, authenticated or not.
func (h *Hub) SendTo(connID string, ev Event) error {
	c, ok := h.registry.Lookup(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connID)
	}

	payload, err := Encode(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.offer(c, payload) {
		return fmt.Errorf("failed to deliver %s event to %s", ev.Type, connID)
	}
	return nil
}

func (h *Hub) offer(c *Conn, payload []byte) bool {
	err := c.outbound.Offer(payload)
	switch {
	case err == nil:
		return true
	case errors.Is(err, ErrOutboundFull):
		h.stall(c)
	}
	return false
}

func (h *Hub) stall(c *Conn) {
	if c.outbound.Closed() {
		return
	}
	// The stall handler runs before the queue closes so the write pump never
	// mistakes a stall for a normal close.
	if h.onStall != nil {
		h.onStall(c.id)
	}
	if !c.outbound.Close() {
		return
	}
	h.recorder.DeliveryStall()
	h.log.WithField("conn_id", c.id).Warn("Outbound queue full; closing connection")
}
