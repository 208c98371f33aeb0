// Package memory provides an in-memory implementation of the event bus.
// It offers a lightweight, non-persistent broker suitable for testing and
// single-process development environments where durability is not required.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/seanmx/sentiflow/internal/domain/events"
)

var _ events.EventBus = (*EventBus)(nil)

// EventBus is an in-memory implementation of events.EventBus. Handlers run
// synchronously in Publish's goroutine, which gives tests deterministic
// ordering without a running broker. Delivery semantics mirror the Kafka bus:
// each handler receives its own ack callback and may be invoked with
// duplicate events if a caller republishes.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[events.EventType][]events.HandlerFunc
	closed   bool
}

// NewEventBus creates an empty in-memory event bus.
func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[events.EventType][]events.HandlerFunc)}
}

// Publish delivers the envelope synchronously to every handler subscribed to
// its event type, stopping at the first handler error.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}
	if pParams.Key != "" {
		event.Key = pParams.Key
	}
	if pParams.CorrelationID != "" {
		event.CorrelationID = pParams.CorrelationID
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return errors.New("event bus is closed")
	}
	// Copy handlers to avoid holding the lock while executing them.
	handlersCopy := make([]events.HandlerFunc, len(b.handlers[event.Type]))
	copy(handlersCopy, b.handlers[event.Type])
	b.mu.RUnlock()

	for _, handler := range handlersCopy {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := handler(ctx, event, func(error) {}); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a handler for the given event types. Multiple handlers
// may subscribe to the same type; all of them receive published events.
func (b *EventBus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("event bus is closed")
	}
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], handler)
	}
	return nil
}

// Close drops all handlers and rejects further publishes and subscriptions.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = make(map[events.EventType][]events.HandlerFunc)
	return nil
}
