package kafka

import (
	"context"
	"time"

	"github.com/seanmx/sentiflow/internal/domain/events"
)

var _ events.DomainEventPublisher = (*DomainEventPublisher)(nil)

// DomainEventPublisher adapts domain events onto the underlying event bus,
// wrapping each event in a transport envelope before publishing.
type DomainEventPublisher struct{ eventBus events.EventBus }

// NewDomainEventPublisher creates a publisher that routes domain events through
// the provided event bus.
func NewDomainEventPublisher(eventBus events.EventBus) *DomainEventPublisher {
	return &DomainEventPublisher{eventBus: eventBus}
}

// PublishDomainEvent publishes a domain event to the event bus. Options carry
// the partition key and correlation ID; the bus applies them to the envelope.
func (pub *DomainEventPublisher) PublishDomainEvent(
	ctx context.Context,
	event events.DomainEvent,
	opts ...events.PublishOption,
) error {
	envelope := events.EventEnvelope{
		Type:      event.EventType(),
		Timestamp: time.Now(),
		Payload:   event,
	}
	return pub.eventBus.Publish(ctx, envelope, opts...)
}
