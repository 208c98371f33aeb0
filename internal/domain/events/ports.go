package events

import "context"

// DomainEventPublisher publishes domain events to notify other parts of the system about
// important domain changes. It provides a technology-agnostic interface to decouple event
// producers from the underlying messaging infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers. The provided context
	// controls cancellation and deadlines. Optional PublishOptions configure routing behavior.
	// Returns an error if publishing fails.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus enables publishing and subscribing to domain events across system boundaries.
// It abstracts messaging infrastructure details (like Kafka) to keep domain logic focused
// on business concerns rather than transport mechanisms. Delivery is at-least-once; there
// is no ordering guarantee across topics.
type EventBus interface {
	// Publish broadcasts an event envelope to all interested subscribers. The provided
	// context controls the operation lifecycle. Optional PublishOptions configure
	// delivery behavior. Returns an error if publishing fails.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler function to process events of the specified types.
	// The handler executes for each matching event received on this bus and must be
	// safe to call with duplicate deliveries.
	// Returns an error if subscription setup fails.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close gracefully shuts down the event bus and releases associated resources.
	Close() error
}

// AckFunc acknowledges processing of a consumed event. Passing a non-nil error
// tells the bus the event was not handled, which for durable transports leaves
// the message eligible for redelivery.
type AckFunc func(err error)

// HandlerFunc processes a single consumed event envelope. Implementations must
// be idempotent: the bus delivers at-least-once and may invoke the handler with
// the same event more than once.
type HandlerFunc func(ctx context.Context, evt EventEnvelope, ack AckFunc) error

// EventHandler defines the contract for components that process domain events.
// Each handler declares which event types it can process; the event dispatcher
// routes events to handlers based on the event type.
type EventHandler interface {
	// HandleEvent processes a domain event and returns an error if processing fails.
	HandleEvent(ctx context.Context, evt EventEnvelope, ack AckFunc) error

	// SupportedEvents returns the event types this handler can process.
	SupportedEvents() []EventType
}
