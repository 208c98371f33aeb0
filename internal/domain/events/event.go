// Package events provides domain event handling capabilities for communicating state changes
// and important activities across system boundaries in a decoupled way.
package events

import "time"

// EventType represents a domain event category, enabling type-safe event routing
// and handling. It allows the system to distinguish between different kinds of
// lifecycle messages like job start requests, ingestion milestones, and
// completion notices.
type EventType string

// DomainEvent is the contract every lifecycle event in the analysis domain
// satisfies. Concrete event types carry their own payload fields.
type DomainEvent interface {
	// EventType identifies the category of this event for routing and handling.
	EventType() EventType

	// OccurredAt records when the event was created.
	OccurredAt() time.Time
}

// EventMetadata carries transport-level position information for a consumed
// event. It is populated by the bus implementation and used for logging and
// redelivery diagnostics.
type EventMetadata struct {
	// Partition is the transport partition the event was consumed from.
	Partition int32
	// Offset is the transport offset of the event within its partition.
	Offset int64
}

// EventEnvelope wraps a domain event payload with the routing and tracing
// metadata it travels with on the bus.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key enables consistent event routing, typically the job ID, so all
	// events for a job land on the same partition.
	Key string

	// CorrelationID is an opaque identifier threaded through a message chain
	// for tracing.
	CorrelationID string

	// Timestamp records when this envelope was created.
	Timestamp time.Time

	// Payload contains the actual event data. The concrete type depends on
	// the EventType.
	Payload any

	// Metadata carries transport position information for consumed events.
	Metadata EventMetadata
}
