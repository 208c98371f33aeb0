// Package eventdispatcher routes consumed event envelopes to the handler
// registered for their event type.
package eventdispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanmx/sentiflow/internal/domain/events"
	"github.com/seanmx/sentiflow/pkg/common/logger"
)

// Dispatcher manages event handlers and dispatches events to their registered handler.
// Each event type has exactly one handler responsible for processing events of that type.
//
// Typical usage:
//
//	dispatcher := eventdispatcher.New("orchestrator-1", tracer, log)
//	if err := dispatcher.RegisterHandler(ctx, orchestratorHandler); err != nil { ... }
//	err := dispatcher.Dispatch(ctx, envelope, ack)
type Dispatcher struct {
	id string

	mu       sync.RWMutex
	handlers map[events.EventType]events.EventHandler

	tracer trace.Tracer
	logger *logger.Logger
}

// New constructs a Dispatcher identified by id (used only for logging and
// tracing). The dispatcher starts with an empty registry; handlers must be
// registered before dispatching any events.
func New(id string, tracer trace.Tracer, logger *logger.Logger) *Dispatcher {
	logger = logger.With("component", "event_dispatcher", "dispatcher_id", id)
	return &Dispatcher{
		id:       id,
		handlers: make(map[events.EventType]events.EventHandler),
		tracer:   tracer,
		logger:   logger,
	}
}

// HandlerAlreadyRegisteredError indicates a second handler tried to claim an
// event type that already has one.
type HandlerAlreadyRegisteredError struct {
	EventType events.EventType
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for event type: %s", e.EventType)
}

// RegisterHandler registers the handler for every event type it supports.
// Registration is all-or-nothing: if any supported type already has a handler,
// nothing is registered and a HandlerAlreadyRegisteredError is returned.
//
// This method is safe to call concurrently.
func (d *Dispatcher) RegisterHandler(ctx context.Context, handler events.EventHandler) error {
	eventTypes := handler.SupportedEvents()
	logger := d.logger.With("operation", "register_handler", "event_types", eventTypes)
	_, span := d.tracer.Start(ctx, "event_dispatcher.register_handler",
		trace.WithAttributes(
			attribute.String("handler_type", fmt.Sprintf("%T", handler)),
		),
	)
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, et := range eventTypes {
		if _, exists := d.handlers[et]; exists {
			err := &HandlerAlreadyRegisteredError{EventType: et}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	for _, et := range eventTypes {
		d.handlers[et] = handler
	}

	logger.Debug(ctx, "handler registered")
	span.AddEvent("handler_registered")
	span.SetStatus(codes.Ok, "handler registered")
	return nil
}

// HandlerNotFoundError is an error type that indicates a handler was not found for an event type.
type HandlerNotFoundError struct {
	EventType events.EventType
	Partition int32
	Offset    int64
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no handler registered for event type: %s (partition: %d, offset: %d)",
		e.EventType, e.Partition, e.Offset)
}

// Dispatch routes the provided event envelope to its registered handler.
// It creates a new trace span and executes the handler. If the handler returns
// an error, dispatch stops and returns that error; the ack func is passed
// through so the handler decides when the event counts as processed.
//
// If no handler is found for the event type, a HandlerNotFoundError is returned.
func (d *Dispatcher) Dispatch(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	logger := logger.NewLoggerContext(d.logger.With("operation", "dispatch",
		"event_type", evt.Type,
		"partition", evt.Metadata.Partition,
		"offset", evt.Metadata.Offset,
	))
	ctx, span := d.tracer.Start(ctx, "event_dispatcher.handle_event",
		trace.WithAttributes(
			attribute.String("event_type", string(evt.Type)),
			attribute.Int("partition", int(evt.Metadata.Partition)),
			attribute.Int64("offset", evt.Metadata.Offset),
		))
	defer span.End()

	d.mu.RLock()
	handler, exists := d.handlers[evt.Type]
	d.mu.RUnlock()
	if !exists {
		err := &HandlerNotFoundError{
			EventType: evt.Type,
			Partition: evt.Metadata.Partition,
			Offset:    evt.Metadata.Offset,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	logger.Add("handler_type", fmt.Sprintf("%T", handler))

	if err := handler.HandleEvent(ctx, evt, ack); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to dispatch event for handler %T with event type %s: %w",
			handler, evt.Type, err,
		)
	}

	span.SetStatus(codes.Ok, "event dispatched successfully")
	logger.Debug(ctx, "event dispatched successfully")
	return nil
}
