package kafka

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var _ EventBusMetrics = (*busMetrics)(nil)

// busMetrics implements EventBusMetrics on OpenTelemetry counters, labelled
// by topic.
type busMetrics struct {
	messagesPublished metric.Int64Counter
	messagesConsumed  metric.Int64Counter
	publishErrors     metric.Int64Counter
	consumeErrors     metric.Int64Counter
}

// NewEventBusMetrics builds the bus counters from the provided meter provider.
func NewEventBusMetrics(mp metric.MeterProvider) (EventBusMetrics, error) {
	meter := mp.Meter("eventbus_kafka")

	m := new(busMetrics)
	var err error

	if m.messagesPublished, err = meter.Int64Counter("messages_published_total",
		metric.WithDescription("Total number of messages published to the bus")); err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}
	if m.messagesConsumed, err = meter.Int64Counter("messages_consumed_total",
		metric.WithDescription("Total number of messages consumed from the bus")); err != nil {
		return nil, fmt.Errorf("failed to create consumed counter: %w", err)
	}
	if m.publishErrors, err = meter.Int64Counter("publish_errors_total",
		metric.WithDescription("Total number of publish failures")); err != nil {
		return nil, fmt.Errorf("failed to create publish errors counter: %w", err)
	}
	if m.consumeErrors, err = meter.Int64Counter("consume_errors_total",
		metric.WithDescription("Total number of consume failures")); err != nil {
		return nil, fmt.Errorf("failed to create consume errors counter: %w", err)
	}

	return m, nil
}

func topicAttr(topic string) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *busMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.messagesPublished.Add(ctx, 1, topicAttr(topic))
}

func (m *busMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.messagesConsumed.Add(ctx, 1, topicAttr(topic))
}

func (m *busMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *busMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, topicAttr(topic))
}
