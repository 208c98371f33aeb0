// Package kafka provides a Kafka-based implementation of the event bus for asynchronous messaging.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/internal/domain/events"
	"github.com/seanmx/sentiflow/internal/infra/eventbus/kafka/tracing"
	"github.com/seanmx/sentiflow/internal/infra/eventbus/serialization"
	"github.com/seanmx/sentiflow/pkg/common/logger"
)

// EventBusMetrics defines metrics operations needed to monitor Kafka message handling.
// It enables tracking of successful and failed message publishing/consumption.
type EventBusMetrics interface {
	IncMessagePublished(ctx context.Context, topic string)
	IncMessageConsumed(ctx context.Context, topic string)
	IncPublishError(ctx context.Context, topic string)
	IncConsumeError(ctx context.Context, topic string)
}

// Config contains settings for connecting to and interacting with Kafka brokers.
// It defines the topics, consumer group, and client identifiers needed for message routing.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string

	// JobStartTopic carries start requests from the API to the ingestion controller.
	JobStartTopic string
	// JobCancelTopic carries cancel requests from the API to the ingestion controller.
	JobCancelTopic string
	// RawDataTopic carries collected feed records from ingestion to the scorer.
	RawDataTopic string
	// InitialBatchTopic carries the first-pass milestone from ingestion to the orchestrator.
	InitialBatchTopic string
	// IngestionCompleteTopic carries session completion notices from ingestion to the scorer.
	IngestionCompleteTopic string
	// DataUpdateTopic carries scored data points from the scorer to the broadcaster.
	DataUpdateTopic string
	// JobCompleteTopic carries job completion notices from the scorer to the orchestrator.
	JobCompleteTopic string
	// JobFailedTopic carries failure notices from any producer to the orchestrator.
	JobFailedTopic string

	// GroupID identifies the consumer group for this broker instance.
	GroupID string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string

	// ServiceType identifies the type of service (e.g., "ingestion", "orchestrator")
	ServiceType string
}

var _ events.EventBus = (*EventBus)(nil)

// EventBus implements the EventBus interface using Kafka as the underlying message broker.
// It handles publishing and subscribing to lifecycle events across distributed services.
// Delivery is at-least-once: messages are only marked consumed after the handler acks,
// so handlers must tolerate duplicates.
type EventBus struct {
	producer      sarama.SyncProducer
	consumerGroup sarama.ConsumerGroup

	// Maps lifecycle event types to their Kafka topics
	topicMap map[events.EventType]string

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

// NewEventBusFromConfig creates a new Kafka-based event bus from the provided configuration.
// It establishes connections to Kafka brokers and configures both producer and consumer components
// for reliable message delivery and consumption.
func NewEventBusFromConfig(
	cfg *Config,
	logger *logger.Logger,
	metrics EventBusMetrics,
	tracer trace.Tracer,
) (*EventBus, error) {
	if metrics == nil {
		return nil, fmt.Errorf("metrics are required for kafka event bus")
	}

	logger = logger.With(
		"component", "kafka_event_bus",
		"client_id", cfg.ClientID,
		"group_id", cfg.GroupID,
		"service_type", cfg.ServiceType,
	)

	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	// Hash partitioning by job ID keeps a single job's events on one partition
	// so per-job ordering survives the broker.
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner
	producerConfig.ClientID = cfg.ClientID

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	// Configure consumer group for reliable message processing with
	// manual offset commits and rebalancing.
	consumerConfig := sarama.NewConfig()
	consumerConfig.ClientID = cfg.ClientID
	consumerConfig.Consumer.Group.Rebalance.Strategy = sarama.NewBalanceStrategyRoundRobin()
	consumerConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	consumerConfig.Consumer.Group.Session.Timeout = 20 * time.Second
	consumerConfig.Consumer.Group.Heartbeat.Interval = 6 * time.Second
	consumerConfig.Consumer.Offsets.AutoCommit.Enable = false
	consumerConfig.Version = sarama.V2_8_0_0

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, consumerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	// Map lifecycle events to their corresponding Kafka topics.
	topicMap := map[events.EventType]string{
		analysis.EventTypeJobStartRequested:     cfg.JobStartTopic,          // api -> ingestion
		analysis.EventTypeJobCancelRequested:    cfg.JobCancelTopic,         // api -> ingestion
		analysis.EventTypeRawRecordCollected:    cfg.RawDataTopic,           // ingestion -> scorer
		analysis.EventTypeInitialBatchCompleted: cfg.InitialBatchTopic,      // ingestion -> orchestrator
		analysis.EventTypeIngestionCompleted:    cfg.IngestionCompleteTopic, // ingestion -> scorer
		analysis.EventTypeDataPointAdded:        cfg.DataUpdateTopic,        // scorer -> broadcaster
		analysis.EventTypeJobCompleted:          cfg.JobCompleteTopic,       // scorer -> orchestrator
		analysis.EventTypeJobFailed:             cfg.JobFailedTopic,         // any -> orchestrator
	}

	bus := &EventBus{
		producer:      producer,
		consumerGroup: consumerGroup,
		topicMap:      topicMap,
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
	}

	return bus, nil
}

// Publish sends a lifecycle event to the Kafka topic mapped to its type.
// It handles serialization, routing based on event type, and includes
// observability instrumentation for tracing and metrics.
func (b *EventBus) Publish(ctx context.Context, event events.EventEnvelope, opts ...events.PublishOption) error {
	topic, ok := b.topicMap[event.Type]
	if !ok {
		return fmt.Errorf("unknown event type '%s', no topic mapped", event.Type)
	}

	ctx, span := tracing.StartProducerSpan(ctx, topic, b.tracer)
	defer span.End()

	var pParams events.PublishParams
	for _, opt := range opts {
		opt(&pParams)
	}

	if pParams.Key != "" {
		event.Key = pParams.Key
		span.SetAttributes(attribute.String("event.key", event.Key))
	}
	if pParams.CorrelationID != "" {
		event.CorrelationID = pParams.CorrelationID
		span.SetAttributes(attribute.String("event.correlation_id", event.CorrelationID))
	}

	msgBytes, err := serialization.SerializeEventEnvelope(event.Type, event.CorrelationID, event.Payload)
	if err != nil {
		span.RecordError(err)
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to serialize payload for event %s: %w", event.Type, err)
	}

	return b.publishToTopic(ctx, topic, event.Key, msgBytes)
}

// publishToTopic handles the actual publishing of a message to a single Kafka topic
func (b *EventBus) publishToTopic(ctx context.Context, topic, key string, msgBytes []byte) error {
	kafkaMsg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(msgBytes),
	}

	tracing.InjectTraceContext(ctx, kafkaMsg)

	partition, offset, err := b.producer.SendMessage(kafkaMsg)
	if err != nil {
		b.metrics.IncPublishError(ctx, topic)
		return fmt.Errorf("failed to send message to kafka topic %s: %w", topic, err)
	}

	b.metrics.IncMessagePublished(ctx, topic)

	b.logger.Debug(ctx, "Published message to Kafka",
		"topic", topic,
		"partition", partition,
		"offset", offset,
		"key", key,
	)

	return nil
}

// Subscribe registers a handler function to process lifecycle events of the specified types.
// It manages consumer group membership and message processing in a separate goroutine.
func (b *EventBus) Subscribe(
	ctx context.Context,
	eventTypes []events.EventType,
	handler events.HandlerFunc,
) error {
	ctx, span := b.tracer.Start(ctx, "kafka_event_bus.subscribe",
		trace.WithAttributes(
			attribute.String("component", "kafka_event_bus"),
		))
	defer span.End()

	// Collect unique topics for the requested event types.
	var topics []string
	topicSet := make(map[string]struct{})
	for _, et := range eventTypes {
		topic, ok := b.topicMap[et]
		if !ok {
			span.RecordError(fmt.Errorf("subscribe: unknown event type %s", et))
			span.SetStatus(codes.Error, "unknown event type")
			return fmt.Errorf("subscribe: unknown event type %s", et)
		}
		if _, seen := topicSet[topic]; !seen {
			topicSet[topic] = struct{}{}
			topics = append(topics, topic)
		}
	}

	span.AddEvent("topics_collected", trace.WithAttributes(attribute.StringSlice("topics", topics)))

	go b.consumeLoop(ctx, topics, handler)
	b.logger.Info(ctx, "Subscribed to events", "event_types", eventTypes)

	return nil
}

// consumeLoop maintains a continuous consumer group session for processing messages.
func (b *EventBus) consumeLoop(
	ctx context.Context,
	topics []string,
	handler events.HandlerFunc,
) {
	cgHandler := &lifecycleEventHandler{
		userHandler: handler,
		logger:      b.logger,
		tracer:      b.tracer,
		metrics:     b.metrics,
	}

	for {
		if err := b.consumerGroup.Consume(ctx, topics, cgHandler); err != nil {
			b.logger.Error(ctx, "Error from consumer group", "error", err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// lifecycleEventHandler implements sarama.ConsumerGroupHandler to process Kafka messages
// and convert them into lifecycle events for the application.
type lifecycleEventHandler struct {
	userHandler events.HandlerFunc

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics EventBusMetrics
}

func (h *lifecycleEventHandler) Setup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session setup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

func (h *lifecycleEventHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	h.logger.Info(context.Background(),
		"Consumer group session cleanup",
		"generation_id", sess.GenerationID(),
		"member_id", sess.MemberID(),
	)
	return nil
}

// ConsumeClaim processes messages from an assigned partition, deserializing them into
// lifecycle events and invoking the user-provided handler. Offsets are only marked
// after the handler acks without error; a failed ack leaves the message for redelivery.
func (h *lifecycleEventHandler) ConsumeClaim(
	sess sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	consumeLogger := h.logger.With("operation", "consume_claim", "partition", claim.Partition())
	consumeLogger.Info(sess.Context(), "Starting to consume from partition", "member_id", sess.MemberID())

	lastCommit := time.Now()
	commitInterval := 1 * time.Second

	for msg := range claim.Messages() {
		func() {
			msgCtx := tracing.ExtractTraceContext(sess.Context(), msg)
			msgCtx, span := tracing.StartConsumerSpan(msgCtx, msg, h.tracer)
			defer span.End()

			evtType, correlationID, payloadBytes, err := serialization.UnmarshalUniversalEnvelope(msg.Value)
			if err != nil {
				// Malformed envelopes can never succeed on redelivery; drop them.
				sess.MarkMessage(msg, "")
				span.RecordError(err)
				return
			}

			payloadObj, err := serialization.DeserializePayload(evtType, payloadBytes)
			if err != nil {
				sess.MarkMessage(msg, "")
				span.RecordError(err)
				return
			}

			dEvent := events.EventEnvelope{
				Type:          evtType,
				Key:           string(msg.Key),
				CorrelationID: correlationID,
				Timestamp:     time.Now(),
				Payload:       payloadObj,
				Metadata: events.EventMetadata{
					Partition: claim.Partition(),
					Offset:    msg.Offset,
				},
			}

			consumeLogger.Debug(msgCtx, "Received Kafka message",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"event_type", evtType,
				"key", dEvent.Key,
			)

			ack := func(err error) {
				ackCtx, ackSpan := h.tracer.Start(msgCtx, "kafka_consumer.acknowledge",
					trace.WithLinks(trace.LinkFromContext(msgCtx)),
				)
				defer ackSpan.End()

				if err != nil {
					consumeLogger.Error(ackCtx, "Failed to acknowledge message", "error", err)
					h.metrics.IncConsumeError(ackCtx, msg.Topic)
					ackSpan.RecordError(err)
					ackSpan.SetStatus(codes.Error, "failed to acknowledge message")
					return
				}
				h.metrics.IncMessageConsumed(ackCtx, msg.Topic)

				sess.MarkMessage(msg, "")

				// Commit offsets periodically rather than per message.
				if time.Since(lastCommit) > commitInterval {
					sess.Commit()
					lastCommit = time.Now()
				}
			}

			if err := h.userHandler(msgCtx, dEvent, ack); err != nil {
				consumeLogger.Error(msgCtx, "Failed to handle message", "error", err)
				span.RecordError(err)
				return
			}
		}()
	}

	// Final commit before exiting
	sess.Commit()

	return nil
}

// Close gracefully shuts down the event bus by closing both producer and consumer connections.
func (b *EventBus) Close() error {
	logger := b.logger.With("operation", "close")
	ctx, span := b.tracer.Start(context.Background(), "kafka_event_bus.close")
	defer span.End()

	if err := b.producer.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close producer")
		logger.Error(ctx, "Failed to close producer", "error", err)
		return err
	}
	if err := b.consumerGroup.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to close consumer group")
		logger.Error(ctx, "Failed to close consumer group", "error", err)
		return err
	}

	span.AddEvent("closed_event_bus")
	span.SetStatus(codes.Ok, "closed event bus")
	logger.Info(ctx, "Closed event bus")

	return nil
}
