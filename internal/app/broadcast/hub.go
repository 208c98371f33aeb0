// Package broadcast fans job lifecycle events out to live subscribers. The
// Hub keeps a per-job subscriber set, pushes events in strict publish order
// through bounded per-subscriber channels, and tears a job's subscriptions
// down shortly after the job reaches a terminal status.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/internal/domain/events"
	"github.com/seanmx/sentiflow/pkg/common/logger"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// Config bounds the hub's runtime behavior.
type Config struct {
	// HeartbeatInterval is the idle keep-alive cadence. Kept between 15 and
	// 30 seconds in production so intermediary proxies don't reap idle
	// connections.
	HeartbeatInterval time.Duration

	// TerminalGrace is how long subscriptions stay open after a terminal
	// status event, giving the final event time to flush.
	TerminalGrace time.Duration

	// SubscriberBuffer is the per-subscriber channel capacity. A subscriber
	// that falls this far behind is forcibly disconnected.
	SubscriberBuffer int

	// StaleThreshold is how long a subscription may go without a successful
	// delivery before the sweep tears it down. Must exceed HeartbeatInterval,
	// since heartbeats are what keep idle-but-healthy subscribers fresh.
	StaleThreshold time.Duration
}

// DefaultConfig returns the hub bounds used when config leaves them unset.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		TerminalGrace:     time.Second,
		SubscriberBuffer:  64,
		StaleThreshold:    45 * time.Second,
	}
}

// Subscription is one subscriber's ordered view of a single job's events.
type Subscription struct {
	id    uuid.UUID
	jobID uuid.UUID
	ch    chan Event

	// lastDeliveryAt is the time of the most recent successful send,
	// including heartbeats. Guarded by the hub mutex.
	lastDeliveryAt time.Time

	closed bool // guarded by the hub mutex
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() uuid.UUID { return s.id }

// JobID returns the job this subscription follows.
func (s *Subscription) JobID() uuid.UUID { return s.jobID }

// Events returns the subscriber's ordered event channel. The channel is
// closed when the subscriber is unsubscribed, disconnected for falling
// behind, or the job's subscriptions are torn down after a terminal status.
func (s *Subscription) Events() <-chan Event { return s.ch }

var (
	_ events.EventHandler = (*Hub)(nil)
)

// Hub multiplexes job events to zero or more subscribers per job. Publish
// order is preserved per subscription; a subscriber that cannot keep up is
// disconnected rather than allowed to stall or reorder everyone else.
type Hub struct {
	cfg Config

	mu   sync.Mutex
	subs map[uuid.UUID]map[uuid.UUID]*Subscription

	logger *logger.Logger
	tracer trace.Tracer
}

// NewHub creates a Hub with the provided bounds. Unset fields fall back to
// their defaults individually, so partial configs keep what they set.
func NewHub(cfg Config, log *logger.Logger, tracer trace.Tracer) *Hub {
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.TerminalGrace <= 0 {
		cfg.TerminalGrace = def.TerminalGrace
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	return &Hub{
		cfg:    cfg,
		subs:   make(map[uuid.UUID]map[uuid.UUID]*Subscription),
		logger: log.With("component", "broadcast_hub"),
		tracer: tracer,
	}
}

// Subscribe registers a new subscriber for the job's events.
func (h *Hub) Subscribe(jobID uuid.UUID) (*Subscription, error) {
	sub := &Subscription{
		id:             uuid.New(),
		jobID:          jobID,
		ch:             make(chan Event, h.cfg.SubscriberBuffer),
		lastDeliveryAt: time.Now(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[uuid.UUID]*Subscription)
	}
	h.subs[jobID][sub.id] = sub

	h.logger.Debug(context.Background(), "subscriber added",
		"job_id", jobID, "subscription_id", sub.id, "subscribers", len(h.subs[jobID]))
	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel. Idempotent:
// unsubscribing twice, or after a teardown already removed it, is a no-op.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(sub)
}

// dropLocked removes sub from the registry and closes its channel exactly
// once. Callers must hold h.mu.
func (h *Hub) dropLocked(sub *Subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	if jobSubs, ok := h.subs[sub.jobID]; ok {
		delete(jobSubs, sub.id)
		if len(jobSubs) == 0 {
			delete(h.subs, sub.jobID)
		}
	}
}

// Publish pushes evt to every subscriber of jobID in registration order.
// Each subscriber's channel preserves strict publish order; a full channel
// means the subscriber is too far behind and is forcibly disconnected.
func (h *Hub) Publish(ctx context.Context, jobID uuid.UUID, evt Event) {
	ctx, span := h.tracer.Start(ctx, "broadcast_hub.publish",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.String("event_name", evt.Name),
		))
	defer span.End()

	h.mu.Lock()
	defer h.mu.Unlock()

	jobSubs := h.subs[jobID]
	span.SetAttributes(attribute.Int("subscribers", len(jobSubs)))

	for _, sub := range jobSubs {
		select {
		case sub.ch <- evt:
			sub.lastDeliveryAt = time.Now()
		default:
			// Slow consumer: dropping events would break per-subscription
			// ordering, so disconnect instead.
			h.logger.Warn(ctx, "disconnecting slow subscriber",
				"job_id", jobID, "subscription_id", sub.id)
			span.AddEvent("slow_subscriber_disconnected",
				trace.WithAttributes(attribute.String("subscription_id", sub.id.String())))
			h.dropLocked(sub)
		}
	}
}

// SubscriberCount returns the number of active subscribers for the job.
func (h *Hub) SubscriberCount(jobID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// NotifyStatusChanged implements the orchestrator's status notifier. Every
// accepted transition becomes a job.status event; terminal transitions also
// emit their dedicated final event and schedule the job's teardown.
func (h *Hub) NotifyStatusChanged(ctx context.Context, evt analysis.JobStatusChangedEvent) {
	statusPayload := map[string]any{
		"jobId":  evt.JobID.String(),
		"status": string(evt.Status),
	}
	h.Publish(ctx, evt.JobID, Event{Name: EventNameStatus, Payload: statusPayload})

	switch evt.Status {
	case analysis.JobStatusCompleted:
		h.Publish(ctx, evt.JobID, Event{Name: EventNameCompleted, Payload: map[string]any{
			"jobId":            evt.JobID.String(),
			"status":           string(evt.Status),
			"averageSentiment": evt.AverageSentiment,
			"dataPointsCount":  evt.DataPointsCount,
		}})
	case analysis.JobStatusFailed:
		h.Publish(ctx, evt.JobID, Event{Name: EventNameFailed, Payload: map[string]any{
			"jobId":        evt.JobID.String(),
			"status":       string(evt.Status),
			"errorMessage": evt.ErrorMessage,
		}})
	default:
		return
	}

	h.scheduleTeardown(evt.JobID)
}

// scheduleTeardown closes the job's subscriptions after the grace window.
// The delay lets the terminal event flush to transports before channels close.
func (h *Hub) scheduleTeardown(jobID uuid.UUID) {
	time.AfterFunc(h.cfg.TerminalGrace, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, sub := range h.subs[jobID] {
			h.dropLocked(sub)
		}
		h.logger.Debug(context.Background(), "job subscriptions torn down", "job_id", jobID)
	})
}

// SupportedEvents returns the bus events the hub consumes directly.
func (h *Hub) SupportedEvents() []events.EventType {
	return []events.EventType{analysis.EventTypeDataPointAdded}
}

// HandleEvent forwards scored data points from the bus to the job's
// subscribers. Duplicates under at-least-once delivery are pushed as-is:
// clients key on data point IDs and tolerate replays.
func (h *Hub) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	payload, ok := evt.Payload.(analysis.DataPointAddedEvent)
	if !ok {
		err := fmt.Errorf("broadcast hub: unexpected payload type %T for event %s", evt.Payload, evt.Type)
		ack(err)
		return err
	}

	h.Publish(ctx, payload.JobID, Event{Name: EventNameDataUpdate, Payload: map[string]any{
		"jobId":          payload.JobID.String(),
		"dataPoint":      payload.DataPoint,
		"totalProcessed": payload.TotalProcessed,
	}})
	ack(nil)
	return nil
}

// Run emits heartbeats to every subscriber on the configured interval and
// sweeps out stale subscriptions until ctx is cancelled. Heartbeats keep idle
// connections alive through proxies and give clients a liveness signal to
// reset their reconnect bookkeeping; a subscription that hasn't accepted a
// delivery within StaleThreshold is torn down by the sweep.
func (h *Hub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(h.cfg.StaleThreshold / 2)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-heartbeat.C:
			h.broadcastHeartbeat(ctx, now)
		case now := <-sweep.C:
			h.sweepStale(ctx, now)
		}
	}
}

func (h *Hub) broadcastHeartbeat(ctx context.Context, now time.Time) {
	payload := map[string]any{"timestamp": now.UTC().Format(time.RFC3339)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, jobSubs := range h.subs {
		for _, sub := range jobSubs {
			select {
			case sub.ch <- Event{Name: EventNameHeartbeat, Payload: payload}:
				sub.lastDeliveryAt = now
			default:
				h.logger.Warn(ctx, "disconnecting slow subscriber on heartbeat",
					"job_id", sub.jobID, "subscription_id", sub.id)
				h.dropLocked(sub)
			}
		}
	}
}

// sweepStale disconnects every subscription whose last successful delivery is
// older than StaleThreshold.
func (h *Hub) sweepStale(ctx context.Context, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var stale []*Subscription
	for _, jobSubs := range h.subs {
		for _, sub := range jobSubs {
			if now.Sub(sub.lastDeliveryAt) > h.cfg.StaleThreshold {
				stale = append(stale, sub)
			}
		}
	}
	for _, sub := range stale {
		h.logger.Warn(ctx, "disconnecting stale subscriber",
			"job_id", sub.jobID, "subscription_id", sub.id,
			"last_delivery_at", sub.lastDeliveryAt)
		h.dropLocked(sub)
	}
}
