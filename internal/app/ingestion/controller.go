// Package ingestion runs one bounded, cancellable feed-collection session per
// analysis job. The controller consumes start/cancel requests from the bus,
// owns the registry of active sessions, and guarantees last-writer-wins
// semantics when a job is restarted while a session is still running.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/internal/domain/events"
	"github.com/seanmx/sentiflow/pkg/common/logger"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// Limits bounds every session the controller runs.
type Limits struct {
	// DefaultMaxDuration is applied when a start request carries no duration.
	DefaultMaxDuration time.Duration

	// WarmupCount is the fallback initial-batch milestone for feeds that never
	// signal backlog completion: after this many records the session reports
	// InitialBatchCompleted anyway.
	WarmupCount int

	// FeedRetryMaxAttempts bounds transient resubscribe attempts per session.
	FeedRetryMaxAttempts int

	// FeedRetryInitialWait seeds the exponential backoff between attempts.
	FeedRetryInitialWait time.Duration

	// RecordsPerSecond and RecordBurst pace record emission onto the bus.
	RecordsPerSecond float64
	RecordBurst      int
}

// DefaultLimits returns the session bounds used when config leaves them unset.
func DefaultLimits() Limits {
	return Limits{
		DefaultMaxDuration:   2 * time.Minute,
		WarmupCount:          25,
		FeedRetryMaxAttempts: 5,
		FeedRetryInitialWait: 500 * time.Millisecond,
		RecordsPerSecond:     50,
		RecordBurst:          100,
	}
}

var _ events.EventHandler = (*Controller)(nil)

// Controller owns the per-job session registry. At most one session is active
// per job: starting a session for a job that already has one cancels the old
// session synchronously before registering the replacement. Each session
// carries a generation tag so a replaced session can never leak data events
// into its successor's lifecycle.
type Controller struct {
	id string

	feed      analysis.FeedClient
	publisher events.DomainEventPublisher
	limits    Limits

	mu         sync.Mutex
	sessions   map[uuid.UUID]*session
	generation uint64

	workers errgroup.Group

	logger *logger.Logger
	tracer trace.Tracer
}

// NewController creates a Controller identified by id. Unset limits fall
// back to their defaults individually, so partial configs keep what they set.
func NewController(
	id string,
	feed analysis.FeedClient,
	publisher events.DomainEventPublisher,
	limits Limits,
	log *logger.Logger,
	tracer trace.Tracer,
) *Controller {
	def := DefaultLimits()
	if limits.DefaultMaxDuration <= 0 {
		limits.DefaultMaxDuration = def.DefaultMaxDuration
	}
	if limits.WarmupCount <= 0 {
		limits.WarmupCount = def.WarmupCount
	}
	if limits.FeedRetryMaxAttempts <= 0 {
		limits.FeedRetryMaxAttempts = def.FeedRetryMaxAttempts
	}
	if limits.FeedRetryInitialWait <= 0 {
		limits.FeedRetryInitialWait = def.FeedRetryInitialWait
	}
	if limits.RecordsPerSecond <= 0 {
		limits.RecordsPerSecond = def.RecordsPerSecond
	}
	if limits.RecordBurst <= 0 {
		limits.RecordBurst = def.RecordBurst
	}
	return &Controller{
		id:        id,
		feed:      feed,
		publisher: publisher,
		limits:    limits,
		sessions:  make(map[uuid.UUID]*session),
		logger:    log.With("component", "ingestion_controller", "controller_id", id),
		tracer:    tracer,
	}
}

// SupportedEvents returns the bus events the controller consumes.
func (c *Controller) SupportedEvents() []events.EventType {
	return []events.EventType{
		analysis.EventTypeJobStartRequested,
		analysis.EventTypeJobCancelRequested,
	}
}

// HandleEvent routes start/cancel requests to the session registry. Both
// operations are idempotent under at-least-once delivery: a duplicate start
// replaces the session it already started, a duplicate cancel is a no-op.
func (c *Controller) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	switch payload := evt.Payload.(type) {
	case analysis.JobStartRequestedEvent:
		if err := c.StartSession(ctx, payload.JobID, payload.Prompt, payload.MaxDuration); err != nil {
			return err
		}
		ack(nil)
		return nil
	case analysis.JobCancelRequestedEvent:
		if err := c.CancelSession(ctx, payload.JobID); err != nil && !errors.Is(err, analysis.ErrSessionNotFound) {
			return err
		}
		ack(nil)
		return nil
	default:
		err := fmt.Errorf("ingestion controller: unexpected payload type %T for event %s", evt.Payload, evt.Type)
		ack(err)
		return err
	}
}

// StartSession begins a collection session for the job, replacing any session
// already running for it. The replacement is synchronous: the prior session
// has fully stopped (and emitted its completion event) before the new one is
// registered.
func (c *Controller) StartSession(ctx context.Context, jobID uuid.UUID, prompt string, maxDuration time.Duration) error {
	logger := c.logger.With("operation", "start_session", "job_id", jobID, "prompt", prompt)
	ctx, span := c.tracer.Start(ctx, "ingestion_controller.start_session",
		trace.WithAttributes(
			attribute.String("job_id", jobID.String()),
			attribute.String("prompt", prompt),
			attribute.Int64("max_duration_ms", maxDuration.Milliseconds()),
		))
	defer span.End()

	if maxDuration <= 0 {
		maxDuration = c.limits.DefaultMaxDuration
	}

	c.mu.Lock()
	for {
		prior, ok := c.sessions[jobID]
		if !ok {
			break
		}
		// Last-writer-wins: stop the running session before registering the
		// replacement. The lock is released so the prior session can
		// deregister itself on the way out.
		c.mu.Unlock()
		logger.Info(ctx, "replacing active session", "prior_generation", prior.generation)
		span.AddEvent("prior_session_cancelled")
		prior.stop()
		<-prior.done
		c.mu.Lock()
	}

	c.generation++
	sess := newSession(c, jobID, prompt, maxDuration, c.generation)
	// Session lifetime is bound to the service, not the triggering message.
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess.cancel = cancel
	c.sessions[jobID] = sess
	c.mu.Unlock()

	c.workers.Go(func() error {
		sess.run(sessCtx)
		return nil
	})

	logger.Info(ctx, "session started", "generation", sess.generation, "max_duration", maxDuration)
	span.AddEvent("session_started", trace.WithAttributes(attribute.Int64("generation", int64(sess.generation))))
	span.SetStatus(codes.Ok, "session started")
	return nil
}

// CancelSession cooperatively stops the job's active session. The session
// still emits its IngestionCompleted event on the way out. Returns
// analysis.ErrSessionNotFound when no session is active for the job.
func (c *Controller) CancelSession(ctx context.Context, jobID uuid.UUID) error {
	logger := c.logger.With("operation", "cancel_session", "job_id", jobID)
	ctx, span := c.tracer.Start(ctx, "ingestion_controller.cancel_session",
		trace.WithAttributes(attribute.String("job_id", jobID.String())))
	defer span.End()

	c.mu.Lock()
	sess, ok := c.sessions[jobID]
	c.mu.Unlock()
	if !ok {
		span.AddEvent("session_not_found")
		span.SetStatus(codes.Ok, "session not found")
		return analysis.ErrSessionNotFound
	}

	sess.stop()
	<-sess.done

	logger.Info(ctx, "session cancelled", "generation", sess.generation)
	span.AddEvent("session_cancelled")
	span.SetStatus(codes.Ok, "session cancelled")
	return nil
}

// ActiveSessions returns the number of sessions currently running.
func (c *Controller) ActiveSessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// Shutdown cancels every active session and waits for all session goroutines
// to drain.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	active := make([]*session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		active = append(active, sess)
	}
	c.mu.Unlock()

	for _, sess := range active {
		sess.stop()
	}
	return c.workers.Wait()
}

// isCurrent reports whether sess is still the registered session for its job.
// Data and milestone events from a replaced session fail this check and are
// dropped; completion events bypass it so every session accounts for itself.
func (c *Controller) isCurrent(sess *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[sess.jobID] == sess
}

// remove deregisters sess unless the job has already been handed to a
// replacement session.
func (c *Controller) remove(sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[sess.jobID] == sess {
		delete(c.sessions, sess.jobID)
	}
}
