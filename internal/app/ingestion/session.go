package ingestion

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/internal/domain/events"
	"github.com/seanmx/sentiflow/pkg/common"
	"github.com/seanmx/sentiflow/pkg/common/logger"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// session is one bounded run of the feed collector for a single job. It owns
// no shared state beyond its registry slot; all mutation happens on the run
// goroutine, so milestone and completion bookkeeping need no locks.
type session struct {
	controller *Controller

	jobID      uuid.UUID
	prompt     string
	generation uint64

	startedAt   time.Time
	deadlineAt  time.Time
	maxDuration time.Duration

	cancel context.CancelFunc
	done   chan struct{}

	limiter *common.RateLimiter

	itemsEmitted     int
	initialBatchSent bool
	completionSent   bool

	logger *logger.Logger
	tracer trace.Tracer
}

func newSession(c *Controller, jobID uuid.UUID, prompt string, maxDuration time.Duration, generation uint64) *session {
	now := time.Now()
	return &session{
		controller:  c,
		jobID:       jobID,
		prompt:      prompt,
		generation:  generation,
		startedAt:   now,
		deadlineAt:  now.Add(maxDuration),
		maxDuration: maxDuration,
		done:        make(chan struct{}),
		limiter:     common.NewRateLimiter(c.limits.RecordsPerSecond, c.limits.RecordBurst),
		logger: c.logger.With("component", "ingestion_session",
			"job_id", jobID, "generation", generation),
		tracer: c.tracer,
	}
}

// stop requests cooperative cancellation. The session checks the signal at
// every feed-event boundary; in-flight work completes before exit.
func (s *session) stop() { s.cancel() }

// run drives the session to one of its three ends: natural exhaustion,
// deadline, or cancellation. All of them emit exactly one IngestionCompleted;
// only a permanent feed failure substitutes JobFailed for it.
func (s *session) run(ctx context.Context) {
	defer close(s.done)
	defer s.controller.remove(s)

	ctx, cancelDeadline := context.WithDeadline(ctx, s.deadlineAt)
	defer cancelDeadline()

	ctx, span := s.tracer.Start(ctx, "ingestion_session.run",
		trace.WithAttributes(
			attribute.String("job_id", s.jobID.String()),
			attribute.String("prompt", s.prompt),
			attribute.Int64("generation", int64(s.generation)),
			attribute.Int64("max_duration_ms", s.maxDuration.Milliseconds()),
		))
	defer span.End()

	s.logger.Info(ctx, "session running", "deadline_at", s.deadlineAt)

	stream, err := s.openStream(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled or deadlined while connecting; still account for the session.
			s.emitCompletion(ctx, span)
			return
		}
		s.fail(ctx, span, err)
		return
	}
	defer stream.Close()

	backlogDone := stream.BacklogDone()
	for {
		select {
		case <-ctx.Done():
			s.emitCompletion(ctx, span)
			return

		case <-backlogDone:
			// The backlog pass finished; a quiet feed reaches here without a
			// single record. Drain whatever the pass already queued so the
			// milestone count covers it, then report the milestone.
			backlogDone = nil
			s.drainQueued(ctx, stream)
			s.emitInitialBatch(ctx, span)

		case rec, ok := <-stream.Records():
			if !ok {
				ferr := stream.Err()
				if ferr == nil {
					// Natural exhaustion: the backlog pass is the whole feed.
					s.emitInitialBatch(ctx, span)
					s.emitCompletion(ctx, span)
					return
				}
				if IsTransientFeedError(ferr) {
					newStream, rerr := s.openStream(ctx)
					if rerr == nil {
						span.AddEvent("stream_reopened")
						stream = newStream
						backlogDone = newStream.BacklogDone()
						continue
					}
					ferr = rerr
				}
				if ctx.Err() != nil {
					s.emitCompletion(ctx, span)
					return
				}
				s.fail(ctx, span, ferr)
				return
			}

			if err := s.limiter.Wait(ctx); err != nil {
				s.emitCompletion(ctx, span)
				return
			}
			s.emitRecord(ctx, rec)
			if s.itemsEmitted >= s.controller.limits.WarmupCount {
				s.emitInitialBatch(ctx, span)
			}
		}
	}
}

// drainQueued consumes records already buffered on the stream without
// blocking. Run when the backlog-done signal fires, so the initial-batch
// milestone counts every record the backlog pass produced.
func (s *session) drainQueued(ctx context.Context, stream analysis.FeedStream) {
	for {
		select {
		case rec, ok := <-stream.Records():
			if !ok {
				return
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.emitRecord(ctx, rec)
		default:
			return
		}
	}
}

// openStream subscribes to the feed with bounded exponential backoff.
// Permanent feed errors abort the retry loop immediately.
func (s *session) openStream(ctx context.Context) (analysis.FeedStream, error) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = s.controller.limits.FeedRetryInitialWait
	expBackoff.MaxElapsedTime = 0

	policy := backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, uint64(s.controller.limits.FeedRetryMaxAttempts)),
		ctx,
	)

	var stream analysis.FeedStream
	operation := func() error {
		st, err := s.controller.feed.SubscribeByKeyword(ctx, s.prompt)
		if err != nil {
			if !IsTransientFeedError(err) {
				return backoff.Permanent(err)
			}
			s.logger.Warn(ctx, "feed subscribe failed, will retry", "error", err)
			return err
		}
		stream = st
		return nil
	}
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return stream, nil
}

// emitRecord publishes one collected record onto the bus. Records from a
// replaced session are dropped by the generation check.
func (s *session) emitRecord(ctx context.Context, rec analysis.RawRecord) {
	if !s.controller.isCurrent(s) {
		return
	}
	evt := analysis.NewRawRecordCollectedEvent(s.jobID, rec)
	if err := s.controller.publisher.PublishDomainEvent(ctx, evt, events.WithKey(s.jobID.String())); err != nil {
		s.logger.Error(ctx, "failed to publish raw record", "error", err)
		return
	}
	s.itemsEmitted++
}

// emitInitialBatch publishes the InitialBatchCompleted milestone exactly once
// per session, once the first backlog pass (or the warm-up count) is done.
func (s *session) emitInitialBatch(ctx context.Context, span trace.Span) {
	if s.initialBatchSent || !s.controller.isCurrent(s) {
		return
	}
	s.initialBatchSent = true

	evt := analysis.NewInitialBatchCompletedEvent(s.jobID, s.itemsEmitted)
	if err := s.controller.publisher.PublishDomainEvent(ctx, evt, events.WithKey(s.jobID.String())); err != nil {
		s.logger.Error(ctx, "failed to publish initial batch milestone", "error", err)
		return
	}
	s.logger.Info(ctx, "initial batch completed", "initial_batch_count", s.itemsEmitted)
	span.AddEvent("initial_batch_completed",
		trace.WithAttributes(attribute.Int("initial_batch_count", s.itemsEmitted)))
}

// emitCompletion publishes the session's single IngestionCompleted event.
// Unlike data and milestone events it is not generation-guarded: a cancelled
// and replaced session still accounts for itself exactly once.
func (s *session) emitCompletion(ctx context.Context, span trace.Span) {
	if s.completionSent {
		return
	}
	s.completionSent = true

	// The session context is usually already cancelled on this path.
	pubCtx := context.WithoutCancel(ctx)
	evt := analysis.NewIngestionCompletedEvent(s.jobID, s.itemsEmitted, time.Now())
	if err := s.controller.publisher.PublishDomainEvent(pubCtx, evt, events.WithKey(s.jobID.String())); err != nil {
		s.logger.Error(pubCtx, "failed to publish ingestion completion", "error", err)
		return
	}
	s.logger.Info(pubCtx, "ingestion completed", "total_items", s.itemsEmitted)
	span.AddEvent("ingestion_completed",
		trace.WithAttributes(attribute.Int("total_items", s.itemsEmitted)))
	span.SetStatus(codes.Ok, "ingestion completed")
}

// fail ends the session with JobFailed instead of IngestionCompleted.
// A stale session never fails the job out from under its replacement.
func (s *session) fail(ctx context.Context, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if !s.controller.isCurrent(s) {
		return
	}
	s.completionSent = true

	pubCtx := context.WithoutCancel(ctx)
	evt := analysis.NewJobFailedEvent(s.jobID, err.Error())
	if perr := s.controller.publisher.PublishDomainEvent(pubCtx, evt, events.WithKey(s.jobID.String())); perr != nil {
		s.logger.Error(pubCtx, "failed to publish job failure", "error", perr)
		return
	}
	s.logger.Error(pubCtx, "session failed", "error", err, "items_emitted", s.itemsEmitted)
}
