// Package orchestration owns the analysis job lifecycle. The Orchestrator
// consumes lifecycle events from the bus, applies monotonic status transitions
// against the job store, and republishes normalized status change events for
// live subscribers.
package orchestration

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/internal/domain/events"
	"github.com/seanmx/sentiflow/pkg/common/logger"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// StatusNotifier receives the normalized status change event after every
// accepted transition. The broadcast hub implements this to fan updates out
// to connected subscribers; it never sees rejected duplicates.
type StatusNotifier interface {
	NotifyStatusChanged(ctx context.Context, evt analysis.JobStatusChangedEvent)
}

var _ events.EventHandler = (*Orchestrator)(nil)

// Orchestrator drives job status transitions from at-least-once bus messages.
// Every handler is idempotent: duplicates and out-of-order deliveries resolve
// to no-ops through compare-and-set writes, so replaying a partition cannot
// regress a job's lifecycle.
//
// The scorer service solely owns successful completion. The orchestrator
// validates and records the COMPLETED status the scorer reports but never
// computes or overwrites terminal aggregates on its own.
type Orchestrator struct {
	id string

	repo     analysis.JobRepository
	notifier StatusNotifier

	logger *logger.Logger
	tracer trace.Tracer
}

// NewOrchestrator creates an Orchestrator identified by id.
func NewOrchestrator(
	id string,
	repo analysis.JobRepository,
	notifier StatusNotifier,
	log *logger.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	return &Orchestrator{
		id:       id,
		repo:     repo,
		notifier: notifier,
		logger:   log.With("component", "orchestrator", "orchestrator_id", id),
		tracer:   tracer,
	}
}

// SupportedEvents returns the lifecycle events the orchestrator consumes.
func (o *Orchestrator) SupportedEvents() []events.EventType {
	return []events.EventType{
		analysis.EventTypeInitialBatchCompleted,
		analysis.EventTypeJobCompleted,
		analysis.EventTypeJobFailed,
	}
}

// HandleEvent routes a consumed envelope to the matching lifecycle handler.
func (o *Orchestrator) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	switch payload := evt.Payload.(type) {
	case analysis.InitialBatchCompletedEvent:
		return o.HandleInitialBatchCompleted(ctx, payload, ack)
	case analysis.JobCompletedEvent:
		return o.HandleJobCompleted(ctx, payload, ack)
	case analysis.JobFailedEvent:
		return o.HandleJobFailed(ctx, payload, ack)
	default:
		err := fmt.Errorf("orchestrator: unexpected payload type %T for event %s", evt.Payload, evt.Type)
		ack(err)
		return err
	}
}

// HandleInitialBatchCompleted promotes a PENDING job to IN_PROGRESS.
// Duplicates and deliveries that arrive after a terminal transition resolve
// to acknowledged no-ops.
func (o *Orchestrator) HandleInitialBatchCompleted(
	ctx context.Context,
	evt analysis.InitialBatchCompletedEvent,
	ack events.AckFunc,
) error {
	logger := o.logger.With("operation", "handle_initial_batch_completed",
		"job_id", evt.JobID, "initial_batch_count", evt.InitialBatchCount)
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_initial_batch_completed",
		trace.WithAttributes(
			attribute.String("job_id", evt.JobID.String()),
			attribute.Int("initial_batch_count", evt.InitialBatchCount),
		))
	defer span.End()

	err := o.transition(ctx, evt.JobID, func(job *analysis.Job) error {
		return job.UpdateStatus(analysis.JobStatusInProgress)
	}, analysis.JobStatusPending)

	return o.finish(ctx, span, logger, ack, err, "job moved to IN_PROGRESS")
}

// HandleJobCompleted records the scorer's successful completion verdict.
// The transition is accepted from PENDING as well as IN_PROGRESS: with no
// cross-topic ordering guarantee, job.complete can legitimately overtake the
// initial batch milestone.
func (o *Orchestrator) HandleJobCompleted(
	ctx context.Context,
	evt analysis.JobCompletedEvent,
	ack events.AckFunc,
) error {
	logger := o.logger.With("operation", "handle_job_completed",
		"job_id", evt.JobID, "data_points_count", evt.DataPointsCount)
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_job_completed",
		trace.WithAttributes(
			attribute.String("job_id", evt.JobID.String()),
			attribute.Float64("average_sentiment", evt.AverageSentiment),
			attribute.Int("data_points_count", evt.DataPointsCount),
		))
	defer span.End()

	err := o.transition(ctx, evt.JobID, func(job *analysis.Job) error {
		return job.Complete(evt.AverageSentiment, evt.DataPointsCount)
	}, analysis.JobStatusPending, analysis.JobStatusInProgress)

	return o.finish(ctx, span, logger, ack, err, "job completed")
}

// HandleJobFailed records an unrecoverable failure reported by any producer.
// A failure arriving after the job already completed (or vice versa) is
// rejected by the guard: the first terminal status wins.
func (o *Orchestrator) HandleJobFailed(
	ctx context.Context,
	evt analysis.JobFailedEvent,
	ack events.AckFunc,
) error {
	logger := o.logger.With("operation", "handle_job_failed",
		"job_id", evt.JobID, "error_message", evt.ErrorMessage)
	ctx, span := o.tracer.Start(ctx, "orchestrator.handle_job_failed",
		trace.WithAttributes(
			attribute.String("job_id", evt.JobID.String()),
			attribute.String("error_message", evt.ErrorMessage),
		))
	defer span.End()

	err := o.transition(ctx, evt.JobID, func(job *analysis.Job) error {
		return job.Fail(evt.ErrorMessage)
	}, analysis.JobStatusPending, analysis.JobStatusInProgress)

	return o.finish(ctx, span, logger, ack, err, "job failed")
}

// transition loads the job, applies mutate, and persists the result with a
// compare-and-set guard on allowedFrom. Accepted transitions notify the
// status notifier; guard mismatches surface as ErrNoTransition.
func (o *Orchestrator) transition(
	ctx context.Context,
	jobID uuid.UUID,
	mutate func(*analysis.Job) error,
	allowedFrom ...analysis.JobStatus,
) error {
	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := mutate(job); err != nil {
		return err
	}
	if err := o.repo.UpdateJobStatus(ctx, job, allowedFrom...); err != nil {
		return err
	}

	if o.notifier != nil {
		o.notifier.NotifyStatusChanged(ctx, analysis.NewJobStatusChangedEvent(job))
	}
	return nil
}

// finish translates transition outcomes into ack decisions: accepted
// transitions and idempotent no-ops are acknowledged, storage errors are not
// so the bus redelivers the message.
func (o *Orchestrator) finish(
	ctx context.Context,
	span trace.Span,
	logger *logger.Logger,
	ack events.AckFunc,
	err error,
	successMsg string,
) error {
	switch {
	case err == nil:
		logger.Info(ctx, successMsg)
		span.AddEvent("transition_applied")
		span.SetStatus(codes.Ok, successMsg)
		ack(nil)
		return nil
	case errors.Is(err, analysis.ErrNoTransition),
		errors.Is(err, analysis.ErrInvalidStatusTransition):
		// Duplicate or out-of-order delivery; the stored status already won.
		logger.Debug(ctx, "transition skipped, job already past this state", "reason", err)
		span.AddEvent("transition_skipped")
		span.SetStatus(codes.Ok, "duplicate or out-of-order delivery")
		ack(nil)
		return nil
	case errors.Is(err, analysis.ErrJobNotFound):
		logger.Warn(ctx, "job not found for lifecycle event")
		span.AddEvent("job_not_found")
		span.SetStatus(codes.Ok, "job not found")
		ack(nil)
		return nil
	default:
		logger.Error(ctx, "failed to apply transition", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
}
