// Package postgres provides PostgreSQL-backed persistence for analysis jobs.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/internal/infra/storage"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// jobStore implements analysis.JobRepository using PostgreSQL as the backing store.
// Status writes are compare-and-set against the stored status so that duplicate
// and out-of-order bus messages never regress a job's lifecycle.
var _ analysis.JobRepository = (*jobStore)(nil)

type jobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a new PostgreSQL-backed job repository with tracing capabilities.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

// CreateJob persists a new analysis job.
func (r *jobStore) CreateJob(ctx context.Context, job *analysis.Job) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("status", string(job.Status())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		_, err := r.db.Exec(ctx, `
			INSERT INTO analysis_jobs (
				job_id, prompt, status, error_message,
				average_sentiment, data_points_count,
				created_at, last_update
			) VALUES ($1, $2, $3::analysis_job_status, '', 0, 0, $4, $4)`,
			job.JobID(), job.Prompt(), string(job.Status()), job.CreatedAt(),
		)
		if err != nil {
			return fmt.Errorf("CreateJob insert error: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job by ID, returning analysis.ErrJobNotFound if it doesn't exist.
func (r *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*analysis.Job, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("job_id", jobID.String()))

	var job *analysis.Job
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_job", dbAttrs, func(ctx context.Context) error {
		var (
			prompt           string
			status           string
			errorMessage     string
			averageSentiment float64
			dataPointsCount  int
			createdAt        time.Time
			completedAt      *time.Time
			lastUpdate       time.Time
		)
		row := r.db.QueryRow(ctx, `
			SELECT prompt, status, error_message,
			       average_sentiment, data_points_count,
			       created_at, completed_at, last_update
			FROM analysis_jobs WHERE job_id = $1`, jobID)
		if err := row.Scan(
			&prompt, &status, &errorMessage,
			&averageSentiment, &dataPointsCount,
			&createdAt, &completedAt, &lastUpdate,
		); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return analysis.ErrJobNotFound
			}
			return fmt.Errorf("GetJob query error: %w", err)
		}

		parsedStatus, err := analysis.ParseJobStatus(status)
		if err != nil {
			return fmt.Errorf("GetJob invalid stored status: %w", err)
		}

		var completed time.Time
		if completedAt != nil {
			completed = *completedAt
		}
		timeline := analysis.ReconstructTimeline(createdAt, completed, lastUpdate)
		job = analysis.ReconstructJob(
			jobID, prompt, parsedStatus, errorMessage,
			averageSentiment, dataPointsCount, timeline,
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// UpdateJobStatus applies a compare-and-set status update. The new status and
// any terminal fields on the job are written only when the stored status is one
// of allowedFrom. A guard mismatch returns analysis.ErrNoTransition so callers
// can treat the triggering message as a duplicate; a missing row returns
// analysis.ErrJobNotFound.
func (r *jobStore) UpdateJobStatus(ctx context.Context, job *analysis.Job, allowedFrom ...analysis.JobStatus) error {
	fromStatuses := make([]string, len(allowedFrom))
	for i, s := range allowedFrom {
		fromStatuses[i] = string(s)
	}

	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("job_id", job.JobID().String()),
		attribute.String("new_status", string(job.Status())),
		attribute.StringSlice("allowed_from", fromStatuses),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.update_job_status", dbAttrs, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		var completedAt *time.Time
		if t, ok := job.CompletedAt(); ok {
			completedAt = &t
		}

		tag, err := r.db.Exec(ctx, `
			UPDATE analysis_jobs
			SET status = $2::analysis_job_status,
			    error_message = $3,
			    average_sentiment = $4,
			    data_points_count = $5,
			    completed_at = $6,
			    last_update = $7
			WHERE job_id = $1 AND status = ANY($8::analysis_job_status[])`,
			job.JobID(), string(job.Status()), job.ErrorMessage(),
			job.AverageSentiment(), job.DataPointsCount(),
			completedAt, job.LastUpdateTime(), fromStatuses,
		)
		if err != nil {
			return fmt.Errorf("UpdateJobStatus error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Distinguish a missing job from a guard mismatch.
			var exists bool
			if err := r.db.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM analysis_jobs WHERE job_id = $1)`, job.JobID(),
			).Scan(&exists); err != nil {
				return fmt.Errorf("UpdateJobStatus existence check error: %w", err)
			}
			if !exists {
				return analysis.ErrJobNotFound
			}
			return analysis.ErrNoTransition
		}
		return nil
	})
}
