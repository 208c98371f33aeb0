package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

func TestGetJobNotFound(t *testing.T) {
	store := NewJobStore()
	_, err := store.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, analysis.ErrJobNotFound)
}

func TestGetJobReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	jobID := uuid.New()
	require.NoError(t, store.CreateJob(ctx, analysis.NewJob(jobID, "graphql")))

	first, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, first.UpdateStatus(analysis.JobStatusInProgress))

	// Mutating the returned aggregate must not leak into the store.
	stored, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusPending, stored.Status())
}

func TestUpdateJobStatusCAS(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	jobID := uuid.New()
	require.NoError(t, store.CreateJob(ctx, analysis.NewJob(jobID, "graphql")))

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, job.UpdateStatus(analysis.JobStatusInProgress))
	require.NoError(t, store.UpdateJobStatus(ctx, job, analysis.JobStatusPending))

	stored, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusInProgress, stored.Status())
}

func TestUpdateJobStatusGuardMismatch(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()
	jobID := uuid.New()

	completed := analysis.NewJob(jobID, "graphql")
	require.NoError(t, completed.Complete(0.9, 5))
	require.NoError(t, store.CreateJob(ctx, completed))

	// A late duplicate tries to fail the already-completed job.
	dup := analysis.NewJob(jobID, "graphql")
	require.NoError(t, dup.Fail("stale message"))
	err := store.UpdateJobStatus(ctx, dup, analysis.JobStatusPending, analysis.JobStatusInProgress)
	assert.ErrorIs(t, err, analysis.ErrNoTransition)

	stored, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, analysis.JobStatusCompleted, stored.Status())
	assert.Equal(t, 0.9, stored.AverageSentiment())
}

func TestUpdateJobStatusUnknownJob(t *testing.T) {
	ctx := context.Background()
	store := NewJobStore()

	job := analysis.NewJob(uuid.New(), "graphql")
	require.NoError(t, job.UpdateStatus(analysis.JobStatusInProgress))
	err := store.UpdateJobStatus(ctx, job, analysis.JobStatusPending)
	assert.ErrorIs(t, err, analysis.ErrJobNotFound)
}
