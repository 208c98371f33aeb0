package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

type mockTimeProvider struct{ current time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.current }

func (m *mockTimeProvider) advance(d time.Duration) { m.current = m.current.Add(d) }

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		wantErr bool
	}{
		{"pending to in_progress", JobStatusPending, JobStatusInProgress, false},
		{"pending to completed", JobStatusPending, JobStatusCompleted, false},
		{"pending to failed", JobStatusPending, JobStatusFailed, false},
		{"in_progress to completed", JobStatusInProgress, JobStatusCompleted, false},
		{"in_progress to failed", JobStatusInProgress, JobStatusFailed, false},
		{"in_progress back to pending", JobStatusInProgress, JobStatusPending, true},
		{"completed to failed", JobStatusCompleted, JobStatusFailed, true},
		{"completed to in_progress", JobStatusCompleted, JobStatusInProgress, true},
		{"failed to completed", JobStatusFailed, JobStatusCompleted, true},
		{"failed to in_progress", JobStatusFailed, JobStatusInProgress, true},
		{"pending to pending", JobStatusPending, JobStatusPending, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.from.ValidateTransition(tt.to)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidStatusTransition)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestJobStatusIsTerminal(t *testing.T) {
	assert.False(t, JobStatusPending.IsTerminal())
	assert.False(t, JobStatusInProgress.IsTerminal())
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusFailed.IsTerminal())
}

func TestParseJobStatus(t *testing.T) {
	for _, want := range []JobStatus{JobStatusPending, JobStatusInProgress, JobStatusCompleted, JobStatusFailed} {
		got, err := ParseJobStatus(string(want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := ParseJobStatus("bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job status")
	assert.Empty(t, got)
}

func TestNewJobStartsPending(t *testing.T) {
	job := NewJob(uuid.New(), "graphql")

	assert.Equal(t, JobStatusPending, job.Status())
	assert.Equal(t, "graphql", job.Prompt())
	assert.False(t, job.CreatedAt().IsZero())

	_, done := job.CompletedAt()
	assert.False(t, done)
}

func TestJobCompleteRecordsAggregates(t *testing.T) {
	job := NewJob(uuid.New(), "graphql")
	require.NoError(t, job.UpdateStatus(JobStatusInProgress))

	require.NoError(t, job.Complete(0.62, 40))

	assert.Equal(t, JobStatusCompleted, job.Status())
	assert.Equal(t, 0.62, job.AverageSentiment())
	assert.Equal(t, 40, job.DataPointsCount())

	completedAt, done := job.CompletedAt()
	assert.True(t, done)
	assert.False(t, completedAt.IsZero())
}

func TestJobFailRecordsReason(t *testing.T) {
	job := NewJob(uuid.New(), "graphql")

	require.NoError(t, job.Fail("feed unavailable"))

	assert.Equal(t, JobStatusFailed, job.Status())
	assert.Equal(t, "feed unavailable", job.ErrorMessage())
}

func TestJobTerminalStateIsFinal(t *testing.T) {
	job := NewJob(uuid.New(), "graphql")
	require.NoError(t, job.Complete(0.5, 10))

	err := job.Fail("late failure")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	// The original result survives the duplicate.
	assert.Equal(t, JobStatusCompleted, job.Status())
	assert.Equal(t, 0.5, job.AverageSentiment())
	assert.Empty(t, job.ErrorMessage())
}

func TestTimelineTracksUpdates(t *testing.T) {
	provider := &mockTimeProvider{current: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)}
	timeline := NewTimeline(provider)

	created := timeline.CreatedAt()
	assert.Equal(t, provider.current, created)
	assert.False(t, timeline.IsCompleted())

	provider.advance(time.Minute)
	timeline.UpdateLastUpdate()
	assert.Equal(t, created.Add(time.Minute), timeline.LastUpdate())

	provider.advance(time.Minute)
	timeline.MarkCompleted()
	assert.True(t, timeline.IsCompleted())
	assert.Equal(t, created.Add(2*time.Minute), timeline.CompletedAt())
	assert.Equal(t, created.Add(2*time.Minute), timeline.LastUpdate())
}

func TestReconstructJobBypassesInvariants(t *testing.T) {
	jobID := uuid.New()
	created := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	timeline := ReconstructTimeline(created, created.Add(time.Hour), created.Add(time.Hour))

	job := ReconstructJob(jobID, "graphql", JobStatusFailed, "scorer crashed", 0, 3, timeline)

	assert.Equal(t, jobID, job.JobID())
	assert.Equal(t, JobStatusFailed, job.Status())
	assert.Equal(t, "scorer crashed", job.ErrorMessage())
	assert.Equal(t, 3, job.DataPointsCount())

	completedAt, done := job.CompletedAt()
	assert.True(t, done)
	assert.Equal(t, created.Add(time.Hour), completedAt)
}
