// Package memory provides an in-memory analysis.JobRepository for tests and
// single-process development wiring.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

var _ analysis.JobRepository = (*JobStore)(nil)

// JobStore is a map-backed job repository with the same compare-and-set
// update semantics as the PostgreSQL store. Jobs are snapshotted on every
// read and write so callers mutating an aggregate cannot bypass the guard.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*analysis.Job
}

// NewJobStore creates an empty in-memory job store.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[uuid.UUID]*analysis.Job)}
}

func cloneJob(job *analysis.Job) *analysis.Job {
	var completedAt time.Time
	if t, ok := job.CompletedAt(); ok {
		completedAt = t
	}
	timeline := analysis.ReconstructTimeline(job.CreatedAt(), completedAt, job.LastUpdateTime())
	return analysis.ReconstructJob(
		job.JobID(), job.Prompt(), job.Status(), job.ErrorMessage(),
		job.AverageSentiment(), job.DataPointsCount(), timeline,
	)
}

// CreateJob persists a new job.
func (s *JobStore) CreateJob(ctx context.Context, job *analysis.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.JobID()] = cloneJob(job)
	return nil
}

// GetJob retrieves a job by ID, returning analysis.ErrJobNotFound if it doesn't exist.
func (s *JobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*analysis.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, analysis.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// UpdateJobStatus applies a compare-and-set status update against the stored
// job's current status, mirroring the SQL store's guard.
func (s *JobStore) UpdateJobStatus(ctx context.Context, job *analysis.Job, allowedFrom ...analysis.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.JobID()]
	if !ok {
		return analysis.ErrJobNotFound
	}
	for _, from := range allowedFrom {
		if stored.Status() == from {
			s.jobs[job.JobID()] = cloneJob(job)
			return nil
		}
	}
	return analysis.ErrNoTransition
}
