package analysis

import (
	"fmt"
	"time"

	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// Job tracks a single sentiment-analysis run: the prompt it collects posts
// for, its lifecycle status, and the aggregate results once scored.
// Status mutations go through UpdateStatus so the monotonic transition rules
// hold no matter what order bus messages arrive in.
type Job struct {
	jobID            uuid.UUID
	prompt           string
	status           JobStatus
	errorMessage     string
	averageSentiment float64
	dataPointsCount  int
	timeline         *Timeline
}

// NewJob creates a new Job in PENDING state for the provided prompt.
func NewJob(jobID uuid.UUID, prompt string) *Job {
	return &Job{
		jobID:    jobID,
		prompt:   prompt,
		status:   JobStatusPending,
		timeline: NewTimeline(new(realTimeProvider)),
	}
}

// ReconstructJob creates a Job instance from stored fields, bypassing creation invariants.
// This should only be used by repositories when loading from the DB.
func ReconstructJob(
	jobID uuid.UUID,
	prompt string,
	status JobStatus,
	errorMessage string,
	averageSentiment float64,
	dataPointsCount int,
	timeline *Timeline,
) *Job {
	return &Job{
		jobID:            jobID,
		prompt:           prompt,
		status:           status,
		errorMessage:     errorMessage,
		averageSentiment: averageSentiment,
		dataPointsCount:  dataPointsCount,
		timeline:         timeline,
	}
}

// JobID returns the unique identifier for this job.
func (j *Job) JobID() uuid.UUID { return j.jobID }

// Prompt returns the free-text prompt the job collects posts for.
func (j *Job) Prompt() string { return j.prompt }

// Status returns the current lifecycle status of the job.
func (j *Job) Status() JobStatus { return j.status }

// ErrorMessage returns the failure reason for FAILED jobs, empty otherwise.
func (j *Job) ErrorMessage() string { return j.errorMessage }

// AverageSentiment returns the aggregate sentiment score for COMPLETED jobs.
func (j *Job) AverageSentiment() float64 { return j.averageSentiment }

// DataPointsCount returns the number of scored data points for this job.
func (j *Job) DataPointsCount() int { return j.dataPointsCount }

// CreatedAt returns when this job was submitted.
func (j *Job) CreatedAt() time.Time { return j.timeline.CreatedAt() }

// CompletedAt returns when this job reached a terminal state.
// The bool is false while the job is still live.
func (j *Job) CompletedAt() (time.Time, bool) {
	if j.status.IsTerminal() {
		return j.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// LastUpdateTime returns when this job's state was last modified.
func (j *Job) LastUpdateTime() time.Time { return j.timeline.LastUpdate() }

// GetTimeline provides access to the job's timeline information.
func (j *Job) GetTimeline() *Timeline { return j.timeline }

// UpdateStatus changes the job's status after validating the transition.
// It returns an error if the transition is not valid.
func (j *Job) UpdateStatus(newStatus JobStatus) error {
	if err := j.status.ValidateTransition(newStatus); err != nil {
		return err
	}

	if newStatus.IsTerminal() {
		j.timeline.MarkCompleted()
	} else {
		j.timeline.UpdateLastUpdate()
	}

	j.status = newStatus
	return nil
}

// Fail transitions the job to FAILED and records the failure reason.
// Failing an already-terminal job returns an error so callers can treat the
// message as a duplicate and no-op.
func (j *Job) Fail(errorMessage string) error {
	if err := j.UpdateStatus(JobStatusFailed); err != nil {
		return fmt.Errorf("cannot fail job %s: %w", j.jobID, err)
	}
	j.errorMessage = errorMessage
	return nil
}

// Complete transitions the job to COMPLETED and records the aggregate results.
func (j *Job) Complete(averageSentiment float64, dataPointsCount int) error {
	if err := j.UpdateStatus(JobStatusCompleted); err != nil {
		return fmt.Errorf("cannot complete job %s: %w", j.jobID, err)
	}
	j.averageSentiment = averageSentiment
	j.dataPointsCount = dataPointsCount
	return nil
}
