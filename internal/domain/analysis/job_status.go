package analysis

import "fmt"

// JobStatus represents the current state of an analysis job. It enables tracking
// of the job lifecycle from submission through completion or failure.
type JobStatus string

const (
	// JobStatusPending indicates a job has been submitted but ingestion has not
	// finished its first pass yet.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusInProgress indicates the initial ingestion batch completed and
	// data points are streaming in.
	JobStatusInProgress JobStatus = "IN_PROGRESS"

	// JobStatusCompleted indicates the scorer finished processing all data points.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusFailed indicates the job encountered an unrecoverable error.
	JobStatusFailed JobStatus = "FAILED"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether the status is a terminal state. Terminal jobs
// never transition again; messages arriving afterwards are no-ops.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ParseJobStatus converts a string to a JobStatus. Stores call it when
// rehydrating jobs, so an unrecognized value is an error rather than a
// silent zero status.
func ParseJobStatus(s string) (JobStatus, error) {
	switch s {
	case "PENDING":
		return JobStatusPending, nil
	case "IN_PROGRESS":
		return JobStatusInProgress, nil
	case "COMPLETED":
		return JobStatusCompleted, nil
	case "FAILED":
		return JobStatusFailed, nil
	default:
		return "", fmt.Errorf("unknown job status: %q", s)
	}
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidStatusTransition, s, target)
	}
	return nil
}

// isValidTransition checks if the current status can transition to the target status.
// The lifecycle is monotonic: statuses only move forward and terminal states are final.
// Skipping IN_PROGRESS is legal because the bus can deliver a completion message
// before the initial-batch milestone.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		return target == JobStatusInProgress || target == JobStatusCompleted || target == JobStatusFailed
	case JobStatusInProgress:
		return target == JobStatusCompleted || target == JobStatusFailed
	case JobStatusCompleted, JobStatusFailed:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
