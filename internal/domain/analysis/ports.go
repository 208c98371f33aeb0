package analysis

import (
	"context"
	"errors"

	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

var (
	// ErrJobNotFound is returned when a job doesn't exist. Lifecycle handlers
	// treat it as a no-op rather than a failure: the job may have been deleted.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidStatusTransition is returned when a status change would
	// violate the monotonic lifecycle rules.
	ErrInvalidStatusTransition = errors.New("invalid job status transition")

	// ErrNoTransition is returned by conditional status updates when the
	// job's current status was not in the allowed set. Callers treat this as
	// a duplicate or out-of-order message and no-op.
	ErrNoTransition = errors.New("no status transition applied")

	// ErrSessionNotFound is returned when cancelling an ingestion session
	// that is not active.
	ErrSessionNotFound = errors.New("ingestion session not found")
)

// JobRepository defines the persistence operations for analysis jobs.
// This core only creates and mutates jobs; deletion is a collaborator concern.
type JobRepository interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, job *Job) error

	// GetJob retrieves a job by ID, returning ErrJobNotFound if it doesn't exist.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)

	// UpdateJobStatus applies a compare-and-set status update: the new status
	// (plus any terminal fields on the job) is written only if the stored
	// status is one of allowedFrom. Returns ErrNoTransition when the guard
	// does not match and ErrJobNotFound when the job doesn't exist.
	UpdateJobStatus(ctx context.Context, job *Job, allowedFrom ...JobStatus) error
}

// SentimentAnalyzer scores a piece of text. Implemented by the external
// scorer service; consumed here only in tests and local wiring.
type SentimentAnalyzer interface {
	Analyze(ctx context.Context, text string) (Sentiment, error)
}

// FeedClient subscribes to the external social feed filtered by keyword.
// The returned channel is closed when the subscription ends; errors are
// reported through the stream's Err method.
type FeedClient interface {
	// SubscribeByKeyword opens a keyword-filtered stream of records.
	SubscribeByKeyword(ctx context.Context, keyword string) (FeedStream, error)
}

// FeedStream is one open subscription against the external feed.
type FeedStream interface {
	// Records returns the channel of incoming records. The channel is closed
	// when the backlog and live stream are exhausted or the stream fails.
	Records() <-chan RawRecord

	// BacklogDone is closed when the initial backlog pass has finished and
	// the stream has switched to live tailing. A quiet feed closes it without
	// ever delivering a record.
	BacklogDone() <-chan struct{}

	// Err returns the terminal error after Records is closed, nil on clean end.
	Err() error

	// Close tears down the subscription. Safe to call multiple times.
	Close() error
}
