package analysis

import (
	"time"

	"github.com/seanmx/sentiflow/internal/domain/events"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// Event types relevant to the analysis job lifecycle:
const (
	EventTypeJobStartRequested  events.EventType = "JobStartRequested"
	EventTypeJobCancelRequested events.EventType = "JobCancelRequested"

	EventTypeRawRecordCollected    events.EventType = "RawRecordCollected"
	EventTypeInitialBatchCompleted events.EventType = "InitialBatchCompleted"
	EventTypeIngestionCompleted    events.EventType = "IngestionCompleted"

	EventTypeDataPointAdded events.EventType = "DataPointAdded"
	EventTypeJobCompleted   events.EventType = "JobCompleted"
	EventTypeJobFailed      events.EventType = "JobFailed"

	// EventTypeJobStatusChanged is the normalized internal event the
	// orchestrator republishes after every accepted transition. It never
	// travels on the external bus; the Hub fans it out to subscribers.
	EventTypeJobStatusChanged events.EventType = "JobStatusChanged"
)

// JobStartRequestedEvent asks the ingestion controller to begin a collection
// session for a job.
type JobStartRequestedEvent struct {
	occurredAt  time.Time
	JobID       uuid.UUID
	Prompt      string
	MaxDuration time.Duration
}

// NewJobStartRequestedEvent creates a new job start request event.
func NewJobStartRequestedEvent(jobID uuid.UUID, prompt string, maxDuration time.Duration) JobStartRequestedEvent {
	return JobStartRequestedEvent{
		occurredAt:  time.Now(),
		JobID:       jobID,
		Prompt:      prompt,
		MaxDuration: maxDuration,
	}
}

// ReconstructJobStartRequestedEvent rebuilds the event from wire data.
func ReconstructJobStartRequestedEvent(jobID uuid.UUID, prompt string, maxDuration time.Duration, occurredAt time.Time) JobStartRequestedEvent {
	return JobStartRequestedEvent{occurredAt: occurredAt, JobID: jobID, Prompt: prompt, MaxDuration: maxDuration}
}

func (e JobStartRequestedEvent) EventType() events.EventType { return EventTypeJobStartRequested }
func (e JobStartRequestedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCancelRequestedEvent asks the ingestion controller to cancel a job's
// active collection session.
type JobCancelRequestedEvent struct {
	occurredAt  time.Time
	JobID       uuid.UUID
	RequestedBy string
}

// NewJobCancelRequestedEvent creates a new job cancel request event.
func NewJobCancelRequestedEvent(jobID uuid.UUID, requestedBy string) JobCancelRequestedEvent {
	return JobCancelRequestedEvent{occurredAt: time.Now(), JobID: jobID, RequestedBy: requestedBy}
}

// ReconstructJobCancelRequestedEvent rebuilds the event from wire data.
func ReconstructJobCancelRequestedEvent(jobID uuid.UUID, requestedBy string, occurredAt time.Time) JobCancelRequestedEvent {
	return JobCancelRequestedEvent{occurredAt: occurredAt, JobID: jobID, RequestedBy: requestedBy}
}

func (e JobCancelRequestedEvent) EventType() events.EventType { return EventTypeJobCancelRequested }
func (e JobCancelRequestedEvent) OccurredAt() time.Time       { return e.occurredAt }

// RawRecordCollectedEvent carries one collected feed record to the scorer.
type RawRecordCollectedEvent struct {
	occurredAt time.Time
	JobID      uuid.UUID
	Record     RawRecord
}

// NewRawRecordCollectedEvent creates a new raw record event.
func NewRawRecordCollectedEvent(jobID uuid.UUID, record RawRecord) RawRecordCollectedEvent {
	return RawRecordCollectedEvent{occurredAt: time.Now(), JobID: jobID, Record: record}
}

// ReconstructRawRecordCollectedEvent rebuilds the event from wire data.
func ReconstructRawRecordCollectedEvent(jobID uuid.UUID, record RawRecord, occurredAt time.Time) RawRecordCollectedEvent {
	return RawRecordCollectedEvent{occurredAt: occurredAt, JobID: jobID, Record: record}
}

func (e RawRecordCollectedEvent) EventType() events.EventType { return EventTypeRawRecordCollected }
func (e RawRecordCollectedEvent) OccurredAt() time.Time       { return e.occurredAt }

// InitialBatchCompletedEvent signals that an ingestion session finished its
// first pass over the backlog. This drives the PENDING -> IN_PROGRESS transition.
type InitialBatchCompletedEvent struct {
	occurredAt        time.Time
	JobID             uuid.UUID
	InitialBatchCount int
	StreamingActive   bool
}

// NewInitialBatchCompletedEvent creates a new initial batch milestone event.
func NewInitialBatchCompletedEvent(jobID uuid.UUID, initialBatchCount int) InitialBatchCompletedEvent {
	return InitialBatchCompletedEvent{
		occurredAt:        time.Now(),
		JobID:             jobID,
		InitialBatchCount: initialBatchCount,
		StreamingActive:   true,
	}
}

// ReconstructInitialBatchCompletedEvent rebuilds the event from wire data.
func ReconstructInitialBatchCompletedEvent(jobID uuid.UUID, count int, streamingActive bool, occurredAt time.Time) InitialBatchCompletedEvent {
	return InitialBatchCompletedEvent{occurredAt: occurredAt, JobID: jobID, InitialBatchCount: count, StreamingActive: streamingActive}
}

func (e InitialBatchCompletedEvent) EventType() events.EventType { return EventTypeInitialBatchCompleted }
func (e InitialBatchCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// IngestionCompletedEvent signals that a session ended, by whatever path.
// Every session emits exactly one of these, even with zero items collected.
type IngestionCompletedEvent struct {
	occurredAt  time.Time
	JobID       uuid.UUID
	TotalItems  int
	CompletedAt time.Time
}

// NewIngestionCompletedEvent creates a new ingestion completion event.
func NewIngestionCompletedEvent(jobID uuid.UUID, totalItems int, completedAt time.Time) IngestionCompletedEvent {
	return IngestionCompletedEvent{
		occurredAt:  time.Now(),
		JobID:       jobID,
		TotalItems:  totalItems,
		CompletedAt: completedAt,
	}
}

// ReconstructIngestionCompletedEvent rebuilds the event from wire data.
func ReconstructIngestionCompletedEvent(jobID uuid.UUID, totalItems int, completedAt, occurredAt time.Time) IngestionCompletedEvent {
	return IngestionCompletedEvent{occurredAt: occurredAt, JobID: jobID, TotalItems: totalItems, CompletedAt: completedAt}
}

func (e IngestionCompletedEvent) EventType() events.EventType { return EventTypeIngestionCompleted }
func (e IngestionCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// DataPointAddedEvent carries one scored data point from the scorer toward
// live subscribers.
type DataPointAddedEvent struct {
	occurredAt     time.Time
	JobID          uuid.UUID
	DataPoint      DataPoint
	TotalProcessed int
}

// NewDataPointAddedEvent creates a new data point event.
func NewDataPointAddedEvent(jobID uuid.UUID, dp DataPoint, totalProcessed int) DataPointAddedEvent {
	return DataPointAddedEvent{occurredAt: time.Now(), JobID: jobID, DataPoint: dp, TotalProcessed: totalProcessed}
}

// ReconstructDataPointAddedEvent rebuilds the event from wire data.
func ReconstructDataPointAddedEvent(jobID uuid.UUID, dp DataPoint, totalProcessed int, occurredAt time.Time) DataPointAddedEvent {
	return DataPointAddedEvent{occurredAt: occurredAt, JobID: jobID, DataPoint: dp, TotalProcessed: totalProcessed}
}

func (e DataPointAddedEvent) EventType() events.EventType { return EventTypeDataPointAdded }
func (e DataPointAddedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobCompletedEvent means the scorer finished the job successfully.
type JobCompletedEvent struct {
	occurredAt       time.Time
	JobID            uuid.UUID
	AverageSentiment float64
	DataPointsCount  int
	CompletedAt      time.Time
}

// NewJobCompletedEvent creates a new job completed event.
func NewJobCompletedEvent(jobID uuid.UUID, averageSentiment float64, dataPointsCount int) JobCompletedEvent {
	now := time.Now()
	return JobCompletedEvent{
		occurredAt:       now,
		JobID:            jobID,
		AverageSentiment: averageSentiment,
		DataPointsCount:  dataPointsCount,
		CompletedAt:      now,
	}
}

// ReconstructJobCompletedEvent rebuilds the event from wire data.
func ReconstructJobCompletedEvent(jobID uuid.UUID, avg float64, count int, completedAt, occurredAt time.Time) JobCompletedEvent {
	return JobCompletedEvent{occurredAt: occurredAt, JobID: jobID, AverageSentiment: avg, DataPointsCount: count, CompletedAt: completedAt}
}

func (e JobCompletedEvent) EventType() events.EventType { return EventTypeJobCompleted }
func (e JobCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobFailedEvent means the job encountered an unrecoverable error.
type JobFailedEvent struct {
	occurredAt   time.Time
	JobID        uuid.UUID
	ErrorMessage string
	FailedAt     time.Time
}

// NewJobFailedEvent creates a new job failed event.
func NewJobFailedEvent(jobID uuid.UUID, errorMessage string) JobFailedEvent {
	now := time.Now()
	return JobFailedEvent{occurredAt: now, JobID: jobID, ErrorMessage: errorMessage, FailedAt: now}
}

// ReconstructJobFailedEvent rebuilds the event from wire data.
func ReconstructJobFailedEvent(jobID uuid.UUID, errorMessage string, failedAt, occurredAt time.Time) JobFailedEvent {
	return JobFailedEvent{occurredAt: occurredAt, JobID: jobID, ErrorMessage: errorMessage, FailedAt: failedAt}
}

func (e JobFailedEvent) EventType() events.EventType { return EventTypeJobFailed }
func (e JobFailedEvent) OccurredAt() time.Time       { return e.occurredAt }

// JobStatusChangedEvent is the normalized internal event emitted after every
// accepted transition. Terminal events carry the job's final aggregates.
type JobStatusChangedEvent struct {
	occurredAt       time.Time
	JobID            uuid.UUID
	Status           JobStatus
	ErrorMessage     string
	AverageSentiment float64
	DataPointsCount  int
}

// NewJobStatusChangedEvent creates a new normalized status change event from
// the job's current state.
func NewJobStatusChangedEvent(job *Job) JobStatusChangedEvent {
	return JobStatusChangedEvent{
		occurredAt:       time.Now(),
		JobID:            job.JobID(),
		Status:           job.Status(),
		ErrorMessage:     job.ErrorMessage(),
		AverageSentiment: job.AverageSentiment(),
		DataPointsCount:  job.DataPointsCount(),
	}
}

func (e JobStatusChangedEvent) EventType() events.EventType { return EventTypeJobStatusChanged }
func (e JobStatusChangedEvent) OccurredAt() time.Time       { return e.occurredAt }
