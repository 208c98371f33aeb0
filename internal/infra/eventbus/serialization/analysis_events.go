package serialization

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/seanmx/sentiflow/internal/domain/analysis"
	"github.com/seanmx/sentiflow/internal/domain/events"
	"github.com/seanmx/sentiflow/pkg/common/uuid"
)

// Wire DTOs for each lifecycle event. Field names match the payload shapes
// the collaborating services (scorer, clients) expect on the bus.

type jobStartRequestedDTO struct {
	JobID         string    `json:"jobId"`
	Prompt        string    `json:"prompt"`
	MaxDurationMs int64     `json:"maxDurationMs"`
	OccurredAt    time.Time `json:"occurredAt"`
}

type jobCancelRequestedDTO struct {
	JobID       string    `json:"jobId"`
	RequestedBy string    `json:"requestedBy,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

type rawRecordCollectedDTO struct {
	JobID      string             `json:"jobId"`
	Record     analysis.RawRecord `json:"record"`
	OccurredAt time.Time          `json:"occurredAt"`
}

type initialBatchCompletedDTO struct {
	JobID             string    `json:"jobId"`
	InitialBatchCount int       `json:"initialBatchCount"`
	StreamingActive   bool      `json:"streamingActive"`
	OccurredAt        time.Time `json:"occurredAt"`
}

type ingestionCompletedDTO struct {
	JobID       string    `json:"jobId"`
	TotalItems  int       `json:"totalItems"`
	CompletedAt time.Time `json:"completedAt"`
	OccurredAt  time.Time `json:"occurredAt"`
}

type dataPointAddedDTO struct {
	JobID          string             `json:"jobId"`
	DataPoint      analysis.DataPoint `json:"dataPoint"`
	TotalProcessed int                `json:"totalProcessed"`
	OccurredAt     time.Time          `json:"occurredAt"`
}

type jobCompletedDTO struct {
	JobID            string    `json:"jobId"`
	AverageSentiment float64   `json:"averageSentiment"`
	DataPointsCount  int       `json:"dataPointsCount"`
	CompletedAt      time.Time `json:"completedAt"`
	OccurredAt       time.Time `json:"occurredAt"`
}

type jobFailedDTO struct {
	JobID        string    `json:"jobId"`
	ErrorMessage string    `json:"errorMessage"`
	FailedAt     time.Time `json:"failedAt"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// RegisterEventSerializers initializes the serialization system by registering
// handlers for all supported event types. It runs once at package init, before
// any event processing can occur.
func RegisterEventSerializers() {
	RegisterSerializeFunc(analysis.EventTypeJobStartRequested, func(payload any) ([]byte, error) {
		evt, ok := payload.(analysis.JobStartRequestedEvent)
		if !ok {
			return nil, unexpectedPayload(analysis.EventTypeJobStartRequested, payload)
		}
		return json.Marshal(jobStartRequestedDTO{
			JobID:         evt.JobID.String(),
			Prompt:        evt.Prompt,
			MaxDurationMs: evt.MaxDuration.Milliseconds(),
			OccurredAt:    evt.OccurredAt(),
		})
	})
	RegisterDeserializeFunc(analysis.EventTypeJobStartRequested, func(data []byte) (any, error) {
		var dto jobStartRequestedDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			return nil, err
		}
		jobID, err := parseJobID(dto.JobID)
		if err != nil {
			return nil, err
		}
		return analysis.ReconstructJobStartRequestedEvent(
			jobID, dto.Prompt, time.Duration(dto.MaxDurationMs)*time.Millisecond, dto.OccurredAt), nil
	})

	RegisterSerializeFunc(analysis.EventTypeJobCancelRequested, func(payload any) ([]byte, error) {
		evt, ok := payload.(analysis.JobCancelRequestedEvent)
		if !ok {
			return nil, unexpectedPayload(analysis.EventTypeJobCancelRequested, payload)
		}
		return json.Marshal(jobCancelRequestedDTO{
			JobID:       evt.JobID.String(),
			RequestedBy: evt.RequestedBy,
			OccurredAt:  evt.OccurredAt(),
		})
	})
	RegisterDeserializeFunc(analysis.EventTypeJobCancelRequested, func(data []byte) (any, error) {
		var dto jobCancelRequestedDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			return nil, err
		}
		jobID, err := parseJobID(dto.JobID)
		if err != nil {
			return nil, err
		}
		return analysis.ReconstructJobCancelRequestedEvent(jobID, dto.RequestedBy, dto.OccurredAt), nil
	})

	RegisterSerializeFunc(analysis.EventTypeRawRecordCollected, func(payload any) ([]byte, error) {
		evt, ok := payload.(analysis.RawRecordCollectedEvent)
		if !ok {
			return nil, unexpectedPayload(analysis.EventTypeRawRecordCollected, payload)
		}
		return json.Marshal(rawRecordCollectedDTO{
			JobID:      evt.JobID.String(),
			Record:     evt.Record,
			OccurredAt: evt.OccurredAt(),
		})
	})
	RegisterDeserializeFunc(analysis.EventTypeRawRecordCollected, func(data []byte) (any, error) {
		var dto rawRecordCollectedDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			return nil, err
		}
		jobID, err := parseJobID(dto.JobID)
		if err != nil {
			return nil, err
		}
		return analysis.ReconstructRawRecordCollectedEvent(jobID, dto.Record, dto.OccurredAt), nil
	})

	RegisterSerializeFunc(analysis.EventTypeInitialBatchCompleted, func(payload any) ([]byte, error) {
		evt, ok := payload.(analysis.InitialBatchCompletedEvent)
		if !ok {
			return nil, unexpectedPayload(analysis.EventTypeInitialBatchCompleted, payload)
		}
		return json.Marshal(initialBatchCompletedDTO{
			JobID:             evt.JobID.String(),
			InitialBatchCount: evt.InitialBatchCount,
			StreamingActive:   evt.StreamingActive,
			OccurredAt:        evt.OccurredAt(),
		})
	})
	RegisterDeserializeFunc(analysis.EventTypeInitialBatchCompleted, func(data []byte) (any, error) {
		var dto initialBatchCompletedDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			return nil, err
		}
		jobID, err := parseJobID(dto.JobID)
		if err != nil {
			return nil, err
		}
		return analysis.ReconstructInitialBatchCompletedEvent(
			jobID, dto.InitialBatchCount, dto.StreamingActive, dto.OccurredAt), nil
	})

	RegisterSerializeFunc(analysis.EventTypeIngestionCompleted, func(payload any) ([]byte, error) {
		evt, ok := payload.(analysis.IngestionCompletedEvent)
		if !ok {
			return nil, unexpectedPayload(analysis.EventTypeIngestionCompleted, payload)
		}
		return json.Marshal(ingestionCompletedDTO{
			JobID:       evt.JobID.String(),
			TotalItems:  evt.TotalItems,
			CompletedAt: evt.CompletedAt,
			OccurredAt:  evt.OccurredAt(),
		})
	})
	RegisterDeserializeFunc(analysis.EventTypeIngestionCompleted, func(data []byte) (any, error) {
		var dto ingestionCompletedDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			return nil, err
		}
		jobID, err := parseJobID(dto.JobID)
		if err != nil {
			return nil, err
		}
		return analysis.ReconstructIngestionCompletedEvent(jobID, dto.TotalItems, dto.CompletedAt, dto.OccurredAt), nil
	})

	RegisterSerializeFunc(analysis.EventTypeDataPointAdded, func(payload any) ([]byte, error) {
		evt, ok := payload.(analysis.DataPointAddedEvent)
		if !ok {
			return nil, unexpectedPayload(analysis.EventTypeDataPointAdded, payload)
		}
		return json.Marshal(dataPointAddedDTO{
			JobID:          evt.JobID.String(),
			DataPoint:      evt.DataPoint,
			TotalProcessed: evt.TotalProcessed,
			OccurredAt:     evt.OccurredAt(),
		})
	})
	RegisterDeserializeFunc(analysis.EventTypeDataPointAdded, func(data []byte) (any, error) {
		var dto dataPointAddedDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			return nil, err
		}
		jobID, err := parseJobID(dto.JobID)
		if err != nil {
			return nil, err
		}
		return analysis.ReconstructDataPointAddedEvent(jobID, dto.DataPoint, dto.TotalProcessed, dto.OccurredAt), nil
	})

	RegisterSerializeFunc(analysis.EventTypeJobCompleted, func(payload any) ([]byte, error) {
		evt, ok := payload.(analysis.JobCompletedEvent)
		if !ok {
			return nil, unexpectedPayload(analysis.EventTypeJobCompleted, payload)
		}
		return json.Marshal(jobCompletedDTO{
			JobID:            evt.JobID.String(),
			AverageSentiment: evt.AverageSentiment,
			DataPointsCount:  evt.DataPointsCount,
			CompletedAt:      evt.CompletedAt,
			OccurredAt:       evt.OccurredAt(),
		})
	})
	RegisterDeserializeFunc(analysis.EventTypeJobCompleted, func(data []byte) (any, error) {
		var dto jobCompletedDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			return nil, err
		}
		jobID, err := parseJobID(dto.JobID)
		if err != nil {
			return nil, err
		}
		return analysis.ReconstructJobCompletedEvent(
			jobID, dto.AverageSentiment, dto.DataPointsCount, dto.CompletedAt, dto.OccurredAt), nil
	})

	RegisterSerializeFunc(analysis.EventTypeJobFailed, func(payload any) ([]byte, error) {
		evt, ok := payload.(analysis.JobFailedEvent)
		if !ok {
			return nil, unexpectedPayload(analysis.EventTypeJobFailed, payload)
		}
		return json.Marshal(jobFailedDTO{
			JobID:        evt.JobID.String(),
			ErrorMessage: evt.ErrorMessage,
			FailedAt:     evt.FailedAt,
			OccurredAt:   evt.OccurredAt(),
		})
	})
	RegisterDeserializeFunc(analysis.EventTypeJobFailed, func(data []byte) (any, error) {
		var dto jobFailedDTO
		if err := json.Unmarshal(data, &dto); err != nil {
			return nil, err
		}
		jobID, err := parseJobID(dto.JobID)
		if err != nil {
			return nil, err
		}
		return analysis.ReconstructJobFailedEvent(jobID, dto.ErrorMessage, dto.FailedAt, dto.OccurredAt), nil
	})
}

func parseJobID(s string) (uuid.UUID, error) {
	jobID, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid jobId %q: %w", s, err)
	}
	return jobID, nil
}

func unexpectedPayload(eventType events.EventType, payload any) error {
	return fmt.Errorf("unexpected payload type %T for event %s", payload, eventType)
}
