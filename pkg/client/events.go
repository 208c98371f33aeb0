package client

import "time"

// Event names pushed by the server. These mirror the broadcaster's SSE names.
const (
	EventNameSubscribed = "job.subscribed"
	EventNameStatus     = "job.status"
	EventNameCompleted  = "job.completed"
	EventNameFailed     = "job.failed"
	EventNameDataUpdate = "job.data_update"
	EventNameError      = "job.error"
	EventNameHeartbeat  = "heartbeat"
)

// SubscribedPayload acknowledges an accepted subscription.
type SubscribedPayload struct {
	JobID          string `json:"jobId"`
	SubscriptionID string `json:"subscriptionId"`
}

// StatusPayload carries a job status snapshot or change. Terminal payloads
// include the final aggregates.
type StatusPayload struct {
	JobID            string  `json:"jobId"`
	Status           string  `json:"status"`
	ErrorMessage     string  `json:"errorMessage,omitempty"`
	AverageSentiment float64 `json:"averageSentiment,omitempty"`
	DataPointsCount  int     `json:"dataPointsCount,omitempty"`
}

// DataUpdatePayload carries one scored data point.
type DataUpdatePayload struct {
	JobID          string         `json:"jobId"`
	DataPoint      map[string]any `json:"dataPoint"`
	TotalProcessed int            `json:"totalProcessed"`
}

// HeartbeatPayload carries the server's keep-alive timestamp.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// Event is one successfully parsed server event handed to the consumer.
type Event struct {
	Name string
	// Payload is one of SubscribedPayload, StatusPayload, DataUpdatePayload,
	// or HeartbeatPayload depending on Name. Events with an unrecognized name
	// carry their raw bytes as json.RawMessage.
	Payload any
}
