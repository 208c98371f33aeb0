package broadcast

// Stream event names pushed to subscribers. These are the SSE event names
// clients key their handlers on.
const (
	EventNameSubscribed = "job.subscribed"
	EventNameStatus     = "job.status"
	EventNameCompleted  = "job.completed"
	EventNameFailed     = "job.failed"
	EventNameDataUpdate = "job.data_update"
	EventNameError      = "job.error"
	EventNameHeartbeat  = "heartbeat"
)

// Event is one message pushed to a job's subscribers. Payload marshals to the
// event's JSON body at the transport edge.
type Event struct {
	Name    string
	Payload any
}
