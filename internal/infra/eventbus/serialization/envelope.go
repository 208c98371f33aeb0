package serialization

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/seanmx/sentiflow/internal/domain/events"
)

// universalEnvelope is the outermost wire structure for every bus message.
// It carries enough metadata to route and trace the message before the
// type-specific payload is decoded.
type universalEnvelope struct {
	EventType     events.EventType `json:"eventType"`
	CorrelationID string           `json:"correlationId"`
	Timestamp     time.Time        `json:"timestamp"`
	Payload       json.RawMessage  `json:"payload"`
}

// SerializeEventEnvelope wraps a serialized payload in the universal envelope
// and returns the complete wire bytes.
func SerializeEventEnvelope(eventType events.EventType, correlationID string, payload any) ([]byte, error) {
	payloadBytes, err := SerializePayload(eventType, payload)
	if err != nil {
		return nil, err
	}

	env := universalEnvelope{
		EventType:     eventType,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
		Payload:       payloadBytes,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal universal envelope: %w", err)
	}
	return data, nil
}

// UnmarshalUniversalEnvelope decodes the outer envelope and returns the event
// type, correlation ID, and the still-encoded payload bytes.
func UnmarshalUniversalEnvelope(data []byte) (events.EventType, string, []byte, error) {
	var env universalEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", "", nil, fmt.Errorf("failed to unmarshal universal envelope: %w", err)
	}
	if env.EventType == "" {
		return "", "", nil, fmt.Errorf("universal envelope missing event type")
	}
	return env.EventType, env.CorrelationID, env.Payload, nil
}
