package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps lifecycle events published for downstream consumers.
type Envelope struct {
	ID            uuid.UUID       `json:"id"`
	CorrelationID string          `json:"correlation_id"` // order id
	Topic         string          `json:"topic"`
	EventType     string          `json:"event_type"`
	Version       string          `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}
