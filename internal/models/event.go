package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// BusinessEvent is the persisted and published form of a flow event.
type BusinessEvent struct {
	ID             uuid.UUID `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	EventType      string    `json:"event_type"`
	TrackID        int       `json:"track_id"`
	ReidID         int64     `json:"reid_id"` // -1 while unresolved
	CameraID       string    `json:"camera_id"`
	OldState       string    `json:"old_state"`
	NewState       string    `json:"new_state"`
	TriggerReason  string    `json:"trigger_reason"`
	CountStatus    string    `json:"count_status"` // new or duplicate
	ExpirationTime time.Time `json:"expiration_time"`
	Distance       float64   `json:"distance,omitempty"`
}

// SystemEvent records an operational anomaly. It is never counted.
type SystemEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	ErrorType string         `json:"error_type"`
	Details   map[string]any `json:"details"`
}

const (
	LineBusiness = "business"
	LineSystem   = "system"
)

// LogLine is one line of a persisted event log file.
type LogLine struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}
