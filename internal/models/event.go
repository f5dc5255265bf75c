package models

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventAlertCreated       EventType = "alert-created"
	EventAlertStatusChanged EventType = "alert-status-changed"
	EventUnresolvedCritical EventType = "alert-unresolved-critical"
	EventZoneEntry          EventType = "zone-entry"
	EventZoneExit           EventType = "zone-exit"
)

// Event is an immutable fact on the append-only log. ID is the global log
// position and Seq the per-entity position; both are assigned by the store
// on append. Within an entity the sequence is the exact order of accepted
// commands.
type Event struct {
	ID        int64
	Seq       int64
	Type      EventType
	EntityID  string // alert id for alert events, subject id for zone events
	Timestamp time.Time
	Payload   json.RawMessage
}

type AlertCreatedPayload struct {
	AlertID   string        `json:"alert_id"`
	SubjectID string        `json:"subject_id"`
	Category  AlertCategory `json:"category"`
	Priority  AlertPriority `json:"priority"`
	Silent    bool          `json:"silent"`
}

type AlertStatusChangedPayload struct {
	AlertID   string        `json:"alert_id"`
	OldStatus AlertStatus   `json:"old_status"`
	NewStatus AlertStatus   `json:"new_status"`
	Tier      int           `json:"escalation_tier"`
	Priority  AlertPriority `json:"priority"`
	Escalated bool          `json:"escalated,omitempty"`
}

type ZoneEventPayload struct {
	SubjectID string   `json:"subject_id"`
	ZoneID    string   `json:"zone_id"`
	ZoneType  ZoneType `json:"zone_type"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Distance  float64  `json:"distance_meters"` // from zone center
}
