package models

import "time"

type AlertCategory string

const (
	AlertCategoryPanic    AlertCategory = "panic"
	AlertCategoryMedical  AlertCategory = "medical"
	AlertCategoryFire     AlertCategory = "fire"
	AlertCategoryTheft    AlertCategory = "theft"
	AlertCategoryGeofence AlertCategory = "geofence-triggered"
)

func ParseAlertCategory(s string) (AlertCategory, bool) {
	switch AlertCategory(s) {
	case AlertCategoryPanic, AlertCategoryMedical, AlertCategoryFire, AlertCategoryTheft, AlertCategoryGeofence:
		return AlertCategory(s), true
	}
	return "", false
}

type AlertStatus string

const (
	AlertStatusCreated      AlertStatus = "created"
	AlertStatusDispatched   AlertStatus = "dispatched"
	AlertStatusAcknowledged AlertStatus = "acknowledged"
	AlertStatusResolved     AlertStatus = "resolved"
	AlertStatusFalseAlarm   AlertStatus = "false_alarm"
)

// Terminal reports whether no further transitions are possible.
func (s AlertStatus) Terminal() bool {
	return s == AlertStatusResolved || s == AlertStatusFalseAlarm
}

// validTransitions is the closed transition table. A (from, to) pair absent
// here is rejected, never silently ignored. Escalation is a priority bump
// on any non-terminal status, not an edge of the graph.
var validTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusCreated:      {AlertStatusDispatched, AlertStatusResolved, AlertStatusFalseAlarm},
	AlertStatusDispatched:   {AlertStatusAcknowledged, AlertStatusResolved, AlertStatusFalseAlarm},
	AlertStatusAcknowledged: {AlertStatusResolved, AlertStatusFalseAlarm},
}

// CanTransition reports whether from -> to is an edge of the state graph.
func CanTransition(from, to AlertStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type AlertPriority string

const (
	AlertPriorityLow      AlertPriority = "low"
	AlertPriorityMedium   AlertPriority = "medium"
	AlertPriorityHigh     AlertPriority = "high"
	AlertPriorityCritical AlertPriority = "critical"
)

// Bump returns the next rung of the priority ladder, capped at critical.
func (p AlertPriority) Bump() AlertPriority {
	switch p {
	case AlertPriorityLow:
		return AlertPriorityMedium
	case AlertPriorityMedium:
		return AlertPriorityHigh
	default:
		return AlertPriorityCritical
	}
}

type Alert struct {
	ID           string
	SubjectID    string
	ResponderID  string // empty until dispatched
	Category     AlertCategory
	Status       AlertStatus
	Priority     AlertPriority
	Tier         int // escalation tier, 0 = never escalated
	Latitude     *float64
	Longitude    *float64
	Accuracy     *float64 // meters, as reported by the device
	Silent       bool
	CreatedAt    time.Time
	TransitionAt time.Time // last accepted transition
	ResolvedAt   *time.Time
}
