package models

import "time"

type ZoneType string

const (
	ZoneTypeSafe       ZoneType = "safe"
	ZoneTypeRestricted ZoneType = "restricted"
	ZoneTypeCustom     ZoneType = "custom"
)

func ParseZoneType(s string) (ZoneType, bool) {
	switch ZoneType(s) {
	case ZoneTypeSafe, ZoneTypeRestricted, ZoneTypeCustom:
		return ZoneType(s), true
	}
	return "", false
}

// Zone is a circular geofence definition. Zones are owned by configuration;
// the evaluator only ever reads a snapshot of the active set.
type Zone struct {
	ID        string
	Name      string
	Type      ZoneType
	Latitude  float64
	Longitude float64
	Radius    float64 // meters
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// LocationSample is one raw position report from a subject's device.
type LocationSample struct {
	SubjectID string
	Latitude  float64
	Longitude float64
	Accuracy  *float64 // meters, optional
	Timestamp time.Time
}

// Membership is the derived fact of whether a subject is currently inside
// a zone. It is a cache: rebuildable from the zone event log, never the
// source of truth.
type Membership struct {
	SubjectID    string
	ZoneID       string
	Inside       bool
	TransitionAt time.Time
}
