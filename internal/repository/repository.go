package repository

import (
	"context"
	"time"

	"github.com/emberhq/go-emergency-response/internal/models"
)

type AlertFilter struct {
	Limit     int
	Offset    int
	SubjectID string
	Status    *models.AlertStatus
	Category  *models.AlertCategory
	Since     *time.Time
}

type EventFilter struct {
	Limit    int
	EntityID string
	Types    []models.EventType
	AfterID  int64 // global log position, exclusive
}

// AlertRepository is the system of record for alerts. Writes that represent
// a lifecycle step take the emitted event in the same call so row and log
// commit atomically; the in-memory transition only applies after success.
type AlertRepository interface {
	CreateAlert(ctx context.Context, a *models.Alert, ev *models.Event) error
	UpdateAlert(ctx context.Context, a *models.Alert, ev *models.Event) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ListAlerts(ctx context.Context, opts AlertFilter) ([]models.Alert, error)
	ListActiveAlerts(ctx context.Context) ([]models.Alert, error)
}

type ZoneRepository interface {
	UpsertZone(ctx context.Context, z *models.Zone) error
	GetZone(ctx context.Context, id string) (*models.Zone, error)
	ListZones(ctx context.Context, activeOnly bool) ([]models.Zone, error)
	SetZoneActive(ctx context.Context, id string, active bool) error
}

type EventRepository interface {
	AppendEvent(ctx context.Context, ev *models.Event) error
	ListEvents(ctx context.Context, opts EventFilter) ([]models.Event, error)
}
