package bridge

import (
	"github.com/emberhq/go-emergency-response/internal/alert"
	"github.com/emberhq/go-emergency-response/internal/models"
)

// Command is one unit of inbound work. CommandKey picks the serialization
// lane: alert id for lifecycle commands, subject id for samples and
// creates (so duplicate triggers for one subject serialize through the
// dedup guard).
type Command interface {
	CommandKey() string
	CommandName() string
}

// Result answers a synchronous caller waiting on a command it enqueued.
type Result struct {
	Alert *models.Alert
	Err   error
}

type CreateAlert struct {
	SubjectID string
	Category  models.AlertCategory
	Location  *alert.Location
	Silent    bool
	Reply     chan Result
}

func (c CreateAlert) CommandKey() string  { return c.SubjectID }
func (c CreateAlert) CommandName() string { return "create_alert" }

type AssignAlert struct {
	AlertID     string
	ResponderID string
	Reply       chan Result
}

func (c AssignAlert) CommandKey() string  { return c.AlertID }
func (c AssignAlert) CommandName() string { return "assign_alert" }

type AcknowledgeAlert struct {
	AlertID     string
	ResponderID string
	Reply       chan Result
}

func (c AcknowledgeAlert) CommandKey() string  { return c.AlertID }
func (c AcknowledgeAlert) CommandName() string { return "acknowledge_alert" }

type ResolveAlert struct {
	AlertID string
	Outcome models.AlertStatus
	Reply   chan Result
}

func (c ResolveAlert) CommandKey() string  { return c.AlertID }
func (c ResolveAlert) CommandName() string { return "resolve_alert" }

// EscalateAlert is internal: only the scheduler's fire path enqueues it.
type EscalateAlert struct {
	AlertID  string
	FromTier int
}

func (c EscalateAlert) CommandKey() string  { return c.AlertID }
func (c EscalateAlert) CommandName() string { return "escalate_alert" }

type LocationSample models.LocationSample

func (c LocationSample) CommandKey() string  { return c.SubjectID }
func (c LocationSample) CommandName() string { return "location_sample" }
