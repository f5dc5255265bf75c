package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberhq/go-emergency-response/internal/alert"
	"github.com/emberhq/go-emergency-response/internal/geofence"
	"github.com/emberhq/go-emergency-response/internal/metrics"
	"github.com/emberhq/go-emergency-response/internal/models"
	"github.com/emberhq/go-emergency-response/internal/repository"
	"github.com/emberhq/go-emergency-response/internal/worker"
)

// Store is the persistence surface the bridge's components write through.
type Store interface {
	repository.AlertRepository
	repository.EventRepository
}

type Config struct {
	Lanes      int
	BufferSize int
	Alert      alert.Config
	Geofence   geofence.Config
}

// Bridge is the ordered channel connecting command producers (API ingress,
// the scheduler, the evaluator's auto-triggers) to the components that own
// state. Commands hash by entity key onto worker lanes: everything for one
// alert runs on one lane in arrival order, samples serialize per subject,
// and distinct entities proceed in parallel.
type Bridge struct {
	pool        *worker.KeyedPool
	machine     *alert.Machine
	evaluator   *geofence.Evaluator
	broadcaster *Broadcaster
	sched       alert.DeadlineScheduler
}

// escalateRetryWait is how far out a fire is pushed when applying it failed
// past the machine's own write retries.
const escalateRetryWait = time.Second

func New(store Store, idx *geofence.Index, sched alert.DeadlineScheduler, cfg Config) *Bridge {
	b := &Bridge{
		broadcaster: NewBroadcaster(),
		sched:       sched,
	}
	b.machine = alert.NewMachine(store, sched, b.broadcaster, cfg.Alert)
	b.evaluator = geofence.NewEvaluator(idx, store, b.broadcaster, b, cfg.Geofence)
	b.pool = worker.NewKeyedPool(cfg.Lanes, cfg.BufferSize, b.process)
	return b
}

func (b *Bridge) Machine() *alert.Machine        { return b.machine }
func (b *Bridge) Evaluator() *geofence.Evaluator { return b.evaluator }
func (b *Bridge) Broadcaster() *Broadcaster      { return b.broadcaster }

func (b *Bridge) Start(ctx context.Context) {
	b.pool.Start(ctx)
}

func (b *Bridge) Stop() {
	b.pool.Stop()
	b.broadcaster.Close()
}

// Restore replays persisted state after a restart: active alerts back into
// the machine, memberships from the zone event log, and escalation
// deadlines from status + last transition time.
func (b *Bridge) Restore(ctx context.Context, rearm func(alerts []models.Alert)) error {
	if err := b.machine.Restore(ctx); err != nil {
		return err
	}
	if err := b.evaluator.Restore(ctx); err != nil {
		return err
	}
	if rearm != nil {
		rearm(b.machine.ActiveAlerts())
	}
	return nil
}

// Enqueue routes a command onto its entity's lane. A full lane fails fast
// so the ingress path never blocks; callers surface backpressure upstream.
func (b *Bridge) Enqueue(cmd Command) error {
	if err := b.pool.Submit(cmd.CommandKey(), cmd); err != nil {
		metrics.CommandsRejected.Inc()
		return fmt.Errorf("enqueue %s: %w", cmd.CommandName(), err)
	}
	metrics.CommandsEnqueued.WithLabelValues(cmd.CommandName()).Inc()
	return nil
}

// FireEscalation is the scheduler's delivery path: the lapsed deadline
// becomes an escalate command on the alert's lane. An enqueue failure is
// reported back so the scheduler re-arms instead of dropping the fire.
func (b *Bridge) FireEscalation(alertID string, tier int) error {
	return b.Enqueue(EscalateAlert{AlertID: alertID, FromTier: tier})
}

// TriggerZoneAlert is the evaluator's auto-trigger path: a policy-relevant
// zone transition becomes a create command, keeping all alert mutation on
// the alert lanes.
func (b *Bridge) TriggerZoneAlert(subjectID string, zone models.Zone, sample models.LocationSample) {
	cmd := CreateAlert{
		SubjectID: subjectID,
		Category:  models.AlertCategoryGeofence,
		Location: &alert.Location{
			Latitude:  sample.Latitude,
			Longitude: sample.Longitude,
			Accuracy:  sample.Accuracy,
		},
	}
	if err := b.Enqueue(cmd); err != nil {
		slog.Error("error enqueueing geofence alert", "subject_id", subjectID,
			"zone_id", zone.ID, "error", err)
	}
}

func (b *Bridge) process(ctx context.Context, job worker.Job) error {
	switch cmd := job.(type) {
	case CreateAlert:
		a, err := b.machine.Create(ctx, cmd.SubjectID, cmd.Category, cmd.Location, cmd.Silent)
		if errors.Is(err, models.ErrDuplicateActiveAlert) && cmd.Reply == nil {
			// Fire-and-forget triggers treat a live alert as already tracked.
			slog.Debug("duplicate trigger ignored", "subject_id", cmd.SubjectID,
				"category", cmd.Category, "alert_id", a.ID)
			return nil
		}
		reply(cmd.Reply, a, err)
		return err

	case AssignAlert:
		a, err := b.machine.Assign(ctx, cmd.AlertID, cmd.ResponderID)
		reply(cmd.Reply, a, err)
		return err

	case AcknowledgeAlert:
		a, err := b.machine.Acknowledge(ctx, cmd.AlertID, cmd.ResponderID)
		reply(cmd.Reply, a, err)
		return err

	case ResolveAlert:
		a, err := b.machine.Resolve(ctx, cmd.AlertID, cmd.Outcome)
		reply(cmd.Reply, a, err)
		return err

	case EscalateAlert:
		_, err := b.machine.Escalate(ctx, cmd.AlertID)
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrAlertNotFound) {
			// Fire raced a terminal transition; tolerated, not an error.
			slog.Debug("escalation raced terminal transition", "alert_id", cmd.AlertID)
			return nil
		}
		if err != nil {
			// The scheduler already gave this fire up; put the deadline back
			// so a store outage delays the escalation instead of losing it.
			slog.Warn("escalation failed, re-arming", "alert_id", cmd.AlertID,
				"tier", cmd.FromTier, "error", err)
			b.sched.Arm(cmd.AlertID, time.Now().Add(escalateRetryWait), cmd.FromTier)
		}
		return err

	case LocationSample:
		_, err := b.evaluator.Process(ctx, models.LocationSample(cmd))
		if errors.Is(err, models.ErrStaleSample) {
			return nil
		}
		if err != nil {
			// The 202 already went out; the loss has to be visible somewhere.
			slog.Error("location sample lost", "subject_id", cmd.SubjectID, "error", err)
		}
		return err

	default:
		slog.Error("unknown command type", "command", fmt.Sprintf("%T", job))
		return nil
	}
}

func reply(ch chan Result, a *models.Alert, err error) {
	if ch == nil {
		return
	}
	ch <- Result{Alert: a, Err: err}
}
