package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/go-emergency-response/internal/metrics"
	"github.com/emberhq/go-emergency-response/internal/models"
	"github.com/emberhq/go-emergency-response/internal/repository"
)

// Store is the persistence surface the machine writes through: the alert
// system of record plus the append-only log for events that carry no row
// change of their own.
type Store interface {
	repository.AlertRepository
	AppendEvent(ctx context.Context, ev *models.Event) error
}

// DeadlineScheduler is the escalation scheduler surface the machine drives.
// Arm replaces any pending deadline for the alert; Cancel is best-effort.
type DeadlineScheduler interface {
	Arm(alertID string, deadline time.Time, tier int)
	Cancel(alertID string)
}

// Publisher receives events after their durable append succeeded.
type Publisher interface {
	Publish(ev models.Event)
}

type Config struct {
	AutoEscalateAfter time.Duration
	MaxResponseTime   time.Duration
	MaxTier           int
}

const (
	persistAttempts = 3
	persistBackoff  = 50 * time.Millisecond

	// minEscalateInterval floors the per-tier halving of the escalation
	// deadline so high tiers cannot degenerate into a busy loop.
	minEscalateInterval = 30 * time.Second
)

// Machine owns the canonical lifecycle of every alert. Commands for one
// alert arrive serialized (the bridge hashes them onto a single lane), so
// the internal mutex only guards the index maps against cross-alert access.
// In-memory state mutates strictly after the durable write commits.
type Machine struct {
	repo  Store
	sched DeadlineScheduler
	pub   Publisher
	cfg   Config
	now   func() time.Time

	mu        sync.Mutex
	active    map[string]*models.Alert // non-terminal alerts by id
	bySubject map[subjectKey]string    // (subject, category) -> alert id
}

type subjectKey struct {
	subjectID string
	category  models.AlertCategory
}

func NewMachine(repo Store, sched DeadlineScheduler, pub Publisher, cfg Config) *Machine {
	return &Machine{
		repo:      repo,
		sched:     sched,
		pub:       pub,
		cfg:       cfg,
		now:       time.Now,
		active:    make(map[string]*models.Alert),
		bySubject: make(map[subjectKey]string),
	}
}

// Restore loads non-terminal alerts back into the in-memory index after a
// restart. Escalation deadlines are rebuilt separately by the scheduler.
func (m *Machine) Restore(ctx context.Context) error {
	alerts, err := m.repo.ListActiveAlerts(ctx)
	if err != nil {
		return fmt.Errorf("error restoring active alerts: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range alerts {
		a := alerts[i]
		m.active[a.ID] = &a
		m.bySubject[subjectKey{a.SubjectID, a.Category}] = a.ID
	}
	slog.Info("alert machine restored", "active", len(alerts))
	return nil
}

// ActiveAlerts snapshots the non-terminal alerts, for deadline rebuild.
func (m *Machine) ActiveAlerts() []models.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Alert, 0, len(m.active))
	for _, a := range m.active {
		out = append(out, *a)
	}
	return out
}

// DeadlineFor computes the escalation deadline an active alert should carry
// given its persisted status and last transition time. Used to rebuild the
// scheduler after a restart; lapsed deadlines land in the past and fire
// immediately.
func (m *Machine) DeadlineFor(a models.Alert) time.Time {
	if a.Status == models.AlertStatusAcknowledged {
		return a.TransitionAt.Add(m.cfg.MaxResponseTime)
	}
	return a.TransitionAt.Add(m.tierInterval(a.Tier))
}

type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  *float64
}

// Create allocates a new alert in created status, appends alert-created,
// and arms the tier-0 escalation deadline. A live alert for the same
// (subject, category) rejects the trigger; the existing alert is returned
// alongside the error so callers can report "already tracked".
func (m *Machine) Create(ctx context.Context, subjectID string, category models.AlertCategory, loc *Location, silent bool) (*models.Alert, error) {
	m.mu.Lock()
	if id, ok := m.bySubject[subjectKey{subjectID, category}]; ok {
		existing := snapshot(m.active[id])
		m.mu.Unlock()
		return existing, models.ErrDuplicateActiveAlert
	}
	m.mu.Unlock()

	now := m.now()
	a := &models.Alert{
		ID:           uuid.NewString(),
		SubjectID:    subjectID,
		Category:     category,
		Status:       models.AlertStatusCreated,
		Priority:     defaultPriority(category),
		CreatedAt:    now,
		TransitionAt: now,
		Silent:       silent,
	}
	if loc != nil {
		a.Latitude = &loc.Latitude
		a.Longitude = &loc.Longitude
		a.Accuracy = loc.Accuracy
	}

	ev, err := newEvent(models.EventAlertCreated, a.ID, now, models.AlertCreatedPayload{
		AlertID:   a.ID,
		SubjectID: a.SubjectID,
		Category:  a.Category,
		Priority:  a.Priority,
		Silent:    a.Silent,
	})
	if err != nil {
		return nil, err
	}

	if err := m.persist(ctx, func(c context.Context) error {
		return m.repo.CreateAlert(c, a, ev)
	}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[a.ID] = a
	m.bySubject[subjectKey{subjectID, category}] = a.ID
	m.mu.Unlock()

	m.pub.Publish(*ev)
	m.sched.Arm(a.ID, now.Add(m.cfg.AutoEscalateAfter), 0)
	metrics.AlertsCreated.WithLabelValues(string(category)).Inc()

	slog.Info("alert created", "alert_id", a.ID, "subject_id", subjectID,
		"category", category, "priority", a.Priority, "silent", silent)
	return snapshot(a), nil
}

// Assign transitions created -> dispatched and records the responder.
func (m *Machine) Assign(ctx context.Context, alertID, responderID string) (*models.Alert, error) {
	a, err := m.lookup(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AlertStatusCreated {
		return nil, fmt.Errorf("assign from %s: %w", a.Status, models.ErrInvalidTransition)
	}

	next := snapshot(a)
	next.ResponderID = responderID
	return m.transition(ctx, a, next, models.AlertStatusDispatched, false)
}

// Acknowledge transitions dispatched -> acknowledged. Only the assigned
// responder may acknowledge; the tier deadline is swapped for the longer
// resolution deadline.
func (m *Machine) Acknowledge(ctx context.Context, alertID, responderID string) (*models.Alert, error) {
	a, err := m.lookup(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Status != models.AlertStatusDispatched {
		return nil, fmt.Errorf("acknowledge from %s: %w", a.Status, models.ErrInvalidTransition)
	}
	if a.ResponderID != responderID {
		return nil, fmt.Errorf("responder %s: %w", responderID, models.ErrUnauthorized)
	}

	next := snapshot(a)
	updated, err := m.transition(ctx, a, next, models.AlertStatusAcknowledged, false)
	if err != nil {
		return nil, err
	}

	m.sched.Arm(alertID, m.now().Add(m.cfg.MaxResponseTime), updated.Tier)
	return updated, nil
}

// Resolve closes the alert with a terminal outcome from any non-terminal
// status and cancels the pending deadline.
func (m *Machine) Resolve(ctx context.Context, alertID string, outcome models.AlertStatus) (*models.Alert, error) {
	if outcome != models.AlertStatusResolved && outcome != models.AlertStatusFalseAlarm {
		return nil, fmt.Errorf("outcome %s: %w", outcome, models.ErrInvalidTransition)
	}

	a, err := m.lookup(ctx, alertID)
	if err != nil {
		return nil, err
	}

	next := snapshot(a)
	resolvedAt := m.now()
	next.ResolvedAt = &resolvedAt
	updated, err := m.transition(ctx, a, next, outcome, false)
	if err != nil {
		return nil, err
	}

	m.sched.Cancel(alertID)
	return updated, nil
}

// Escalate bumps the alert one tier and one priority rung without changing
// its status node. Invoked by the scheduler; a fire racing a resolve finds
// the alert terminal and reports ErrInvalidTransition, which the caller
// treats as a harmless duplicate.
func (m *Machine) Escalate(ctx context.Context, alertID string) (*models.Alert, error) {
	a, err := m.lookup(ctx, alertID)
	if err != nil {
		return nil, err
	}

	next := snapshot(a)
	next.Tier = a.Tier + 1
	next.Priority = a.Priority.Bump()
	updated, err := m.transition(ctx, a, next, a.Status, true)
	if err != nil {
		return nil, err
	}

	metrics.Escalations.WithLabelValues(strconv.Itoa(updated.Tier)).Inc()

	if updated.Tier >= m.cfg.MaxTier {
		// Ceiling reached: raise the out-of-band signal once per SLA window
		// and stop re-arming. A human has to break the loop now.
		m.emitUnresolvedCritical(ctx, updated)
	} else {
		m.sched.Arm(alertID, m.now().Add(m.tierInterval(updated.Tier)), updated.Tier)
	}

	slog.Warn("alert escalated", "alert_id", alertID, "tier", updated.Tier,
		"priority", updated.Priority)
	return updated, nil
}

// Get returns the live in-memory alert if active, falling back to the
// store for archived ones.
func (m *Machine) Get(ctx context.Context, alertID string) (*models.Alert, error) {
	m.mu.Lock()
	if a, ok := m.active[alertID]; ok {
		s := snapshot(a)
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	a, err := m.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, models.ErrAlertNotFound
	}
	return a, nil
}

// lookup resolves an alert id for a mutating command. Archived alerts are
// reported as ErrInvalidTransition, unknown ids as ErrAlertNotFound.
func (m *Machine) lookup(ctx context.Context, alertID string) (*models.Alert, error) {
	m.mu.Lock()
	a, ok := m.active[alertID]
	m.mu.Unlock()
	if ok {
		return a, nil
	}

	stored, err := m.repo.GetAlert(ctx, alertID)
	if err != nil {
		return nil, fmt.Errorf("error loading alert %s: %w", alertID, err)
	}
	if stored == nil {
		return nil, models.ErrAlertNotFound
	}
	return nil, fmt.Errorf("alert %s is %s: %w", alertID, stored.Status, models.ErrInvalidTransition)
}

// transition validates the edge, persists row+event atomically, then swaps
// the in-memory state and publishes. next carries any field changes beyond
// the status itself (responder, tier, resolution time).
func (m *Machine) transition(ctx context.Context, current, next *models.Alert, to models.AlertStatus, escalated bool) (*models.Alert, error) {
	if !escalated && !models.CanTransition(current.Status, to) {
		return nil, fmt.Errorf("%s -> %s: %w", current.Status, to, models.ErrInvalidTransition)
	}
	if escalated && current.Status.Terminal() {
		return nil, fmt.Errorf("escalate from %s: %w", current.Status, models.ErrInvalidTransition)
	}

	now := m.now()
	next.Status = to
	next.TransitionAt = now

	ev, err := newEvent(models.EventAlertStatusChanged, next.ID, now, models.AlertStatusChangedPayload{
		AlertID:   next.ID,
		OldStatus: current.Status,
		NewStatus: to,
		Tier:      next.Tier,
		Priority:  next.Priority,
		Escalated: escalated,
	})
	if err != nil {
		return nil, err
	}

	if err := m.persist(ctx, func(c context.Context) error {
		return m.repo.UpdateAlert(c, next, ev)
	}); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if to.Terminal() {
		delete(m.active, next.ID)
		delete(m.bySubject, subjectKey{next.SubjectID, next.Category})
	} else {
		m.active[next.ID] = next
	}
	m.mu.Unlock()

	m.pub.Publish(*ev)
	metrics.StatusTransitions.WithLabelValues(string(to)).Inc()

	slog.Info("alert transitioned", "alert_id", next.ID, "from", current.Status,
		"to", to, "tier", next.Tier)
	return snapshot(next), nil
}

func (m *Machine) emitUnresolvedCritical(ctx context.Context, a *models.Alert) {
	ev, err := newEvent(models.EventUnresolvedCritical, a.ID, m.now(), models.AlertStatusChangedPayload{
		AlertID:   a.ID,
		OldStatus: a.Status,
		NewStatus: a.Status,
		Tier:      a.Tier,
		Priority:  a.Priority,
		Escalated: true,
	})
	if err != nil {
		slog.Error("error building unresolved-critical event", "alert_id", a.ID, "error", err)
		return
	}

	if err := m.persist(ctx, func(c context.Context) error {
		return m.repo.AppendEvent(c, ev)
	}); err != nil {
		slog.Error("error appending unresolved-critical event", "alert_id", a.ID, "error", err)
		return
	}

	m.pub.Publish(*ev)
	metrics.UnresolvedCritical.Inc()
	slog.Error("alert unresolved at maximum escalation tier", "alert_id", a.ID,
		"subject_id", a.SubjectID, "tier", a.Tier)
}

// persist retries the durable write a bounded number of times with capped
// backoff. Exhaustion surfaces ErrPersistence so the originating command
// is nack'd rather than silently discarded.
func (m *Machine) persist(ctx context.Context, write func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		lastErr = write(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, models.ErrAlertNotFound) || ctx.Err() != nil {
			break
		}
		metrics.PersistenceRetries.Inc()
		slog.Warn("durable write failed, retrying", "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", models.ErrPersistence, ctx.Err())
		case <-time.After(time.Duration(attempt) * persistBackoff):
		}
	}
	if errors.Is(lastErr, models.ErrAlertNotFound) {
		return lastErr
	}
	return fmt.Errorf("%w: %v", models.ErrPersistence, lastErr)
}

// tierInterval halves the base escalation interval per tier.
func (m *Machine) tierInterval(tier int) time.Duration {
	d := m.cfg.AutoEscalateAfter
	for i := 0; i < tier; i++ {
		d /= 2
	}
	if d < minEscalateInterval {
		d = minEscalateInterval
	}
	return d
}

// snapshot copies machine-owned state so callers cannot mutate it.
func snapshot(a *models.Alert) *models.Alert {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

func defaultPriority(category models.AlertCategory) models.AlertPriority {
	switch category {
	case models.AlertCategoryPanic, models.AlertCategoryMedical, models.AlertCategoryFire:
		return models.AlertPriorityHigh
	default:
		return models.AlertPriorityMedium
	}
}

func newEvent(t models.EventType, entityID string, ts time.Time, payload any) (*models.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error encoding %s payload: %w", t, err)
	}
	return &models.Event{
		Type:      t,
		EntityID:  entityID,
		Timestamp: ts,
		Payload:   raw,
	}, nil
}
