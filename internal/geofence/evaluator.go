package geofence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emberhq/go-emergency-response/internal/metrics"
	"github.com/emberhq/go-emergency-response/internal/models"
	"github.com/emberhq/go-emergency-response/internal/repository"
)

// Publisher receives zone events after their durable append succeeded.
type Publisher interface {
	Publish(ev models.Event)
}

// AlertTrigger receives the auto-trigger side effect of a policy-relevant
// transition. Implemented by the bridge as a CreateAlert command enqueue,
// never a direct call into the state machine.
type AlertTrigger interface {
	TriggerZoneAlert(subjectID string, zone models.Zone, sample models.LocationSample)
}

type Config struct {
	// HysteresisMargin is how far beyond the radius a sample must land to
	// register an exit, damping boundary oscillation. 0 disables it.
	HysteresisMargin float64
	// AutoTrigger enables alert creation on safe-zone exit and
	// restricted-zone entry.
	AutoTrigger bool
}

const (
	appendAttempts = 3
	appendBackoff  = 50 * time.Millisecond
)

// Evaluator turns raw location samples into zone entry/exit events. It owns
// the membership records exclusively; samples for one subject arrive
// serialized through the bridge, the mutex only guards cross-subject map
// access.
type Evaluator struct {
	idx     *Index
	events  repository.EventRepository
	pub     Publisher
	trigger AlertTrigger
	cfg     Config

	mu       sync.Mutex
	members  map[memberKey]*models.Membership
	lastSeen map[string]time.Time // per subject, newest accepted sample
}

type memberKey struct {
	subjectID string
	zoneID    string
}

func NewEvaluator(idx *Index, events repository.EventRepository, pub Publisher, trigger AlertTrigger, cfg Config) *Evaluator {
	return &Evaluator{
		idx:      idx,
		events:   events,
		pub:      pub,
		trigger:  trigger,
		cfg:      cfg,
		members:  make(map[memberKey]*models.Membership),
		lastSeen: make(map[string]time.Time),
	}
}

// Restore rebuilds membership records by replaying the persisted zone event
// log. The records are a derived cache; the log is the only durable trace.
func (e *Evaluator) Restore(ctx context.Context) error {
	events, err := e.events.ListEvents(ctx, repository.EventFilter{
		Types: []models.EventType{models.EventZoneEntry, models.EventZoneExit},
	})
	if err != nil {
		return fmt.Errorf("error replaying zone events: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range events {
		var p models.ZoneEventPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			slog.Warn("skipping undecodable zone event", "event_id", ev.ID, "error", err)
			continue
		}
		key := memberKey{p.SubjectID, p.ZoneID}
		e.members[key] = &models.Membership{
			SubjectID:    p.SubjectID,
			ZoneID:       p.ZoneID,
			Inside:       ev.Type == models.EventZoneEntry,
			TransitionAt: ev.Timestamp,
		}
		if ev.Timestamp.After(e.lastSeen[p.SubjectID]) {
			e.lastSeen[p.SubjectID] = ev.Timestamp
		}
	}
	slog.Info("memberships restored from event log", "records", len(e.members))
	return nil
}

// Process evaluates one sample against every active zone and returns the
// transitions it produced. Out-of-order samples are rejected with
// ErrStaleSample and mutate nothing; an in-order sample that changes no
// membership still advances the subject's last-seen time.
func (e *Evaluator) Process(ctx context.Context, s models.LocationSample) ([]models.Event, error) {
	e.mu.Lock()
	if last, ok := e.lastSeen[s.SubjectID]; ok && s.Timestamp.Before(last) {
		e.mu.Unlock()
		metrics.StaleSamples.Inc()
		slog.Debug("dropping stale location sample", "subject_id", s.SubjectID,
			"sample_ts", s.Timestamp, "last_seen", last)
		return nil, models.ErrStaleSample
	}
	e.lastSeen[s.SubjectID] = s.Timestamp
	e.mu.Unlock()

	var emitted []models.Event
	for _, zone := range e.idx.Snapshot() {
		dist := Haversine(s.Latitude, s.Longitude, zone.Latitude, zone.Longitude)

		e.mu.Lock()
		key := memberKey{s.SubjectID, zone.ID}
		rec, ok := e.members[key]
		inside := ok && rec.Inside
		e.mu.Unlock()

		var evType models.EventType
		switch {
		case !inside && dist <= zone.Radius:
			evType = models.EventZoneEntry
		case inside && dist > zone.Radius+e.cfg.HysteresisMargin:
			evType = models.EventZoneExit
		default:
			continue
		}

		ev, err := e.record(ctx, evType, zone, s, dist)
		if err != nil {
			return emitted, err
		}
		emitted = append(emitted, *ev)

		if e.shouldTrigger(evType, zone.Type) {
			// Same logical step as the zone event, but routed as a command
			// so all alert mutation stays on the alert lane.
			e.trigger.TriggerZoneAlert(s.SubjectID, zone, s)
		}
	}

	return emitted, nil
}

// record persists the transition to the event log, then flips the
// membership record and publishes. Membership only changes after the
// durable append so a crash cannot strand an unlogged transition.
func (e *Evaluator) record(ctx context.Context, evType models.EventType, zone models.Zone, s models.LocationSample, dist float64) (*models.Event, error) {
	payload, err := json.Marshal(models.ZoneEventPayload{
		SubjectID: s.SubjectID,
		ZoneID:    zone.ID,
		ZoneType:  zone.Type,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Distance:  dist,
	})
	if err != nil {
		return nil, fmt.Errorf("error encoding zone event payload: %w", err)
	}
	ev := &models.Event{
		Type:      evType,
		EntityID:  s.SubjectID,
		Timestamp: s.Timestamp,
		Payload:   payload,
	}

	var lastErr error
	for attempt := 1; attempt <= appendAttempts; attempt++ {
		lastErr = e.events.AppendEvent(ctx, ev)
		if lastErr == nil {
			break
		}
		metrics.PersistenceRetries.Inc()
		slog.Warn("zone event append failed, retrying", "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", models.ErrPersistence, ctx.Err())
		case <-time.After(time.Duration(attempt) * appendBackoff):
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrPersistence, lastErr)
	}

	e.mu.Lock()
	e.members[memberKey{s.SubjectID, zone.ID}] = &models.Membership{
		SubjectID:    s.SubjectID,
		ZoneID:       zone.ID,
		Inside:       evType == models.EventZoneEntry,
		TransitionAt: s.Timestamp,
	}
	e.mu.Unlock()

	e.pub.Publish(*ev)
	metrics.ZoneEvents.WithLabelValues(string(evType)).Inc()

	slog.Info("zone transition", "subject_id", s.SubjectID, "zone_id", zone.ID,
		"zone_type", zone.Type, "event", evType, "distance_m", dist)
	return ev, nil
}

func (e *Evaluator) shouldTrigger(evType models.EventType, zoneType models.ZoneType) bool {
	if !e.cfg.AutoTrigger || e.trigger == nil {
		return false
	}
	switch zoneType {
	case models.ZoneTypeSafe:
		return evType == models.EventZoneExit
	case models.ZoneTypeRestricted:
		return evType == models.EventZoneEntry
	default:
		return false
	}
}

// Membership returns the current record for a (subject, zone) pair, if any.
func (e *Evaluator) Membership(subjectID, zoneID string) (models.Membership, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.members[memberKey{subjectID, zoneID}]
	if !ok {
		return models.Membership{}, false
	}
	return *rec, true
}
