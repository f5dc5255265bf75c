package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/emberhq/go-emergency-response/internal/models"
)

func setupTestDB(t *testing.T) *SQLiteDB {
	db, err := NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testAlert(id, subjectID string) *models.Alert {
	now := time.Now()
	return &models.Alert{
		ID:           id,
		SubjectID:    subjectID,
		Category:     models.AlertCategoryPanic,
		Status:       models.AlertStatusCreated,
		Priority:     models.AlertPriorityHigh,
		CreatedAt:    now,
		TransitionAt: now,
	}
}

func testEvent(t models.EventType, entityID string) *models.Event {
	return &models.Event{
		Type:      t,
		EntityID:  entityID,
		Timestamp: time.Now(),
		Payload:   []byte(`{}`),
	}
}

func TestSQLiteDB_CreateAndGetAlert(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := testAlert("alert-1", "subject-1")
	lat, acc := 37.5, 12.0
	a.Latitude = &lat
	a.Longitude = &lat
	a.Accuracy = &acc

	if err := db.CreateAlert(ctx, a, testEvent(models.EventAlertCreated, a.ID)); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}

	got, err := db.GetAlert(ctx, "alert-1")
	if err != nil {
		t.Fatalf("GetAlert failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected alert, got nil")
	}
	if got.SubjectID != "subject-1" || got.Status != models.AlertStatusCreated {
		t.Errorf("unexpected alert: %+v", got)
	}
	if got.Latitude == nil || *got.Latitude != lat {
		t.Errorf("expected latitude %v, got %v", lat, got.Latitude)
	}
	if got.ResponderID != "" {
		t.Errorf("expected empty responder, got %q", got.ResponderID)
	}
}

func TestSQLiteDB_GetAlert_Missing(t *testing.T) {
	db := setupTestDB(t)

	got, err := db.GetAlert(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetAlert failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing alert, got %+v", got)
	}
}

func TestSQLiteDB_OneActiveAlertPerSubjectCategory(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a1 := testAlert("alert-1", "subject-1")
	if err := db.CreateAlert(ctx, a1, testEvent(models.EventAlertCreated, a1.ID)); err != nil {
		t.Fatalf("first CreateAlert failed: %v", err)
	}

	// Second live alert for the same (subject, category) violates the
	// partial unique index.
	a2 := testAlert("alert-2", "subject-1")
	if err := db.CreateAlert(ctx, a2, testEvent(models.EventAlertCreated, a2.ID)); err == nil {
		t.Fatal("expected unique constraint violation, got nil")
	}

	// Resolving the first frees the slot.
	a1.Status = models.AlertStatusResolved
	resolvedAt := time.Now()
	a1.ResolvedAt = &resolvedAt
	if err := db.UpdateAlert(ctx, a1, testEvent(models.EventAlertStatusChanged, a1.ID)); err != nil {
		t.Fatalf("UpdateAlert failed: %v", err)
	}
	if err := db.CreateAlert(ctx, a2, testEvent(models.EventAlertCreated, a2.ID)); err != nil {
		t.Fatalf("CreateAlert after resolve failed: %v", err)
	}
}

func TestSQLiteDB_UpdateAlert_Missing(t *testing.T) {
	db := setupTestDB(t)

	a := testAlert("ghost", "subject-1")
	err := db.UpdateAlert(context.Background(), a, testEvent(models.EventAlertStatusChanged, a.ID))
	if !errors.Is(err, models.ErrAlertNotFound) {
		t.Errorf("expected ErrAlertNotFound, got %v", err)
	}
}

func TestSQLiteDB_AtomicRowAndEvent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	a := testAlert("alert-1", "subject-1")
	if err := db.CreateAlert(ctx, a, testEvent(models.EventAlertCreated, a.ID)); err != nil {
		t.Fatalf("CreateAlert failed: %v", err)
	}

	// A failed update must not leave a stray event behind.
	dup := testAlert("ghost", "subject-2")
	db.UpdateAlert(ctx, dup, testEvent(models.EventAlertStatusChanged, dup.ID))

	events, err := db.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 event, got %d", len(events))
	}
}

func TestSQLiteDB_ListAlerts_WithFilters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	seeds := []struct {
		id, subject string
		category    models.AlertCategory
		status      models.AlertStatus
	}{
		{"a1", "s1", models.AlertCategoryPanic, models.AlertStatusCreated},
		{"a2", "s1", models.AlertCategoryMedical, models.AlertStatusResolved},
		{"a3", "s2", models.AlertCategoryPanic, models.AlertStatusDispatched},
	}
	for _, s := range seeds {
		a := testAlert(s.id, s.subject)
		a.Category = s.category
		a.Status = s.status
		if err := db.CreateAlert(ctx, a, testEvent(models.EventAlertCreated, a.ID)); err != nil {
			t.Fatalf("CreateAlert %s failed: %v", s.id, err)
		}
	}

	got, err := db.ListAlerts(ctx, AlertFilter{SubjectID: "s1"})
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 alerts for s1, got %d", len(got))
	}

	status := models.AlertStatusDispatched
	got, err = db.ListAlerts(ctx, AlertFilter{Status: &status})
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a3" {
		t.Errorf("expected [a3], got %+v", got)
	}

	cat := models.AlertCategoryPanic
	got, err = db.ListAlerts(ctx, AlertFilter{Category: &cat, Limit: 1})
	if err != nil {
		t.Fatalf("ListAlerts failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 alert with limit, got %d", len(got))
	}

	active, err := db.ListActiveAlerts(ctx)
	if err != nil {
		t.Fatalf("ListActiveAlerts failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("expected 2 active alerts, got %d", len(active))
	}
}

func TestSQLiteDB_EventSequencing(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	// Interleave appends across two entities; Seq is per entity, ID global.
	for i := 0; i < 3; i++ {
		if err := db.AppendEvent(ctx, testEvent(models.EventZoneEntry, "s1")); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		if err := db.AppendEvent(ctx, testEvent(models.EventZoneExit, "s2")); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	s1, err := db.ListEvents(ctx, EventFilter{EntityID: "s1"})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(s1) != 3 {
		t.Fatalf("expected 3 events for s1, got %d", len(s1))
	}
	for i, ev := range s1 {
		if ev.Seq != int64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, ev.Seq)
		}
	}

	all, err := db.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Errorf("global ids not ascending: %d then %d", all[i-1].ID, all[i].ID)
		}
	}

	// AfterID is an exclusive cursor over the global log.
	tail, err := db.ListEvents(ctx, EventFilter{AfterID: all[3].ID})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("expected 2 events after cursor, got %d", len(tail))
	}

	typed, err := db.ListEvents(ctx, EventFilter{Types: []models.EventType{models.EventZoneExit}})
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(typed) != 3 {
		t.Errorf("expected 3 zone-exit events, got %d", len(typed))
	}
}

func TestSQLiteDB_Zones(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Now()
	z := &models.Zone{
		ID:        "zone-1",
		Name:      "Campus",
		Type:      models.ZoneTypeSafe,
		Latitude:  37.0,
		Longitude: -122.0,
		Radius:    1000,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := db.UpsertZone(ctx, z); err != nil {
		t.Fatalf("UpsertZone failed: %v", err)
	}

	got, err := db.GetZone(ctx, "zone-1")
	if err != nil {
		t.Fatalf("GetZone failed: %v", err)
	}
	if got == nil || got.Name != "Campus" || got.Type != models.ZoneTypeSafe {
		t.Errorf("unexpected zone: %+v", got)
	}

	// Upsert updates in place.
	z.Radius = 2000
	if err := db.UpsertZone(ctx, z); err != nil {
		t.Fatalf("UpsertZone update failed: %v", err)
	}
	got, _ = db.GetZone(ctx, "zone-1")
	if got.Radius != 2000 {
		t.Errorf("expected radius 2000, got %v", got.Radius)
	}

	if err := db.SetZoneActive(ctx, "zone-1", false); err != nil {
		t.Fatalf("SetZoneActive failed: %v", err)
	}
	active, err := db.ListZones(ctx, true)
	if err != nil {
		t.Fatalf("ListZones failed: %v", err)
	}
	if len(active) != 0 {
		t.Errorf("expected no active zones, got %d", len(active))
	}
	all, _ := db.ListZones(ctx, false)
	if len(all) != 1 {
		t.Errorf("expected 1 zone total, got %d", len(all))
	}

	if err := db.SetZoneActive(ctx, "missing", false); err == nil {
		t.Error("expected error for missing zone")
	}
}
