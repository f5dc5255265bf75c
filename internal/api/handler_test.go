package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/emberhq/go-emergency-response/internal/alert"
	"github.com/emberhq/go-emergency-response/internal/bridge"
	"github.com/emberhq/go-emergency-response/internal/config"
	"github.com/emberhq/go-emergency-response/internal/geofence"
	"github.com/emberhq/go-emergency-response/internal/models"
	"github.com/emberhq/go-emergency-response/internal/repository"
)

type nopSched struct{}

func (nopSched) Arm(string, time.Time, int) {}
func (nopSched) Cancel(string)              {}

func setupTestRouter(t *testing.T) (*gin.Engine, *geofence.Index) {
	t.Helper()

	db, err := repository.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	idx := geofence.NewIndex()
	br := bridge.New(db, idx, nopSched{}, bridge.Config{
		Lanes:      2,
		BufferSize: 32,
		Alert: alert.Config{
			AutoEscalateAfter: 5 * time.Minute,
			MaxResponseTime:   15 * time.Minute,
			MaxTier:           3,
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	br.Start(ctx)
	t.Cleanup(func() {
		br.Stop()
		cancel()
	})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := NewHandler(br, db, idx, config.GeofenceConfig{
		DefaultRadius: 1000,
		MaxRadius:     10000,
	})
	handler.RegisterRoutes(router)
	return router, idx
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestCreateAlert(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, "POST", "/api/alerts", gin.H{
		"subject_id": "subject-1",
		"category":   "panic",
		"latitude":   37.0,
		"longitude":  -122.0,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	body := decode(t, w)
	if body["status"] != "created" || body["priority"] != "high" {
		t.Errorf("unexpected body: %v", body)
	}
	if body["id"] == "" {
		t.Error("expected assigned id")
	}
	if body["latitude"] != 37.0 {
		t.Errorf("expected latitude echoed, got %v", body["latitude"])
	}
}

func TestCreateAlert_Validation(t *testing.T) {
	router, _ := setupTestRouter(t)

	// Unknown category.
	w := doJSON(t, router, "POST", "/api/alerts", gin.H{
		"subject_id": "subject-1",
		"category":   "vibes",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad category, got %d", w.Code)
	}

	// Missing subject.
	w = doJSON(t, router, "POST", "/api/alerts", gin.H{"category": "panic"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing subject, got %d", w.Code)
	}
}

func TestCreateAlert_Duplicate(t *testing.T) {
	router, _ := setupTestRouter(t)

	body := gin.H{"subject_id": "subject-1", "category": "panic"}
	first := doJSON(t, router, "POST", "/api/alerts", body)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	firstID := decode(t, first)["id"]

	dup := doJSON(t, router, "POST", "/api/alerts", body)
	if dup.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", dup.Code)
	}
	if got := decode(t, dup)["alert_id"]; got != firstID {
		t.Errorf("expected existing alert id %v, got %v", firstID, got)
	}
}

func TestAlertLifecycleEndpoints(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, "POST", "/api/alerts", gin.H{
		"subject_id": "subject-1", "category": "medical",
	})
	id := decode(t, w)["id"].(string)

	w = doJSON(t, router, "POST", "/api/alerts/"+id+"/assign", gin.H{"responder_id": "responder-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("assign: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["status"]; got != "dispatched" {
		t.Errorf("expected dispatched, got %v", got)
	}

	// The wrong responder cannot acknowledge.
	w = doJSON(t, router, "POST", "/api/alerts/"+id+"/acknowledge", gin.H{"responder_id": "responder-2"})
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/alerts/"+id+"/acknowledge", gin.H{"responder_id": "responder-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("acknowledge: expected 200, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/alerts/"+id+"/resolve", gin.H{"outcome": "resolved"})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d", w.Code)
	}

	// Terminal alerts reject further commands.
	w = doJSON(t, router, "POST", "/api/alerts/"+id+"/assign", gin.H{"responder_id": "responder-1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on terminal alert, got %d", w.Code)
	}

	// The event log is queryable per alert.
	w = doJSON(t, router, "GET", "/api/alerts/"+id+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", w.Code)
	}
	events := decode(t, w)["events"].([]any)
	if len(events) != 4 {
		t.Errorf("expected 4 events, got %d", len(events))
	}
}

func TestLifecycleEndpoints_Errors(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, "POST", "/api/alerts/ghost/assign", gin.H{"responder_id": "r1"})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown alert, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/alerts", gin.H{"subject_id": "s1", "category": "panic"})
	id := decode(t, w)["id"].(string)

	// Acknowledge before dispatch is a state conflict.
	w = doJSON(t, router, "POST", "/api/alerts/"+id+"/acknowledge", gin.H{"responder_id": "r1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}

	w = doJSON(t, router, "POST", "/api/alerts/"+id+"/resolve", gin.H{"outcome": "dispatched"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad outcome, got %d", w.Code)
	}
}

func TestGetAndListAlerts(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, "POST", "/api/alerts", gin.H{"subject_id": "s1", "category": "panic"})
	id := decode(t, w)["id"].(string)
	doJSON(t, router, "POST", "/api/alerts", gin.H{"subject_id": "s2", "category": "fire"})

	w = doJSON(t, router, "GET", "/api/alerts/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode(t, w)["subject_id"]; got != "s1" {
		t.Errorf("expected s1, got %v", got)
	}

	w = doJSON(t, router, "GET", "/api/alerts/ghost", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/alerts", nil)
	if got := len(decode(t, w)["alerts"].([]any)); got != 2 {
		t.Errorf("expected 2 alerts, got %d", got)
	}

	w = doJSON(t, router, "GET", "/api/alerts?subject_id=s1", nil)
	if got := len(decode(t, w)["alerts"].([]any)); got != 1 {
		t.Errorf("expected 1 alert for s1, got %d", got)
	}

	w = doJSON(t, router, "GET", "/api/alerts?category=fire", nil)
	if got := len(decode(t, w)["alerts"].([]any)); got != 1 {
		t.Errorf("expected 1 fire alert, got %d", got)
	}
}

func TestSubmitLocation(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, "POST", "/api/locations", gin.H{
		"subject_id": "subject-1",
		"latitude":   37.0,
		"longitude":  -122.0,
		"timestamp":  time.Now().Format(time.RFC3339),
	})
	if w.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, router, "POST", "/api/locations", gin.H{
		"subject_id": "subject-1",
		"latitude":   137.0,
		"longitude":  -122.0,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for out-of-range latitude, got %d", w.Code)
	}
}

func TestZoneEndpoints(t *testing.T) {
	router, idx := setupTestRouter(t)

	w := doJSON(t, router, "POST", "/api/zones", gin.H{
		"name":      "Campus",
		"type":      "safe",
		"latitude":  37.0,
		"longitude": -122.0,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["radius"] != 1000.0 {
		t.Errorf("expected default radius 1000, got %v", body["radius"])
	}
	zoneID := body["id"].(string)

	// A mutation refreshes the evaluator's index.
	if idx.Len() != 1 {
		t.Errorf("expected 1 indexed zone, got %d", idx.Len())
	}

	// Radius above the cap is rejected.
	w = doJSON(t, router, "POST", "/api/zones", gin.H{
		"name": "Huge", "type": "safe", "radius": 50000.0,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized radius, got %d", w.Code)
	}

	w = doJSON(t, router, "PATCH", "/api/zones/"+zoneID, gin.H{"radius": 2000.0})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode(t, w)["radius"]; got != 2000.0 {
		t.Errorf("expected radius 2000, got %v", got)
	}

	w = doJSON(t, router, "PATCH", "/api/zones/ghost", gin.H{"radius": 10.0})
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}

	w = doJSON(t, router, "GET", "/api/zones", nil)
	if got := len(decode(t, w)["zones"].([]any)); got != 1 {
		t.Errorf("expected 1 zone, got %d", got)
	}

	w = doJSON(t, router, "DELETE", "/api/zones/"+zoneID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	if idx.Len() != 0 {
		t.Errorf("expected empty index after deactivation, got %d", idx.Len())
	}

	w = doJSON(t, router, "GET", "/api/zones?active=true", nil)
	if got := len(decode(t, w)["zones"].([]any)); got != 0 {
		t.Errorf("expected no active zones, got %d", got)
	}
}

// hangupStore cancels the request context the moment a zone write commits,
// as a client disconnecting before the response.
type hangupStore struct {
	Store
	cancel context.CancelFunc
}

func (s *hangupStore) UpsertZone(ctx context.Context, z *models.Zone) error {
	err := s.Store.UpsertZone(ctx, z)
	s.cancel()
	return err
}

func TestZoneIndexRebuildSurvivesClientDisconnect(t *testing.T) {
	db, err := repository.NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &hangupStore{Store: db, cancel: cancel}

	idx := geofence.NewIndex()
	br := bridge.New(db, idx, nopSched{}, bridge.Config{Lanes: 1, BufferSize: 1})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(br, store, idx, config.GeofenceConfig{
		DefaultRadius: 1000,
		MaxRadius:     10000,
	}).RegisterRoutes(router)

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(gin.H{
		"name": "Campus", "type": "safe", "latitude": 37.0, "longitude": -122.0,
	})
	w := httptest.NewRecorder()
	req, _ := http.NewRequest("POST", "/api/zones", &buf)
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req.WithContext(ctx))

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// The committed zone must reach the index even though the request
	// context died between commit and rebuild.
	if idx.Len() != 1 {
		t.Errorf("expected 1 indexed zone after disconnect, got %d", idx.Len())
	}
}

func TestStreamEvents_Replay(t *testing.T) {
	router, _ := setupTestRouter(t)

	doJSON(t, router, "POST", "/api/alerts", gin.H{"subject_id": "s1", "category": "panic"})
	doJSON(t, router, "POST", "/api/alerts", gin.H{"subject_id": "s2", "category": "fire"})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/events/stream?after=0", nil)
	router.ServeHTTP(w, req.WithContext(ctx))

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected text/event-stream, got %s", ct)
	}

	body := w.Body.String()
	if got := strings.Count(body, "event: alert-created"); got != 2 {
		t.Errorf("expected 2 replayed alert-created frames, got %d in %q", got, body)
	}
	if !strings.Contains(body, "id: 1\n") {
		t.Errorf("expected log position on frames, got %q", body)
	}
}

func TestHealth(t *testing.T) {
	router, _ := setupTestRouter(t)

	w := doJSON(t, router, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
}
