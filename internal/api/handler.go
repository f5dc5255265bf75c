package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/emberhq/go-emergency-response/internal/alert"
	"github.com/emberhq/go-emergency-response/internal/bridge"
	"github.com/emberhq/go-emergency-response/internal/config"
	"github.com/emberhq/go-emergency-response/internal/geofence"
	"github.com/emberhq/go-emergency-response/internal/models"
	"github.com/emberhq/go-emergency-response/internal/repository"
)

// commandTimeout caps how long an ingress request waits for its command to
// clear the lane. Lanes are short non-blocking compute; hitting this means
// the system is saturated and the caller should back off.
const commandTimeout = 5 * time.Second

type Store interface {
	repository.AlertRepository
	repository.ZoneRepository
	repository.EventRepository
}

type Handler struct {
	br    *bridge.Bridge
	store Store
	idx   *geofence.Index
	geo   config.GeofenceConfig
}

func NewHandler(br *bridge.Bridge, store Store, idx *geofence.Index, geo config.GeofenceConfig) *Handler {
	return &Handler{
		br:    br,
		store: store,
		idx:   idx,
		geo:   geo,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/api/alerts", h.createAlert)
	r.POST("/api/alerts/:id/assign", h.assignAlert)
	r.POST("/api/alerts/:id/acknowledge", h.acknowledgeAlert)
	r.POST("/api/alerts/:id/resolve", h.resolveAlert)
	r.GET("/api/alerts", h.listAlerts)
	r.GET("/api/alerts/:id", h.getAlert)
	r.GET("/api/alerts/:id/events", h.alertEvents)

	r.POST("/api/locations", h.submitLocation)

	r.GET("/api/zones", h.listZones)
	r.POST("/api/zones", h.createZone)
	r.PATCH("/api/zones/:id", h.updateZone)
	r.DELETE("/api/zones/:id", h.deactivateZone)

	r.GET("/api/events/stream", h.streamEvents)
	r.GET("/health", h.health)
}

type createAlertRequest struct {
	SubjectID string   `json:"subject_id" binding:"required"`
	Category  string   `json:"category" binding:"required"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	Silent    bool     `json:"silent"`
}

func (h *Handler) createAlert(c *gin.Context) {
	var req createAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	category, ok := models.ParseAlertCategory(req.Category)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category: " + req.Category})
		return
	}

	cmd := bridge.CreateAlert{
		SubjectID: req.SubjectID,
		Category:  category,
		Silent:    req.Silent,
		Reply:     make(chan bridge.Result, 1),
	}
	if req.Latitude != nil && req.Longitude != nil {
		cmd.Location = &alert.Location{
			Latitude:  *req.Latitude,
			Longitude: *req.Longitude,
			Accuracy:  req.Accuracy,
		}
	}

	res, ok := h.dispatch(c, cmd, cmd.Reply)
	if !ok {
		return
	}
	if errors.Is(res.Err, models.ErrDuplicateActiveAlert) {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "active alert already exists",
			"alert_id": res.Alert.ID,
		})
		return
	}
	if res.Err != nil {
		h.commandError(c, res.Err)
		return
	}
	c.JSON(http.StatusCreated, toAlertJSON(res.Alert))
}

type responderRequest struct {
	ResponderID string `json:"responder_id" binding:"required"`
}

func (h *Handler) assignAlert(c *gin.Context) {
	var req responderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd := bridge.AssignAlert{
		AlertID:     c.Param("id"),
		ResponderID: req.ResponderID,
		Reply:       make(chan bridge.Result, 1),
	}
	h.finishCommand(c, cmd, cmd.Reply)
}

func (h *Handler) acknowledgeAlert(c *gin.Context) {
	var req responderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd := bridge.AcknowledgeAlert{
		AlertID:     c.Param("id"),
		ResponderID: req.ResponderID,
		Reply:       make(chan bridge.Result, 1),
	}
	h.finishCommand(c, cmd, cmd.Reply)
}

type resolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
}

func (h *Handler) resolveAlert(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	outcome := models.AlertStatus(req.Outcome)
	if outcome != models.AlertStatusResolved && outcome != models.AlertStatusFalseAlarm {
		c.JSON(http.StatusBadRequest, gin.H{"error": "outcome must be resolved or false_alarm"})
		return
	}

	cmd := bridge.ResolveAlert{
		AlertID: c.Param("id"),
		Outcome: outcome,
		Reply:   make(chan bridge.Result, 1),
	}
	h.finishCommand(c, cmd, cmd.Reply)
}

// dispatch enqueues and waits for the lane to answer. Returns ok=false if
// it already wrote an HTTP response.
func (h *Handler) dispatch(c *gin.Context, cmd bridge.Command, reply chan bridge.Result) (bridge.Result, bool) {
	if err := h.br.Enqueue(cmd); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command queue full"})
		return bridge.Result{}, false
	}
	select {
	case res := <-reply:
		return res, true
	case <-time.After(commandTimeout):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command timed out"})
		return bridge.Result{}, false
	case <-c.Request.Context().Done():
		c.Status(http.StatusRequestTimeout)
		return bridge.Result{}, false
	}
}

func (h *Handler) finishCommand(c *gin.Context, cmd bridge.Command, reply chan bridge.Result) {
	res, ok := h.dispatch(c, cmd, reply)
	if !ok {
		return
	}
	if res.Err != nil {
		h.commandError(c, res.Err)
		return
	}
	c.JSON(http.StatusOK, toAlertJSON(res.Alert))
}

func (h *Handler) commandError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrAlertNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	case errors.Is(err, models.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrDuplicateActiveAlert):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrPersistence):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage unavailable, retry"})
	default:
		slog.Error("command failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

type locationRequest struct {
	SubjectID string    `json:"subject_id" binding:"required"`
	Latitude  float64   `json:"latitude" binding:"required"`
	Longitude float64   `json:"longitude" binding:"required"`
	Accuracy  *float64  `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) submitLocation(c *gin.Context) {
	var req locationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Latitude < -90 || req.Latitude > 90 || req.Longitude < -180 || req.Longitude > 180 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "coordinates out of range"})
		return
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	cmd := bridge.LocationSample{
		SubjectID: req.SubjectID,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Accuracy:  req.Accuracy,
		Timestamp: req.Timestamp,
	}
	if err := h.br.Enqueue(cmd); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "command queue full"})
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *Handler) listAlerts(c *gin.Context) {
	filter := repository.AlertFilter{
		Limit: 50,
	}
	if s := c.Query("subject_id"); s != "" {
		filter.SubjectID = s
	}
	if s := c.Query("status"); s != "" {
		status := models.AlertStatus(s)
		filter.Status = &status
	}
	if s := c.Query("category"); s != "" {
		if cat, ok := models.ParseAlertCategory(s); ok {
			filter.Category = &cat
		}
	}
	if s := c.Query("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			filter.Since = &t
		}
	}
	if l := c.Query("limit"); l != "" {
		if lim, err := strconv.Atoi(l); err == nil && lim > 0 && lim <= 500 {
			filter.Limit = lim
		}
	}

	alerts, err := h.store.ListAlerts(c.Request.Context(), filter)
	if err != nil {
		slog.Error("error listing alerts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch alerts"})
		return
	}

	out := make([]gin.H, 0, len(alerts))
	for i := range alerts {
		out = append(out, toAlertJSON(&alerts[i]))
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out})
}

func (h *Handler) getAlert(c *gin.Context) {
	a, err := h.br.Machine().Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, models.ErrAlertNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
		return
	}
	if err != nil {
		slog.Error("error fetching alert", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch alert"})
		return
	}
	c.JSON(http.StatusOK, toAlertJSON(a))
}

func (h *Handler) alertEvents(c *gin.Context) {
	events, err := h.store.ListEvents(c.Request.Context(), repository.EventFilter{
		EntityID: c.Param("id"),
	})
	if err != nil {
		slog.Error("error listing alert events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch events"})
		return
	}

	out := make([]gin.H, 0, len(events))
	for _, ev := range events {
		out = append(out, toEventJSON(ev))
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

type zoneRequest struct {
	Name      string   `json:"name" binding:"required"`
	Type      string   `json:"type" binding:"required"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Radius    *float64 `json:"radius"`
	Active    *bool    `json:"active"`
}

func (h *Handler) createZone(c *gin.Context) {
	var req zoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	zoneType, ok := models.ParseZoneType(req.Type)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown zone type: " + req.Type})
		return
	}
	radius := h.geo.DefaultRadius
	if req.Radius != nil {
		radius = *req.Radius
	}
	if radius <= 0 || radius > h.geo.MaxRadius {
		c.JSON(http.StatusBadRequest, gin.H{"error": "radius out of range"})
		return
	}

	now := time.Now()
	z := &models.Zone{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Type:      zoneType,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
		Radius:    radius,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Active != nil {
		z.Active = *req.Active
	}

	if err := h.store.UpsertZone(c.Request.Context(), z); err != nil {
		slog.Error("error creating zone", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create zone"})
		return
	}
	h.reloadZones()
	c.JSON(http.StatusCreated, toZoneJSON(z))
}

func (h *Handler) updateZone(c *gin.Context) {
	z, err := h.store.GetZone(c.Request.Context(), c.Param("id"))
	if err != nil {
		slog.Error("error fetching zone", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch zone"})
		return
	}
	if z == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "zone not found"})
		return
	}

	var req struct {
		Name      *string  `json:"name"`
		Type      *string  `json:"type"`
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
		Radius    *float64 `json:"radius"`
		Active    *bool    `json:"active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Name != nil {
		z.Name = *req.Name
	}
	if req.Type != nil {
		zoneType, ok := models.ParseZoneType(*req.Type)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown zone type: " + *req.Type})
			return
		}
		z.Type = zoneType
	}
	if req.Latitude != nil {
		z.Latitude = *req.Latitude
	}
	if req.Longitude != nil {
		z.Longitude = *req.Longitude
	}
	if req.Radius != nil {
		if *req.Radius <= 0 || *req.Radius > h.geo.MaxRadius {
			c.JSON(http.StatusBadRequest, gin.H{"error": "radius out of range"})
			return
		}
		z.Radius = *req.Radius
	}
	if req.Active != nil {
		z.Active = *req.Active
	}
	z.UpdatedAt = time.Now()

	if err := h.store.UpsertZone(c.Request.Context(), z); err != nil {
		slog.Error("error updating zone", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update zone"})
		return
	}
	h.reloadZones()
	c.JSON(http.StatusOK, toZoneJSON(z))
}

func (h *Handler) deactivateZone(c *gin.Context) {
	if err := h.store.SetZoneActive(c.Request.Context(), c.Param("id"), false); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "zone not found"})
		return
	}
	h.reloadZones()
	c.Status(http.StatusNoContent)
}

func (h *Handler) listZones(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	zones, err := h.store.ListZones(c.Request.Context(), activeOnly)
	if err != nil {
		slog.Error("error listing zones", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch zones"})
		return
	}

	out := make([]gin.H, 0, len(zones))
	for i := range zones {
		out = append(out, toZoneJSON(&zones[i]))
	}
	c.JSON(http.StatusOK, gin.H{"zones": out})
}

// reloadZones refreshes the evaluator's index after a zone mutation. The
// mutation is already committed; the rebuild runs on its own context so a
// client hanging up mid-response cannot strand the index on the old set.
func (h *Handler) reloadZones() {
	zones, err := h.store.ListZones(context.Background(), true)
	if err != nil {
		slog.Error("error reloading zone index", "error", err)
		return
	}
	h.idx.Rebuild(zones)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func toAlertJSON(a *models.Alert) gin.H {
	out := gin.H{
		"id":            a.ID,
		"subject_id":    a.SubjectID,
		"category":      a.Category,
		"status":        a.Status,
		"priority":      a.Priority,
		"tier":          a.Tier,
		"silent":        a.Silent,
		"created_at":    a.CreatedAt,
		"transition_at": a.TransitionAt,
	}
	if a.ResponderID != "" {
		out["responder_id"] = a.ResponderID
	}
	if a.Latitude != nil && a.Longitude != nil {
		out["latitude"] = *a.Latitude
		out["longitude"] = *a.Longitude
	}
	if a.Accuracy != nil {
		out["accuracy"] = *a.Accuracy
	}
	if a.ResolvedAt != nil {
		out["resolved_at"] = *a.ResolvedAt
	}
	return out
}

func toZoneJSON(z *models.Zone) gin.H {
	return gin.H{
		"id":         z.ID,
		"name":       z.Name,
		"type":       z.Type,
		"latitude":   z.Latitude,
		"longitude":  z.Longitude,
		"radius":     z.Radius,
		"active":     z.Active,
		"created_at": z.CreatedAt,
		"updated_at": z.UpdatedAt,
	}
}

func toEventJSON(ev models.Event) gin.H {
	return gin.H{
		"id":        ev.ID,
		"seq":       ev.Seq,
		"type":      ev.Type,
		"entity_id": ev.EntityID,
		"timestamp": ev.Timestamp,
		"payload":   ev.Payload,
	}
}
