package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/emberhq/go-emergency-response/internal/models"
	"github.com/emberhq/go-emergency-response/internal/repository"
)

// streamEvents serves the live event feed over SSE. A client passing
// ?after=<id> first receives every persisted event past that log position,
// then follows the live broadcast. Subscribing before the replay means no
// gap between the two; events seen twice in the overlap are deduplicated
// by log id.
func (h *Handler) streamEvents(c *gin.Context) {
	var after int64
	if s := c.Query("after"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "after must be a non-negative integer"})
			return
		}
		after = v
	}

	id, ch := h.br.Broadcaster().Subscribe()
	defer h.br.Broadcaster().Unsubscribe(id)

	replayed, err := h.store.ListEvents(c.Request.Context(), repository.EventFilter{AfterID: after})
	if err != nil {
		slog.Error("error replaying events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay events"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	lastID := after
	for _, ev := range replayed {
		if !writeEvent(c, ev) {
			return
		}
		lastID = ev.ID
	}
	c.Writer.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			if !writeEvent(c, ev) {
				return
			}
			lastID = ev.ID
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeEvent(c *gin.Context, ev models.Event) bool {
	data, err := json.Marshal(toEventJSON(ev))
	if err != nil {
		slog.Error("error marshaling event", "event_id", ev.ID, "error", err)
		return true
	}
	c.Render(-1, sseRender{id: ev.ID, event: string(ev.Type), data: data})
	return c.Writer.Status() < http.StatusBadRequest
}

// sseRender writes one SSE frame with an id field so clients can resume
// with ?after=<last id> after a disconnect.
type sseRender struct {
	id    int64
	event string
	data  []byte
}

func (r sseRender) Render(w http.ResponseWriter) error {
	_, err := w.Write([]byte(
		"id: " + strconv.FormatInt(r.id, 10) + "\n" +
			"event: " + r.event + "\n" +
			"data: " + string(r.data) + "\n\n"))
	return err
}

func (r sseRender) WriteContentType(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
}
