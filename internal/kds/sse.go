package kds

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/appetiteclub/kds/internal/httpx"
)

// sseBuffer is the per-connection queue size. Displays re-pull on every
// event, so a dropped one only delays the next refresh.
const sseBuffer = 100

type sseEvent struct {
	Type             string `json:"type"`
	SambaPOSTicketID int64  `json:"sambapos_ticket_id"`
	Timestamp        string `json:"timestamp"`
	Source           string `json:"source,omitempty"`
}

// Events streams ticket refresh signals to a kitchen display.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		httpx.RespondError(w, http.StatusServiceUnavailable, "Event stream is not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpx.RespondError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	kitchenID := h.kitchenID
	if q := r.URL.Query().Get("kitchen_id"); q != "" {
		kitchenID = q
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := h.events.Subscribe(sseBuffer)
	defer sub.Close()

	log := h.log(r).With("subscriber_id", sub.ID())
	log.Info("display connected")

	fmt.Fprintf(w, ": connected\n\n")
	fmt.Fprintf(w, "retry: 2000\n\n")
	flusher.Flush()

	ticker := h.clock.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Info("display disconnected", "dropped", sub.Dropped())
			return

		case <-ticker.Chan():
			fmt.Fprintf(w, ": keepalive\n\n")
			flusher.Flush()

		case evt, ok := <-sub.C():
			if !ok {
				log.Info("event bus closed")
				return
			}
			if evt.KitchenID != "" && evt.KitchenID != kitchenID {
				continue
			}

			data, err := json.Marshal(sseEvent{
				Type:             evt.Type,
				SambaPOSTicketID: evt.SambaPOSTicketID,
				Timestamp:        evt.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
				Source:           evt.Source,
			})
			if err != nil {
				log.Error("cannot encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
