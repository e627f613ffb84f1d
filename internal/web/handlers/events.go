package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailvault/mailvault/internal/notify"
)

const keepAliveInterval = 30 * time.Second

// EventsHandler streams best-effort new-mail notifications for one recipient
// over Server-Sent Events. A client that connects after an event was
// published never sees it; the durable record is the store, not this stream.
type EventsHandler struct {
	subscriber notify.Subscriber
}

func NewEventsHandler(subscriber notify.Subscriber) *EventsHandler {
	return &EventsHandler{subscriber: subscriber}
}

// HandleStream serves GET /api/events/{recipient}.
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	recipient := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "recipient")))
	if recipient == "" {
		writeJSONError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, err := h.subscriber.Subscribe(r.Context(), recipient)
	if err != nil {
		slog.Error("failed to subscribe to notifications", "recipient", recipient, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				slog.Error("failed to encode notification", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
