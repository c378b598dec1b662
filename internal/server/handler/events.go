package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// EventHistory reads the tail of the event stream. The Redis event bus
// implements it.
type EventHistory interface {
	Recent(ctx context.Context, n int64) ([]domain.Event, error)
}

// EventHandler serves recent engine events.
type EventHandler struct {
	events EventHistory
	logger *slog.Logger
}

// NewEventHandler creates an EventHandler.
func NewEventHandler(events EventHistory, logger *slog.Logger) *EventHandler {
	return &EventHandler{events: events, logger: logger}
}

// ListEvents returns the newest events first.
// GET /api/events?limit=100
func (h *EventHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "limit", 100, 1000)
	evs, err := h.events.Recent(r.Context(), int64(n))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: read events failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read events")
		return
	}
	if evs == nil {
		evs = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}
