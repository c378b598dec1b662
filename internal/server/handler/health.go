package handler

import (
	"net/http"
	"time"
)

// FeedStatus reports market data connectivity. feed.BookFeed implements it.
type FeedStatus interface {
	Connected() bool
}

// HealthHandler serves the liveness endpoint.
type HealthHandler struct {
	feed  FeedStatus
	mode  string
	start time.Time
}

// NewHealthHandler creates a HealthHandler. feed may be nil.
func NewHealthHandler(feed FeedStatus, mode string) *HealthHandler {
	return &HealthHandler{feed: feed, mode: mode, start: time.Now()}
}

// HealthCheck responds 200 while the market feed is connected and 503
// otherwise.
// GET /healthz
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	connected := h.feed == nil || h.feed.Connected()
	status, code := "ok", http.StatusOK
	if !connected {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status":         status,
		"mode":           h.mode,
		"feed_connected": connected,
		"uptime_seconds": int64(time.Since(h.start).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
