package handler

import (
	"net/http"
)

// StatusSection produces one block of the status document.
type StatusSection func() any

// StatusHandler serves a snapshot of engine counters.
type StatusHandler struct {
	mode     string
	sections map[string]StatusSection
}

// NewStatusHandler creates a StatusHandler. Each section is evaluated per
// request.
func NewStatusHandler(mode string, sections map[string]StatusSection) *StatusHandler {
	return &StatusHandler{mode: mode, sections: sections}
}

// GetStatus responds with the mode and every registered section.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]any, len(h.sections)+1)
	out["mode"] = h.mode
	for name, fn := range h.sections {
		out[name] = fn()
	}
	writeJSON(w, http.StatusOK, out)
}
