package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// RiskControl exposes the operator toggles. service.RiskService implements
// it.
type RiskControl interface {
	KillSwitch() bool
	SetKillSwitch(on bool)
	Simulation() bool
}

// RiskHandler serves the kill switch.
type RiskHandler struct {
	risk   RiskControl
	logger *slog.Logger
}

// NewRiskHandler creates a RiskHandler.
func NewRiskHandler(risk RiskControl, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{risk: risk, logger: logger}
}

type riskState struct {
	KillSwitch bool `json:"kill_switch"`
	Simulation bool `json:"simulation"`
}

// GetRisk returns the current toggles.
// GET /api/risk
func (h *RiskHandler) GetRisk(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, riskState{
		KillSwitch: h.risk.KillSwitch(),
		Simulation: h.risk.Simulation(),
	})
}

// SetKillSwitch engages or releases the kill switch. New trades are refused
// while it is engaged; trades already running finish normally.
// PUT /api/risk/kill-switch {"engaged": true}
func (h *RiskHandler) SetKillSwitch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Engaged *bool `json:"engaged"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Engaged == nil {
		writeError(w, http.StatusBadRequest, `body must be {"engaged": true|false}`)
		return
	}
	h.risk.SetKillSwitch(*req.Engaged)
	h.logger.WarnContext(r.Context(), "handler: kill switch set via api",
		slog.Bool("engaged", *req.Engaged),
		slog.String("remote_addr", r.RemoteAddr),
	)
	h.GetRisk(w, r)
}
