package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/service"
)

// TradeHistory is the executor's in-memory view of recent trades.
type TradeHistory interface {
	ActiveTrades() []*domain.ArbitrageTrade
	CompletedTrades(limit int) []*domain.ArbitrageTrade
	Trade(id string) (*domain.ArbitrageTrade, bool)
}

// TradeHandler serves trade history. Persisted records are preferred; the
// executor history answers when no store is configured.
type TradeHandler struct {
	store   domain.TradeStore
	merges  domain.MergeStore
	history TradeHistory
	logger  *slog.Logger
}

// NewTradeHandler creates a TradeHandler. store and merges may be nil.
func NewTradeHandler(store domain.TradeStore, merges domain.MergeStore, history TradeHistory, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{store: store, merges: merges, history: history, logger: logger}
}

type listTradesResponse struct {
	Trades []domain.TradeRecord `json:"trades"`
	Source string               `json:"source"`
}

// ListTrades returns recent trades, newest first.
// GET /api/trades?limit=50&offset=0&since=2026-01-02
func (h *TradeHandler) ListTrades(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "since/until must be RFC 3339 or YYYY-MM-DD")
		return
	}

	if h.store == nil {
		recs := make([]domain.TradeRecord, 0, opts.Limit)
		for _, t := range h.history.CompletedTrades(opts.Limit) {
			recs = append(recs, service.TradeRecordOf(t))
		}
		writeJSON(w, http.StatusOK, listTradesResponse{Trades: recs, Source: "memory"})
		return
	}

	recs, err := h.store.ListRecent(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}
	if recs == nil {
		recs = []domain.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, listTradesResponse{Trades: recs, Source: "postgres"})
}

// ActiveTrades returns trades the executor is still working.
// GET /api/trades/active
func (h *TradeHandler) ActiveTrades(w http.ResponseWriter, r *http.Request) {
	active := h.history.ActiveTrades()
	if active == nil {
		active = []*domain.ArbitrageTrade{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": active})
}

type tradeDetail struct {
	Trade  domain.TradeRecord   `json:"trade"`
	Merges []domain.MergeResult `json:"merges,omitempty"`
}

// GetTrade returns one trade with its settlement attempts.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if t, ok := h.history.Trade(id); ok {
		writeJSON(w, http.StatusOK, tradeDetail{Trade: service.TradeRecordOf(t), Merges: h.mergesOf(r.Context(), id)})
		return
	}
	if h.store == nil {
		writeError(w, http.StatusNotFound, "trade not found")
		return
	}

	rec, err := h.store.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "trade not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: get trade failed",
			slog.String("trade_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load trade")
		return
	}
	writeJSON(w, http.StatusOK, tradeDetail{Trade: rec, Merges: h.mergesOf(r.Context(), id)})
}

// Profit returns realised profit of completed trades since a point in time.
// GET /api/profit?since=2026-01-02 (default: last 24h)
func (h *TradeHandler) Profit(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "trade store not configured")
		return
	}
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339 or YYYY-MM-DD")
			return
		}
		since = t
	}
	total, err := h.store.SumProfit(r.Context(), since)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: sum profit failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to sum profit")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":      since.UTC().Format(time.RFC3339),
		"profit_usd": total,
	})
}

func (h *TradeHandler) mergesOf(ctx context.Context, tradeID string) []domain.MergeResult {
	if h.merges == nil {
		return nil
	}
	res, err := h.merges.ListByTrade(ctx, tradeID)
	if err != nil {
		h.logger.WarnContext(ctx, "handler: list merges failed",
			slog.String("trade_id", tradeID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return res
}
