// Package executor turns an opportunity into a set of exchange orders and
// drives the per-trade saga until every leg is filled or the trade fails.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/metrics"
)

// Config tunes the executor.
type Config struct {
	MaxConcurrentTrades int
	FillTimeout         time.Duration
	PollInterval        time.Duration
	CancelTimeout       time.Duration
	PlaceTimeout        time.Duration
	HistorySize         int
	OrderType           domain.OrderType
}

// DefaultConfig returns the executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTrades: 5,
		FillTimeout:         30 * time.Second,
		PollInterval:        500 * time.Millisecond,
		CancelTimeout:       5 * time.Second,
		PlaceTimeout:        10 * time.Second,
		HistorySize:         100,
		OrderType:           domain.OrderTypeGTC,
	}
}

// Stats summarises executor activity since start.
type Stats struct {
	Active      int
	Total       int64
	FullyFilled int64
	Failed      int64
	Cancelled   int64
	Rejected    int64
	AvgDuration time.Duration
}

type activeTrade struct {
	trade  *domain.ArbitrageTrade
	cancel context.CancelFunc
}

// Executor owns every trade it creates. Trades handed out by its accessors
// are copies.
type Executor struct {
	cfg     Config
	gateway domain.OrderGateway
	events  domain.EventSink
	logger  *slog.Logger
	newID   func() string

	mu         sync.Mutex
	active     map[string]*activeTrade
	cancelling map[string]bool // order ids with a cancel in flight
	history []*domain.ArbitrageTrade // oldest first, bounded by HistorySize

	total, filled, failed, cancelled, rejected int64
	totalDuration                              time.Duration
	finished                                   int64
}

// New creates an Executor that places orders through gateway. events may
// be nil.
func New(cfg Config, gateway domain.OrderGateway, events domain.EventSink, logger *slog.Logger) *Executor {
	def := DefaultConfig()
	if cfg.MaxConcurrentTrades <= 0 {
		cfg.MaxConcurrentTrades = def.MaxConcurrentTrades
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = def.FillTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = def.CancelTimeout
	}
	if cfg.PlaceTimeout <= 0 {
		cfg.PlaceTimeout = def.PlaceTimeout
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.OrderType == "" {
		cfg.OrderType = def.OrderType
	}
	if events == nil {
		events = domain.NopSink{}
	}
	return &Executor{
		cfg:     cfg,
		gateway: gateway,
		events:  events,
		logger:  logger.With(slog.String("component", "executor")),
		newID:   func() string { return uuid.New().String()[:8] },
		active:     make(map[string]*activeTrade),
		cancelling: make(map[string]bool),
	}
}

// Execute runs the trade saga for opp and returns the trade in the state it
// ended in: fully_filled, failed or cancelled. It never blocks on capacity;
// when MaxConcurrentTrades trades are in flight a failed trade is returned
// immediately.
func (e *Executor) Execute(ctx context.Context, opp domain.Opportunity) *domain.ArbitrageTrade {
	t := e.newTrade(opp)

	e.mu.Lock()
	if len(e.active) >= e.cfg.MaxConcurrentTrades {
		e.rejected++
		e.mu.Unlock()
		now := time.Now()
		t.State = domain.TradeFailed
		t.Error = domain.ErrCapacity.Error()
		t.EndedAt = &now
		metrics.TradesTotal.WithLabelValues("rejected").Inc()
		e.logger.Warn("trade rejected",
			slog.String("condition_id", t.ConditionID()),
			slog.String("reason", t.Error),
		)
		return t
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.active[t.ID] = &activeTrade{trade: t, cancel: cancel}
	e.total++
	e.mu.Unlock()
	metrics.ActiveTrades.Inc()

	defer func() {
		cancel()
		e.finish(t)
	}()

	e.logger.Info("executing trade",
		slog.String("trade_id", t.ID),
		slog.String("kind", string(t.Kind())),
		slog.String("condition_id", t.ConditionID()),
		slog.Int("legs", len(t.Legs)),
		slog.Float64("expected_profit", t.ExpectedProfit),
	)
	e.run(runCtx, t)
	return e.snapshot(t)
}

// ActiveTrades returns copies of the trades in flight.
func (e *Executor) ActiveTrades() []*domain.ArbitrageTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*domain.ArbitrageTrade, 0, len(e.active))
	for _, a := range e.active {
		out = append(out, a.trade.Clone())
	}
	return out
}

// CompletedTrades returns up to limit finished trades, newest first. A
// limit of zero or less returns the whole history.
func (e *Executor) CompletedTrades(limit int) []*domain.ArbitrageTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*domain.ArbitrageTrade, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, e.history[i].Clone())
	}
	return out
}

// Trade looks a trade up among active and finished trades.
func (e *Executor) Trade(id string) (*domain.ArbitrageTrade, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.active[id]; ok {
		return a.trade.Clone(), true
	}
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == id {
			return e.history[i].Clone(), true
		}
	}
	return nil, false
}

// Record replaces the history entry of a finished trade with t. Settlement
// moves a trade past fully_filled after Execute has returned; recording the
// final copy keeps Trade and CompletedTrades current. Unknown or evicted ids
// are ignored.
func (e *Executor) Record(t *domain.ArbitrageTrade) {
	if t == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.history) - 1; i >= 0; i-- {
		if e.history[i].ID == t.ID {
			e.history[i] = t.Clone()
			return
		}
	}
}

// Stats returns executor counters.
func (e *Executor) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Active:      len(e.active),
		Total:       e.total,
		FullyFilled: e.filled,
		Failed:      e.failed,
		Cancelled:   e.cancelled,
		Rejected:    e.rejected,
	}
	if e.finished > 0 {
		s.AvgDuration = e.totalDuration / time.Duration(e.finished)
	}
	return s
}

// CancelAll cancels every live order of every active trade and marks those
// trades cancelled. Each cancel is bounded by CancelTimeout. It returns the
// number of orders the gateway accepted a cancel for.
func (e *Executor) CancelAll(ctx context.Context) int {
	e.mu.Lock()
	trades := make([]*activeTrade, 0, len(e.active))
	for _, a := range e.active {
		trades = append(trades, a)
	}
	e.mu.Unlock()

	if len(trades) == 0 {
		return 0
	}
	e.logger.Warn("cancelling all active trades", slog.Int("trades", len(trades)))

	cancelled := 0
	for _, a := range trades {
		e.mu.Lock()
		handedOff := a.trade.State == domain.TradeFullyFilled
		e.mu.Unlock()
		if handedOff {
			continue
		}
		// Terminal first so the saga stops at its next step. Orders still
		// being placed are cancelled by the saga once their ids are known.
		e.transition(ctx, a.trade, domain.TradeCancelled, "cancelled on shutdown")
		cancelled += e.cancelLive(ctx, a.trade)
		a.cancel()
	}
	e.logger.Info("cancel all complete",
		slog.Int("trades", len(trades)),
		slog.Int("orders_cancelled", cancelled),
	)
	return cancelled
}

// Shutdown cancels every live order. It is safe to call more than once.
func (e *Executor) Shutdown(ctx context.Context) {
	e.CancelAll(ctx)
}

// --------------------------------------------------------------------------
// Saga
// --------------------------------------------------------------------------

func (e *Executor) run(ctx context.Context, t *domain.ArbitrageTrade) {
	if !e.transition(ctx, t, domain.TradePlacingOrders, "") {
		return
	}

	if err := ctx.Err(); err != nil {
		e.fail(ctx, t, fmt.Sprintf("aborted before placement: %v", err))
		return
	}

	// Placement is not interrupted by ctx: an order the exchange accepted
	// must come back with its id so it can be cancelled.
	reqs := e.requests(t)
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PlaceTimeout)
	results := placeLegs(pctx, e.gateway, reqs)
	cancel()

	placed := 0
	var firstErr error
	e.mu.Lock()
	for i, r := range results {
		if r.err == nil {
			t.Legs[i].OrderID = r.ack.OrderID
			t.Legs[i].Status = r.ack.Status
			if t.Legs[i].Status == "" {
				t.Legs[i].Status = domain.OrderStatusOpen
			}
			placed++
			continue
		}
		t.Legs[i].Status = domain.OrderStatusFailed
		if firstErr == nil {
			firstErr = r.err
		}
	}
	e.mu.Unlock()

	for i, r := range results {
		if r.err != nil {
			e.logger.Warn("order placement failed",
				slog.String("trade_id", t.ID),
				slog.String("token_id", reqs[i].TokenID),
				slog.String("error", r.err.Error()),
			)
			metrics.OrdersTotal.WithLabelValues("place", "error").Inc()
			continue
		}
		metrics.OrdersTotal.WithLabelValues("place", "ok").Inc()
		e.emit(ctx, t, domain.EventOrderPlaced, reqs[i].TokenID, map[string]any{
			"order_id": r.ack.OrderID,
			"price":    reqs[i].Price,
			"size":     reqs[i].Size,
		})
	}

	// Whatever path the saga takes from here, a trade that did not fill
	// leaves no order working. This also covers a CancelAll that ran while
	// placement was in flight and found no order ids yet.
	defer e.compensate(ctx, t)

	if placed < len(reqs) {
		e.cancelLive(ctx, t)
		e.fail(ctx, t, fmt.Sprintf("only %d/%d orders placed: %v", placed, len(reqs), firstErr))
		return
	}

	if !e.transition(ctx, t, domain.TradeMonitoringFills, "") {
		return
	}
	if err := e.monitor(ctx, t); err != nil {
		if e.terminal(t) {
			return
		}
		e.cancelLive(ctx, t)
		e.fail(ctx, t, fmt.Sprintf("fill monitoring aborted: %v", err))
		return
	}

	e.mu.Lock()
	allFilled := t.AllFilled()
	e.mu.Unlock()
	if allFilled {
		e.transition(ctx, t, domain.TradeFullyFilled, "")
		return
	}

	if !e.transition(ctx, t, domain.TradePartiallyFilled, "") {
		return
	}
	e.cancelLive(ctx, t)
	e.fail(ctx, t, "partial fill")
}

// monitor polls live legs until every leg is settled or the fill deadline
// passes. A matched or dead leg is not polled again. The deadline is not an
// error; a context cancellation is.
func (e *Executor) monitor(ctx context.Context, t *domain.ArbitrageTrade) error {
	deadline := time.NewTimer(e.cfg.FillTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if e.pollOnce(ctx, t) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			e.logger.Warn("fill timeout",
				slog.String("trade_id", t.ID),
				slog.Duration("timeout", e.cfg.FillTimeout),
			)
			return nil
		case <-ticker.C:
		}
	}
}

// pollOnce refreshes every live leg and reports whether none is left live.
func (e *Executor) pollOnce(ctx context.Context, t *domain.ArbitrageTrade) bool {
	e.mu.Lock()
	legs := append([]domain.OrderLeg(nil), t.Legs...)
	e.mu.Unlock()

	done := true
	for i, leg := range legs {
		if !pollable(leg) {
			continue
		}
		rep, err := e.gateway.GetOrderStatus(ctx, leg.OrderID)
		if err != nil {
			metrics.OrdersTotal.WithLabelValues("status", "error").Inc()
			e.logger.Debug("order status failed",
				slog.String("trade_id", t.ID),
				slog.String("order_id", leg.OrderID),
				slog.String("error", err.Error()),
			)
			done = false
			continue
		}

		e.mu.Lock()
		l := &t.Legs[i]
		if t.State.IsTerminal() || l.Status == domain.OrderStatusCancelled {
			e.mu.Unlock()
			continue
		}
		wasFilled := l.Filled()
		l.FilledSize = rep.FilledSize
		if rep.FilledPrice > 0 {
			l.FilledPrice = rep.FilledPrice
		}
		if rep.Status != "" {
			l.Status = rep.Status
		}
		if l.Filled() {
			l.Status = domain.OrderStatusMatched
		}
		updated := *l
		e.mu.Unlock()

		if updated.Filled() && !wasFilled {
			e.emit(ctx, t, domain.EventOrderFilled, updated.TokenID, map[string]any{
				"order_id":     updated.OrderID,
				"filled_size":  updated.FilledSize,
				"filled_price": updated.FilledPrice,
			})
		}
		if pollable(updated) {
			done = false
		}
	}
	return done
}

// pollable reports whether a leg may still change. A leg acknowledged as
// matched is polled until its fill size is known.
func pollable(l domain.OrderLeg) bool {
	if l.OrderID == "" || l.Filled() {
		return false
	}
	return l.Status.Live() || l.Status == domain.OrderStatusMatched
}

// cancelLive cancels every leg that can still fill and returns how many
// cancels the gateway accepted. It runs on a context detached from ctx's
// cancellation so a shutdown can still clean up.
func (e *Executor) cancelLive(ctx context.Context, t *domain.ArbitrageTrade) int {
	e.mu.Lock()
	var live []int
	for i, l := range t.Legs {
		if l.OrderID != "" && l.Status.Live() && !l.Filled() && !e.cancelling[l.OrderID] {
			e.cancelling[l.OrderID] = true
			live = append(live, i)
		}
	}
	legs := append([]domain.OrderLeg(nil), t.Legs...)
	e.mu.Unlock()

	base := context.WithoutCancel(ctx)
	n := 0
	for _, i := range live {
		cctx, cancel := context.WithTimeout(base, e.cfg.CancelTimeout)
		err := e.gateway.CancelOrder(cctx, legs[i].OrderID)
		cancel()
		if err != nil {
			e.mu.Lock()
			delete(e.cancelling, legs[i].OrderID)
			e.mu.Unlock()
			metrics.OrdersTotal.WithLabelValues("cancel", "error").Inc()
			e.logger.Error("cancel failed",
				slog.String("trade_id", t.ID),
				slog.String("order_id", legs[i].OrderID),
				slog.String("error", err.Error()),
			)
			continue
		}
		n++
		metrics.OrdersTotal.WithLabelValues("cancel", "ok").Inc()
		e.mu.Lock()
		t.Legs[i].Status = domain.OrderStatusCancelled
		delete(e.cancelling, legs[i].OrderID)
		e.mu.Unlock()
		e.emit(ctx, t, domain.EventOrderCancelled, legs[i].TokenID, map[string]any{
			"order_id":    legs[i].OrderID,
			"filled_size": legs[i].FilledSize,
		})
	}
	return n
}

// compensate cancels the live legs of a trade that did not reach
// fully_filled.
func (e *Executor) compensate(ctx context.Context, t *domain.ArbitrageTrade) {
	e.mu.Lock()
	filled := t.State == domain.TradeFullyFilled
	e.mu.Unlock()
	if filled {
		return
	}
	if n := e.cancelLive(ctx, t); n > 0 {
		e.logger.Warn("cancelled orders left by an interrupted trade",
			slog.String("trade_id", t.ID),
			slog.Int("orders", n),
		)
	}
}

// --------------------------------------------------------------------------
// State handling
// --------------------------------------------------------------------------

// transition moves t to state. A terminal trade never moves again; false is
// returned in that case.
func (e *Executor) transition(ctx context.Context, t *domain.ArbitrageTrade, state domain.TradeState, reason string) bool {
	e.mu.Lock()
	from := t.State
	if from.IsTerminal() {
		e.mu.Unlock()
		return false
	}
	t.State = state
	if reason != "" {
		t.Error = reason
	}
	if state.IsTerminal() || state == domain.TradeFullyFilled {
		now := time.Now()
		t.EndedAt = &now
	}
	e.mu.Unlock()

	e.logger.Debug("trade state changed",
		slog.String("trade_id", t.ID),
		slog.String("from", string(from)),
		slog.String("to", string(state)),
	)
	e.emit(ctx, t, domain.EventTradeStateChanged, "", map[string]any{
		"from": string(from),
		"to":   string(state),
	})
	return true
}

func (e *Executor) fail(ctx context.Context, t *domain.ArbitrageTrade, reason string) {
	if !e.transition(ctx, t, domain.TradeFailed, reason) {
		return
	}
	e.logger.Warn("trade failed",
		slog.String("trade_id", t.ID),
		slog.String("condition_id", t.ConditionID()),
		slog.String("reason", reason),
	)
	e.emit(ctx, t, domain.EventTradeFailed, "", map[string]any{"error": reason})
}

func (e *Executor) terminal(t *domain.ArbitrageTrade) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.State.IsTerminal()
}

// finish moves t from the active set into the bounded history.
func (e *Executor) finish(t *domain.ArbitrageTrade) {
	e.mu.Lock()
	delete(e.active, t.ID)
	e.history = append(e.history, t)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
	switch t.State {
	case domain.TradeFullyFilled:
		e.filled++
	case domain.TradeCancelled:
		e.cancelled++
	default:
		e.failed++
	}
	e.totalDuration += t.Duration()
	e.finished++
	state := t.State
	e.mu.Unlock()

	metrics.ActiveTrades.Dec()
	metrics.TradesTotal.WithLabelValues(string(state)).Inc()
}

func (e *Executor) snapshot(t *domain.ArbitrageTrade) *domain.ArbitrageTrade {
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.Clone()
}

func (e *Executor) newTrade(opp domain.Opportunity) *domain.ArbitrageTrade {
	quotes := opp.Legs()
	legs := make([]domain.OrderLeg, 0, len(quotes))
	for _, q := range quotes {
		size := 0.0
		if q.AskPrice > 0 {
			size = opp.MaxSize() / q.AskPrice
		}
		legs = append(legs, domain.OrderLeg{
			TokenID: q.TokenID,
			Outcome: q.Outcome,
			Side:    domain.OrderSideBuy,
			Size:    size,
			Price:   q.AskPrice,
			Status:  domain.OrderStatusPending,
		})
	}
	return &domain.ArbitrageTrade{
		ID:             e.newID(),
		Opportunity:    opp,
		Legs:           legs,
		State:          domain.TradePending,
		ExpectedProfit: opp.Analysis().PotentialProfit,
		StartedAt:      time.Now(),
	}
}

func (e *Executor) requests(t *domain.ArbitrageTrade) []domain.OrderRequest {
	negRisk := false
	if t.Opportunity != nil {
		negRisk = t.Opportunity.Market().NegRisk
	}
	reqs := make([]domain.OrderRequest, len(t.Legs))
	for i, l := range t.Legs {
		reqs[i] = domain.OrderRequest{
			TokenID: l.TokenID,
			Side:    l.Side,
			Size:    l.Size,
			Price:   l.Price,
			NegRisk: negRisk,
			Type:    e.cfg.OrderType,
		}
	}
	return reqs
}

func (e *Executor) emit(ctx context.Context, t *domain.ArbitrageTrade, typ domain.EventType, tokenID string, fields map[string]any) {
	e.events.Emit(ctx, domain.Event{
		Type:     typ,
		TradeID:  t.ID,
		MarketID: t.ConditionID(),
		TokenID:  tokenID,
		Fields:   fields,
		At:       time.Now(),
	})
}

// IsCapacityError reports whether a trade was turned away for capacity.
func IsCapacityError(t *domain.ArbitrageTrade) bool {
	return t != nil && t.State == domain.TradeFailed && t.Error == domain.ErrCapacity.Error()
}
