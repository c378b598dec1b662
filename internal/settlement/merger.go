// Package settlement converts a fully filled trade's complete outcome set
// back into collateral and accounts for the realized profit.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/metrics"
)

// Config tunes the merger.
type Config struct {
	MinMergeAmount float64
	MaxRetries     int
	BaseBackoff    time.Duration
	HistorySize    int
	LockTTL        time.Duration
}

// DefaultConfig returns the merger defaults.
func DefaultConfig() Config {
	return Config{
		MinMergeAmount: 1.0,
		MaxRetries:     3,
		BaseBackoff:    time.Second,
		HistorySize:    100,
		LockTTL:        3 * time.Minute,
	}
}

// Stats summarises the merge history.
type Stats struct {
	Total       int
	Successful  int
	Failed      int
	TotalProfit float64
	TotalGasUSD float64
	SuccessRate float64
}

// Merger settles fully filled trades through a SettlementClient.
type Merger struct {
	cfg    Config
	client domain.SettlementClient
	locks  domain.LockManager
	events domain.EventSink
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	pending map[string]*domain.ArbitrageTrade
	results []domain.MergeResult // oldest first, bounded by HistorySize
}

// New creates a merger. locks and events may be nil.
func New(cfg Config, client domain.SettlementClient, locks domain.LockManager, events domain.EventSink, logger *slog.Logger) *Merger {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff < 0 {
		cfg.BaseBackoff = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = def.LockTTL
	}
	if events == nil {
		events = domain.NopSink{}
	}
	return &Merger{
		cfg:     cfg,
		client:  client,
		locks:   locks,
		events:  events,
		logger:  logger.With(slog.String("component", "merger")),
		sleep:   sleepCtx,
		pending: make(map[string]*domain.ArbitrageTrade),
	}
}

// Merge settles t, which must be fully filled. The trade ends completed
// with ActualProfit set, or failed with the reason in Error. The returned
// result is also attached to t.
func (m *Merger) Merge(ctx context.Context, t *domain.ArbitrageTrade) domain.MergeResult {
	res := domain.MergeResult{TradeID: t.ID, ConditionID: t.ConditionID()}

	if t.State != domain.TradeFullyFilled {
		res.Error = fmt.Sprintf("trade not fully filled (state %s)", t.State)
		return m.finish(ctx, t, res, false)
	}
	t.State = domain.TradeMerging

	amount := mergeAmount(t)
	res.AmountMerged = amount
	if amount < m.cfg.MinMergeAmount {
		res.Error = fmt.Sprintf("merge amount %.4f below minimum %.2f", amount, m.cfg.MinMergeAmount)
		return m.finish(ctx, t, res, true)
	}

	if m.locks != nil {
		unlock, err := m.locks.Acquire(ctx, "merge:"+res.ConditionID, m.cfg.LockTTL)
		switch {
		case err == nil:
			defer unlock()
		case errors.Is(err, domain.ErrLockHeld):
			res.Error = "merge already in progress for condition"
			return m.finish(ctx, t, res, true)
		default:
			m.logger.Warn("merge lock unavailable, proceeding without it",
				slog.String("condition_id", res.ConditionID),
				slog.String("error", err.Error()),
			)
		}
	}

	// pending holds a private copy: t keeps changing until finish.
	m.mu.Lock()
	m.pending[t.ID] = t.Clone()
	m.mu.Unlock()

	req := domain.MergeRequest{
		ConditionID:  res.ConditionID,
		Amount:       amount,
		OutcomeCount: len(t.Legs),
	}
	if t.Opportunity != nil {
		req.NegRisk = t.Opportunity.Market().NegRisk
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := m.cfg.BaseBackoff * time.Duration(1<<attempt)
			m.logger.Info("retrying merge",
				slog.String("trade_id", t.ID),
				slog.Int("attempt", attempt+1),
				slog.Duration("backoff", backoff),
			)
			if err := m.sleep(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}
		res.Attempts = attempt + 1

		tx, err := m.client.MergePositions(ctx, req)
		res.TxHash = tx.TxHash
		res.GasUsed = tx.GasUsed
		res.GasCostUSD += tx.GasCostUSD
		if err == nil && tx.Success {
			res.Success = true
			res.ProfitRealized = realizedProfit(t, amount, res.GasCostUSD)
			return m.finish(ctx, t, res, true)
		}
		if err == nil {
			err = errors.New(tx.Error)
		}
		lastErr = err
		m.logger.Warn("merge attempt failed",
			slog.String("trade_id", t.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}

	res.Error = fmt.Sprintf("merge failed after %d attempts: %v", res.Attempts, lastErr)
	return m.finish(ctx, t, res, true)
}

// Pending returns copies of the trades currently being merged.
func (m *Merger) Pending() []*domain.ArbitrageTrade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.ArbitrageTrade, 0, len(m.pending))
	for _, t := range m.pending {
		out = append(out, t.Clone())
	}
	return out
}

// Results returns up to limit merge results, newest first.
func (m *Merger) Results(limit int) []domain.MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.results)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.MergeResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, m.results[i])
	}
	return out
}

// Stats aggregates the retained history.
func (m *Merger) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	profit, gas := decimal.Zero, decimal.Zero
	for _, r := range m.results {
		s.Total++
		gas = gas.Add(decimal.NewFromFloat(r.GasCostUSD))
		if r.Success {
			s.Successful++
			profit = profit.Add(decimal.NewFromFloat(r.ProfitRealized))
		} else {
			s.Failed++
		}
	}
	s.TotalProfit = profit.InexactFloat64()
	s.TotalGasUSD = gas.InexactFloat64()
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total)
	}
	return s
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// finish records res, applies it to t and emits the outcome. When record is
// false the trade was never handed to the merger and is left untouched.
func (m *Merger) finish(ctx context.Context, t *domain.ArbitrageTrade, res domain.MergeResult, record bool) domain.MergeResult {
	res.CompletedAt = time.Now()
	if !record {
		return res
	}

	m.mu.Lock()
	delete(m.pending, t.ID)
	m.mu.Unlock()

	end := res.CompletedAt
	t.Merge = &res
	t.EndedAt = &end
	if res.Success {
		t.State = domain.TradeCompleted
		t.ActualProfit = res.ProfitRealized
	} else {
		t.State = domain.TradeFailed
		t.Error = res.Error
	}

	m.mu.Lock()
	m.results = append(m.results, res)
	if over := len(m.results) - m.cfg.HistorySize; over > 0 {
		m.results = append(m.results[:0:0], m.results[over:]...)
	}
	m.mu.Unlock()

	ev := domain.Event{
		TradeID:  t.ID,
		MarketID: res.ConditionID,
		Fields: map[string]any{
			"amount":   res.AmountMerged,
			"attempts": res.Attempts,
			"gas_usd":  res.GasCostUSD,
			"tx_hash":  res.TxHash,
		},
		At: res.CompletedAt,
	}
	if res.Success {
		metrics.MergesTotal.WithLabelValues("success").Inc()
		metrics.MergeProfitUSD.Add(res.ProfitRealized)
		metrics.MergeGasUSD.Add(res.GasCostUSD)
		ev.Type = domain.EventMergeCompleted
		ev.Fields["profit"] = res.ProfitRealized
		m.logger.Info("merge completed",
			slog.String("trade_id", t.ID),
			slog.String("condition_id", res.ConditionID),
			slog.Float64("amount", res.AmountMerged),
			slog.Float64("profit", res.ProfitRealized),
			slog.Float64("gas_usd", res.GasCostUSD),
			slog.String("tx_hash", res.TxHash),
		)
	} else {
		metrics.MergesTotal.WithLabelValues("failure").Inc()
		if res.GasCostUSD > 0 {
			metrics.MergeGasUSD.Add(res.GasCostUSD)
		}
		ev.Type = domain.EventMergeFailed
		ev.Fields["error"] = res.Error
		m.logger.Error("merge failed",
			slog.String("trade_id", t.ID),
			slog.String("condition_id", res.ConditionID),
			slog.String("error", res.Error),
		)
	}
	m.events.Emit(ctx, ev)
	return res
}

// mergeAmount is the smallest filled size across legs: only complete sets
// can be merged.
func mergeAmount(t *domain.ArbitrageTrade) float64 {
	if len(t.Legs) == 0 {
		return 0
	}
	amount := math.Inf(1)
	for _, l := range t.Legs {
		amount = math.Min(amount, l.FilledSize)
	}
	return amount
}

// realizedProfit is the collateral returned minus what the legs cost and
// the gas spent.
func realizedProfit(t *domain.ArbitrageTrade, amount, gasUSD float64) float64 {
	cost := decimal.Zero
	for _, l := range t.Legs {
		cost = cost.Add(decimal.NewFromFloat(l.Cost()))
	}
	return decimal.NewFromFloat(amount).
		Sub(cost).
		Sub(decimal.NewFromFloat(gasUSD)).
		InexactFloat64()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
