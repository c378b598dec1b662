package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// TradeExecutor runs the order saga for one opportunity.
// executor.Executor implements it.
type TradeExecutor interface {
	Execute(ctx context.Context, opp domain.Opportunity) *domain.ArbitrageTrade
	// Record stores the final state of a trade after settlement.
	Record(t *domain.ArbitrageTrade)
	// CancelAll cancels the live orders of every trade in flight.
	CancelAll(ctx context.Context) int
}

// TradeMerger settles a fully filled trade. settlement.Merger implements it.
type TradeMerger interface {
	Merge(ctx context.Context, t *domain.ArbitrageTrade) domain.MergeResult
}

// RiskGate decides whether an opportunity may be traded.
type RiskGate interface {
	Allow(ctx context.Context, opp domain.Opportunity) error
	InvalidateBalance()
}

// Notifier delivers operator alerts. notify.Notifier implements it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ArbConfig tunes the pipeline.
type ArbConfig struct {
	QueueSize int
	// DrainTimeout bounds the cancellation of live orders on shutdown.
	DrainTimeout time.Duration
}

// ArbStats counts what the pipeline did with the opportunities it saw.
type ArbStats struct {
	Received   int64
	Dropped    int64
	Duplicates int64
	Blocked    int64
	Executed   int64
	Completed  int64
	Failed     int64
}

// ArbService consumes opportunities from the detector and carries each one
// through risk, execution, settlement and persistence. A market never has
// two trades in flight.
type ArbService struct {
	cfg      ArbConfig
	risk     RiskGate
	executor TradeExecutor
	merger   TradeMerger
	trades   domain.TradeStore
	merges   domain.MergeStore
	notifier Notifier
	logger   *slog.Logger

	queue chan domain.Opportunity
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}

	received, dropped, duplicates, blocked atomic.Int64
	executed, completed, failed            atomic.Int64
}

// NewArbService creates an ArbService. trades, merges and notifier may be
// nil.
func NewArbService(
	cfg ArbConfig,
	risk RiskGate,
	executor TradeExecutor,
	merger TradeMerger,
	trades domain.TradeStore,
	merges domain.MergeStore,
	notifier Notifier,
	logger *slog.Logger,
) *ArbService {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &ArbService{
		cfg:      cfg,
		risk:     risk,
		executor: executor,
		merger:   merger,
		trades:   trades,
		merges:   merges,
		notifier: notifier,
		logger:   logger,
		queue:    make(chan domain.Opportunity, cfg.QueueSize),
		inFlight: make(map[string]struct{}),
	}
}

// Submit enqueues opp without blocking. It has the signature of the
// coordinator's opportunity handler; a full queue drops the opportunity.
func (s *ArbService) Submit(ctx context.Context, opp domain.Opportunity) {
	s.received.Add(1)
	select {
	case s.queue <- opp:
	default:
		s.dropped.Add(1)
		s.logger.WarnContext(ctx, "arb_service: queue full, opportunity dropped",
			slog.String("condition_id", opp.Market().ConditionID),
		)
	}
}

// Run processes queued opportunities until ctx is cancelled. On shutdown
// the live orders of every trade in flight are cancelled first, then the
// trades are stopped and waited for.
func (s *ArbService) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "arb_service: started")
	defer s.logger.Info("arb_service: stopped")

	// Trades outlive ctx until they have been drained.
	tradeCtx, stopTrades := context.WithCancel(context.WithoutCancel(ctx))
	defer stopTrades()

	for {
		select {
		case <-ctx.Done():
			s.drain(ctx)
			stopTrades()
			s.wg.Wait()
			return ctx.Err()
		case opp := <-s.queue:
			s.dispatch(ctx, tradeCtx, opp)
		}
	}
}

func (s *ArbService) drain(ctx context.Context) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.DrainTimeout)
	defer cancel()
	if n := s.executor.CancelAll(dctx); n > 0 {
		s.logger.Warn("arb_service: cancelled live orders on shutdown", slog.Int("orders", n))
	}
}

// Wait blocks until every started trade has finished.
func (s *ArbService) Wait() { s.wg.Wait() }

// Stats returns pipeline counters.
func (s *ArbService) Stats() ArbStats {
	return ArbStats{
		Received:   s.received.Load(),
		Dropped:    s.dropped.Load(),
		Duplicates: s.duplicates.Load(),
		Blocked:    s.blocked.Load(),
		Executed:   s.executed.Load(),
		Completed:  s.completed.Load(),
		Failed:     s.failed.Load(),
	}
}

// dispatch gates opp and starts its trade in a goroutine on tradeCtx.
func (s *ArbService) dispatch(ctx, tradeCtx context.Context, opp domain.Opportunity) {
	conditionID := opp.Market().ConditionID

	s.mu.Lock()
	if _, busy := s.inFlight[conditionID]; busy {
		s.mu.Unlock()
		s.duplicates.Add(1)
		s.logger.DebugContext(ctx, "arb_service: market already trading",
			slog.String("condition_id", conditionID),
		)
		return
	}
	s.inFlight[conditionID] = struct{}{}
	s.mu.Unlock()

	if err := s.risk.Allow(ctx, opp); err != nil {
		s.release(conditionID)
		s.blocked.Add(1)
		level := slog.LevelInfo
		if errors.Is(err, domain.ErrSimulation) {
			level = slog.LevelDebug
		}
		s.logger.Log(ctx, level, "arb_service: opportunity not traded",
			slog.String("condition_id", conditionID),
			slog.Float64("net_edge_bps", opp.Analysis().NetEdgeBps),
			slog.String("reason", err.Error()),
		)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(conditionID)
		s.trade(tradeCtx, opp)
	}()
}

// trade runs one opportunity to its final state.
func (s *ArbService) trade(ctx context.Context, opp domain.Opportunity) {
	s.executed.Add(1)
	t := s.executor.Execute(ctx, opp)
	defer s.risk.InvalidateBalance()

	if t.State == domain.TradeFullyFilled {
		// Settlement must finish even when shutdown has begun: the
		// position is already bought.
		res := s.merger.Merge(context.WithoutCancel(ctx), t)
		s.saveMerge(ctx, res)
		s.executor.Record(t)
	}

	if t.State == domain.TradeCompleted {
		s.completed.Add(1)
	} else {
		s.failed.Add(1)
	}
	s.saveTrade(ctx, t)
	s.notify(ctx, t)
}

func (s *ArbService) release(conditionID string) {
	s.mu.Lock()
	delete(s.inFlight, conditionID)
	s.mu.Unlock()
}

func (s *ArbService) saveTrade(ctx context.Context, t *domain.ArbitrageTrade) {
	if s.trades == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.trades.Save(pctx, TradeRecordOf(t)); err != nil {
		s.logger.ErrorContext(ctx, "arb_service: save trade failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ArbService) saveMerge(ctx context.Context, res domain.MergeResult) {
	if s.merges == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.merges.Insert(pctx, res); err != nil {
		s.logger.ErrorContext(ctx, "arb_service: save merge failed",
			slog.String("trade_id", res.TradeID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *ArbService) notify(ctx context.Context, t *domain.ArbitrageTrade) {
	if s.notifier == nil {
		return
	}
	event, title, msg := describeTrade(t)
	if err := s.notifier.Notify(context.WithoutCancel(ctx), event, title, msg); err != nil {
		s.logger.WarnContext(ctx, "arb_service: notify failed",
			slog.String("trade_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
}

// TradeRecordOf converts a trade to its persisted form.
func TradeRecordOf(t *domain.ArbitrageTrade) domain.TradeRecord {
	rec := domain.TradeRecord{
		ID:             t.ID,
		ConditionID:    t.ConditionID(),
		Kind:           t.Kind(),
		State:          t.State,
		Legs:           t.Legs,
		ExpectedProfit: t.ExpectedProfit,
		ActualProfit:   t.ActualProfit,
		Error:          t.Error,
		StartedAt:      t.StartedAt,
		EndedAt:        t.EndedAt,
	}
	if t.Opportunity != nil {
		m := t.Opportunity.Market()
		rec.MarketID = m.ID
		rec.Question = m.Question
		rec.MaxSize = t.Opportunity.MaxSize()
		rec.NetEdgeBps = t.Opportunity.Analysis().NetEdgeBps
	}
	return rec
}

func describeTrade(t *domain.ArbitrageTrade) (event, title, msg string) {
	question := ""
	if t.Opportunity != nil {
		question = t.Opportunity.Market().Question
	}
	switch t.State {
	case domain.TradeCompleted:
		return string(domain.EventTradeCompleted), "Arbitrage completed",
			fmt.Sprintf("%s\ntrade %s, %d legs, profit $%.4f (expected $%.4f)",
				question, t.ID, len(t.Legs), t.ActualProfit, t.ExpectedProfit)
	default:
		return string(domain.EventTradeFailed), "Arbitrage failed",
			fmt.Sprintf("%s\ntrade %s ended %s: %s", question, t.ID, t.State, t.Error)
	}
}
