package arbitrage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/metrics"
)

// BookSource gives the coordinator read access to current books.
// orderbook.Store implements it.
type BookSource interface {
	GetMany(tokenIDs []string) map[string]domain.OrderBook
}

// OpportunityHandler receives executable opportunities from the
// incremental path.
type OpportunityHandler func(ctx context.Context, opp domain.Opportunity)

// CoordinatorConfig tunes the coordinator.
type CoordinatorConfig struct {
	Cooldown        time.Duration
	CooldownEntries int
	ScanHistory     int
}

// DefaultCoordinatorConfig returns a 5s cooldown and a 100-scan window.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{Cooldown: 5 * time.Second, CooldownEntries: 10_000, ScanHistory: 100}
}

// CoordinatorStats is a point-in-time view of detector activity.
type CoordinatorStats struct {
	MarketsMonitored     int
	BinaryMarkets        int
	CategoricalMarkets   int
	OpportunitiesFound   int64
	BinaryFound          int64
	CategoricalFound     int64
	LastScan             time.Time
	AvgScanDuration      time.Duration
	MaxScanDuration      time.Duration
	LastFullScanFound    int
	LastFullScanDuration time.Duration
}

// catalog is an immutable market snapshot. A refresh builds a new one.
type catalog struct {
	markets     map[string]domain.Market // by condition ID
	byToken     map[string]string        // token ID -> condition ID
	ordered     []domain.Market          // stable scan order
	binary      int
	categorical int
}

func emptyCatalog() *catalog {
	return &catalog{markets: map[string]domain.Market{}, byToken: map[string]string{}}
}

// Coordinator routes book updates to the matching detector and runs full
// scans. Market metadata is swapped atomically on refresh.
type Coordinator struct {
	binary      *BinaryDetector
	categorical *CategoricalDetector
	books       BookSource
	cooldown    *Cooldown
	events      domain.EventSink
	logger      *slog.Logger

	cat atomic.Pointer[catalog]

	handlerMu sync.RWMutex
	handlers  []OpportunityHandler

	found            atomic.Int64
	binaryFound      atomic.Int64
	categoricalFound atomic.Int64

	statsMu      sync.Mutex
	durations    []time.Duration // ring of recent evaluation durations
	durNext      int
	lastScan     time.Time
	lastFullN    int
	lastFullTook time.Duration
}

// NewCoordinator wires the detectors to a book source. events may be nil.
func NewCoordinator(cfg CoordinatorConfig, binary *BinaryDetector, categorical *CategoricalDetector, books BookSource, events domain.EventSink, logger *slog.Logger) *Coordinator {
	if cfg.ScanHistory <= 0 {
		cfg.ScanHistory = 100
	}
	if events == nil {
		events = domain.NopSink{}
	}
	c := &Coordinator{
		binary:      binary,
		categorical: categorical,
		books:       books,
		cooldown:    NewCooldown(cfg.Cooldown, cfg.CooldownEntries),
		events:      events,
		logger:      logger.With(slog.String("component", "coordinator")),
		durations:   make([]time.Duration, 0, cfg.ScanHistory),
	}
	c.cat.Store(emptyCatalog())
	return c
}

// OnOpportunity registers a handler for executable opportunities.
func (c *Coordinator) OnOpportunity(h OpportunityHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Cooldown exposes the per-market cooldown.
func (c *Coordinator) Cooldown() *Cooldown { return c.cooldown }

// UpdateMarkets replaces the catalog. Only tradable markets with at least
// two outcomes are kept. It returns the token IDs that were not in the
// previous catalog and those that are no longer present.
func (c *Coordinator) UpdateMarkets(markets []domain.Market) (added, removed []string) {
	next := emptyCatalog()
	for _, m := range markets {
		if !m.Tradable() || len(m.Outcomes) < 2 || m.ConditionID == "" {
			continue
		}
		if _, dup := next.markets[m.ConditionID]; dup {
			continue
		}
		next.markets[m.ConditionID] = m
		next.ordered = append(next.ordered, m)
		for _, id := range m.TokenIDs() {
			next.byToken[id] = m.ConditionID
		}
		if m.IsBinary() {
			next.binary++
		} else {
			next.categorical++
		}
	}
	sort.Slice(next.ordered, func(i, j int) bool { return next.ordered[i].ConditionID < next.ordered[j].ConditionID })

	prev := c.cat.Swap(next)
	for id := range next.byToken {
		if _, ok := prev.byToken[id]; !ok {
			added = append(added, id)
		}
	}
	for id := range prev.byToken {
		if _, ok := next.byToken[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)

	metrics.MarketsMonitored.WithLabelValues(string(domain.OpportunityBinary)).Set(float64(next.binary))
	metrics.MarketsMonitored.WithLabelValues(string(domain.OpportunityCategorical)).Set(float64(next.categorical))
	c.logger.Info("market catalog updated",
		slog.Int("markets", len(next.markets)),
		slog.Int("binary", next.binary),
		slog.Int("categorical", next.categorical),
		slog.Int("tokens_added", len(added)),
		slog.Int("tokens_removed", len(removed)),
	)
	return added, removed
}

// TokenIDs returns every token of every catalogued market.
func (c *Coordinator) TokenIDs() []string {
	cat := c.cat.Load()
	ids := make([]string, 0, len(cat.byToken))
	for _, m := range cat.ordered {
		ids = append(ids, m.TokenIDs()...)
	}
	return ids
}

// Market looks up a catalogued market by condition ID.
func (c *Coordinator) Market(conditionID string) (domain.Market, bool) {
	m, ok := c.cat.Load().markets[conditionID]
	return m, ok
}

// Markets returns the catalogued markets in scan order.
func (c *Coordinator) Markets() []domain.Market {
	return append([]domain.Market(nil), c.cat.Load().ordered...)
}

// OnBookUpdate is the incremental path: it evaluates the market that owns
// the updated token and hands an executable opportunity to the handlers.
func (c *Coordinator) OnBookUpdate(ctx context.Context, book domain.OrderBook) {
	cat := c.cat.Load()
	conditionID, ok := cat.byToken[book.TokenID]
	if !ok {
		return
	}
	m := cat.markets[conditionID]
	if c.cooldown.Active(conditionID) {
		return
	}

	start := time.Now()
	books := c.books.GetMany(m.TokenIDs())
	books[book.TokenID] = book
	opp, reject := c.evaluate(m, books)
	c.recordDuration(time.Since(start))

	if opp == nil {
		if reject != RejectNone {
			metrics.RejectsTotal.WithLabelValues(kindOf(m), string(reject)).Inc()
		}
		return
	}
	if !opp.IsExecutable() {
		return
	}
	if !c.cooldown.Allow(conditionID) {
		metrics.RejectsTotal.WithLabelValues(kindOf(m), string(RejectCooldown)).Inc()
		return
	}
	c.emit(ctx, opp)
}

// ScanAll evaluates every catalogued market with both detectors, ignoring
// cooldowns, and returns the opportunities ordered by net edge.
func (c *Coordinator) ScanAll(ctx context.Context) []domain.Opportunity {
	cat := c.cat.Load()
	start := time.Now()

	tokens := make([]string, 0, len(cat.byToken))
	for id := range cat.byToken {
		tokens = append(tokens, id)
	}
	books := c.books.GetMany(tokens)

	var out []domain.Opportunity
	for _, o := range c.binary.ScanMarkets(cat.ordered, books) {
		out = append(out, o)
	}
	for _, o := range c.categorical.ScanMarkets(cat.ordered, books) {
		out = append(out, o)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Analysis().NetEdgeBps > out[j].Analysis().NetEdgeBps
	})

	took := time.Since(start)
	c.recordDuration(took)
	metrics.ScanDurationSeconds.Observe(took.Seconds())

	c.statsMu.Lock()
	c.lastFullN = len(out)
	c.lastFullTook = took
	c.statsMu.Unlock()

	c.logger.Info("full scan complete",
		slog.Int("markets", len(cat.ordered)),
		slog.Int("opportunities", len(out)),
		slog.Duration("took", took),
	)
	return out
}

// Stats returns a snapshot of coordinator counters.
func (c *Coordinator) Stats() CoordinatorStats {
	cat := c.cat.Load()
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	s := CoordinatorStats{
		MarketsMonitored:     len(cat.markets),
		BinaryMarkets:        cat.binary,
		CategoricalMarkets:   cat.categorical,
		OpportunitiesFound:   c.found.Load(),
		BinaryFound:          c.binaryFound.Load(),
		CategoricalFound:     c.categoricalFound.Load(),
		LastScan:             c.lastScan,
		LastFullScanFound:    c.lastFullN,
		LastFullScanDuration: c.lastFullTook,
	}
	if n := len(c.durations); n > 0 {
		var sum time.Duration
		for _, d := range c.durations {
			sum += d
			if d > s.MaxScanDuration {
				s.MaxScanDuration = d
			}
		}
		s.AvgScanDuration = sum / time.Duration(n)
	}
	return s
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// evaluate runs the detector matching the market shape. A nil interface is
// returned when there is no opportunity.
func (c *Coordinator) evaluate(m domain.Market, books map[string]domain.OrderBook) (domain.Opportunity, Reject) {
	switch {
	case m.IsBinary():
		opp, r := c.binary.CheckOpportunity(m, bookPtr(books, m.Outcomes[0].TokenID), bookPtr(books, m.Outcomes[1].TokenID))
		if opp == nil {
			return nil, r
		}
		return opp, RejectNone
	case m.IsCategorical():
		opp, r := c.categorical.CheckOpportunity(m, books)
		if opp == nil {
			return nil, r
		}
		return opp, RejectNone
	default:
		return nil, RejectUnsupported
	}
}

func (c *Coordinator) emit(ctx context.Context, opp domain.Opportunity) {
	m := opp.Market()
	a := opp.Analysis()
	kind := string(opp.Kind())

	c.found.Add(1)
	if opp.Kind() == domain.OpportunityBinary {
		c.binaryFound.Add(1)
	} else {
		c.categoricalFound.Add(1)
	}
	metrics.OpportunitiesTotal.WithLabelValues(kind).Inc()
	metrics.NetEdgeBps.WithLabelValues(kind).Observe(a.NetEdgeBps)

	c.logger.Info("opportunity detected",
		slog.String("kind", kind),
		slog.String("condition_id", m.ConditionID),
		slog.String("question", truncate(m.Question, 60)),
		slog.Float64("gross_edge", a.GrossEdge),
		slog.Float64("net_edge_bps", a.NetEdgeBps),
		slog.Float64("max_size", opp.MaxSize()),
		slog.Float64("potential_profit", a.PotentialProfit),
	)
	c.events.Emit(ctx, domain.Event{
		Type:     domain.EventOpportunityDetected,
		MarketID: m.ConditionID,
		Fields: map[string]any{
			"kind":             kind,
			"legs":             len(opp.Legs()),
			"net_edge_bps":     a.NetEdgeBps,
			"max_size":         opp.MaxSize(),
			"potential_profit": a.PotentialProfit,
		},
		At: opp.DetectedAt(),
	})

	c.handlerMu.RLock()
	handlers := c.handlers
	c.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ctx, opp)
	}
}

func (c *Coordinator) recordDuration(d time.Duration) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if len(c.durations) < cap(c.durations) {
		c.durations = append(c.durations, d)
	} else {
		c.durations[c.durNext] = d
		c.durNext = (c.durNext + 1) % len(c.durations)
	}
	c.lastScan = time.Now()
}

func kindOf(m domain.Market) string {
	if m.IsBinary() {
		return string(domain.OpportunityBinary)
	}
	return string(domain.OpportunityCategorical)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
