package arbitrage

import (
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/polyarb/internal/costmodel"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

// CategoricalConfig bounds categorical opportunities. Thresholds are
// stricter than binary ones since every extra leg is another chance of a
// partial fill.
type CategoricalConfig struct {
	MinEdgeBps  float64
	MinSize     float64
	MaxSize     float64
	MaxOutcomes int
	IsMaker     bool
}

// DefaultCategoricalConfig returns the categorical thresholds.
func DefaultCategoricalConfig() CategoricalConfig {
	return CategoricalConfig{MinEdgeBps: 100, MinSize: 5, MaxSize: 50, MaxOutcomes: 10}
}

// CategoricalDetector evaluates markets with more than two outcomes.
type CategoricalDetector struct {
	cfg  CategoricalConfig
	eval costmodel.Evaluator
	now  func() time.Time
}

// NewCategoricalDetector creates a detector that prices trades with eval.
func NewCategoricalDetector(cfg CategoricalConfig, eval costmodel.Evaluator) *CategoricalDetector {
	return &CategoricalDetector{cfg: cfg, eval: eval, now: time.Now}
}

// Config returns the detector thresholds.
func (d *CategoricalDetector) Config() CategoricalConfig { return d.cfg }

// CheckOpportunity evaluates one market. Every outcome needs a book with a
// sized best ask; a partial view is not evaluable.
func (d *CategoricalDetector) CheckOpportunity(m domain.Market, books map[string]domain.OrderBook) (*CategoricalOpportunity, Reject) {
	if !m.IsCategorical() {
		return nil, RejectUnsupported
	}
	if d.cfg.MaxOutcomes > 0 && len(m.Outcomes) > d.cfg.MaxOutcomes {
		return nil, RejectTooManyOutcomes
	}

	legs := make([]domain.LegQuote, 0, len(m.Outcomes))
	asks := make([]float64, 0, len(m.Outcomes))
	total := 0.0
	for _, o := range m.Outcomes {
		book, ok := books[o.TokenID]
		if !ok {
			return nil, RejectMissingBook
		}
		ask, size, r := bestAsk(&book)
		if r != RejectNone {
			return nil, r
		}
		legs = append(legs, domain.LegQuote{TokenID: o.TokenID, Outcome: o.Label, AskPrice: ask, AskSize: size})
		asks = append(asks, ask)
		total += ask
	}

	if total >= 1.0 {
		return nil, RejectNoGrossEdge
	}

	minNotional := math.Inf(1)
	limiting := ""
	for _, l := range legs {
		if n := l.AskSize * l.AskPrice; n < minNotional {
			minNotional = n
			limiting = l.Outcome
		}
	}
	maxSize := math.Min(minNotional, d.cfg.MaxSize)
	if maxSize < d.cfg.MinSize {
		return nil, RejectBelowMinSize
	}

	analysis := d.eval.EvaluateCategorical(asks, maxSize, d.cfg.IsMaker)
	if !analysis.IsProfitable {
		return nil, RejectUnprofitable
	}
	if analysis.NetEdgeBps < d.cfg.MinEdgeBps {
		return nil, RejectBelowMinEdge
	}
	return NewCategoricalOpportunity(m, legs, analysis, maxSize, limiting, d.now()), RejectNone
}

// ScanMarkets evaluates every categorical market and returns the
// opportunities ordered by net edge, best first.
func (d *CategoricalDetector) ScanMarkets(markets []domain.Market, books map[string]domain.OrderBook) []*CategoricalOpportunity {
	var out []*CategoricalOpportunity
	for _, m := range markets {
		if !m.IsCategorical() {
			continue
		}
		if opp, _ := d.CheckOpportunity(m, books); opp != nil {
			out = append(out, opp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].analysis.NetEdgeBps > out[j].analysis.NetEdgeBps
	})
	return out
}

// EstimateExecutionRisk scores the chance of a partial fill in [0, 1].
// Risk grows with the leg count and with the imbalance of resting size
// across legs.
func (d *CategoricalDetector) EstimateExecutionRisk(o *CategoricalOpportunity) float64 {
	if o == nil || len(o.legs) == 0 {
		return 1
	}
	base := math.Min(0.1*float64(len(o.legs)), 0.5)

	minSize, maxSize := math.Inf(1), 0.0
	for _, l := range o.legs {
		minSize = math.Min(minSize, l.AskSize)
		maxSize = math.Max(maxSize, l.AskSize)
	}
	ratio := 0.0
	if maxSize > 0 {
		ratio = minSize / maxSize
	}
	return math.Min(base+(1-ratio)*0.3, 1)
}
