// Package arbitrage finds complete outcome sets that can be bought for less
// than their guaranteed payout after costs.
package arbitrage

import (
	"math"
	"sort"
	"time"

	"github.com/alanyoungcy/polyarb/internal/costmodel"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

// BinaryConfig bounds binary opportunities. Sizes are USD notional.
type BinaryConfig struct {
	MinEdgeBps float64
	MinSize    float64
	MaxSize    float64
	IsMaker    bool
}

// DefaultBinaryConfig returns the binary thresholds.
func DefaultBinaryConfig() BinaryConfig {
	return BinaryConfig{MinEdgeBps: 50, MinSize: 10, MaxSize: 100}
}

// BinaryDetector evaluates two-outcome markets.
type BinaryDetector struct {
	cfg  BinaryConfig
	eval costmodel.Evaluator
	now  func() time.Time
}

// NewBinaryDetector creates a detector that prices trades with eval.
func NewBinaryDetector(cfg BinaryConfig, eval costmodel.Evaluator) *BinaryDetector {
	return &BinaryDetector{cfg: cfg, eval: eval, now: time.Now}
}

// Config returns the detector thresholds.
func (d *BinaryDetector) Config() BinaryConfig { return d.cfg }

// CheckOpportunity evaluates one market against the books of its two
// outcomes. A nil book means the outcome has no book yet.
func (d *BinaryDetector) CheckOpportunity(m domain.Market, bookA, bookB *domain.OrderBook) (*BinaryOpportunity, Reject) {
	if !m.IsBinary() {
		return nil, RejectUnsupported
	}
	if bookA == nil || bookB == nil {
		return nil, RejectMissingBook
	}
	askA, sizeA, r := bestAsk(bookA)
	if r != RejectNone {
		return nil, r
	}
	askB, sizeB, r := bestAsk(bookB)
	if r != RejectNone {
		return nil, r
	}

	maxSize := math.Min(math.Min(sizeA*askA, sizeB*askB), d.cfg.MaxSize)
	if maxSize < d.cfg.MinSize {
		return nil, RejectBelowMinSize
	}

	analysis := d.eval.EvaluateBinary(askA, askB, maxSize, d.cfg.IsMaker)
	if !analysis.IsProfitable {
		return nil, RejectUnprofitable
	}
	if analysis.NetEdgeBps < d.cfg.MinEdgeBps {
		return nil, RejectBelowMinEdge
	}

	legA := domain.LegQuote{TokenID: m.Outcomes[0].TokenID, Outcome: m.Outcomes[0].Label, AskPrice: askA, AskSize: sizeA}
	legB := domain.LegQuote{TokenID: m.Outcomes[1].TokenID, Outcome: m.Outcomes[1].Label, AskPrice: askB, AskSize: sizeB}
	return NewBinaryOpportunity(m, legA, legB, analysis, maxSize, d.now()), RejectNone
}

// ScanMarkets evaluates every binary market and returns the opportunities
// ordered by net edge, best first.
func (d *BinaryDetector) ScanMarkets(markets []domain.Market, books map[string]domain.OrderBook) []*BinaryOpportunity {
	var out []*BinaryOpportunity
	for _, m := range markets {
		if !m.IsBinary() {
			continue
		}
		opp, _ := d.CheckOpportunity(m, bookPtr(books, m.Outcomes[0].TokenID), bookPtr(books, m.Outcomes[1].TokenID))
		if opp != nil {
			out = append(out, opp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].analysis.NetEdgeBps > out[j].analysis.NetEdgeBps
	})
	return out
}

// bestAsk returns the best ask and the size resting at it.
func bestAsk(b *domain.OrderBook) (price, size float64, r Reject) {
	price, ok := b.BestAsk()
	if !ok || price <= 0 {
		return 0, 0, RejectNoAsk
	}
	size = b.SizeAtPrice(domain.BookSideAsk, price)
	if size <= 0 {
		return 0, 0, RejectNoLiquidity
	}
	return price, size, RejectNone
}

func bookPtr(books map[string]domain.OrderBook, tokenID string) *domain.OrderBook {
	b, ok := books[tokenID]
	if !ok {
		return nil
	}
	return &b
}
