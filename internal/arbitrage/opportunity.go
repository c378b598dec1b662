package arbitrage

import (
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// BinaryOpportunity buys both outcomes of a two-outcome market.
type BinaryOpportunity struct {
	market     domain.Market
	legs       []domain.LegQuote
	analysis   domain.OpportunityAnalysis
	maxSize    float64
	detectedAt time.Time
}

var _ domain.Opportunity = (*BinaryOpportunity)(nil)

// NewBinaryOpportunity assembles a binary opportunity.
func NewBinaryOpportunity(m domain.Market, a, b domain.LegQuote, analysis domain.OpportunityAnalysis, maxSize float64, at time.Time) *BinaryOpportunity {
	return &BinaryOpportunity{
		market:     m,
		legs:       []domain.LegQuote{a, b},
		analysis:   analysis,
		maxSize:    maxSize,
		detectedAt: at,
	}
}

func (o *BinaryOpportunity) Kind() domain.OpportunityKind { return domain.OpportunityBinary }
func (o *BinaryOpportunity) Market() domain.Market { return o.market }
func (o *BinaryOpportunity) Legs() []domain.LegQuote { return append([]domain.LegQuote(nil), o.legs...) }
func (o *BinaryOpportunity) Analysis() domain.OpportunityAnalysis { return o.analysis }
func (o *BinaryOpportunity) MaxSize() float64 { return o.maxSize }
func (o *BinaryOpportunity) DetectedAt() time.Time { return o.detectedAt }
func (o *BinaryOpportunity) IsExecutable() bool { return executable(o.analysis, o.maxSize, o.legs) }

// CombinedAsk is the cost of one complete set.
func (o *BinaryOpportunity) CombinedAsk() float64 { return o.legs[0].AskPrice + o.legs[1].AskPrice }

// CategoricalOpportunity buys every outcome of an N-outcome market.
type CategoricalOpportunity struct {
	market          domain.Market
	legs            []domain.LegQuote
	analysis        domain.OpportunityAnalysis
	maxSize         float64
	totalCost       float64
	limitingOutcome string
	detectedAt      time.Time
}

var _ domain.Opportunity = (*CategoricalOpportunity)(nil)

// NewCategoricalOpportunity assembles a categorical opportunity.
func NewCategoricalOpportunity(m domain.Market, legs []domain.LegQuote, analysis domain.OpportunityAnalysis, maxSize float64, limiting string, at time.Time) *CategoricalOpportunity {
	total := 0.0
	for _, l := range legs {
		total += l.AskPrice
	}
	return &CategoricalOpportunity{
		market:          m,
		legs:            append([]domain.LegQuote(nil), legs...),
		analysis:        analysis,
		maxSize:         maxSize,
		totalCost:       total,
		limitingOutcome: limiting,
		detectedAt:      at,
	}
}

func (o *CategoricalOpportunity) Kind() domain.OpportunityKind { return domain.OpportunityCategorical }
func (o *CategoricalOpportunity) Market() domain.Market { return o.market }
func (o *CategoricalOpportunity) Legs() []domain.LegQuote { return append([]domain.LegQuote(nil), o.legs...) }
func (o *CategoricalOpportunity) Analysis() domain.OpportunityAnalysis { return o.analysis }
func (o *CategoricalOpportunity) MaxSize() float64 { return o.maxSize }
func (o *CategoricalOpportunity) DetectedAt() time.Time { return o.detectedAt }
func (o *CategoricalOpportunity) IsExecutable() bool { return executable(o.analysis, o.maxSize, o.legs) }

// TotalCost is the sum of best asks across outcomes.
func (o *CategoricalOpportunity) TotalCost() float64 { return o.totalCost }

// LimitingOutcome names the outcome with the least notional at its best ask.
func (o *CategoricalOpportunity) LimitingOutcome() string { return o.limitingOutcome }

// OutcomeCount is the number of legs.
func (o *CategoricalOpportunity) OutcomeCount() int { return len(o.legs) }

func executable(a domain.OpportunityAnalysis, maxSize float64, legs []domain.LegQuote) bool {
	if !a.IsProfitable || maxSize <= 0 {
		return false
	}
	for _, l := range legs {
		if l.AskSize <= 0 {
			return false
		}
	}
	return true
}
