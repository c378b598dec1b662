package domain

import "time"

// Outcome is one outcome token of a market.
type Outcome struct {
	TokenID   string
	Label     string
	LastPrice float64
}

// Market is a prediction market as served by the metadata catalog.
// Markets are read-only snapshots; a refresh replaces them wholesale.
type Market struct {
	ConditionID string
	ID          string
	Question    string
	Slug        string
	Outcomes    []Outcome
	NegRisk     bool
	Active      bool
	Closed      bool
	EndTime     *time.Time
	Volume      float64
	Liquidity   float64
}

// IsBinary reports whether the market has exactly two outcomes.
func (m Market) IsBinary() bool { return len(m.Outcomes) == 2 }

// IsCategorical reports whether the market has more than two outcomes.
func (m Market) IsCategorical() bool { return len(m.Outcomes) > 2 }

// Tradable reports whether the market is active and not closed.
func (m Market) Tradable() bool { return m.Active && !m.Closed }

// TokenIDs lists the outcome token IDs in outcome order.
func (m Market) TokenIDs() []string {
	ids := make([]string, 0, len(m.Outcomes))
	for _, o := range m.Outcomes {
		if o.TokenID != "" {
			ids = append(ids, o.TokenID)
		}
	}
	return ids
}

// MarketFilter narrows a catalog fetch.
type MarketFilter struct {
	Active       bool
	Closed       bool
	MinLiquidity float64
	Limit        int
	Offset       int
}
