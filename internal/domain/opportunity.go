package domain

import "time"

// OpportunityKind distinguishes the two opportunity variants.
type OpportunityKind string

const (
	OpportunityBinary      OpportunityKind = "binary"
	OpportunityCategorical OpportunityKind = "categorical"
)

// CostBreakdown expresses every cost as a fraction of notional.
type CostBreakdown struct {
	ExchangeFee    float64 `json:"exchange_fee"`
	SettlementGas  float64 `json:"settlement_gas"`
	CurrencySpread float64 `json:"currency_spread"`
	SlippageBuffer float64 `json:"slippage_buffer"`
	Total          float64 `json:"total"`
}

// OpportunityAnalysis is the cost-model verdict for one evaluation.
type OpportunityAnalysis struct {
	GrossEdge       float64       `json:"gross_edge"`
	Costs           CostBreakdown `json:"costs"`
	NetEdge         float64       `json:"net_edge"`
	NetEdgeBps      float64       `json:"net_edge_bps"`
	IsProfitable    bool          `json:"is_profitable"`
	PotentialProfit float64       `json:"potential_profit"`
}

// LegQuote is the executable ask for one outcome of an opportunity.
type LegQuote struct {
	TokenID  string
	Outcome  string
	AskPrice float64
	AskSize  float64
}

// Opportunity is a complete outcome set that can be bought below payout.
type Opportunity interface {
	Kind() OpportunityKind
	Market() Market
	Legs() []LegQuote
	Analysis() OpportunityAnalysis
	// MaxSize is the notional in USD bounded by the thinnest leg and the cap.
	MaxSize() float64
	IsExecutable() bool
	DetectedAt() time.Time
}
