// Package costmodel turns a gross price edge into a net edge after exchange
// fees, settlement gas, currency spread and a slippage buffer.
package costmodel

import "github.com/alanyoungcy/polyarb/internal/domain"

const bpsPerUnit = 10_000

// Config holds the rates used by the model. Rates are in basis points of notional.
type Config struct {
	TakerFeeBps     float64
	MakerFeeBps     float64
	MergeGasUSD     float64
	SwapSpreadBps   float64
	SafetyBufferBps float64
}

// DefaultConfig returns the exchange's published taker fee and conservative buffers.
func DefaultConfig() Config {
	return Config{
		TakerFeeBps:     20,
		MakerFeeBps:     0,
		MergeGasUSD:     0.02,
		SwapSpreadBps:   5,
		SafetyBufferBps: 10,
	}
}

// Evaluator is the part of the model the detectors depend on.
type Evaluator interface {
	EvaluateBinary(askA, askB, size float64, isMaker bool) domain.OpportunityAnalysis
	EvaluateCategorical(asks []float64, size float64, isMaker bool) domain.OpportunityAnalysis
}

// Model is immutable; a gas refresh produces a new Model via WithGasUSD.
type Model struct {
	cfg Config
}

var _ Evaluator = Model{}

// New creates a model from cfg.
func New(cfg Config) Model {
	return Model{cfg: cfg}
}

// Config returns the rates the model was built with.
func (m Model) Config() Config { return m.cfg }

// WithGasUSD returns a copy of m with a new settlement gas estimate.
func (m Model) WithGasUSD(gas float64) Model {
	m.cfg.MergeGasUSD = gas
	return m
}

func (m Model) feeRate(isMaker bool) float64 {
	if isMaker {
		return m.cfg.MakerFeeBps / bpsPerUnit
	}
	return m.cfg.TakerFeeBps / bpsPerUnit
}

// Costs returns the cost of a trade of size USD across legs outcome orders.
// Categorical trades scale the slippage buffer by the leg count.
func (m Model) Costs(size float64, legs int, isMaker, categorical bool) domain.CostBreakdown {
	c := domain.CostBreakdown{
		ExchangeFee:    m.feeRate(isMaker) * float64(legs),
		CurrencySpread: m.cfg.SwapSpreadBps / bpsPerUnit,
		SlippageBuffer: m.cfg.SafetyBufferBps / bpsPerUnit,
	}
	if size > 0 {
		c.SettlementGas = m.cfg.MergeGasUSD / size
	} else {
		c.SettlementGas = m.cfg.MergeGasUSD
	}
	if categorical {
		c.SlippageBuffer *= float64(legs)
	}
	c.Total = c.ExchangeFee + c.SettlementGas + c.CurrencySpread + c.SlippageBuffer
	return c
}

// EvaluateBinary analyses buying both outcomes of a two-outcome market.
func (m Model) EvaluateBinary(askA, askB, size float64, isMaker bool) domain.OpportunityAnalysis {
	return m.analyse(1.0-askA-askB, m.Costs(size, 2, isMaker, false), size)
}

// EvaluateCategorical analyses buying every outcome of an N-outcome market.
func (m Model) EvaluateCategorical(asks []float64, size float64, isMaker bool) domain.OpportunityAnalysis {
	sum := 0.0
	for _, a := range asks {
		sum += a
	}
	return m.analyse(1.0-sum, m.Costs(size, len(asks), isMaker, true), size)
}

func (m Model) analyse(gross float64, costs domain.CostBreakdown, size float64) domain.OpportunityAnalysis {
	net := gross - costs.Total
	return domain.OpportunityAnalysis{
		GrossEdge:       gross,
		Costs:           costs,
		NetEdge:         net,
		NetEdgeBps:      net * bpsPerUnit,
		IsProfitable:    net > 0,
		PotentialProfit: net * size,
	}
}

// MinimumEdgeForProfit returns the gross edge at which a trade of size breaks even.
// The buffer term grows with half the leg count.
func (m Model) MinimumEdgeForProfit(size float64, legCount int, isMaker bool) float64 {
	gas := m.cfg.MergeGasUSD
	if size > 0 {
		gas /= size
	}
	buffer := m.cfg.SafetyBufferBps / bpsPerUnit * (float64(legCount) / 2)
	return m.feeRate(isMaker)*float64(legCount) + gas + m.cfg.SwapSpreadBps/bpsPerUnit + buffer
}
