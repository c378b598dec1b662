package domain

import "time"

// FillTolerance is the fraction of requested size a leg must reach to count as filled.
const FillTolerance = 0.99

// TradeState is a node of the per-trade saga.
type TradeState string

const (
	TradePending         TradeState = "pending"
	TradePlacingOrders   TradeState = "placing_orders"
	TradeMonitoringFills TradeState = "monitoring_fills"
	TradePartiallyFilled TradeState = "partially_filled"
	TradeFullyFilled     TradeState = "fully_filled"
	TradeMerging         TradeState = "merging"
	TradeCompleted       TradeState = "completed"
	TradeFailed          TradeState = "failed"
	TradeCancelled       TradeState = "cancelled"
)

// IsTerminal reports whether no further transition can happen.
func (s TradeState) IsTerminal() bool {
	return s == TradeCompleted || s == TradeFailed || s == TradeCancelled
}

// OrderLeg is one outcome order of a trade.
type OrderLeg struct {
	TokenID     string      `json:"token_id"`
	Outcome     string      `json:"outcome"`
	Side        OrderSide   `json:"side"`
	Size        float64     `json:"size"`
	Price       float64     `json:"price"`
	OrderID     string      `json:"order_id,omitempty"`
	Status      OrderStatus `json:"status"`
	FilledSize  float64     `json:"filled_size"`
	FilledPrice float64     `json:"filled_price"`
}

// Filled reports whether the leg reached the fill tolerance.
func (l OrderLeg) Filled() bool {
	return l.Size > 0 && l.FilledSize >= l.Size*FillTolerance
}

// Cost is the spend on the leg, using the limit price when no fill price is known.
func (l OrderLeg) Cost() float64 {
	p := l.FilledPrice
	if p == 0 {
		p = l.Price
	}
	return l.FilledSize * p
}

// ArbitrageTrade is one execution attempt of an opportunity.
type ArbitrageTrade struct {
	ID             string       `json:"id"`
	Opportunity    Opportunity  `json:"-"`
	Legs           []OrderLeg   `json:"legs"`
	State          TradeState   `json:"state"`
	ExpectedProfit float64      `json:"expected_profit"`
	ActualProfit   float64      `json:"actual_profit"`
	StartedAt      time.Time    `json:"started_at"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	Error          string       `json:"error,omitempty"`
	Merge          *MergeResult `json:"merge,omitempty"`
}

// AllFilled reports whether every leg filled within tolerance.
func (t *ArbitrageTrade) AllFilled() bool {
	if len(t.Legs) == 0 {
		return false
	}
	for _, l := range t.Legs {
		if !l.Filled() {
			return false
		}
	}
	return true
}

// AnyFilled reports whether any leg has a nonzero fill.
func (t *ArbitrageTrade) AnyFilled() bool {
	for _, l := range t.Legs {
		if l.FilledSize > 0 {
			return true
		}
	}
	return false
}

// ConditionID returns the condition of the traded market.
func (t *ArbitrageTrade) ConditionID() string {
	if t.Opportunity == nil {
		return ""
	}
	return t.Opportunity.Market().ConditionID
}

// Kind returns the opportunity kind, or "" when unknown.
func (t *ArbitrageTrade) Kind() OpportunityKind {
	if t.Opportunity == nil {
		return ""
	}
	return t.Opportunity.Kind()
}

// Duration is the wall time from start until the end, or until now.
func (t *ArbitrageTrade) Duration() time.Duration {
	if t.EndedAt != nil {
		return t.EndedAt.Sub(t.StartedAt)
	}
	return time.Since(t.StartedAt)
}

// Clone copies the trade so that callers cannot race the executor.
func (t *ArbitrageTrade) Clone() *ArbitrageTrade {
	out := *t
	out.Legs = append([]OrderLeg(nil), t.Legs...)
	if t.EndedAt != nil {
		end := *t.EndedAt
		out.EndedAt = &end
	}
	if t.Merge != nil {
		m := *t.Merge
		out.Merge = &m
	}
	return &out
}
