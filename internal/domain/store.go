package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeRecord is the persisted form of a terminal trade.
type TradeRecord struct {
	ID             string          `json:"id"`
	ConditionID    string          `json:"condition_id"`
	MarketID       string          `json:"market_id"`
	Question       string          `json:"question"`
	Kind           OpportunityKind `json:"kind"`
	State          TradeState      `json:"state"`
	Legs           []OrderLeg      `json:"legs"`
	MaxSize        float64         `json:"max_size"`
	NetEdgeBps     float64         `json:"net_edge_bps"`
	ExpectedProfit float64         `json:"expected_profit"`
	ActualProfit   float64         `json:"actual_profit"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
}

// TradeStore persists terminal trades and their legs.
type TradeStore interface {
	Save(ctx context.Context, rec TradeRecord) error
	GetByID(ctx context.Context, id string) (TradeRecord, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]TradeRecord, error)
	SumProfit(ctx context.Context, since time.Time) (float64, error)
}

// MergeStore persists settlement outcomes.
type MergeStore interface {
	Insert(ctx context.Context, res MergeResult) error
	ListByTrade(ctx context.Context, tradeID string) ([]MergeResult, error)
}
