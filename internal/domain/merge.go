package domain

import (
	"context"
	"time"
)

// TxResult is the outcome of one on-chain submission.
type TxResult struct {
	Success    bool
	TxHash     string
	GasUsed    uint64
	GasCostUSD float64
	Error      string
}

// MergeResult is the final settlement outcome retained on a trade.
type MergeResult struct {
	TradeID        string    `json:"trade_id"`
	ConditionID    string    `json:"condition_id"`
	Success        bool      `json:"success"`
	TxHash         string    `json:"tx_hash,omitempty"`
	GasUsed        uint64    `json:"gas_used"`
	GasCostUSD     float64   `json:"gas_cost_usd"`
	AmountMerged   float64   `json:"amount_merged"`
	ProfitRealized float64   `json:"profit_realized"`
	Attempts       int       `json:"attempts"`
	Error          string    `json:"error,omitempty"`
	CompletedAt    time.Time `json:"completed_at"`
}

// MergeRequest identifies a complete set of outcome tokens to convert back
// into collateral. Amount is in shares (1 share pays 1 unit of collateral).
type MergeRequest struct {
	ConditionID  string
	Amount       float64
	OutcomeCount int
	NegRisk      bool
}

// SettlementClient submits merge transactions and answers balance preflights.
type SettlementClient interface {
	MergePositions(ctx context.Context, req MergeRequest) (TxResult, error)
	EstimateMergeGasUSD(ctx context.Context) (float64, error)
	CollateralBalance(ctx context.Context) (float64, error)
}
