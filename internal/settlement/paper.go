package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// PaperClient settles merges in memory. Each merge credits the merged
// amount to a simulated collateral balance.
type PaperClient struct {
	gasUSD float64

	mu      sync.Mutex
	balance float64
	merges  int
}

var _ domain.SettlementClient = (*PaperClient)(nil)

// NewPaperClient creates a paper settlement client with a starting balance
// and a flat gas cost per merge.
func NewPaperClient(balance, gasUSD float64) *PaperClient {
	return &PaperClient{balance: balance, gasUSD: gasUSD}
}

// MergePositions records a simulated merge.
func (p *PaperClient) MergePositions(ctx context.Context, req domain.MergeRequest) (domain.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.TxResult{}, err
	}
	if req.ConditionID == "" || req.Amount <= 0 || req.OutcomeCount < 2 {
		return domain.TxResult{}, fmt.Errorf("settlement/paper: merge %q: invalid request", req.ConditionID)
	}
	p.mu.Lock()
	p.balance += req.Amount - p.gasUSD
	p.merges++
	p.mu.Unlock()
	return domain.TxResult{
		Success:    true,
		TxHash:     "paper-" + uuid.New().String(),
		GasCostUSD: p.gasUSD,
	}, nil
}

// EstimateMergeGasUSD returns the flat gas cost.
func (p *PaperClient) EstimateMergeGasUSD(context.Context) (float64, error) { return p.gasUSD, nil }

// CollateralBalance returns the simulated balance.
func (p *PaperClient) CollateralBalance(context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

// Merges returns how many merges were simulated.
func (p *PaperClient) Merges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.merges
}
