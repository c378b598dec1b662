package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// MergeStore implements domain.MergeStore. Every attempt outcome is kept;
// a trade may have several rows when it was re-merged by hand.
type MergeStore struct {
	pool *pgxpool.Pool
}

var _ domain.MergeStore = (*MergeStore)(nil)

// NewMergeStore creates a MergeStore backed by pool.
func NewMergeStore(pool *pgxpool.Pool) *MergeStore {
	return &MergeStore{pool: pool}
}

// Insert records a merge outcome.
func (s *MergeStore) Insert(ctx context.Context, res domain.MergeResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO merge_results (trade_id, condition_id, success, tx_hash, gas_used, gas_cost_usd,
			amount_merged, profit_realized, attempts, error, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.TradeID, res.ConditionID, res.Success, res.TxHash, int64(res.GasUsed), res.GasCostUSD,
		res.AmountMerged, res.ProfitRealized, res.Attempts, res.Error, res.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert merge_result %s: %w", res.TradeID, err)
	}
	return nil
}

// ListByTrade returns the merge outcomes of a trade, oldest first.
func (s *MergeStore) ListByTrade(ctx context.Context, tradeID string) ([]domain.MergeResult, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, condition_id, success, tx_hash, gas_used, gas_cost_usd,
			amount_merged, profit_realized, attempts, error, completed_at
		FROM merge_results WHERE trade_id = $1 ORDER BY id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list merge_results %s: %w", tradeID, err)
	}
	defer rows.Close()

	var out []domain.MergeResult
	for rows.Next() {
		var (
			r   domain.MergeResult
			gas int64
		)
		if err := rows.Scan(&r.TradeID, &r.ConditionID, &r.Success, &r.TxHash, &gas, &r.GasCostUSD,
			&r.AmountMerged, &r.ProfitRealized, &r.Attempts, &r.Error, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan merge_result: %w", err)
		}
		r.GasUsed = uint64(gas)
		out = append(out, r)
	}
	return out, rows.Err()
}
