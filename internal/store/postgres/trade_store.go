package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// TradeStore implements domain.TradeStore on the arb_trades and
// arb_trade_legs tables.
type TradeStore struct {
	pool *pgxpool.Pool
}

var _ domain.TradeStore = (*TradeStore)(nil)

// NewTradeStore creates a TradeStore backed by pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeCols = `id, condition_id, market_id, question, kind, state, max_size,
	net_edge_bps, expected_profit, actual_profit, error, started_at, ended_at`

// Save upserts rec and replaces its legs in one transaction.
func (s *TradeStore) Save(ctx context.Context, rec domain.TradeRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO arb_trades (`+tradeCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			actual_profit = EXCLUDED.actual_profit,
			error = EXCLUDED.error,
			ended_at = EXCLUDED.ended_at`,
		rec.ID, rec.ConditionID, rec.MarketID, rec.Question, string(rec.Kind), string(rec.State),
		rec.MaxSize, rec.NetEdgeBps, rec.ExpectedProfit, rec.ActualProfit, rec.Error,
		rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert arb_trade %s: %w", rec.ID, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM arb_trade_legs WHERE trade_id = $1`, rec.ID); err != nil {
		return fmt.Errorf("postgres: clear legs %s: %w", rec.ID, err)
	}

	batch := &pgx.Batch{}
	for i, leg := range rec.Legs {
		batch.Queue(`
			INSERT INTO arb_trade_legs (trade_id, leg_index, token_id, outcome, side, size, price, order_id, status, filled_size, filled_price)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rec.ID, i, leg.TokenID, leg.Outcome, string(leg.Side), leg.Size, leg.Price,
			leg.OrderID, string(leg.Status), leg.FilledSize, leg.FilledPrice,
		)
	}
	if batch.Len() > 0 {
		br := tx.SendBatch(ctx, batch)
		for i := range rec.Legs {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: insert leg %d of %s: %w", i, rec.ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: insert legs %s: %w", rec.ID, err)
		}
	}

	return tx.Commit(ctx)
}

// GetByID returns a trade with its legs, or domain.ErrNotFound.
func (s *TradeStore) GetByID(ctx context.Context, id string) (domain.TradeRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tradeCols+` FROM arb_trades WHERE id = $1`, id)
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("postgres: get arb_trade %s: %w", id, err)
	}
	recs, err := scanTrades(rows)
	if err != nil {
		return domain.TradeRecord{}, fmt.Errorf("postgres: scan arb_trade %s: %w", id, err)
	}
	if len(recs) == 0 {
		return domain.TradeRecord{}, domain.ErrNotFound
	}
	if err := s.loadLegs(ctx, recs); err != nil {
		return domain.TradeRecord{}, err
	}
	return recs[0], nil
}

// ListRecent returns trades newest first, filtered by opts.
func (s *TradeStore) ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.TradeRecord, error) {
	query, args := listQuery(opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list arb_trades: %w", err)
	}
	recs, err := scanTrades(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan arb_trades: %w", err)
	}
	if err := s.loadLegs(ctx, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

// SumProfit returns realised profit of completed trades that started at or
// after since.
func (s *TradeStore) SumProfit(ctx context.Context, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(actual_profit), 0) FROM arb_trades
		WHERE state = $1 AND started_at >= $2`,
		string(domain.TradeCompleted), since,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum profit: %w", err)
	}
	return sum, nil
}

// listQuery builds the ListRecent statement with positional arguments.
func listQuery(opts domain.ListOpts) (string, []any) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString(`SELECT ` + tradeCols + ` FROM arb_trades WHERE TRUE`)
	if opts.Since != nil {
		args = append(args, *opts.Since)
		fmt.Fprintf(&b, " AND started_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		fmt.Fprintf(&b, " AND started_at < $%d", len(args))
	}
	b.WriteString(" ORDER BY started_at DESC")

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " LIMIT $%d", len(args))
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}

func scanTrades(rows pgx.Rows) ([]domain.TradeRecord, error) {
	defer rows.Close()
	var out []domain.TradeRecord
	for rows.Next() {
		var (
			r           domain.TradeRecord
			kind, state string
		)
		if err := rows.Scan(&r.ID, &r.ConditionID, &r.MarketID, &r.Question, &kind, &state,
			&r.MaxSize, &r.NetEdgeBps, &r.ExpectedProfit, &r.ActualProfit, &r.Error,
			&r.StartedAt, &r.EndedAt); err != nil {
			return nil, err
		}
		r.Kind = domain.OpportunityKind(kind)
		r.State = domain.TradeState(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

// loadLegs fills Legs for every record with a single query.
func (s *TradeStore) loadLegs(ctx context.Context, recs []domain.TradeRecord) error {
	if len(recs) == 0 {
		return nil
	}
	ids := make([]string, len(recs))
	index := make(map[string]int, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
		index[r.ID] = i
	}

	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, token_id, outcome, side, size, price, order_id, status, filled_size, filled_price
		FROM arb_trade_legs WHERE trade_id = ANY($1) ORDER BY trade_id, leg_index`, ids)
	if err != nil {
		return fmt.Errorf("postgres: list legs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			tradeID, side, status string
			leg                   domain.OrderLeg
		)
		if err := rows.Scan(&tradeID, &leg.TokenID, &leg.Outcome, &side, &leg.Size, &leg.Price,
			&leg.OrderID, &status, &leg.FilledSize, &leg.FilledPrice); err != nil {
			return fmt.Errorf("postgres: scan leg: %w", err)
		}
		leg.Side = domain.OrderSide(side)
		leg.Status = domain.OrderStatus(status)
		if i, ok := index[tradeID]; ok {
			recs[i].Legs = append(recs[i].Legs, leg)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: list legs: %w", err)
	}
	return nil
}
