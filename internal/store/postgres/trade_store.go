package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddlot/parb/internal/domain"
)

// TradeStore implements domain.TradeStore.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

// Insert records the terminal outcome of one paired execution.
func (s *TradeStore) Insert(ctx context.Context, rec domain.TradeRecord) error {
	const query = `
		INSERT INTO trades (
			trade_id, opportunity_id, market_id,
			yes_status, no_status, yes_filled, no_filled,
			notional, expected_pnl, one_sided, dry_run,
			started_at, completed_at
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13
		)`

	_, err := s.pool.Exec(ctx, query,
		rec.TradeID, rec.OpportunityID, rec.MarketID,
		string(rec.YesStatus), string(rec.NoStatus), rec.YesFilled, rec.NoFilled,
		rec.Notional, rec.ExpectedPnL, rec.OneSided, rec.DryRun,
		rec.StartedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", rec.TradeID, err)
	}
	return nil
}

// ListRecent returns the latest completed trades.
func (s *TradeStore) ListRecent(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT trade_id, opportunity_id, market_id,
			yes_status, no_status, yes_filled, no_filled,
			notional, expected_pnl, one_sided, dry_run,
			started_at, completed_at
		FROM trades
		ORDER BY completed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trades: %w", err)
	}
	defer rows.Close()

	var recs []domain.TradeRecord
	for rows.Next() {
		var r domain.TradeRecord
		var yesStatus, noStatus string
		if err := rows.Scan(
			&r.TradeID, &r.OpportunityID, &r.MarketID,
			&yesStatus, &noStatus, &r.YesFilled, &r.NoFilled,
			&r.Notional, &r.ExpectedPnL, &r.OneSided, &r.DryRun,
			&r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan trade: %w", err)
		}
		r.YesStatus = domain.OrderStatus(yesStatus)
		r.NoStatus = domain.OrderStatus(noStatus)
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: trade rows: %w", err)
	}
	return recs, nil
}

// SumNotional totals live (non dry-run) traded notional since the given
// time. The risk gate uses it for daily volume accounting.
func (s *TradeStore) SumNotional(ctx context.Context, since time.Time) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(notional), 0) FROM trades
		WHERE completed_at >= $1 AND NOT dry_run`, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum trade notional: %w", err)
	}
	return sum, nil
}

var _ domain.TradeStore = (*TradeStore)(nil)
