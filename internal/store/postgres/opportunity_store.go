package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddlot/parb/internal/domain"
)

// OpportunityStore implements domain.OpportunityStore. Every detected
// mispricing window gets a row; duration and execution are stamped later as
// the window closes or the engine acts on it.
type OpportunityStore struct {
	pool *pgxpool.Pool
}

// NewOpportunityStore creates an OpportunityStore backed by the given pool.
func NewOpportunityStore(pool *pgxpool.Pool) *OpportunityStore {
	return &OpportunityStore{pool: pool}
}

// Insert records a newly opened opportunity window.
func (s *OpportunityStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	const query = `
		INSERT INTO opportunities (
			id, market_id, yes_token_id, no_token_id,
			yes_ask, no_ask, combined_cost, profit_margin,
			size, yes_depth, no_depth, first_seen, detected_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10, $11, $12, $13
		)`

	_, err := s.pool.Exec(ctx, query,
		opp.ID, opp.MarketID, opp.YesTokenID, opp.NoTokenID,
		opp.YesAsk, opp.NoAsk, opp.CombinedCost, opp.ProfitMargin,
		opp.Size, opp.YesDepth, opp.NoDepth, opp.FirstSeen, opp.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// MarkExecuted flags an opportunity the engine acted on.
func (s *OpportunityStore) MarkExecuted(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET executed = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark opportunity %s executed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetDuration stamps how long the mispricing window stayed open.
func (s *OpportunityStore) SetDuration(ctx context.Context, id string, d time.Duration) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE opportunities SET duration_ms = $1 WHERE id = $2`,
		d.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("postgres: set opportunity %s duration: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListRecent returns the most recently detected opportunities.
func (s *OpportunityStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, market_id, yes_token_id, no_token_id,
			yes_ask, no_ask, combined_cost, profit_margin,
			size, yes_depth, no_depth, first_seen, detected_at
		FROM opportunities
		ORDER BY detected_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent opportunities: %w", err)
	}
	defer rows.Close()

	var opps []domain.Opportunity
	for rows.Next() {
		var o domain.Opportunity
		if err := rows.Scan(
			&o.ID, &o.MarketID, &o.YesTokenID, &o.NoTokenID,
			&o.YesAsk, &o.NoAsk, &o.CombinedCost, &o.ProfitMargin,
			&o.Size, &o.YesDepth, &o.NoDepth, &o.FirstSeen, &o.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan opportunity: %w", err)
		}
		opps = append(opps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: opportunity rows: %w", err)
	}
	return opps, nil
}

var _ domain.OpportunityStore = (*OpportunityStore)(nil)
