package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oddlot/parb/internal/domain"
)

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new order leg.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	var makerAmount, takerAmount *string
	if o.MakerAmount != nil {
		v := o.MakerAmount.String()
		makerAmount = &v
	}
	if o.TakerAmount != nil {
		v := o.TakerAmount.String()
		takerAmount = &v
	}

	const query = `
		INSERT INTO orders (
			id, trade_id, market_id, token_id, outcome, wallet,
			side, order_type, price_ticks, size_units,
			maker_amount, taker_amount, filled_size, status,
			salt, signature, venue_id,
			created_at, filled_at, cancelled_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14,
			$15, $16, $17,
			$18, $19, $20, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.TradeID, o.MarketID, o.TokenID, o.Outcome, o.Wallet,
		string(o.Side), string(o.Type), o.PriceTicks, o.SizeUnits,
		makerAmount, takerAmount, o.FilledSize, string(o.Status),
		o.Salt, o.Signature, o.VenueID,
		o.CreatedAt, o.FilledAt, o.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateStatus moves a leg through its lifecycle and stamps the matching
// timestamp for terminal states.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, filledSize float64) error {
	var query string
	switch status {
	case domain.OrderStatusFilled:
		query = `UPDATE orders SET status = $1, filled_size = $2, filled_at = NOW(), updated_at = NOW() WHERE id = $3`
	case domain.OrderStatusCancelled:
		query = `UPDATE orders SET status = $1, filled_size = $2, cancelled_at = NOW(), updated_at = NOW() WHERE id = $3`
	default:
		query = `UPDATE orders SET status = $1, filled_size = $2, updated_at = NOW() WHERE id = $3`
	}

	tag, err := s.pool.Exec(ctx, query, string(status), filledSize, id)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SetVenueID records the venue-assigned order ID after acceptance.
func (s *OrderStore) SetVenueID(ctx context.Context, id, venueID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET venue_id = $1, updated_at = NOW() WHERE id = $2`,
		venueID, id)
	if err != nil {
		return fmt.Errorf("postgres: set venue id for order %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const orderCols = `id, trade_id, market_id, token_id, outcome, wallet,
	side, order_type, price_ticks, size_units,
	maker_amount, taker_amount, filled_size, status,
	salt, signature, venue_id,
	created_at, filled_at, cancelled_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var side, orderType, status string
	var makerAmount, takerAmount *string
	err := row.Scan(
		&o.ID, &o.TradeID, &o.MarketID, &o.TokenID, &o.Outcome, &o.Wallet,
		&side, &orderType, &o.PriceTicks, &o.SizeUnits,
		&makerAmount, &takerAmount, &o.FilledSize, &status,
		&o.Salt, &o.Signature, &o.VenueID,
		&o.CreatedAt, &o.FilledAt, &o.CancelledAt,
	)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	if makerAmount != nil {
		o.MakerAmount, _ = new(big.Int).SetString(*makerAmount, 10)
	}
	if takerAmount != nil {
		o.TakerAmount, _ = new(big.Int).SetString(*takerAmount, 10)
	}
	return o, nil
}

// GetByID retrieves a single leg.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderCols+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByTrade returns every leg of a paired execution, rescue requotes
// included, oldest first.
func (s *OrderStore) ListByTrade(ctx context.Context, tradeID string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders WHERE trade_id = $1 ORDER BY created_at`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders for trade %s: %w", tradeID, err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// ListNonTerminal returns legs the engine still owes a resolution, used by
// startup reconciliation.
func (s *OrderStore) ListNonTerminal(ctx context.Context, wallet string) ([]domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderCols+` FROM orders
		WHERE wallet = $1 AND status IN ('pending', 'submitted', 'partially_filled')
		ORDER BY created_at`, wallet)
	if err != nil {
		return nil, fmt.Errorf("postgres: list non-terminal orders: %w", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: order rows: %w", err)
	}
	return orders, nil
}

var _ domain.OrderStore = (*OrderStore)(nil)
