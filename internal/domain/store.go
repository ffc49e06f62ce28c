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

// MarketStore persists market metadata from the catalog.
type MarketStore interface {
	Upsert(ctx context.Context, market Market) error
	UpsertBatch(ctx context.Context, markets []Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	GetByTokenID(ctx context.Context, tokenID string) (Market, error)
	ListTradable(ctx context.Context, opts ListOpts) ([]Market, error)
	Count(ctx context.Context) (int64, error)
}

// OrderStore persists order legs through their lifecycle.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	UpdateStatus(ctx context.Context, id string, status OrderStatus, filledSize float64) error
	SetVenueID(ctx context.Context, id, venueID string) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByTrade(ctx context.Context, tradeID string) ([]Order, error)
	ListNonTerminal(ctx context.Context, wallet string) ([]Order, error)
}

// OpportunityStore persists detected opportunity history.
type OpportunityStore interface {
	Insert(ctx context.Context, opp Opportunity) error
	MarkExecuted(ctx context.Context, id string) error
	SetDuration(ctx context.Context, id string, d time.Duration) error
	ListRecent(ctx context.Context, limit int) ([]Opportunity, error)
}

// TradeRecord is the terminal outcome of one paired execution.
type TradeRecord struct {
	TradeID       string
	OpportunityID string
	MarketID      string
	YesStatus     OrderStatus
	NoStatus      OrderStatus
	YesFilled     float64
	NoFilled      float64
	Notional      float64
	ExpectedPnL   float64
	OneSided      bool
	DryRun        bool
	StartedAt     time.Time
	CompletedAt   time.Time
}

// TradeStore persists completed paired executions.
type TradeStore interface {
	Insert(ctx context.Context, rec TradeRecord) error
	ListRecent(ctx context.Context, limit int) ([]TradeRecord, error)
	SumNotional(ctx context.Context, since time.Time) (float64, error)
}
