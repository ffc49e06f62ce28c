package domain

import (
	"math/big"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// OrderStatus tracks the per-leg order lifecycle.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusSubmitted       OrderStatus = "submitted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// validOrderTransitions is the allowed state graph for a submitted leg.
// Terminal states have no outgoing edges.
var validOrderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusSubmitted,
		OrderStatusRejected, // retry budget exhausted before venue accepted
	},
	OrderStatusSubmitted: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCancelled,
		OrderStatusRejected,
		OrderStatusExpired,
	},
	OrderStatusPartiallyFilled: {
		OrderStatusFilled,
		OrderStatusCancelled,
		OrderStatusExpired,
	},
}

// CanTransition reports whether the order state machine permits moving from
// one status to another.
func CanTransition(from, to OrderStatus) bool {
	for _, s := range validOrderTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is a final state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderIntent is a proposed single-leg buy that the execution engine derives
// from an Opportunity. Both legs of a pair share TradeID and Salt so that
// resubmission is idempotent at the venue.
type OrderIntent struct {
	TradeID    string // shared across both legs of a pair
	MarketID   string
	TokenID    string
	Outcome    string // "YES" or "NO"
	Side       OrderSide
	PriceTicks int64  // fixed-point: price * 1e6
	SizeUnits  int64  // fixed-point: size  * 1e6
	Salt       string // idempotency token embedded in the signed payload
	ExpiresAt  time.Time
}

// Price returns the float64 display price from fixed-point ticks.
func (i OrderIntent) Price() float64 { return float64(i.PriceTicks) / 1e6 }

// Size returns the float64 display size from fixed-point units.
func (i OrderIntent) Size() float64 { return float64(i.SizeUnits) / 1e6 }

// Notional returns the capital the intent commits, in USD.
func (i OrderIntent) Notional() float64 { return i.Price() * i.Size() }

// Order is one signed leg of a paired submission.
type Order struct {
	ID          string
	TradeID     string
	MarketID    string
	TokenID     string
	Outcome     string
	Wallet      string
	Side        OrderSide
	Type        OrderType
	PriceTicks  int64
	SizeUnits   int64
	MakerAmount *big.Int // integer notional used in the signed payload
	TakerAmount *big.Int // integer quantity used in the signed payload
	FilledSize  float64
	Status      OrderStatus
	Salt        string
	Signature   string // EIP-712 hex
	VenueID     string // order id assigned by the venue on acceptance
	CreatedAt   time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time
}

// Price returns the float64 display price from fixed-point ticks.
func (o Order) Price() float64 { return float64(o.PriceTicks) / 1e6 }

// Size returns the float64 display size from fixed-point units.
func (o Order) Size() float64 { return float64(o.SizeUnits) / 1e6 }

// OrderResult wraps the venue response after order submission.
type OrderResult struct {
	Success     bool
	VenueID     string
	Status      OrderStatus
	Message     string
	ShouldRetry bool
	FilledSize  float64
}
