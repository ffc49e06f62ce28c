package domain

import "time"

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive MarketStatus = "active"
	MarketStatusClosed MarketStatus = "closed"
)

// Market represents a binary-outcome prediction market. The YES and NO tokens
// are complementary: together they always redeem for $1. A Market is immutable
// for the duration of a trading session except for Status transitions.
type Market struct {
	ID          string
	Question    string
	Slug        string
	YesTokenID  string
	NoTokenID   string
	ConditionID string
	Liquidity   float64 // depth x price summed over the book, USD
	Volume      float64
	Status      MarketStatus
	ResolvesAt  *time.Time
	// Eligibility flags computed at discovery time.
	MeetsLiquidityFloor bool
	InResolutionWindow  bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Tradable reports whether the market passed every discovery-time eligibility
// check and is still active.
func (m Market) Tradable() bool {
	return m.Status == MarketStatusActive && m.MeetsLiquidityFloor && m.InResolutionWindow
}

// TokenIDs returns both outcome token ids, YES first.
func (m Market) TokenIDs() [2]string {
	return [2]string{m.YesTokenID, m.NoTokenID}
}
