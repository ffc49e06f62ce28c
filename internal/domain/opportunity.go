package domain

import "time"

// Opportunity is a detected paired-token mispricing: buying both outcome
// tokens at their best asks costs less than the $1 they jointly redeem for.
// It is ephemeral: derived per evaluation, never cached.
type Opportunity struct {
	ID           string
	MarketID     string
	YesTokenID   string
	NoTokenID    string
	YesAsk       float64
	NoAsk        float64
	CombinedCost float64 // YesAsk + NoAsk
	ProfitMargin float64 // 1 - CombinedCost - fee margin
	Size         float64 // matched tradable size, capped at max position
	YesDepth     float64 // size available at or below YesAsk
	NoDepth      float64 // size available at or below NoAsk
	FirstSeen    time.Time
	DetectedAt   time.Time
}

// Notional returns the capital required to take the opportunity at full size.
func (o Opportunity) Notional() float64 {
	return o.CombinedCost * o.Size
}

// ExpectedProfit returns the profit at redemption if both legs fill.
func (o Opportunity) ExpectedProfit() float64 {
	return o.ProfitMargin * o.Size
}
