package domain

import "time"

// ExposureRecord is a running total of committed capital for one market.
// Only the execution engine increments it (on submission) and only the
// ledger decrements it (on terminal resolution).
type ExposureRecord struct {
	MarketID  string
	Committed float64 // USD notional reserved by live intents
	Filled    float64 // USD notional confirmed filled
	UpdatedAt time.Time
}

// ExposureSnapshot is a point-in-time view of exposure used by the analyzer's
// risk gate.
type ExposureSnapshot struct {
	Aggregate float64
	PerMarket map[string]float64
	TakenAt   time.Time
}
