package domain

import "time"

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSnapshot is a full snapshot of bids and asks for one outcome token.
// Asks are ordered best (lowest) first, bids best (highest) first.
type BookSnapshot struct {
	TokenID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Sequence  uint64
	Timestamp time.Time
}

// BestBid returns the highest bid price, or 0 when the bid side is empty.
func (s BookSnapshot) BestBid() float64 {
	if len(s.Bids) == 0 {
		return 0
	}
	return s.Bids[0].Price
}

// BestAsk returns the lowest ask price, or 0 when the ask side is empty.
func (s BookSnapshot) BestAsk() float64 {
	if len(s.Asks) == 0 {
		return 0
	}
	return s.Asks[0].Price
}

// BookDelta is an incremental level update for one outcome token. Size 0
// removes the level. Sequence numbers are per-token and strictly increasing;
// the cache rejects anything at or below the last applied sequence.
type BookDelta struct {
	TokenID   string
	Side      string // "BUY" or "SELL"
	Price     float64
	Size      float64
	Sequence  uint64
	Timestamp time.Time
}
