package engine

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/oddlot/parb/internal/domain"
)

const (
	// maxRescuePrice bounds how far a rescue requote may chase the book.
	maxRescuePrice = 0.99

	priceScale = 1e6
	sizeScale  = 1e6
)

// pairIntents derives the two buy legs of a paired execution from an
// opportunity. Both legs share a trade ID and a salt so the venue treats a
// resubmission of either leg as the same order.
func pairIntents(opp domain.Opportunity, ttl time.Duration, now time.Time) (yes, no domain.OrderIntent) {
	tradeID := uuid.NewString()
	salt := newSalt()
	expires := now.Add(ttl)

	yes = domain.OrderIntent{
		TradeID:    tradeID,
		MarketID:   opp.MarketID,
		TokenID:    opp.YesTokenID,
		Outcome:    "YES",
		Side:       domain.OrderSideBuy,
		PriceTicks: toTicks(opp.YesAsk),
		SizeUnits:  toTicks(opp.Size),
		Salt:       salt,
		ExpiresAt:  expires,
	}
	no = domain.OrderIntent{
		TradeID:    tradeID,
		MarketID:   opp.MarketID,
		TokenID:    opp.NoTokenID,
		Outcome:    "NO",
		Side:       domain.OrderSideBuy,
		PriceTicks: toTicks(opp.NoAsk),
		SizeUnits:  toTicks(opp.Size),
		Salt:       salt,
		ExpiresAt:  expires,
	}
	return yes, no
}

// rescueIntent requotes an unfilled leg above its original limit so it crosses
// the current spread. The salt is reused; the price change makes it a distinct
// order at the venue while the trade ID keeps both legs linked.
func rescueIntent(orig domain.OrderIntent, markup float64, ttl time.Duration, now time.Time) domain.OrderIntent {
	price := orig.Price() * (1 + markup)
	if price > maxRescuePrice {
		price = maxRescuePrice
	}
	out := orig
	out.PriceTicks = toTicks(price)
	out.ExpiresAt = now.Add(ttl)
	return out
}

// toTicks converts a display value to 1e6 fixed point, rounding half up.
func toTicks(v float64) int64 {
	return int64(math.Round(v * priceScale))
}

// orderAmounts computes the integer maker and taker amounts for a buy leg.
// For a BUY the maker amount is the USDC spent (6 decimals) and the taker
// amount is the outcome token quantity received (6 decimals).
func orderAmounts(i domain.OrderIntent) (maker, taker *big.Int) {
	m := new(big.Int).Mul(big.NewInt(i.PriceTicks), big.NewInt(i.SizeUnits))
	maker = m.Div(m, big.NewInt(priceScale))
	taker = big.NewInt(i.SizeUnits)
	return maker, taker
}

// newSalt returns a random decimal salt for the signed payload.
func newSalt() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to a
		// time-derived value rather than aborting the trade.
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%d", binary.BigEndian.Uint64(buf[:])>>1)
}
