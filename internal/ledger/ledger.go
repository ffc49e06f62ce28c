// Package ledger tracks committed capital per market and in aggregate. The
// execution engine reserves before submitting and settles on terminal order
// state, so the analyzer's risk gate always sees worst-case exposure.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/oddlot/parb/internal/domain"
)

// Ledger is an in-memory exposure book with hard per-market and aggregate
// ceilings. All methods are safe for concurrent use.
type Ledger struct {
	maxMarket float64
	maxTotal  float64

	mu      sync.Mutex
	records map[string]*domain.ExposureRecord
	total   float64 // sum of Committed across markets
}

// New creates a Ledger with the given per-market and aggregate USD ceilings.
func New(maxMarket, maxTotal float64) *Ledger {
	return &Ledger{
		maxMarket: maxMarket,
		maxTotal:  maxTotal,
		records:   make(map[string]*domain.ExposureRecord),
	}
}

// Reserve commits notional USD against a market. It fails with
// domain.ErrExposureLimit when either ceiling would be exceeded; a failed
// reserve changes nothing.
func (l *Ledger) Reserve(marketID string, notional float64) error {
	if notional <= 0 {
		return fmt.Errorf("ledger: non-positive notional %v", notional)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(marketID)
	if rec.Committed+notional > l.maxMarket {
		return fmt.Errorf("ledger: market %s at %.2f + %.2f exceeds cap %.2f: %w",
			marketID, rec.Committed, notional, l.maxMarket, domain.ErrExposureLimit)
	}
	if l.total+notional > l.maxTotal {
		return fmt.Errorf("ledger: aggregate %.2f + %.2f exceeds cap %.2f: %w",
			l.total, notional, l.maxTotal, domain.ErrExposureLimit)
	}

	rec.Committed += notional
	rec.UpdatedAt = time.Now()
	l.total += notional
	return nil
}

// Release returns reserved notional that will never fill (cancelled, rejected,
// expired legs). Releasing more than is committed clamps to zero.
func (l *Ledger) Release(marketID string, notional float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(marketID)
	if notional > rec.Committed {
		notional = rec.Committed
	}
	rec.Committed -= notional
	rec.UpdatedAt = time.Now()
	l.total -= notional
}

// Confirm converts reserved notional into a filled position. The commitment
// stays on the books until Settle frees it after the market resolves.
func (l *Ledger) Confirm(marketID string, notional float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(marketID)
	if notional > rec.Committed {
		notional = rec.Committed
	}
	rec.Filled += notional
	rec.UpdatedAt = time.Now()
}

// Settle releases the filled notional held against a market whose outcome has
// resolved. Redeemed positions pay out in USDC, so the capital is free to back
// new pairs. It returns the amount freed.
func (l *Ledger) Settle(marketID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(marketID)
	freed := rec.Filled
	if freed > rec.Committed {
		freed = rec.Committed
	}
	if freed <= 0 {
		return 0
	}
	rec.Filled -= freed
	rec.Committed -= freed
	rec.UpdatedAt = time.Now()
	l.total -= freed
	return freed
}

// Positions returns the filled notional held per market. Markets with no
// filled exposure are omitted.
func (l *Ledger) Positions() map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]float64)
	for id, rec := range l.records {
		if rec.Filled > 0 {
			out[id] = rec.Filled
		}
	}
	return out
}

// Headroom returns how much more notional the market can take before either
// ceiling binds.
func (l *Ledger) Headroom(marketID string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec := l.record(marketID)
	market := l.maxMarket - rec.Committed
	total := l.maxTotal - l.total
	if total < market {
		market = total
	}
	if market < 0 {
		return 0
	}
	return market
}

// Snapshot returns a point-in-time copy for the risk gate and monitoring.
func (l *Ledger) Snapshot() domain.ExposureSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	per := make(map[string]float64, len(l.records))
	for id, rec := range l.records {
		if rec.Committed > 0 || rec.Filled > 0 {
			per[id] = rec.Committed
		}
	}
	return domain.ExposureSnapshot{
		Aggregate: l.total,
		PerMarket: per,
		TakenAt:   time.Now(),
	}
}

// record returns the record for marketID, creating it if needed. Caller must
// hold l.mu.
func (l *Ledger) record(marketID string) *domain.ExposureRecord {
	rec, ok := l.records[marketID]
	if !ok {
		rec = &domain.ExposureRecord{MarketID: marketID}
		l.records[marketID] = rec
	}
	return rec
}
