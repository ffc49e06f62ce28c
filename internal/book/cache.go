// Package book holds the live orderbook state for every subscribed outcome
// token. The cache is sharded by token id hash so stream writers and the
// analyzer's readers only contend when they touch tokens in the same shard.
package book

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/oddlot/parb/internal/domain"
)

// Cache is the sharded in-process orderbook store.
type Cache struct {
	shards []*shard
}

type shard struct {
	mu    sync.RWMutex
	books map[string]*tokenBook
}

// tokenBook is the mutable ladder state for one outcome token.
type tokenBook struct {
	bids      []domain.PriceLevel // best (highest) first
	asks      []domain.PriceLevel // best (lowest) first
	lastSeq   uint64
	updatedAt time.Time
	stale     bool
}

// NewCache creates a cache with the given shard count. A count near the
// stream connection count spreads lock contention well enough.
func NewCache(numShards int) *Cache {
	if numShards < 1 {
		numShards = 1
	}
	shards := make([]*shard, numShards)
	for i := range shards {
		shards[i] = &shard{books: make(map[string]*tokenBook)}
	}
	return &Cache{shards: shards}
}

// ShardIndex returns the shard a token id maps to. The mapping is
// deterministic so the feed manager can assign whole shards to connections.
func (c *Cache) ShardIndex(tokenID string) int {
	h := fnv.New32a()
	h.Write([]byte(tokenID))
	return int(h.Sum32() % uint32(len(c.shards)))
}

func (c *Cache) shardFor(tokenID string) *shard {
	return c.shards[c.ShardIndex(tokenID)]
}

// ApplySnapshot replaces the full ladder for a token, resets its sequence
// cursor, and clears the stale flag. Levels are normalised: zero sizes are
// dropped and each side is sorted best price first.
func (c *Cache) ApplySnapshot(snap domain.BookSnapshot) {
	bids := normaliseLevels(snap.Bids, false)
	asks := normaliseLevels(snap.Asks, true)

	sh := c.shardFor(snap.TokenID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.books[snap.TokenID]
	if !ok {
		b = &tokenBook{}
		sh.books[snap.TokenID] = b
	}
	b.bids = bids
	b.asks = asks
	b.lastSeq = snap.Sequence
	b.updatedAt = snap.Timestamp
	b.stale = false
}

// ApplyDelta applies one incremental level update.
//
// A delta with sequence at or below the last applied sequence is a no-op and
// returns nil, so duplicate delivery is idempotent. A delta that skips ahead
// marks the book stale and returns domain.ErrSequenceGap so the caller can
// request a fresh snapshot. Deltas against a stale book are dropped with
// domain.ErrStaleBook.
func (c *Cache) ApplyDelta(d domain.BookDelta) error {
	sh := c.shardFor(d.TokenID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.books[d.TokenID]
	if !ok {
		// No snapshot seen yet: nothing to patch.
		return domain.ErrStaleBook
	}
	if b.stale {
		return domain.ErrStaleBook
	}
	if d.Sequence <= b.lastSeq {
		return nil
	}
	if d.Sequence != b.lastSeq+1 {
		b.stale = true
		return domain.ErrSequenceGap
	}

	if d.Side == "SELL" {
		b.asks = patchLevel(b.asks, d.Price, d.Size, true)
	} else {
		b.bids = patchLevel(b.bids, d.Price, d.Size, false)
	}
	b.lastSeq = d.Sequence
	b.updatedAt = d.Timestamp
	return nil
}

// MarkStale flags tokens as stale, typically when their connection dropped.
// Stale entries reject deltas until the next snapshot arrives.
func (c *Cache) MarkStale(tokenIDs ...string) {
	for _, id := range tokenIDs {
		sh := c.shardFor(id)
		sh.mu.Lock()
		if b, ok := sh.books[id]; ok {
			b.stale = true
		}
		sh.mu.Unlock()
	}
}

// Snapshot returns a copy of the current ladder for a token. The second
// return is false when no data exists or the book is stale.
func (c *Cache) Snapshot(tokenID string) (domain.BookSnapshot, bool) {
	sh := c.shardFor(tokenID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	b, ok := sh.books[tokenID]
	if !ok || b.stale {
		return domain.BookSnapshot{}, false
	}
	snap := domain.BookSnapshot{
		TokenID:   tokenID,
		Bids:      append([]domain.PriceLevel(nil), b.bids...),
		Asks:      append([]domain.PriceLevel(nil), b.asks...),
		Sequence:  b.lastSeq,
		Timestamp: b.updatedAt,
	}
	return snap, true
}

// BestAsk returns the lowest ask price and its size. ok is false when the
// book is missing, stale, or has an empty ask side.
func (c *Cache) BestAsk(tokenID string) (price, size float64, ok bool) {
	sh := c.shardFor(tokenID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	b, found := sh.books[tokenID]
	if !found || b.stale || len(b.asks) == 0 {
		return 0, 0, false
	}
	return b.asks[0].Price, b.asks[0].Size, true
}

// AskDepthAtOrBelow returns the cumulative ask size available at or below the
// given price: the matched-size input for the arbitrage test.
func (c *Cache) AskDepthAtOrBelow(tokenID string, price float64) float64 {
	sh := c.shardFor(tokenID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	b, found := sh.books[tokenID]
	if !found || b.stale {
		return 0
	}
	var depth float64
	for _, lvl := range b.asks {
		if lvl.Price > price {
			break
		}
		depth += lvl.Size
	}
	return depth
}

// Fresh reports whether the token's book was updated within maxAge and is not
// flagged stale.
func (c *Cache) Fresh(tokenID string, maxAge time.Duration, now time.Time) bool {
	sh := c.shardFor(tokenID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	b, found := sh.books[tokenID]
	if !found || b.stale {
		return false
	}
	return now.Sub(b.updatedAt) <= maxAge
}

// normaliseLevels drops zero/negative sizes and sorts ascending for asks,
// descending for bids.
func normaliseLevels(levels []domain.PriceLevel, ascending bool) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, lvl := range levels {
		if lvl.Size > 0 && lvl.Price > 0 {
			out = append(out, lvl)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if ascending {
			return out[i].Price < out[j].Price
		}
		return out[i].Price > out[j].Price
	})
	return out
}

// patchLevel sets or removes one price level, preserving sort order.
func patchLevel(levels []domain.PriceLevel, price, size float64, ascending bool) []domain.PriceLevel {
	idx := -1
	for i, lvl := range levels {
		if lvl.Price == price {
			idx = i
			break
		}
	}
	if size <= 0 {
		if idx >= 0 {
			return append(levels[:idx], levels[idx+1:]...)
		}
		return levels
	}
	if idx >= 0 {
		levels[idx].Size = size
		return levels
	}
	levels = append(levels, domain.PriceLevel{Price: price, Size: size})
	sort.Slice(levels, func(i, j int) bool {
		if ascending {
			return levels[i].Price < levels[j].Price
		}
		return levels[i].Price > levels[j].Price
	})
	return levels
}
