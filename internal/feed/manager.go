// Package feed runs the market data stream: a pool of WebSocket connections
// sharing the subscription load, feeding the orderbook cache and notifying
// the analyzer on every applied update.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oddlot/parb/internal/book"
	"github.com/oddlot/parb/internal/domain"
	"github.com/oddlot/parb/internal/platform/polymarket"
)

// UpdateHandler is invoked after a snapshot or delta has been applied to the
// book cache. It runs on a worker pool, never on a connection's read
// goroutine, so a handler that blocks (an execution waiting out its fill
// window) cannot stall stream reads.
type UpdateHandler func(ctx context.Context, tokenID string)

// updateQueueLen bounds the pending-update buffer. Overflow drops the poke:
// book state is level-based, so the next delta for the token re-delivers it.
const updateQueueLen = 1024

// Conn is the subset of the WebSocket client the manager drives. It exists so
// tests can substitute a fake connection.
type Conn interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, assetIDs []string) error
	Unsubscribe(ctx context.Context, assetIDs []string) error
	Close() error
	OnSnapshot(polymarket.SnapshotHandler)
	OnDelta(polymarket.DeltaHandler)
	OnDisconnect(polymarket.DisconnectHandler)
}

// DialFunc produces a fresh connection. A connection is single-use: after a
// disconnect the manager dials again.
type DialFunc func() Conn

// Manager owns a fixed pool of stream connections and the token-to-connection
// assignment. Each connection carries at most maxPerConn token subscriptions.
// On disconnect the affected shard's books are marked stale, the connection is
// re-dialed with exponential backoff, and the exact token set is re-subscribed.
type Manager struct {
	dial       DialFunc
	cache      *book.Cache
	onUpdate   UpdateHandler
	maxPerConn int
	logger     *slog.Logger

	shards  []*shard
	updates chan string
	dropped atomic.Uint64
}

// shard is one connection's worth of subscription state.
type shard struct {
	idx    int
	mu     sync.Mutex
	tokens map[string]struct{}
	conn   Conn // nil while disconnected
}

// NewManager creates a stream manager with the given pool size and
// per-connection subscription ceiling.
func NewManager(dial DialFunc, cache *book.Cache, connections, maxPerConn int, onUpdate UpdateHandler, logger *slog.Logger) *Manager {
	m := &Manager{
		dial:       dial,
		cache:      cache,
		onUpdate:   onUpdate,
		maxPerConn: maxPerConn,
		logger:     logger.With(slog.String("component", "stream_manager")),
		updates:    make(chan string, updateQueueLen),
	}
	for i := 0; i < connections; i++ {
		m.shards = append(m.shards, &shard{idx: i, tokens: make(map[string]struct{})})
	}
	return m
}

// DialPolymarket returns a DialFunc for the given stream endpoint.
func DialPolymarket(wsURL string) DialFunc {
	return func() Conn { return polymarket.NewWSClient(wsURL) }
}

// Capacity returns the total number of token subscriptions the pool can hold.
func (m *Manager) Capacity() int { return len(m.shards) * m.maxPerConn }

// Assign distributes tokens round-robin across the pool before Run is called.
// It fails when the pool cannot hold them all.
func (m *Manager) Assign(tokens []string) error {
	if len(tokens) > m.Capacity() {
		return fmt.Errorf("feed: %d tokens exceed pool capacity %d", len(tokens), m.Capacity())
	}
	for i, tok := range tokens {
		sh := m.shards[i%len(m.shards)]
		sh.tokens[tok] = struct{}{}
	}
	return nil
}

// Subscribe adds tokens to the least-loaded shards at runtime, subscribing on
// the live connection when there is one. Tokens already assigned are ignored.
func (m *Manager) Subscribe(ctx context.Context, tokens []string) error {
	for _, tok := range tokens {
		if m.findShard(tok) != nil {
			continue
		}
		sh := m.leastLoaded()
		if sh == nil {
			return fmt.Errorf("feed: pool full, cannot subscribe %s", tok)
		}
		sh.mu.Lock()
		sh.tokens[tok] = struct{}{}
		conn := sh.conn
		sh.mu.Unlock()

		if conn != nil {
			if err := conn.Subscribe(ctx, []string{tok}); err != nil {
				return fmt.Errorf("feed: subscribe %s on conn %d: %w", tok, sh.idx, err)
			}
		}
	}
	return nil
}

// Unsubscribe removes tokens from the pool and from the live connections.
func (m *Manager) Unsubscribe(ctx context.Context, tokens []string) error {
	for _, tok := range tokens {
		sh := m.findShard(tok)
		if sh == nil {
			continue
		}
		sh.mu.Lock()
		delete(sh.tokens, tok)
		conn := sh.conn
		sh.mu.Unlock()

		m.cache.MarkStale(tok)
		if conn != nil {
			if err := conn.Unsubscribe(ctx, []string{tok}); err != nil {
				return fmt.Errorf("feed: unsubscribe %s on conn %d: %w", tok, sh.idx, err)
			}
		}
	}
	return nil
}

// Run drives every connection until ctx is cancelled. It returns the first
// unrecoverable error; disconnects are handled internally.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sh := range m.shards {
		g.Go(func() error { return m.runShard(ctx, sh) })
	}
	// Two workers per connection: pokes keep flowing for other markets while
	// a handler sits inside an execution.
	for i := 0; i < 2*len(m.shards); i++ {
		g.Go(func() error { return m.runWorker(ctx) })
	}
	return g.Wait()
}

// runWorker drains the update queue into the handler.
func (m *Manager) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tok := <-m.updates:
			if m.onUpdate != nil {
				m.onUpdate(ctx, tok)
			}
		}
	}
}

// poke enqueues a token for re-evaluation without ever blocking the caller.
func (m *Manager) poke(tok string) {
	select {
	case m.updates <- tok:
	default:
		if n := m.dropped.Add(1); n%1000 == 1 {
			m.logger.Warn("update queue full, dropping pokes", slog.Uint64("dropped", n))
		}
	}
}

// runShard owns one connection slot: dial, subscribe, wait for disconnect,
// invalidate, back off, repeat.
func (m *Manager) runShard(ctx context.Context, sh *shard) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		disconnected := make(chan error, 1)
		conn := m.dial()
		m.wireHandlers(ctx, conn, disconnected)

		connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := conn.Connect(connCtx)
		cancel()
		if err == nil {
			err = conn.Subscribe(ctx, sh.tokenList())
		}
		if err != nil {
			conn.Close()
			attempt++
			m.logger.Warn("stream connect failed",
				slog.Int("conn", sh.idx),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return ctx.Err()
			}
			continue
		}

		sh.mu.Lock()
		sh.conn = conn
		n := len(sh.tokens)
		sh.mu.Unlock()
		attempt = 0
		m.logger.Info("stream connected", slog.Int("conn", sh.idx), slog.Int("tokens", n))

		select {
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		case err := <-disconnected:
			conn.Close()
			sh.mu.Lock()
			sh.conn = nil
			stale := make([]string, 0, len(sh.tokens))
			for tok := range sh.tokens {
				stale = append(stale, tok)
			}
			sh.mu.Unlock()

			// Books from a dropped connection must not be trusted until a
			// fresh snapshot arrives.
			m.cache.MarkStale(stale...)
			m.logger.Warn("stream disconnected",
				slog.Int("conn", sh.idx),
				slog.Int("stale_tokens", len(stale)),
				slog.String("error", err.Error()),
			)
			attempt++
			if !sleepCtx(ctx, backoffDelay(attempt)) {
				return ctx.Err()
			}
		}
	}
}

// wireHandlers connects the message handlers of one connection to the book
// cache and the update callback.
func (m *Manager) wireHandlers(ctx context.Context, conn Conn, disconnected chan<- error) {
	conn.OnSnapshot(func(snap domain.BookSnapshot) {
		m.cache.ApplySnapshot(snap)
		m.poke(snap.TokenID)
	})
	conn.OnDelta(func(delta domain.BookDelta) {
		err := m.cache.ApplyDelta(delta)
		switch {
		case err == nil:
			m.poke(delta.TokenID)
		case errors.Is(err, domain.ErrSequenceGap), errors.Is(err, domain.ErrStaleBook):
			// Force a fresh snapshot for just this token; the venue replays
			// one on subscribe.
			m.logger.Warn("book out of sync, resubscribing",
				slog.String("token_id", delta.TokenID),
				slog.String("error", err.Error()),
			)
			_ = conn.Unsubscribe(ctx, []string{delta.TokenID})
			_ = conn.Subscribe(ctx, []string{delta.TokenID})
		}
	})
	conn.OnDisconnect(func(err error) {
		select {
		case disconnected <- err:
		default:
		}
	})
}

func (m *Manager) findShard(token string) *shard {
	for _, sh := range m.shards {
		sh.mu.Lock()
		_, ok := sh.tokens[token]
		sh.mu.Unlock()
		if ok {
			return sh
		}
	}
	return nil
}

// leastLoaded returns the shard with the fewest tokens that still has room,
// or nil when the pool is full.
func (m *Manager) leastLoaded() *shard {
	var best *shard
	bestN := m.maxPerConn
	for _, sh := range m.shards {
		sh.mu.Lock()
		n := len(sh.tokens)
		sh.mu.Unlock()
		if n < bestN {
			best, bestN = sh, n
		}
	}
	return best
}

func (sh *shard) tokenList() []string {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	out := make([]string, 0, len(sh.tokens))
	for tok := range sh.tokens {
		out = append(out, tok)
	}
	return out
}

// sleepCtx sleeps for d or until ctx is done; it reports whether the sleep
// completed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
