// Package engine submits both legs of a detected mispricing as one atomic
// unit of work: sign in parallel, submit in parallel, babysit fills until a
// deadline, and unwind whatever did not fill.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oddlot/parb/internal/config"
	"github.com/oddlot/parb/internal/crypto"
	"github.com/oddlot/parb/internal/domain"
	"github.com/oddlot/parb/internal/ledger"
)

// Venue is the order API surface the engine trades through.
type Venue interface {
	PostOrder(ctx context.Context, order domain.Order) (domain.OrderResult, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	GetOpenOrders(ctx context.Context) ([]domain.Order, error)
}

// Signer produces the EIP-712 signature for an order payload.
type Signer interface {
	SignOrder(payload crypto.OrderPayload) (string, error)
}

// Stats are cumulative engine counters.
type Stats struct {
	Attempts  uint64
	Completed uint64
	OneSided  uint64
	Unwound   uint64
}

// Engine executes opportunities as paired buys. One execution per market is
// in flight at a time; concurrent attempts get ErrIntentInFlight so the
// analyzer can keep evaluating without queueing duplicates.
type Engine struct {
	venue   Venue
	signer  Signer
	wallet  string
	orders  domain.OrderStore
	trades  domain.TradeStore
	opps    domain.OpportunityStore
	bus     domain.SignalBus
	limiter domain.RateLimiter
	locks   domain.LockManager
	ledger  *ledger.Ledger
	cfg     config.ExecutionConfig
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}

	attempts  atomic.Uint64
	completed atomic.Uint64
	oneSided  atomic.Uint64
	unwound   atomic.Uint64
}

// New creates an Engine. limiter and locks may be nil, in which case venue
// rate limiting and cross-instance market locking are skipped.
func New(
	venue Venue,
	signer Signer,
	wallet string,
	orders domain.OrderStore,
	trades domain.TradeStore,
	opps domain.OpportunityStore,
	bus domain.SignalBus,
	limiter domain.RateLimiter,
	locks domain.LockManager,
	led *ledger.Ledger,
	cfg config.ExecutionConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		venue:    venue,
		signer:   signer,
		wallet:   wallet,
		orders:   orders,
		trades:   trades,
		opps:     opps,
		bus:      bus,
		limiter:  limiter,
		locks:    locks,
		ledger:   led,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "engine")),
		now:      time.Now,
		inFlight: make(map[string]struct{}),
	}
}

// Headroom reports the remaining USD capacity for a market. The analyzer uses
// it to size opportunities before handing them over.
func (e *Engine) Headroom(marketID string) float64 {
	return e.ledger.Headroom(marketID)
}

// Snapshot returns the cumulative counters.
func (e *Engine) Snapshot() Stats {
	return Stats{
		Attempts:  e.attempts.Load(),
		Completed: e.completed.Load(),
		OneSided:  e.oneSided.Load(),
		Unwound:   e.unwound.Load(),
	}
}

// Execute runs one paired execution for the opportunity. It returns
// ErrIntentInFlight when the market already has an execution running,
// ErrExposureLimit when the ledger cannot commit the notional, and
// ErrRateLimited when the venue order budget is exhausted.
func (e *Engine) Execute(ctx context.Context, opp domain.Opportunity) error {
	if !e.acquireMarket(opp.MarketID) {
		return domain.ErrIntentInFlight
	}
	defer e.releaseMarket(opp.MarketID)

	if e.locks != nil {
		unlock, err := e.locks.Acquire(ctx, "exec:"+opp.MarketID, 3*e.cfg.FillTimeout.Duration)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return domain.ErrIntentInFlight
			}
			return fmt.Errorf("engine: acquire market lock: %w", err)
		}
		defer unlock()
	}

	if e.limiter != nil {
		// Two legs per attempt.
		ok, err := e.limiter.Allow(ctx, "orders", e.cfg.OrderRateLimit, time.Second)
		if err != nil {
			// A broken limiter must not halt trading; the venue enforces
			// its own limit as the backstop.
			e.logger.WarnContext(ctx, "rate limiter unavailable, proceeding",
				slog.String("error", err.Error()))
		} else if !ok {
			return domain.ErrRateLimited
		}
	}

	notional := opp.Size * opp.CombinedCost
	if err := e.ledger.Reserve(opp.MarketID, notional); err != nil {
		return err
	}

	e.attempts.Add(1)
	yes, no := pairIntents(opp, e.cfg.FillTimeout.Duration, e.now())

	log := e.logger.With(
		slog.String("trade_id", yes.TradeID),
		slog.String("market", opp.MarketID),
	)
	log.InfoContext(ctx, "executing pair",
		slog.Float64("yes_ask", opp.YesAsk),
		slog.Float64("no_ask", opp.NoAsk),
		slog.Float64("size", opp.Size),
		slog.Float64("notional", notional),
		slog.Bool("dry_run", e.cfg.DryRun),
	)

	if e.cfg.DryRun {
		return e.runDry(ctx, opp, yes, no, notional, log)
	}
	return e.runLive(ctx, opp, yes, no, notional, log)
}

// runDry records the trade that would have happened and releases the
// reservation, so long scan sessions do not saturate the exposure caps.
func (e *Engine) runDry(ctx context.Context, opp domain.Opportunity, yes, no domain.OrderIntent, notional float64, log *slog.Logger) error {
	defer e.ledger.Release(opp.MarketID, notional)

	started := e.now().UTC()
	if err := e.opps.MarkExecuted(ctx, opp.ID); err != nil {
		log.WarnContext(ctx, "mark executed failed", slog.String("error", err.Error()))
	}
	rec := domain.TradeRecord{
		TradeID:       yes.TradeID,
		OpportunityID: opp.ID,
		MarketID:      opp.MarketID,
		YesStatus:     domain.OrderStatusFilled,
		NoStatus:      domain.OrderStatusFilled,
		YesFilled:     yes.Size(),
		NoFilled:      no.Size(),
		Notional:      notional,
		ExpectedPnL:   opp.ProfitMargin * opp.Size,
		DryRun:        true,
		StartedAt:     started,
		CompletedAt:   e.now().UTC(),
	}
	if err := e.trades.Insert(ctx, rec); err != nil {
		log.WarnContext(ctx, "trade record failed", slog.String("error", err.Error()))
	}
	e.publishTrade(ctx, domain.TradeEvent{
		Event:     domain.EventOrderTerminal,
		TradeID:   yes.TradeID,
		MarketID:  opp.MarketID,
		Status:    string(domain.OrderStatusFilled),
		Size:      opp.Size,
		DryRun:    true,
		Timestamp: e.now().UTC(),
	})
	e.completed.Add(1)
	log.InfoContext(ctx, "dry run pair recorded",
		slog.Float64("expected_pnl", rec.ExpectedPnL))
	return nil
}

// Reconcile clears venue state left over from a previous run. The engine
// babysits every leg it submits, so any working order found at startup is a
// stray: everything open at the venue is cancelled and every stored
// non-terminal leg is resolved against the venue's view.
func (e *Engine) Reconcile(ctx context.Context) error {
	open, err := e.venue.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("engine: reconcile: list open orders: %w", err)
	}
	stored, err := e.orders.ListNonTerminal(ctx, e.wallet)
	if err != nil {
		return fmt.Errorf("engine: reconcile: list stored orders: %w", err)
	}
	if len(open) == 0 && len(stored) == 0 {
		return nil
	}

	if len(open) > 0 {
		if err := e.venue.CancelAll(ctx); err != nil {
			return fmt.Errorf("engine: reconcile: cancel all: %w", err)
		}
	}

	openByVenueID := make(map[string]domain.Order, len(open))
	for _, o := range open {
		openByVenueID[o.VenueID] = o
	}

	for _, o := range stored {
		status := domain.OrderStatusCancelled
		filled := o.FilledSize
		if v, ok := openByVenueID[o.VenueID]; ok {
			filled = v.FilledSize
		} else if o.VenueID != "" {
			// Not open at the venue anymore; ask for its final state.
			if v, err := e.venue.GetOrder(ctx, o.VenueID); err == nil && v.Status.IsTerminal() {
				status, filled = v.Status, v.FilledSize
			}
		}
		if !domain.CanTransition(o.Status, status) {
			continue
		}
		if err := e.orders.UpdateStatus(ctx, o.ID, status, filled); err != nil {
			e.logger.WarnContext(ctx, "reconcile update failed",
				slog.String("order_id", o.ID),
				slog.String("error", err.Error()))
		}
	}

	e.logger.InfoContext(ctx, "reconciled startup state",
		slog.Int("venue_open", len(open)),
		slog.Int("stored_non_terminal", len(stored)))
	return nil
}

// MarketResolved reports whether a market's outcome has resolved. The Gamma
// catalog client backs it in production.
type MarketResolved func(ctx context.Context, marketID string) (bool, error)

// RunRedemption periodically frees capital held by filled positions in
// markets that have since resolved. Resolved pairs pay out on redemption, so
// leaving them on the exposure book would ratchet the aggregate up until the
// cap blocked every new signal. It returns when ctx is cancelled.
func (e *Engine) RunRedemption(ctx context.Context, resolved MarketResolved, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.redeemResolved(ctx, resolved)
		}
	}
}

func (e *Engine) redeemResolved(ctx context.Context, resolved MarketResolved) {
	for marketID := range e.ledger.Positions() {
		closed, err := resolved(ctx, marketID)
		if err != nil {
			e.logger.DebugContext(ctx, "resolution check failed",
				slog.String("market", marketID),
				slog.String("error", err.Error()))
			continue
		}
		if !closed {
			continue
		}
		freed := e.ledger.Settle(marketID)
		if freed <= 0 {
			continue
		}
		e.logger.InfoContext(ctx, "redeemed resolved position",
			slog.String("market", marketID),
			slog.Float64("freed_usd", freed))
	}
}

func (e *Engine) acquireMarket(marketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[marketID]; busy {
		return false
	}
	e.inFlight[marketID] = struct{}{}
	return true
}

func (e *Engine) releaseMarket(marketID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, marketID)
}

// publishTrade is fire and forget: a dead bus never blocks an execution.
func (e *Engine) publishTrade(ctx context.Context, ev domain.TradeEvent) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelTrades, payload); err != nil {
		e.logger.DebugContext(ctx, "trade event publish failed",
			slog.String("event", ev.Event),
			slog.String("error", err.Error()))
	}
}
