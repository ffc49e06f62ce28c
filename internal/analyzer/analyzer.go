// Package analyzer evaluates paired orderbooks for riskless mispricings and
// hands qualifying opportunities to the execution engine.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/oddlot/parb/internal/book"
	"github.com/oddlot/parb/internal/config"
	"github.com/oddlot/parb/internal/domain"
)

// Sink accepts opportunities for execution. Execute returns
// domain.ErrIntentInFlight when the market already has a live paired trade and
// domain.ErrExposureLimit when the risk gate refuses the size.
type Sink interface {
	Execute(ctx context.Context, opp domain.Opportunity) error
}

// Stats are monotonic counters exposed for the monitor mode.
type Stats struct {
	Evaluations   uint64
	Opportunities uint64
	Dispatched    uint64
}

// Analyzer recomputes the arbitrage condition for a market every time one of
// its two books changes. Detection state (first-seen times) lives here so
// opportunity durations can be measured from first sighting to close.
type Analyzer struct {
	books    *book.Cache
	markets  domain.MarketCache
	opps     domain.OpportunityStore
	bus      domain.SignalBus
	sink     Sink
	headroom func(marketID string) float64
	cfg      config.ArbitrageConfig
	maxStale time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	open map[string]openOpp // market ID -> first sighting

	evaluations   atomic.Uint64
	opportunities atomic.Uint64
	dispatched    atomic.Uint64
}

// openOpp tracks a detected-but-not-yet-closed mispricing.
type openOpp struct {
	id        string
	firstSeen time.Time
}

// New creates an Analyzer. headroom reports the remaining USD capacity for a
// market (the exposure ledger's view); pass nil to disable the gate.
func New(
	books *book.Cache,
	markets domain.MarketCache,
	opps domain.OpportunityStore,
	bus domain.SignalBus,
	sink Sink,
	headroom func(marketID string) float64,
	cfg config.ArbitrageConfig,
	maxStale time.Duration,
	logger *slog.Logger,
) *Analyzer {
	return &Analyzer{
		books:    books,
		markets:  markets,
		opps:     opps,
		bus:      bus,
		sink:     sink,
		headroom: headroom,
		cfg:      cfg,
		maxStale: maxStale,
		logger:   logger.With(slog.String("component", "analyzer")),
		now:      time.Now,
		open:     make(map[string]openOpp),
	}
}

// HandleUpdate is the stream manager's update callback: tokenID's book just
// changed, so re-evaluate its market.
func (a *Analyzer) HandleUpdate(ctx context.Context, tokenID string) {
	a.evaluations.Add(1)

	market, err := a.markets.GetByToken(ctx, tokenID)
	if err != nil {
		return // token not part of the current selection
	}

	opp, ok := a.evaluate(market)
	if !ok {
		a.closeIfOpen(ctx, market.ID)
		return
	}

	first := a.noteDetected(ctx, market.ID, &opp)

	if first {
		a.opportunities.Add(1)
		if err := a.opps.Insert(ctx, opp); err != nil {
			a.logger.WarnContext(ctx, "opportunity insert failed",
				slog.String("opportunity_id", opp.ID),
				slog.String("error", err.Error()),
			)
		}
		a.publish(ctx, domain.EventOpportunityDetected, opp)
		a.logger.InfoContext(ctx, "opportunity detected",
			slog.String("market_id", opp.MarketID),
			slog.Float64("combined_cost", opp.CombinedCost),
			slog.Float64("profit_margin", opp.ProfitMargin),
			slog.Float64("size", opp.Size),
		)
	}

	if a.sink == nil {
		return
	}
	err = a.sink.Execute(ctx, opp)
	switch {
	case err == nil:
		a.dispatched.Add(1)
	case errors.Is(err, domain.ErrIntentInFlight):
		// The engine is already working this market; the next evaluation
		// after it settles will re-detect if the edge survives.
	case errors.Is(err, domain.ErrExposureLimit):
		a.logger.DebugContext(ctx, "opportunity blocked by exposure cap",
			slog.String("market_id", opp.MarketID),
		)
	default:
		a.logger.WarnContext(ctx, "execute failed",
			slog.String("market_id", opp.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

// evaluate applies the pricing test to the market's current books. The
// returned opportunity has no ID or FirstSeen; noteDetected fills those.
func (a *Analyzer) evaluate(m domain.Market) (domain.Opportunity, bool) {
	now := a.now()

	// Both books must be live within the freshness bound; a stale side
	// means no decision at all.
	if !a.books.Fresh(m.YesTokenID, a.maxStale, now) || !a.books.Fresh(m.NoTokenID, a.maxStale, now) {
		return domain.Opportunity{}, false
	}

	yesAsk, _, ok := a.books.BestAsk(m.YesTokenID)
	if !ok {
		return domain.Opportunity{}, false
	}
	noAsk, _, ok := a.books.BestAsk(m.NoTokenID)
	if !ok {
		return domain.Opportunity{}, false
	}

	combined := yesAsk + noAsk
	threshold := 1 - a.cfg.FeeMargin - a.cfg.MinProfitThreshold
	if combined >= threshold {
		return domain.Opportunity{}, false
	}

	// Matched-depth sizing: both legs must fill at their quoted asks, so
	// size is bounded by the thinner side, the position cap, and the
	// exposure headroom.
	yesDepth := a.books.AskDepthAtOrBelow(m.YesTokenID, yesAsk)
	noDepth := a.books.AskDepthAtOrBelow(m.NoTokenID, noAsk)
	size := yesDepth
	if noDepth < size {
		size = noDepth
	}
	if limit := a.cfg.MaxPositionUSD / combined; limit < size {
		size = limit
	}
	if a.headroom != nil {
		if limit := a.headroom(m.ID) / combined; limit < size {
			size = limit
		}
	}
	if size < a.cfg.MinTradableSize {
		return domain.Opportunity{}, false
	}

	return domain.Opportunity{
		MarketID:     m.ID,
		YesTokenID:   m.YesTokenID,
		NoTokenID:    m.NoTokenID,
		YesAsk:       yesAsk,
		NoAsk:        noAsk,
		CombinedCost: combined,
		ProfitMargin: 1 - combined - a.cfg.FeeMargin,
		Size:         size,
		YesDepth:     yesDepth,
		NoDepth:      noDepth,
		DetectedAt:   now,
	}, true
}

// noteDetected assigns identity and first-seen time, reporting whether this
// is a new sighting for the market.
func (a *Analyzer) noteDetected(ctx context.Context, marketID string, opp *domain.Opportunity) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if cur, ok := a.open[marketID]; ok {
		opp.ID = cur.id
		opp.FirstSeen = cur.firstSeen
		return false
	}
	opp.ID = uuid.NewString()
	opp.FirstSeen = opp.DetectedAt
	a.open[marketID] = openOpp{id: opp.ID, firstSeen: opp.FirstSeen}
	return true
}

// closeIfOpen records the end of a mispricing window and its duration.
func (a *Analyzer) closeIfOpen(ctx context.Context, marketID string) {
	a.mu.Lock()
	cur, ok := a.open[marketID]
	if ok {
		delete(a.open, marketID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	dur := a.now().Sub(cur.firstSeen)
	if err := a.opps.SetDuration(ctx, cur.id, dur); err != nil {
		a.logger.WarnContext(ctx, "opportunity duration update failed",
			slog.String("opportunity_id", cur.id),
			slog.String("error", err.Error()),
		)
	}
	a.publish(ctx, domain.EventOpportunityClosed, domain.Opportunity{
		ID:        cur.id,
		MarketID:  marketID,
		FirstSeen: cur.firstSeen,
	})
	a.logger.InfoContext(ctx, "opportunity closed",
		slog.String("market_id", marketID),
		slog.Duration("duration", dur),
	)
}

// publish sends an opportunity event to the signal bus; bus errors are logged
// and dropped, detection never blocks on delivery.
func (a *Analyzer) publish(ctx context.Context, event string, opp domain.Opportunity) {
	if a.bus == nil {
		return
	}
	now := a.now().UTC()
	ev := domain.OpportunityEvent{
		Event:         event,
		OpportunityID: opp.ID,
		MarketID:      opp.MarketID,
		YesAsk:        opp.YesAsk,
		NoAsk:         opp.NoAsk,
		CombinedCost:  opp.CombinedCost,
		ProfitMargin:  opp.ProfitMargin,
		Size:          opp.Size,
		Timestamp:     now,
	}
	if event == domain.EventOpportunityClosed && !opp.FirstSeen.IsZero() {
		ev.DurationMs = now.Sub(opp.FirstSeen).Milliseconds()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := a.bus.Publish(ctx, domain.ChannelOpportunities, payload); err != nil {
		a.logger.DebugContext(ctx, "bus publish failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Snapshot returns the counters.
func (a *Analyzer) Snapshot() Stats {
	return Stats{
		Evaluations:   a.evaluations.Load(),
		Opportunities: a.opportunities.Load(),
		Dispatched:    a.dispatched.Load(),
	}
}
