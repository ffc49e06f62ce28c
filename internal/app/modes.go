package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oddlot/parb/internal/analyzer"
	"github.com/oddlot/parb/internal/book"
	"github.com/oddlot/parb/internal/catalog"
	"github.com/oddlot/parb/internal/domain"
	"github.com/oddlot/parb/internal/engine"
	"github.com/oddlot/parb/internal/feed"
	"github.com/oddlot/parb/internal/ledger"
	"github.com/oddlot/parb/internal/notify"
)

// statsInterval is the cadence of the periodic runtime counter log line.
const statsInterval = time.Minute

// TradeMode runs the full path: stream feed, catalog, analyzer, and the
// paired execution engine.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.Bool("dry_run", a.cfg.Execution.DryRun),
	)

	led := ledger.New(a.cfg.Arbitrage.MaxMarketExposure, a.cfg.Arbitrage.MaxTotalExposure)
	eng := engine.New(
		deps.Clob, deps.Signer, deps.Wallet,
		deps.Orders, deps.Trades, deps.Opportunities,
		deps.SignalBus, deps.RateLimiter, deps.LockManager,
		led, a.cfg.Execution, a.logger,
	)

	// Orders this process no longer tracks must not rest on the venue.
	if !a.cfg.Execution.DryRun {
		if err := eng.Reconcile(ctx); err != nil {
			a.logger.WarnContext(ctx, "startup reconcile failed",
				slog.String("error", err.Error()),
			)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	anl := a.startScanner(ctx, g, deps, eng, eng.Headroom)

	g.Go(func() error {
		return a.statsLoop(ctx, anl, eng, led)
	})

	// Filled pairs pay out once their market resolves; sweep them off the
	// exposure book so the caps track live risk, not settled history.
	if !a.cfg.Execution.DryRun {
		resolved := func(ctx context.Context, marketID string) (bool, error) {
			res, err := deps.Gamma.GetMarketResolution(ctx, marketID)
			return res.Closed, err
		}
		g.Go(func() error {
			return eng.RunRedemption(ctx, resolved, a.cfg.Execution.RedemptionInterval.Duration)
		})
	}

	return g.Wait()
}

// ScanMode detects and alerts without ever touching the order API.
func (a *App) ScanMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting scan mode")

	g, ctx := errgroup.WithContext(ctx)
	anl := a.startScanner(ctx, g, deps, nil, nil)

	g.Go(func() error {
		return a.statsLoop(ctx, anl, nil, nil)
	})

	return g.Wait()
}

// MonitorMode consumes bus events only: it alerts on them when channels are
// configured and logs them either way. Useful for watching a trading
// instance from a second process.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	if deps.Notifier.Active() {
		listener := notify.NewListener(deps.SignalBus, deps.Notifier, a.logger)
		g.Go(func() error {
			return listener.Run(ctx)
		})
	}

	for _, channel := range []string{domain.ChannelOpportunities, domain.ChannelTrades} {
		g.Go(func() error {
			return a.logChannel(ctx, deps.SignalBus, channel)
		})
	}

	return g.Wait()
}

// startScanner composes the detection path shared by trade and scan modes:
// book cache, stream feed, catalog, analyzer, and the optional alert
// listener and history exporter. It returns the analyzer for stats.
func (a *App) startScanner(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	sink analyzer.Sink,
	headroom func(marketID string) float64,
) *analyzer.Analyzer {
	books := book.NewCache(a.cfg.Scanner.Connections)

	anl := analyzer.New(
		books, deps.MarketCache, deps.Opportunities, deps.SignalBus,
		sink, headroom,
		a.cfg.Arbitrage, a.cfg.Scanner.MaxBookStale.Duration, a.logger,
	)

	mgr := feed.NewManager(
		feed.DialPolymarket(a.cfg.Polymarket.WsHost),
		books,
		a.cfg.Scanner.Connections, a.cfg.Scanner.MaxTokensPerConn,
		anl.HandleUpdate,
		a.logger,
	)

	cat := catalog.NewService(
		deps.Gamma, deps.Markets, deps.MarketCache, mgr,
		a.cfg.Scanner, a.logger,
	)

	g.Go(func() error {
		return cat.Run(ctx)
	})
	g.Go(func() error {
		return mgr.Run(ctx)
	})

	if deps.Notifier.Active() {
		listener := notify.NewListener(deps.SignalBus, deps.Notifier, a.logger)
		g.Go(func() error {
			return listener.Run(ctx)
		})
	}

	if deps.Exporter != nil {
		g.Go(func() error {
			return deps.Exporter.Run(ctx)
		})
	}

	return anl
}

// statsLoop logs runtime counters once a minute. eng and led are nil in scan
// mode.
func (a *App) statsLoop(ctx context.Context, anl *analyzer.Analyzer, eng *engine.Engine, led *ledger.Ledger) error {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			as := anl.Snapshot()
			attrs := []any{
				slog.Uint64("evaluations", as.Evaluations),
				slog.Uint64("opportunities", as.Opportunities),
				slog.Uint64("dispatched", as.Dispatched),
			}
			if eng != nil {
				es := eng.Snapshot()
				attrs = append(attrs,
					slog.Uint64("trades_completed", es.Completed),
					slog.Uint64("trades_one_sided", es.OneSided),
					slog.Uint64("trades_unwound", es.Unwound),
				)
			}
			if led != nil {
				attrs = append(attrs, slog.Float64("exposure_usd", led.Snapshot().Aggregate))
			}
			a.logger.InfoContext(ctx, "runtime stats", attrs...)
		}
	}
}

// logChannel echoes raw bus events into the log for monitor mode.
func (a *App) logChannel(ctx context.Context, bus domain.SignalBus, channel string) error {
	ch, err := bus.Subscribe(ctx, channel)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			a.logger.InfoContext(ctx, "bus event",
				slog.String("channel", channel),
				slog.String("payload", string(payload)),
			)
		}
	}
}
