package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/oddlot/parb/internal/domain"
)

// Listener tails the signal bus and turns opportunity and trade events into
// operator alerts. One-sided exposure bypasses the event filter: that alert
// means unhedged inventory and must always reach someone.
type Listener struct {
	bus      domain.SignalBus
	notifier *Notifier
	logger   *slog.Logger
}

// NewListener creates a Listener over the given bus and notifier.
func NewListener(bus domain.SignalBus, notifier *Notifier, logger *slog.Logger) *Listener {
	return &Listener{
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "notify_listener")),
	}
}

// Run subscribes to both event channels and blocks until the context is
// cancelled.
func (l *Listener) Run(ctx context.Context) error {
	oppCh, err := l.bus.Subscribe(ctx, domain.ChannelOpportunities)
	if err != nil {
		return fmt.Errorf("notify: subscribe opportunities: %w", err)
	}
	tradeCh, err := l.bus.Subscribe(ctx, domain.ChannelTrades)
	if err != nil {
		return fmt.Errorf("notify: subscribe trades: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.consumeOpportunities(gctx, oppCh) })
	g.Go(func() error { return l.consumeTrades(gctx, tradeCh) })
	return g.Wait()
}

func (l *Listener) consumeOpportunities(ctx context.Context, ch <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.OpportunityEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				l.logger.WarnContext(ctx, "bad opportunity event", slog.String("error", err.Error()))
				continue
			}
			l.handleOpportunity(ctx, ev)
		}
	}
}

func (l *Listener) consumeTrades(ctx context.Context, ch <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.TradeEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				l.logger.WarnContext(ctx, "bad trade event", slog.String("error", err.Error()))
				continue
			}
			l.handleTrade(ctx, ev)
		}
	}
}

func (l *Listener) handleOpportunity(ctx context.Context, ev domain.OpportunityEvent) {
	switch ev.Event {
	case domain.EventOpportunityDetected:
		msg := fmt.Sprintf("market %s\nYES %.3f + NO %.3f = %.3f (margin %.2f%%)\nsize %.1f",
			ev.MarketID, ev.YesAsk, ev.NoAsk, ev.CombinedCost, ev.ProfitMargin*100, ev.Size)
		_ = l.notifier.Notify(ctx, ev.Event, "Opportunity detected", msg)
	case domain.EventOpportunityClosed:
		msg := fmt.Sprintf("market %s\nwindow lasted %dms", ev.MarketID, ev.DurationMs)
		_ = l.notifier.Notify(ctx, ev.Event, "Opportunity closed", msg)
	}
}

func (l *Listener) handleTrade(ctx context.Context, ev domain.TradeEvent) {
	switch ev.Event {
	case domain.EventOneSidedExposure:
		msg := fmt.Sprintf("trade %s on market %s\nunmatched size %.2f\nmanual intervention may be required",
			ev.TradeID, ev.MarketID, ev.FilledSize)
		_ = l.notifier.NotifyAll(ctx, "ONE-SIDED EXPOSURE", msg)
	case domain.EventOrderSubmitted:
		msg := fmt.Sprintf("trade %s %s leg\n%.1f @ %.3f on %s",
			ev.TradeID, ev.Outcome, ev.Size, ev.Price, ev.MarketID)
		_ = l.notifier.Notify(ctx, ev.Event, "Order submitted", msg)
	case domain.EventOrderTerminal:
		title := fmt.Sprintf("Order %s", ev.Status)
		if ev.DryRun {
			title = "Dry-run pair"
		}
		msg := fmt.Sprintf("trade %s %s leg\nfilled %.2f of %.2f on %s",
			ev.TradeID, ev.Outcome, ev.FilledSize, ev.Size, ev.MarketID)
		_ = l.notifier.Notify(ctx, ev.Event, title, msg)
	}
}
