package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oddlot/parb/internal/crypto"
	"github.com/oddlot/parb/internal/domain"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// fillDust is the smallest fill delta worth acting on.
const fillDust = 1e-6

// leg carries one order through sign, submit, and fill tracking. The embedded
// order is mutated in place as venue state comes back.
type leg struct {
	intent domain.OrderIntent
	order  domain.Order
}

// runLive signs and submits both legs, waits out the fill window, rescues a
// lone unfilled leg once, and settles the ledger against what actually filled.
func (e *Engine) runLive(ctx context.Context, opp domain.Opportunity, yes, no domain.OrderIntent, reserved float64, log *slog.Logger) error {
	started := e.now().UTC()
	legs := []*leg{{intent: yes}, {intent: no}}

	var g errgroup.Group
	for _, l := range legs {
		g.Go(func() error { return e.signLeg(l) })
	}
	if err := g.Wait(); err != nil {
		e.ledger.Release(opp.MarketID, reserved)
		return fmt.Errorf("engine: sign pair: %w", err)
	}

	for _, l := range legs {
		if err := e.orders.Create(ctx, l.order); err != nil {
			e.ledger.Release(opp.MarketID, reserved)
			return fmt.Errorf("engine: persist %s leg: %w", l.intent.Outcome, err)
		}
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var sg errgroup.Group
	for _, l := range legs {
		sg.Go(func() error {
			err := e.submitLeg(gctx, l)
			if err != nil {
				cancel()
			}
			return err
		})
	}
	if err := sg.Wait(); err != nil {
		// One leg may be working at the venue; pull it back before settling.
		e.unwind(ctx, opp, legs, reserved, started, log)
		return fmt.Errorf("engine: submit pair: %w", err)
	}

	if err := e.opps.MarkExecuted(ctx, opp.ID); err != nil {
		log.WarnContext(ctx, "mark executed failed", slog.String("error", err.Error()))
	}

	e.awaitFills(ctx, legs, e.now().Add(e.cfg.FillTimeout.Duration))

	if rescued := e.rescuePass(ctx, opp, legs, log); rescued != nil {
		legs = append(legs, rescued)
	}

	e.unwind(ctx, opp, legs, reserved, started, log)
	return nil
}

// unwind cancels whatever is still open and settles the trade. It runs on a
// detached context so a shutdown that interrupts the fill wait still pulls
// resting legs off the venue instead of abandoning them.
func (e *Engine) unwind(ctx context.Context, opp domain.Opportunity, legs []*leg, reserved float64, started time.Time, log *slog.Logger) {
	uctx, stop := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.FillTimeout.Duration)
	defer stop()
	e.cancelOpenLegs(uctx, legs)
	e.finalize(uctx, opp, legs, reserved, started, log)
}

// signLeg builds the signed payload for an intent and materializes the order.
func (e *Engine) signLeg(l *leg) error {
	maker, taker := orderAmounts(l.intent)
	payload := crypto.OrderPayload{
		Salt:          l.intent.Salt,
		Maker:         e.wallet,
		Signer:        e.wallet,
		Taker:         zeroAddress,
		TokenID:       l.intent.TokenID,
		MakerAmount:   maker.String(),
		TakerAmount:   taker.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          0,
		SignatureType: 0,
	}
	sig, err := e.signer.SignOrder(payload)
	if err != nil {
		return fmt.Errorf("sign %s leg: %w", l.intent.Outcome, err)
	}

	l.order = domain.Order{
		ID:          uuid.NewString(),
		TradeID:     l.intent.TradeID,
		MarketID:    l.intent.MarketID,
		TokenID:     l.intent.TokenID,
		Outcome:     l.intent.Outcome,
		Wallet:      e.wallet,
		Side:        l.intent.Side,
		Type:        domain.OrderTypeGTC,
		PriceTicks:  l.intent.PriceTicks,
		SizeUnits:   l.intent.SizeUnits,
		MakerAmount: maker,
		TakerAmount: taker,
		Status:      domain.OrderStatusPending,
		Salt:        l.intent.Salt,
		Signature:   sig,
		CreatedAt:   e.now().UTC(),
	}
	return nil
}

// submitLeg posts the order with a bounded retry budget. Auth and validation
// failures are not retried; everything else gets another attempt.
func (e *Engine) submitLeg(ctx context.Context, l *leg) error {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				e.applyStatus(ctx, l, domain.OrderStatusRejected, 0)
				return fmt.Errorf("submit %s leg: %w", l.intent.Outcome, ctx.Err())
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}

		res, err := e.venue.PostOrder(ctx, l.order)
		if err != nil {
			lastErr = err
			if isFatalSubmitErr(err) {
				break
			}
			continue
		}

		l.order.VenueID = res.VenueID
		if err := e.orders.SetVenueID(ctx, l.order.ID, res.VenueID); err != nil {
			e.logger.WarnContext(ctx, "store venue id failed",
				slog.String("order_id", l.order.ID),
				slog.String("error", err.Error()))
		}
		e.applyStatus(ctx, l, domain.OrderStatusSubmitted, res.FilledSize)
		e.publishTrade(ctx, domain.TradeEvent{
			Event:     domain.EventOrderSubmitted,
			TradeID:   l.order.TradeID,
			OrderID:   l.order.ID,
			MarketID:  l.order.MarketID,
			TokenID:   l.order.TokenID,
			Outcome:   l.order.Outcome,
			Status:    string(domain.OrderStatusSubmitted),
			Price:     l.order.Price(),
			Size:      l.order.Size(),
			Timestamp: e.now().UTC(),
		})
		return nil
	}

	e.applyStatus(ctx, l, domain.OrderStatusRejected, 0)
	return fmt.Errorf("submit %s leg: %w", l.intent.Outcome, lastErr)
}

func isFatalSubmitErr(err error) bool {
	return errors.Is(err, domain.ErrInvalidOrder) ||
		errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, context.Canceled)
}

// awaitFills polls the venue for every live leg until all legs are terminal
// or the deadline passes.
func (e *Engine) awaitFills(ctx context.Context, legs []*leg, deadline time.Time) {
	ticker := time.NewTicker(e.cfg.StatusInterval.Duration)
	defer ticker.Stop()

	for {
		if allTerminal(legs) || !e.now().Before(deadline) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, l := range legs {
			if l.order.Status.IsTerminal() || l.order.VenueID == "" {
				continue
			}
			v, err := e.venue.GetOrder(ctx, l.order.VenueID)
			if err != nil {
				e.logger.DebugContext(ctx, "order poll failed",
					slog.String("venue_id", l.order.VenueID),
					slog.String("error", err.Error()))
				continue
			}
			e.applyStatus(ctx, l, v.Status, v.FilledSize)
		}
	}
}

// rescuePass requotes the lone unfilled leg once, above its original limit,
// when the other leg has fully filled. It returns the rescue leg if one was
// submitted.
func (e *Engine) rescuePass(ctx context.Context, opp domain.Opportunity, legs []*leg, log *slog.Logger) *leg {
	if e.cfg.RescueMarkup <= 0 || len(legs) != 2 {
		return nil
	}

	var laggard *leg
	switch {
	case legs[0].order.Status == domain.OrderStatusFilled && legs[1].order.Status != domain.OrderStatusFilled:
		laggard = legs[1]
	case legs[1].order.Status == domain.OrderStatusFilled && legs[0].order.Status != domain.OrderStatusFilled:
		laggard = legs[0]
	default:
		return nil
	}

	remaining := laggard.intent.Size() - laggard.order.FilledSize
	if remaining < fillDust {
		return nil
	}

	e.cancelLeg(ctx, laggard)
	// The cancel may have raced a fill; re-check before chasing.
	remaining = laggard.intent.Size() - laggard.order.FilledSize
	if remaining < fillDust {
		return nil
	}

	intent := rescueIntent(laggard.intent, e.cfg.RescueMarkup, e.cfg.FillTimeout.Duration, e.now())
	intent.SizeUnits = toTicks(remaining)
	rescue := &leg{intent: intent}

	log.InfoContext(ctx, "rescuing unfilled leg",
		slog.String("outcome", intent.Outcome),
		slog.Float64("price", intent.Price()),
		slog.Float64("size", remaining))

	if err := e.signLeg(rescue); err != nil {
		log.WarnContext(ctx, "rescue sign failed", slog.String("error", err.Error()))
		return nil
	}
	if err := e.orders.Create(ctx, rescue.order); err != nil {
		log.WarnContext(ctx, "rescue persist failed", slog.String("error", err.Error()))
		return nil
	}
	if err := e.submitLeg(ctx, rescue); err != nil {
		log.WarnContext(ctx, "rescue submit failed", slog.String("error", err.Error()))
		return rescue
	}

	e.awaitFills(ctx, []*leg{rescue}, e.now().Add(e.cfg.FillTimeout.Duration))
	return rescue
}

// cancelOpenLegs pulls back every leg still working at the venue.
func (e *Engine) cancelOpenLegs(ctx context.Context, legs []*leg) {
	for _, l := range legs {
		e.cancelLeg(ctx, l)
	}
}

func (e *Engine) cancelLeg(ctx context.Context, l *leg) {
	if l.order.Status.IsTerminal() {
		return
	}
	if l.order.VenueID == "" {
		// Signed but never accepted by the venue.
		e.applyStatus(ctx, l, domain.OrderStatusRejected, 0)
		return
	}

	if err := e.venue.CancelOrder(ctx, l.order.VenueID); err != nil {
		e.logger.WarnContext(ctx, "cancel failed",
			slog.String("venue_id", l.order.VenueID),
			slog.String("error", err.Error()))
	}

	// The cancel races in-flight matches; the venue's final state wins.
	if v, err := e.venue.GetOrder(ctx, l.order.VenueID); err == nil && v.Status.IsTerminal() {
		e.applyStatus(ctx, l, v.Status, v.FilledSize)
		return
	}
	e.applyStatus(ctx, l, domain.OrderStatusCancelled, l.order.FilledSize)
}

// applyStatus advances a leg through the order state machine, persisting the
// move and emitting the terminal event. Illegal transitions are dropped, so a
// late poll result cannot resurrect a settled leg.
func (e *Engine) applyStatus(ctx context.Context, l *leg, to domain.OrderStatus, filled float64) {
	if filled < l.order.FilledSize {
		filled = l.order.FilledSize
	}

	if to == l.order.Status {
		if filled-l.order.FilledSize < fillDust {
			return
		}
		l.order.FilledSize = filled
		if err := e.orders.UpdateStatus(ctx, l.order.ID, to, filled); err != nil {
			e.logger.WarnContext(ctx, "order update failed",
				slog.String("order_id", l.order.ID),
				slog.String("error", err.Error()))
		}
		return
	}

	if !domain.CanTransition(l.order.Status, to) {
		e.logger.DebugContext(ctx, "transition rejected",
			slog.String("order_id", l.order.ID),
			slog.String("from", string(l.order.Status)),
			slog.String("to", string(to)))
		return
	}

	l.order.Status = to
	l.order.FilledSize = filled
	if err := e.orders.UpdateStatus(ctx, l.order.ID, to, filled); err != nil {
		e.logger.WarnContext(ctx, "order update failed",
			slog.String("order_id", l.order.ID),
			slog.String("error", err.Error()))
	}

	if to.IsTerminal() {
		e.publishTrade(ctx, domain.TradeEvent{
			Event:      domain.EventOrderTerminal,
			TradeID:    l.order.TradeID,
			OrderID:    l.order.ID,
			MarketID:   l.order.MarketID,
			TokenID:    l.order.TokenID,
			Outcome:    l.order.Outcome,
			Status:     string(to),
			Price:      l.order.Price(),
			Size:       l.order.Size(),
			FilledSize: filled,
			Timestamp:  e.now().UTC(),
		})
	}
}

// finalize settles the ledger against actual fills, records the trade, and
// raises the one-sided alert when the book ends up unbalanced.
func (e *Engine) finalize(ctx context.Context, opp domain.Opportunity, legs []*leg, reserved float64, started time.Time, log *slog.Logger) {
	var yesFilled, noFilled, filledNotional float64
	yesStatus, noStatus := domain.OrderStatusPending, domain.OrderStatusPending
	for _, l := range legs {
		filledNotional += l.order.FilledSize * l.order.Price()
		switch l.intent.Outcome {
		case "YES":
			yesFilled += l.order.FilledSize
			yesStatus = l.order.Status
		case "NO":
			noFilled += l.order.FilledSize
			noStatus = l.order.Status
		}
	}

	if filledNotional > 0 {
		e.ledger.Confirm(opp.MarketID, math.Min(filledNotional, reserved))
	}
	if rest := reserved - filledNotional; rest > 0 {
		e.ledger.Release(opp.MarketID, rest)
	}

	matched := math.Min(yesFilled, noFilled)
	oneSided := math.Abs(yesFilled-noFilled) > fillDust

	rec := domain.TradeRecord{
		TradeID:       legs[0].order.TradeID,
		OpportunityID: opp.ID,
		MarketID:      opp.MarketID,
		YesStatus:     yesStatus,
		NoStatus:      noStatus,
		YesFilled:     yesFilled,
		NoFilled:      noFilled,
		Notional:      filledNotional,
		ExpectedPnL:   opp.ProfitMargin * matched,
		OneSided:      oneSided,
		StartedAt:     started,
		CompletedAt:   e.now().UTC(),
	}
	if err := e.trades.Insert(ctx, rec); err != nil {
		log.WarnContext(ctx, "trade record failed", slog.String("error", err.Error()))
	}

	switch {
	case oneSided:
		e.oneSided.Add(1)
		e.publishTrade(ctx, domain.TradeEvent{
			Event:      domain.EventOneSidedExposure,
			TradeID:    rec.TradeID,
			MarketID:   opp.MarketID,
			FilledSize: math.Abs(yesFilled - noFilled),
			Timestamp:  e.now().UTC(),
		})
		log.WarnContext(ctx, "one sided exposure",
			slog.Float64("yes_filled", yesFilled),
			slog.Float64("no_filled", noFilled))
	case matched > 0:
		e.completed.Add(1)
		log.InfoContext(ctx, "pair completed",
			slog.Float64("matched_size", matched),
			slog.Float64("notional", filledNotional),
			slog.Float64("expected_pnl", rec.ExpectedPnL),
			slog.Duration("elapsed", rec.CompletedAt.Sub(started)))
	default:
		e.unwound.Add(1)
		log.InfoContext(ctx, "pair unwound with no fills")
	}
}

func allTerminal(legs []*leg) bool {
	for _, l := range legs {
		if !l.order.Status.IsTerminal() {
			return false
		}
	}
	return true
}
