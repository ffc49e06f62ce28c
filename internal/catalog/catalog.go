// Package catalog discovers tradable markets and keeps the stream
// subscriptions aligned with the current selection.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oddlot/parb/internal/config"
	"github.com/oddlot/parb/internal/domain"
)

// Lister fetches the venue's active market list.
type Lister interface {
	GetActiveMarkets(ctx context.Context, maxMarkets int) ([]domain.Market, error)
}

// Subscriber is the stream manager surface the catalog drives.
type Subscriber interface {
	Subscribe(ctx context.Context, tokens []string) error
	Unsubscribe(ctx context.Context, tokens []string) error
	Capacity() int
}

// Service periodically refreshes the market catalog, applies the eligibility
// rules, persists metadata, and reconciles stream subscriptions with the
// selected set.
type Service struct {
	gamma   Lister
	markets domain.MarketStore
	cache   domain.MarketCache
	feed    Subscriber
	cfg     config.ScannerConfig
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	selected map[string]domain.Market // market ID -> market
}

// NewService creates a catalog service.
func NewService(
	gamma Lister,
	markets domain.MarketStore,
	cache domain.MarketCache,
	feed Subscriber,
	cfg config.ScannerConfig,
	logger *slog.Logger,
) *Service {
	return &Service{
		gamma:    gamma,
		markets:  markets,
		cache:    cache,
		feed:     feed,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "catalog")),
		now:      time.Now,
		selected: make(map[string]domain.Market),
	}
}

// Run performs an initial refresh and then refreshes on the configured
// interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		return fmt.Errorf("catalog: initial refresh: %w", err)
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				// A failed refresh keeps the previous selection trading.
				s.logger.WarnContext(ctx, "catalog refresh failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// Refresh fetches the catalog, recomputes eligibility, persists metadata, and
// reconciles the stream subscriptions.
func (s *Service) Refresh(ctx context.Context) error {
	// Fetch more than the pool holds so the liquidity cut has a margin.
	fetchCap := s.feed.Capacity()
	all, err := s.gamma.GetActiveMarkets(ctx, fetchCap)
	if err != nil {
		return fmt.Errorf("catalog: fetch markets: %w", err)
	}

	eligible := make([]domain.Market, 0, len(all))
	for i := range all {
		m := s.applyEligibility(all[i])
		all[i] = m
		if m.Tradable() {
			eligible = append(eligible, m)
		}
	}

	// Persist everything we saw, tradable or not, so history queries have
	// full metadata.
	if len(all) > 0 {
		if err := s.markets.UpsertBatch(ctx, all); err != nil {
			return fmt.Errorf("catalog: upsert markets: %w", err)
		}
	}

	// Deepest books first; the pool takes two tokens per market.
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Liquidity > eligible[j].Liquidity
	})
	maxMarkets := s.feed.Capacity() / 2
	if len(eligible) > maxMarkets {
		eligible = eligible[:maxMarkets]
	}

	next := make(map[string]domain.Market, len(eligible))
	for _, m := range eligible {
		next[m.ID] = m
		if err := s.cache.Set(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "market cache set failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	added, removed := s.swapSelection(next)

	if len(removed) > 0 {
		if err := s.feed.Unsubscribe(ctx, removed); err != nil {
			s.logger.WarnContext(ctx, "unsubscribe failed", slog.String("error", err.Error()))
		}
	}
	if len(added) > 0 {
		if err := s.feed.Subscribe(ctx, added); err != nil {
			return fmt.Errorf("catalog: subscribe new tokens: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "catalog refreshed",
		slog.Int("fetched", len(all)),
		slog.Int("selected", len(next)),
		slog.Int("tokens_added", len(added)),
		slog.Int("tokens_removed", len(removed)),
	)
	return nil
}

// Selected returns the current tradable selection.
func (s *Service) Selected() []domain.Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Market, 0, len(s.selected))
	for _, m := range s.selected {
		out = append(out, m)
	}
	return out
}

// SelectedTokens returns every subscribed token ID, two per market.
func (s *Service) SelectedTokens() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, 2*len(s.selected))
	for _, m := range s.selected {
		out = append(out, m.YesTokenID, m.NoTokenID)
	}
	return out
}

// applyEligibility computes the discovery-time flags.
func (s *Service) applyEligibility(m domain.Market) domain.Market {
	m.MeetsLiquidityFloor = m.Liquidity >= s.cfg.MinLiquidityUSD

	m.InResolutionWindow = false
	if m.ResolvesAt != nil {
		days := m.ResolvesAt.Sub(s.now()).Hours() / 24
		m.InResolutionWindow = days >= float64(s.cfg.MinDaysToResolve) &&
			days <= float64(s.cfg.MaxDaysToResolve)
	}
	return m
}

// swapSelection replaces the selection and returns the token diff.
func (s *Service) swapSelection(next map[string]domain.Market) (added, removed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range next {
		if _, ok := s.selected[id]; !ok {
			added = append(added, m.YesTokenID, m.NoTokenID)
		}
	}
	for id, m := range s.selected {
		if _, ok := next[id]; !ok {
			removed = append(removed, m.YesTokenID, m.NoTokenID)
		}
	}
	s.selected = next
	return added, removed
}
