package catalog

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/oddlot/parb/internal/config"
	"github.com/oddlot/parb/internal/domain"
)

type fakeLister struct {
	markets []domain.Market
	err     error
}

func (f *fakeLister) GetActiveMarkets(ctx context.Context, maxMarkets int) ([]domain.Market, error) {
	return f.markets, f.err
}

type fakeStore struct {
	mu       sync.Mutex
	upserted []domain.Market
}

func (f *fakeStore) Upsert(ctx context.Context, m domain.Market) error { return nil }
func (f *fakeStore) UpsertBatch(ctx context.Context, ms []domain.Market) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserted = append(f.upserted, ms...)
	return nil
}
func (f *fakeStore) GetByID(ctx context.Context, id string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}
func (f *fakeStore) GetByTokenID(ctx context.Context, tokenID string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}
func (f *fakeStore) ListTradable(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	return nil, nil
}
func (f *fakeStore) Count(ctx context.Context) (int64, error) { return 0, nil }

type fakeCache struct {
	mu  sync.Mutex
	set map[string]domain.Market
}

func newFakeCache() *fakeCache { return &fakeCache{set: make(map[string]domain.Market)} }

func (f *fakeCache) Set(ctx context.Context, m domain.Market) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set[m.ID] = m
	return nil
}
func (f *fakeCache) Get(ctx context.Context, id string) (domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.set[id]; ok {
		return m, nil
	}
	return domain.Market{}, domain.ErrNotFound
}
func (f *fakeCache) GetByToken(ctx context.Context, tokenID string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}
func (f *fakeCache) Invalidate(ctx context.Context, id string) error { return nil }

type fakeFeed struct {
	mu           sync.Mutex
	capacity     int
	subscribed   []string
	unsubscribed []string
}

func (f *fakeFeed) Subscribe(ctx context.Context, tokens []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, tokens...)
	return nil
}
func (f *fakeFeed) Unsubscribe(ctx context.Context, tokens []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, tokens...)
	return nil
}
func (f *fakeFeed) Capacity() int { return f.capacity }

func scannerCfg() config.ScannerConfig {
	cfg := config.Defaults().Scanner
	cfg.MinLiquidityUSD = 10_000
	cfg.MinDaysToResolve = 0
	cfg.MaxDaysToResolve = 7
	return cfg
}

func mkMarket(id string, liquidity float64, resolvesIn time.Duration, now time.Time) domain.Market {
	at := now.Add(resolvesIn)
	return domain.Market{
		ID:         id,
		Question:   "q-" + id,
		YesTokenID: id + "-yes",
		NoTokenID:  id + "-no",
		Liquidity:  liquidity,
		Status:     domain.MarketStatusActive,
		ResolvesAt: &at,
	}
}

func newTestService(lister *fakeLister, feed *fakeFeed) (*Service, *fakeStore, *fakeCache) {
	store := &fakeStore{}
	cache := newFakeCache()
	svc := NewService(lister, store, cache, feed, scannerCfg(), slog.New(slog.DiscardHandler))
	return svc, store, cache
}

func TestRefreshSelectsEligibleMarkets(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{markets: []domain.Market{
		mkMarket("deep", 50_000, 3*24*time.Hour, now),
		mkMarket("thin", 500, 3*24*time.Hour, now),    // below liquidity floor
		mkMarket("far", 50_000, 30*24*time.Hour, now), // resolves too late
		mkMarket("soon", 20_000, 12*time.Hour, now),   // inside the window
	}}
	feed := &fakeFeed{capacity: 100}
	svc, store, cache := newTestService(lister, feed)
	svc.now = func() time.Time { return now }

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	sel := svc.Selected()
	if len(sel) != 2 {
		t.Fatalf("selected %d markets, want 2 (deep, soon)", len(sel))
	}
	ids := []string{sel[0].ID, sel[1].ID}
	sort.Strings(ids)
	if ids[0] != "deep" || ids[1] != "soon" {
		t.Errorf("selected = %v", ids)
	}

	// All fetched markets persist, with eligibility flags set.
	if len(store.upserted) != 4 {
		t.Errorf("upserted %d markets, want 4", len(store.upserted))
	}
	for _, m := range store.upserted {
		switch m.ID {
		case "thin":
			if m.MeetsLiquidityFloor {
				t.Error("thin market should fail the liquidity floor")
			}
		case "far":
			if m.InResolutionWindow {
				t.Error("far market should fail the resolution window")
			}
		}
	}

	// Both tokens of each selected market get subscribed; only selected
	// markets are cached.
	if len(feed.subscribed) != 4 {
		t.Errorf("subscribed %d tokens, want 4", len(feed.subscribed))
	}
	if _, err := cache.Get(context.Background(), "deep"); err != nil {
		t.Error("selected market missing from cache")
	}
	if _, err := cache.Get(context.Background(), "thin"); err == nil {
		t.Error("ineligible market should not be cached")
	}
}

func TestRefreshCapsSelectionToPoolCapacity(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{markets: []domain.Market{
		mkMarket("a", 90_000, 24*time.Hour, now),
		mkMarket("b", 80_000, 24*time.Hour, now),
		mkMarket("c", 70_000, 24*time.Hour, now),
	}}
	// Capacity 4 tokens = 2 markets.
	feed := &fakeFeed{capacity: 4}
	svc, _, _ := newTestService(lister, feed)
	svc.now = func() time.Time { return now }

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	sel := svc.Selected()
	if len(sel) != 2 {
		t.Fatalf("selected %d markets, want 2", len(sel))
	}
	// The two deepest books win.
	for _, m := range sel {
		if m.ID == "c" {
			t.Error("shallowest market should have been cut")
		}
	}
}

func TestRefreshDiffsSubscriptions(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{markets: []domain.Market{
		mkMarket("a", 90_000, 24*time.Hour, now),
		mkMarket("b", 80_000, 24*time.Hour, now),
	}}
	feed := &fakeFeed{capacity: 100}
	svc, _, _ := newTestService(lister, feed)
	svc.now = func() time.Time { return now }

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Second refresh: "b" dropped out, "c" appeared.
	lister.markets = []domain.Market{
		mkMarket("a", 90_000, 24*time.Hour, now),
		mkMarket("c", 85_000, 24*time.Hour, now),
	}
	feed.mu.Lock()
	feed.subscribed = nil
	feed.mu.Unlock()

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	feed.mu.Lock()
	defer feed.mu.Unlock()
	sort.Strings(feed.subscribed)
	sort.Strings(feed.unsubscribed)
	if len(feed.subscribed) != 2 || feed.subscribed[0] != "c-no" || feed.subscribed[1] != "c-yes" {
		t.Errorf("subscribed = %v, want c's tokens only", feed.subscribed)
	}
	if len(feed.unsubscribed) != 2 || feed.unsubscribed[0] != "b-no" || feed.unsubscribed[1] != "b-yes" {
		t.Errorf("unsubscribed = %v, want b's tokens", feed.unsubscribed)
	}
}

func TestMarketsMissingResolutionDateAreIneligible(t *testing.T) {
	now := time.Now()
	m := mkMarket("x", 50_000, 24*time.Hour, now)
	m.ResolvesAt = nil
	lister := &fakeLister{markets: []domain.Market{m}}
	feed := &fakeFeed{capacity: 100}
	svc, _, _ := newTestService(lister, feed)
	svc.now = func() time.Time { return now }

	if err := svc.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(svc.Selected()) != 0 {
		t.Error("market without a resolution date must not be selected")
	}
}
