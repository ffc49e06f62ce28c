package analyzer

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/oddlot/parb/internal/book"
	"github.com/oddlot/parb/internal/config"
	"github.com/oddlot/parb/internal/domain"

	"log/slog"
)

type fakeMarketCache struct {
	byToken map[string]domain.Market
}

func (f *fakeMarketCache) Set(ctx context.Context, m domain.Market) error { return nil }
func (f *fakeMarketCache) Get(ctx context.Context, id string) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}
func (f *fakeMarketCache) GetByToken(ctx context.Context, tokenID string) (domain.Market, error) {
	if m, ok := f.byToken[tokenID]; ok {
		return m, nil
	}
	return domain.Market{}, domain.ErrNotFound
}
func (f *fakeMarketCache) Invalidate(ctx context.Context, id string) error { return nil }

type fakeOppStore struct {
	mu        sync.Mutex
	inserted  []domain.Opportunity
	durations map[string]time.Duration
}

func newFakeOppStore() *fakeOppStore {
	return &fakeOppStore{durations: make(map[string]time.Duration)}
}

func (f *fakeOppStore) Insert(ctx context.Context, opp domain.Opportunity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, opp)
	return nil
}
func (f *fakeOppStore) MarkExecuted(ctx context.Context, id string) error { return nil }
func (f *fakeOppStore) SetDuration(ctx context.Context, id string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.durations[id] = d
	return nil
}
func (f *fakeOppStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	return nil, nil
}

type fakeSink struct {
	mu       sync.Mutex
	executed []domain.Opportunity
	err      error
}

func (f *fakeSink) Execute(ctx context.Context, opp domain.Opportunity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.executed = append(f.executed, opp)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

type fakeBus struct {
	mu     sync.Mutex
	events [][]byte
}

func (f *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, payload)
	return nil
}
func (f *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, nil
}

func arbCfg() config.ArbitrageConfig {
	return config.ArbitrageConfig{
		MinProfitThreshold: 0.005,
		FeeMargin:          0.01,
		MaxPositionUSD:     100,
		MinTradableSize:    5,
	}
}

const (
	yesTok = "tok-yes"
	noTok  = "tok-no"
)

func testMarket() domain.Market {
	return domain.Market{
		ID:         "mkt-1",
		YesTokenID: yesTok,
		NoTokenID:  noTok,
		Status:     domain.MarketStatusActive,
	}
}

func seedBooks(t *testing.T, books *book.Cache, yesAsk, noAsk, yesSize, noSize float64) {
	t.Helper()
	books.ApplySnapshot(domain.BookSnapshot{
		TokenID:   yesTok,
		Asks:      []domain.PriceLevel{{Price: yesAsk, Size: yesSize}},
		Bids:      []domain.PriceLevel{{Price: yesAsk - 0.02, Size: 10}},
		Sequence:  1,
		Timestamp: time.Now(),
	})
	books.ApplySnapshot(domain.BookSnapshot{
		TokenID:   noTok,
		Asks:      []domain.PriceLevel{{Price: noAsk, Size: noSize}},
		Bids:      []domain.PriceLevel{{Price: noAsk - 0.02, Size: 10}},
		Sequence:  1,
		Timestamp: time.Now(),
	})
}

func newTestAnalyzer(books *book.Cache, sink Sink, headroom func(string) float64) (*Analyzer, *fakeOppStore, *fakeBus) {
	opps := newFakeOppStore()
	bus := &fakeBus{}
	mc := &fakeMarketCache{byToken: map[string]domain.Market{
		yesTok: testMarket(),
		noTok:  testMarket(),
	}}
	a := New(books, mc, opps, bus, sink, headroom, arbCfg(), 10*time.Second, slog.New(slog.DiscardHandler))
	return a, opps, bus
}

func TestDetectsCanonicalMispricing(t *testing.T) {
	books := book.NewCache(4)
	// 0.48 + 0.49 = 0.97 < 1 - 0.01 - 0.005 = 0.985.
	seedBooks(t, books, 0.48, 0.49, 80, 120)
	sink := &fakeSink{}
	a, opps, _ := newTestAnalyzer(books, sink, nil)

	a.HandleUpdate(context.Background(), yesTok)

	if sink.count() != 1 {
		t.Fatalf("executed %d opportunities, want 1", sink.count())
	}
	opp := sink.executed[0]
	if math.Abs(opp.CombinedCost-0.97) > 1e-9 {
		t.Errorf("CombinedCost = %v, want 0.97", opp.CombinedCost)
	}
	if math.Abs(opp.ProfitMargin-0.02) > 1e-9 {
		t.Errorf("ProfitMargin = %v, want 0.02", opp.ProfitMargin)
	}
	// Matched depth: thinner side has 80.
	if opp.Size != 80 {
		t.Errorf("Size = %v, want 80", opp.Size)
	}
	if len(opps.inserted) != 1 {
		t.Errorf("inserted %d opportunities, want 1", len(opps.inserted))
	}
}

func TestNoOpportunityAtFairPricing(t *testing.T) {
	books := book.NewCache(4)
	// 0.50 + 0.49 = 0.99 >= 0.985 threshold.
	seedBooks(t, books, 0.50, 0.49, 100, 100)
	sink := &fakeSink{}
	a, _, _ := newTestAnalyzer(books, sink, nil)

	a.HandleUpdate(context.Background(), yesTok)
	if sink.count() != 0 {
		t.Error("fairly priced market must not produce an opportunity")
	}
}

func TestSizeCappedByMaxPosition(t *testing.T) {
	books := book.NewCache(4)
	seedBooks(t, books, 0.48, 0.49, 10_000, 10_000)
	sink := &fakeSink{}
	a, _, _ := newTestAnalyzer(books, sink, nil)

	a.HandleUpdate(context.Background(), yesTok)
	if sink.count() != 1 {
		t.Fatal("expected an opportunity")
	}
	// MaxPositionUSD / combined = 100 / 0.97.
	want := 100 / 0.97
	if math.Abs(sink.executed[0].Size-want) > 1e-9 {
		t.Errorf("Size = %v, want %v", sink.executed[0].Size, want)
	}
}

func TestBelowMinTradableSizeDiscarded(t *testing.T) {
	books := book.NewCache(4)
	// Only 3 shares of depth; MinTradableSize is 5.
	seedBooks(t, books, 0.48, 0.49, 3, 100)
	sink := &fakeSink{}
	a, _, _ := newTestAnalyzer(books, sink, nil)

	a.HandleUpdate(context.Background(), yesTok)
	if sink.count() != 0 {
		t.Error("dust-sized opportunity must be discarded")
	}
}

func TestExposureHeadroomGatesSize(t *testing.T) {
	books := book.NewCache(4)
	seedBooks(t, books, 0.48, 0.49, 1000, 1000)
	sink := &fakeSink{}
	// Only $2 of headroom: 2/0.97 shares is below MinTradableSize.
	a, _, _ := newTestAnalyzer(books, sink, func(string) float64 { return 2 })

	a.HandleUpdate(context.Background(), yesTok)
	if sink.count() != 0 {
		t.Error("opportunity must be blocked when headroom is exhausted")
	}
}

func TestStaleBookBlocksEvaluation(t *testing.T) {
	books := book.NewCache(4)
	seedBooks(t, books, 0.48, 0.49, 100, 100)
	books.MarkStale(noTok)
	sink := &fakeSink{}
	a, _, _ := newTestAnalyzer(books, sink, nil)

	a.HandleUpdate(context.Background(), yesTok)
	if sink.count() != 0 {
		t.Error("a stale book must block the decision entirely")
	}
}

func TestInFlightSuppressionAndDurationTracking(t *testing.T) {
	books := book.NewCache(4)
	seedBooks(t, books, 0.48, 0.49, 100, 100)
	sink := &fakeSink{err: domain.ErrIntentInFlight}
	a, opps, _ := newTestAnalyzer(books, sink, nil)

	base := time.Unix(1_700_000_000, 0)
	clock := base
	a.now = func() time.Time { return clock }

	a.HandleUpdate(context.Background(), yesTok)
	a.HandleUpdate(context.Background(), noTok)

	// Repeated sightings of the same open window insert once.
	if len(opps.inserted) != 1 {
		t.Fatalf("inserted %d opportunities, want 1", len(opps.inserted))
	}
	oppID := opps.inserted[0].ID

	// Price recovers 1500ms later; the window closes with its duration.
	clock = base.Add(1500 * time.Millisecond)
	seedBooks(t, books, 0.50, 0.50, 100, 100)
	a.HandleUpdate(context.Background(), yesTok)

	if got := opps.durations[oppID]; got != 1500*time.Millisecond {
		t.Errorf("duration = %v, want 1.5s", got)
	}

	// A later mispricing opens a fresh window with a new ID.
	seedBooks(t, books, 0.48, 0.49, 100, 100)
	a.HandleUpdate(context.Background(), yesTok)
	if len(opps.inserted) != 2 {
		t.Fatalf("inserted %d opportunities, want 2", len(opps.inserted))
	}
	if opps.inserted[1].ID == oppID {
		t.Error("new window must get a new opportunity ID")
	}
}

func TestUnknownTokenIgnored(t *testing.T) {
	books := book.NewCache(4)
	sink := &fakeSink{}
	a, _, _ := newTestAnalyzer(books, sink, nil)

	a.HandleUpdate(context.Background(), "unknown-token")
	if sink.count() != 0 {
		t.Error("unknown tokens must be ignored")
	}
}
