package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oddlot/parb/internal/config"
	"github.com/oddlot/parb/internal/crypto"
	"github.com/oddlot/parb/internal/domain"
	"github.com/oddlot/parb/internal/ledger"
)

const (
	testWallet = "0x1111111111111111111111111111111111111111"
	yesTok     = "tok-yes"
	noTok      = "tok-no"
)

// fakeVenue fills an order when its limit price crosses the scripted ask for
// that token. Orders that never cross stay working until cancelled.
type fakeVenue struct {
	mu        sync.Mutex
	askPrice  map[string]float64 // tokenID -> price needed to fill
	postErr   map[string]error   // tokenID -> scripted submit failure
	dropAck   map[string]bool    // tokenID -> accept the order but lose the response once
	attempts  map[string]int     // tokenID -> PostOrder calls
	posted    []domain.Order
	byVenueID map[string]domain.Order
	byHash    map[string]string // salt/token/price identity -> venue ID
	cancelled map[string]bool
	open      []domain.Order
	cancelAll int
	seq       int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		askPrice:  make(map[string]float64),
		postErr:   make(map[string]error),
		dropAck:   make(map[string]bool),
		attempts:  make(map[string]int),
		byVenueID: make(map[string]domain.Order),
		byHash:    make(map[string]string),
		cancelled: make(map[string]bool),
	}
}

func (v *fakeVenue) PostOrder(ctx context.Context, order domain.Order) (domain.OrderResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.attempts[order.TokenID]++
	if err := v.postErr[order.TokenID]; err != nil {
		return domain.OrderResult{}, err
	}
	// The venue keys order identity on the signed payload, so a resubmission
	// with the same salt, token, and price maps to the order it already holds.
	hash := fmt.Sprintf("%s/%s/%d", order.Salt, order.TokenID, order.PriceTicks)
	if id, ok := v.byHash[hash]; ok {
		return domain.OrderResult{Success: true, VenueID: id, Status: domain.OrderStatusSubmitted}, nil
	}
	v.seq++
	id := fmt.Sprintf("venue-%d", v.seq)
	order.VenueID = id
	v.posted = append(v.posted, order)
	v.byVenueID[id] = order
	v.byHash[hash] = id
	if v.dropAck[order.TokenID] {
		delete(v.dropAck, order.TokenID)
		return domain.OrderResult{}, fmt.Errorf("http request: connection reset")
	}
	return domain.OrderResult{Success: true, VenueID: id, Status: domain.OrderStatusSubmitted}, nil
}

func (v *fakeVenue) attemptCount(tokenID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attempts[tokenID]
}

func (v *fakeVenue) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.byVenueID[orderID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	if v.cancelled[orderID] {
		o.Status = domain.OrderStatusCancelled
		return o, nil
	}
	if o.Price() >= v.askPrice[o.TokenID] {
		o.Status = domain.OrderStatusFilled
		o.FilledSize = o.Size()
		return o, nil
	}
	o.Status = domain.OrderStatusSubmitted
	return o, nil
}

func (v *fakeVenue) CancelOrder(ctx context.Context, orderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled[orderID] = true
	return nil
}

func (v *fakeVenue) CancelAll(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelAll++
	for id := range v.byVenueID {
		v.cancelled[id] = true
	}
	return nil
}

func (v *fakeVenue) GetOpenOrders(ctx context.Context) ([]domain.Order, error) {
	return v.open, nil
}

func (v *fakeVenue) postedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.posted)
}

type fakeSigner struct{}

func (fakeSigner) SignOrder(p crypto.OrderPayload) (string, error) { return "0x" + p.Salt, nil }

type fakeOrderStore struct {
	mu          sync.Mutex
	created     []domain.Order
	statuses    map[string]domain.OrderStatus
	fills       map[string]float64
	nonTerminal []domain.Order
}

func newFakeOrderStore() *fakeOrderStore {
	return &fakeOrderStore{
		statuses: make(map[string]domain.OrderStatus),
		fills:    make(map[string]float64),
	}
}

func (s *fakeOrderStore) Create(ctx context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, order)
	s.statuses[order.ID] = order.Status
	return nil
}

func (s *fakeOrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus, filledSize float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[id] = status
	s.fills[id] = filledSize
	return nil
}

func (s *fakeOrderStore) SetVenueID(ctx context.Context, id, venueID string) error { return nil }
func (s *fakeOrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}
func (s *fakeOrderStore) ListByTrade(ctx context.Context, tradeID string) ([]domain.Order, error) {
	return nil, nil
}
func (s *fakeOrderStore) ListNonTerminal(ctx context.Context, wallet string) ([]domain.Order, error) {
	return s.nonTerminal, nil
}

type fakeTradeStore struct {
	mu      sync.Mutex
	records []domain.TradeRecord
}

func (s *fakeTradeStore) Insert(ctx context.Context, rec domain.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}
func (s *fakeTradeStore) ListRecent(ctx context.Context, limit int) ([]domain.TradeRecord, error) {
	return nil, nil
}
func (s *fakeTradeStore) SumNotional(ctx context.Context, since time.Time) (float64, error) {
	return 0, nil
}

type fakeOppStore struct {
	mu       sync.Mutex
	executed []string
}

func (s *fakeOppStore) Insert(ctx context.Context, opp domain.Opportunity) error { return nil }
func (s *fakeOppStore) MarkExecuted(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executed = append(s.executed, id)
	return nil
}
func (s *fakeOppStore) SetDuration(ctx context.Context, id string, d time.Duration) error {
	return nil
}
func (s *fakeOppStore) ListRecent(ctx context.Context, limit int) ([]domain.Opportunity, error) {
	return nil, nil
}

type fakeBus struct {
	mu     sync.Mutex
	events []domain.TradeEvent
}

func (b *fakeBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ev domain.TradeEvent
	if err := json.Unmarshal(payload, &ev); err == nil {
		b.events = append(b.events, ev)
	}
	return nil
}
func (b *fakeBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return nil, nil
}

func (b *fakeBus) has(event string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev.Event == event {
			return true
		}
	}
	return false
}

type deniedLimiter struct{}

func (deniedLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return false, nil
}

func execCfg() config.ExecutionConfig {
	return config.ExecutionConfig{
		FillTimeout:    config.Duration{Duration: 150 * time.Millisecond},
		StatusInterval: config.Duration{Duration: 10 * time.Millisecond},
		SubmitRetries:  1,
		RescueMarkup:   0.05,
		OrderRateLimit: 10,
	}
}

func testOpportunity() domain.Opportunity {
	return domain.Opportunity{
		ID:           "opp-1",
		MarketID:     "mkt-1",
		YesTokenID:   yesTok,
		NoTokenID:    noTok,
		YesAsk:       0.48,
		NoAsk:        0.49,
		CombinedCost: 0.97,
		ProfitMargin: 0.02,
		Size:         10,
	}
}

type harness struct {
	engine *Engine
	venue  *fakeVenue
	orders *fakeOrderStore
	trades *fakeTradeStore
	opps   *fakeOppStore
	bus    *fakeBus
	ledger *ledger.Ledger
}

func newHarness(cfg config.ExecutionConfig) *harness {
	h := &harness{
		venue:  newFakeVenue(),
		orders: newFakeOrderStore(),
		trades: &fakeTradeStore{},
		opps:   &fakeOppStore{},
		bus:    &fakeBus{},
		ledger: ledger.New(200, 1000),
	}
	h.engine = New(
		h.venue, fakeSigner{}, testWallet,
		h.orders, h.trades, h.opps, h.bus,
		nil, nil, h.ledger, cfg,
		slog.New(slog.DiscardHandler),
	)
	return h
}

func TestDryRunRecordsWithoutVenueCalls(t *testing.T) {
	cfg := execCfg()
	cfg.DryRun = true
	h := newHarness(cfg)

	if err := h.engine.Execute(context.Background(), testOpportunity()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if h.venue.postedCount() != 0 {
		t.Error("dry run must not touch the venue")
	}
	if len(h.trades.records) != 1 || !h.trades.records[0].DryRun {
		t.Fatalf("records = %+v, want one dry-run trade", h.trades.records)
	}
	// Dry runs release their reservation so caps never saturate.
	if got := h.ledger.Headroom("mkt-1"); got != 200 {
		t.Errorf("headroom = %v, want 200", got)
	}
	if len(h.opps.executed) != 1 {
		t.Error("dry run must still mark the opportunity executed")
	}
}

func TestPairBothLegsFill(t *testing.T) {
	h := newHarness(execCfg())
	h.venue.askPrice[yesTok] = 0.47
	h.venue.askPrice[noTok] = 0.48

	if err := h.engine.Execute(context.Background(), testOpportunity()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if h.venue.postedCount() != 2 {
		t.Fatalf("posted %d orders, want 2", h.venue.postedCount())
	}
	if len(h.trades.records) != 1 {
		t.Fatal("expected one trade record")
	}
	rec := h.trades.records[0]
	if rec.YesStatus != domain.OrderStatusFilled || rec.NoStatus != domain.OrderStatusFilled {
		t.Errorf("statuses = %s/%s, want filled/filled", rec.YesStatus, rec.NoStatus)
	}
	if rec.YesFilled != 10 || rec.NoFilled != 10 {
		t.Errorf("fills = %v/%v, want 10/10", rec.YesFilled, rec.NoFilled)
	}
	if rec.OneSided {
		t.Error("balanced pair must not be flagged one sided")
	}
	// Filled capital stays committed until redemption: 10 * 0.97 held.
	if got := h.ledger.Headroom("mkt-1"); got < 190.2 || got > 190.4 {
		t.Errorf("headroom = %v, want about 190.3", got)
	}
	if s := h.engine.Snapshot(); s.Completed != 1 {
		t.Errorf("completed = %d, want 1", s.Completed)
	}
}

func TestTimeoutCancelsBothLegs(t *testing.T) {
	h := newHarness(execCfg())
	// Nothing crosses.
	h.venue.askPrice[yesTok] = 2
	h.venue.askPrice[noTok] = 2

	if err := h.engine.Execute(context.Background(), testOpportunity()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(h.venue.cancelled) < 2 {
		t.Errorf("cancelled %d orders, want both legs pulled", len(h.venue.cancelled))
	}
	if got := h.ledger.Headroom("mkt-1"); got != 200 {
		t.Errorf("headroom = %v, want full release after unwind", got)
	}
	if len(h.trades.records) != 1 {
		t.Fatal("expected one trade record")
	}
	rec := h.trades.records[0]
	if rec.YesFilled != 0 || rec.NoFilled != 0 {
		t.Errorf("fills = %v/%v, want 0/0", rec.YesFilled, rec.NoFilled)
	}
	if s := h.engine.Snapshot(); s.Unwound != 1 {
		t.Errorf("unwound = %d, want 1", s.Unwound)
	}
}

func TestRescueRequotesLaggardLeg(t *testing.T) {
	h := newHarness(execCfg())
	h.venue.askPrice[yesTok] = 0.47
	// 0.49 does not cross but the 5% markup (0.5145) does.
	h.venue.askPrice[noTok] = 0.50

	if err := h.engine.Execute(context.Background(), testOpportunity()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// Two originals plus the rescue requote.
	if h.venue.postedCount() != 3 {
		t.Fatalf("posted %d orders, want 3", h.venue.postedCount())
	}
	rescue := h.venue.posted[2]
	if rescue.TokenID != noTok {
		t.Errorf("rescue token = %s, want %s", rescue.TokenID, noTok)
	}
	if rescue.Price() <= 0.49 {
		t.Errorf("rescue price = %v, want above original limit", rescue.Price())
	}
	rec := h.trades.records[0]
	if rec.OneSided {
		t.Error("rescued pair must end balanced")
	}
	if rec.NoFilled != 10 {
		t.Errorf("no fill = %v, want 10", rec.NoFilled)
	}
}

func TestOneSidedExposureAlert(t *testing.T) {
	h := newHarness(execCfg())
	h.venue.askPrice[yesTok] = 0.47
	// Never crosses, not even the rescue requote.
	h.venue.askPrice[noTok] = 2

	if err := h.engine.Execute(context.Background(), testOpportunity()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(h.trades.records) != 1 {
		t.Fatal("expected one trade record")
	}
	rec := h.trades.records[0]
	if !rec.OneSided {
		t.Error("trade must be flagged one sided")
	}
	if rec.YesFilled != 10 || rec.NoFilled != 0 {
		t.Errorf("fills = %v/%v, want 10/0", rec.YesFilled, rec.NoFilled)
	}
	if !h.bus.has(domain.EventOneSidedExposure) {
		t.Error("one sided exposure event not published")
	}
	// Only the filled YES notional stays committed: 10 * 0.48.
	if got := h.ledger.Headroom("mkt-1"); got < 195.1 || got > 195.3 {
		t.Errorf("headroom = %v, want about 195.2", got)
	}
	if s := h.engine.Snapshot(); s.OneSided != 1 {
		t.Errorf("one sided = %d, want 1", s.OneSided)
	}
}

func TestSubmitFailureUnwindsOtherLeg(t *testing.T) {
	h := newHarness(execCfg())
	h.venue.askPrice[yesTok] = 2
	h.venue.askPrice[noTok] = 2
	h.venue.postErr[noTok] = domain.ErrInvalidOrder

	err := h.engine.Execute(context.Background(), testOpportunity())
	if err == nil {
		t.Fatal("expected submit error")
	}
	if got := h.ledger.Headroom("mkt-1"); got != 200 {
		t.Errorf("headroom = %v, want full release", got)
	}
	// The YES leg that made it to the venue must be pulled back.
	if len(h.venue.cancelled) == 0 {
		t.Error("surviving leg was not cancelled")
	}
}

func TestVenueRejectionNotResubmitted(t *testing.T) {
	cfg := execCfg()
	cfg.SubmitRetries = 3
	h := newHarness(cfg)
	h.venue.askPrice[yesTok] = 2
	h.venue.askPrice[noTok] = 2
	// The error shape the CLOB client produces for a balance rejection.
	h.venue.postErr[noTok] = fmt.Errorf(
		"polymarket/clob: order rejected: not enough balance / allowance: %w", domain.ErrInvalidOrder)

	err := h.engine.Execute(context.Background(), testOpportunity())
	if err == nil {
		t.Fatal("expected submit error")
	}
	if got := h.venue.attemptCount(noTok); got != 1 {
		t.Errorf("rejected leg was posted %d times, want 1", got)
	}
	if got := h.ledger.Headroom("mkt-1"); got != 200 {
		t.Errorf("headroom = %v, want full release", got)
	}
}

func TestResubmitAfterLostAckKeepsOneLiveOrder(t *testing.T) {
	h := newHarness(execCfg())
	h.venue.askPrice[yesTok] = 0.47
	h.venue.askPrice[noTok] = 0.48
	h.venue.dropAck[noTok] = true

	if err := h.engine.Execute(context.Background(), testOpportunity()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := h.venue.attemptCount(noTok); got != 2 {
		t.Errorf("attempts = %d, want the initial post plus one retry", got)
	}
	// The retry reuses the salt, so the venue maps it back to the order it
	// already accepted instead of resting a second one.
	if h.venue.postedCount() != 2 {
		t.Errorf("venue holds %d orders, want one per leg", h.venue.postedCount())
	}
	rec := h.trades.records[0]
	if rec.YesFilled != 10 || rec.NoFilled != 10 {
		t.Errorf("fills = %v/%v, want 10/10", rec.YesFilled, rec.NoFilled)
	}
}

func TestRedemptionFreesResolvedCapital(t *testing.T) {
	h := newHarness(execCfg())
	h.venue.askPrice[yesTok] = 0.47
	h.venue.askPrice[noTok] = 0.48

	if err := h.engine.Execute(context.Background(), testOpportunity()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := h.ledger.Headroom("mkt-1"); got >= 200 {
		t.Fatalf("headroom = %v, want filled capital still committed", got)
	}

	// An open market keeps its capital on the books.
	h.engine.redeemResolved(context.Background(), func(ctx context.Context, marketID string) (bool, error) {
		return false, nil
	})
	if got := h.ledger.Headroom("mkt-1"); got >= 200 {
		t.Fatalf("headroom = %v, open market must stay committed", got)
	}

	h.engine.redeemResolved(context.Background(), func(ctx context.Context, marketID string) (bool, error) {
		return marketID == "mkt-1", nil
	})
	if got := h.ledger.Headroom("mkt-1"); got != 200 {
		t.Errorf("headroom = %v, want full release after redemption", got)
	}
}

func TestInFlightMarketRejected(t *testing.T) {
	h := newHarness(execCfg())
	h.engine.acquireMarket("mkt-1")
	defer h.engine.releaseMarket("mkt-1")

	err := h.engine.Execute(context.Background(), testOpportunity())
	if err != domain.ErrIntentInFlight {
		t.Errorf("err = %v, want ErrIntentInFlight", err)
	}
	if h.venue.postedCount() != 0 {
		t.Error("in-flight market must not reach the venue")
	}
}

func TestExposureLimitBlocksExecution(t *testing.T) {
	h := newHarness(execCfg())
	h.ledger = ledger.New(5, 5)
	h.engine.ledger = h.ledger

	err := h.engine.Execute(context.Background(), testOpportunity())
	if err == nil {
		t.Fatal("expected exposure error")
	}
	if h.venue.postedCount() != 0 {
		t.Error("blocked execution must not reach the venue")
	}
}

func TestRateLimiterBlocksExecution(t *testing.T) {
	h := newHarness(execCfg())
	h.engine.limiter = deniedLimiter{}

	err := h.engine.Execute(context.Background(), testOpportunity())
	if err != domain.ErrRateLimited {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
}

func TestReconcileCancelsStrays(t *testing.T) {
	h := newHarness(execCfg())
	stray := domain.Order{
		ID:      "o-1",
		Wallet:  testWallet,
		VenueID: "venue-9",
		Status:  domain.OrderStatusSubmitted,
	}
	h.orders.nonTerminal = []domain.Order{stray}
	h.venue.open = []domain.Order{{VenueID: "venue-9", Status: domain.OrderStatusSubmitted}}

	if err := h.engine.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if h.venue.cancelAll != 1 {
		t.Error("open venue orders must be cancelled at startup")
	}
	if got := h.orders.statuses["o-1"]; got != domain.OrderStatusCancelled {
		t.Errorf("stray status = %s, want cancelled", got)
	}
}
