package domain

import "time"

// Event names published on the signal bus. Downstream sinks (dashboard,
// persistence, alerting) consume these without the core ever blocking on them.
const (
	EventOpportunityDetected = "opportunity_detected"
	EventOpportunityClosed   = "opportunity_closed"
	EventOrderSubmitted      = "order_submitted"
	EventOrderTerminal       = "order_terminal"
	EventOneSidedExposure    = "one_sided_exposure"
)

// Signal bus channels.
const (
	ChannelOpportunities = "opportunities"
	ChannelTrades        = "trades"
)

// TradeEvent is the immutable record the engine emits for every leg
// submission and terminal outcome.
type TradeEvent struct {
	Event      string    `json:"event"`
	TradeID    string    `json:"trade_id"`
	OrderID    string    `json:"order_id,omitempty"`
	MarketID   string    `json:"market_id"`
	TokenID    string    `json:"token_id,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Status     string    `json:"status,omitempty"`
	Price      float64   `json:"price,omitempty"`
	Size       float64   `json:"size,omitempty"`
	FilledSize float64   `json:"filled_size,omitempty"`
	DryRun     bool      `json:"dry_run,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// OpportunityEvent is the immutable record the analyzer emits when an
// opportunity is detected or closes.
type OpportunityEvent struct {
	Event         string    `json:"event"`
	OpportunityID string    `json:"opportunity_id"`
	MarketID      string    `json:"market_id"`
	YesAsk        float64   `json:"yes_ask,omitempty"`
	NoAsk         float64   `json:"no_ask,omitempty"`
	CombinedCost  float64   `json:"combined_cost,omitempty"`
	ProfitMargin  float64   `json:"profit_margin,omitempty"`
	Size          float64   `json:"size,omitempty"`
	DurationMs    int64     `json:"duration_ms,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
