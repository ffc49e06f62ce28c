package polymarket

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/oddlot/parb/internal/domain"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder represents an order as returned by the Polymarket CLOB API.
type APIOrder struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	MarketID      string  `json:"market"`
	AssetID       string  `json:"asset_id"`
	Side          string  `json:"side"` // "BUY" or "SELL"
	Type          string  `json:"type"` // "GTC", "GTD", "FOK", "FAK"
	OriginalSize  string  `json:"original_size"`
	SizeMatched   string  `json:"size_matched"`
	Price         string  `json:"price"`
	MakerAmount   string  `json:"maker_amount"`
	TakerAmount   string  `json:"taker_amount"`
	Owner         string  `json:"owner"`
	Signature     string  `json:"signature"`
	Expiration    string  `json:"expiration"`
	Nonce         string  `json:"nonce"`
	FeeRateBps    string  `json:"fee_rate_bps"`
	SignatureType int     `json:"signature_type"`
	CreatedAt     string  `json:"created_at"`
	FilledAt      *string `json:"filled_at,omitempty"`
	CancelledAt   *string `json:"cancelled_at,omitempty"`
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	TransactID  string `json:"transactID,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
type APIMarket struct {
	ID              string   `json:"id"`
	Question        string   `json:"question"`
	ConditionID     string   `json:"condition_id"`
	Slug            string   `json:"slug"`
	Active          flexBool `json:"active"` // API may send bool or "true"/"false" string
	Closed          bool     `json:"closed"`
	Outcomes        string   `json:"outcomes"`       // JSON-encoded: e.g. "[\"Yes\",\"No\"]"
	ClobTokenIDs    string   `json:"clob_token_ids"` // JSON-encoded: e.g. "[\"123\",\"456\"]"
	Tokens          []Token  `json:"tokens"`
	Liquidity       string   `json:"liquidity"`
	Volume          string   `json:"volume"`
	NegRisk         bool     `json:"neg_risk"`
	EndDateISO      string   `json:"end_date_iso"`
	EnableOrderBook bool     `json:"enable_order_book"`
	CreatedAt       string   `json:"created_at"`
	UpdatedAt       string   `json:"updated_at"`
}

// Token represents a token entry inside the Gamma API market response.
type Token struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Winner  bool   `json:"winner"`
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// WSMessage is the outer envelope of every WebSocket frame from the market
// data stream.
type WSMessage struct {
	EventType string `json:"event_type"` // "book", "price_change", "error"
	AssetID   string `json:"asset_id,omitempty"`
	Market    string `json:"market,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// BookMessage represents a full orderbook snapshot delivered over WebSocket.
// Sequence resets the per-token delta numbering.
type BookMessage struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Sequence  uint64         `json:"sequence"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// WSPriceLevel is a single bid/ask level in the WebSocket orderbook data.
type WSPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// PriceChangeMessage represents an incremental orderbook price-level update.
// A Size of "0" removes the level.
type PriceChangeMessage struct {
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Side      string `json:"side"` // "BUY" or "SELL"
	Price     string `json:"price"`
	Size      string `json:"size"`
	Sequence  uint64 `json:"sequence"`
	Timestamp string `json:"timestamp"`
}

// WSCommand is the JSON payload sent to the WebSocket to subscribe or
// unsubscribe a set of asset IDs on the market channel.
type WSCommand struct {
	Type    string   `json:"type"` // "subscribe" or "unsubscribe"
	Channel string   `json:"channel,omitempty"`
	Assets  []string `json:"assets_ids,omitempty"`
}

// --------------------------------------------------------------------------
// Conversion helpers: API types -> domain types
// --------------------------------------------------------------------------

// ToDomainOrder converts an APIOrder to a domain.Order.
func (a *APIOrder) ToDomainOrder() domain.Order {
	o := domain.Order{
		VenueID:   a.ID,
		MarketID:  a.MarketID,
		TokenID:   a.AssetID,
		Signature: a.Signature,
		Status:    StatusToDomain(a.Status),
	}
	if strings.EqualFold(a.Side, "SELL") {
		o.Side = domain.OrderSideSell
	} else {
		o.Side = domain.OrderSideBuy
	}

	if price, err := strconv.ParseFloat(a.Price, 64); err == nil {
		o.PriceTicks = int64(price * 1e6)
	}
	if orig, err := strconv.ParseFloat(a.OriginalSize, 64); err == nil {
		o.SizeUnits = int64(orig * 1e6)
	}
	if matched, err := strconv.ParseFloat(a.SizeMatched, 64); err == nil {
		o.FilledSize = matched
	}
	if t, err := time.Parse(time.RFC3339, a.CreatedAt); err == nil {
		o.CreatedAt = t
	}
	return o
}

// StatusToDomain maps a venue order status string onto the local order state
// machine.
func StatusToDomain(s string) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "live", "open", "delayed":
		return domain.OrderStatusSubmitted
	case "matched", "filled":
		return domain.OrderStatusFilled
	case "partially_matched", "partially_filled":
		return domain.OrderStatusPartiallyFilled
	case "cancelled", "canceled":
		return domain.OrderStatusCancelled
	case "rejected", "invalid":
		return domain.OrderStatusRejected
	case "expired":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusPending
	}
}

// ToDomainOrderResult converts an APIOrderResult to a domain.OrderResult.
func (r *APIOrderResult) ToDomainOrderResult() domain.OrderResult {
	result := domain.OrderResult{
		Success:     r.Success,
		VenueID:     r.OrderID,
		Message:     r.ErrorMsg,
		ShouldRetry: r.ShouldRetry,
	}

	switch strings.ToLower(r.Status) {
	case "live", "open", "delayed":
		result.Status = domain.OrderStatusSubmitted
	case "matched", "filled":
		result.Status = domain.OrderStatusFilled
	default:
		if r.Success {
			result.Status = domain.OrderStatusSubmitted
		} else {
			result.Status = domain.OrderStatusRejected
		}
	}
	return result
}

// ToDomainMarket converts a Gamma APIMarket to a domain.Market. Markets
// without exactly two outcome tokens yield a Market with empty token IDs;
// callers should treat those as ineligible.
func (m *APIMarket) ToDomainMarket() domain.Market {
	dm := domain.Market{
		ID:          m.ID,
		Question:    m.Question,
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
	}

	if !m.Closed && bool(m.Active) {
		dm.Status = domain.MarketStatusActive
	} else {
		dm.Status = domain.MarketStatusClosed
	}

	if v, err := strconv.ParseFloat(m.Liquidity, 64); err == nil {
		dm.Liquidity = v
	}
	if v, err := strconv.ParseFloat(m.Volume, 64); err == nil {
		dm.Volume = v
	}

	// Token IDs come either from the embedded tokens array or the
	// JSON-encoded clob_token_ids string.
	yes, no := extractTokenPair(m)
	dm.YesTokenID = yes
	dm.NoTokenID = no

	if t, err := time.Parse(time.RFC3339, m.CreatedAt); err == nil {
		dm.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, m.UpdatedAt); err == nil {
		dm.UpdatedAt = t
	}
	if m.EndDateISO != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDateISO); err == nil {
			dm.ResolvesAt = &t
		}
	}

	return dm
}

// extractTokenPair returns the (yes, no) token IDs for a binary market, or
// empty strings when the market does not have exactly two outcome tokens.
func extractTokenPair(m *APIMarket) (string, string) {
	if len(m.Tokens) == 2 {
		yes, no := m.Tokens[0].TokenID, m.Tokens[1].TokenID
		// Prefer explicit outcome labels when present.
		for _, tok := range m.Tokens {
			switch strings.ToLower(tok.Outcome) {
			case "yes":
				yes = tok.TokenID
			case "no":
				no = tok.TokenID
			}
		}
		return yes, no
	}

	if m.ClobTokenIDs != "" {
		var ids []string
		if err := json.Unmarshal([]byte(m.ClobTokenIDs), &ids); err == nil && len(ids) == 2 {
			return ids[0], ids[1]
		}
	}
	return "", ""
}

// BookToDomainSnapshot converts a BookMessage to a domain.BookSnapshot.
func BookToDomainSnapshot(b *BookMessage) domain.BookSnapshot {
	snap := domain.BookSnapshot{
		TokenID:   b.AssetID,
		Sequence:  b.Sequence,
		Timestamp: parseWSTimestamp(b.Timestamp),
	}
	for _, lvl := range b.Bids {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		snap.Bids = append(snap.Bids, domain.PriceLevel{Price: p, Size: s})
	}
	for _, lvl := range b.Asks {
		p, _ := strconv.ParseFloat(lvl.Price, 64)
		s, _ := strconv.ParseFloat(lvl.Size, 64)
		snap.Asks = append(snap.Asks, domain.PriceLevel{Price: p, Size: s})
	}
	return snap
}

// PriceChangeToDomainDelta converts a PriceChangeMessage to a domain.BookDelta.
func PriceChangeToDomainDelta(p *PriceChangeMessage) domain.BookDelta {
	d := domain.BookDelta{
		TokenID:   p.AssetID,
		Side:      p.Side,
		Sequence:  p.Sequence,
		Timestamp: parseWSTimestamp(p.Timestamp),
	}
	d.Price, _ = strconv.ParseFloat(p.Price, 64)
	d.Size, _ = strconv.ParseFloat(p.Size, 64)
	return d
}

// parseWSTimestamp handles both unix-millisecond and RFC3339 timestamps; the
// stream has been observed to send either.
func parseWSTimestamp(s string) time.Time {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms > 1e12 {
			return time.UnixMilli(ms)
		}
		return time.Unix(ms, 0)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}
