package polymarket

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/domain"
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

// flexNumber accepts a JSON number, a quoted decimal, "" or null.
type flexNumber struct {
	decimal.Decimal
	Valid bool
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		*n = flexNumber{}
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return err
	}
	*n = flexNumber{Decimal: d, Valid: true}
	return nil
}

// Float returns the value as float64, or 0 when absent.
func (n flexNumber) Float() float64 {
	if !n.Valid {
		return 0
	}
	return n.InexactFloat64()
}

// Ptr returns a pointer to the value, or nil when absent or zero.
func (n flexNumber) Ptr() *float64 {
	if !n.Valid || n.IsZero() {
		return nil
	}
	f := n.InexactFloat64()
	return &f
}

// stringList decodes a JSON array, a JSON-encoded array string such as
// "[\"Yes\",\"No\"]", or a comma separated string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err == nil {
		*l = anyStrings(arr)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimSpace(s)
	if s == "" {
		*l = nil
		return nil
	}
	if strings.HasPrefix(s, "[") {
		if err := json.Unmarshal([]byte(s), &arr); err == nil {
			*l = anyStrings(arr)
			return nil
		}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	*l = out
	return nil
}

func anyStrings(arr []any) []string {
	out := make([]string, 0, len(arr))
	for _, v := range arr {
		switch x := v.(type) {
		case string:
			out = append(out, strings.TrimSpace(x))
		case float64:
			out = append(out, strconv.FormatFloat(x, 'f', -1, 64))
		default:
			b, _ := json.Marshal(x)
			out = append(out, string(b))
		}
	}
	return out
}

// parseTimestamp accepts unix seconds, unix milliseconds or RFC3339.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Now()
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Now()
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder represents an order as returned by the Polymarket CLOB API.
type APIOrder struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	MarketID        string     `json:"market"`
	AssetID         string     `json:"asset_id"`
	Side            string     `json:"side"` // "BUY" or "SELL"
	Type            string     `json:"order_type"`
	OriginalSize    flexNumber `json:"original_size"`
	SizeMatched     flexNumber `json:"size_matched"`
	Price           flexNumber `json:"price"`
	Owner           string     `json:"owner"`
	AssociateTrades []string   `json:"associate_trades"`
	CreatedAt       any        `json:"created_at"`
}

// ToStatusReport converts an APIOrder to the executor's fill view.
func (a *APIOrder) ToStatusReport() domain.OrderStatusReport {
	return domain.OrderStatusReport{
		OrderID:     a.ID,
		Status:      mapOrderStatus(a.Status, true),
		FilledSize:  a.SizeMatched.Float(),
		FilledPrice: a.Price.Float(),
	}
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success     bool   `json:"success"`
	ErrorMsg    string `json:"errorMsg,omitempty"`
	OrderID     string `json:"orderID,omitempty"`
	Status      string `json:"status,omitempty"`
	ShouldRetry bool   `json:"shouldRetry,omitempty"`
}

// ToOrderAck converts an APIOrderResult to a domain.OrderAck.
func (r *APIOrderResult) ToOrderAck() domain.OrderAck {
	return domain.OrderAck{
		OrderID: r.OrderID,
		Success: r.Success && r.OrderID != "",
		Status:  mapOrderStatus(r.Status, r.Success),
		Message: r.ErrorMsg,
	}
}

func mapOrderStatus(s string, ok bool) domain.OrderStatus {
	switch strings.ToLower(s) {
	case "live", "open":
		return domain.OrderStatusOpen
	case "matched", "filled":
		return domain.OrderStatusMatched
	case "cancelled", "canceled", "canceled_market_resolved":
		return domain.OrderStatusCancelled
	case "delayed", "unmatched":
		return domain.OrderStatusPending
	default:
		if ok {
			return domain.OrderStatusPending
		}
		return domain.OrderStatusFailed
	}
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
// Outcomes, prices and token IDs arrive as JSON-encoded strings.
type APIMarket struct {
	ID              string     `json:"id"`
	Question        string     `json:"question"`
	ConditionID     string     `json:"conditionId"`
	Slug            string     `json:"slug"`
	Active          flexBool   `json:"active"`
	Closed          flexBool   `json:"closed"`
	Outcomes        stringList `json:"outcomes"`
	OutcomePrices   stringList `json:"outcomePrices"`
	ClobTokenIDs    stringList `json:"clobTokenIds"`
	Volume          flexNumber `json:"volume"`
	Liquidity       flexNumber `json:"liquidity"`
	NegRisk         flexBool   `json:"negRisk"`
	EnableOrderBook flexBool   `json:"enableOrderBook"`
	EndDate         string     `json:"endDate"`
}

// ToDomainMarket converts a Gamma APIMarket to a domain.Market. Tokens with
// an empty ID are skipped; missing labels become "Outcome N".
func (m *APIMarket) ToDomainMarket() domain.Market {
	dm := domain.Market{
		ConditionID: m.ConditionID,
		ID:          m.ID,
		Question:    m.Question,
		Slug:        m.Slug,
		NegRisk:     bool(m.NegRisk),
		Active:      bool(m.Active),
		Closed:      bool(m.Closed),
		Volume:      m.Volume.Float(),
		Liquidity:   m.Liquidity.Float(),
	}
	for i, id := range m.ClobTokenIDs {
		if id == "" {
			continue
		}
		o := domain.Outcome{TokenID: id, Label: "Outcome " + strconv.Itoa(i)}
		if i < len(m.Outcomes) && m.Outcomes[i] != "" {
			o.Label = m.Outcomes[i]
		}
		if i < len(m.OutcomePrices) {
			if p, err := decimal.NewFromString(m.OutcomePrices[i]); err == nil {
				o.LastPrice = p.InexactFloat64()
			}
		}
		dm.Outcomes = append(dm.Outcomes, o)
	}
	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			dm.EndTime = &t
		}
	}
	return dm
}

// --------------------------------------------------------------------------
// WebSocket DTOs
// --------------------------------------------------------------------------

// wsEnvelope carries just enough of a frame to route it.
type wsEnvelope struct {
	EventType string `json:"event_type"`
	Type      string `json:"type"`
}

// WSPriceLevel is a single bid/ask level in the WebSocket orderbook data.
type WSPriceLevel struct {
	Price flexNumber `json:"price"`
	Size  flexNumber `json:"size"`
}

// BookMessage represents a full orderbook snapshot delivered over WebSocket.
type BookMessage struct {
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []WSPriceLevel `json:"bids"`
	Asks      []WSPriceLevel `json:"asks"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
}

// WSPriceChange is one level change inside a price_change frame.
type WSPriceChange struct {
	AssetID string     `json:"asset_id"`
	Side    string     `json:"side"` // "BUY" or "SELL"
	Price   flexNumber `json:"price"`
	Size    flexNumber `json:"size"` // 0 removes the level
}

// PriceChangeMessage is an incremental update. Current frames carry a
// price_changes list; older frames put a single change at the top level.
type PriceChangeMessage struct {
	Market       string          `json:"market"`
	PriceChanges []WSPriceChange `json:"price_changes"`
	AssetID      string          `json:"asset_id"`
	Side         string          `json:"side"`
	Price        flexNumber      `json:"price"`
	Size         flexNumber      `json:"size"`
	Timestamp    string          `json:"timestamp"`
}

// PriceMessage represents the most recent trade price for an asset.
type PriceMessage struct {
	AssetID   string     `json:"asset_id"`
	Market    string     `json:"market"`
	Price     flexNumber `json:"price"`
	Size      flexNumber `json:"size"`
	Side      string     `json:"side"`
	Timestamp string     `json:"timestamp"`
}

// BestBidAskMessage is a compact top-of-book update.
type BestBidAskMessage struct {
	AssetID   string     `json:"asset_id"`
	Market    string     `json:"market"`
	BestBid   flexNumber `json:"best_bid"`
	BestAsk   flexNumber `json:"best_ask"`
	Timestamp string     `json:"timestamp"`
}

// --------------------------------------------------------------------------
// WebSocket subscription commands
// --------------------------------------------------------------------------

// WSCommand is a subscription control frame. The first subscription on a
// connection sets Type to "market"; later ones set Operation instead.
type WSCommand struct {
	AssetIDs  []string `json:"assets_ids"`
	Type      string   `json:"type,omitempty"`
	Operation string   `json:"operation,omitempty"`
}

// --------------------------------------------------------------------------
// Parsed feed events
// --------------------------------------------------------------------------

// EventKind classifies a parsed feed event.
type EventKind string

const (
	EventBook        EventKind = "book"
	EventPriceChange EventKind = "price_change"
	EventLastTrade   EventKind = "last_trade_price"
	EventBestBidAsk  EventKind = "best_bid_ask"
)

// LevelChange is a single level upsert or removal.
type LevelChange struct {
	AssetID string
	Side    domain.BookSide
	Price   float64
	Size    float64
}

// MarketEvent is a decoded inbound frame.
type MarketEvent struct {
	Kind      EventKind
	AssetID   string
	Market    string
	Bids      []domain.PriceLevel
	Asks      []domain.PriceLevel
	Changes   []LevelChange
	Price     float64
	Size      float64
	Side      string
	BestBid   *float64
	BestAsk   *float64
	Timestamp time.Time
}

func toLevels(in []WSPriceLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		out = append(out, domain.PriceLevel{Price: l.Price.Float(), Size: l.Size.Float()})
	}
	return out
}

func toBookSide(side string) (domain.BookSide, bool) {
	switch strings.ToUpper(side) {
	case "BUY":
		return domain.BookSideBid, true
	case "SELL":
		return domain.BookSideAsk, true
	}
	return "", false
}

// ToEvent converts a BookMessage to a MarketEvent.
func (b *BookMessage) ToEvent() MarketEvent {
	return MarketEvent{
		Kind:      EventBook,
		AssetID:   b.AssetID,
		Market:    b.Market,
		Bids:      toLevels(b.Bids),
		Asks:      toLevels(b.Asks),
		Timestamp: parseTimestamp(b.Timestamp),
	}
}

// ToEvent converts a PriceChangeMessage to a MarketEvent. Changes with an
// unknown side are dropped.
func (p *PriceChangeMessage) ToEvent() MarketEvent {
	ev := MarketEvent{Kind: EventPriceChange, Market: p.Market, AssetID: p.AssetID, Timestamp: parseTimestamp(p.Timestamp)}
	changes := p.PriceChanges
	if len(changes) == 0 && p.AssetID != "" {
		changes = []WSPriceChange{{AssetID: p.AssetID, Side: p.Side, Price: p.Price, Size: p.Size}}
	}
	for _, c := range changes {
		side, ok := toBookSide(c.Side)
		if !ok || c.AssetID == "" {
			continue
		}
		ev.Changes = append(ev.Changes, LevelChange{
			AssetID: c.AssetID,
			Side:    side,
			Price:   c.Price.Float(),
			Size:    c.Size.Float(),
		})
	}
	return ev
}

// ToEvent converts a PriceMessage to a MarketEvent.
func (p *PriceMessage) ToEvent() MarketEvent {
	return MarketEvent{
		Kind:      EventLastTrade,
		AssetID:   p.AssetID,
		Market:    p.Market,
		Price:     p.Price.Float(),
		Size:      p.Size.Float(),
		Side:      p.Side,
		Timestamp: parseTimestamp(p.Timestamp),
	}
}

// ToEvent converts a BestBidAskMessage to a MarketEvent.
func (b *BestBidAskMessage) ToEvent() MarketEvent {
	return MarketEvent{
		Kind:      EventBestBidAsk,
		AssetID:   b.AssetID,
		Market:    b.Market,
		BestBid:   b.BestBid.Ptr(),
		BestAsk:   b.BestAsk.Ptr(),
		Timestamp: parseTimestamp(b.Timestamp),
	}
}
