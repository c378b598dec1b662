package domain

import (
	"math"
	"time"
)

// PriceTolerance is the distance under which two prices address the same level.
const PriceTolerance = 0.0001

// BookSide selects the bid or ask half of a book.
type BookSide string

const (
	BookSideBid BookSide = "bid"
	BookSideAsk BookSide = "ask"
)

// PriceLevel is a single price+size entry in an orderbook.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderBook is the current depth for one outcome token.
// Bids and Asks hold at most one level per price.
type OrderBook struct {
	TokenID   string       `json:"token_id"`
	MarketID  string       `json:"market_id"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// BestBid returns the highest bid price.
func (b OrderBook) BestBid() (float64, bool) {
	if len(b.Bids) == 0 {
		return 0, false
	}
	best := b.Bids[0].Price
	for _, l := range b.Bids[1:] {
		if l.Price > best {
			best = l.Price
		}
	}
	return best, true
}

// BestAsk returns the lowest ask price.
func (b OrderBook) BestAsk() (float64, bool) {
	if len(b.Asks) == 0 {
		return 0, false
	}
	best := b.Asks[0].Price
	for _, l := range b.Asks[1:] {
		if l.Price < best {
			best = l.Price
		}
	}
	return best, true
}

// SizeAtPrice returns the resting size at price on the given side, or 0.
func (b OrderBook) SizeAtPrice(side BookSide, price float64) float64 {
	levels := b.Asks
	if side == BookSideBid {
		levels = b.Bids
	}
	for _, l := range levels {
		if math.Abs(l.Price-price) < PriceTolerance {
			return l.Size
		}
	}
	return 0
}

// Spread returns best ask minus best bid when both sides are present.
func (b OrderBook) Spread() (float64, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return 0, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return 0, false
	}
	return ask - bid, true
}

// Clone returns a deep copy that shares no slices with b.
func (b OrderBook) Clone() OrderBook {
	out := b
	out.Bids = append([]PriceLevel(nil), b.Bids...)
	out.Asks = append([]PriceLevel(nil), b.Asks...)
	return out
}

// LastTrade is a trade print. It never mutates book state.
type LastTrade struct {
	TokenID   string
	MarketID  string
	Price     float64
	Size      float64
	Side      string
	Timestamp time.Time
}
