// Package orderbook keeps the in-memory depth of every subscribed token.
package orderbook

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Store maps token ID to its current book. Reads return deep copies so a
// reader holds a consistent per-token snapshot without further locking.
type Store struct {
	mu    sync.RWMutex
	books map[string]*domain.OrderBook
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{books: make(map[string]*domain.OrderBook)}
}

func (s *Store) bookLocked(tokenID, marketID string) *domain.OrderBook {
	b, ok := s.books[tokenID]
	if !ok {
		b = &domain.OrderBook{TokenID: tokenID, MarketID: marketID}
		s.books[tokenID] = b
	}
	if marketID != "" {
		b.MarketID = marketID
	}
	return b
}

// ApplySnapshot replaces both sides of the book.
func (s *Store) ApplySnapshot(tokenID, marketID string, bids, asks []domain.PriceLevel, at time.Time) domain.OrderBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bookLocked(tokenID, marketID)
	b.Bids = dedupe(bids, true)
	b.Asks = dedupe(asks, false)
	b.UpdatedAt = at
	return b.Clone()
}

// ApplyDelta upserts one level. A size of zero removes the level.
func (s *Store) ApplyDelta(tokenID, marketID string, side domain.BookSide, price, size float64, at time.Time) domain.OrderBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bookLocked(tokenID, marketID)
	if side == domain.BookSideBid {
		b.Bids = upsert(b.Bids, price, size, true)
	} else {
		b.Asks = upsert(b.Asks, price, size, false)
	}
	b.UpdatedAt = at
	return b.Clone()
}

// ApplyBestBidAsk synthesizes single-level sides of size 1 from a top-of-book
// update. A nil side is left untouched.
func (s *Store) ApplyBestBidAsk(tokenID, marketID string, bid, ask *float64, at time.Time) domain.OrderBook {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bookLocked(tokenID, marketID)
	if bid != nil {
		b.Bids = []domain.PriceLevel{{Price: *bid, Size: 1.0}}
	}
	if ask != nil {
		b.Asks = []domain.PriceLevel{{Price: *ask, Size: 1.0}}
	}
	b.UpdatedAt = at
	return b.Clone()
}

// Get returns a copy of the token's book.
func (s *Store) Get(tokenID string) (domain.OrderBook, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[tokenID]
	if !ok {
		return domain.OrderBook{}, false
	}
	return b.Clone(), true
}

// GetMany returns copies of the books that exist among tokenIDs.
func (s *Store) GetMany(tokenIDs []string) map[string]domain.OrderBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.OrderBook, len(tokenIDs))
	for _, id := range tokenIDs {
		if b, ok := s.books[id]; ok {
			out[id] = b.Clone()
		}
	}
	return out
}

// All returns copies of every book.
func (s *Store) All() map[string]domain.OrderBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]domain.OrderBook, len(s.books))
	for id, b := range s.books {
		out[id] = b.Clone()
	}
	return out
}

// Remove drops books for tokens that are no longer subscribed.
func (s *Store) Remove(tokenIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range tokenIDs {
		delete(s.books, id)
	}
}

// Len returns the number of books held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.books)
}

// ---------------------------------------------------------------------------
// Level helpers
// ---------------------------------------------------------------------------

// upsert keeps levels sorted best-first: bids descending, asks ascending.
func upsert(levels []domain.PriceLevel, price, size float64, desc bool) []domain.PriceLevel {
	for i, l := range levels {
		if math.Abs(l.Price-price) < domain.PriceTolerance {
			if size == 0 {
				return append(levels[:i], levels[i+1:]...)
			}
			levels[i].Size = size
			return levels
		}
	}
	if size == 0 {
		return levels
	}
	levels = append(levels, domain.PriceLevel{Price: price, Size: size})
	sortLevels(levels, desc)
	return levels
}

// dedupe copies levels, keeping the last entry for each price and dropping
// empty levels.
func dedupe(levels []domain.PriceLevel, desc bool) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, l := range levels {
		out = upsert(out, l.Price, l.Size, desc)
	}
	return out
}

func sortLevels(levels []domain.PriceLevel, desc bool) {
	sort.Slice(levels, func(i, j int) bool {
		if desc {
			return levels[i].Price > levels[j].Price
		}
		return levels[i].Price < levels[j].Price
	})
}
