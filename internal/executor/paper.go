package executor

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// BookReader is the read side of the order book store.
type BookReader interface {
	Get(tokenID string) (domain.OrderBook, bool)
}

// PaperGateway fills orders against the local order books instead of the
// exchange. A buy crosses every ask at or below its limit; the remainder
// rests as an open order that never fills further.
type PaperGateway struct {
	books BookReader

	mu     sync.Mutex
	orders map[string]*domain.OrderStatusReport
}

var _ domain.OrderGateway = (*PaperGateway)(nil)

// NewPaperGateway creates a paper gateway reading books from books.
func NewPaperGateway(books BookReader) *PaperGateway {
	return &PaperGateway{books: books, orders: make(map[string]*domain.OrderStatusReport)}
}

// PlaceOrder simulates a fill against the current book.
func (p *PaperGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if req.TokenID == "" || req.Size <= 0 || req.Price <= 0 || req.Price >= 1 {
		return domain.OrderAck{}, fmt.Errorf("executor/paper: place order: %w", domain.ErrInvalidOrder)
	}
	if err := ctx.Err(); err != nil {
		return domain.OrderAck{}, err
	}

	filled, vwap := 0.0, 0.0
	if book, ok := p.books.Get(req.TokenID); ok {
		filled, vwap = cross(book, req)
	}

	rep := &domain.OrderStatusReport{
		OrderID:     "paper-" + uuid.New().String(),
		Status:      domain.OrderStatusOpen,
		FilledSize:  filled,
		FilledPrice: vwap,
	}
	if filled >= req.Size*domain.FillTolerance {
		rep.Status = domain.OrderStatusMatched
	}

	p.mu.Lock()
	p.orders[rep.OrderID] = rep
	p.mu.Unlock()

	return domain.OrderAck{OrderID: rep.OrderID, Success: true, Status: rep.Status}, nil
}

// CancelOrder cancels a resting paper order.
func (p *PaperGateway) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rep, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("executor/paper: cancel %s: %w", orderID, domain.ErrNotFound)
	}
	if rep.Status.Live() {
		rep.Status = domain.OrderStatusCancelled
	}
	return nil
}

// GetOrderStatus returns the recorded state of a paper order.
func (p *PaperGateway) GetOrderStatus(_ context.Context, orderID string) (domain.OrderStatusReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rep, ok := p.orders[orderID]
	if !ok {
		return domain.OrderStatusReport{}, fmt.Errorf("executor/paper: status %s: %w", orderID, domain.ErrNotFound)
	}
	return *rep, nil
}

// cross walks the opposite side of the book up to the limit price and
// returns the filled size and its average price.
func cross(book domain.OrderBook, req domain.OrderRequest) (filled, vwap float64) {
	levels := book.Asks
	crosses := func(p float64) bool { return p <= req.Price+1e-9 }
	if req.Side == domain.OrderSideSell {
		levels = book.Bids
		crosses = func(p float64) bool { return p >= req.Price-1e-9 }
	}

	notional := 0.0
	for _, l := range levels {
		if !crosses(l.Price) || filled >= req.Size {
			break
		}
		take := math.Min(l.Size, req.Size-filled)
		filled += take
		notional += take * l.Price
	}
	if filled > 0 {
		vwap = notional / filled
	}
	return filled, vwap
}
