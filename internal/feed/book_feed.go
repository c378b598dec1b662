// Package feed binds the market WebSocket transport to the order book
// store and fans book changes out to the detector.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/orderbook"
	"github.com/alanyoungcy/polyarb/internal/platform/polymarket"
)

// BookUpdateHandler is called with a copy of every book after it changes.
type BookUpdateHandler func(ctx context.Context, book domain.OrderBook)

// TradeHandler is called for each last-trade print.
type TradeHandler func(ctx context.Context, trade domain.LastTrade)

// Transport is the market data connection. polymarket.WSClient
// implements it.
type Transport interface {
	Subscribe(ctx context.Context, tokenIDs []string) error
	Unsubscribe(ctx context.Context, tokenIDs []string) error
	Subscribed() []string
	Connected() bool
	OnEvent(handler polymarket.EventHandler)
	Run(ctx context.Context) error
	Close() error
}

var _ Transport = (*polymarket.WSClient)(nil)

const mirrorQueue = 1024

// BookFeed applies transport events to the store. Events for one
// connection arrive on a single goroutine, so updates for a token are
// applied in arrival order.
type BookFeed struct {
	transport Transport
	store     *orderbook.Store
	mirror    domain.BookMirror
	logger    *slog.Logger

	handlerMu sync.RWMutex
	onBook    []BookUpdateHandler
	onTrade   []TradeHandler

	ctxMu sync.RWMutex
	ctx   context.Context

	// dropped holds unsubscribed tokens. Frames already in flight for them
	// must not recreate their books.
	droppedMu sync.RWMutex
	dropped   map[string]struct{}

	mirrorCh chan domain.OrderBook
}

// New creates a feed. mirror may be nil.
func New(transport Transport, store *orderbook.Store, mirror domain.BookMirror, logger *slog.Logger) *BookFeed {
	f := &BookFeed{
		transport: transport,
		store:     store,
		mirror:    mirror,
		logger:    logger.With(slog.String("component", "book_feed")),
		ctx:       context.Background(),
		dropped:   make(map[string]struct{}),
	}
	if mirror != nil {
		f.mirrorCh = make(chan domain.OrderBook, mirrorQueue)
	}
	transport.OnEvent(f.apply)
	return f
}

// Store returns the book store the feed writes to.
func (f *BookFeed) Store() *orderbook.Store { return f.store }

// OnBookUpdate registers a book change handler.
func (f *BookFeed) OnBookUpdate(h BookUpdateHandler) {
	f.handlerMu.Lock()
	defer f.handlerMu.Unlock()
	f.onBook = append(f.onBook, h)
}

// OnTrade registers a trade print handler.
func (f *BookFeed) OnTrade(h TradeHandler) {
	f.handlerMu.Lock()
	defer f.handlerMu.Unlock()
	f.onTrade = append(f.onTrade, h)
}

// Subscribe adds tokens to the live subscription set.
func (f *BookFeed) Subscribe(ctx context.Context, tokenIDs []string) error {
	f.droppedMu.Lock()
	for _, id := range tokenIDs {
		delete(f.dropped, id)
	}
	f.droppedMu.Unlock()
	return f.transport.Subscribe(ctx, tokenIDs)
}

// Unsubscribe removes tokens from the subscription set and drops their
// books. Later frames for them are ignored until they are subscribed again.
func (f *BookFeed) Unsubscribe(ctx context.Context, tokenIDs []string) error {
	if err := f.transport.Unsubscribe(ctx, tokenIDs); err != nil {
		return err
	}
	f.droppedMu.Lock()
	for _, id := range tokenIDs {
		f.dropped[id] = struct{}{}
	}
	f.store.Remove(tokenIDs...)
	f.droppedMu.Unlock()
	return nil
}

// Connected reports transport connectivity.
func (f *BookFeed) Connected() bool { return f.transport.Connected() }

// Run drives the transport until ctx is cancelled or reconnects are
// exhausted.
func (f *BookFeed) Run(ctx context.Context) error {
	f.ctxMu.Lock()
	f.ctx = ctx
	f.ctxMu.Unlock()

	if f.mirror != nil {
		go f.runMirror(ctx)
	}

	f.logger.Info("book feed started", slog.Int("tokens", len(f.transport.Subscribed())))
	err := f.transport.Run(ctx)
	f.logger.Info("book feed stopped", slog.Int("books", f.store.Len()))
	return err
}

// Close stops the transport.
func (f *BookFeed) Close() error { return f.transport.Close() }

// --------------------------------------------------------------------------
// Event application
// --------------------------------------------------------------------------

func (f *BookFeed) apply(ev polymarket.MarketEvent) {
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	// Store writes happen under droppedMu so Unsubscribe cannot interleave
	// between the check and the write.
	switch ev.Kind {
	case polymarket.EventBook:
		if ev.AssetID == "" {
			return
		}
		f.droppedMu.RLock()
		if f.isDropped(ev.AssetID) {
			f.droppedMu.RUnlock()
			return
		}
		book := f.store.ApplySnapshot(ev.AssetID, ev.Market, ev.Bids, ev.Asks, at)
		f.droppedMu.RUnlock()
		f.publish(book)

	case polymarket.EventPriceChange:
		// One notification per touched token, after all of its changes.
		var touched []string
		latest := make(map[string]domain.OrderBook)
		f.droppedMu.RLock()
		for _, c := range ev.Changes {
			if f.isDropped(c.AssetID) {
				continue
			}
			book := f.store.ApplyDelta(c.AssetID, ev.Market, c.Side, c.Price, c.Size, at)
			if _, seen := latest[c.AssetID]; !seen {
				touched = append(touched, c.AssetID)
			}
			latest[c.AssetID] = book
		}
		f.droppedMu.RUnlock()
		for _, id := range touched {
			f.publish(latest[id])
		}

	case polymarket.EventBestBidAsk:
		if ev.AssetID == "" || (ev.BestBid == nil && ev.BestAsk == nil) {
			return
		}
		f.droppedMu.RLock()
		if f.isDropped(ev.AssetID) {
			f.droppedMu.RUnlock()
			return
		}
		book := f.store.ApplyBestBidAsk(ev.AssetID, ev.Market, ev.BestBid, ev.BestAsk, at)
		f.droppedMu.RUnlock()
		f.publish(book)

	case polymarket.EventLastTrade:
		trade := domain.LastTrade{
			TokenID:   ev.AssetID,
			MarketID:  ev.Market,
			Price:     ev.Price,
			Size:      ev.Size,
			Side:      ev.Side,
			Timestamp: at,
		}
		f.handlerMu.RLock()
		handlers := f.onTrade
		f.handlerMu.RUnlock()
		ctx := f.runCtx()
		for _, h := range handlers {
			h(ctx, trade)
		}
	}
}

// isDropped must be called with droppedMu held.
func (f *BookFeed) isDropped(tokenID string) bool {
	_, ok := f.dropped[tokenID]
	return ok
}

func (f *BookFeed) publish(book domain.OrderBook) {
	if f.mirrorCh != nil {
		select {
		case f.mirrorCh <- book:
		default:
			f.logger.Debug("mirror queue full, dropping book", slog.String("token_id", book.TokenID))
		}
	}

	f.handlerMu.RLock()
	handlers := f.onBook
	f.handlerMu.RUnlock()
	ctx := f.runCtx()
	for _, h := range handlers {
		h(ctx, book)
	}
}

func (f *BookFeed) runCtx() context.Context {
	f.ctxMu.RLock()
	defer f.ctxMu.RUnlock()
	return f.ctx
}

// runMirror copies books to the shared cache. Failures are logged and
// never reach the feed.
func (f *BookFeed) runMirror(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case book := <-f.mirrorCh:
			putCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			if err := f.mirror.PutBook(putCtx, book); err != nil {
				f.logger.Debug("mirror book failed",
					slog.String("token_id", book.TokenID),
					slog.String("error", err.Error()),
				)
			}
			cancel()
		}
	}
}
