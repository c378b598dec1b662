package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// BookMirror implements domain.BookMirror. Each token's book is stored as
//
//	{prefix}:book:{token}:bids       sorted set, score = price, member = price string
//	{prefix}:book:{token}:asks       sorted set, score = price, member = price string
//	{prefix}:book:{token}:bid:size   hash price -> size
//	{prefix}:book:{token}:ask:size   hash price -> size
//	{prefix}:book:{token}:meta       hash market_id, ts (unix nanos)
//
// All keys expire after ttl so books of tokens that left the catalog age out.
type BookMirror struct {
	c   *Client
	ttl time.Duration
}

var _ domain.BookMirror = (*BookMirror)(nil)

// NewBookMirror creates a BookMirror. A zero ttl defaults to 10 minutes.
func NewBookMirror(c *Client, ttl time.Duration) *BookMirror {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &BookMirror{c: c, ttl: ttl}
}

type bookKeys struct {
	bids, asks, bidSize, askSize, meta string
}

func (m *BookMirror) keys(tokenID string) bookKeys {
	return bookKeys{
		bids:    m.c.key("book", tokenID, "bids"),
		asks:    m.c.key("book", tokenID, "asks"),
		bidSize: m.c.key("book", tokenID, "bid", "size"),
		askSize: m.c.key("book", tokenID, "ask", "size"),
		meta:    m.c.key("book", tokenID, "meta"),
	}
}

// PutBook atomically replaces the mirrored book for book.TokenID.
func (m *BookMirror) PutBook(ctx context.Context, book domain.OrderBook) error {
	k := m.keys(book.TokenID)
	ts := book.UpdatedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	pipe := m.c.rdb.TxPipeline()
	pipe.Del(ctx, k.bids, k.asks, k.bidSize, k.askSize, k.meta)
	writeSide(ctx, pipe, k.bids, k.bidSize, book.Bids)
	writeSide(ctx, pipe, k.asks, k.askSize, book.Asks)
	pipe.HSet(ctx, k.meta, "market_id", book.MarketID, "ts", strconv.FormatInt(ts.UnixNano(), 10))
	for _, key := range []string{k.bids, k.asks, k.bidSize, k.askSize, k.meta} {
		pipe.Expire(ctx, key, m.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: put book %s: %w", book.TokenID, err)
	}
	return nil
}

func writeSide(ctx context.Context, pipe redis.Pipeliner, zKey, hKey string, levels []domain.PriceLevel) {
	for _, lvl := range levels {
		if lvl.Size <= 0 {
			continue
		}
		p := formatFloat(lvl.Price)
		pipe.ZAdd(ctx, zKey, redis.Z{Score: lvl.Price, Member: p})
		pipe.HSet(ctx, hKey, p, formatFloat(lvl.Size))
	}
}

// GetBook reads a mirrored book with bids highest first and asks lowest
// first. It returns domain.ErrNotFound when nothing is mirrored for tokenID.
func (m *BookMirror) GetBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	k := m.keys(tokenID)

	pipe := m.c.rdb.Pipeline()
	bidsCmd := pipe.ZRevRangeWithScores(ctx, k.bids, 0, -1)
	asksCmd := pipe.ZRangeWithScores(ctx, k.asks, 0, -1)
	bidSizeCmd := pipe.HGetAll(ctx, k.bidSize)
	askSizeCmd := pipe.HGetAll(ctx, k.askSize)
	metaCmd := pipe.HGetAll(ctx, k.meta)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return domain.OrderBook{}, fmt.Errorf("redis: get book %s: %w", tokenID, err)
	}

	meta := metaCmd.Val()
	if len(meta) == 0 {
		return domain.OrderBook{}, domain.ErrNotFound
	}

	book := domain.OrderBook{
		TokenID:  tokenID,
		MarketID: meta["market_id"],
		Bids:     joinLevels(bidsCmd.Val(), bidSizeCmd.Val()),
		Asks:     joinLevels(asksCmd.Val(), askSizeCmd.Val()),
	}
	if ns, err := strconv.ParseInt(meta["ts"], 10, 64); err == nil {
		book.UpdatedAt = time.Unix(0, ns)
	}
	return book, nil
}

// joinLevels pairs sorted-set prices with their sizes, keeping the set's
// order and skipping members without a size.
func joinLevels(prices []redis.Z, sizes map[string]string) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(prices))
	for _, z := range prices {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		size, err := strconv.ParseFloat(sizes[member], 64)
		if err != nil || size <= 0 {
			continue
		}
		out = append(out, domain.PriceLevel{Price: z.Score, Size: size})
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
