package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// MarketSource lists tradable markets. polymarket.GammaClient implements it.
type MarketSource interface {
	FetchMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error)
}

// MarketCatalog holds the markets the detector evaluates.
// arbitrage.Coordinator implements it.
type MarketCatalog interface {
	UpdateMarkets(markets []domain.Market) (added, removed []string)
}

// Subscriber manages the market data subscription set. feed.BookFeed
// implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, tokenIDs []string) error
	Unsubscribe(ctx context.Context, tokenIDs []string) error
}

// MarketConfig tunes catalog refreshes.
type MarketConfig struct {
	RefreshInterval time.Duration
	MinLiquidity    float64
	MaxMarkets      int // 0 means no limit
}

// MarketService keeps the detector catalog and the feed subscription in
// step with the exchange's market list.
type MarketService struct {
	source  MarketSource
	catalog MarketCatalog
	feed    Subscriber
	cfg     MarketConfig
	logger  *slog.Logger

	mu          sync.Mutex
	lastRefresh time.Time
	lastCount   int
}

// NewMarketService creates a MarketService. feed may be nil in modes that
// do not stream books.
func NewMarketService(
	source MarketSource,
	catalog MarketCatalog,
	feed Subscriber,
	cfg MarketConfig,
	logger *slog.Logger,
) *MarketService {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	return &MarketService{
		source:  source,
		catalog: catalog,
		feed:    feed,
		cfg:     cfg,
		logger:  logger,
	}
}

// Refresh fetches the market list, swaps it into the catalog, subscribes
// newly listed tokens and drops the ones that disappeared. On a fetch
// error the previous catalog is kept.
func (s *MarketService) Refresh(ctx context.Context) (added, removed []string, err error) {
	markets, err := s.source.FetchMarkets(ctx, domain.MarketFilter{
		Active:       true,
		MinLiquidity: s.cfg.MinLiquidity,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("market_service: fetch markets: %w", err)
	}
	if s.cfg.MaxMarkets > 0 && len(markets) > s.cfg.MaxMarkets {
		markets = markets[:s.cfg.MaxMarkets]
	}

	added, removed = s.catalog.UpdateMarkets(markets)

	if s.feed != nil {
		if len(removed) > 0 {
			if err := s.feed.Unsubscribe(ctx, removed); err != nil {
				s.logger.WarnContext(ctx, "market_service: unsubscribe failed",
					slog.Int("tokens", len(removed)),
					slog.String("error", err.Error()),
				)
			}
		}
		if len(added) > 0 {
			if err := s.feed.Subscribe(ctx, added); err != nil {
				return added, removed, fmt.Errorf("market_service: subscribe %d tokens: %w", len(added), err)
			}
		}
	}

	s.mu.Lock()
	s.lastRefresh = time.Now()
	s.lastCount = len(markets)
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "market_service: catalog refreshed",
		slog.Int("markets", len(markets)),
		slog.Int("tokens_added", len(added)),
		slog.Int("tokens_removed", len(removed)),
	)
	return added, removed, nil
}

// Run refreshes the catalog every RefreshInterval until ctx is cancelled.
// The first refresh must succeed; later failures are logged and retried
// on the next tick.
func (s *MarketService) Run(ctx context.Context) error {
	if _, _, err := s.Refresh(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.Refresh(ctx); err != nil {
				s.logger.ErrorContext(ctx, "market_service: refresh failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// LastRefresh returns when the catalog was last replaced and how many
// markets it held.
func (s *MarketService) LastRefresh() (time.Time, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRefresh, s.lastCount
}
