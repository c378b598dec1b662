package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const (
	gammaPageSize = 100
	gammaMaxPages = 200
)

// GammaClient is the REST client for the Polymarket Gamma API, which
// provides market discovery and metadata.
type GammaClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewGammaClient creates a new Gamma API client.
//
// baseURL is the Gamma API root, e.g. "https://gamma-api.polymarket.com".
func NewGammaClient(baseURL string) *GammaClient {
	return &GammaClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetMarkets returns one page of markets.
func (g *GammaClient) GetMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	if f.Limit <= 0 {
		f.Limit = gammaPageSize
	}

	body, err := g.doGet(ctx, "/markets?"+pageParams(f).Encode())
	if err != nil {
		return nil, fmt.Errorf("polymarket/gamma: get markets: %w", err)
	}

	markets, _, err := decodeTradable(body)
	return markets, err
}

// FetchMarkets pages through the catalog until a short page is returned.
// Only order-book-enabled markets with at least two outcome tokens are kept.
func (g *GammaClient) FetchMarkets(ctx context.Context, f domain.MarketFilter) ([]domain.Market, error) {
	if f.Limit <= 0 {
		f.Limit = gammaPageSize
	}
	var out []domain.Market
	seen := make(map[string]struct{})
	for page := 0; page < gammaMaxPages; page++ {
		body, err := g.doGet(ctx, "/markets?"+pageParams(f).Encode())
		if err != nil {
			return out, fmt.Errorf("polymarket/gamma: fetch markets offset %d: %w", f.Offset, err)
		}
		markets, raw, err := decodeTradable(body)
		if err != nil {
			return out, err
		}
		for _, m := range markets {
			if _, dup := seen[m.ConditionID]; dup {
				continue
			}
			seen[m.ConditionID] = struct{}{}
			out = append(out, m)
		}
		if raw < f.Limit {
			break
		}
		f.Offset += f.Limit
	}
	return out, nil
}

// GetMarket returns a single market by its ID.
func (g *GammaClient) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	path := fmt.Sprintf("/markets/%s", url.PathEscape(id))

	body, err := g.doGet(ctx, path)
	if err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: get market %s: %w", id, err)
	}

	var apiMarket APIMarket
	if err := json.Unmarshal(body, &apiMarket); err != nil {
		return domain.Market{}, fmt.Errorf("polymarket/gamma: decode market: %w", err)
	}

	return apiMarket.ToDomainMarket(), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// decodeTradable decodes a page of markets and keeps the ones with an order
// book and at least two outcome tokens. raw is the unfiltered page length.
func decodeTradable(body []byte) (markets []domain.Market, raw int, err error) {
	var apiMarkets []APIMarket
	if err := json.Unmarshal(body, &apiMarkets); err != nil {
		return nil, 0, fmt.Errorf("polymarket/gamma: decode markets: %w", err)
	}
	markets = make([]domain.Market, 0, len(apiMarkets))
	for i := range apiMarkets {
		m := &apiMarkets[i]
		if !bool(m.EnableOrderBook) {
			continue
		}
		dm := m.ToDomainMarket()
		if len(dm.Outcomes) < 2 || dm.ConditionID == "" {
			continue
		}
		markets = append(markets, dm)
	}
	return markets, len(apiMarkets), nil
}

func pageParams(f domain.MarketFilter) url.Values {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(f.Limit))
	params.Set("offset", strconv.Itoa(f.Offset))
	if f.Active {
		params.Set("active", "true")
	}
	if !f.Closed {
		params.Set("closed", "false")
	}
	if f.MinLiquidity > 0 {
		params.Set("liquidity_num_min", strconv.FormatFloat(f.MinLiquidity, 'f', -1, 64))
	}
	return params
}

// doGet sends an unauthenticated GET request to the Gamma API.
func (g *GammaClient) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}
