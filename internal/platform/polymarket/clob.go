package polymarket

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

const (
	usdcDecimals   = 6
	lotSizeScale   = 2
	defaultTick    = "0.01"
	zeroAddress    = "0x0000000000000000000000000000000000000000"
	sideBuyOnWire  = 0
	sideSellOnWire = 1
)

// ClobConfig configures the CLOB REST client.
type ClobConfig struct {
	BaseURL  string
	TickSize string // price increment, e.g. "0.01"
	Timeout  time.Duration
}

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It signs every order it places and implements
// domain.OrderGateway.
type ClobClient struct {
	baseURL    string
	tick       decimal.Decimal
	httpClient *http.Client
	signer     *crypto.Signer

	authMu   sync.RWMutex
	hmacAuth *crypto.HMACAuth
}

var _ domain.OrderGateway = (*ClobClient)(nil)

// NewClobClient creates a new CLOB REST client. hmac may be nil, in which
// case DeriveAPIKey must be called before any authenticated request.
func NewClobClient(cfg ClobConfig, signer *crypto.Signer, hmac *crypto.HMACAuth) (*ClobClient, error) {
	tickStr := cfg.TickSize
	if tickStr == "" {
		tickStr = defaultTick
	}
	tick, err := decimal.NewFromString(tickStr)
	if err != nil || !tick.IsPositive() || tick.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("polymarket/clob: invalid tick size %q", tickStr)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ClobClient{
		baseURL:    cfg.BaseURL,
		tick:       tick,
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
		hmacAuth:   hmac,
	}, nil
}

// wireOrder is the signed order body accepted by POST /order.
type wireOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

type postOrderBody struct {
	Order     wireOrder `json:"order"`
	Owner     string    `json:"owner"`
	OrderType string    `json:"orderType"`
}

// PlaceOrder builds, signs and submits a limit order. A rejected order is
// returned as an unsuccessful ack together with an error.
func (c *ClobClient) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	auth := c.auth()
	if auth == nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: place order: %w: no api credentials", domain.ErrUnauthorized)
	}

	makerAmt, takerAmt, err := c.orderAmounts(req)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: place order: %w", err)
	}

	salt := newSalt()
	wallet := c.signer.Address().Hex()
	side, sideName := sideBuyOnWire, "BUY"
	if req.Side == domain.OrderSideSell {
		side, sideName = sideSellOnWire, "SELL"
	}

	payload := crypto.OrderPayload{
		Salt:          strconv.FormatInt(salt, 10),
		Maker:         wallet,
		Signer:        wallet,
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: 0,
	}
	sig, err := c.signer.SignOrder(payload, req.NegRisk)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: place order: %w", err)
	}

	orderType := req.Type
	if orderType == "" {
		orderType = domain.OrderTypeGTC
	}
	body := postOrderBody{
		Order: wireOrder{
			Salt:          salt,
			Maker:         payload.Maker,
			Signer:        payload.Signer,
			Taker:         payload.Taker,
			TokenID:       payload.TokenID,
			MakerAmount:   payload.MakerAmount,
			TakerAmount:   payload.TakerAmount,
			Expiration:    payload.Expiration,
			Nonce:         payload.Nonce,
			FeeRateBps:    payload.FeeRateBps,
			Side:          sideName,
			SignatureType: payload.SignatureType,
			Signature:     sig,
		},
		Owner:     auth.Key,
		OrderType: string(orderType),
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	ack := apiResult.ToOrderAck()
	if !ack.Success {
		return ack, fmt.Errorf("polymarket/clob: %w: %s", domain.ErrInvalidOrder, ack.Message)
	}
	return ack, nil
}

// CancelOrder cancels a single order by its ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{
		"orderID": orderID,
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}
	return checkCancelResponse(respBody, orderID)
}

// CancelAll cancels all open orders for the authenticated wallet.
func (c *ClobClient) CancelAll(ctx context.Context) error {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/cancel-all", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel all: %w", err)
	}
	return checkCancelResponse(respBody, "")
}

// GetOrderStatus reports how much of an order has filled.
func (c *ClobClient) GetOrderStatus(ctx context.Context, orderID string) (domain.OrderStatusReport, error) {
	path := "/data/order/" + url.PathEscape(orderID)

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return domain.OrderStatusReport{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}

	var apiOrder APIOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return domain.OrderStatusReport{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	report := apiOrder.ToStatusReport()
	if report.OrderID == "" {
		report.OrderID = orderID
	}
	return report, nil
}

// DeriveAPIKey performs the L1 auth flow: it signs a ClobAuth EIP-712
// message and exchanges it for HMAC credentials, which the client then
// uses for every subsequent request.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) (*crypto.HMACAuth, error) {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header["POLY_ADDRESS"] = []string{address}
	req.Header["POLY_SIGNATURE"] = []string{sig}
	req.Header["POLY_TIMESTAMP"] = []string{strconv.FormatInt(timestamp, 10)}
	req.Header["POLY_NONCE"] = []string{strconv.FormatInt(nonce, 10)}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, fmt.Errorf("polymarket/clob: derive api key: %w", err)
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}
	if authResp.APIKey == "" || authResp.Secret == "" {
		return nil, fmt.Errorf("polymarket/clob: derive api key: %w: empty credentials", domain.ErrUnauthorized)
	}

	auth := &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	c.authMu.Lock()
	c.hmacAuth = auth
	c.authMu.Unlock()
	return auth, nil
}

// --------------------------------------------------------------------------
// Order amounts
// --------------------------------------------------------------------------

// orderAmounts converts price and size into the integer maker/taker amounts
// of the signed payload. A buy gives price*size collateral for size shares;
// a sell is the mirror image. Both are expressed in 6-decimal base units.
func (c *ClobClient) orderAmounts(req domain.OrderRequest) (maker, taker *big.Int, err error) {
	if req.TokenID == "" {
		return nil, nil, fmt.Errorf("%w: empty token id", domain.ErrInvalidOrder)
	}
	price := decimal.NewFromFloat(req.Price)
	size := decimal.NewFromFloat(req.Size).Truncate(lotSizeScale)
	if !size.IsPositive() {
		return nil, nil, fmt.Errorf("%w: size %v below lot size", domain.ErrInvalidOrder, req.Size)
	}

	tickScale := decimalPlaces(c.tick)
	price = price.Round(tickScale)
	if price.LessThan(c.tick) || price.GreaterThan(decimal.NewFromInt(1).Sub(c.tick)) {
		return nil, nil, fmt.Errorf("%w: price %s out of bounds for tick %s", domain.ErrInvalidOrder, price, c.tick)
	}

	notional := size.Mul(price).Truncate(tickScale + lotSizeScale)
	makerAmt, takerAmt := notional, size
	if req.Side == domain.OrderSideSell {
		makerAmt, takerAmt = size, notional
	}
	return toBaseUnits(makerAmt), toBaseUnits(takerAmt), nil
}

func decimalPlaces(d decimal.Decimal) int32 {
	if exp := d.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

func toBaseUnits(d decimal.Decimal) *big.Int {
	return d.Truncate(usdcDecimals).Shift(usdcDecimals).Truncate(0).BigInt()
}

// newSalt returns a positive salt that survives a JSON number round trip.
func newSalt() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) & ((1 << 53) - 1))
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *ClobClient) auth() *crypto.HMACAuth {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.hmacAuth
}

func checkCancelResponse(body []byte, orderID string) error {
	var result struct {
		Canceled    []string          `json:"canceled"`
		NotCanceled map[string]string `json:"not_canceled"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if orderID != "" {
		if reason, ok := result.NotCanceled[orderID]; ok {
			return fmt.Errorf("polymarket/clob: cancel %s refused: %s", orderID, reason)
		}
	}
	return nil
}

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// POLY_* header names are sent verbatim.
	if auth := c.auth(); auth != nil {
		address := c.signer.Address().Hex()
		for k, v := range auth.L2Headers(address, method, path, bodyStr) {
			req.Header[k] = []string{v}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", domain.ErrInvalidOrder, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
