package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyarb/internal/crypto"
	"github.com/alanyoungcy/polyarb/internal/domain"
)

func testClobSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	enclave, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey: "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
	})
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	s, err := crypto.NewSigner(enclave, 137, crypto.Exchanges{
		Standard: common.HexToAddress("0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"),
		NegRisk:  common.HexToAddress("0xC5d563A36AE78145C45a50134d48A1215220f80a"),
	})
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}

func testAuth() *crypto.HMACAuth {
	return &crypto.HMACAuth{Key: "key-1", Secret: "c2VjcmV0LXNlY3JldA==", Passphrase: "pass"}
}

func newTestClob(t *testing.T, h http.HandlerFunc, auth *crypto.HMACAuth) *ClobClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClobClient(ClobConfig{BaseURL: srv.URL}, testClobSigner(t), auth)
	if err != nil {
		t.Fatalf("NewClobClient: %v", err)
	}
	return c
}

func TestClob_PlaceOrderSignsAndPosts(t *testing.T) {
	var got postOrderBody
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/order" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("POLY_API_KEY") != "key-1" || r.Header.Get("POLY_SIGNATURE") == "" {
			t.Errorf("missing L2 headers: %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"success":true,"orderID":"0xabc","status":"live"}`))
	}, testAuth())

	ack, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		TokenID: "1234", Side: domain.OrderSideBuy, Size: 222.2222, Price: 0.45, Type: domain.OrderTypeGTC,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if ack.OrderID != "0xabc" || !ack.Success || ack.Status != domain.OrderStatusOpen {
		t.Fatalf("ack = %+v", ack)
	}
	// 222.22 shares at 0.45 -> 99.999 USDC.
	if got.Order.MakerAmount != "99999000" || got.Order.TakerAmount != "222220000" {
		t.Fatalf("amounts maker=%s taker=%s", got.Order.MakerAmount, got.Order.TakerAmount)
	}
	if got.Order.Side != "BUY" || got.Owner != "key-1" || got.OrderType != "GTC" {
		t.Fatalf("body = %+v", got)
	}
	if got.Order.Signature == "" || got.Order.Salt <= 0 {
		t.Fatalf("unsigned order: %+v", got.Order)
	}
}

func TestClob_PlaceOrderRejected(t *testing.T) {
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success":false,"errorMsg":"not enough balance"}`))
	}, testAuth())

	ack, err := c.PlaceOrder(context.Background(), domain.OrderRequest{
		TokenID: "1", Side: domain.OrderSideBuy, Size: 10, Price: 0.5,
	})
	if !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("err = %v, want ErrInvalidOrder", err)
	}
	if ack.Success || ack.Message != "not enough balance" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestClob_PlaceOrderValidation(t *testing.T) {
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	}, testAuth())

	cases := []domain.OrderRequest{
		{TokenID: "", Size: 10, Price: 0.5},
		{TokenID: "1", Size: 0.001, Price: 0.5},
		{TokenID: "1", Size: 10, Price: 0.999},
		{TokenID: "1", Size: 10, Price: 0},
	}
	for _, req := range cases {
		if _, err := c.PlaceOrder(context.Background(), req); !errors.Is(err, domain.ErrInvalidOrder) {
			t.Fatalf("%+v: err = %v, want ErrInvalidOrder", req, err)
		}
	}
}

func TestClob_PlaceOrderWithoutCredentials(t *testing.T) {
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {}, nil)
	_, err := c.PlaceOrder(context.Background(), domain.OrderRequest{TokenID: "1", Size: 10, Price: 0.5})
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestClob_SellAmountsMirrorBuy(t *testing.T) {
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {}, testAuth())
	maker, taker, err := c.orderAmounts(domain.OrderRequest{TokenID: "1", Side: domain.OrderSideSell, Size: 10, Price: 0.37})
	if err != nil {
		t.Fatalf("orderAmounts: %v", err)
	}
	if maker.String() != "10000000" || taker.String() != "3700000" {
		t.Fatalf("maker=%s taker=%s", maker, taker)
	}
}

func TestClob_GetOrderStatus(t *testing.T) {
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data/order/0xabc" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"0xabc","status":"MATCHED","original_size":"10","size_matched":"10","price":"0.45"}`))
	}, testAuth())

	rep, err := c.GetOrderStatus(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if rep.Status != domain.OrderStatusMatched || rep.FilledSize != 10 || rep.FilledPrice != 0.45 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestClob_StatusErrors(t *testing.T) {
	cases := map[int]error{
		http.StatusNotFound:        domain.ErrNotFound,
		http.StatusUnauthorized:    domain.ErrUnauthorized,
		http.StatusTooManyRequests: domain.ErrRateLimited,
	}
	for code, want := range cases {
		c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}, testAuth())
		if _, err := c.GetOrderStatus(context.Background(), "x"); !errors.Is(err, want) {
			t.Fatalf("HTTP %d: err = %v, want %v", code, err, want)
		}
	}
}

func TestClob_CancelOrder(t *testing.T) {
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		_, _ = w.Write([]byte(`{"canceled":[],"not_canceled":{"0xdead":"order already matched"}}`))
	}, testAuth())

	if err := c.CancelOrder(context.Background(), "0xbeef"); err != nil {
		t.Fatalf("CancelOrder(0xbeef): %v", err)
	}
	if err := c.CancelOrder(context.Background(), "0xdead"); err == nil {
		t.Fatal("expected refusal for 0xdead")
	}
}

func TestClob_DeriveAPIKey(t *testing.T) {
	c := newTestClob(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/derive-api-key" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("POLY_ADDRESS") == "" || r.Header.Get("POLY_SIGNATURE") == "" {
			t.Errorf("missing L1 headers")
		}
		_, _ = w.Write([]byte(`{"apiKey":"k","secret":"c2VjcmV0","passphrase":"p"}`))
	}, nil)

	auth, err := c.DeriveAPIKey(context.Background())
	if err != nil {
		t.Fatalf("DeriveAPIKey: %v", err)
	}
	if auth.Key != "k" || c.auth() == nil {
		t.Fatalf("credentials not installed: %+v", auth)
	}
}
