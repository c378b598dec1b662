package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

type scriptedClient struct {
	mu       sync.Mutex
	failures int // first N calls fail
	gasUSD   float64
	calls    []domain.MergeRequest
}

func (c *scriptedClient) MergePositions(_ context.Context, req domain.MergeRequest) (domain.TxResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if len(c.calls) <= c.failures {
		return domain.TxResult{}, errors.New("rpc boom")
	}
	return domain.TxResult{Success: true, TxHash: "0xfeed", GasUsed: 60_000, GasCostUSD: c.gasUSD}, nil
}

func (c *scriptedClient) EstimateMergeGasUSD(context.Context) (float64, error) { return c.gasUSD, nil }
func (c *scriptedClient) CollateralBalance(context.Context) (float64, error) { return 1000, nil }

type heldLocks struct{ held bool }

func (l *heldLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	if l.held {
		return nil, domain.ErrLockHeld
	}
	return func() {}, nil
}

type stubMarket struct{ m domain.Market }

func (s stubMarket) Kind() domain.OpportunityKind { return domain.OpportunityBinary }
func (s stubMarket) Market() domain.Market { return s.m }
func (s stubMarket) Legs() []domain.LegQuote { return nil }
func (s stubMarket) Analysis() domain.OpportunityAnalysis { return domain.OpportunityAnalysis{} }
func (s stubMarket) MaxSize() float64 { return 0 }
func (s stubMarket) IsExecutable() bool { return true }
func (s stubMarket) DetectedAt() time.Time { return time.Time{} }

func filledTrade(sizes ...float64) *domain.ArbitrageTrade {
	prices := []float64{0.40, 0.50, 0.05}
	t := &domain.ArbitrageTrade{
		ID:          "abcd1234",
		State:       domain.TradeFullyFilled,
		Opportunity: stubMarket{m: domain.Market{ConditionID: "0xcond", NegRisk: true}},
		StartedAt:   time.Now(),
	}
	for i, s := range sizes {
		t.Legs = append(t.Legs, domain.OrderLeg{
			TokenID: "t", Size: s, Price: prices[i], FilledSize: s, FilledPrice: prices[i],
			Status: domain.OrderStatusMatched,
		})
	}
	return t
}

func newTestMerger(client domain.SettlementClient, locks domain.LockManager) (*Merger, *[]time.Duration) {
	m := New(DefaultConfig(), client, locks, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	var slept []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return m, &slept
}

func TestMerge_SuccessRealizesProfit(t *testing.T) {
	client := &scriptedClient{gasUSD: 0.05}
	m, _ := newTestMerger(client, nil)
	tr := filledTrade(100, 100)

	res := m.Merge(context.Background(), tr)
	if !res.Success || res.Attempts != 1 || res.TxHash != "0xfeed" {
		t.Fatalf("result = %+v", res)
	}
	// 100 returned - (40 + 50) paid - 0.05 gas
	if math.Abs(res.ProfitRealized-9.95) > 1e-9 {
		t.Fatalf("profit = %v, want 9.95", res.ProfitRealized)
	}
	if tr.State != domain.TradeCompleted || tr.ActualProfit != res.ProfitRealized || tr.Merge == nil {
		t.Fatalf("trade = %+v", tr)
	}
	req := client.calls[0]
	if req.ConditionID != "0xcond" || req.Amount != 100 || req.OutcomeCount != 2 || !req.NegRisk {
		t.Fatalf("request = %+v", req)
	}
}

func TestMerge_AmountIsSmallestFill(t *testing.T) {
	client := &scriptedClient{}
	m, _ := newTestMerger(client, nil)
	tr := filledTrade(100, 99.2, 100)

	res := m.Merge(context.Background(), tr)
	if res.AmountMerged != 99.2 || client.calls[0].Amount != 99.2 {
		t.Fatalf("amount = %v", res.AmountMerged)
	}
}

func TestMerge_RetriesBelowLimitSucceed(t *testing.T) {
	for failures := 0; failures < 3; failures++ {
		client := &scriptedClient{failures: failures}
		m, slept := newTestMerger(client, nil)

		res := m.Merge(context.Background(), filledTrade(10, 10))
		if !res.Success || res.Attempts != failures+1 {
			t.Fatalf("failures=%d: result = %+v", failures, res)
		}
		if len(*slept) != failures {
			t.Fatalf("failures=%d: slept %v", failures, *slept)
		}
		for i, d := range *slept {
			if want := time.Second << (i + 1); d != want {
				t.Fatalf("backoff %d = %v, want %v", i, d, want)
			}
		}
		for _, c := range client.calls {
			if c.Amount != 10 {
				t.Fatalf("retry changed amount: %+v", c)
			}
		}
	}
}

func TestMerge_RetriesExhausted(t *testing.T) {
	for _, failures := range []int{3, 10} {
		client := &scriptedClient{failures: failures}
		m, _ := newTestMerger(client, nil)
		tr := filledTrade(10, 10)

		res := m.Merge(context.Background(), tr)
		if res.Success || len(client.calls) != 3 || res.Attempts != 3 {
			t.Fatalf("failures=%d: calls=%d result=%+v", failures, len(client.calls), res)
		}
		want := "merge failed after 3 attempts: rpc boom"
		if res.Error != want || tr.Error != want || tr.State != domain.TradeFailed {
			t.Fatalf("error = %q, trade = %s %q", res.Error, tr.State, tr.Error)
		}
	}
}

func TestMerge_BelowMinimumSkipsTransaction(t *testing.T) {
	client := &scriptedClient{}
	m, _ := newTestMerger(client, nil)
	tr := filledTrade(100, 0.5)

	res := m.Merge(context.Background(), tr)
	if res.Success || len(client.calls) != 0 || !strings.Contains(res.Error, "below minimum") {
		t.Fatalf("calls=%d result=%+v", len(client.calls), res)
	}
	if tr.State != domain.TradeFailed {
		t.Fatalf("state = %s", tr.State)
	}
}

func TestMerge_RequiresFullyFilled(t *testing.T) {
	client := &scriptedClient{}
	m, _ := newTestMerger(client, nil)
	tr := filledTrade(10, 10)
	tr.State = domain.TradeFailed
	tr.Error = "partial fill"

	res := m.Merge(context.Background(), tr)
	if res.Success || len(client.calls) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if tr.Error != "partial fill" || tr.Merge != nil {
		t.Fatal("a trade that was never handed off must not be modified")
	}
	if len(m.Results(0)) != 0 {
		t.Fatal("rejected hand-off should not enter the history")
	}
}

func TestMerge_LockHeld(t *testing.T) {
	client := &scriptedClient{}
	m, _ := newTestMerger(client, &heldLocks{held: true})

	res := m.Merge(context.Background(), filledTrade(10, 10))
	if res.Success || len(client.calls) != 0 {
		t.Fatalf("calls=%d result=%+v", len(client.calls), res)
	}
}

func TestMergerStats(t *testing.T) {
	m, _ := newTestMerger(&scriptedClient{gasUSD: 0.01}, nil)
	m.Merge(context.Background(), filledTrade(10, 10))
	m.Merge(context.Background(), filledTrade(10, 10))
	m.Merge(context.Background(), filledTrade(10, 0.1))

	s := m.Stats()
	if s.Total != 3 || s.Successful != 2 || s.Failed != 1 {
		t.Fatalf("stats = %+v", s)
	}
	if math.Abs(s.TotalProfit-2*(10-9-0.01)) > 1e-9 || math.Abs(s.TotalGasUSD-0.02) > 1e-9 {
		t.Fatalf("profit = %v, gas = %v", s.TotalProfit, s.TotalGasUSD)
	}
	if math.Abs(s.SuccessRate-2.0/3.0) > 1e-9 {
		t.Fatalf("success rate = %v", s.SuccessRate)
	}
	if r := m.Results(1); len(r) != 1 || r[0].Success {
		t.Fatalf("latest result = %+v", r)
	}
	if len(m.Pending()) != 0 {
		t.Fatal("nothing should be pending")
	}
}

// blockingClient holds MergePositions until release is closed.
type blockingClient struct {
	scriptedClient
	entered chan struct{}
	release chan struct{}
}

func (c *blockingClient) MergePositions(ctx context.Context, req domain.MergeRequest) (domain.TxResult, error) {
	close(c.entered)
	<-c.release
	return c.scriptedClient.MergePositions(ctx, req)
}

func TestMerger_PendingWhileMerging(t *testing.T) {
	client := &blockingClient{entered: make(chan struct{}), release: make(chan struct{})}
	m, _ := newTestMerger(client, nil)
	tr := filledTrade(10, 10)

	done := make(chan domain.MergeResult, 1)
	go func() { done <- m.Merge(context.Background(), tr) }()
	<-client.entered

	pending := m.Pending()
	if len(pending) != 1 || pending[0].ID != tr.ID || pending[0].State != domain.TradeMerging {
		t.Fatalf("pending = %+v", pending)
	}
	pending[0].State = domain.TradeFailed
	if again := m.Pending(); again[0].State != domain.TradeMerging {
		t.Fatal("Pending returned shared state")
	}

	close(client.release)
	if res := <-done; !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if len(m.Pending()) != 0 {
		t.Fatal("merged trade still pending")
	}
	if tr.State != domain.TradeCompleted {
		t.Fatalf("state = %s", tr.State)
	}
}

func TestPaperClient(t *testing.T) {
	p := NewPaperClient(100, 0.02)
	m, _ := newTestMerger(p, nil)

	res := m.Merge(context.Background(), filledTrade(10, 10))
	if !res.Success || !strings.HasPrefix(res.TxHash, "paper-") {
		t.Fatalf("result = %+v", res)
	}
	bal, _ := p.CollateralBalance(context.Background())
	if math.Abs(bal-109.98) > 1e-9 || p.Merges() != 1 {
		t.Fatalf("balance = %v, merges = %d", bal, p.Merges())
	}
	if _, err := p.MergePositions(context.Background(), domain.MergeRequest{ConditionID: "x", Amount: 1, OutcomeCount: 1}); err == nil {
		t.Fatal("expected invalid request error")
	}
}
