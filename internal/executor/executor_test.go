package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/orderbook"
)

// --------------------------------------------------------------------------
// Test doubles
// --------------------------------------------------------------------------

type stubOpp struct {
	market  domain.Market
	legs    []domain.LegQuote
	maxSize float64
}

func (o stubOpp) Kind() domain.OpportunityKind {
	if len(o.legs) == 2 {
		return domain.OpportunityBinary
	}
	return domain.OpportunityCategorical
}
func (o stubOpp) Market() domain.Market { return o.market }
func (o stubOpp) Legs() []domain.LegQuote { return o.legs }
func (o stubOpp) MaxSize() float64 { return o.maxSize }
func (o stubOpp) IsExecutable() bool { return true }
func (o stubOpp) DetectedAt() time.Time { return time.Now() }
func (o stubOpp) Analysis() domain.OpportunityAnalysis {
	return domain.OpportunityAnalysis{IsProfitable: true, PotentialProfit: 1.5}
}

func newOpp(prices ...float64) stubOpp {
	o := stubOpp{market: domain.Market{ConditionID: "cond-1", Question: "q"}, maxSize: 40}
	for i, p := range prices {
		id := fmt.Sprintf("tok-%d", i)
		o.market.Outcomes = append(o.market.Outcomes, domain.Outcome{TokenID: id, Label: id})
		o.legs = append(o.legs, domain.LegQuote{TokenID: id, Outcome: id, AskPrice: p, AskSize: 1000})
	}
	return o
}

type scriptedOrder struct {
	req    domain.OrderRequest
	status domain.OrderStatus
}

// scriptedGateway fills each token to a configured fraction of its size.
type scriptedGateway struct {
	mu        sync.Mutex
	fill      map[string]float64 // tokenID -> fraction filled
	placeErr  map[string]error
	block     chan struct{} // when set, PlaceOrder waits on it
	orders    map[string]*scriptedOrder
	cancelled []string
	seq       int
}

func newScripted() *scriptedGateway {
	return &scriptedGateway{
		fill:     map[string]float64{},
		placeErr: map[string]error{},
		orders:   map[string]*scriptedOrder{},
	}
}

func (g *scriptedGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return domain.OrderAck{}, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.placeErr[req.TokenID]; err != nil {
		return domain.OrderAck{}, err
	}
	g.seq++
	id := fmt.Sprintf("ord-%d", g.seq)
	g.orders[id] = &scriptedOrder{req: req, status: domain.OrderStatusOpen}
	return domain.OrderAck{OrderID: id, Success: true, Status: domain.OrderStatusOpen}, nil
}

func (g *scriptedGateway) CancelOrder(_ context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	o.status = domain.OrderStatusCancelled
	g.cancelled = append(g.cancelled, orderID)
	return nil
}

func (g *scriptedGateway) GetOrderStatus(_ context.Context, orderID string) (domain.OrderStatusReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return domain.OrderStatusReport{}, domain.ErrNotFound
	}
	frac := g.fill[o.req.TokenID]
	rep := domain.OrderStatusReport{
		OrderID:     orderID,
		Status:      o.status,
		FilledSize:  o.req.Size * frac,
		FilledPrice: o.req.Price,
	}
	if frac >= 1 && o.status == domain.OrderStatusOpen {
		rep.Status = domain.OrderStatusMatched
	}
	return rep, nil
}

func (g *scriptedGateway) cancels() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FillTimeout = 200 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.CancelTimeout = time.Second
	return cfg
}

func newTestExecutor(cfg Config, gw domain.OrderGateway, events domain.EventSink) *Executor {
	return New(cfg, gw, events, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// --------------------------------------------------------------------------
// Saga
// --------------------------------------------------------------------------

func TestExecute_FullyFilled(t *testing.T) {
	gw := newScripted()
	gw.fill["tok-0"], gw.fill["tok-1"] = 1, 1

	var mu sync.Mutex
	var states []string
	sink := domain.EventSinkFunc(func(_ context.Context, ev domain.Event) {
		if ev.Type == domain.EventTradeStateChanged {
			mu.Lock()
			states = append(states, ev.Fields["to"].(string))
			mu.Unlock()
		}
	})
	e := newTestExecutor(testConfig(), gw, sink)

	tr := e.Execute(context.Background(), newOpp(0.40, 0.50))
	if tr.State != domain.TradeFullyFilled || tr.Error != "" {
		t.Fatalf("state = %s, error = %q", tr.State, tr.Error)
	}
	if len(tr.ID) != 8 || tr.ExpectedProfit != 1.5 {
		t.Fatalf("trade = %+v", tr)
	}
	if tr.Legs[0].Size != 100 || tr.Legs[1].Size != 80 {
		t.Fatalf("leg sizes = %v, %v; want maxSize/ask", tr.Legs[0].Size, tr.Legs[1].Size)
	}
	for _, l := range tr.Legs {
		if l.Status != domain.OrderStatusMatched || !l.Filled() {
			t.Fatalf("leg = %+v", l)
		}
	}
	if len(gw.cancels()) != 0 {
		t.Fatalf("unexpected cancels %v", gw.cancels())
	}
	want := "placing_orders,monitoring_fills,fully_filled"
	if got := strings.Join(states, ","); got != want {
		t.Fatalf("transitions = %s, want %s", got, want)
	}
	if s := e.Stats(); s.Active != 0 || s.FullyFilled != 1 || s.Total != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestExecute_PartialFillCancelsLiveLegOnly(t *testing.T) {
	gw := newScripted()
	gw.fill["tok-0"], gw.fill["tok-1"] = 1, 0.4
	e := newTestExecutor(testConfig(), gw, nil)

	tr := e.Execute(context.Background(), newOpp(0.40, 0.50))
	if tr.State != domain.TradeFailed || tr.Error != "partial fill" {
		t.Fatalf("state = %s, error = %q", tr.State, tr.Error)
	}
	cancels := gw.cancels()
	if len(cancels) != 1 || cancels[0] != tr.Legs[1].OrderID {
		t.Fatalf("cancels = %v, want only %s", cancels, tr.Legs[1].OrderID)
	}
	if tr.Legs[0].Status != domain.OrderStatusMatched || tr.Legs[1].Status != domain.OrderStatusCancelled {
		t.Fatalf("leg statuses = %s, %s", tr.Legs[0].Status, tr.Legs[1].Status)
	}
	if !tr.AnyFilled() || tr.AllFilled() {
		t.Fatal("trade should be partially filled")
	}
}

func TestExecute_WithinToleranceCountsAsFilled(t *testing.T) {
	gw := newScripted()
	gw.fill["tok-0"], gw.fill["tok-1"] = 1, 0.995
	e := newTestExecutor(testConfig(), gw, nil)

	if tr := e.Execute(context.Background(), newOpp(0.40, 0.50)); tr.State != domain.TradeFullyFilled {
		t.Fatalf("state = %s, error = %q", tr.State, tr.Error)
	}
	if len(gw.cancels()) != 0 {
		t.Fatalf("cancels = %v", gw.cancels())
	}
}

func TestExecute_PlacementFailureCancelsPlacedLegs(t *testing.T) {
	gw := newScripted()
	gw.placeErr["tok-1"] = errors.New("exchange unavailable")
	e := newTestExecutor(testConfig(), gw, nil)

	tr := e.Execute(context.Background(), newOpp(0.30, 0.30, 0.25))
	if tr.State != domain.TradeFailed || !strings.HasPrefix(tr.Error, "only 2/3 orders placed") {
		t.Fatalf("state = %s, error = %q", tr.State, tr.Error)
	}
	if n := len(gw.cancels()); n != 2 {
		t.Fatalf("cancels = %d, want 2", n)
	}
	if tr.Legs[1].Status != domain.OrderStatusFailed || tr.Legs[1].OrderID != "" {
		t.Fatalf("failed leg = %+v", tr.Legs[1])
	}
}

func TestExecute_RejectedAckCountsAsFailure(t *testing.T) {
	gw := &rejectingGateway{scriptedGateway: newScripted()}
	e := newTestExecutor(testConfig(), gw, nil)

	tr := e.Execute(context.Background(), newOpp(0.40, 0.50))
	if tr.State != domain.TradeFailed || !strings.Contains(tr.Error, "only 1/2 orders placed") {
		t.Fatalf("state = %s, error = %q", tr.State, tr.Error)
	}
}

// rejectingGateway acknowledges tok-1 without accepting it.
type rejectingGateway struct{ *scriptedGateway }

func (g *rejectingGateway) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	if req.TokenID == "tok-1" {
		return domain.OrderAck{Success: false, Message: "not enough balance"}, nil
	}
	return g.scriptedGateway.PlaceOrder(ctx, req)
}

func TestExecute_FillTimeout(t *testing.T) {
	gw := newScripted()
	cfg := testConfig()
	cfg.FillTimeout = 30 * time.Millisecond
	e := newTestExecutor(cfg, gw, nil)

	start := time.Now()
	tr := e.Execute(context.Background(), newOpp(0.40, 0.50))
	if tr.State != domain.TradeFailed || tr.Error != "partial fill" {
		t.Fatalf("state = %s, error = %q", tr.State, tr.Error)
	}
	if time.Since(start) > time.Second {
		t.Fatal("fill timeout not enforced")
	}
	if len(gw.cancels()) != 2 {
		t.Fatalf("cancels = %v", gw.cancels())
	}
}

// --------------------------------------------------------------------------
// Capacity and shutdown
// --------------------------------------------------------------------------

func TestExecute_CapacityRejectsWithoutBlocking(t *testing.T) {
	gw := newScripted()
	gw.block = make(chan struct{})
	gw.fill["tok-0"], gw.fill["tok-1"] = 1, 1
	cfg := testConfig()
	cfg.MaxConcurrentTrades = 1
	e := newTestExecutor(cfg, gw, nil)

	done := make(chan *domain.ArbitrageTrade, 1)
	go func() { done <- e.Execute(context.Background(), newOpp(0.40, 0.50)) }()
	waitFor(t, "first trade to become active", func() bool { return e.Stats().Active == 1 })

	second := e.Execute(context.Background(), newOpp(0.40, 0.50))
	if !IsCapacityError(second) || second.Error != "max concurrent trades reached" {
		t.Fatalf("second trade = %s %q", second.State, second.Error)
	}

	close(gw.block)
	if first := <-done; first.State != domain.TradeFullyFilled {
		t.Fatalf("first trade state = %s", first.State)
	}
	if s := e.Stats(); s.Rejected != 1 || s.Total != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestCancelAll_MarksTradesCancelled(t *testing.T) {
	gw := newScripted()
	cfg := testConfig()
	cfg.FillTimeout = 10 * time.Second
	e := newTestExecutor(cfg, gw, nil)

	done := make(chan *domain.ArbitrageTrade, 1)
	go func() { done <- e.Execute(context.Background(), newOpp(0.40, 0.50)) }()
	waitFor(t, "fill monitoring", func() bool {
		for _, tr := range e.ActiveTrades() {
			if tr.State == domain.TradeMonitoringFills {
				return true
			}
		}
		return false
	})

	if n := e.CancelAll(context.Background()); n != 2 {
		t.Fatalf("CancelAll = %d, want 2", n)
	}
	tr := <-done
	if tr.State != domain.TradeCancelled {
		t.Fatalf("state = %s, error = %q", tr.State, tr.Error)
	}
	if s := e.Stats(); s.Cancelled != 1 || s.Active != 0 {
		t.Fatalf("stats = %+v", s)
	}
	if e.CancelAll(context.Background()) != 0 {
		t.Fatal("second CancelAll should find nothing")
	}
}

// stallingGateway holds every placement until release is closed, even when
// the caller gives up, and then accepts the order.
type stallingGateway struct {
	*scriptedGateway
	entered chan struct{}
	release chan struct{}
}

func (g *stallingGateway) PlaceOrder(_ context.Context, req domain.OrderRequest) (domain.OrderAck, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.scriptedGateway.PlaceOrder(context.Background(), req)
}

func TestCancelAll_DuringPlacementCancelsAcceptedOrders(t *testing.T) {
	gw := &stallingGateway{
		scriptedGateway: newScripted(),
		entered:         make(chan struct{}, 2),
		release:         make(chan struct{}),
	}
	cfg := testConfig()
	cfg.FillTimeout = 10 * time.Second
	e := newTestExecutor(cfg, gw, nil)

	done := make(chan *domain.ArbitrageTrade, 1)
	go func() { done <- e.Execute(context.Background(), newOpp(0.40, 0.50)) }()
	for i := 0; i < 2; i++ {
		select {
		case <-gw.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("placement never started")
		}
	}

	// No order ids are known yet.
	if n := e.CancelAll(context.Background()); n != 0 {
		t.Fatalf("CancelAll = %d, want 0", n)
	}
	close(gw.release)

	var tr *domain.ArbitrageTrade
	select {
	case tr = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("trade did not finish after cancel")
	}
	if tr.State != domain.TradeCancelled {
		t.Fatalf("state = %s, error = %q", tr.State, tr.Error)
	}
	if n := len(gw.cancels()); n != 2 {
		t.Fatalf("cancels = %v, want both accepted orders", gw.cancels())
	}
	for _, l := range tr.Legs {
		if l.OrderID == "" || l.Status != domain.OrderStatusCancelled {
			t.Fatalf("leg left working: %+v", l)
		}
	}
	if s := e.Stats(); s.Cancelled != 1 || s.Active != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestRecord_ReplacesHistoryEntry(t *testing.T) {
	gw := newScripted()
	gw.fill["tok-0"], gw.fill["tok-1"] = 1, 1
	e := newTestExecutor(testConfig(), gw, nil)

	tr := e.Execute(context.Background(), newOpp(0.40, 0.50))
	if tr.State != domain.TradeFullyFilled {
		t.Fatalf("state = %s", tr.State)
	}
	tr.State = domain.TradeCompleted
	tr.ActualProfit = 1.2
	e.Record(tr)
	tr.ActualProfit = 99 // history holds its own copy

	got, ok := e.Trade(tr.ID)
	if !ok || got.State != domain.TradeCompleted || got.ActualProfit != 1.2 {
		t.Fatalf("Trade = %+v, %v", got, ok)
	}
	if hist := e.CompletedTrades(1); len(hist) != 1 || hist[0].State != domain.TradeCompleted {
		t.Fatalf("history = %+v", hist)
	}

	e.Record(&domain.ArbitrageTrade{ID: "unknown", State: domain.TradeCompleted})
	if len(e.CompletedTrades(0)) != 1 {
		t.Fatal("unknown trade added to history")
	}
}

func TestHistoryIsBounded(t *testing.T) {
	gw := newScripted()
	gw.fill["tok-0"], gw.fill["tok-1"] = 1, 1
	cfg := testConfig()
	cfg.HistorySize = 2
	e := newTestExecutor(cfg, gw, nil)

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, e.Execute(context.Background(), newOpp(0.40, 0.50)).ID)
	}
	hist := e.CompletedTrades(0)
	if len(hist) != 2 || hist[0].ID != ids[2] || hist[1].ID != ids[1] {
		t.Fatalf("history = %v", hist)
	}
	if _, ok := e.Trade(ids[0]); ok {
		t.Fatal("oldest trade should have been evicted")
	}
	if tr, ok := e.Trade(ids[2]); !ok || tr.State != domain.TradeFullyFilled {
		t.Fatal("newest trade not found")
	}
	if got := e.CompletedTrades(1); len(got) != 1 || got[0].ID != ids[2] {
		t.Fatal("limit not honoured")
	}
}

// --------------------------------------------------------------------------
// Paper gateway
// --------------------------------------------------------------------------

func TestPaperGateway(t *testing.T) {
	store := orderbook.NewStore()
	store.ApplySnapshot("yes", "m", nil, []domain.PriceLevel{{Price: 0.40, Size: 50}, {Price: 0.41, Size: 50}, {Price: 0.45, Size: 100}}, time.Now())
	p := NewPaperGateway(store)
	ctx := context.Background()

	ack, err := p.PlaceOrder(ctx, domain.OrderRequest{TokenID: "yes", Side: domain.OrderSideBuy, Size: 80, Price: 0.41})
	if err != nil || ack.Status != domain.OrderStatusMatched {
		t.Fatalf("ack = %+v, err = %v", ack, err)
	}
	rep, _ := p.GetOrderStatus(ctx, ack.OrderID)
	if rep.FilledSize != 80 || rep.FilledPrice < 0.40375-1e-9 || rep.FilledPrice > 0.40375+1e-9 {
		t.Fatalf("report = %+v", rep)
	}

	ack, _ = p.PlaceOrder(ctx, domain.OrderRequest{TokenID: "yes", Side: domain.OrderSideBuy, Size: 200, Price: 0.40})
	if ack.Status != domain.OrderStatusOpen {
		t.Fatalf("thin book should leave the order open, got %s", ack.Status)
	}
	if err := p.CancelOrder(ctx, ack.OrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if rep, _ := p.GetOrderStatus(ctx, ack.OrderID); rep.Status != domain.OrderStatusCancelled || rep.FilledSize != 50 {
		t.Fatalf("report = %+v", rep)
	}
	if err := p.CancelOrder(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}

	e := newTestExecutor(testConfig(), p, nil)
	store.ApplySnapshot("no", "m", nil, []domain.PriceLevel{{Price: 0.50, Size: 500}}, time.Now())
	opp := stubOpp{
		market:  domain.Market{ConditionID: "m"},
		legs:    []domain.LegQuote{{TokenID: "yes", AskPrice: 0.45, AskSize: 100}, {TokenID: "no", AskPrice: 0.50, AskSize: 500}},
		maxSize: 20,
	}
	if tr := e.Execute(ctx, opp); tr.State != domain.TradeFullyFilled {
		t.Fatalf("paper trade state = %s, error = %q", tr.State, tr.Error)
	}
}
