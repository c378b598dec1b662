package arbitrage

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/polyarb/internal/costmodel"
	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/orderbook"
)

func newTestCoordinator(t *testing.T, store *orderbook.Store, events domain.EventSink) *Coordinator {
	t.Helper()
	model := costmodel.New(costmodel.DefaultConfig())
	return NewCoordinator(
		DefaultCoordinatorConfig(),
		NewBinaryDetector(DefaultBinaryConfig(), model),
		NewCategoricalDetector(DefaultCategoricalConfig(), model),
		store,
		events,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func seed(store *orderbook.Store, m domain.Market, prices ...float64) {
	for i, o := range m.Outcomes {
		b := askBook(o.TokenID, prices[i], 200)
		store.ApplySnapshot(o.TokenID, m.ConditionID, b.Bids, b.Asks, time.Now())
	}
}

func TestCoordinator_UpdateMarketsDiff(t *testing.T) {
	c := newTestCoordinator(t, orderbook.NewStore(), nil)
	m1, m2, m3 := market("m1", "Yes", "No"), market("m2", "A", "B", "C"), market("m3", "Yes", "No")
	closed := market("m4", "Yes", "No")
	closed.Closed = true
	single := market("m5", "Only")

	added, removed := c.UpdateMarkets([]domain.Market{m1, m2, closed, single})
	if len(added) != 5 || len(removed) != 0 {
		t.Fatalf("added=%v removed=%v", added, removed)
	}
	s := c.Stats()
	if s.MarketsMonitored != 2 || s.BinaryMarkets != 1 || s.CategoricalMarkets != 1 {
		t.Fatalf("stats = %+v", s)
	}

	added, removed = c.UpdateMarkets([]domain.Market{m2, m3})
	if len(added) != 2 || added[0] != "m3-a" || len(removed) != 2 || removed[0] != "m1-a" {
		t.Fatalf("added=%v removed=%v", added, removed)
	}
	if _, ok := c.Market("m1"); ok {
		t.Fatal("m1 should be gone")
	}
	if len(c.TokenIDs()) != 5 {
		t.Fatalf("tokens = %v", c.TokenIDs())
	}
}

func TestCoordinator_OnBookUpdateEmitsOncePerCooldown(t *testing.T) {
	store := orderbook.NewStore()
	var (
		mu     sync.Mutex
		events []domain.Event
	)
	sink := domain.EventSinkFunc(func(_ context.Context, ev domain.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	c := newTestCoordinator(t, store, sink)

	var got []domain.Opportunity
	c.OnOpportunity(func(_ context.Context, opp domain.Opportunity) { got = append(got, opp) })

	m := market("m1", "Yes", "No")
	c.UpdateMarkets([]domain.Market{m})
	seed(store, m, 0.40, 0.50)

	book, _ := store.Get(m.Outcomes[0].TokenID)
	c.OnBookUpdate(context.Background(), book)
	c.OnBookUpdate(context.Background(), book)

	if len(got) != 1 {
		t.Fatalf("handler calls = %d, want 1", len(got))
	}
	if got[0].Kind() != domain.OpportunityBinary || got[0].Market().ConditionID != "m1" {
		t.Fatalf("opportunity = %+v", got[0])
	}
	if len(events) != 1 || events[0].Type != domain.EventOpportunityDetected {
		t.Fatalf("events = %+v", events)
	}
	if s := c.Stats(); s.OpportunitiesFound != 1 || s.BinaryFound != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestCoordinator_OnBookUpdateIgnoresUnknownAndEfficient(t *testing.T) {
	store := orderbook.NewStore()
	c := newTestCoordinator(t, store, nil)
	calls := 0
	c.OnOpportunity(func(context.Context, domain.Opportunity) { calls++ })

	m := market("m1", "Yes", "No")
	c.UpdateMarkets([]domain.Market{m})
	seed(store, m, 0.50, 0.51)

	c.OnBookUpdate(context.Background(), askBook("unknown", 0.1, 100))
	book, _ := store.Get(m.Outcomes[1].TokenID)
	c.OnBookUpdate(context.Background(), book)
	if calls != 0 {
		t.Fatalf("handler calls = %d, want 0", calls)
	}
	if c.Cooldown().Active("m1") {
		t.Fatal("a rejected market must not start a cooldown")
	}
}

func TestCoordinator_ScanAllSortedIgnoresCooldown(t *testing.T) {
	store := orderbook.NewStore()
	c := newTestCoordinator(t, store, nil)

	bin := market("b1", "Yes", "No")
	cat := market("c1", "A", "B", "C")
	flat := market("b2", "Yes", "No")
	c.UpdateMarkets([]domain.Market{bin, cat, flat})
	seed(store, bin, 0.45, 0.50)
	seed(store, cat, 0.25, 0.25, 0.25)
	seed(store, flat, 0.50, 0.50)

	c.Cooldown().Allow("b1")
	opps := c.ScanAll(context.Background())
	if len(opps) != 2 {
		t.Fatalf("opportunities = %d, want 2", len(opps))
	}
	if opps[0].Market().ConditionID != "c1" || opps[1].Market().ConditionID != "b1" {
		t.Fatalf("order = %s, %s", opps[0].Market().ConditionID, opps[1].Market().ConditionID)
	}
	for i := 1; i < len(opps); i++ {
		if opps[i].Analysis().NetEdgeBps > opps[i-1].Analysis().NetEdgeBps {
			t.Fatal("scan results not ordered by net edge")
		}
	}
	s := c.Stats()
	if s.LastFullScanFound != 2 {
		t.Fatalf("stats = %+v", s)
	}
}
