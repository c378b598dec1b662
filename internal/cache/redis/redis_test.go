package redis

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

func TestEventCodec(t *testing.T) {
	at := time.Date(2026, 3, 14, 15, 9, 26, 535897932, time.UTC)
	in := domain.Event{
		Type:     domain.EventTradeStateChanged,
		TradeID:  "ab12cd34",
		MarketID: "0xcond",
		Fields: map[string]any{
			"from": domain.TradePlacingOrders,
			"to":   domain.TradeMonitoringFills,
			"legs": 3,
		},
		At: at,
	}

	raw, err := encodeEvent(in)
	if err != nil {
		t.Fatal(err)
	}
	out, err := decodeEvent(raw)
	if err != nil {
		t.Fatal(err)
	}

	if out.Type != in.Type || out.TradeID != in.TradeID || out.MarketID != in.MarketID || out.TokenID != "" {
		t.Fatalf("envelope = %+v", out)
	}
	if !out.At.Equal(at) {
		t.Fatalf("at = %v, want %v", out.At, at)
	}
	if out.Fields["from"] != "placing_orders" || out.Fields["legs"] != float64(3) {
		t.Fatalf("fields = %#v", out.Fields)
	}
}

func TestDecodeEventRejectsGarbage(t *testing.T) {
	if _, err := decodeEvent([]byte{0xff, 0x01, 0x02}); err == nil {
		t.Fatal("expected error for invalid payload")
	}
	raw, err := encodeEvent(domain.Event{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decodeEvent(raw); err == nil {
		t.Fatal("expected error for event without type")
	}
}

func TestJoinLevels(t *testing.T) {
	prices := []redis.Z{
		{Score: 0.45, Member: "0.45"},
		{Score: 0.44, Member: "0.44"},
		{Score: 0.43, Member: "0.43"}, // no size recorded
	}
	sizes := map[string]string{"0.45": "120", "0.44": "7.5"}

	got := joinLevels(prices, sizes)
	if len(got) != 2 || got[0] != (domain.PriceLevel{Price: 0.45, Size: 120}) || got[1].Size != 7.5 {
		t.Fatalf("levels = %+v", got)
	}
}

func TestKeyNamespace(t *testing.T) {
	c := NewFromClient(nil, "")
	if k := c.key("book", "123", "bids"); k != "polyarb:book:123:bids" {
		t.Fatalf("key = %q", k)
	}
	m := NewBookMirror(c, 0)
	if m.ttl != 10*time.Minute || m.keys("9").askSize != "polyarb:book:9:ask:size" {
		t.Fatalf("mirror = %+v", m.keys("9"))
	}
}
