package polymarket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newScriptedServer upgrades every request and hands the connection, with
// its 1-based sequence number, to handle.
func newScriptedServer(t *testing.T, handle func(n int, c *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	var count atomic.Int32
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		handle(int(count.Add(1)), c)
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

type received struct {
	conn int
	cmd  WSCommand
}

func tokenIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("tok-%03d", i)
	}
	return ids
}

func fastConfig(url string) WSConfig {
	cfg := DefaultWSConfig(url)
	cfg.BatchDelay = time.Millisecond
	cfg.InitialReconnectDelay = 10 * time.Millisecond
	cfg.MaxReconnectDelay = 20 * time.Millisecond
	return cfg
}

func collect(t *testing.T, ch <-chan received, conn, wantIDs int) []WSCommand {
	t.Helper()
	var cmds []WSCommand
	got := 0
	deadline := time.After(3 * time.Second)
	for got < wantIDs {
		select {
		case r := <-ch:
			if r.conn != conn {
				continue
			}
			cmds = append(cmds, r.cmd)
			got += len(r.cmd.AssetIDs)
		case <-deadline:
			t.Fatalf("timed out on conn %d: got %d of %d ids", conn, got, wantIDs)
		}
	}
	return cmds
}

func TestWSClient_SubscribeBatching(t *testing.T) {
	frames := make(chan received, 64)
	srv := newScriptedServer(t, func(n int, c *websocket.Conn) {
		for {
			var cmd WSCommand
			if err := c.ReadJSON(&cmd); err != nil {
				return
			}
			frames <- received{conn: n, cmd: cmd}
		}
	})
	defer srv.Close()

	client := NewWSClient(fastConfig(wsURL(srv)), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if err := client.Subscribe(ctx, tokenIDs(250)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	cmds := collect(t, frames, 1, 250)
	if len(cmds) != 3 {
		t.Fatalf("batches = %d, want 3", len(cmds))
	}
	if cmds[0].Type != "market" || cmds[0].Operation != "" {
		t.Fatalf("first batch framing = %+v, want type=market", cmds[0])
	}
	for i, c := range cmds[1:] {
		if c.Operation != "subscribe" || c.Type != "" {
			t.Fatalf("batch %d framing = %+v, want operation=subscribe", i+1, c)
		}
	}
	if len(cmds[0].AssetIDs) != 100 || len(cmds[2].AssetIDs) != 50 {
		t.Fatalf("batch sizes = %d/%d/%d", len(cmds[0].AssetIDs), len(cmds[1].AssetIDs), len(cmds[2].AssetIDs))
	}

	// Already-subscribed ids are filtered and later calls are incremental.
	if err := client.Subscribe(ctx, []string{"tok-000", "tok-999"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	more := collect(t, frames, 1, 1)
	if len(more) != 1 || more[0].Operation != "subscribe" || len(more[0].AssetIDs) != 1 || more[0].AssetIDs[0] != "tok-999" {
		t.Fatalf("incremental frame = %+v", more)
	}

	if err := client.Unsubscribe(ctx, []string{"tok-999", "unknown"}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	unsub := collect(t, frames, 1, 1)
	if unsub[0].Operation != "unsubscribe" || unsub[0].AssetIDs[0] != "tok-999" {
		t.Fatalf("unsubscribe frame = %+v", unsub[0])
	}
	if got := len(client.Subscribed()); got != 250 {
		t.Fatalf("subscribed = %d, want 250", got)
	}
}

func TestWSClient_ResubscribesExactSetAfterReconnect(t *testing.T) {
	frames := make(chan received, 64)
	srv := newScriptedServer(t, func(n int, c *websocket.Conn) {
		total := 0
		for {
			var cmd WSCommand
			if err := c.ReadJSON(&cmd); err != nil {
				return
			}
			frames <- received{conn: n, cmd: cmd}
			total += len(cmd.AssetIDs)
			if n == 1 && total >= 230 {
				return // drop the first connection
			}
		}
	})
	defer srv.Close()

	client := NewWSClient(fastConfig(wsURL(srv)), testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	ids := tokenIDs(230)
	if err := client.Subscribe(ctx, ids[:200]); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := client.Subscribe(ctx, ids[200:]); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	collect(t, frames, 1, 230)

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	cmds := collect(t, frames, 2, 230)
	if cmds[0].Type != "market" {
		t.Fatalf("replay must open with market framing, got %+v", cmds[0])
	}
	var replayed []string
	for i, c := range cmds {
		if i > 0 && c.Operation != "subscribe" {
			t.Fatalf("replay batch %d framing = %+v", i, c)
		}
		replayed = append(replayed, c.AssetIDs...)
	}
	sort.Strings(replayed)
	if len(replayed) != len(ids) {
		t.Fatalf("replayed %d ids, want %d", len(replayed), len(ids))
	}
	for i := range ids {
		if replayed[i] != ids[i] {
			t.Fatalf("replayed[%d] = %s, want %s", i, replayed[i], ids[i])
		}
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWSClient_RunGivesUpAfterMaxAttempts(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	cfg := fastConfig(url)
	cfg.MaxReconnectAttempts = 2
	client := NewWSClient(cfg, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := client.Run(ctx)
	if !errors.Is(err, domain.ErrFeedExhausted) {
		t.Fatalf("Run error = %v, want ErrFeedExhausted", err)
	}
}

func TestWSClient_DispatchesArrayFrames(t *testing.T) {
	srv := newScriptedServer(t, func(n int, c *websocket.Conn) {
		frame := `[{"event_type":"book","asset_id":"a","market":"m","bids":[{"price":"0.4","size":"10"}],"asks":[{"price":"0.45","size":"5"}]},
			{"event_type":"last_trade_price","asset_id":"a","price":"0.44","size":"3"},
			"garbage"]`
		_ = c.WriteMessage(websocket.TextMessage, []byte("not json"))
		_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer srv.Close()

	client := NewWSClient(fastConfig(wsURL(srv)), testLogger())
	events := make(chan MarketEvent, 8)
	client.OnEvent(func(ev MarketEvent) { events <- ev })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { _ = client.Run(ctx) }()
	defer client.Close()

	var kinds []EventKind
	for len(kinds) < 2 {
		select {
		case ev := <-events:
			kinds = append(kinds, ev.Kind)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", kinds)
		}
	}
	if kinds[0] != EventBook || kinds[1] != EventLastTrade {
		t.Fatalf("kinds = %v", kinds)
	}
}

func TestWSClient_Backoff(t *testing.T) {
	client := NewWSClient(DefaultWSConfig("ws://unused"), testLogger())
	cases := map[int]time.Duration{
		1:  time.Second,
		2:  2 * time.Second,
		3:  4 * time.Second,
		6:  32 * time.Second,
		7:  60 * time.Second,
		40: 60 * time.Second,
	}
	for attempt, want := range cases {
		if got := client.backoff(attempt); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestDecodeFrame(t *testing.T) {
	ev, ok, err := DecodeFrame([]byte(`{"event_type":"price_change","market":"m","timestamp":"1700000000000",
		"price_changes":[{"asset_id":"a","side":"BUY","price":"0.41","size":"0"},{"asset_id":"b","side":"SELL","price":"0.55","size":"12.5"},{"asset_id":"c","side":"HOLD","price":"1","size":"1"}]}`))
	if err != nil || !ok {
		t.Fatalf("DecodeFrame: ok=%v err=%v", ok, err)
	}
	if len(ev.Changes) != 2 {
		t.Fatalf("changes = %+v", ev.Changes)
	}
	if ev.Changes[0].Side != domain.BookSideBid || ev.Changes[0].Size != 0 {
		t.Fatalf("change 0 = %+v", ev.Changes[0])
	}
	if ev.Changes[1].Side != domain.BookSideAsk || ev.Changes[1].Size != 12.5 {
		t.Fatalf("change 1 = %+v", ev.Changes[1])
	}
	if ev.Timestamp.UnixMilli() != 1700000000000 {
		t.Fatalf("timestamp = %v", ev.Timestamp)
	}

	ev, ok, err = DecodeFrame([]byte(`{"event_type":"price_change","asset_id":"a","side":"SELL","price":"0.6","size":"4"}`))
	if err != nil || !ok || len(ev.Changes) != 1 || ev.Changes[0].AssetID != "a" {
		t.Fatalf("legacy price_change: %+v ok=%v err=%v", ev, ok, err)
	}

	ev, ok, err = DecodeFrame([]byte(`{"type":"best_bid_ask","asset_id":"a","best_bid":"0.48","best_ask":""}`))
	if err != nil || !ok {
		t.Fatalf("best_bid_ask: ok=%v err=%v", ok, err)
	}
	if ev.BestBid == nil || *ev.BestBid != 0.48 || ev.BestAsk != nil {
		t.Fatalf("best_bid_ask = %+v", ev)
	}

	for _, raw := range []string{`{"type":"subscribed"}`, `{"event_type":"MARKET"}`, `{"event_type":"tick_size_change"}`} {
		if _, ok, err := DecodeFrame([]byte(raw)); ok || err != nil {
			t.Fatalf("%s: ok=%v err=%v", raw, ok, err)
		}
	}

	if _, _, err := DecodeFrame([]byte(`{"event_type":"book","bids":[{"price":"abc"}]}`)); err == nil {
		t.Fatal("expected error for malformed price")
	}
}
