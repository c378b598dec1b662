package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyarb/internal/domain"
	"github.com/alanyoungcy/polyarb/internal/metrics"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// WSConfig configures the market WebSocket.
type WSConfig struct {
	URL                   string
	BatchSize             int
	BatchDelay            time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration
	MaxReconnectAttempts  int
}

// DefaultWSConfig returns the batching and backoff parameters the exchange tolerates.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:                   url,
		BatchSize:             100,
		BatchDelay:            100 * time.Millisecond,
		InitialReconnectDelay: time.Second,
		MaxReconnectDelay:     60 * time.Second,
		MaxReconnectAttempts:  10,
	}
}

// EventHandler receives decoded feed events on the read goroutine.
type EventHandler func(MarketEvent)

// WSClient is a WebSocket client for the Polymarket CLOB market channel.
// It owns the subscription set and replays it after every reconnect.
type WSClient struct {
	cfg    WSConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	// gorilla/websocket supports one concurrent writer.
	writeMu sync.Mutex

	// subMu serialises subscription changes and replays; it is held across
	// inter-batch delays.
	subMu sync.Mutex
	setMu sync.RWMutex
	subs  map[string]struct{}
	order []string

	handlerMu sync.RWMutex
	handlers  []EventHandler

	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSClient creates a new WebSocket client.
func NewWSClient(cfg WSConfig, logger *slog.Logger) *WSClient {
	def := DefaultWSConfig(cfg.URL)
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.InitialReconnectDelay <= 0 {
		cfg.InitialReconnectDelay = def.InitialReconnectDelay
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = def.MaxReconnectAttempts
	}
	return &WSClient{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "polymarket_ws")),
		subs:   make(map[string]struct{}),
		done:   make(chan struct{}),
	}
}

// Connect dials the market channel and replays the current subscription set.
func (w *WSClient) Connect(ctx context.Context) error {
	if w.closed.Load() {
		return fmt.Errorf("polymarket/ws: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("polymarket/ws: connect: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Hold subMu while publishing the connection so a concurrent Subscribe
	// either lands in the replay or is sent after it, never both.
	w.subMu.Lock()
	defer w.subMu.Unlock()

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	w.connected.Store(true)

	ids := w.Subscribed()
	if len(ids) == 0 {
		return nil
	}
	if err := w.sendBatches(ctx, conn, ids, true, "subscribe"); err != nil {
		w.dropConn(conn)
		return fmt.Errorf("polymarket/ws: resubscribe: %w", err)
	}
	w.logger.Info("subscriptions replayed", slog.Int("assets", len(ids)))
	return nil
}

// Subscribe adds asset IDs to the subscription set and sends them in
// batches. IDs already subscribed are skipped. While disconnected the IDs are
// only recorded and go out with the next replay.
func (w *WSClient) Subscribe(ctx context.Context, assetIDs []string) error {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	w.setMu.Lock()
	initial := len(w.subs) == 0
	fresh := make([]string, 0, len(assetIDs))
	for _, id := range assetIDs {
		if id == "" {
			continue
		}
		if _, ok := w.subs[id]; ok {
			continue
		}
		w.subs[id] = struct{}{}
		w.order = append(w.order, id)
		fresh = append(fresh, id)
	}
	total := len(w.subs)
	w.setMu.Unlock()
	metrics.FeedSubscribedTokens.Set(float64(total))

	if len(fresh) == 0 {
		return nil
	}
	conn := w.currentConn()
	if conn == nil {
		return nil
	}
	if err := w.sendBatches(ctx, conn, fresh, initial, "subscribe"); err != nil {
		return fmt.Errorf("polymarket/ws: subscribe: %w", err)
	}
	w.logger.Info("subscribed", slog.Int("new", len(fresh)), slog.Int("total", total))
	return nil
}

// Unsubscribe removes asset IDs from the subscription set.
func (w *WSClient) Unsubscribe(ctx context.Context, assetIDs []string) error {
	w.subMu.Lock()
	defer w.subMu.Unlock()

	w.setMu.Lock()
	drop := make(map[string]struct{}, len(assetIDs))
	removed := make([]string, 0, len(assetIDs))
	for _, id := range assetIDs {
		if _, ok := w.subs[id]; ok {
			delete(w.subs, id)
			drop[id] = struct{}{}
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		kept := w.order[:0]
		for _, id := range w.order {
			if _, gone := drop[id]; !gone {
				kept = append(kept, id)
			}
		}
		w.order = kept
	}
	total := len(w.subs)
	w.setMu.Unlock()
	metrics.FeedSubscribedTokens.Set(float64(total))

	if len(removed) == 0 {
		return nil
	}
	conn := w.currentConn()
	if conn == nil {
		return nil
	}
	if err := w.sendBatches(ctx, conn, removed, false, "unsubscribe"); err != nil {
		return fmt.Errorf("polymarket/ws: unsubscribe: %w", err)
	}
	return nil
}

// Subscribed returns the subscription set in subscription order.
func (w *WSClient) Subscribed() []string {
	w.setMu.RLock()
	defer w.setMu.RUnlock()
	return append([]string(nil), w.order...)
}

// Connected reports whether a connection is currently established.
func (w *WSClient) Connected() bool { return w.connected.Load() }

// OnEvent registers a handler for decoded feed events. Handlers run on the
// read goroutine, one frame at a time.
func (w *WSClient) OnEvent(handler EventHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Run reads frames until ctx is cancelled or Close is called. On a
// transport failure it waits min(initial*2^(attempt-1), max), reconnects and
// replays the subscription set. When the attempt count exceeds the limit it
// returns an error wrapping domain.ErrFeedExhausted.
func (w *WSClient) Run(ctx context.Context) error {
	attempt := 0
	var lastErr error
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.closed.Load() {
			return nil
		}

		conn := w.currentConn()
		if conn == nil {
			if attempt > 0 {
				if attempt > w.cfg.MaxReconnectAttempts {
					return fmt.Errorf("polymarket/ws: %w after %d attempts: %v",
						domain.ErrFeedExhausted, w.cfg.MaxReconnectAttempts, lastErr)
				}
				delay := w.backoff(attempt)
				w.logger.Warn("reconnecting",
					slog.Int("attempt", attempt),
					slog.Duration("delay", delay),
					slog.Any("error", lastErr),
				)
				metrics.FeedReconnectsTotal.Inc()
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-w.done:
					return nil
				case <-time.After(delay):
				}
			}
			if err := w.Connect(ctx); err != nil {
				lastErr = err
				attempt++
				continue
			}
			if attempt > 0 {
				w.logger.Info("reconnected", slog.Int("attempts", attempt))
			}
			attempt = 0
			if conn = w.currentConn(); conn == nil {
				continue
			}
		}

		lastErr = w.session(ctx, conn)
		w.dropConn(conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if w.closed.Load() {
			return nil
		}
		attempt++
	}
}

// Close shuts down the connection and stops Run.
func (w *WSClient) Close() error {
	w.closed.Store(true)
	w.closeOnce.Do(func() { close(w.done) })

	conn := w.currentConn()
	if conn == nil {
		return nil
	}
	w.writeMu.Lock()
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait),
	)
	w.writeMu.Unlock()
	w.dropConn(conn)
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

func (w *WSClient) currentConn() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

func (w *WSClient) dropConn(conn *websocket.Conn) {
	w.mu.Lock()
	if w.conn == conn {
		w.conn = nil
		w.connected.Store(false)
	}
	w.mu.Unlock()
	_ = conn.Close()
}

func (w *WSClient) backoff(attempt int) time.Duration {
	d := w.cfg.InitialReconnectDelay
	for i := 1; i < attempt && d < w.cfg.MaxReconnectDelay; i++ {
		d *= 2
	}
	return min(d, w.cfg.MaxReconnectDelay)
}

// sendBatches writes ids in BatchSize chunks. When initial is set the first
// chunk is framed as the connection's opening market subscription.
func (w *WSClient) sendBatches(ctx context.Context, conn *websocket.Conn, ids []string, initial bool, op string) error {
	size := w.cfg.BatchSize
	for i := 0; i < len(ids); i += size {
		end := min(i+size, len(ids))
		cmd := WSCommand{AssetIDs: ids[i:end]}
		if initial && i == 0 {
			cmd.Type = "market"
		} else {
			cmd.Operation = op
		}
		if err := w.send(conn, cmd); err != nil {
			return err
		}
		if end < len(ids) && w.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.cfg.BatchDelay):
			}
		}
	}
	return nil
}

func (w *WSClient) send(conn *websocket.Conn, cmd WSCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// session pings and reads one connection until it fails.
func (w *WSClient) session(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrWSDisconnect, err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		w.handleMessage(msg)
	}
}

// handleMessage decodes a frame, which may be a single object or an array
// of objects, and dispatches each event. Undecodable frames are skipped.
func (w *WSClient) handleMessage(raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	if raw[0] != '[' {
		w.handleSingle(raw)
		return
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		w.parseError(raw, err)
		return
	}
	for _, item := range items {
		w.handleSingle(item)
	}
}

func (w *WSClient) handleSingle(raw []byte) {
	ev, ok, err := DecodeFrame(raw)
	if err != nil {
		w.parseError(raw, err)
		return
	}
	if !ok {
		return
	}
	metrics.FeedFramesTotal.WithLabelValues(string(ev.Kind)).Inc()

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (w *WSClient) parseError(raw []byte, err error) {
	metrics.FeedParseErrorsTotal.Inc()
	if len(raw) > 100 {
		raw = raw[:100]
	}
	w.logger.Warn("skipping undecodable frame",
		slog.String("error", err.Error()),
		slog.String("frame", string(raw)),
	)
}

// DecodeFrame decodes one frame object. ok is false for frames that carry
// no market data, such as subscription acknowledgements.
func DecodeFrame(raw []byte) (ev MarketEvent, ok bool, err error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return MarketEvent{}, false, err
	}
	kind := env.EventType
	if kind == "" {
		kind = env.Type
	}

	switch EventKind(kind) {
	case EventBook:
		var m BookMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return MarketEvent{}, false, err
		}
		return m.ToEvent(), true, nil
	case EventPriceChange:
		var m PriceChangeMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return MarketEvent{}, false, err
		}
		return m.ToEvent(), true, nil
	case EventLastTrade:
		var m PriceMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return MarketEvent{}, false, err
		}
		return m.ToEvent(), true, nil
	case EventBestBidAsk:
		var m BestBidAskMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			return MarketEvent{}, false, err
		}
		return m.ToEvent(), true, nil
	}
	// "subscribed", "unsubscribed", "MARKET", tick_size_change and anything new.
	return MarketEvent{}, false, nil
}
