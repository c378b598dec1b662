package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const eventQueue = 1024

// EventPublisher is an EventSink that forwards engine events to an
// EventBus from its own goroutine. Emit never blocks; events are dropped
// when the queue is full.
type EventPublisher struct {
	bus    domain.EventBus
	logger *slog.Logger
	ch     chan domain.Event

	dropped atomic.Int64
}

var _ domain.EventSink = (*EventPublisher)(nil)

// NewEventPublisher creates a publisher. A nil bus only logs events.
func NewEventPublisher(bus domain.EventBus, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{bus: bus, logger: logger, ch: make(chan domain.Event, eventQueue)}
}

// Emit queues ev for publication.
func (p *EventPublisher) Emit(_ context.Context, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case p.ch <- ev:
	default:
		if p.dropped.Add(1)%100 == 1 {
			p.logger.Warn("event_publisher: queue full, dropping events",
				slog.Int64("dropped", p.dropped.Load()),
			)
		}
	}
}

// Run publishes queued events until ctx is cancelled, then flushes what is
// left with a short deadline.
func (p *EventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return ctx.Err()
		case ev := <-p.ch:
			p.publish(ctx, ev)
		}
	}
}

// Dropped returns how many events were discarded.
func (p *EventPublisher) Dropped() int64 { return p.dropped.Load() }

func (p *EventPublisher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-p.ch:
			p.publish(ctx, ev)
		default:
			return
		}
	}
}

func (p *EventPublisher) publish(ctx context.Context, ev domain.Event) {
	p.logger.DebugContext(ctx, "event",
		slog.String("type", string(ev.Type)),
		slog.String("trade_id", ev.TradeID),
		slog.String("market_id", ev.MarketID),
	)
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.logger.WarnContext(ctx, "event_publisher: publish failed",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
