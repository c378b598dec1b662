package domain

import (
	"context"
	"time"
)

// EventType names a structured engine event.
type EventType string

const (
	EventOpportunityDetected EventType = "opportunity_detected"
	EventOrderPlaced         EventType = "order_placed"
	EventOrderFilled         EventType = "order_filled"
	EventOrderCancelled      EventType = "order_cancelled"
	EventTradeStateChanged   EventType = "trade_state_changed"
	EventTradeCompleted      EventType = "trade_completed"
	EventTradeFailed         EventType = "trade_failed"
	EventMergeCompleted      EventType = "merge_completed"
	EventMergeFailed         EventType = "merge_failed"
)

// Event is a flat record suitable for logs, metrics and the event bus.
type Event struct {
	Type     EventType      `json:"type"`
	TradeID  string         `json:"trade_id,omitempty"`
	MarketID string         `json:"market_id,omitempty"`
	TokenID  string         `json:"token_id,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// EventSink receives engine events. Emit must not block the caller for long.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, ev Event) { f(ctx, ev) }

// NopSink drops every event.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(context.Context, Event) {}
