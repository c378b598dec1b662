package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

const streamMaxLen int64 = 10000

// EventBus implements domain.EventBus. Every event is published on the
// pub/sub channel {prefix}:events:{type} for live consumers and appended to
// the capped stream {prefix}:events for late readers. Payloads are
// protobuf-encoded google.protobuf.Struct envelopes.
type EventBus struct {
	c *Client
}

var _ domain.EventBus = (*EventBus)(nil)

// NewEventBus creates an EventBus backed by c.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{c: c}
}

// Publish sends ev to subscribers and the stream in one round trip.
func (b *EventBus) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := encodeEvent(ev)
	if err != nil {
		return fmt.Errorf("redis: encode event %s: %w", ev.Type, err)
	}

	pipe := b.c.rdb.Pipeline()
	pipe.Publish(ctx, b.c.key("events", string(ev.Type)), payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.c.key("events"),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"type": string(ev.Type), "payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish event %s: %w", ev.Type, err)
	}
	return nil
}

// Subscribe streams events whose type matches pattern (a Redis glob, "*"
// for all). The returned channel closes when ctx is cancelled.
func (b *EventBus) Subscribe(ctx context.Context, pattern string) (<-chan domain.Event, error) {
	if pattern == "" {
		pattern = "*"
	}
	channel := b.c.key("events", pattern)

	var ps *redis.PubSub
	if strings.ContainsAny(pattern, "*?[") {
		ps = b.c.rdb.PSubscribe(ctx, channel)
	} else {
		ps = b.c.rdb.Subscribe(ctx, channel)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan domain.Event, 128)
	go func() {
		defer close(out)
		defer ps.Close()

		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				ev, err := decodeEvent([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recent returns up to n events from the stream, newest first.
func (b *EventBus) Recent(ctx context.Context, n int64) ([]domain.Event, error) {
	msgs, err := b.c.rdb.XRevRangeN(ctx, b.c.key("events"), "+", "-", n).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: read events: %w", err)
	}

	events := make([]domain.Event, 0, len(msgs))
	for _, m := range msgs {
		var raw []byte
		switch v := m.Values["payload"].(type) {
		case string:
			raw = []byte(v)
		case []byte:
			raw = v
		default:
			continue
		}
		ev, err := decodeEvent(raw)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

// encodeEvent marshals ev as a Struct:
//
//	{type, trade_id, market_id, token_id, at: {seconds, nanos}, fields: {...}}
func encodeEvent(ev domain.Event) ([]byte, error) {
	fields, err := plainFields(ev.Fields)
	if err != nil {
		return nil, err
	}
	ts := timestamppb.New(ev.At)

	env, err := structpb.NewStruct(map[string]any{
		"type":      string(ev.Type),
		"trade_id":  ev.TradeID,
		"market_id": ev.MarketID,
		"token_id":  ev.TokenID,
		"at": map[string]any{
			"seconds": ts.GetSeconds(),
			"nanos":   ts.GetNanos(),
		},
		"fields": fields,
	})
	if err != nil {
		return nil, err
	}
	return proto.Marshal(env)
}

func decodeEvent(data []byte) (domain.Event, error) {
	var env structpb.Struct
	if err := proto.Unmarshal(data, &env); err != nil {
		return domain.Event{}, fmt.Errorf("redis: decode event: %w", err)
	}
	f := env.GetFields()

	ev := domain.Event{
		Type:     domain.EventType(f["type"].GetStringValue()),
		TradeID:  f["trade_id"].GetStringValue(),
		MarketID: f["market_id"].GetStringValue(),
		TokenID:  f["token_id"].GetStringValue(),
	}
	if ev.Type == "" {
		return domain.Event{}, errors.New("redis: decode event: missing type")
	}
	if at := f["at"].GetStructValue().GetFields(); at != nil {
		ts := &timestamppb.Timestamp{
			Seconds: int64(at["seconds"].GetNumberValue()),
			Nanos:   int32(at["nanos"].GetNumberValue()),
		}
		ev.At = ts.AsTime().Local()
	}
	if s := f["fields"].GetStructValue(); s != nil && len(s.GetFields()) > 0 {
		ev.Fields = s.AsMap()
	}
	return ev, nil
}

// plainFields reduces event fields to the JSON value space structpb
// accepts; named types such as domain.TradeState become their base values.
func plainFields(fields map[string]any) (map[string]any, error) {
	if len(fields) == 0 {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
