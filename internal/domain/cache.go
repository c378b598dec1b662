package domain

import (
	"context"
	"time"
)

// BookMirror publishes local order books to a shared cache.
type BookMirror interface {
	PutBook(ctx context.Context, book OrderBook) error
	GetBook(ctx context.Context, tokenID string) (OrderBook, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus fans engine events out to other processes.
type EventBus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, pattern string) (<-chan Event, error)
}
