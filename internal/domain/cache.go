package domain

import (
	"context"
	"time"
)

// ItemCache provides fast item lookups for the read side.
type ItemCache interface {
	Set(ctx context.Context, item MarketItem) error
	Get(ctx context.Context, itemID int64) (MarketItem, error)
	Invalidate(ctx context.Context, itemID int64) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// NonceStore remembers keys for a while. Claim reports false when the key
// was already claimed and has not expired yet.
type NonceStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (fresh bool, err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
