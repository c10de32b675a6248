package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// NonceStore implements domain.NonceStore with SET NX so a signed request is
// accepted once across every process sharing the Redis instance.
type NonceStore struct {
	rdb *redis.Client
}

// NewNonceStore creates a NonceStore backed by the given Client.
func NewNonceStore(c *Client) *NonceStore {
	return &NonceStore{rdb: c.rdb}
}

func nonceKey(key string) string {
	return "nonce:" + key
}

// Claim records key for ttl. It reports false if key is already recorded.
func (s *NonceStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, nonceKey(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim nonce: %w", err)
	}
	return ok, nil
}

var _ domain.NonceStore = (*NonceStore)(nil)
