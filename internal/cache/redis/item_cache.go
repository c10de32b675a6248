package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

const defaultItemTTL = 10 * time.Minute

// ItemCache implements domain.ItemCache with one JSON string per item.
//
// Key schema:
//
//	item:{market}:{itemID}
type ItemCache struct {
	rdb    *redis.Client
	market string
	ttl    time.Duration
}

// NewItemCache creates an ItemCache scoped to one marketplace.
func NewItemCache(c *Client, market string, ttl time.Duration) *ItemCache {
	if ttl <= 0 {
		ttl = defaultItemTTL
	}
	return &ItemCache{rdb: c.rdb, market: market, ttl: ttl}
}

func itemKey(market string, itemID int64) string {
	return "item:" + market + ":" + strconv.FormatInt(itemID, 10)
}

// Set stores item, replacing any cached copy.
func (c *ItemCache) Set(ctx context.Context, item domain.MarketItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("redis: marshal item %d: %w", item.ItemID, err)
	}
	if err := c.rdb.Set(ctx, itemKey(c.market, item.ItemID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set item %d: %w", item.ItemID, err)
	}
	return nil
}

// Get returns a cached item or domain.ErrNotFound.
func (c *ItemCache) Get(ctx context.Context, itemID int64) (domain.MarketItem, error) {
	data, err := c.rdb.Get(ctx, itemKey(c.market, itemID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketItem{}, domain.ErrNotFound
		}
		return domain.MarketItem{}, fmt.Errorf("redis: get item %d: %w", itemID, err)
	}

	var item domain.MarketItem
	if err := json.Unmarshal(data, &item); err != nil {
		return domain.MarketItem{}, fmt.Errorf("redis: unmarshal item %d: %w", itemID, err)
	}
	return item, nil
}

// Invalidate drops the cached copy of an item.
func (c *ItemCache) Invalidate(ctx context.Context, itemID int64) error {
	if err := c.rdb.Del(ctx, itemKey(c.market, itemID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate item %d: %w", itemID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ItemCache = (*ItemCache)(nil)
