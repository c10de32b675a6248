package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// unlockLua deletes the lock only if it still carries the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const (
	unlockTimeout   = 5 * time.Second
	defaultLockWait = 10 * time.Second
	minLockBackoff  = 20 * time.Millisecond
	maxLockBackoff  = 250 * time.Millisecond
)

// LockManager implements domain.LockManager using SET NX with a TTL and a
// token-checked Lua unlock. Acquire polls until the lock frees up, the
// caller's context ends or the wait bound runs out.
type LockManager struct {
	rdb      *redis.Client
	unlockSc *redis.Script
	wait     time.Duration
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:      c.rdb,
		unlockSc: redis.NewScript(unlockLua),
		wait:     defaultLockWait,
	}
}

// WithWait bounds how long Acquire polls a held lock. Zero or negative keeps
// the default.
func (lm *LockManager) WithWait(d time.Duration) *LockManager {
	if d > 0 {
		lm.wait = d
	}
	return lm
}

func lockKey(key string) string {
	return "lock:" + key
}

// Acquire takes the lock, waiting for the current holder to release it or
// for its lease to expire. It returns domain.ErrLockHeld only once the wait
// bound is spent. The returned unlock func is idempotent and runs on a fresh
// context so it succeeds after the caller's context is cancelled.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lockKey(key)

	err := pollLock(ctx, lm.wait, func(ctx context.Context) (bool, error) {
		return lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("redis: lock %s: %w", key, err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
			defer cancel()
			_ = lm.unlockSc.Run(uctx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// pollLock calls try with a growing backoff until it reports success, fails,
// ctx ends or wait elapses.
func pollLock(ctx context.Context, wait time.Duration, try func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(wait)
	backoff := minLockBackoff
	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return domain.ErrLockHeld
		}
		sleep := min(backoff, remaining)

		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", domain.ErrLockHeld, ctx.Err())
		case <-t.C:
		}
		backoff = min(backoff*2, maxLockBackoff)
	}
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
