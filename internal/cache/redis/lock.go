package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/loanledger/internal/domain"
)

// releaseScript deletes a lock key only when it still carries the holder's
// token, so a holder whose TTL expired cannot release a lock reacquired by
// someone else.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// releaseTimeout bounds the unlock round-trip, which runs on a background
// context because the holder's own context is often already cancelled at
// release time.
const releaseTimeout = 5 * time.Second

// LockManager serialises per-position work across the reconciler, the
// monitors, and operator resyncs. Locks are SETNX keys with a TTL; a crashed
// holder's lock expires on its own.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLockManager creates a LockManager on the shared connection.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseScript),
	}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld when another
// holder has it. The returned function releases the lock and may be called
// more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	redisKey := "lock:" + key

	ok, err := lm.rdb.SetNX(ctx, redisKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true

		releaseCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		_ = lm.release.Run(releaseCtx, lm.rdb, []string{redisKey}, token).Err()
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
