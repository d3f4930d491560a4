package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/loanledger/internal/domain"
	"github.com/redis/go-redis/v9"
)

// ValuationCache implements domain.ValuationCache using Redis hashes. Each
// collateral token's valuation is stored at key "valuation:{token}" with
// fields "value" (micro-USD) and "ts" (Unix nanosecond timestamp).
type ValuationCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewValuationCache creates a ValuationCache backed by the given Client.
// Entries expire after ttl so a stalled oracle feed falls back to the ledger.
func NewValuationCache(c *Client, ttl time.Duration) *ValuationCache {
	return &ValuationCache{rdb: c.Underlying(), ttl: ttl}
}

func valuationKey(token string) string {
	return "valuation:" + token
}

// SetValuation stores the latest collateral valuation for a token.
func (vc *ValuationCache) SetValuation(ctx context.Context, token string, valueUSD int64, ts time.Time) error {
	key := valuationKey(token)
	fields := map[string]interface{}{
		"value": strconv.FormatInt(valueUSD, 10),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	pipe := vc.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if vc.ttl > 0 {
		pipe.Expire(ctx, key, vc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set valuation %s: %w", token, err)
	}
	return nil
}

// GetValuation retrieves the latest valuation and its timestamp for a token.
// It returns domain.ErrNotFound when the key does not exist or has expired.
func (vc *ValuationCache) GetValuation(ctx context.Context, token string) (int64, time.Time, error) {
	vals, err := vc.rdb.HGetAll(ctx, valuationKey(token)).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get valuation %s: %w", token, err)
	}
	if len(vals) == 0 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	valueStr, ok := vals["value"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse valuation %s: %w", token, err)
	}

	tsStr, ok := vals["ts"]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse valuation ts %s: %w", token, err)
	}

	return value, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.ValuationCache = (*ValuationCache)(nil)
