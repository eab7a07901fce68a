package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "call:prices:"

// CachedOracle is a read-through redis cache in front of another Oracle.
// A nil client turns it into a pass-through. Redis failures fall back to the origin.
type CachedOracle struct {
	origin Oracle
	rdb    *redis.Client
	ttl    time.Duration
	log    *slog.Logger
}

func NewCachedOracle(origin Oracle, rdb *redis.Client, ttl time.Duration, log *slog.Logger) *CachedOracle {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedOracle{origin: origin, rdb: rdb, ttl: ttl, log: log}
}

func (c *CachedOracle) GetPrices(ctx context.Context, calleeID string) (Prices, error) {
	if c.rdb == nil {
		return c.origin.GetPrices(ctx, calleeID)
	}

	key := cacheKeyPrefix + calleeID
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p Prices
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return p, nil
		}
		c.log.Warn("price cache entry unreadable", "callee_id", calleeID)
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("price cache get failed", "callee_id", calleeID, "err", err)
	}

	p, err := c.origin.GetPrices(ctx, calleeID)
	if err != nil {
		return Prices{}, err
	}
	if b, jerr := json.Marshal(p); jerr == nil {
		if serr := c.rdb.Set(ctx, key, b, c.ttl).Err(); serr != nil {
			c.log.Warn("price cache set failed", "callee_id", calleeID, "err", serr)
		}
	}
	return p, nil
}

// Invalidate drops a callee's cached prices after they change.
func (c *CachedOracle) Invalidate(ctx context.Context, calleeID string) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Del(ctx, cacheKeyPrefix+calleeID).Err()
}
