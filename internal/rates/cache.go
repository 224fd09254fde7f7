package rates

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/peertrade/settlement/internal/logging"
	"github.com/peertrade/settlement/internal/metrics"
)

// CachedOracle fronts an Oracle with a Redis TTL cache. Cache errors are
// treated as misses; the upstream answer is still served.
type CachedOracle struct {
	next Oracle
	rdb  *redis.Client
	ttl  time.Duration
}

// NewCachedOracle wraps next with a Redis cache.
func NewCachedOracle(next Oracle, rdb *redis.Client, ttl time.Duration) *CachedOracle {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedOracle{next: next, rdb: rdb, ttl: ttl}
}

func cacheKey(base, quote string) string { return "rate:" + base + ":" + quote }

func (c *CachedOracle) GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	key := cacheKey(base, quote)
	if val, err := c.rdb.Get(ctx, key).Result(); err == nil {
		if rate, perr := decimal.NewFromString(val); perr == nil {
			metrics.RateLookupsTotal.WithLabelValues("cache", "hit").Inc()
			return rate, nil
		}
	} else if err != redis.Nil {
		logging.L(ctx).Warn("rate cache read failed", "pair", base+"/"+quote, "error", err)
	}

	rate, err := c.next.GetRate(ctx, base, quote)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.rdb.Set(ctx, key, rate.String(), c.ttl).Err(); err != nil {
		logging.L(ctx).Warn("rate cache write failed", "pair", base+"/"+quote, "error", err)
	}
	return rate, nil
}

var _ Oracle = (*CachedOracle)(nil)
