package price

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// CachedProvider wraps a Provider with a Redis read-through cache, sharing
// last prices across engine instances. Cache failures degrade to the
// underlying provider; they are never surfaced to callers.
type CachedProvider struct {
	next Provider
	rdb  *redis.Client
	ttl  time.Duration
}

// NewCachedProvider creates a Redis read-through wrapper.
func NewCachedProvider(next Provider, rdb *redis.Client, ttl time.Duration) *CachedProvider {
	return &CachedProvider{next: next, rdb: rdb, ttl: ttl}
}

func (c *CachedProvider) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if raw, err := c.rdb.Get(ctx, lastPriceKey(symbol)).Result(); err == nil {
		if p, perr := decimal.NewFromString(raw); perr == nil {
			return p, nil
		}
	}

	p, err := c.next.LastPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	c.rdb.Set(ctx, lastPriceKey(symbol), p.String(), c.ttl)
	return p, nil
}

func (c *CachedProvider) DailyHistory(ctx context.Context, symbol string) ([]Candle, error) {
	return c.next.DailyHistory(ctx, symbol)
}

func lastPriceKey(symbol string) string { return fmt.Sprintf("price:last:%s", symbol) }
