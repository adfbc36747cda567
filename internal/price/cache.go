package price

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TTLCache wraps a Provider with an in-process last-price cache. The clock
// is injected so expiry is testable without sleeping. History reads pass
// through uncached (used rarely, by the valuation path only indirectly).
type TTLCache struct {
	next Provider
	ttl  time.Duration
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	price   decimal.Decimal
	expires time.Time
}

// NewTTLCache creates a caching wrapper. A nil clock defaults to time.Now.
func NewTTLCache(next Provider, ttl time.Duration, now func() time.Time) *TTLCache {
	if now == nil {
		now = time.Now
	}
	return &TTLCache{
		next:    next,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cacheEntry),
	}
}

func (c *TTLCache) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	c.mu.RLock()
	e, ok := c.entries[symbol]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		return e.price, nil
	}

	p, err := c.next.LastPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	c.mu.Lock()
	c.entries[symbol] = cacheEntry{price: p, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return p, nil
}

func (c *TTLCache) DailyHistory(ctx context.Context, symbol string) ([]Candle, error) {
	return c.next.DailyHistory(ctx, symbol)
}

// Invalidate drops the cached price for a symbol, forcing the next read
// through to the underlying provider.
func (c *TTLCache) Invalidate(symbol string) {
	c.mu.Lock()
	delete(c.entries, symbol)
	c.mu.Unlock()
}
