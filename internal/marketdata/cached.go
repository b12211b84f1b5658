package marketdata

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog/log"
)

// Cached decorates a Provider with short-lived quote and asset caches.
// Bars, clock and calendar pass straight through.
type Cached struct {
	next     Provider
	cache    *ristretto.Cache
	quoteTTL time.Duration
	assetTTL time.Duration
}

var _ Provider = (*Cached)(nil)

func NewCached(next Provider, quoteTTL, assetTTL time.Duration) (*Cached, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 16,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cached{next: next, cache: c, quoteTTL: quoteTTL, assetTTL: assetTTL}, nil
}

func (c *Cached) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	key := "quote:" + symbol
	if v, ok := c.cache.Get(key); ok {
		return v.(Quote), nil
	}
	q, err := c.next.GetQuote(ctx, symbol)
	if err != nil {
		return Quote{}, err
	}
	c.cache.SetWithTTL(key, q, 1, c.quoteTTL)
	return q, nil
}

func (c *Cached) GetAsset(ctx context.Context, symbol string) (Asset, error) {
	key := "asset:" + symbol
	if v, ok := c.cache.Get(key); ok {
		return v.(Asset), nil
	}
	a, err := c.next.GetAsset(ctx, symbol)
	if err != nil {
		return Asset{}, err
	}
	c.cache.SetWithTTL(key, a, 1, c.assetTTL)
	return a, nil
}

func (c *Cached) GetBars(ctx context.Context, symbol string, start, end time.Time) ([]Bar, error) {
	return c.next.GetBars(ctx, symbol, start, end)
}

func (c *Cached) GetClock(ctx context.Context) (Clock, error) {
	return c.next.GetClock(ctx)
}

func (c *Cached) GetCalendar(ctx context.Context, start, end time.Time) ([]CalendarDay, error) {
	return c.next.GetCalendar(ctx, start, end)
}

// Invalidate drops a cached quote, e.g. after a test or admin price change.
func (c *Cached) Invalidate(symbol string) {
	c.cache.Del("quote:" + symbol)
}

func (c *Cached) Close() {
	log.Debug().Msg("closing market data cache")
	c.cache.Close()
}
