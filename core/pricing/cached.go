package pricing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/minegrid/curtaild/core/swr"
)

// Cached wraps a PriceProvider in the SWR cache so schedule recomputes and
// concurrent readers do not hammer the pricing collaborator.
type Cached struct {
	next  PriceProvider
	cache *swr.Cache
}

// NewCached builds a caching provider on top of next.
func NewCached(next PriceProvider, cache *swr.Cache) *Cached {
	return &Cached{next: next, cache: cache}
}

func (c *Cached) HourlyPrices(ctx context.Context, date time.Time) ([]float64, error) {
	day := date.UTC().Format("2006-01-02")
	raw, err := c.cache.Get(ctx, "prices:"+day, func(ctx context.Context) ([]byte, error) {
		prices, err := c.next.HourlyPrices(ctx, date)
		if err != nil {
			return nil, err
		}
		return json.Marshal(prices)
	})
	if err != nil {
		return nil, err
	}
	var prices []float64
	if err := json.Unmarshal(raw, &prices); err != nil {
		return nil, err
	}
	return prices, nil
}
