package kite

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gregtusar/kiteexec/pkg/models"
	"github.com/shopspring/decimal"
)

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// QuoteCache holds the latest price per instrument. Streamed ticks keep it warm;
// stale or missing entries are refreshed over REST.
type QuoteCache struct {
	broker Broker
	maxAge time.Duration
	now    func() time.Time

	mu     sync.RWMutex
	prices map[string]quote
}

func NewQuoteCache(broker Broker, maxAge time.Duration) *QuoteCache {
	if maxAge <= 0 {
		maxAge = 5 * time.Second
	}
	return &QuoteCache{
		broker: broker,
		maxAge: maxAge,
		now:    time.Now,
		prices: make(map[string]quote),
	}
}

func (q *QuoteCache) Set(instrument string, price decimal.Decimal, at time.Time) {
	if at.IsZero() {
		at = q.now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if cur, ok := q.prices[instrument]; ok && cur.at.After(at) {
		return
	}
	q.prices[instrument] = quote{price: price, at: at}
}

// HandleTick feeds streamed prices into the cache.
func (q *QuoteCache) HandleTick(t Tick) {
	q.Set(t.Instrument, t.LastPrice, t.At)
}

// Peek returns the cached price without going to the network.
func (q *QuoteCache) Peek(instrument string) (decimal.Decimal, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	cur, ok := q.prices[instrument]
	return cur.price, ok
}

func (q *QuoteCache) LastPrice(ctx context.Context, exchange, symbol string) (decimal.Decimal, error) {
	key := models.InstrumentKey(exchange, symbol)

	q.mu.RLock()
	cur, ok := q.prices[key]
	q.mu.RUnlock()
	if ok && q.now().Sub(cur.at) <= q.maxAge {
		return cur.price, nil
	}

	if q.broker == nil {
		if ok {
			return cur.price, nil
		}
		return decimal.Zero, fmt.Errorf("no quote for %s", key)
	}
	prices, err := q.broker.GetQuote(ctx, key)
	if err != nil {
		if ok {
			return cur.price, nil
		}
		return decimal.Zero, fmt.Errorf("quote for %s: %w", key, err)
	}
	price, found := prices[key]
	if !found {
		return decimal.Zero, fmt.Errorf("no quote for %s", key)
	}
	q.Set(key, price, q.now())
	return price, nil
}
