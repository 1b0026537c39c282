package kite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteCache_FallsBackToBroker(t *testing.T) {
	paper := NewPaperBroker(testLogger())
	paper.SetQuote("NSE", "INFY", d("1000"))
	cache := NewQuoteCache(paper, time.Second)

	price, err := cache.LastPrice(context.Background(), "NSE", "INFY")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("1000")))

	cached, ok := cache.Peek("NSE:INFY")
	assert.True(t, ok)
	assert.True(t, cached.Equal(d("1000")))

	_, err = cache.LastPrice(context.Background(), "NSE", "TCS")
	assert.Error(t, err)
}

func TestQuoteCache_FreshTickWins(t *testing.T) {
	paper := NewPaperBroker(testLogger())
	paper.SetQuote("NSE", "INFY", d("1000"))
	cache := NewQuoteCache(paper, time.Minute)

	cache.HandleTick(Tick{Instrument: "NSE:INFY", LastPrice: d("1001.5"), At: time.Now()})
	price, err := cache.LastPrice(context.Background(), "NSE", "INFY")
	require.NoError(t, err)
	assert.True(t, price.Equal(d("1001.5")))
}

func TestQuoteCache_IgnoresOutOfOrderTicks(t *testing.T) {
	cache := NewQuoteCache(nil, time.Minute)
	now := time.Now()
	cache.Set("NSE:INFY", d("1002"), now)
	cache.Set("NSE:INFY", d("1001"), now.Add(-time.Second))

	price, ok := cache.Peek("NSE:INFY")
	require.True(t, ok)
	assert.True(t, price.Equal(d("1002")))
}
