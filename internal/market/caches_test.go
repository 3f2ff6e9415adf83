package market

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotmm/internal/exchange/exmock"
	"spotmm/pkg/types"
)

var testPair = types.Pair{Base: "TKN", Quote: "USDT"}

func seededMock() *exmock.Mock {
	m := exmock.New(testPair)
	m.SeedBook(testPair,
		decimal.RequireFromString("0.05"),
		decimal.RequireFromString("0.0001"),
		decimal.RequireFromString("100"), 5)
	m.SetBalance("USDT", decimal.RequireFromString("1000"))
	m.SetBalance("TKN", decimal.RequireFromString("5000"))
	return m
}

func TestBookCacheServesWithinTTL(t *testing.T) {
	t.Parallel()
	m := seededMock()
	c := NewBookCache(m, testPair, time.Minute)
	ctx := context.Background()

	first, err := c.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	// A seeded change must not be visible until the TTL lapses or the cache
	// is invalidated.
	m.SeedBook(testPair,
		decimal.RequireFromString("0.06"),
		decimal.RequireFromString("0.0001"),
		decimal.RequireFromString("100"), 5)

	cached, err := c.Get(ctx)
	require.NoError(t, err)
	assert.Same(t, first, cached)

	c.Invalidate()
	fresh, err := c.Get(ctx)
	require.NoError(t, err)
	bid, ok := fresh.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Price.LessThan(decimal.RequireFromString("0.06")))
	assert.True(t, bid.Price.GreaterThan(decimal.RequireFromString("0.05")))
}

func TestBookCacheServesStaleOnRefreshError(t *testing.T) {
	t.Parallel()
	m := seededMock()
	c := NewBookCache(m, testPair, time.Minute)
	ctx := context.Background()

	first, err := c.Get(ctx)
	require.NoError(t, err)

	c.Invalidate()
	m.FailNextBook(assert.AnError)

	got, err := c.Get(ctx)
	require.NoError(t, err, "stale copy beats an error")
	assert.Same(t, first, got)
}

func TestBookCacheApplyFeedSnapshot(t *testing.T) {
	t.Parallel()
	m := seededMock()
	c := NewBookCache(m, testPair, time.Minute)

	pushed := &types.OrderBook{
		Pair:      testPair,
		Bids:      []types.Level{{Price: decimal.RequireFromString("0.07"), Amount: decimal.NewFromInt(10)}},
		Asks:      []types.Level{{Price: decimal.RequireFromString("0.08"), Amount: decimal.NewFromInt(10)}},
		Timestamp: time.Now(),
	}
	c.Apply(pushed)

	got, err := c.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, pushed, got)

	// Snapshots for another pair are ignored.
	c.Apply(&types.OrderBook{Pair: types.Pair{Base: "OTHER", Quote: "USDT"}})
	got, err = c.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, pushed, got)
}

func TestBalanceCacheLazyRefresh(t *testing.T) {
	t.Parallel()
	m := seededMock()
	c := NewBalanceCache(m)
	ctx := context.Background()

	balances, err := c.Get(ctx)
	require.NoError(t, err)
	assert.True(t, balances.Coin("USDT").Free.Equal(decimal.RequireFromString("1000")))

	// Until invalidated, the cache keeps serving the old numbers.
	m.SetBalance("USDT", decimal.RequireFromString("500"))
	balances, err = c.Get(ctx)
	require.NoError(t, err)
	assert.True(t, balances.Coin("USDT").Free.Equal(decimal.RequireFromString("1000")))

	c.Invalidate()
	balances, err = c.Get(ctx)
	require.NoError(t, err)
	assert.True(t, balances.Coin("USDT").Free.Equal(decimal.RequireFromString("500")))
}

func TestBalanceCacheTTLCatchesExternalChanges(t *testing.T) {
	t.Parallel()
	m := seededMock()
	c := NewBalanceCache(m)
	c.ttl = 20 * time.Millisecond
	ctx := context.Background()

	balances, err := c.Get(ctx)
	require.NoError(t, err)
	assert.True(t, balances.Coin("USDT").Free.Equal(decimal.RequireFromString("1000")))

	// A change the agent did not cause, e.g. a withdrawal on the exchange UI.
	m.SetBalance("USDT", decimal.RequireFromString("500"))
	balances, err = c.Get(ctx)
	require.NoError(t, err)
	assert.True(t, balances.Coin("USDT").Free.Equal(decimal.RequireFromString("1000")),
		"inside the TTL the cached snapshot is served")

	time.Sleep(30 * time.Millisecond)
	balances, err = c.Get(ctx)
	require.NoError(t, err)
	assert.True(t, balances.Coin("USDT").Free.Equal(decimal.RequireFromString("500")),
		"after the TTL lapses the external change surfaces without an invalidation")
}

func TestMarketsCacheLoadOnce(t *testing.T) {
	t.Parallel()
	m := seededMock()
	c := NewMarketsCache(m)
	ctx := context.Background()

	info, err := c.Info(ctx, testPair)
	require.NoError(t, err)
	assert.Equal(t, testPair, info.Pair)

	_, err = c.Info(ctx, types.Pair{Base: "NOPE", Quote: "USDT"})
	require.Error(t, err)
}
