// Package market keeps hot read-side market state between exchange calls.
//
// Three caches with different refresh disciplines:
//   - BookCache: TTL-stamped order book, refreshed over REST on expiry and
//     updated eagerly from the WebSocket feed; invalidated after any action
//     that changes the book shape (our own placements and cancels).
//   - BalanceCache: lazy refresh, invalidated after every placement, cancel,
//     or detected fill; a short TTL catches balance changes the agent did not
//     cause (deposits, withdrawals, manual exchange-side trades).
//   - MarketsCache: pair metadata (decimals, min/max amounts) loaded once at
//     startup and held for the process lifetime.
//
// All caches are concurrency-safe. Workers never call the exchange for data
// a cache can serve fresh.
package market

import (
	"context"
	"fmt"
	"sync"
	"time"

	"spotmm/internal/exchange"
	"spotmm/pkg/types"
)

// ————————————————————————————————————————————————————————————————————————
// Order book cache
// ————————————————————————————————————————————————————————————————————————

// BookCache serves the current order book for one pair, refreshing over REST
// when the cached copy is older than ttl.
type BookCache struct {
	mu      sync.Mutex
	ex      exchange.Exchange
	pair    types.Pair
	ttl     time.Duration
	book    *types.OrderBook
	fetched time.Time
}

// NewBookCache creates a book cache with the given staleness bound.
func NewBookCache(ex exchange.Exchange, pair types.Pair, ttl time.Duration) *BookCache {
	return &BookCache{ex: ex, pair: pair, ttl: ttl}
}

// Get returns the cached book, refreshing from the exchange when stale.
func (c *BookCache) Get(ctx context.Context) (*types.OrderBook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.book != nil && time.Since(c.fetched) < c.ttl {
		return c.book, nil
	}

	book, err := c.ex.GetOrderBook(ctx, c.pair)
	if err != nil {
		// Serve the stale copy rather than nothing when the refresh fails
		// and we still hold one.
		if c.book != nil {
			return c.book, nil
		}
		return nil, fmt.Errorf("refresh book: %w", err)
	}
	c.book = book
	c.fetched = time.Now()
	return c.book, nil
}

// Apply installs a book snapshot pushed from the WebSocket feed.
func (c *BookCache) Apply(book *types.OrderBook) {
	if book == nil || book.Pair != c.pair {
		return
	}
	c.mu.Lock()
	c.book = book
	c.fetched = time.Now()
	c.mu.Unlock()
}

// Invalidate forces the next Get to refresh. Called after our own orders
// change the book shape.
func (c *BookCache) Invalidate() {
	c.mu.Lock()
	c.fetched = time.Time{}
	c.mu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Balance cache
// ————————————————————————————————————————————————————————————————————————

// balanceTTL bounds how long a valid balance snapshot is trusted. Our own
// actions invalidate eagerly; the TTL covers everyone else's.
const balanceTTL = 5 * time.Second

// BalanceCache serves account balances with lazy refresh: reads hit the
// exchange only after an invalidation, a TTL lapse, or on first use.
type BalanceCache struct {
	mu       sync.Mutex
	ex       exchange.Exchange
	ttl      time.Duration
	balances types.Balances
	fetched  time.Time
	valid    bool
}

// NewBalanceCache creates an empty (invalid) balance cache.
func NewBalanceCache(ex exchange.Exchange) *BalanceCache {
	return &BalanceCache{ex: ex, ttl: balanceTTL}
}

// Get returns cached balances, refreshing from the exchange when invalidated
// or stale.
func (c *BalanceCache) Get(ctx context.Context) (types.Balances, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && time.Since(c.fetched) < c.ttl {
		return c.balances, nil
	}

	balances, err := c.ex.GetBalances(ctx, false)
	if err != nil {
		return types.Balances{}, fmt.Errorf("refresh balances: %w", err)
	}
	c.balances = balances
	c.fetched = time.Now()
	c.valid = true
	return c.balances, nil
}

// Invalidate marks the cache dirty. Called after placements, cancellations,
// and detected fills.
func (c *BalanceCache) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// ————————————————————————————————————————————————————————————————————————
// Markets cache
// ————————————————————————————————————————————————————————————————————————

// MarketsCache holds pair metadata for the process lifetime. Market listings
// change on exchange maintenance windows, not mid-session, so a single load
// at startup is enough.
type MarketsCache struct {
	mu      sync.Mutex
	ex      exchange.Exchange
	markets map[string]types.MarketInfo
}

// NewMarketsCache creates an unloaded markets cache.
func NewMarketsCache(ex exchange.Exchange) *MarketsCache {
	return &MarketsCache{ex: ex}
}

// Info returns the descriptor for a pair, loading all markets on first use.
func (c *MarketsCache) Info(ctx context.Context, pair types.Pair) (types.MarketInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.markets == nil {
		markets, err := c.ex.LoadMarkets(ctx)
		if err != nil {
			return types.MarketInfo{}, fmt.Errorf("load markets: %w", err)
		}
		c.markets = markets
	}

	info, ok := c.markets[pair.String()]
	if !ok {
		return types.MarketInfo{}, fmt.Errorf("market %s not listed", pair)
	}
	return info, nil
}
