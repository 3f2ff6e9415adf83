// Package rateinfo resolves coin→USD conversion rates from an external
// quote service. Used for reporting only (balance totals, notifications),
// never for trading decisions, so a stale rate is acceptable and a missing
// one degrades to zero.
package rateinfo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

const (
	requestTimeout = 10 * time.Second
	defaultTTL     = 5 * time.Minute
)

// Client fetches and caches USD rates per coin symbol.
type Client struct {
	http   *resty.Client
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedRate
}

type cachedRate struct {
	rate    decimal.Decimal
	fetched time.Time
}

type quoteResponse struct {
	Symbol string `json:"symbol"`
	USD    string `json:"usd"`
}

// New creates a rate client against the quote service base URL.
func New(baseURL string, logger *slog.Logger) *Client {
	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})

	return &Client{
		http:   http,
		ttl:    defaultTTL,
		logger: logger.With("component", "rateinfo"),
		cache:  make(map[string]cachedRate),
	}
}

// USDRate returns the coin's USD rate, cached for the TTL. Stablecoins pin
// to 1 without a network call.
func (c *Client) USDRate(ctx context.Context, coin string) (decimal.Decimal, error) {
	coin = strings.ToUpper(coin)
	switch coin {
	case "USDT", "USDC", "USD":
		return decimal.NewFromInt(1), nil
	}

	c.mu.Lock()
	if hit, ok := c.cache[coin]; ok && time.Since(hit.fetched) < c.ttl {
		c.mu.Unlock()
		return hit.rate, nil
	}
	c.mu.Unlock()

	var out quoteResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", coin).
		SetResult(&out).
		Get("/api/v1/quote")
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: %w", coin, err)
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("quote %s: status %d", coin, resp.StatusCode())
	}

	rate, err := decimal.NewFromString(out.USD)
	if err != nil {
		return decimal.Zero, fmt.Errorf("quote %s: bad rate %q", coin, out.USD)
	}

	c.mu.Lock()
	c.cache[coin] = cachedRate{rate: rate, fetched: time.Now()}
	c.mu.Unlock()

	return rate, nil
}

// USDValue converts an amount of coin into USD. Returns zero (and logs) when
// the rate is unavailable; reporting must not fail the caller.
func (c *Client) USDValue(ctx context.Context, coin string, amount decimal.Decimal) decimal.Decimal {
	rate, err := c.USDRate(ctx, coin)
	if err != nil {
		c.logger.Warn("usd rate unavailable", "coin", coin, "error", err)
		return decimal.Zero
	}
	return amount.Mul(rate)
}
