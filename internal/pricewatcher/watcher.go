// Package pricewatcher maintains the allowed price band for the traded pair.
//
// A single background goroutine re-derives the band every 1–3 s from one of
// two sources: operator-given numeric bounds (converted into the traded quote
// through the rate-info service) or a reference market's order book expanded
// by a deviation percent. The derived band is published atomically; readers
// never see a half-updated range.
//
// Sudden jumps are damped: a derivation that moves the mid by more than the
// anomaly threshold is suppressed until it repeats for enough consecutive
// ticks to count as a real move rather than a bad print.
package pricewatcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"spotmm/internal/config"
	"spotmm/pkg/types"
)

const (
	tickMin = 1500 * time.Millisecond
	tickMax = 3000 * time.Millisecond

	// smartGraceWindow is how long a stale band stays usable under the
	// smart policy.
	smartGraceWindow = 2 * time.Minute

	// anomalyThresholdPercent is the one-tick mid move that flags an anomaly.
	anomalyThresholdPercent = 10

	// anomalyConfirmTicks is how many consecutive anomalous derivations it
	// takes before the new range is accepted as real.
	anomalyConfirmTicks = 3

	// dustFraction filters order-book levels thinner than this share of the
	// side's total when deriving smart bid/ask.
	dustFraction = 0.01
)

// Band is the published price range. Zero value means "never derived".
type Band struct {
	Low            decimal.Decimal
	Mid            decimal.Decimal
	High           decimal.Decimal
	IsActual       bool
	IsPriceAnomaly bool
	UpdatedAt      time.Time
}

// Contains reports whether a price sits inside [Low, High].
func (b Band) Contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(b.Low) && price.LessThanOrEqual(b.High)
}

// RateSource converts a coin into USD; satisfied by rateinfo.Client.
type RateSource interface {
	USDRate(ctx context.Context, coin string) (decimal.Decimal, error)
}

// BookSource fetches the reference market's order book for market-sourced
// bands. The resolver maps a "pair@exchange" descriptor to a live fetcher.
type BookSource interface {
	GetOrderBook(ctx context.Context, pair types.Pair) (*types.OrderBook, error)
}

// SourceResolver builds a book source from an operator descriptor.
type SourceResolver func(descriptor string) (BookSource, types.Pair, error)

// Watcher derives and publishes the band.
type Watcher struct {
	params  *config.ParamsStore
	pair    types.Pair
	rates   RateSource
	resolve SourceResolver
	logger  *slog.Logger

	band atomic.Pointer[Band]

	// anomaly damping state, touched only by the tick goroutine
	anomalyStreak int
}

// New creates a watcher for the traded pair. resolve may be nil when only
// numeric sources are configured.
func New(params *config.ParamsStore, pair types.Pair, rates RateSource, resolve SourceResolver, logger *slog.Logger) *Watcher {
	w := &Watcher{
		params:  params,
		pair:    pair,
		rates:   rates,
		resolve: resolve,
		logger:  logger.With("component", "pricewatcher"),
	}
	w.band.Store(&Band{})
	return w
}

// Current returns the last published band.
func (w *Watcher) Current() Band {
	return *w.band.Load()
}

/// Usable returns the band components may price against, honoring the policy:
// an actual band always; a stale band under smart within the grace window.
// ok=false means placements must stop (strict, or smart past grace).
func (w *Watcher) Usable(now time.Time) (Band, bool) {
	p := w.params.Snapshot()
	if !p.PwEnabled {
		return Band{}, false
	}

	b := w.Current()
	if b.UpdatedAt.IsZero() {
		return b, false
	}
	if b.IsActual {
		return b, true
	}
	if p.PwPolicy == types.PwSmart && now.Sub(b.UpdatedAt) < smartGraceWindow {
		return b, true
	}
	return b, false
}

// Blocks reports whether the watcher forbids any new placement right now:
// enabled, not usable. A disabled watcher never blocks.
func (w *Watcher) Blocks(now time.Time) bool {
	p := w.params.Snapshot()
	if !p.PwEnabled {
		return false
	}
	_, ok := w.Usable(now)
	return !ok
}

// Run ticks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		wait := tickMin + time.Duration(rand.Int63n(int64(tickMax-tickMin)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		w.Tick(ctx)
	}
}

// Tick derives and publishes one band update. Exported for tests and for the
// engine's synchronous first derivation at startup.
func (w *Watcher) Tick(ctx context.Context) {
	p := w.params.Snapshot()
	if !p.PwEnabled {
		return
	}

	fresh, err := w.derive(ctx, p)
	if err != nil {
		w.logger.Warn("band derivation failed", "error", err)
		w.publishNotActual()
		return
	}

	if w.isAnomalous(fresh) {
		w.anomalyStreak++
		if w.anomalyStreak < anomalyConfirmTicks {
			w.logger.Warn("price anomaly suspected, holding previous band",
				"streak", w.anomalyStreak,
				"fresh_mid", fresh.Mid,
				"held_mid", w.Current().Mid,
			)
			w.publishAnomaly()
			return
		}
		w.logger.Info("price move confirmed, accepting new band",
			"mid", fresh.Mid, "ticks", w.anomalyStreak)
	}
	w.anomalyStreak = 0
	w.band.Store(&fresh)
}

func (w *Watcher) derive(ctx context.Context, p config.TradeParams) (Band, error) {
	if strings.TrimSpace(p.PwSource) == "" {
		return w.deriveNumeric(ctx, p)
	}
	return w.deriveMarket(ctx, p)
}

// deriveNumeric converts operator bounds from the coin they were given in
// into the traded quote via USD cross rates.
func (w *Watcher) deriveNumeric(ctx context.Context, p config.TradeParams) (Band, error) {
	low, high := p.PwLowPrice, p.PwHighPrice
	if low.IsZero() || high.IsZero() || low.GreaterThanOrEqual(high) {
		return Band{}, fmt.Errorf("bad numeric range [%s, %s]", low, high)
	}

	coin := strings.ToUpper(p.PwLowHighCoin)
	if coin != "" && coin != strings.ToUpper(w.pair.Quote) {
		fromUSD, err := w.rates.USDRate(ctx, coin)
		if err != nil {
			return Band{}, fmt.Errorf("rate %s: %w", coin, err)
		}
		toUSD, err := w.rates.USDRate(ctx, w.pair.Quote)
		if err != nil {
			return Band{}, fmt.Errorf("rate %s: %w", w.pair.Quote, err)
		}
		if toUSD.IsZero() {
			return Band{}, fmt.Errorf("zero usd rate for %s", w.pair.Quote)
		}
		cross := fromUSD.Div(toUSD)
		low = low.Mul(cross)
		high = high.Mul(cross)
	}

	return Band{
		Low:       low,
		Mid:       low.Add(high).Div(decimal.NewFromInt(2)),
		High:      high,
		IsActual:  true,
		UpdatedAt: time.Now(),
	}, nil
}

// deriveMarket reads the reference market's book, takes smart bid/ask, and
// expands by the deviation percent.
func (w *Watcher) deriveMarket(ctx context.Context, p config.TradeParams) (Band, error) {
	if w.resolve == nil {
		return Band{}, fmt.Errorf("market source %q configured without a resolver", p.PwSource)
	}
	src, refPair, err := w.resolve(p.PwSource)
	if err != nil {
		return Band{}, fmt.Errorf("resolve source %q: %w", p.PwSource, err)
	}

	book, err := src.GetOrderBook(ctx, refPair)
	if err != nil {
		return Band{}, fmt.Errorf("reference book: %w", err)
	}

	bid, ask, ok := smartBidAsk(book)
	if !ok {
		return Band{}, fmt.Errorf("reference book for %s is empty", refPair)
	}

	dev := p.PwDeviationPercent.Div(decimal.NewFromInt(100))
	low := bid.Mul(decimal.NewFromInt(1).Sub(dev))
	high := ask.Mul(decimal.NewFromInt(1).Add(dev))

	return Band{
		Low:       low,
		Mid:       low.Add(high).Div(decimal.NewFromInt(2)),
		High:      high,
		IsActual:  true,
		UpdatedAt: time.Now(),
	}, nil
}

// smartBidAsk skips dust levels at the top of each side so a one-satoshi
// spoof order cannot steer the band.
func smartBidAsk(book *types.OrderBook) (bid, ask decimal.Decimal, ok bool) {
	bid, okB := smartLevel(book.Bids)
	ask, okA := smartLevel(book.Asks)
	return bid, ask, okB && okA
}

func smartLevel(levels []types.Level) (decimal.Decimal, bool) {
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Amount)
	}
	floor := total.Mul(decimal.NewFromFloat(dustFraction))
	for _, lvl := range levels {
		if lvl.Amount.GreaterThanOrEqual(floor) {
			return lvl.Price, true
		}
	}
	return levels[0].Price, true
}

func (w *Watcher) isAnomalous(fresh Band) bool {
	prev := w.Current()
	if prev.UpdatedAt.IsZero() || prev.Mid.IsZero() {
		return false
	}
	threshold := prev.Mid.Mul(decimal.NewFromInt(anomalyThresholdPercent)).Div(decimal.NewFromInt(100))
	return fresh.Mid.Sub(prev.Mid).Abs().GreaterThan(threshold)
}

func (w *Watcher) publishNotActual() {
	cur := w.Current()
	next := cur
	next.IsActual = false
	w.band.Store(&next)
}

func (w *Watcher) publishAnomaly() {
	cur := w.Current()
	next := cur
	next.IsPriceAnomaly = true
	w.band.Store(&next)
}
