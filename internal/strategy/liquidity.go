package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"spotmm/internal/config"
	"spotmm/internal/ledger"
	"spotmm/internal/market"
	"spotmm/internal/notify"
	"spotmm/internal/orders"
	"spotmm/internal/pricewatcher"
	"spotmm/pkg/types"
)

const (
	// liqChunkMin / liqChunkMax bound how many orders one side's delta is
	// split into. Two or more keeps the pool from being a single wall.
	liqChunkMin = 2
	liqChunkMax = 4

	// liqTolerancePercent: deltas smaller than this share of the target are
	// left alone to avoid dust churn.
	liqTolerancePercent = 5
)

// Provider maintains two standing pools around the trend anchor: a sell pool
// sized in base and a buy pool sized in quote, spread across the configured
// percent window.
type Provider struct {
	params     *config.ParamsStore
	pair       types.Pair
	books      *market.BookCache
	balances   *market.BalanceCache
	markets    *market.MarketsCache
	ledger     *ledger.Ledger
	placer     *orders.Placer
	reconciler *orders.Reconciler
	collector  *orders.Collector
	watcher    *pricewatcher.Watcher
	warnings   *notify.Throttle
	rand       *rand.Rand
	logger     *slog.Logger

	resetRequested atomic.Bool
}

// NewProvider wires the liquidity provider.
func NewProvider(
	params *config.ParamsStore,
	pair types.Pair,
	books *market.BookCache,
	balances *market.BalanceCache,
	markets *market.MarketsCache,
	led *ledger.Ledger,
	placer *orders.Placer,
	reconciler *orders.Reconciler,
	collector *orders.Collector,
	watcher *pricewatcher.Watcher,
	warnings *notify.Throttle,
	logger *slog.Logger,
) *Provider {
	return &Provider{
		params:     params,
		pair:       pair,
		books:      books,
		balances:   balances,
		markets:    markets,
		ledger:     led,
		placer:     placer,
		reconciler: reconciler,
		collector:  collector,
		watcher:    watcher,
		warnings:   warnings,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:     logger.With("component", "liquidity"),
	}
}

// RequestReset asks the next tick to drop and re-seed both pools. Called by
// the command processor after a policy change or a new liquidity set.
func (p *Provider) RequestReset() {
	p.resetRequested.Store(true)
}

// window is one side's allowed price range around the anchor.
type window struct {
	low, high decimal.Decimal
}

func (w window) contains(price decimal.Decimal) bool {
	return price.GreaterThanOrEqual(w.low) && price.LessThanOrEqual(w.high)
}

// Tick runs one provider iteration: reconcile, drop stale orders, then close
// the delta between target and live pool sizes.
func (p *Provider) Tick(ctx context.Context) {
	params := p.params.Snapshot()
	if !params.LiquidityEnabled {
		return
	}

	if err := p.reconciler.Reconcile(ctx, p.pair); err != nil {
		p.logger.Error("reconcile failed", "error", err)
		return
	}

	if p.resetRequested.Swap(false) {
		if _, err := p.collector.Collect(ctx, orders.Selector{
			Purposes: []types.Purpose{types.PurposeLiq},
			Pair:     p.pair,
		}, types.CauseUserCommand, "liq reset"); err != nil {
			p.logger.Error("liq reset failed", "error", err)
			return
		}
	}

	book, err := p.books.Get(ctx)
	if err != nil {
		p.logger.Warn("no order book, skipping tick", "error", err)
		return
	}
	mid, ok := book.MidPrice()
	if !ok {
		p.logger.Warn("book has no mid price, skipping tick")
		return
	}

	askWin, bidWin := p.windows(mid, params)

	// The watcher band caps both windows; a side whose window falls entirely
	// outside collapses to an empty range and places nothing.
	if band, ok := p.watcher.Usable(time.Now()); ok {
		askWin = clampToBand(askWin, band)
		bidWin = clampToBand(bidWin, band)
	}

	if err := p.dropOutOfWindow(ctx, askWin, bidWin); err != nil {
		p.logger.Error("stale-order sweep failed", "error", err)
		return
	}

	if p.watcher.Blocks(time.Now()) {
		p.logger.Info("placements blocked by price watcher")
		return
	}

	open, err := p.ledger.FindOpen(ctx, []types.Purpose{types.PurposeLiq}, p.pair)
	if err != nil {
		p.logger.Error("load open liq-orders failed", "error", err)
		return
	}

	liveSellBase := decimal.Zero
	liveBuyQuote := decimal.Zero
	for _, o := range open {
		if o.Side == types.Sell {
			liveSellBase = liveSellBase.Add(o.BaseRemaining)
		} else {
			liveBuyQuote = liveBuyQuote.Add(o.BaseRemaining.Mul(o.Price))
		}
	}

	p.closeDelta(ctx, types.Sell, params.LiquiditySellAmount, liveSellBase, askWin)
	p.closeDelta(ctx, types.Buy, params.LiquidityBuyQuoteAmount, liveBuyQuote, bidWin)
}

// windows derives the per-side price ranges from the anchor and trend.
// Uptrend pushes asks away from mid and keeps bids close; downtrend is the
// mirror; middle is symmetric.
func (p *Provider) windows(mid decimal.Decimal, params config.TradeParams) (ask, bid window) {
	half := params.LiquiditySpreadPercent.Div(decimal.NewFromInt(100))

	// Near edges keep a small standoff so pool orders never sit on the mid
	// itself.
	standoff := half.Mul(decimal.NewFromFloat(0.05))
	askNear, askFar := standoff, half
	bidNear, bidFar := standoff, half
	switch params.LiquidityTrend {
	case types.TrendUp:
		askNear = half.Div(decimal.NewFromInt(2))
		askFar = half.Mul(decimal.NewFromFloat(1.5))
		bidFar = half.Div(decimal.NewFromInt(2))
	case types.TrendDown:
		bidNear = half.Div(decimal.NewFromInt(2))
		bidFar = half.Mul(decimal.NewFromFloat(1.5))
		askFar = half.Div(decimal.NewFromInt(2))
	}

	one := decimal.NewFromInt(1)
	ask = window{
		low:  mid.Mul(one.Add(askNear)),
		high: mid.Mul(one.Add(askFar)),
	}
	bid = window{
		low:  mid.Mul(one.Sub(bidFar)),
		high: mid.Mul(one.Sub(bidNear)),
	}
	return ask, bid
}

// clampToBand intersects a placement window with the watcher band. An empty
// intersection comes back with low > high.
func clampToBand(win window, band pricewatcher.Band) window {
	if band.Low.GreaterThan(win.low) {
		win.low = band.Low
	}
	if band.High.LessThan(win.high) {
		win.high = band.High
	}
	return win
}

// dropOutOfWindow cancels liq-orders that drifted outside the current
// per-side window (anchor moved or trend changed).
func (p *Provider) dropOutOfWindow(ctx context.Context, askWin, bidWin window) error {
	open, err := p.ledger.FindOpen(ctx, []types.Purpose{types.PurposeLiq}, p.pair)
	if err != nil {
		return err
	}

	for _, o := range open {
		win := askWin
		if o.Side == types.Buy {
			win = bidWin
		}
		if win.contains(o.Price) {
			continue
		}
		if err := p.collector.CancelByID(ctx, o, false, types.CauseOutOfPwRange); err != nil {
			return err
		}
	}
	return nil
}

// closeDelta places 2–4 orders that together bring the side's live total up
// to target. Sells are sized in base, buys in quote.
func (p *Provider) closeDelta(ctx context.Context, side types.Side, target, live decimal.Decimal, win window) {
	if target.IsZero() || win.low.GreaterThan(win.high) {
		return
	}
	delta := target.Sub(live)
	tolerance := target.Mul(decimal.NewFromInt(liqTolerancePercent)).Div(decimal.NewFromInt(100))
	if delta.LessThanOrEqual(tolerance) {
		return
	}

	info, err := p.markets.Info(ctx, p.pair)
	if err != nil {
		p.logger.Error("market info unavailable", "error", err)
		return
	}

	chunks := liqChunkMin + p.rand.Intn(liqChunkMax-liqChunkMin+1)
	per := delta.Div(decimal.NewFromInt(int64(chunks)))

	for i := 0; i < chunks; i++ {
		price := p.drawInWindow(win).Round(info.QuoteDecimals)

		var base decimal.Decimal
		if side == types.Sell {
			base = per
		} else {
			base = per.Div(price)
		}
		base = base.Round(info.BaseDecimals)
		if base.LessThan(info.MinAmount) {
			p.logger.Debug("liq chunk below market minimum, skipped",
				"side", side, "amount", base)
			continue
		}

		if err := p.checkBalance(ctx, side, price, base); err != nil {
			p.logger.Warn("liq placement skipped", "error", err)
			return
		}

		order := &types.Order{
			Pair:       p.pair,
			Side:       side,
			Type:       types.Limit,
			Purpose:    types.PurposeLiq,
			Price:      price,
			BaseAmount: base,
		}
		if err := p.placer.Place(ctx, order); err != nil {
			p.logger.Warn("liq placement failed", "error", err)
		}
	}
}

func (p *Provider) drawInWindow(win window) decimal.Decimal {
	span := win.high.Sub(win.low)
	return win.low.Add(span.Mul(decimal.NewFromFloat(p.rand.Float64())))
}

func (p *Provider) checkBalance(ctx context.Context, side types.Side, price, base decimal.Decimal) error {
	balances, err := p.balances.Get(ctx)
	if err != nil {
		return err
	}

	var coin string
	var need decimal.Decimal
	if side == types.Buy {
		coin = p.pair.Quote
		need = base.Mul(price)
	} else {
		coin = p.pair.Base
		need = base
	}

	free := balances.Coin(coin).Free
	if free.LessThan(need) {
		if p.warnings != nil {
			p.warnings.Notify(ctx, "liq-low-balance", notify.TypeWarning,
				fmt.Sprintf("liquidity provider: not enough %s (need %s, free %s)", coin, need, free))
		}
		return fmt.Errorf("insufficient %s: need %s, free %s", coin, need, free)
	}
	return nil
}
