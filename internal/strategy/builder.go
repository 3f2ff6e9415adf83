// Package strategy holds the decision-making components: the order-book
// builder (ephemeral depth), the liquidity provider (standing pools), the
// price maker (one-shot price moves), and the fill ladder.
//
// Every component follows the same tick shape: reconcile first, sweep what
// no longer belongs, then decide placements from the reconciled ledger view.
// Ticks never propagate errors upward; they log and return so the scheduler
// can run the next one.
package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
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
	// maxPlacementsPerTick bounds how many ob-orders one builder iteration
	// may add, regardless of how far below target the count is.
	maxPlacementsPerTick = 5

	// lifetimeBaseMinMs is the lower bound of the base lifetime draw.
	lifetimeBaseMinMs = 1500

	// bandPaddingPercent softens the band edge when it lies outside the
	// visible book window.
	bandPaddingPercent = 5
)

// Builder creates ephemeral depth: short-lived limit orders at randomized
// positions inside the visible book.
type Builder struct {
	params     *config.ParamsStore
	pair       types.Pair
	features   types.Features
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
}

// NewBuilder wires the order-book builder.
func NewBuilder(
	params *config.ParamsStore,
	pair types.Pair,
	features types.Features,
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
) *Builder {
	return &Builder{
		params:     params,
		pair:       pair,
		features:   features,
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
		logger:     logger.With("component", "builder"),
	}
}

// Tick runs one builder iteration: reconcile, sweep expired and out-of-band
// ob-orders, then top the count up toward the configured target.
func (b *Builder) Tick(ctx context.Context) {
	p := b.params.Snapshot()
	if !p.OrderBookEnabled {
		return
	}

	if err := b.reconciler.Reconcile(ctx, b.pair); err != nil {
		b.logger.Error("reconcile failed", "error", err)
		return
	}

	if _, err := b.collector.Collect(ctx, orders.Selector{
		Purposes: []types.Purpose{types.PurposeOB},
		Pair:     b.pair,
		Expired:  true,
	}, types.CauseExpired, "ob expiry sweep"); err != nil {
		b.logger.Error("expiry sweep failed", "error", err)
		return
	}

	if band, ok := b.watcher.Usable(time.Now()); ok {
		b.sweepOutOfBand(ctx, band)
	}

	open, err := b.ledger.FindOpen(ctx, []types.Purpose{types.PurposeOB}, b.pair)
	if err != nil {
		b.logger.Error("load open ob-orders failed", "error", err)
		return
	}

	target := p.OrderBookOrdersCount
	if b.features.OrderNumberLimit > 0 && target > b.features.OrderNumberLimit {
		target = b.features.OrderNumberLimit
	}
	missing := target - len(open)
	if missing <= 0 {
		return
	}
	if missing > maxPlacementsPerTick {
		missing = maxPlacementsPerTick
	}

	if b.watcher.Blocks(time.Now()) {
		b.logger.Info("placements blocked by price watcher")
		return
	}

	book, err := b.books.Get(ctx)
	if err != nil {
		b.logger.Warn("no order book, skipping tick", "error", err)
		return
	}

	for i := 0; i < missing; i++ {
		if err := b.placeOne(ctx, p, book, target); err != nil {
			b.logger.Warn("ob placement skipped", "error", err)
		}
	}
}

// sweepOutOfBand cancels ob-orders priced outside the watcher band.
func (b *Builder) sweepOutOfBand(ctx context.Context, band pricewatcher.Band) {
	high := band.High
	if _, err := b.collector.Collect(ctx, orders.Selector{
		Purposes:   []types.Purpose{types.PurposeOB},
		Pair:       b.pair,
		PriceAbove: &high,
	}, types.CauseOutOfPwRange, "ob above band"); err != nil {
		b.logger.Error("band sweep failed", "error", err)
		return
	}
	low := band.Low
	if _, err := b.collector.Collect(ctx, orders.Selector{
		Purposes:   []types.Purpose{types.PurposeOB},
		Pair:       b.pair,
		PriceBelow: &low,
	}, types.CauseOutOfPwRange, "ob below band"); err != nil {
		b.logger.Error("band sweep failed", "error", err)
	}
}

func (b *Builder) placeOne(ctx context.Context, p config.TradeParams, book *types.OrderBook, targetCount int) error {
	side := b.drawSide(p)

	levels := book.Bids
	if side == types.Sell {
		levels = book.Asks
	}
	if len(levels) < 2 {
		return fmt.Errorf("%s side too thin (%d levels)", side, len(levels))
	}

	info, err := b.markets.Info(ctx, b.pair)
	if err != nil {
		return err
	}

	position := b.drawPosition(len(levels), p.OrderBookHeight)
	price := b.drawPrice(levels, position, info.PriceTick)

	if band, ok := b.watcher.Usable(time.Now()); ok && !band.Contains(price) {
		price = b.correctIntoBand(price, band, levels, info.PriceTick)
		if !band.Contains(price) {
			return fmt.Errorf("price %s not correctable into band [%s, %s]",
				price, band.Low, band.High)
		}
	}

	amount := b.drawAmount(p)
	amount = amount.Round(info.BaseDecimals)
	price = price.Round(info.QuoteDecimals)
	if amount.LessThan(info.MinAmount) {
		return fmt.Errorf("amount %s below market minimum %s", amount, info.MinAmount)
	}

	if err := b.checkBalance(ctx, side, price, amount); err != nil {
		return err
	}

	// Lifetimes scale with the count actually attainable on this exchange,
	// not the configured one.
	lifetime := b.drawLifetime(position, targetCount)
	order := &types.Order{
		Pair:       b.pair,
		Side:       side,
		Type:       types.Limit,
		Purpose:    types.PurposeOB,
		Price:      price,
		BaseAmount: amount,
		ExpiresAt:  time.Now().Add(lifetime),
	}
	return b.placer.Place(ctx, order)
}

// drawSide flips the biased coin: buy with probability BuyPercent/100.
func (b *Builder) drawSide(p config.TradeParams) types.Side {
	threshold := p.BuyPercent.InexactFloat64() / 100
	if b.rand.Float64() < threshold {
		return types.Buy
	}
	return types.Sell
}

// drawPosition picks a book position uniformly in [2, min(levels, height)].
// Position 1 (top of book) is never used; an ob-order at best price would
// move the market instead of thickening it.
func (b *Builder) drawPosition(levelCount, height int) int {
	upper := levelCount
	if height > 0 && height < upper {
		upper = height
	}
	if upper < 2 {
		return 2
	}
	return 2 + b.rand.Intn(upper-1)
}

// drawPrice picks uniformly in the gap between the orders at position-1 and
// position, exclusive by one tick; a gap smaller than one tick collapses to
// the adjacent price.
func (b *Builder) drawPrice(levels []types.Level, position int, tick decimal.Decimal) decimal.Decimal {
	outer := levels[position-1].Price // further from the spread
	inner := levels[position-2].Price // closer to the spread

	lo, hi := outer, inner
	if lo.GreaterThan(hi) {
		lo, hi = hi, lo
	}
	lo = lo.Add(tick)
	hi = hi.Sub(tick)
	if lo.GreaterThanOrEqual(hi) {
		return outer
	}

	span := hi.Sub(lo)
	offset := span.Mul(decimal.NewFromFloat(b.rand.Float64()))
	return lo.Add(offset)
}

// correctIntoBand resamples toward the nearest visible price inside the
// band, padding the edge by ±5% when it lies outside the visible window.
func (b *Builder) correctIntoBand(price decimal.Decimal, band pricewatcher.Band, levels []types.Level, tick decimal.Decimal) decimal.Decimal {
	pad := decimal.NewFromInt(bandPaddingPercent).Div(decimal.NewFromInt(100))

	// Nearest visible level inside the band wins.
	for _, lvl := range levels {
		if band.Contains(lvl.Price) {
			return lvl.Price
		}
	}

	// No visible level inside: clamp to the padded band edge.
	if price.LessThan(band.Low) {
		return band.Low.Mul(decimal.NewFromInt(1).Add(pad)).Sub(tick)
	}
	return band.High.Mul(decimal.NewFromInt(1).Sub(pad)).Add(tick)
}

// drawAmount picks uniformly in [min, max × maxOrderPercent/100], with a
// floor of min × 1.1 when the range would collapse.
func (b *Builder) drawAmount(p config.TradeParams) decimal.Decimal {
	lo := p.MinAmount
	hi := p.MaxAmount.Mul(p.OrderBookMaxOrderPercent).Div(decimal.NewFromInt(100))

	floor := lo.Mul(decimal.NewFromFloat(1.1))
	if hi.LessThanOrEqual(lo) {
		hi = floor
	}
	span := hi.Sub(lo)
	return lo.Add(span.Mul(decimal.NewFromFloat(b.rand.Float64())))
}

// drawLifetime computes ⌊U(1500, M·500) · ∛position⌋ ms: orders closer to
// the spread expire sooner.
func (b *Builder) drawLifetime(position, targetCount int) time.Duration {
	upper := float64(targetCount * 500)
	if upper <= lifetimeBaseMinMs {
		upper = lifetimeBaseMinMs + 1
	}
	base := lifetimeBaseMinMs + b.rand.Float64()*(upper-lifetimeBaseMinMs)
	ms := math.Floor(base * math.Cbrt(float64(position)))
	return time.Duration(ms) * time.Millisecond
}

// checkBalance verifies the cached snapshot covers the order; on shortfall
// it emits an at-most-hourly warning and skips.
func (b *Builder) checkBalance(ctx context.Context, side types.Side, price, amount decimal.Decimal) error {
	balances, err := b.balances.Get(ctx)
	if err != nil {
		return err
	}

	var coin string
	var need decimal.Decimal
	if side == types.Buy {
		coin = b.pair.Quote
		need = amount.Mul(price)
	} else {
		coin = b.pair.Base
		need = amount
	}

	free := balances.Coin(coin).Free
	if free.LessThan(need) {
		if b.warnings != nil {
			b.warnings.Notify(ctx, "ob-low-balance", notify.TypeWarning,
				fmt.Sprintf("order-book builder: not enough %s (need %s, free %s)", coin, need, free))
		}
		return fmt.Errorf("insufficient %s: need %s, free %s", coin, need, free)
	}
	return nil
}
