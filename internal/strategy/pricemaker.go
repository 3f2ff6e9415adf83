package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"spotmm/internal/exchange"
	"spotmm/internal/market"
	"spotmm/internal/orders"
	"spotmm/internal/pricewatcher"
	"spotmm/pkg/types"
)

const (
	// reliabilityMin / reliabilityMax bound the depth multiplier that
	// defeats races with other takers while the pm-order works the book.
	reliabilityMin = 1.05
	reliabilityMax = 1.10

	// AfterSnapshotDelay is how long after placement the follow-up rate
	// snapshot is taken for the operator report.
	AfterSnapshotDelay = 7 * time.Second
)

// MoveResult reports a price-move attempt: what was placed and the market
// rates just before placement. The after-rates snapshot arrives via
// AfterRates once the delay elapses.
type MoveResult struct {
	Side    types.Side
	Target  decimal.Decimal
	Amount  decimal.Decimal
	OrderID string
	Before  types.Rates
}

// Maker moves the market price to an operator-given target by eating the
// opposite side's depth up to the target level in a single pm-order.
type Maker struct {
	ex       exchange.Exchange
	pair     types.Pair
	books    *market.BookCache
	markets  *market.MarketsCache
	placer   *orders.Placer
	balances *market.BalanceCache
	watcher  *pricewatcher.Watcher
	rand     *rand.Rand
	logger   *slog.Logger
}

// NewMaker wires the price maker.
func NewMaker(
	ex exchange.Exchange,
	pair types.Pair,
	books *market.BookCache,
	markets *market.MarketsCache,
	balances *market.BalanceCache,
	placer *orders.Placer,
	watcher *pricewatcher.Watcher,
	logger *slog.Logger,
) *Maker {
	return &Maker{
		ex:       ex,
		pair:     pair,
		books:    books,
		markets:  markets,
		balances: balances,
		placer:   placer,
		watcher:  watcher,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   logger.With("component", "pricemaker"),
	}
}

// Move places a single pm-order sized to push the traded price to target.
// The side follows from where the target sits relative to the current book:
// above the best ask means buying through asks, below the best bid means
// selling through bids. A target outside the watcher band is pulled back to
// the nearest band edge before the move is sized.
func (m *Maker) Move(ctx context.Context, target decimal.Decimal) (MoveResult, error) {
	if band, ok := m.watcher.Usable(time.Now()); ok && !band.Contains(target) {
		clamped := band.High
		if target.LessThan(band.Low) {
			clamped = band.Low
		}
		m.logger.Warn("move target outside price band, clamped",
			"requested", target, "target", clamped,
			"band_low", band.Low, "band_high", band.High)
		target = clamped
	}

	before, err := m.ex.GetRates(ctx, m.pair)
	if err != nil {
		return MoveResult{}, fmt.Errorf("rates before move: %w", err)
	}

	m.books.Invalidate()
	book, err := m.books.Get(ctx)
	if err != nil {
		return MoveResult{}, fmt.Errorf("order book: %w", err)
	}

	side, err := moveSide(book, target)
	if err != nil {
		return MoveResult{}, err
	}

	depth := book.DepthToPrice(side, target)
	if depth.IsZero() {
		return MoveResult{}, fmt.Errorf("no depth between current price and %s", target)
	}

	// Reliability factor defeats races: someone else may take part of the
	// depth while our order is in flight.
	factor := reliabilityMin + m.rand.Float64()*(reliabilityMax-reliabilityMin)
	amount := depth.Mul(decimal.NewFromFloat(factor))

	info, err := m.markets.Info(ctx, m.pair)
	if err != nil {
		return MoveResult{}, err
	}
	amount = amount.Round(info.BaseDecimals)
	price := target.Round(info.QuoteDecimals)

	if err := m.checkBalance(ctx, side, price, amount); err != nil {
		return MoveResult{}, err
	}

	order := &types.Order{
		Pair:       m.pair,
		Side:       side,
		Type:       types.Limit,
		Purpose:    types.PurposePM,
		Price:      price,
		BaseAmount: amount,
	}
	if err := m.placer.Place(ctx, order); err != nil {
		return MoveResult{}, err
	}

	m.logger.Info("price move placed",
		"side", side, "target", price, "amount", amount, "depth", depth)
	return MoveResult{
		Side:    side,
		Target:  price,
		Amount:  amount,
		OrderID: order.ID,
		Before:  before,
	}, nil
}

// AfterRates fetches the follow-up rate snapshot for the operator report.
func (m *Maker) AfterRates(ctx context.Context) (types.Rates, error) {
	return m.ex.GetRates(ctx, m.pair)
}

func moveSide(book *types.OrderBook, target decimal.Decimal) (types.Side, error) {
	ask, okA := book.BestAsk()
	bid, okB := book.BestBid()

	switch {
	case okA && target.GreaterThan(ask.Price):
		return types.Buy, nil
	case okB && target.LessThan(bid.Price):
		return types.Sell, nil
	case okA && okB:
		return "", fmt.Errorf("target %s already inside spread [%s, %s]",
			target, bid.Price, ask.Price)
	default:
		return "", fmt.Errorf("book too thin to derive move direction")
	}
}

func (m *Maker) checkBalance(ctx context.Context, side types.Side, price, amount decimal.Decimal) error {
	balances, err := m.balances.Get(ctx)
	if err != nil {
		return err
	}

	var coin string
	var need decimal.Decimal
	if side == types.Buy {
		coin = m.pair.Quote
		need = amount.Mul(price)
	} else {
		coin = m.pair.Base
		need = amount
	}

	free := balances.Coin(coin).Free
	if free.LessThan(need) {
		return fmt.Errorf("not enough %s for price move: need %s, free %s", coin, need, free)
	}
	return nil
}
