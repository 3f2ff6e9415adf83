package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"spotmm/internal/market"
	"spotmm/internal/orders"
	"spotmm/pkg/types"
)

// LadderRequest describes one fill command: spread Count orders evenly
// across [Low, High], sized by a base total or a quote total (exactly one).
type LadderRequest struct {
	Side       types.Side
	Low        decimal.Decimal
	High       decimal.Decimal
	Count      int
	BaseTotal  decimal.Decimal
	QuoteTotal decimal.Decimal
}

// Validate checks the request shape before any placement.
func (r LadderRequest) Validate() error {
	if r.Count < 1 {
		return fmt.Errorf("count must be >= 1")
	}
	if r.Low.IsZero() || r.High.IsZero() || r.Low.GreaterThan(r.High) {
		return fmt.Errorf("bad price range [%s, %s]", r.Low, r.High)
	}
	if r.BaseTotal.IsZero() == r.QuoteTotal.IsZero() {
		return fmt.Errorf("exactly one of amount= or quote= must be given")
	}
	return nil
}

// LadderResult summarizes one ladder placement.
type LadderResult struct {
	Placed   int
	Rejected int
	OrderIDs []string
}

// Ladder places rung series for the fill command. Rungs that the exchange
// rejects stay in the ledger as not-placed rows for operator visibility.
type Ladder struct {
	pair     types.Pair
	markets  *market.MarketsCache
	balances *market.BalanceCache
	placer   *orders.Placer
	logger   *slog.Logger
}

// NewLadder wires the fill ladder.
func NewLadder(
	pair types.Pair,
	markets *market.MarketsCache,
	balances *market.BalanceCache,
	placer *orders.Placer,
	logger *slog.Logger,
) *Ladder {
	return &Ladder{
		pair:     pair,
		markets:  markets,
		balances: balances,
		placer:   placer,
		logger:   logger.With("component", "ladder"),
	}
}

// Place validates funding for the whole ladder up front, then places the
// rungs lowest price first. A total-balance shortfall places nothing.
func (l *Ladder) Place(ctx context.Context, req LadderRequest) (LadderResult, error) {
	if err := req.Validate(); err != nil {
		return LadderResult{}, err
	}

	info, err := l.markets.Info(ctx, l.pair)
	if err != nil {
		return LadderResult{}, err
	}

	prices := rungPrices(req.Low, req.High, req.Count, info.QuoteDecimals)

	rungs := l.sizeRungs(req, prices, info)

	// Funding first: "not enough quote" is the answer the operator needs
	// before any sizing nit.
	if err := l.checkTotalBalance(ctx, req, rungs); err != nil {
		return LadderResult{}, err
	}
	for _, r := range rungs {
		if r.base.LessThan(info.MinAmount) {
			return LadderResult{}, fmt.Errorf("rung amount %s below market minimum %s; use fewer rungs",
				r.base, info.MinAmount)
		}
	}

	var res LadderResult
	for i, r := range rungs {
		order := &types.Order{
			Pair:        l.pair,
			Side:        req.Side,
			Type:        types.Limit,
			Purpose:     types.PurposeLadder,
			Price:       r.price,
			BaseAmount:  r.base,
			LadderIndex: i + 1,
			LadderState: "placed",
		}
		if err := l.placer.Place(ctx, order); err != nil {
			res.Rejected++
			l.logger.Warn("ladder rung rejected",
				"index", i+1, "price", r.price, "error", err)
			continue
		}
		res.Placed++
		res.OrderIDs = append(res.OrderIDs, order.ID)
	}

	l.logger.Info("ladder done",
		"side", req.Side, "placed", res.Placed, "rejected", res.Rejected)
	return res, nil
}

type rung struct {
	price decimal.Decimal
	base  decimal.Decimal
}

// sizeRungs splits the total evenly across the rungs. A quote total divides
// into equal quote slices converted at each rung's price.
func (l *Ladder) sizeRungs(req LadderRequest, prices []decimal.Decimal, info types.MarketInfo) []rung {
	count := decimal.NewFromInt(int64(len(prices)))
	rungs := make([]rung, 0, len(prices))

	for _, price := range prices {
		var base decimal.Decimal
		if !req.BaseTotal.IsZero() {
			base = req.BaseTotal.Div(count)
		} else {
			base = req.QuoteTotal.Div(count).Div(price)
		}
		rungs = append(rungs, rung{price: price, base: base.Round(info.BaseDecimals)})
	}
	return rungs
}

// checkTotalBalance verifies the whole ladder is funded before placing any
// rung; a partial ladder is worse than none. The need comes from the request
// totals so per-rung rounding cannot understate it.
func (l *Ladder) checkTotalBalance(ctx context.Context, req LadderRequest, rungs []rung) error {
	balances, err := l.balances.Get(ctx)
	if err != nil {
		return err
	}

	need := decimal.Zero
	var coin string
	if req.Side == types.Buy {
		coin = l.pair.Quote
		if !req.QuoteTotal.IsZero() {
			need = req.QuoteTotal
		} else {
			for _, r := range rungs {
				need = need.Add(r.base.Mul(r.price))
			}
		}
	} else {
		coin = l.pair.Base
		if !req.BaseTotal.IsZero() {
			need = req.BaseTotal
		} else {
			for _, r := range rungs {
				need = need.Add(r.base)
			}
		}
	}

	free := balances.Coin(coin).Free
	if free.LessThan(need) {
		return fmt.Errorf("not enough %s: need %s, free %s", coin, need, free)
	}
	return nil
}

// rungPrices spreads count prices evenly across [low, high] inclusive.
func rungPrices(low, high decimal.Decimal, count int, quoteDecimals int32) []decimal.Decimal {
	if count == 1 {
		return []decimal.Decimal{low.Add(high).Div(decimal.NewFromInt(2)).Round(quoteDecimals)}
	}
	step := high.Sub(low).Div(decimal.NewFromInt(int64(count - 1)))
	prices := make([]decimal.Decimal, 0, count)
	for i := 0; i < count; i++ {
		prices = append(prices, low.Add(step.Mul(decimal.NewFromInt(int64(i)))).Round(quoteDecimals))
	}
	return prices
}
