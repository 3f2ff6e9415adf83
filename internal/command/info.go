// info.go implements the read-only verbs. Formatting lives here; the trading
// components only hand back structured data.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"spotmm/pkg/types"
)

func (p *Processor) cmdRates(ctx context.Context) Result {
	rates, err := p.ex.GetRates(ctx, p.pair)
	if err != nil {
		return reply("Rates unavailable: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s on %s\n", p.pair, p.ex.Name())
	fmt.Fprintf(&b, "bid %s / ask %s (spread %s)\n", rates.Bid, rates.Ask, rates.Spread())
	fmt.Fprintf(&b, "last %s, 24h high %s / low %s\n", rates.Last, rates.High24h, rates.Low24h)
	fmt.Fprintf(&b, "24h volume %s %s / %s %s",
		rates.Volume24h, p.pair.Base, rates.QuoteVolume, p.pair.Quote)
	return reply("%s", b.String())
}

// cmdStats handles: stats [hour|day|month|all] [purpose]
func (p *Processor) cmdStats(ctx context.Context, args []string) Result {
	window := types.WindowDay
	var purposes []types.Purpose
	for _, arg := range args {
		switch w := types.StatsWindow(strings.ToLower(arg)); w {
		case types.WindowHour, types.WindowDay, types.WindowMonth, types.WindowAll:
			window = w
		default:
			purpose, ok := types.ParsePurpose(arg)
			if !ok || purpose == types.PurposeUnknown {
				return reply("Unknown argument %q. Usage: stats [hour|day|month|all] [purpose]", arg)
			}
			purposes = append(purposes, purpose)
		}
	}

	stats, err := p.ledger.StatsByPurpose(ctx, p.pair, purposes, window)
	if err != nil {
		return reply("Stats unavailable: %v", err)
	}
	if len(stats) == 0 {
		return reply("No orders for %s in the last %s.", p.pair, window)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s, window %s:\n", p.pair, window)
	for _, s := range stats {
		fmt.Fprintf(&b, "%-4s placed %d, filled %d, cancelled %d, volume %s %s / %s %s\n",
			s.Purpose, s.Placed, s.Filled, s.Cancelled,
			s.BaseVolume, p.pair.Base, s.QuoteVolume, p.pair.Quote)
	}
	return reply("%s", strings.TrimRight(b.String(), "\n"))
}

// cmdOrders handles: orders [purpose]
func (p *Processor) cmdOrders(ctx context.Context, args []string) Result {
	var purposes []types.Purpose
	if len(args) > 0 {
		purpose, ok := types.ParsePurpose(args[0])
		if !ok || purpose == types.PurposeUnknown {
			return reply("Unknown purpose %q. Usage: orders [purpose]", args[0])
		}
		purposes = append(purposes, purpose)
	}

	open, err := p.ledger.FindOpen(ctx, purposes, p.pair)
	if err != nil {
		return reply("Orders unavailable: %v", err)
	}
	if len(open) == 0 {
		return reply("No open orders for %s.", p.pair)
	}

	sort.Slice(open, func(i, j int) bool {
		return open[i].Price.LessThan(open[j].Price)
	})

	var b strings.Builder
	fmt.Fprintf(&b, "%d open orders on %s:\n", len(open), p.pair)
	for _, o := range open {
		fmt.Fprintf(&b, "%-4s %-4s %s %s @ %s",
			o.Purpose, o.Side, o.BaseRemaining, p.pair.Base, o.Price)
		if o.BaseFilled.IsPositive() {
			fmt.Fprintf(&b, " (filled %s)", o.BaseFilled)
		}
		b.WriteString("\n")
	}
	return reply("%s", strings.TrimRight(b.String(), "\n"))
}

func (p *Processor) cmdBalances(ctx context.Context) Result {
	balances, err := p.balances.Get(ctx)
	if err != nil {
		return reply("Balances unavailable: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Balances on %s:\n", p.ex.Name())
	for _, e := range balances.Entries {
		if e.Total.IsZero() {
			continue
		}
		fmt.Fprintf(&b, "%-6s free %s, locked %s", e.Coin, e.Free, e.Locked)
		if usd := p.usdValue(ctx, e.Coin, e.Total); usd.IsPositive() {
			fmt.Fprintf(&b, " (≈ %s USD)", usd.Round(2))
		}
		b.WriteString("\n")
	}
	if balances.TotalUSD.IsPositive() {
		fmt.Fprintf(&b, "total ≈ %s USD", balances.TotalUSD.Round(2))
	}
	return reply("%s", strings.TrimRight(b.String(), "\n"))
}

// cmdAccount summarizes the whole account: coin count, open orders, and the
// totals in USD and BTC. Adapters that do not report totals get them derived
// from the rate source.
func (p *Processor) cmdAccount(ctx context.Context) Result {
	balances, err := p.balances.Get(ctx)
	if err != nil {
		return reply("Account unavailable: %v", err)
	}

	usd := balances.TotalUSD
	if !usd.IsPositive() {
		for _, e := range balances.Entries {
			usd = usd.Add(p.usdValue(ctx, e.Coin, e.Total))
		}
	}
	btc := balances.TotalBTC
	if !btc.IsPositive() {
		if rate, rerr := p.rates.USDRate(ctx, "BTC"); rerr == nil && rate.IsPositive() {
			btc = usd.Div(rate)
		}
	}

	open, err := p.ledger.FindOpen(ctx, nil, p.pair)
	if err != nil {
		return reply("Account unavailable: %v", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Account on %s: %d coins, %d open orders on %s\n",
		p.ex.Name(), len(balances.Entries), len(open), p.pair)
	fmt.Fprintf(&b, "total ≈ %s USD / %s BTC", usd.Round(2), btc.Round(8))
	return reply("%s", b.String())
}

// cmdDeposit handles: deposit [coin] — reports the coin's deposit address
// when the exchange exposes one. Nothing here moves funds.
func (p *Processor) cmdDeposit(ctx context.Context, args []string) Result {
	coin := p.pair.Base
	if len(args) > 0 {
		coin = strings.ToUpper(args[0])
	}

	if !p.ex.Features().GetDepositAddress {
		return reply("%s does not expose deposit addresses.", p.ex.Name())
	}
	addr, err := p.ex.GetDepositAddress(ctx, coin)
	if err != nil {
		return reply("Deposit address for %s unavailable: %v", coin, err)
	}
	return reply("Deposit address for %s on %s: %s", coin, p.ex.Name(), addr)
}

func (p *Processor) usdValue(ctx context.Context, coin string, amount decimal.Decimal) decimal.Decimal {
	rate, err := p.rates.USDRate(ctx, coin)
	if err != nil {
		return decimal.Zero
	}
	return amount.Mul(rate)
}

func (p *Processor) cmdParams() Result {
	tp := p.params.Snapshot()

	var b strings.Builder
	fmt.Fprintf(&b, "active: %v, policy: %s\n", tp.IsActive, tp.Policy)
	fmt.Fprintf(&b, "amount %s–%s %s, interval %s–%s, buy bias %s%%\n",
		tp.MinAmount, tp.MaxAmount, p.pair.Base,
		tp.IntervalMin, tp.IntervalMax, tp.BuyPercent)
	fmt.Fprintf(&b, "ob: enabled=%v count=%d maxOrder=%s%% height=%d\n",
		tp.OrderBookEnabled, tp.OrderBookOrdersCount,
		tp.OrderBookMaxOrderPercent, tp.OrderBookHeight)
	fmt.Fprintf(&b, "liq: enabled=%v spread=%s%% sell=%s %s buy=%s %s trend=%s\n",
		tp.LiquidityEnabled, tp.LiquiditySpreadPercent,
		tp.LiquiditySellAmount, p.pair.Base,
		tp.LiquidityBuyQuoteAmount, p.pair.Quote, tp.LiquidityTrend)
	fmt.Fprintf(&b, "pw: enabled=%v policy=%s action=%s", tp.PwEnabled, tp.PwPolicy, tp.PwAction)
	if tp.PwSource != "" {
		fmt.Fprintf(&b, " source=%s ±%s%%", tp.PwSource, tp.PwDeviationPercent)
	} else if tp.PwHighPrice.IsPositive() {
		fmt.Fprintf(&b, " band=[%s, %s]", tp.PwLowPrice, tp.PwHighPrice)
	}
	return reply("%s", b.String())
}

func (p *Processor) cmdInfo() Result {
	band := p.watcher.Current()

	var b strings.Builder
	fmt.Fprintf(&b, "spotmm %s, %s on %s\n", Version, p.pair, p.ex.Name())
	if band.IsActual {
		fmt.Fprintf(&b, "price band [%s, %s], mid %s, updated %s",
			band.Low, band.High, band.Mid, band.UpdatedAt.Format("15:04:05"))
	} else if band.IsPriceAnomaly {
		b.WriteString("price band suspended: source anomaly under confirmation")
	} else {
		b.WriteString("price band not available")
	}
	return reply("%s", b.String())
}

// cmdCalc handles: calc <amount> <coin> — converts between the pair's coins
// at the current mid price.
func (p *Processor) cmdCalc(ctx context.Context, args []string) Result {
	const usage = "Usage: calc <amount> <coin>"
	if len(args) != 2 {
		return reply(usage)
	}
	amount, err := decimal.NewFromString(args[0])
	if err != nil {
		return reply("Bad amount %q. "+usage, args[0])
	}
	coin := strings.ToUpper(args[1])

	book, err := p.books.Get(ctx)
	if err != nil {
		return reply("No order book: %v", err)
	}
	mid, ok := book.MidPrice()
	if !ok {
		return reply("Order book has no mid price.")
	}

	switch coin {
	case strings.ToUpper(p.pair.Base):
		return reply("%s %s ≈ %s %s at mid %s",
			amount, p.pair.Base, amount.Mul(mid), p.pair.Quote, mid)
	case strings.ToUpper(p.pair.Quote):
		return reply("%s %s ≈ %s %s at mid %s",
			amount, p.pair.Quote, amount.Div(mid), p.pair.Base, mid)
	default:
		return reply("Coin %q is not part of %s.", coin, p.pair)
	}
}

const helpText = `Commands:
  start mm [optimal|spread|depth]      start market making
  stop mm                              stop (live orders stay)
  enable ob [count] [pct%]             order-book builder
  enable liq <spread%> <amt coin> <amt coin> [trend]
  enable pw <low-high|dev%> [pair@exchange] [smart|strict] [fill|prevent]
  disable ob|liq|pw
  amount min-max                       per-order amount range
  interval min-max sec|min|hour        tick interval
  buypercent N                         buy-side bias
  clear [pair] <purpose|all|unk> [buy|sell] [>P|<P] [force]
  fill buy|sell quote=X|amount=X low=L high=H count=N
  buy|sell amount=X|quote=X price=P|market
  make price T now                     push price via book depth
  deposit [coin]                       deposit address (read-only)
  account                              account summary with USD/BTC totals
  rates | stats | orders | balances | params | info | pair | calc | version
  y                                    confirm a pending command`
