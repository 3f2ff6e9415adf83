// handlers.go implements the mutating verbs. Every successful mutation of
// TradeParams is persisted by the params store before the reply goes out.
package command

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spotmm/internal/config"
	"spotmm/internal/notify"
	"spotmm/internal/orders"
	"spotmm/internal/strategy"
	"spotmm/pkg/types"
)

func (p *Processor) cmdStart(args []string) Result {
	if len(args) < 1 || args[0] != "mm" {
		return reply("Usage: start mm [optimal|spread|depth]")
	}

	policy := types.Policy("")
	if len(args) > 1 {
		parsed, ok := types.ParsePolicy(args[1])
		if !ok {
			return reply("Unknown policy %q. Use optimal, spread or depth.", args[1])
		}
		policy = parsed
	}

	if err := p.params.Mutate(func(tp *config.TradeParams) {
		tp.IsActive = true
		if policy != "" {
			tp.Policy = policy
		}
	}); err != nil {
		return reply("Start failed: %v", err)
	}

	tp := p.params.Snapshot()
	return replyAndNotify(notify.TypeInfo, "Market making started with policy %s.", tp.Policy)
}

func (p *Processor) cmdStop(args []string) Result {
	if len(args) < 1 || args[0] != "mm" {
		return reply("Usage: stop mm")
	}
	if err := p.params.Mutate(func(tp *config.TradeParams) {
		tp.IsActive = false
	}); err != nil {
		return reply("Stop failed: %v", err)
	}
	return replyAndNotify(notify.TypeInfo, "Market making stopped. Live orders stay on the book.")
}

// ————————————————————————————————————————————————————————————————————————
// enable / disable
// ————————————————————————————————————————————————————————————————————————

func (p *Processor) cmdEnable(args []string) Result {
	if len(args) < 1 {
		return reply("Usage: enable ob|liq|pw ...")
	}
	switch strings.ToLower(args[0]) {
	case "ob":
		return p.enableOB(args[1:])
	case "liq":
		return p.enableLiq(args[1:])
	case "pw":
		return p.enablePW(args[1:])
	default:
		return reply("Unknown subsystem %q. Use ob, liq or pw.", args[0])
	}
}

func (p *Processor) cmdDisable(args []string) Result {
	if len(args) < 1 {
		return reply("Usage: disable ob|liq|pw")
	}

	var msg string
	err := p.params.Mutate(func(tp *config.TradeParams) {
		switch strings.ToLower(args[0]) {
		case "ob":
			tp.OrderBookEnabled = false
			msg = "Order-book builder disabled."
		case "liq":
			tp.LiquidityEnabled = false
			msg = "Liquidity provider disabled."
		case "pw":
			tp.PwEnabled = false
			msg = "Price watcher disabled."
		}
	})
	if err != nil {
		return reply("Disable failed: %v", err)
	}
	if msg == "" {
		return reply("Unknown subsystem %q. Use ob, liq or pw.", args[0])
	}
	return replyAndNotify(notify.TypeInfo, "%s", msg)
}

// enableOB handles: enable ob [count] [pct%]
func (p *Processor) enableOB(args []string) Result {
	count := 0
	pct := decimal.Zero

	for _, arg := range args {
		if strings.HasSuffix(arg, "%") {
			v, err := decimal.NewFromString(strings.TrimSuffix(arg, "%"))
			if err != nil || v.IsNegative() {
				return reply("Bad percent %q. Usage: enable ob [count] [pct%%]", arg)
			}
			pct = v
			continue
		}
		v, err := parseInt(arg)
		if err != nil || v < 1 {
			return reply("Bad count %q. Usage: enable ob [count] [pct%%]", arg)
		}
		count = v
	}

	if err := p.params.Mutate(func(tp *config.TradeParams) {
		tp.OrderBookEnabled = true
		if count > 0 {
			tp.OrderBookOrdersCount = count
		}
		if !pct.IsZero() {
			tp.OrderBookMaxOrderPercent = pct
		}
	}); err != nil {
		return reply("Enable failed: %v", err)
	}

	tp := p.params.Snapshot()
	return replyAndNotify(notify.TypeInfo,
		"Order-book builder enabled: %d orders, max %s%% of amount range.",
		tp.OrderBookOrdersCount, tp.OrderBookMaxOrderPercent)
}

// enableLiq handles: enable liq <spread%> <a1> <c1> <a2> <c2> [trend]
// The coin after each amount decides which pool it sizes: base → sell pool,
// quote → buy pool.
func (p *Processor) enableLiq(args []string) Result {
	const usage = "Usage: enable liq <spread%%> <amount coin> <amount coin> [middle|uptrend|downtrend]"
	if len(args) < 5 {
		return reply(usage)
	}

	spread, err := decimal.NewFromString(strings.TrimSuffix(args[0], "%"))
	if err != nil || !spread.IsPositive() {
		return reply("Bad spread %q. "+usage, args[0])
	}

	var sellBase, buyQuote decimal.Decimal
	for i := 1; i+1 < len(args) && i < 5; i += 2 {
		amount, err := decimal.NewFromString(args[i])
		if err != nil || !amount.IsPositive() {
			return reply("Bad amount %q. "+usage, args[i])
		}
		coin := strings.ToUpper(args[i+1])
		switch coin {
		case strings.ToUpper(p.pair.Base):
			sellBase = amount
		case strings.ToUpper(p.pair.Quote):
			buyQuote = amount
		default:
			return reply("Coin %q is not part of %s.", coin, p.pair)
		}
	}
	if sellBase.IsZero() || buyQuote.IsZero() {
		return reply("Both pools must be sized: one amount in %s, one in %s.",
			p.pair.Base, p.pair.Quote)
	}

	trend := types.TrendMiddle
	if len(args) > 5 {
		parsed, ok := types.ParseTrend(args[5])
		if !ok {
			return reply("Unknown trend %q. Use middle, uptrend or downtrend.", args[5])
		}
		trend = parsed
	}

	if err := p.params.Mutate(func(tp *config.TradeParams) {
		tp.LiquidityEnabled = true
		tp.LiquiditySpreadPercent = spread
		tp.LiquiditySellAmount = sellBase
		tp.LiquidityBuyQuoteAmount = buyQuote
		tp.LiquidityTrend = trend
	}); err != nil {
		return reply("Enable failed: %v", err)
	}

	p.provider.RequestReset()
	return replyAndNotify(notify.TypeInfo,
		"Liquidity enabled: %s %s asks + %s %s bids, spread %s%%, trend %s.",
		sellBase, p.pair.Base, buyQuote, p.pair.Quote, spread, trend)
}

// enablePW handles: enable pw <low-high|value%> [coin] [src] [policy] [action]
// A bare coin token says which currency the numeric bounds are given in; the
// watcher converts them to the traded quote via rate-info.
func (p *Processor) enablePW(args []string) Result {
	const usage = "Usage: enable pw <low-high|deviation%%> [coin] [pair@exchange] [smart|strict] [fill|prevent]"
	if len(args) < 1 {
		return reply(usage)
	}

	var low, high, deviation decimal.Decimal
	first := args[0]
	switch {
	case strings.HasSuffix(first, "%"):
		v, err := decimal.NewFromString(strings.TrimSuffix(first, "%"))
		if err != nil || !v.IsPositive() {
			return reply("Bad deviation %q. "+usage, first)
		}
		deviation = v
	case strings.Contains(first, "-"):
		parts := strings.SplitN(first, "-", 2)
		lo, errLo := decimal.NewFromString(parts[0])
		hi, errHi := decimal.NewFromString(parts[1])
		if errLo != nil || errHi != nil || lo.GreaterThanOrEqual(hi) {
			return reply("Bad range %q. "+usage, first)
		}
		low, high = lo, hi
	default:
		return reply("Bad range %q. "+usage, first)
	}

	source := ""
	coin := ""
	policy := types.PwPolicy("")
	action := types.PwAction("")
	for _, arg := range args[1:] {
		lower := strings.ToLower(arg)
		switch lower {
		case string(types.PwSmart), string(types.PwStrict):
			policy = types.PwPolicy(lower)
		case string(types.PwFill), string(types.PwPrevent):
			action = types.PwAction(lower)
		default:
			switch {
			case strings.Contains(arg, "@"):
				source = arg
			case isCoinToken(arg):
				coin = strings.ToUpper(arg)
			default:
				return reply("Unknown argument %q. "+usage, arg)
			}
		}
	}

	if deviation.IsPositive() && source == "" {
		return reply("A deviation%% range needs a market source (pair@exchange).")
	}

	if err := p.params.Mutate(func(tp *config.TradeParams) {
		tp.PwEnabled = true
		tp.PwSource = source
		tp.PwLowPrice = low
		tp.PwHighPrice = high
		tp.PwLowHighCoin = coin
		if deviation.IsPositive() {
			tp.PwDeviationPercent = deviation
		}
		if policy != "" {
			tp.PwPolicy = policy
		}
		if action != "" {
			tp.PwAction = action
		}
	}); err != nil {
		return reply("Enable failed: %v", err)
	}

	tp := p.params.Snapshot()
	if source != "" {
		return replyAndNotify(notify.TypeInfo,
			"Price watcher enabled: source %s ±%s%%, policy %s, action %s.",
			source, tp.PwDeviationPercent, tp.PwPolicy, tp.PwAction)
	}
	return replyAndNotify(notify.TypeInfo,
		"Price watcher enabled: band [%s, %s], policy %s, action %s.",
		low, high, tp.PwPolicy, tp.PwAction)
}

// ————————————————————————————————————————————————————————————————————————
// Parameter knobs
// ————————————————————————————————————————————————————————————————————————

// cmdAmount handles: amount min-max
func (p *Processor) cmdAmount(args []string) Result {
	if len(args) != 1 || !strings.Contains(args[0], "-") {
		return reply("Usage: amount min-max (in %s)", p.pair.Base)
	}
	parts := strings.SplitN(args[0], "-", 2)
	lo, errLo := decimal.NewFromString(parts[0])
	hi, errHi := decimal.NewFromString(parts[1])
	if errLo != nil || errHi != nil || !lo.IsPositive() || lo.GreaterThan(hi) {
		return reply("Bad range %q. Usage: amount min-max", args[0])
	}

	if err := p.params.Mutate(func(tp *config.TradeParams) {
		tp.MinAmount = lo
		tp.MaxAmount = hi
	}); err != nil {
		return reply("Amount update failed: %v", err)
	}
	return reply("Order amount range set to %s–%s %s.", lo, hi, p.pair.Base)
}

// cmdInterval handles: interval min-max sec|min|hour
func (p *Processor) cmdInterval(args []string) Result {
	const usage = "Usage: interval min-max sec|min|hour"
	if len(args) != 2 || !strings.Contains(args[0], "-") {
		return reply(usage)
	}

	var unit time.Duration
	switch strings.ToLower(args[1]) {
	case "sec":
		unit = time.Second
	case "min":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	default:
		return reply("Unknown unit %q. "+usage, args[1])
	}

	parts := strings.SplitN(args[0], "-", 2)
	lo, errLo := parseInt(parts[0])
	hi, errHi := parseInt(parts[1])
	if errLo != nil || errHi != nil || lo < 1 || lo > hi {
		return reply("Bad range %q. "+usage, args[0])
	}

	if err := p.params.Mutate(func(tp *config.TradeParams) {
		tp.IntervalMin = time.Duration(lo) * unit
		tp.IntervalMax = time.Duration(hi) * unit
	}); err != nil {
		return reply("Interval update failed: %v", err)
	}
	return reply("Tick interval set to %d–%d %s.", lo, hi, args[1])
}

// cmdBuyPercent handles: buypercent N
func (p *Processor) cmdBuyPercent(args []string) Result {
	if len(args) != 1 {
		return reply("Usage: buypercent N (0..100)")
	}
	v, err := decimal.NewFromString(args[0])
	if err != nil || v.IsNegative() || v.GreaterThan(decimal.NewFromInt(100)) {
		return reply("Buy percent must be between 0 and 100.")
	}

	if err := p.params.Mutate(func(tp *config.TradeParams) {
		tp.BuyPercent = v
	}); err != nil {
		return reply("Update failed: %v", err)
	}
	return reply("Buy bias set to %s%%.", v)
}

// ————————————————————————————————————————————————————————————————————————
// clear
// ————————————————————————————————————————————————————————————————————————

// cmdClear handles: clear [pair] <purpose|all|unk> [buy|sell] [>P|<P [coin]] [force]
func (p *Processor) cmdClear(ctx context.Context, tokens, args []string, confirmed bool) Result {
	const usage = "Usage: clear [pair] <purpose|all|unk> [buy|sell] [>P|<P] [force]"
	if len(args) < 1 {
		return reply(usage)
	}

	// Optional leading pair; only the configured one is accepted.
	if strings.Contains(args[0], "/") {
		pair, err := types.ParsePair(args[0])
		if err != nil || pair != p.pair {
			return reply("Only the configured pair %s is traded.", p.pair)
		}
		args = args[1:]
		if len(args) < 1 {
			return reply(usage)
		}
	}

	purposes, unknown, err := orders.ParseSelectorPurposes(args[0])
	if err != nil {
		return reply("%v. "+usage, err)
	}

	sel := orders.Selector{Purposes: purposes, Unknown: unknown, Pair: p.pair}
	for _, arg := range args[1:] {
		lower := strings.ToLower(arg)
		switch {
		case lower == "buy" || lower == "sell":
			side := types.Side(lower)
			sel.Side = &side
		case lower == "force":
			sel.Force = true
		case strings.HasPrefix(arg, ">"):
			v, err := decimal.NewFromString(arg[1:])
			if err != nil {
				return reply("Bad price filter %q. "+usage, arg)
			}
			sel.PriceAbove = &v
		case strings.HasPrefix(arg, "<"):
			v, err := decimal.NewFromString(arg[1:])
			if err != nil {
				return reply("Bad price filter %q. "+usage, arg)
			}
			sel.PriceBelow = &v
		case strings.EqualFold(arg, p.pair.Quote):
			// The price filter's coin; prices are already in quote.
		default:
			return reply("Unknown argument %q. "+usage, arg)
		}
	}

	// Cancelling orders is destructive: always confirmed.
	if !confirmed {
		return p.requestConfirmation(tokens,
			fmt.Sprintf("About to cancel %s orders on %s.", args[0], p.pair))
	}

	res, err := p.collect.Collect(ctx, sel, types.CauseUserCommand, "clear "+args[0])
	if err != nil {
		return reply("Clear failed: %v", err)
	}
	return replyAndNotify(notify.TypeInfo, "%s", res.LogMessage("clear "+args[0]))
}

// ————————————————————————————————————————————————————————————————————————
// fill / buy / sell / make
// ————————————————————————————————————————————————————————————————————————

// cmdFill handles: fill [pair] buy|sell quote=X|amount=X low=L high=H count=N
func (p *Processor) cmdFill(ctx context.Context, tokens, args []string, confirmed bool) Result {
	const usage = "Usage: fill [pair] buy|sell quote=X|amount=X low=L high=H count=N"
	if len(args) > 0 && strings.Contains(args[0], "/") {
		pair, err := types.ParsePair(args[0])
		if err != nil || pair != p.pair {
			return reply("Only the configured pair %s is traded.", p.pair)
		}
		args = args[1:]
	}
	if len(args) < 1 {
		return reply(usage)
	}

	side := types.Side(strings.ToLower(args[0]))
	if side != types.Buy && side != types.Sell {
		return reply("First argument must be buy or sell. " + usage)
	}

	req := strategy.LadderRequest{Side: side}
	var count int
	for _, arg := range args[1:] {
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			return reply("Bad argument %q. "+usage, arg)
		}
		switch strings.ToLower(key) {
		case "quote":
			v, err := decimal.NewFromString(val)
			if err != nil {
				return reply("Bad quote amount %q.", val)
			}
			req.QuoteTotal = v
		case "amount":
			v, err := decimal.NewFromString(val)
			if err != nil {
				return reply("Bad amount %q.", val)
			}
			req.BaseTotal = v
		case "low":
			v, err := decimal.NewFromString(val)
			if err != nil {
				return reply("Bad low price %q.", val)
			}
			req.Low = v
		case "high":
			v, err := decimal.NewFromString(val)
			if err != nil {
				return reply("Bad high price %q.", val)
			}
			req.High = v
		case "count":
			v, err := parseInt(val)
			if err != nil || v < 1 {
				return reply("Bad count %q.", val)
			}
			count = v
		default:
			return reply("Unknown argument %q. "+usage, arg)
		}
	}
	req.Count = count
	if err := req.Validate(); err != nil {
		return reply("%v. %s", err, usage)
	}

	if !confirmed {
		coin, notional := p.pair.Base, req.BaseTotal
		if !req.QuoteTotal.IsZero() {
			coin, notional = p.pair.Quote, req.QuoteTotal
		}
		if p.needsConfirmation(ctx, coin, notional) {
			return p.requestConfirmation(tokens,
				fmt.Sprintf("About to place a %d-rung %s ladder worth %s %s.",
					req.Count, side, notional, coin))
		}
	}

	res, err := p.ladder.Place(ctx, req)
	if err != nil {
		return reply("Fill failed: %v", err)
	}
	return replyAndNotify(notify.TypeInfo,
		"Ladder placed: %d orders (%d rejected) across [%s, %s].",
		res.Placed, res.Rejected, req.Low, req.High)
}

// cmdManualOrder handles: buy|sell [pair] amount=X|quote=X [price=P|market]
func (p *Processor) cmdManualOrder(ctx context.Context, tokens []string, verb string, args []string, confirmed bool) Result {
	usage := fmt.Sprintf("Usage: %s [pair] amount=X|quote=X [price=P|market]", verb)
	side := types.Side(verb)

	if len(args) > 0 && strings.Contains(args[0], "/") {
		pair, err := types.ParsePair(args[0])
		if err != nil || pair != p.pair {
			return reply("Only the configured pair %s is traded.", p.pair)
		}
		args = args[1:]
	}
	if len(args) < 1 {
		return reply(usage)
	}

	var base, quote, price decimal.Decimal
	isMarket := false
	for _, arg := range args {
		if strings.EqualFold(arg, "market") {
			isMarket = true
			continue
		}
		key, val, ok := strings.Cut(arg, "=")
		if !ok {
			return reply("Bad argument %q. %s", arg, usage)
		}
		v, err := decimal.NewFromString(val)
		if err != nil {
			return reply("Bad value %q. %s", val, usage)
		}
		switch strings.ToLower(key) {
		case "amount":
			base = v
		case "quote":
			quote = v
		case "price":
			price = v
		default:
			return reply("Unknown argument %q. %s", arg, usage)
		}
	}

	if base.IsZero() == quote.IsZero() {
		return reply("Exactly one of amount= or quote= must be given. %s", usage)
	}
	if !isMarket && price.IsZero() {
		return reply("Either price=P or market is required. %s", usage)
	}
	if isMarket && !p.ex.Features().PlaceMarketOrder {
		return reply("%s does not support market orders.", p.ex.Name())
	}

	if !confirmed {
		coin, notional := p.pair.Base, base
		if !quote.IsZero() {
			coin, notional = p.pair.Quote, quote
		}
		if p.needsConfirmation(ctx, coin, notional) {
			return p.requestConfirmation(tokens,
				fmt.Sprintf("About to %s %s %s.", verb, notional, coin))
		}
	}

	order := &types.Order{
		Pair:        p.pair,
		Side:        side,
		Type:        types.Limit,
		Purpose:     types.PurposeManual,
		Price:       price,
		BaseAmount:  base,
		QuoteAmount: quote,
	}
	if isMarket {
		order.Type = types.Market
	}
	if err := p.placer.Place(ctx, order); err != nil {
		return replyAndNotify(notify.TypeWarning, "Order failed: %v", err)
	}
	return replyAndNotify(notify.TypeInfo,
		"Manual %s placed: id %s.", verb, order.ID)
}

// cmdMake handles: make price T [coin] now
func (p *Processor) cmdMake(ctx context.Context, tokens, args []string, confirmed bool) Result {
	const usage = "Usage: make price T [coin] now"
	if len(args) < 2 || strings.ToLower(args[0]) != "price" {
		return reply(usage)
	}
	if strings.ToLower(args[len(args)-1]) != "now" {
		return reply("A price move needs the explicit now marker. " + usage)
	}

	target, err := decimal.NewFromString(args[1])
	if err != nil || !target.IsPositive() {
		return reply("Bad target price %q. "+usage, args[1])
	}

	if !confirmed {
		return p.requestConfirmation(tokens,
			fmt.Sprintf("About to move the %s price to %s by eating book depth.", p.pair, target))
	}

	res, err := p.maker.Move(ctx, target)
	if err != nil {
		return replyAndNotify(notify.TypeWarning, "Price move failed: %v", err)
	}

	// Follow-up rate snapshot after the market has had time to react.
	go func() {
		time.Sleep(strategy.AfterSnapshotDelay)
		snapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		after, err := p.maker.AfterRates(snapCtx)
		if err != nil {
			p.logger.Warn("post-move rate snapshot failed", "error", err)
			return
		}
		p.logger.Info("rates after price move",
			"target", target.String(),
			"bid_before", res.Before.Bid.String(), "ask_before", res.Before.Ask.String(),
			"bid_after", after.Bid.String(), "ask_after", after.Ask.String())
	}()

	return replyAndNotify(notify.TypeInfo,
		"Price move placed: %s %s %s at %s. Rates before: bid %s / ask %s.",
		res.Side, res.Amount, p.pair.Base, res.Target, res.Before.Bid, res.Before.Ask)
}

// isCoinToken reports whether arg looks like a bare currency symbol.
func isCoinToken(s string) bool {
	if len(s) < 2 || len(s) > 6 {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < 'A' || r > 'Z') {
			return false
		}
	}
	return true
}

func parseInt(s string) (int, error) {
	var v int
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
