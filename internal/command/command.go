// Package command implements the operator text protocol: whitespace-delimited
// tokens, first token is the verb (a leading slash is tolerated).
//
// Every command returns a structured Result; rendering strings for the reply
// and notification sinks happens here, never inside the trading components.
// Commands that move real money past the configured USD threshold, and
// destructive commands, go through the confirmation state machine: the
// processor parks the command as Pending with a 10-minute deadline and
// executes it when a y arrives. An inline -y marker skips the prompt.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotmm/internal/config"
	"spotmm/internal/exchange"
	"spotmm/internal/ledger"
	"spotmm/internal/market"
	"spotmm/internal/notify"
	"spotmm/internal/orders"
	"spotmm/internal/pricewatcher"
	"spotmm/internal/strategy"
	"spotmm/pkg/types"
)

// Version is stamped by the build; the version verb reports it.
var Version = "dev"

// confirmTimeout is how long a pending confirmation stays valid.
const confirmTimeout = 10 * time.Minute

// Result is a command's structured outcome. UserMessage goes back to the
// operator; Notify (when non-empty) goes to the notification sink.
type Result struct {
	UserMessage string
	Notify      string
	NotifyType  notify.Type
}

func reply(format string, args ...any) Result {
	return Result{UserMessage: fmt.Sprintf(format, args...)}
}

func replyAndNotify(typ notify.Type, format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{UserMessage: msg, Notify: msg, NotifyType: typ}
}

// RateSource converts a coin to USD for confirmation-threshold estimates.
type RateSource interface {
	USDRate(ctx context.Context, coin string) (decimal.Decimal, error)
}

// pendingCommand is a parked command awaiting its y.
type pendingCommand struct {
	tokens   []string
	deadline time.Time
}

// Processor routes operator commands to the trading components.
type Processor struct {
	cfg      *config.Config
	params   *config.ParamsStore
	pair     types.Pair
	ex       exchange.Exchange
	ledger   *ledger.Ledger
	books    *market.BookCache
	balances *market.BalanceCache
	markets  *market.MarketsCache
	placer   *orders.Placer
	collect  *orders.Collector
	recon    *orders.Reconciler
	ladder   *strategy.Ladder
	maker    *strategy.Maker
	provider *strategy.Provider
	watcher  *pricewatcher.Watcher
	rates    RateSource
	logger   *slog.Logger

	// now is swappable in tests to drive the confirmation deadline.
	now func() time.Time

	mu      sync.Mutex
	pending *pendingCommand
}

// NewProcessor wires the command processor.
func NewProcessor(
	cfg *config.Config,
	params *config.ParamsStore,
	pair types.Pair,
	ex exchange.Exchange,
	led *ledger.Ledger,
	books *market.BookCache,
	balances *market.BalanceCache,
	markets *market.MarketsCache,
	placer *orders.Placer,
	collect *orders.Collector,
	recon *orders.Reconciler,
	lad *strategy.Ladder,
	maker *strategy.Maker,
	provider *strategy.Provider,
	watcher *pricewatcher.Watcher,
	rates RateSource,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		cfg:      cfg,
		params:   params,
		pair:     pair,
		ex:       ex,
		ledger:   led,
		books:    books,
		balances: balances,
		markets:  markets,
		placer:   placer,
		collect:  collect,
		recon:    recon,
		ladder:   lad,
		maker:    maker,
		provider: provider,
		watcher:  watcher,
		rates:    rates,
		logger:   logger.With("component", "command"),
		now:      time.Now,
	}
}

// Execute parses and runs one command line.
func (p *Processor) Execute(ctx context.Context, text string) Result {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return reply("Empty command. Try help.")
	}

	// Inline -y wins over any pending confirmation: the operator re-typed
	// the command with explicit consent, so the parked one is dropped.
	confirmed := false
	kept := tokens[:0:0]
	for _, tok := range tokens {
		if tok == "-y" {
			confirmed = true
			continue
		}
		kept = append(kept, tok)
	}
	tokens = kept
	if len(tokens) == 0 {
		return reply("Nothing to confirm inline. Try help.")
	}
	if confirmed {
		p.clearPending()
	}

	verb := strings.ToLower(strings.TrimPrefix(tokens[0], "/"))
	args := tokens[1:]

	switch verb {
	case "y":
		return p.confirmPending(ctx)
	case "start":
		return p.cmdStart(args)
	case "stop":
		return p.cmdStop(args)
	case "enable":
		return p.cmdEnable(args)
	case "disable":
		return p.cmdDisable(args)
	case "amount":
		return p.cmdAmount(args)
	case "interval":
		return p.cmdInterval(args)
	case "buypercent":
		return p.cmdBuyPercent(args)
	case "clear":
		return p.cmdClear(ctx, tokens, args, confirmed)
	case "fill":
		return p.cmdFill(ctx, tokens, args, confirmed)
	case "buy", "sell":
		return p.cmdManualOrder(ctx, tokens, verb, args, confirmed)
	case "make":
		return p.cmdMake(ctx, tokens, args, confirmed)
	case "rates":
		return p.cmdRates(ctx)
	case "stats":
		return p.cmdStats(ctx, args)
	case "orders":
		return p.cmdOrders(ctx, args)
	case "balances":
		return p.cmdBalances(ctx)
	case "account":
		return p.cmdAccount(ctx)
	case "deposit":
		return p.cmdDeposit(ctx, args)
	case "params":
		return p.cmdParams()
	case "info":
		return p.cmdInfo()
	case "pair":
		return reply("Traded pair: %s on %s", p.pair, p.ex.Name())
	case "calc":
		return p.cmdCalc(ctx, args)
	case "version":
		return reply("spotmm %s", Version)
	case "help":
		return reply("%s", helpText)
	default:
		return reply("Unknown command %q. Try help.", verb)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Confirmation state machine: Idle → Pending(cmd, deadline) → Idle
// ————————————————————————————————————————————————————————————————————————

// requestConfirmation parks the command and returns the prompt.
func (p *Processor) requestConfirmation(tokens []string, why string) Result {
	p.mu.Lock()
	p.pending = &pendingCommand{
		tokens:   tokens,
		deadline: p.now().Add(confirmTimeout),
	}
	p.mu.Unlock()

	return reply("%s\nConfirm with y within %s.", why, confirmTimeout)
}

// confirmPending re-runs the parked command with the confirmed marker. The
// pending slot is cleared before execution, so a second y finds nothing:
// double confirmation executes exactly once.
func (p *Processor) confirmPending(ctx context.Context) Result {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	if pending == nil {
		return reply("Nothing to confirm.")
	}
	if p.now().After(pending.deadline) {
		return reply("Confirmation expired. Repeat the command.")
	}

	return p.Execute(ctx, strings.Join(pending.tokens, " ")+" -y")
}

func (p *Processor) clearPending() {
	p.mu.Lock()
	p.pending = nil
	p.mu.Unlock()
}

// needsConfirmation reports whether a notional in the given coin crosses the
// configured USD threshold. A rate failure errs on the safe side and asks.
func (p *Processor) needsConfirmation(ctx context.Context, coin string, amount decimal.Decimal) bool {
	threshold := decimal.NewFromFloat(p.cfg.Command.AmountToConfirmUSD)
	if threshold.IsZero() {
		return false
	}

	rate, err := p.rates.USDRate(ctx, coin)
	if err != nil {
		p.logger.Warn("usd rate unavailable for confirmation estimate",
			"coin", coin, "error", err)
		return true
	}
	return amount.Mul(rate).GreaterThanOrEqual(threshold)
}
