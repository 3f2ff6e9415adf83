package orders

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spotmm/internal/exchange"
	"spotmm/internal/ledger"
	"spotmm/pkg/types"
)

// Selector narrows which ledger orders a collection pass touches. Zero-value
// fields mean "no constraint". Unknown switches to the special mode that
// cancels exchange-live orders absent from the ledger.
type Selector struct {
	Purposes   []types.Purpose
	Unknown    bool
	Pair       types.Pair
	Side       *types.Side
	PriceAbove *decimal.Decimal // match orders priced strictly above
	PriceBelow *decimal.Decimal // match orders priced strictly below
	Expired    bool             // match only orders past their lifetime
	Force      bool             // close locally even when exchange state is uncertain
}

// Result summarizes one collection pass.
type Result struct {
	Attempted     int
	Cancelled     int
	AlreadyClosed int
	Failed        int
}

// LogMessage renders the pass outcome for command replies and logs.
func (r Result) LogMessage(reason string) string {
	return fmt.Sprintf("%s: attempted %d, cancelled %d, already closed %d, failed %d",
		reason, r.Attempted, r.Cancelled, r.AlreadyClosed, r.Failed)
}

// Collector cancels orders by selector and keeps the ledger in step with
// every outcome the exchange can report.
type Collector struct {
	ex       exchange.Exchange
	ledger   *ledger.Ledger
	books    Invalidator
	balances Invalidator
	logger   *slog.Logger
}

// NewCollector wires a collector. Cache invalidators may be nil in tests.
func NewCollector(ex exchange.Exchange, led *ledger.Ledger, books, balances Invalidator, logger *slog.Logger) *Collector {
	return &Collector{
		ex:       ex,
		ledger:   led,
		books:    books,
		balances: balances,
		logger:   logger.With("component", "collector"),
	}
}

// Collect cancels every order matching the selector and stamps cause on the
// closed rows. Per-order failures are counted, not fatal; only ledger errors
// abort the pass.
func (c *Collector) Collect(ctx context.Context, sel Selector, cause types.CloseCause, reason string) (Result, error) {
	if sel.Unknown {
		return c.collectUnknown(ctx, sel.Pair, reason)
	}

	open, err := c.ledger.FindOpen(ctx, sel.Purposes, sel.Pair)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, o := range open {
		if !sel.matches(o) {
			continue
		}
		res.Attempted++
		if err := c.cancelOne(ctx, o, sel.Force, cause, &res); err != nil {
			return res, err
		}
	}

	if res.Cancelled > 0 || res.AlreadyClosed > 0 {
		c.invalidate()
	}
	c.logger.Info("collection pass done", "result", res.LogMessage(reason))
	return res, nil
}

// CancelByID cancels one ledger order with the same outcome handling as a
// full pass.
func (c *Collector) CancelByID(ctx context.Context, o *types.Order, force bool, cause types.CloseCause) error {
	var res Result
	if err := c.cancelOne(ctx, o, force, cause, &res); err != nil {
		return err
	}
	if res.Cancelled > 0 || res.AlreadyClosed > 0 {
		c.invalidate()
	}
	return nil
}

func (c *Collector) cancelOne(ctx context.Context, o *types.Order, force bool, cause types.CloseCause, res *Result) error {
	if o.ExchangeID == "" {
		// Crash leftover that never reached the exchange. Close locally.
		res.Cancelled++
		return c.ledger.MarkClosed(ctx, o.ID, cause)
	}

	outcome, err := c.ex.CancelOrder(ctx, o.ExchangeID, o.Side, o.Pair)
	if err != nil {
		res.Failed++
		if force {
			c.logger.Warn("cancel failed, force-closing locally",
				"id", o.ID, "error", err)
			return c.ledger.MarkClosed(ctx, o.ID, cause)
		}
		if exchange.IsTransient(err) {
			c.logger.Debug("cancel deferred", "id", o.ID, "error", err)
			return nil
		}
		c.logger.Warn("cancel failed", "id", o.ID, "error", err)
		return nil
	}

	switch outcome {
	case types.CancelOK:
		res.Cancelled++
		return c.ledger.MarkClosed(ctx, o.ID, cause)

	case types.CancelAlreadyClosed:
		// The exchange closed it first (fill or external cancel); the cause
		// is theirs, not ours. The reconciler's next pass fills in the
		// quantities.
		res.AlreadyClosed++
		return c.ledger.MarkClosed(ctx, o.ID, types.CauseExternalCancel)

	default: // CancelUnknown
		res.Failed++
		if force {
			return c.ledger.MarkClosed(ctx, o.ID, cause)
		}
		// Leave for the reconciler's two-strike rule.
		return nil
	}
}

// collectUnknown cancels exchange-live orders whose ids are absent from the
// ledger. These are foreign orders on our account (or ledger loss); they are
// closed exchange-side only, there is no row to patch.
func (c *Collector) collectUnknown(ctx context.Context, pair types.Pair, reason string) (Result, error) {
	live, err := c.ex.GetOpenOrders(ctx, pair)
	if err != nil {
		return Result{}, fmt.Errorf("list open orders: %w", err)
	}

	var res Result
	for _, lo := range live {
		known, err := c.ledger.HasExchangeID(ctx, lo.ID)
		if err != nil {
			return res, err
		}
		if known {
			continue
		}
		res.Attempted++

		outcome, err := c.ex.CancelOrder(ctx, lo.ID, lo.Side, pair)
		if err != nil {
			res.Failed++
			c.logger.Warn("unknown-order cancel failed", "exchange_id", lo.ID, "error", err)
			continue
		}
		switch outcome {
		case types.CancelOK:
			res.Cancelled++
		case types.CancelAlreadyClosed:
			res.AlreadyClosed++
		default:
			res.Failed++
		}
	}

	if res.Cancelled > 0 {
		c.invalidate()
	}
	c.logger.Info("unknown-order sweep done", "result", res.LogMessage(reason))
	return res, nil
}

func (s Selector) matches(o *types.Order) bool {
	if s.Side != nil && o.Side != *s.Side {
		return false
	}
	if s.Expired && !o.IsExpired(time.Now()) {
		return false
	}
	if s.PriceAbove != nil && !o.Price.GreaterThan(*s.PriceAbove) {
		return false
	}
	if s.PriceBelow != nil && !o.Price.LessThan(*s.PriceBelow) {
		return false
	}
	return true
}

func (c *Collector) invalidate() {
	if c.books != nil {
		c.books.Invalidate()
	}
	if c.balances != nil {
		c.balances.Invalidate()
	}
}

// ParseSelectorPurposes maps a command token to selector purposes: a purpose
// tag, "all", or "unk".
func ParseSelectorPurposes(token string) (purposes []types.Purpose, unknown bool, err error) {
	switch strings.ToLower(token) {
	case "all":
		return nil, false, nil
	case "unk":
		return nil, true, nil
	default:
		p, ok := types.ParsePurpose(token)
		if !ok {
			return nil, false, fmt.Errorf("unknown purpose %q", token)
		}
		return []types.Purpose{p}, false, nil
	}
}
