package orders

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"spotmm/internal/exchange"
	"spotmm/internal/ledger"
	"spotmm/pkg/types"
)

// missingStrikes is how many consecutive "unknown" responses the reconciler
// tolerates before treating an order as externally cancelled. One unknown can
// be a replica lagging behind a fresh placement; two in a row is a real gap.
const missingStrikes = 2

// Reconciler refreshes every open ledger row against the exchange. It runs
// before any maker iteration that counts open orders, so decisions are made
// on current state rather than on what the agent placed last tick.
type Reconciler struct {
	ex       exchange.Exchange
	ledger   *ledger.Ledger
	balances Invalidator
	logger   *slog.Logger
}

// NewReconciler wires a reconciler. The balance invalidator may be nil.
func NewReconciler(ex exchange.Exchange, led *ledger.Ledger, balances Invalidator, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		ex:       ex,
		ledger:   led,
		balances: balances,
		logger:   logger.With("component", "reconciler"),
	}
}

// Reconcile walks the open rows for a pair and applies the exchange's view.
// Transient fetch failures leave the row untouched for the next tick; only
// ledger errors abort the walk.
func (r *Reconciler) Reconcile(ctx context.Context, pair types.Pair) error {
	open, err := r.ledger.FindOpen(ctx, nil, pair)
	if err != nil {
		return err
	}

	for _, o := range open {
		if o.ExchangeID == "" {
			// Never accepted by the exchange; nothing to reconcile. The
			// placer closes these, so a survivor is a crash leftover.
			continue
		}
		if err := r.reconcileOne(ctx, o); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, o *types.Order) error {
	details, err := r.ex.GetOrderDetails(ctx, o.ExchangeID, o.Pair)
	if err != nil {
		if exchange.IsTransient(err) {
			r.logger.Debug("details fetch deferred", "id", o.ID, "error", err)
			return nil
		}
		return err
	}

	switch details.Status {
	case types.StatusUnknown:
		return r.strikeMissing(ctx, o)

	case types.StatusFilled:
		if err := r.applyFills(ctx, o, details); err != nil {
			return err
		}
		if err := r.ledger.MarkClosed(ctx, o.ID, types.CauseFilled); err != nil {
			return err
		}
		r.invalidateBalances()
		r.logger.Info("order filled",
			"id", o.ID, "purpose", o.Purpose, "side", o.Side, "price", o.Price)
		return nil

	case types.StatusCancelled:
		if err := r.applyFills(ctx, o, details); err != nil {
			return err
		}
		if err := r.ledger.MarkClosed(ctx, o.ID, types.CauseExternalCancel); err != nil {
			return err
		}
		r.invalidateBalances()
		r.logger.Info("order cancelled on exchange",
			"id", o.ID, "purpose", o.Purpose)
		return nil

	default: // new, partFilled
		hadFills := details.BaseFilled.GreaterThan(o.BaseFilled)
		if err := r.applyFills(ctx, o, details); err != nil {
			return err
		}
		if o.MissingCount > 0 {
			zero := 0
			if err := r.ledger.Update(ctx, o.ID, ledger.Patch{MissingCount: &zero}); err != nil {
				return err
			}
		}
		if hadFills {
			r.invalidateBalances()
		}
		return nil
	}
}

// strikeMissing applies the two-strike escape: the first unknown marks the
// row missing-once; the second consecutive one closes it as externally
// cancelled.
func (r *Reconciler) strikeMissing(ctx context.Context, o *types.Order) error {
	count := o.MissingCount + 1
	if count < missingStrikes {
		r.logger.Warn("order missing on exchange, first strike",
			"id", o.ID, "exchange_id", o.ExchangeID)
		return r.ledger.Update(ctx, o.ID, ledger.Patch{MissingCount: &count})
	}

	r.logger.Warn("order missing twice, closing as externally cancelled",
		"id", o.ID, "exchange_id", o.ExchangeID)
	if err := r.ledger.Update(ctx, o.ID, ledger.Patch{MissingCount: &count}); err != nil {
		return err
	}
	if err := r.ledger.MarkClosed(ctx, o.ID, types.CauseExternalCancel); err != nil {
		return err
	}
	r.invalidateBalances()
	return nil
}

func (r *Reconciler) applyFills(ctx context.Context, o *types.Order, d types.OrderDetails) error {
	if d.BaseFilled.Equal(o.BaseFilled) && d.QuoteFilled.Equal(o.QuoteFilled) {
		return nil
	}
	remaining := o.BaseAmount.Sub(d.BaseFilled)
	if remaining.IsNegative() {
		// Exchange-reported fills can overshoot by a rounding step.
		remaining = decimal.Zero
	}
	if err := r.ledger.Update(ctx, o.ID, ledger.Patch{
		BaseFilled:    &d.BaseFilled,
		QuoteFilled:   &d.QuoteFilled,
		BaseRemaining: &remaining,
	}); err != nil {
		return err
	}
	o.BaseFilled = d.BaseFilled
	o.QuoteFilled = d.QuoteFilled
	o.BaseRemaining = remaining
	return nil
}

func (r *Reconciler) invalidateBalances() {
	if r.balances != nil {
		r.balances.Invalidate()
	}
}
