// Package orders owns the write path of the order lifecycle: placement with
// ledger bookkeeping (Placer), state refresh from the exchange (Reconciler),
// and selector-driven cancellation (Collector).
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"spotmm/internal/exchange"
	"spotmm/internal/ledger"
	"spotmm/pkg/types"
)

// Invalidator is the cache hook the write path pokes after any action that
// changes exchange-side state. Both market.BookCache and market.BalanceCache
// satisfy it.
type Invalidator interface {
	Invalidate()
}

// Placer submits orders and keeps the ledger in step: every attempt gets a
// row, whether the exchange accepted it or not.
type Placer struct {
	ex       exchange.Exchange
	ledger   *ledger.Ledger
	books    Invalidator
	balances Invalidator
	logger   *slog.Logger
}

// NewPlacer wires a placer. Cache invalidators may be nil in tests.
func NewPlacer(ex exchange.Exchange, led *ledger.Ledger, books, balances Invalidator, logger *slog.Logger) *Placer {
	return &Placer{
		ex:       ex,
		ledger:   led,
		books:    books,
		balances: balances,
		logger:   logger.With("component", "placer"),
	}
}

// Place inserts the ledger row, submits the order, and patches the row with
// the outcome. Rejections close the row with the reason recorded; transient
// failures close it too (no id means nothing to reconcile) and surface the
// error so the caller's tick can log and retry.
func (p *Placer) Place(ctx context.Context, o *types.Order) error {
	if err := p.ledger.Insert(ctx, o); err != nil {
		return err
	}

	req := exchange.PlaceRequest{
		Pair:    o.Pair,
		Side:    o.Side,
		IsLimit: o.Type == types.Limit,
	}
	if o.Type == types.Limit {
		price := o.Price
		req.Price = &price
	}
	switch {
	case !o.BaseAmount.IsZero():
		amt := o.BaseAmount
		req.BaseAmount = &amt
	case !o.QuoteAmount.IsZero():
		amt := o.QuoteAmount
		req.QuoteAmount = &amt
	default:
		return p.closeUnplaced(ctx, o, "no amount given")
	}

	exID, err := p.ex.PlaceOrder(ctx, req)
	if err != nil {
		reason := err.Error()
		var rej *exchange.RejectedError
		if errors.As(err, &rej) {
			reason = rej.Reason
		}
		if closeErr := p.closeUnplaced(ctx, o, reason); closeErr != nil {
			p.logger.Error("record unplaced order", "id", o.ID, "error", closeErr)
		}
		return fmt.Errorf("place %s %s @ %s: %w", o.Side, o.Purpose, o.Price, err)
	}

	processed := true
	if err := p.ledger.Update(ctx, o.ID, ledger.Patch{
		ExchangeID: &exID,
		Processed:  &processed,
	}); err != nil {
		return err
	}
	o.ExchangeID = exID
	o.Processed = true

	p.invalidate()
	p.logger.Debug("order placed",
		"id", o.ID,
		"exchange_id", exID,
		"purpose", o.Purpose,
		"side", o.Side,
		"price", o.Price,
		"base", o.BaseAmount,
	)
	return nil
}

func (p *Placer) closeUnplaced(ctx context.Context, o *types.Order, reason string) error {
	closed := true
	return p.ledger.Update(ctx, o.ID, ledger.Patch{
		Closed:          &closed,
		NotPlacedReason: &reason,
	})
}

func (p *Placer) invalidate() {
	if p.books != nil {
		p.books.Invalidate()
	}
	if p.balances != nil {
		p.balances.Invalidate()
	}
}
