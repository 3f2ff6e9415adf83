// Package engine is the scheduler/supervisor of the agent.
//
// It owns the background workers — order-book builder, liquidity provider,
// price watcher, price defense — and runs each on its own goroutine with a
// randomized tick interval, an activity/policy gate, and a re-entrancy guard
// that skips a tick while the previous one is still running. Workers never
// run their own iterations in parallel with themselves; the engine does not
// serialize different workers against each other (the shared caches bound
// the API pressure instead).
//
// Lifecycle: New() → Run(ctx) → [until ctx cancelled].
package engine

import (
	"context"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"spotmm/internal/config"
	"spotmm/internal/exchange"
	"spotmm/internal/market"
	"spotmm/internal/orders"
	"spotmm/internal/pricewatcher"
	"spotmm/internal/strategy"
	"spotmm/pkg/types"
)

const (
	// builderTickMin / builderTickMax is the order-book builder's period.
	builderTickMin = 1500 * time.Millisecond
	builderTickMax = 3000 * time.Millisecond

	// defenseTickMin / defenseTickMax is the price-defense worker's period.
	defenseTickMin = 2 * time.Second
	defenseTickMax = 4 * time.Second
)

// Engine supervises the background workers.
type Engine struct {
	params    *config.ParamsStore
	pair      types.Pair
	builder   *strategy.Builder
	provider  *strategy.Provider
	maker     *strategy.Maker
	watcher   *pricewatcher.Watcher
	collector *orders.Collector
	books     *market.BookCache
	feed      *exchange.BookFeed // nil when the adapter has no WS endpoint
	logger    *slog.Logger
}

// New wires the engine. feed may be nil.
func New(
	params *config.ParamsStore,
	pair types.Pair,
	builder *strategy.Builder,
	provider *strategy.Provider,
	maker *strategy.Maker,
	watcher *pricewatcher.Watcher,
	collector *orders.Collector,
	books *market.BookCache,
	feed *exchange.BookFeed,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		params:    params,
		pair:      pair,
		builder:   builder,
		provider:  provider,
		maker:     maker,
		watcher:   watcher,
		collector: collector,
		books:     books,
		feed:      feed,
		logger:    logger.With("component", "engine"),
	}
}

// Run starts all workers and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.watcher.Run(ctx) })

	if e.feed != nil {
		g.Go(func() error { return e.feed.Run(ctx) })
		g.Go(func() error { e.pumpFeed(ctx); return nil })
	}

	builderWorker := newWorker("builder",
		func() (time.Duration, time.Duration) { return builderTickMin, builderTickMax },
		func() bool {
			p := e.params.Snapshot()
			return p.IsActive && p.Policy.IsRegular() && p.OrderBookEnabled
		},
		e.builder.Tick,
		e.logger,
	)
	g.Go(func() error { return builderWorker.run(ctx) })

	// The provider runs under every policy; depth mode is exactly
	// "liquidity only".
	providerWorker := newWorker("liquidity",
		func() (time.Duration, time.Duration) {
			p := e.params.Snapshot()
			return p.IntervalMin, p.IntervalMax
		},
		func() bool {
			p := e.params.Snapshot()
			return p.IsActive && p.LiquidityEnabled
		},
		e.provider.Tick,
		e.logger,
	)
	g.Go(func() error { return providerWorker.run(ctx) })

	defenseWorker := newWorker("defense",
		func() (time.Duration, time.Duration) { return defenseTickMin, defenseTickMax },
		func() bool {
			p := e.params.Snapshot()
			return p.IsActive && p.PwEnabled
		},
		e.defendBand,
		e.logger,
	)
	g.Go(func() error { return defenseWorker.run(ctx) })

	e.logger.Info("engine started", "pair", e.pair.String())
	return g.Wait()
}

// pumpFeed feeds WebSocket book snapshots into the book cache.
func (e *Engine) pumpFeed(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case book, ok := <-e.feed.Books():
			if !ok {
				return
			}
			e.books.Apply(book)
		}
	}
}

// defendBand enforces the watcher's action when the traded price escapes the
// band: fill pushes price back via the price maker, prevent sweeps every
// out-of-band ledger order.
func (e *Engine) defendBand(ctx context.Context) {
	band, ok := e.watcher.Usable(time.Now())
	if !ok {
		return
	}

	book, err := e.books.Get(ctx)
	if err != nil {
		e.logger.Warn("defense skipped, no book", "error", err)
		return
	}
	mid, okMid := book.MidPrice()
	if !okMid || band.Contains(mid) {
		return
	}

	p := e.params.Snapshot()
	switch {
	// Fill defense moves the price through the maker, which depth mode
	// forbids; there the band is still enforced by the prevent sweep.
	case p.PwAction == types.PwFill && p.Policy.IsRegular():
		target := band.High
		if mid.LessThan(band.Low) {
			target = band.Low
		}
		if _, err := e.maker.Move(ctx, target); err != nil {
			e.logger.Warn("price defense move failed", "target", target, "error", err)
		}

	default: // PwPrevent
		high := band.High
		low := band.Low
		if _, err := e.collector.Collect(ctx, orders.Selector{
			Pair:       e.pair,
			PriceAbove: &high,
		}, types.CauseOutOfPwRange, "band defense above"); err != nil {
			e.logger.Error("band defense failed", "error", err)
			return
		}
		if _, err := e.collector.Collect(ctx, orders.Selector{
			Pair:       e.pair,
			PriceBelow: &low,
		}, types.CauseOutOfPwRange, "band defense below"); err != nil {
			e.logger.Error("band defense failed", "error", err)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Worker
// ————————————————————————————————————————————————————————————————————————

// worker runs one component tick on a randomized interval behind an
// activity gate and a re-entrancy guard.
type worker struct {
	name     string
	interval func() (min, max time.Duration)
	gate     func() bool
	tick     func(ctx context.Context)
	running  atomic.Bool
	rand     *rand.Rand
	logger   *slog.Logger
}

func newWorker(name string, interval func() (time.Duration, time.Duration), gate func() bool, tick func(context.Context), logger *slog.Logger) *worker {
	return &worker{
		name:     name,
		interval: interval,
		gate:     gate,
		tick:     tick,
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
		logger:   logger.With("worker", name),
	}
}

func (w *worker) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.nextWait()):
		}

		if !w.gate() {
			w.logger.Debug("tick skipped, gated off")
			continue
		}
		if !w.running.CompareAndSwap(false, true) {
			w.logger.Warn("tick skipped, previous iteration still running")
			continue
		}
		w.tick(ctx)
		w.running.Store(false)
	}
}

func (w *worker) nextWait() time.Duration {
	min, max := w.interval()
	if min <= 0 {
		min = time.Second
	}
	if max <= min {
		return min
	}
	return min + time.Duration(w.rand.Int63n(int64(max-min)))
}
