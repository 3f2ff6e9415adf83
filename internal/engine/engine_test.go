package engine

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotmm/internal/config"
	"spotmm/internal/exchange/exmock"
	"spotmm/internal/ledger"
	"spotmm/internal/market"
	"spotmm/internal/orders"
	"spotmm/internal/pricewatcher"
	"spotmm/internal/strategy"
	"spotmm/pkg/types"
)

func fixedInterval(d time.Duration) func() (time.Duration, time.Duration) {
	return func() (time.Duration, time.Duration) { return d, d }
}

var testPair = types.Pair{Base: "TKN", Quote: "USDT"}

type flatRates struct{}

func (flatRates) USDRate(ctx context.Context, coin string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

type defenseFixture struct {
	eng     *Engine
	mock    *exmock.Mock
	ledger  *ledger.Ledger
	placer  *orders.Placer
	watcher *pricewatcher.Watcher
}

// newDefenseFixture wires a full engine around a book whose mid (120) sits
// above the strict band [95, 105].
func newDefenseFixture(t *testing.T, mutate func(*config.TradeParams)) *defenseFixture {
	t.Helper()
	log := slog.Default()

	m := exmock.New(testPair)
	m.SetBalance("USDT", decimal.NewFromInt(1_000_000))
	m.SetBalance("TKN", decimal.NewFromInt(1_000_000))
	m.SeedBook(testPair,
		decimal.NewFromInt(120),
		decimal.RequireFromString("0.5"),
		decimal.NewFromInt(50), 20)

	led, err := ledger.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	params, err := config.LoadParams(filepath.Join(t.TempDir(), "params.json"), log)
	require.NoError(t, err)
	require.NoError(t, params.Mutate(func(p *config.TradeParams) {
		p.IsActive = true
		p.PwEnabled = true
		p.PwPolicy = types.PwStrict
		p.PwLowPrice = decimal.NewFromInt(95)
		p.PwHighPrice = decimal.NewFromInt(105)
		mutate(p)
	}))

	books := market.NewBookCache(m, testPair, 0)
	balances := market.NewBalanceCache(m)
	markets := market.NewMarketsCache(m)
	placer := orders.NewPlacer(m, led, books, balances, log)
	recon := orders.NewReconciler(m, led, balances, log)
	collect := orders.NewCollector(m, led, books, balances, log)
	watcher := pricewatcher.New(params, testPair, flatRates{}, nil, log)

	builder := strategy.NewBuilder(params, testPair, m.Features(), books, balances,
		markets, led, placer, recon, collect, watcher, nil, log)
	provider := strategy.NewProvider(params, testPair, books, balances, markets,
		led, placer, recon, collect, watcher, nil, log)
	maker := strategy.NewMaker(m, testPair, books, markets, balances, placer, watcher, log)

	eng := New(params, testPair, builder, provider, maker, watcher, collect,
		books, nil, log)
	return &defenseFixture{eng: eng, mock: m, ledger: led, placer: placer, watcher: watcher}
}

func TestDefenseFillMovesPriceUnderRegularPolicy(t *testing.T) {
	t.Parallel()
	f := newDefenseFixture(t, func(p *config.TradeParams) {
		p.Policy = types.PolicyOptimal
		p.PwAction = types.PwFill
	})
	ctx := context.Background()
	f.watcher.Tick(ctx)

	f.eng.defendBand(ctx)

	pm, err := f.ledger.FindOpen(ctx, []types.Purpose{types.PurposePM}, testPair)
	require.NoError(t, err)
	require.Len(t, pm, 1)
	assert.Equal(t, types.Sell, pm[0].Side)
	assert.True(t, pm[0].Price.Equal(decimal.NewFromInt(105)),
		"fill defense must aim for the violated band edge, got %s", pm[0].Price)
}

func TestDefenseUnderDepthPolicySweepsInsteadOfMoving(t *testing.T) {
	t.Parallel()
	f := newDefenseFixture(t, func(p *config.TradeParams) {
		p.Policy = types.PolicyDepth
		p.PwAction = types.PwFill
	})
	ctx := context.Background()
	f.watcher.Tick(ctx)

	stray := &types.Order{
		Pair:       testPair,
		Side:       types.Sell,
		Type:       types.Limit,
		Purpose:    types.PurposeLiq,
		Price:      decimal.NewFromInt(119),
		BaseAmount: decimal.NewFromInt(1),
	}
	require.NoError(t, f.placer.Place(ctx, stray))

	f.eng.defendBand(ctx)

	pm, err := f.ledger.FindOpen(ctx, []types.Purpose{types.PurposePM}, testPair)
	require.NoError(t, err)
	assert.Empty(t, pm, "depth policy never places price-moving orders")

	row, err := f.ledger.FindByID(ctx, stray.ID)
	require.NoError(t, err)
	assert.True(t, row.Closed, "out-of-band orders are still swept under depth")
	assert.Equal(t, types.CauseOutOfPwRange, row.CloseCause)
}

func TestWorkerRespectsGate(t *testing.T) {
	t.Parallel()

	var gate atomic.Bool
	var ticks atomic.Int32

	w := newWorker("test",
		fixedInterval(5*time.Millisecond),
		gate.Load,
		func(ctx context.Context) { ticks.Add(1) },
		slog.Default(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); w.run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), ticks.Load(), "gated-off worker must not tick")

	gate.Store(true)
	time.Sleep(100 * time.Millisecond)
	assert.Greater(t, ticks.Load(), int32(0), "gated-on worker must tick")

	// Flipping the gate off stops further iterations but doesn't need to
	// cancel an in-flight one.
	gate.Store(false)
	time.Sleep(20 * time.Millisecond)
	settled := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, ticks.Load())

	cancel()
	<-done
}

func TestWorkerIterationsNeverOverlap(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var inFlight, maxInFlight int

	w := newWorker("test",
		fixedInterval(time.Millisecond),
		func() bool { return true },
		func(ctx context.Context) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
		},
		slog.Default(),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_ = w.run(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxInFlight, "iterations of one worker must never overlap")
}
