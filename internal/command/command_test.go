package command

import (
	"context"
	"log/slog"
	"path/filepath"
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

var testPair = types.Pair{Base: "TKN", Quote: "USDT"}

type flatRates struct{}

func (flatRates) USDRate(ctx context.Context, coin string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

type fixture struct {
	proc   *Processor
	mock   *exmock.Mock
	params *config.ParamsStore
	ledger *ledger.Ledger
	placer *orders.Placer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.Default()

	m := exmock.New(testPair)
	m.SetMarket(types.MarketInfo{
		Pair:          testPair,
		BaseDecimals:  4,
		QuoteDecimals: 4,
		MinAmount:     decimal.RequireFromString("0.01"),
		PriceTick:     decimal.RequireFromString("0.0001"),
	})
	m.SetBalance("USDT", decimal.NewFromInt(1_000_000))
	m.SetBalance("TKN", decimal.NewFromInt(1_000_000))
	m.SeedBook(testPair,
		decimal.NewFromInt(100),
		decimal.RequireFromString("0.5"),
		decimal.NewFromInt(50), 20)

	led, err := ledger.Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	params, err := config.LoadParams(filepath.Join(t.TempDir(), "params.json"), log)
	require.NoError(t, err)

	books := market.NewBookCache(m, testPair, 0)
	balances := market.NewBalanceCache(m)
	markets := market.NewMarketsCache(m)
	placer := orders.NewPlacer(m, led, books, balances, log)
	recon := orders.NewReconciler(m, led, balances, log)
	collect := orders.NewCollector(m, led, books, balances, log)
	watcher := pricewatcher.New(params, testPair, flatRates{}, nil, log)
	lad := strategy.NewLadder(testPair, markets, balances, placer, log)
	maker := strategy.NewMaker(m, testPair, books, markets, balances, placer, watcher, log)
	provider := strategy.NewProvider(params, testPair, books, balances, markets,
		led, placer, recon, collect, watcher, nil, log)

	cfg := &config.Config{}
	proc := NewProcessor(cfg, params, testPair, m, led, books, balances, markets,
		placer, collect, recon, lad, maker, provider, watcher, flatRates{}, log)

	return &fixture{proc: proc, mock: m, params: params, ledger: led, placer: placer}
}

func (f *fixture) place(t *testing.T, purpose types.Purpose, side types.Side, price int64, amount int64) *types.Order {
	t.Helper()
	o := &types.Order{
		Pair:       testPair,
		Side:       side,
		Type:       types.Limit,
		Purpose:    purpose,
		Price:      decimal.NewFromInt(price),
		BaseAmount: decimal.NewFromInt(amount),
	}
	require.NoError(t, f.placer.Place(context.Background(), o))
	return o
}

// ————————————————————————————————————————————————————————————————————————
// Parameter verbs
// ————————————————————————————————————————————————————————————————————————

func TestStartStopTogglesActivity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	res := f.proc.Execute(ctx, "start mm spread")
	assert.Contains(t, res.UserMessage, "started")
	tp := f.params.Snapshot()
	assert.True(t, tp.IsActive)
	assert.Equal(t, types.PolicySpread, tp.Policy)

	res = f.proc.Execute(ctx, "stop mm")
	assert.Contains(t, res.UserMessage, "stopped")
	assert.False(t, f.params.Snapshot().IsActive)

	res = f.proc.Execute(ctx, "start mm nonsense")
	assert.Contains(t, res.UserMessage, "Unknown policy")
}

func TestAmountIntervalBuyPercent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.proc.Execute(ctx, "amount 1.5-8")
	tp := f.params.Snapshot()
	assert.True(t, tp.MinAmount.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, tp.MaxAmount.Equal(decimal.NewFromInt(8)))

	f.proc.Execute(ctx, "interval 2-10 min")
	tp = f.params.Snapshot()
	assert.Equal(t, 2*time.Minute, tp.IntervalMin)
	assert.Equal(t, 10*time.Minute, tp.IntervalMax)

	f.proc.Execute(ctx, "buypercent 70")
	assert.True(t, f.params.Snapshot().BuyPercent.Equal(decimal.NewFromInt(70)))

	res := f.proc.Execute(ctx, "amount 8-1.5")
	assert.Contains(t, res.UserMessage, "Bad range")
	res = f.proc.Execute(ctx, "interval 1-2 fortnight")
	assert.Contains(t, res.UserMessage, "Unknown unit")
	res = f.proc.Execute(ctx, "buypercent 120")
	assert.Contains(t, res.UserMessage, "between 0 and 100")
}

func TestEnableDisableSubsystems(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.proc.Execute(ctx, "enable ob 12 30%")
	tp := f.params.Snapshot()
	assert.True(t, tp.OrderBookEnabled)
	assert.Equal(t, 12, tp.OrderBookOrdersCount)
	assert.True(t, tp.OrderBookMaxOrderPercent.Equal(decimal.NewFromInt(30)))

	f.proc.Execute(ctx, "enable liq 3% 100 TKN 50 USDT uptrend")
	tp = f.params.Snapshot()
	assert.True(t, tp.LiquidityEnabled)
	assert.True(t, tp.LiquiditySpreadPercent.Equal(decimal.NewFromInt(3)))
	assert.True(t, tp.LiquiditySellAmount.Equal(decimal.NewFromInt(100)))
	assert.True(t, tp.LiquidityBuyQuoteAmount.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, types.TrendUp, tp.LiquidityTrend)

	f.proc.Execute(ctx, "enable pw 95-105 USD strict prevent")
	tp = f.params.Snapshot()
	assert.True(t, tp.PwEnabled)
	assert.True(t, tp.PwLowPrice.Equal(decimal.NewFromInt(95)))
	assert.True(t, tp.PwHighPrice.Equal(decimal.NewFromInt(105)))
	assert.Equal(t, "USD", tp.PwLowHighCoin)
	assert.Equal(t, types.PwStrict, tp.PwPolicy)
	assert.Equal(t, types.PwPrevent, tp.PwAction)

	f.proc.Execute(ctx, "disable pw")
	assert.False(t, f.params.Snapshot().PwEnabled)

	res := f.proc.Execute(ctx, "enable pw 10% smart")
	assert.Contains(t, res.UserMessage, "market source")
}

// ————————————————————————————————————————————————————————————————————————
// clear
// ————————————————————————————————————————————————————————————————————————

func TestClearSelectorSideAndPrice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	keepBuy := f.place(t, types.PurposeMM, types.Buy, 99, 5)
	keepLow := f.place(t, types.PurposeMM, types.Sell, 101, 5)
	hitA := f.place(t, types.PurposeMM, types.Sell, 103, 5)
	hitB := f.place(t, types.PurposeMM, types.Sell, 104, 5)
	keepOB := f.place(t, types.PurposeOB, types.Sell, 105, 5)

	res := f.proc.Execute(ctx, "clear mm sell >102 -y")
	assert.Contains(t, res.UserMessage, "2")

	for _, id := range []string{hitA.ID, hitB.ID} {
		row, err := f.ledger.FindByID(ctx, id)
		require.NoError(t, err)
		assert.True(t, row.Closed)
		assert.Equal(t, types.CauseUserCommand, row.CloseCause)
	}
	for _, id := range []string{keepBuy.ID, keepLow.ID, keepOB.ID} {
		row, err := f.ledger.FindByID(ctx, id)
		require.NoError(t, err)
		assert.False(t, row.Closed, "non-matching order must survive")
	}
}

func TestClearRejectsForeignPair(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	res := f.proc.Execute(context.Background(), "clear BTC/USDT all -y")
	assert.Contains(t, res.UserMessage, "configured pair")
}

// ————————————————————————————————————————————————————————————————————————
// Confirmation state machine
// ————————————————————————————————————————————————————————————————————————

func TestConfirmationRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	target := f.place(t, types.PurposeMM, types.Sell, 103, 5)

	res := f.proc.Execute(ctx, "clear mm")
	assert.Contains(t, res.UserMessage, "Confirm with y")
	row, err := f.ledger.FindByID(ctx, target.ID)
	require.NoError(t, err)
	assert.False(t, row.Closed, "nothing happens before the y")

	res = f.proc.Execute(ctx, "y")
	assert.NotContains(t, res.UserMessage, "Nothing to confirm")
	row, err = f.ledger.FindByID(ctx, target.ID)
	require.NoError(t, err)
	assert.True(t, row.Closed)

	// Second y finds nothing: double confirmation executes exactly once.
	res = f.proc.Execute(ctx, "y")
	assert.Contains(t, res.UserMessage, "Nothing to confirm")
}

func TestInlineYesDropsPending(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	parked := f.place(t, types.PurposeOB, types.Sell, 103, 5)

	res := f.proc.Execute(ctx, "clear ob")
	assert.Contains(t, res.UserMessage, "Confirm with y")

	// A different confirmed command supersedes the parked one.
	f.proc.Execute(ctx, "clear mm -y")

	res = f.proc.Execute(ctx, "y")
	assert.Contains(t, res.UserMessage, "Nothing to confirm")
	row, err := f.ledger.FindByID(ctx, parked.ID)
	require.NoError(t, err)
	assert.False(t, row.Closed, "superseded command must not run")
}

func TestConfirmationExpires(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	target := f.place(t, types.PurposeMM, types.Sell, 103, 5)

	now := time.Now()
	f.proc.now = func() time.Time { return now }
	f.proc.Execute(ctx, "clear mm")

	f.proc.now = func() time.Time { return now.Add(confirmTimeout + time.Second) }
	res := f.proc.Execute(ctx, "y")
	assert.Contains(t, res.UserMessage, "expired")

	row, err := f.ledger.FindByID(ctx, target.ID)
	require.NoError(t, err)
	assert.False(t, row.Closed)
}

func TestNotionalThresholdAsksForConfirmation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.proc.cfg.Command.AmountToConfirmUSD = 1000

	// 5 TKN at flat 1 USD is far below the threshold: runs straight through.
	res := f.proc.Execute(ctx, "buy amount=5 price=99")
	assert.Contains(t, res.UserMessage, "Manual buy placed")

	// 5000 TKN crosses it: parked until the y.
	res = f.proc.Execute(ctx, "buy amount=5000 price=99")
	assert.Contains(t, res.UserMessage, "Confirm with y")

	res = f.proc.Execute(ctx, "y")
	assert.Contains(t, res.UserMessage, "Manual buy placed")

	open, err := f.ledger.FindOpen(ctx, []types.Purpose{types.PurposeManual}, testPair)
	require.NoError(t, err)
	assert.Len(t, open, 2)
}

// ————————————————————————————————————————————————————————————————————————
// fill / buy / sell / make
// ————————————————————————————————————————————————————————————————————————

func TestFillPlacesLadder(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	res := f.proc.Execute(ctx, "fill buy amount=10 low=100 high=110 count=5 -y")
	assert.Contains(t, res.UserMessage, "Ladder placed: 5 orders")

	open, err := f.ledger.FindOpen(ctx, []types.Purpose{types.PurposeLadder}, testPair)
	require.NoError(t, err)
	assert.Len(t, open, 5)
}

func TestFillUnderfundedRejectsWholesale(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.mock.SetBalance("USDT", decimal.RequireFromString("0.005"))

	res := f.proc.Execute(ctx, "fill buy quote=0.01 low=100 high=110 count=5 -y")
	assert.Contains(t, res.UserMessage, "not enough USDT")

	open, err := f.ledger.FindOpen(ctx, nil, testPair)
	require.NoError(t, err)
	assert.Empty(t, open, "underfunded ladder must place nothing")
}

func TestManualOrderValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	res := f.proc.Execute(ctx, "sell amount=3 quote=300 price=101")
	assert.Contains(t, res.UserMessage, "Exactly one of")

	res = f.proc.Execute(ctx, "sell amount=3")
	assert.Contains(t, res.UserMessage, "price=P or market")

	res = f.proc.Execute(ctx, "sell amount=3 price=101")
	assert.Contains(t, res.UserMessage, "Manual sell placed")

	open, err := f.ledger.FindOpen(ctx, []types.Purpose{types.PurposeManual}, testPair)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.Sell, open[0].Side)
}

func TestMakeRequiresNowAndConfirmation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	res := f.proc.Execute(ctx, "make price 110")
	assert.Contains(t, res.UserMessage, "now marker")

	res = f.proc.Execute(ctx, "make price 110 now")
	assert.Contains(t, res.UserMessage, "Confirm with y")

	res = f.proc.Execute(ctx, "y")
	assert.Contains(t, res.UserMessage, "Price move placed")

	open, err := f.ledger.FindOpen(ctx, []types.Purpose{types.PurposePM}, testPair)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

// ————————————————————————————————————————————————————————————————————————
// Read-only verbs
// ————————————————————————————————————————————————————————————————————————

func TestReadOnlyVerbs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.place(t, types.PurposeMM, types.Sell, 103, 5)

	res := f.proc.Execute(ctx, "orders")
	assert.Contains(t, res.UserMessage, "1 open orders")

	res = f.proc.Execute(ctx, "rates")
	assert.Contains(t, res.UserMessage, testPair.String())

	res = f.proc.Execute(ctx, "balances")
	assert.Contains(t, res.UserMessage, "TKN")

	res = f.proc.Execute(ctx, "stats all")
	assert.Contains(t, res.UserMessage, "mm")

	res = f.proc.Execute(ctx, "calc 10 TKN")
	assert.Contains(t, res.UserMessage, "USDT")

	res = f.proc.Execute(ctx, "params")
	assert.Contains(t, res.UserMessage, "policy")

	res = f.proc.Execute(ctx, "/help")
	assert.Contains(t, res.UserMessage, "start mm")

	res = f.proc.Execute(ctx, "frobnicate")
	assert.Contains(t, res.UserMessage, "Unknown command")
}

func TestDepositReportsAddress(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.mock.SetDepositAddress("TKN", "tkn1qexampleaddr")

	// Without a coin argument the pair's base coin is assumed.
	res := f.proc.Execute(ctx, "deposit")
	assert.Contains(t, res.UserMessage, "tkn1qexampleaddr")

	res = f.proc.Execute(ctx, "deposit DOGE")
	assert.Contains(t, res.UserMessage, "unavailable")

	f.mock.SetFeatures(types.Features{PlaceMarketOrder: true})
	res = f.proc.Execute(ctx, "deposit TKN")
	assert.Contains(t, res.UserMessage, "does not expose deposit addresses")
}

func TestAccountSummarizesTotals(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.place(t, types.PurposeMM, types.Sell, 103, 5)

	res := f.proc.Execute(ctx, "account")
	assert.Contains(t, res.UserMessage, "1 open orders")
	assert.Contains(t, res.UserMessage, "USD")
	assert.Contains(t, res.UserMessage, "BTC")
	// Two coins at flat 1 USD each.
	assert.Contains(t, res.UserMessage, "2000000")
}
