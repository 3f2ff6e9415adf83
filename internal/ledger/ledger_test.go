package ledger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotmm/pkg/types"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func testOrder(purpose types.Purpose, side types.Side) *types.Order {
	return &types.Order{
		Pair:       types.Pair{Base: "TKN", Quote: "USDT"},
		Side:       side,
		Type:       types.Limit,
		Purpose:    purpose,
		Price:      decimal.RequireFromString("0.0512"),
		BaseAmount: decimal.RequireFromString("150"),
	}
}

func TestInsertAssignsIDAndRemaining(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()

	o := testOrder(types.PurposeOB, types.Buy)
	require.NoError(t, l.Insert(ctx, o))
	require.NotEmpty(t, o.ID)

	got, err := l.FindByID(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.BaseRemaining.Equal(o.BaseAmount), "remaining defaults to full amount")
	assert.Equal(t, types.PurposeOB, got.Purpose)
	assert.False(t, got.Closed)
}

func TestUpdatePatchesOnlyGivenFields(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()

	o := testOrder(types.PurposeMM, types.Sell)
	require.NoError(t, l.Insert(ctx, o))

	exID := "ex-42"
	filled := decimal.RequireFromString("40")
	remaining := decimal.RequireFromString("110")
	require.NoError(t, l.Update(ctx, o.ID, Patch{
		ExchangeID:    &exID,
		BaseFilled:    &filled,
		BaseRemaining: &remaining,
	}))

	got, err := l.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "ex-42", got.ExchangeID)
	assert.True(t, got.BaseFilled.Equal(filled))
	assert.True(t, got.BaseRemaining.Equal(remaining))
	// Untouched fields survive.
	assert.True(t, got.Price.Equal(o.Price))
	assert.False(t, got.Closed)

	// Same patch twice leaves the row unchanged.
	require.NoError(t, l.Update(ctx, o.ID, Patch{BaseFilled: &filled}))
	again, err := l.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.True(t, again.BaseFilled.Equal(filled))
}

func TestUpdateUnknownRowFails(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)

	c := true
	err := l.Update(context.Background(), "nope", Patch{Closed: &c})
	require.Error(t, err)
}

func TestMarkClosedSetsCauseAndFlags(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()

	cancelled := testOrder(types.PurposeLiq, types.Buy)
	require.NoError(t, l.Insert(ctx, cancelled))
	require.NoError(t, l.MarkClosed(ctx, cancelled.ID, types.CauseExpired))

	got, err := l.FindByID(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.True(t, got.Closed)
	assert.True(t, got.Cancelled)
	assert.False(t, got.Executed)
	assert.Equal(t, types.CauseExpired, got.CloseCause)

	filled := testOrder(types.PurposeLiq, types.Sell)
	require.NoError(t, l.Insert(ctx, filled))
	require.NoError(t, l.MarkClosed(ctx, filled.ID, types.CauseFilled))

	got, err = l.FindByID(ctx, filled.ID)
	require.NoError(t, err)
	assert.True(t, got.Closed)
	assert.False(t, got.Cancelled)
	assert.True(t, got.Executed)
}

func TestFindOpenFiltersByPurposeAndSkipsClosed(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()
	pair := types.Pair{Base: "TKN", Quote: "USDT"}

	ob := testOrder(types.PurposeOB, types.Buy)
	mm := testOrder(types.PurposeMM, types.Buy)
	closed := testOrder(types.PurposeOB, types.Sell)
	require.NoError(t, l.Insert(ctx, ob))
	require.NoError(t, l.Insert(ctx, mm))
	require.NoError(t, l.Insert(ctx, closed))
	require.NoError(t, l.MarkClosed(ctx, closed.ID, types.CauseUserCommand))

	open, err := l.FindOpen(ctx, []types.Purpose{types.PurposeOB}, pair)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, ob.ID, open[0].ID)

	all, err := l.FindOpen(ctx, nil, pair)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFindByExchangeID(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()

	o := testOrder(types.PurposePM, types.Buy)
	require.NoError(t, l.Insert(ctx, o))
	exID := "ex-7"
	require.NoError(t, l.Update(ctx, o.ID, Patch{ExchangeID: &exID}))

	got, err := l.FindByExchangeID(ctx, "ex-7")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, o.ID, got.ID)

	missing, err := l.FindByExchangeID(ctx, "ex-404")
	require.NoError(t, err)
	assert.Nil(t, missing)

	known, err := l.HasExchangeID(ctx, "ex-7")
	require.NoError(t, err)
	assert.True(t, known)
	known, err = l.HasExchangeID(ctx, "ex-404")
	require.NoError(t, err)
	assert.False(t, known)
}

func TestStatsByPurposeAggregatesWindow(t *testing.T) {
	t.Parallel()
	l := newTestLedger(t)
	ctx := context.Background()
	pair := types.Pair{Base: "TKN", Quote: "USDT"}

	for i := 0; i < 3; i++ {
		o := testOrder(types.PurposeOB, types.Buy)
		require.NoError(t, l.Insert(ctx, o))
		if i == 0 {
			filled := decimal.RequireFromString("150")
			quote := decimal.RequireFromString("7.68")
			require.NoError(t, l.Update(ctx, o.ID, Patch{BaseFilled: &filled, QuoteFilled: &quote}))
			require.NoError(t, l.MarkClosed(ctx, o.ID, types.CauseFilled))
		}
	}
	// Row from last month must fall outside the hour window.
	old := testOrder(types.PurposeOB, types.Sell)
	old.CreatedAt = time.Now().Add(-40 * 24 * time.Hour)
	require.NoError(t, l.Insert(ctx, old))

	stats, err := l.StatsByPurpose(ctx, pair, []types.Purpose{types.PurposeOB}, types.WindowHour)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 3, stats[0].Placed)
	assert.Equal(t, 1, stats[0].Filled)
	assert.InDelta(t, 150, stats[0].BaseVolume.InexactFloat64(), 0.001)

	stats, err = l.StatsByPurpose(ctx, pair, []types.Purpose{types.PurposeOB}, types.WindowAll)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, 4, stats[0].Placed)
}
