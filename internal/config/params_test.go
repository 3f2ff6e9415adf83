package config

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotmm/pkg/types"
)

func TestLoadParamsDefaultsWhenMissing(t *testing.T) {
	t.Parallel()

	s, err := LoadParams(filepath.Join(t.TempDir(), "params.json"), slog.Default())
	require.NoError(t, err)

	p := s.Snapshot()
	assert.False(t, p.IsActive)
	assert.Equal(t, types.PolicyOptimal, p.Policy)
	assert.Equal(t, types.TrendMiddle, p.LiquidityTrend)
	assert.True(t, p.BuyPercent.Equal(decimal.NewFromInt(50)))
}

func TestMutatePersistsAcrossReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "params.json")

	s, err := LoadParams(path, slog.Default())
	require.NoError(t, err)

	require.NoError(t, s.Mutate(func(p *TradeParams) {
		p.IsActive = true
		p.Policy = types.PolicySpread
		p.MinAmount = decimal.RequireFromString("2.5")
		p.MaxAmount = decimal.RequireFromString("7.5")
		p.IntervalMin = 5 * time.Second
		p.PwEnabled = true
		p.PwLowPrice = decimal.RequireFromString("95")
		p.PwHighPrice = decimal.RequireFromString("105")
	}))

	reloaded, err := LoadParams(path, slog.Default())
	require.NoError(t, err)

	p := reloaded.Snapshot()
	assert.True(t, p.IsActive)
	assert.Equal(t, types.PolicySpread, p.Policy)
	assert.True(t, p.MinAmount.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, p.MaxAmount.Equal(decimal.RequireFromString("7.5")))
	assert.Equal(t, 5*time.Second, p.IntervalMin)
	assert.True(t, p.PwEnabled)
	assert.True(t, p.PwHighPrice.Equal(decimal.RequireFromString("105")))

	// Untouched fields keep their defaults through the round trip.
	assert.Equal(t, 15, p.OrderBookOrdersCount)
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()

	s, err := LoadParams(filepath.Join(t.TempDir(), "params.json"), slog.Default())
	require.NoError(t, err)

	snap := s.Snapshot()
	snap.OrderBookOrdersCount = 999

	assert.Equal(t, 15, s.Snapshot().OrderBookOrdersCount)
}
