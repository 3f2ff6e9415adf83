// params.go holds the operator-mutable trade parameters.
//
// TradeParams is written only by the command processor; every other component
// reads lock-free snapshots. Mutations persist to disk with a tmp+rename so a
// crash mid-save never corrupts the file.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotmm/pkg/types"
)

// TradeParams is the mutable parameter record behind the command surface.
// Field names mirror the persisted JSON schema.
type TradeParams struct {
	IsActive bool         `json:"isActive"`
	Policy   types.Policy `json:"policy"`

	// Shared placement knobs.
	BuyPercent  decimal.Decimal `json:"mm_buyPercent"` // probability of buy side, 0..100
	MinAmount   decimal.Decimal `json:"mm_minAmount"`  // base
	MaxAmount   decimal.Decimal `json:"mm_maxAmount"`  // base
	IntervalMin time.Duration   `json:"mm_minInterval"`
	IntervalMax time.Duration   `json:"mm_maxInterval"`

	// Order-book builder.
	OrderBookEnabled         bool            `json:"mm_isOrderBookActive"`
	OrderBookOrdersCount     int             `json:"mm_orderBookOrdersCount"`
	OrderBookMaxOrderPercent decimal.Decimal `json:"mm_orderBookMaxOrderPercent"`
	OrderBookHeight          int             `json:"mm_orderBookHeight"`

	// Liquidity provider.
	LiquidityEnabled        bool            `json:"mm_isLiquidityActive"`
	LiquiditySpreadPercent  decimal.Decimal `json:"mm_liquiditySpreadPercent"`
	LiquiditySellAmount     decimal.Decimal `json:"mm_liquiditySellAmount"`     // base
	LiquidityBuyQuoteAmount decimal.Decimal `json:"mm_liquidityBuyQuoteAmount"` // quote
	LiquidityTrend          types.Trend     `json:"mm_liquidityTrend"`

	// Price watcher.
	PwEnabled          bool            `json:"mm_isPriceWatcherActive"`
	PwSource           string          `json:"mm_priceWatcherSource"` // "" = numeric, else pair@exchange
	PwLowPrice         decimal.Decimal `json:"mm_priceWatcherLowPrice"`
	PwHighPrice        decimal.Decimal `json:"mm_priceWatcherHighPrice"`
	PwLowHighCoin      string          `json:"mm_priceWatcherLowHighCoin"` // quote the bounds are given in
	PwDeviationPercent decimal.Decimal `json:"mm_priceWatcherDeviationPercent"`
	PwPolicy           types.PwPolicy  `json:"mm_priceWatcherPolicy"`
	PwAction           types.PwAction  `json:"mm_priceWatcherAction"`
}

// DefaultParams returns the parameter set a fresh deployment starts with:
// everything disabled, sane middle-of-road knobs.
func DefaultParams() TradeParams {
	return TradeParams{
		Policy:                   types.PolicyOptimal,
		BuyPercent:               decimal.NewFromInt(50),
		MinAmount:                decimal.NewFromInt(1),
		MaxAmount:                decimal.NewFromInt(10),
		IntervalMin:              10 * time.Second,
		IntervalMax:              60 * time.Second,
		OrderBookOrdersCount:     15,
		OrderBookMaxOrderPercent: decimal.NewFromInt(100),
		OrderBookHeight:          20,
		LiquiditySpreadPercent:   decimal.NewFromInt(2),
		LiquidityTrend:           types.TrendMiddle,
		PwDeviationPercent:       decimal.NewFromInt(2),
		PwPolicy:                 types.PwSmart,
		PwAction:                 types.PwPrevent,
	}
}

// ParamsStore owns the persisted TradeParams: snapshot reads for everyone,
// exclusive writes through Mutate.
type ParamsStore struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cur TradeParams
}

// LoadParams reads the params file, falling back to defaults when it does
// not exist yet.
func LoadParams(path string, logger *slog.Logger) (*ParamsStore, error) {
	s := &ParamsStore{
		path:   path,
		logger: logger.With("component", "params"),
		cur:    DefaultParams(),
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.logger.Info("no params file, starting from defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("read params: %w", err)
	default:
		if err := json.Unmarshal(data, &s.cur); err != nil {
			return nil, fmt.Errorf("parse params %s: %w", path, err)
		}
	}
	return s, nil
}

// Snapshot returns a copy of the current parameters.
func (s *ParamsStore) Snapshot() TradeParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Mutate applies fn under the write lock and persists the result. When the
// save fails the in-memory mutation is kept (the operator's change is live)
// and the error reported.
func (s *ParamsStore) Mutate(fn func(*TradeParams)) error {
	s.mu.Lock()
	fn(&s.cur)
	snapshot := s.cur
	s.mu.Unlock()

	return s.save(snapshot)
}

func (s *ParamsStore) save(p TradeParams) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create params dir: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write params: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace params: %w", err)
	}
	return nil
}
