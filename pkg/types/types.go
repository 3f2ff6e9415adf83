// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the agent — order records,
// purpose tags, market descriptors, balances, rates, and order book
// snapshots. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

// Purpose tags every ledger order with the subsystem that placed it.
// The set is closed; anything seen on the exchange without a ledger row
// is classified PurposeUnknown, which is not a placement purpose.
type Purpose string

const (
	PurposeMM      Purpose = "mm"  // market-making core
	PurposeOB      Purpose = "ob"  // order-book builder (ephemeral depth)
	PurposeLiq     Purpose = "liq" // standing liquidity
	PurposePW      Purpose = "pw"  // price watcher corrections
	PurposePM      Purpose = "pm"  // price maker (one-shot price moves)
	PurposeCL      Purpose = "cl"  // closer
	PurposeQH      Purpose = "qh"  // quote-hold
	PurposeLadder  Purpose = "ld"  // ladder orders
	PurposeManual  Purpose = "man" // operator-placed
	PurposeUnknown Purpose = "unk" // classification only: exchange order not in ledger
)

// AllPurposes is every placement purpose (excludes the "unk" classification).
var AllPurposes = []Purpose{
	PurposeMM, PurposeOB, PurposeLiq, PurposePW,
	PurposePM, PurposeCL, PurposeQH, PurposeLadder, PurposeManual,
}

// ParsePurpose validates an operator-supplied purpose token.
func ParsePurpose(s string) (Purpose, bool) {
	p := Purpose(strings.ToLower(s))
	if p == PurposeUnknown {
		return p, true
	}
	for _, known := range AllPurposes {
		if p == known {
			return p, true
		}
	}
	return "", false
}

// OrderStatus is the exchange's view of an order, as reported by
// GetOrderDetails. StatusUnknown is the distinct "id not recognized by
// the exchange" outcome, not a fetch failure.
type OrderStatus string

const (
	StatusNew        OrderStatus = "new"
	StatusPartFilled OrderStatus = "partFilled"
	StatusFilled     OrderStatus = "filled"
	StatusCancelled  OrderStatus = "cancelled"
	StatusUnknown    OrderStatus = "unknown"
)

// CancelOutcome is the tri-state result of a cancel request.
type CancelOutcome int

const (
	CancelOK            CancelOutcome = iota // exchange confirmed the cancel
	CancelAlreadyClosed                      // order was already filled or cancelled
	CancelUnknown                            // exchange does not recognize the id
)

// CloseCause records why a ledger row transitioned to closed.
type CloseCause string

const (
	CauseExpired        CloseCause = "expired"
	CauseOutOfPwRange   CloseCause = "outOfPwRange"
	CauseUserCommand    CloseCause = "userCommand"
	CauseExternalCancel CloseCause = "externalCancel"
	CauseFilled         CloseCause = "filled"
)

// ————————————————————————————————————————————————————————————————————————
// Policy vocabulary
// ————————————————————————————————————————————————————————————————————————

// Policy selects which maker components the scheduler runs.
//   - optimal: builder + liquidity + price defense
//   - spread:  builder with tight spread
//   - depth:   liquidity only, no volume-generating corrections
type Policy string

const (
	PolicyOptimal Policy = "optimal"
	PolicySpread  Policy = "spread"
	PolicyDepth   Policy = "depth"
)

// IsRegular reports whether the policy belongs to the volume-generating set.
func (p Policy) IsRegular() bool {
	return p == PolicyOptimal || p == PolicySpread
}

// ParsePolicy validates an operator-supplied policy token.
func ParsePolicy(s string) (Policy, bool) {
	switch Policy(strings.ToLower(s)) {
	case PolicyOptimal:
		return PolicyOptimal, true
	case PolicySpread:
		return PolicySpread, true
	case PolicyDepth:
		return PolicyDepth, true
	}
	return "", false
}

// Trend skews where standing liquidity sits relative to the anchor price.
type Trend string

const (
	TrendMiddle Trend = "middle"
	TrendUp     Trend = "uptrend"
	TrendDown   Trend = "downtrend"
)

// ParseTrend validates an operator-supplied trend token.
func ParseTrend(s string) (Trend, bool) {
	switch Trend(strings.ToLower(s)) {
	case TrendMiddle:
		return TrendMiddle, true
	case TrendUp:
		return TrendUp, true
	case TrendDown:
		return TrendDown, true
	}
	return "", false
}

// PwPolicy controls how other components treat a stale price watcher.
//   - smart:  tolerate the last known band within a grace window
//   - strict: block all placements as soon as the band is not actual
type PwPolicy string

const (
	PwSmart  PwPolicy = "smart"
	PwStrict PwPolicy = "strict"
)

// PwAction controls what happens when price escapes the band.
//   - fill:    the price maker pushes price back into the band
//   - prevent: the collector cancels out-of-band orders, no counter-order
type PwAction string

const (
	PwFill    PwAction = "fill"
	PwPrevent PwAction = "prevent"
)

// ————————————————————————————————————————————————————————————————————————
// Pair and market metadata
// ————————————————————————————————————————————————————————————————————————

// Pair is a traded spot pair, e.g. ADM/USDT.
type Pair struct {
	Base  string
	Quote string
}

// ParsePair parses "BASE/QUOTE" (case-insensitive).
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(s)), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("invalid pair %q, expected BASE/QUOTE", s)
	}
	return Pair{Base: parts[0], Quote: parts[1]}, nil
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// IsZero reports whether the pair is unset.
func (p Pair) IsZero() bool { return p.Base == "" && p.Quote == "" }

// MarketInfo describes one tradeable pair on an exchange. Loaded once per
// exchange via LoadMarkets and reused for precision and limit checks.
type MarketInfo struct {
	Pair          Pair
	BaseDecimals  int32           // decimal places for base amounts
	QuoteDecimals int32           // decimal places for prices / quote amounts
	MinAmount     decimal.Decimal // minimum order amount in base
	MaxAmount     decimal.Decimal // maximum order amount in base (zero = no cap)
	PriceTick     decimal.Decimal // minimum price increment
}

// Features is the capability set reported by an exchange adapter.
type Features struct {
	PlaceMarketOrder              bool
	AmountForMarketBuy            bool // market buys are sized in base amount
	AmountForMarketOrderNecessary bool
	GetDepositAddress             bool
	GetTradingFees                bool
	SupportCoinNetworks           bool
	OrderNumberLimit              int // max open orders per pair, 0 = unlimited
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is the central ledger record: every order the agent has placed,
// tracked from placement through fill, expiry, or cancellation.
//
// ID is the internal id, stable across restarts; ExchangeID is assigned by
// the exchange on acceptance and stays empty for rejected ladder rows.
// BaseFilled + BaseRemaining = BaseAmount modulo exchange-reported rounding.
type Order struct {
	ID         string // internal uuid
	ExchangeID string
	Pair       Pair
	Side       Side
	Type       OrderType
	Purpose    Purpose

	CreatedAt time.Time
	ExpiresAt time.Time // zero = no self-expiry
	UpdatedAt time.Time

	Price         decimal.Decimal
	BaseAmount    decimal.Decimal
	QuoteAmount   decimal.Decimal
	BaseFilled    decimal.Decimal
	QuoteFilled   decimal.Decimal
	BaseRemaining decimal.Decimal

	Processed bool
	Executed  bool // fully filled
	Cancelled bool
	Closed    bool

	// Reconciler two-strike counter for exchange "unknown" responses.
	MissingCount int

	// Ladder bookkeeping (ld purpose only).
	LadderIndex     int
	LadderState     string
	NotPlacedReason string

	CloseCause CloseCause
}

// IsExpired reports whether the order has outlived its lifetime.
func (o *Order) IsExpired(now time.Time) bool {
	return !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// OpenOrder is an exchange-live order as returned by GetOpenOrders.
type OpenOrder struct {
	ID     string
	Side   Side
	Price  decimal.Decimal
	Amount decimal.Decimal // original base amount
	Filled decimal.Decimal // executed base amount
	Status OrderStatus
}

// OrderDetails is the per-order state returned by GetOrderDetails.
type OrderDetails struct {
	ID          string
	Status      OrderStatus
	Price       decimal.Decimal
	BaseAmount  decimal.Decimal
	BaseFilled  decimal.Decimal
	QuoteFilled decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Balances, rates, order book
// ————————————————————————————————————————————————————————————————————————

// BalanceEntry is one coin's balance on the account.
type BalanceEntry struct {
	Coin   string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

// Balances is a full account snapshot with derived USD/BTC totals.
type Balances struct {
	Entries  []BalanceEntry
	TotalUSD decimal.Decimal
	TotalBTC decimal.Decimal
}

// Coin returns the entry for a coin, or a zero entry if absent.
func (b Balances) Coin(coin string) BalanceEntry {
	coin = strings.ToUpper(coin)
	for _, e := range b.Entries {
		if e.Coin == coin {
			return e
		}
	}
	return BalanceEntry{Coin: coin}
}

// Rates is a 24h ticker snapshot for a pair.
type Rates struct {
	Bid         decimal.Decimal
	Ask         decimal.Decimal
	Last        decimal.Decimal
	High24h     decimal.Decimal
	Low24h      decimal.Decimal
	Volume24h   decimal.Decimal // in base
	QuoteVolume decimal.Decimal // in quote
}

// Spread returns ask − bid.
func (r Rates) Spread() decimal.Decimal { return r.Ask.Sub(r.Bid) }

// Level is a single price level in the order book.
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// OrderBook is a point-in-time book view: bids sorted descending,
// asks ascending, best price first on both sides.
type OrderBook struct {
	Pair      Pair
	Bids      []Level
	Asks      []Level
	Timestamp time.Time
}

// BestBid returns the top bid, ok=false when the side is empty.
func (ob *OrderBook) BestBid() (Level, bool) {
	if len(ob.Bids) == 0 {
		return Level{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask, ok=false when the side is empty.
func (ob *OrderBook) BestAsk() (Level, bool) {
	if len(ob.Asks) == 0 {
		return Level{}, false
	}
	return ob.Asks[0], true
}

// MidPrice returns (bestBid + bestAsk) / 2.
func (ob *OrderBook) MidPrice() (decimal.Decimal, bool) {
	bid, okB := ob.BestBid()
	ask, okA := ob.BestAsk()
	if !okB || !okA {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

// DepthToPrice sums the amount resting between top-of-book and target on the
// side a taker order of the given direction would consume. A buy eats asks
// priced ≤ target; a sell eats bids priced ≥ target.
func (ob *OrderBook) DepthToPrice(side Side, target decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	if side == Buy {
		for _, lvl := range ob.Asks {
			if lvl.Price.GreaterThan(target) {
				break
			}
			total = total.Add(lvl.Amount)
		}
		return total
	}
	for _, lvl := range ob.Bids {
		if lvl.Price.LessThan(target) {
			break
		}
		total = total.Add(lvl.Amount)
	}
	return total
}

// ————————————————————————————————————————————————————————————————————————
// Statistics
// ————————————————————————————————————————————————————————————————————————

// StatsWindow selects the aggregation period for ledger statistics.
type StatsWindow string

const (
	WindowHour  StatsWindow = "hour"
	WindowDay   StatsWindow = "day"
	WindowMonth StatsWindow = "month"
	WindowAll   StatsWindow = "all"
)

// Since returns the window's start time relative to now; zero time for all.
func (w StatsWindow) Since(now time.Time) time.Time {
	switch w {
	case WindowHour:
		return now.Add(-time.Hour)
	case WindowDay:
		return now.Add(-24 * time.Hour)
	case WindowMonth:
		return now.Add(-30 * 24 * time.Hour)
	}
	return time.Time{}
}

// PurposeStats aggregates ledger rows for one purpose within a window.
type PurposeStats struct {
	Purpose     Purpose
	Placed      int
	Filled      int
	Cancelled   int
	BaseVolume  decimal.Decimal
	QuoteVolume decimal.Decimal
}
