// Package exmock provides an in-memory Exchange implementation for tests.
//
// The mock keeps a live open-order set, honors balance accounting on place
// and cancel, and exposes scripting hooks: seed books/balances/rates, fill
// or externally cancel an order, make an id vanish (the "unknown" outcome),
// and inject one-shot errors per operation.
package exmock

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"spotmm/internal/exchange"
	"spotmm/pkg/types"
)

// Mock is a scriptable in-memory exchange.
type Mock struct {
	mu sync.Mutex

	name     string
	features types.Features
	markets  map[string]types.MarketInfo
	balances map[string]*types.BalanceEntry
	rates    types.Rates
	book     *types.OrderBook
	deposits map[string]string // coin → deposit address

	open     map[string]*types.OpenOrder // exchange id → live order
	terminal map[string]*types.OpenOrder // filled/cancelled, for detail lookups
	seq      int

	// One-shot injected errors, consumed on next use.
	nextPlaceErr   error
	nextCancelErr  error
	nextDetailsErr error
	nextBookErr    error

	// Call log for assertions.
	PlacedRequests []exchange.PlaceRequest
	CancelRequests []string
}

// New creates a mock with sane defaults for the given pair: 8/8 decimals,
// min amount 0.000001, tick 0.0001.
func New(pair types.Pair) *Mock {
	m := &Mock{
		name:     "mock",
		features: types.Features{PlaceMarketOrder: true, GetTradingFees: true, GetDepositAddress: true},
		markets:  make(map[string]types.MarketInfo),
		balances: make(map[string]*types.BalanceEntry),
		deposits: make(map[string]string),
		open:     make(map[string]*types.OpenOrder),
	}
	m.markets[pair.String()] = types.MarketInfo{
		Pair:          pair,
		BaseDecimals:  8,
		QuoteDecimals: 8,
		MinAmount:     decimal.RequireFromString("0.000001"),
		PriceTick:     decimal.RequireFromString("0.0001"),
	}
	return m
}

// ————————————————————————————————————————————————————————————————————————
// Scripting hooks
// ————————————————————————————————————————————————————————————————————————

// SetFeatures overrides the capability set.
func (m *Mock) SetFeatures(f types.Features) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = f
}

// SetMarket overrides the market descriptor for a pair.
func (m *Mock) SetMarket(info types.MarketInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markets[info.Pair.String()] = info
}

// SetBalance seeds one coin's free balance.
func (m *Mock) SetBalance(coin string, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[coin] = &types.BalanceEntry{Coin: coin, Free: free, Total: free}
}

// SetDepositAddress seeds one coin's deposit address.
func (m *Mock) SetDepositAddress(coin, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deposits[coin] = addr
}

// SetRates seeds the ticker.
func (m *Mock) SetRates(r types.Rates) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rates = r
}

// SetBook seeds the order book.
func (m *Mock) SetBook(book *types.OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.book = book
}

// SeedBook builds a symmetric book around mid: n levels per side at tick
// spacing, amount per level. Convenient for builder/liquidity tests.
func (m *Mock) SeedBook(pair types.Pair, mid, tick, amount decimal.Decimal, n int) {
	book := &types.OrderBook{Pair: pair, Timestamp: time.Now()}
	for i := 1; i <= n; i++ {
		step := tick.Mul(decimal.NewFromInt(int64(i)))
		book.Bids = append(book.Bids, types.Level{Price: mid.Sub(step), Amount: amount})
		book.Asks = append(book.Asks, types.Level{Price: mid.Add(step), Amount: amount})
	}
	m.SetBook(book)
}

// Fill marks an open order (fully or partially) filled.
func (m *Mock) Fill(id string, baseFilled decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[id]
	if !ok {
		return
	}
	o.Filled = baseFilled
	if o.Filled.GreaterThanOrEqual(o.Amount) {
		o.Filled = o.Amount
		o.Status = types.StatusFilled
		delete(m.open, id)
		m.closed(o)
	} else {
		o.Status = types.StatusPartFilled
	}
}

// CancelExternally simulates a cancel outside the agent's control.
func (m *Mock) CancelExternally(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.open[id]; ok {
		o.Status = types.StatusCancelled
		delete(m.open, id)
		m.closed(o)
	}
}

// Vanish makes an order id unknown to the exchange: details and cancels for
// it return the "unknown" outcome, with no closed record retained.
func (m *Mock) Vanish(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, id)
	delete(m.closedOrders(), id)
}

// InjectOpenOrder places an exchange-live order with no ledger counterpart
// (an "unknown" order from the agent's point of view).
func (m *Mock) InjectOpenOrder(o types.OpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := o
	if cp.Status == "" {
		cp.Status = types.StatusNew
	}
	m.open[o.ID] = &cp
}

// FailNextPlace / FailNextCancel / FailNextDetails / FailNextBook inject a
// one-shot error for the next matching call.
func (m *Mock) FailNextPlace(err error)   { m.mu.Lock(); m.nextPlaceErr = err; m.mu.Unlock() }
func (m *Mock) FailNextCancel(err error)  { m.mu.Lock(); m.nextCancelErr = err; m.mu.Unlock() }
func (m *Mock) FailNextDetails(err error) { m.mu.Lock(); m.nextDetailsErr = err; m.mu.Unlock() }
func (m *Mock) FailNextBook(err error)    { m.mu.Lock(); m.nextBookErr = err; m.mu.Unlock() }

// OpenCount returns the number of live orders.
func (m *Mock) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

func (m *Mock) closedOrders() map[string]*types.OpenOrder {
	if m.terminal == nil {
		m.terminal = make(map[string]*types.OpenOrder)
	}
	return m.terminal
}

func (m *Mock) closed(o *types.OpenOrder) {
	m.closedOrders()[o.ID] = o
}

// ————————————————————————————————————————————————————————————————————————
// Exchange implementation
// ————————————————————————————————————————————————————————————————————————

// Name implements exchange.Exchange.
func (m *Mock) Name() string { return m.name }

// Features implements exchange.Exchange.
func (m *Mock) Features() types.Features {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.features
}

// LoadMarkets implements exchange.Exchange.
func (m *Mock) LoadMarkets(ctx context.Context) (map[string]types.MarketInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.MarketInfo, len(m.markets))
	for k, v := range m.markets {
		out[k] = v
	}
	return out, nil
}

// GetBalances implements exchange.Exchange.
func (m *Mock) GetBalances(ctx context.Context, includeZero bool) (types.Balances, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var bal types.Balances
	coins := make([]string, 0, len(m.balances))
	for c := range m.balances {
		coins = append(coins, c)
	}
	sort.Strings(coins)
	for _, c := range coins {
		e := m.balances[c]
		if !includeZero && e.Total.IsZero() {
			continue
		}
		bal.Entries = append(bal.Entries, *e)
	}
	return bal, nil
}

// GetOpenOrders implements exchange.Exchange.
func (m *Mock) GetOpenOrders(ctx context.Context, pair types.Pair) ([]types.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.OpenOrder, 0, len(m.open))
	for _, o := range m.open {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetOrderDetails implements exchange.Exchange.
func (m *Mock) GetOrderDetails(ctx context.Context, id string, pair types.Pair) (types.OrderDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.nextDetailsErr; err != nil {
		m.nextDetailsErr = nil
		return types.OrderDetails{}, err
	}

	o, ok := m.open[id]
	if !ok {
		o, ok = m.closedOrders()[id]
	}
	if !ok {
		return types.OrderDetails{ID: id, Status: types.StatusUnknown}, nil
	}
	return types.OrderDetails{
		ID:          id,
		Status:      o.Status,
		Price:       o.Price,
		BaseAmount:  o.Amount,
		BaseFilled:  o.Filled,
		QuoteFilled: o.Filled.Mul(o.Price),
	}, nil
}

// PlaceOrder implements exchange.Exchange. Limit orders rest on the book;
// balance is checked against the free amount of the spending coin.
func (m *Mock) PlaceOrder(ctx context.Context, req exchange.PlaceRequest) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.nextPlaceErr; err != nil {
		m.nextPlaceErr = nil
		return "", err
	}

	m.PlacedRequests = append(m.PlacedRequests, req)

	var price decimal.Decimal
	if req.Price != nil {
		price = *req.Price
	}
	var base decimal.Decimal
	switch {
	case req.BaseAmount != nil:
		base = *req.BaseAmount
	case req.QuoteAmount != nil && !price.IsZero():
		base = req.QuoteAmount.Div(price)
	default:
		return "", &exchange.RejectedError{Reason: "amount is required"}
	}

	// Balance check: buys spend quote, sells spend base.
	spendCoin, spendAmt := req.Pair.Base, base
	if req.Side == types.Buy {
		spendCoin, spendAmt = req.Pair.Quote, base.Mul(price)
	}
	if e, ok := m.balances[spendCoin]; ok {
		if e.Free.LessThan(spendAmt) {
			return "", &exchange.RejectedError{Reason: "insufficient balance"}
		}
		e.Free = e.Free.Sub(spendAmt)
		e.Locked = e.Locked.Add(spendAmt)
	}

	m.seq++
	id := fmt.Sprintf("ex-%d", m.seq)
	m.open[id] = &types.OpenOrder{
		ID:     id,
		Side:   req.Side,
		Price:  price,
		Amount: base,
		Status: types.StatusNew,
	}
	return id, nil
}

// CancelOrder implements exchange.Exchange.
func (m *Mock) CancelOrder(ctx context.Context, id string, side types.Side, pair types.Pair) (types.CancelOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.nextCancelErr; err != nil {
		m.nextCancelErr = nil
		return 0, err
	}

	m.CancelRequests = append(m.CancelRequests, id)

	if o, ok := m.open[id]; ok {
		o.Status = types.StatusCancelled
		delete(m.open, id)
		m.closed(o)

		// Release locked funds.
		spendCoin, spendAmt := pair.Base, o.Amount.Sub(o.Filled)
		if o.Side == types.Buy {
			spendCoin, spendAmt = pair.Quote, o.Amount.Sub(o.Filled).Mul(o.Price)
		}
		if e, ok := m.balances[spendCoin]; ok {
			e.Locked = e.Locked.Sub(spendAmt)
			e.Free = e.Free.Add(spendAmt)
		}
		return types.CancelOK, nil
	}
	if _, ok := m.closedOrders()[id]; ok {
		return types.CancelAlreadyClosed, nil
	}
	return types.CancelUnknown, nil
}

// GetRates implements exchange.Exchange.
func (m *Mock) GetRates(ctx context.Context, pair types.Pair) (types.Rates, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rates, nil
}

// GetDepositAddress implements exchange.Exchange.
func (m *Mock) GetDepositAddress(ctx context.Context, coin string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.features.GetDepositAddress {
		return "", &exchange.RejectedError{Reason: "deposit addresses are not available on " + m.name}
	}
	addr, ok := m.deposits[coin]
	if !ok {
		return "", &exchange.RejectedError{Reason: "no deposit address for " + coin}
	}
	return addr, nil
}

// GetOrderBook implements exchange.Exchange.
func (m *Mock) GetOrderBook(ctx context.Context, pair types.Pair) (*types.OrderBook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.nextBookErr; err != nil {
		m.nextBookErr = nil
		return nil, err
	}
	if m.book == nil {
		return &types.OrderBook{Pair: pair, Timestamp: time.Now()}, nil
	}
	cp := *m.book
	cp.Timestamp = time.Now()
	return &cp, nil
}
