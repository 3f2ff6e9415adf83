// Package exchange defines the uniform trading-API contract every exchange
// adapter implements, plus the adapter registry and the generic signed-REST
// adapter.
//
// The contract is stateless across calls; connection pools, request signing
// and rate limiting live inside each adapter. Every method can fail with a
// TransientAPIError (retry next tick), a RejectedError (permanent refusal),
// or an UnknownOrderError (id not recognized) — see errors.go.
package exchange

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"spotmm/pkg/types"
)

// PlaceRequest describes one order placement. Exactly one of BaseAmount or
// QuoteAmount must be set; Price is nil for market orders.
type PlaceRequest struct {
	Pair        types.Pair
	Side        types.Side
	Price       *decimal.Decimal
	BaseAmount  *decimal.Decimal
	QuoteAmount *decimal.Decimal
	IsLimit     bool
}

// Exchange is the capability set the rest of the agent depends on.
// Adapters are polymorphic over this fixed surface.
type Exchange interface {
	// Name returns the exchange id the adapter was registered under.
	Name() string

	// LoadMarkets returns all market descriptors. Called once; cached by
	// the markets cache.
	LoadMarkets(ctx context.Context) (map[string]types.MarketInfo, error)

	// Features reports adapter capabilities.
	Features() types.Features

	// GetBalances returns account balances, optionally including zero rows.
	GetBalances(ctx context.Context, includeZero bool) (types.Balances, error)

	// GetOpenOrders lists exchange-live orders for a pair.
	GetOpenOrders(ctx context.Context, pair types.Pair) ([]types.OpenOrder, error)

	// GetOrderDetails fetches one order's state. A StatusUnknown result means
	// the id is not recognized; a fetch failure is a TransientAPIError.
	GetOrderDetails(ctx context.Context, id string, pair types.Pair) (types.OrderDetails, error)

	// PlaceOrder submits an order and returns the exchange-assigned id.
	PlaceOrder(ctx context.Context, req PlaceRequest) (string, error)

	// CancelOrder requests a cancel and reports the tri-state outcome.
	CancelOrder(ctx context.Context, id string, side types.Side, pair types.Pair) (types.CancelOutcome, error)

	// GetRates returns the 24h ticker for a pair.
	GetRates(ctx context.Context, pair types.Pair) (types.Rates, error)

	// GetDepositAddress returns the account's deposit address for a coin.
	// Only callable when Features().GetDepositAddress is set; otherwise the
	// adapter rejects.
	GetDepositAddress(ctx context.Context, coin string) (string, error)

	// GetOrderBook returns bids (descending) and asks (ascending).
	GetOrderBook(ctx context.Context, pair types.Pair) (*types.OrderBook, error)
}

// Constructor builds an adapter from credentials. Registered per exchange id.
type Constructor func(cfg AdapterConfig) (Exchange, error)

// AdapterConfig is the startup configuration an adapter needs.
type AdapterConfig struct {
	Name      string
	BaseURL   string
	WSURL     string
	APIKey    string
	APISecret string
}

// Registry maps exchange-id strings to constructor functions. The adapter is
// chosen once at startup; all other code depends only on the Exchange
// interface.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// Register adds a constructor under an exchange id. Last registration wins.
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = ctor
}

// New constructs the adapter registered under cfg.Name.
func (r *Registry) New(cfg AdapterConfig) (Exchange, error) {
	r.mu.RLock()
	ctor, ok := r.constructors[cfg.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exchange %q is not supported (known: %v)", cfg.Name, r.Known())
	}
	return ctor(cfg)
}

// Known returns the registered exchange ids, sorted.
func (r *Registry) Known() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
