package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spotmm/pkg/types"
)

var testPair = types.Pair{Base: "TKN", Quote: "USDT"}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	transient := &TransientAPIError{Op: "placeOrder", Err: errors.New("dial tcp: timeout")}
	assert.True(t, IsTransient(transient))
	assert.True(t, IsTransient(fmt.Errorf("place: %w", transient)))
	assert.True(t, IsTransient(context.DeadlineExceeded), "deadline expiry counts as transient")
	assert.False(t, IsTransient(errors.New("plain")))

	rejected := &RejectedError{Reason: "amount below market minimum"}
	assert.True(t, IsRejected(rejected))
	assert.True(t, IsRejected(fmt.Errorf("place: %w", rejected)))
	assert.False(t, IsRejected(transient))

	unknown := &UnknownOrderError{OrderID: "42"}
	assert.True(t, IsUnknownOrder(unknown))
	assert.False(t, IsUnknownOrder(rejected))
}

func TestTokenBucketBlocksUntilRefill(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 50) // one burst token, 50/s refill
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, tb.Wait(ctx))
	assert.Less(t, time.Since(start), 5*time.Millisecond, "first token is free")

	start = time.Now()
	require.NoError(t, tb.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond,
		"second token must wait for refill")
}

func TestTokenBucketHonorsCancellation(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.001) // effectively never refills
	ctx := context.Background()
	require.NoError(t, tb.Wait(ctx))

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := tb.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistryResolvesByName(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	RegisterDefaults(reg)
	assert.Contains(t, reg.Known(), "azbit")
	assert.Contains(t, reg.Known(), "coinstore")

	_, err := reg.New(AdapterConfig{Name: "nyse"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")

	ex, err := reg.New(AdapterConfig{Name: "azbit", BaseURL: "https://example.test"})
	require.NoError(t, err)
	assert.Equal(t, "azbit", ex.Name())
	assert.False(t, ex.Features().PlaceMarketOrder)
	assert.Equal(t, 200, ex.Features().OrderNumberLimit)
}

func newTestAdapter(t *testing.T, handler http.Handler) *RESTAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewRESTAdapter(AdapterConfig{
		Name:      "azbit",
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		APISecret: "test-secret",
	})
	require.NoError(t, err)
	return a
}

func TestRESTAdapterPlaceOrderSignsAndParses(t *testing.T) {
	t.Parallel()

	var gotKey, gotSig string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotSig = r.Header.Get("X-API-Signature")
		fmt.Fprint(w, `{"order_id":"ex-1"}`)
	})

	a := newTestAdapter(t, mux)
	price := decimal.RequireFromString("1.05")
	amount := decimal.NewFromInt(10)
	id, err := a.PlaceOrder(context.Background(), PlaceRequest{
		Pair:       testPair,
		Side:       types.Buy,
		Price:      &price,
		BaseAmount: &amount,
		IsLimit:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ex-1", id)
	assert.Equal(t, "test-key", gotKey)
	assert.NotEmpty(t, gotSig, "placement must carry an HMAC signature")
}

func TestRESTAdapterMapsRejection(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":"MIN_AMOUNT","message":"amount below market minimum"}`)
	})

	a := newTestAdapter(t, mux)
	price := decimal.NewFromInt(1)
	amount := decimal.NewFromInt(1)
	_, err := a.PlaceOrder(context.Background(), PlaceRequest{
		Pair: testPair, Side: types.Buy, Price: &price, BaseAmount: &amount, IsLimit: true,
	})
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.Contains(t, err.Error(), "amount below market minimum")
}

func TestRESTAdapterUnknownOrderIsAStatusNotAnError(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"code":"ORDER_NOT_FOUND","message":"no such order"}`)
	})

	a := newTestAdapter(t, mux)
	details, err := a.GetOrderDetails(context.Background(), "ghost", testPair)
	require.NoError(t, err)
	assert.Equal(t, types.StatusUnknown, details.Status)
}

func TestRESTAdapterCancelOutcomes(t *testing.T) {
	t.Parallel()

	result := `{"result":"cancelled"}`
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /api/v1/order", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, result)
	})

	a := newTestAdapter(t, mux)
	ctx := context.Background()

	outcome, err := a.CancelOrder(ctx, "1", types.Buy, testPair)
	require.NoError(t, err)
	assert.Equal(t, types.CancelOK, outcome)

	result = `{"result":"already_closed"}`
	outcome, err = a.CancelOrder(ctx, "1", types.Buy, testPair)
	require.NoError(t, err)
	assert.Equal(t, types.CancelAlreadyClosed, outcome)

	result = `{"result":"unknown"}`
	outcome, err = a.CancelOrder(ctx, "1", types.Buy, testPair)
	require.NoError(t, err)
	assert.Equal(t, types.CancelUnknown, outcome)
}

func TestRESTAdapterDepositAddressGating(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/deposit/address", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TKN", r.URL.Query().Get("coin"))
		fmt.Fprint(w, `{"address":"tkn1qdepositaddr"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	withFeature, err := NewRESTAdapter(AdapterConfig{
		Name: "stakecube", BaseURL: srv.URL, APIKey: "k", APISecret: "s",
	})
	require.NoError(t, err)
	addr, err := withFeature.GetDepositAddress(context.Background(), "tkn")
	require.NoError(t, err)
	assert.Equal(t, "tkn1qdepositaddr", addr)

	// azbit does not expose deposit addresses: rejected before any request.
	without := newTestAdapter(t, mux)
	_, err = without.GetDepositAddress(context.Background(), "TKN")
	require.Error(t, err)
	assert.True(t, IsRejected(err))
}

func TestRESTAdapterParsesDepth(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/depth", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "TKN_USDT", r.URL.Query().Get("pair"))
		fmt.Fprint(w, `{"bids":[["99.5","10"],["99.0","20"]],"asks":[["100.5","5"]]}`)
	})

	a := newTestAdapter(t, mux)
	book, err := a.GetOrderBook(context.Background(), testPair)
	require.NoError(t, err)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 1)

	best, ok := book.BestBid()
	require.True(t, ok)
	assert.True(t, best.Price.Equal(decimal.RequireFromString("99.5")))
	mid, ok := book.MidPrice()
	require.True(t, ok)
	assert.True(t, mid.Equal(decimal.NewFromInt(100)))
}
