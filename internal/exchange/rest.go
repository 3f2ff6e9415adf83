// rest.go is the generic signed-REST adapter.
//
// The supported exchanges sit behind a uniform gateway API, so one adapter
// parameterized by base URL and credentials serves them all; per-exchange
// differences are limited to the Features table below. Requests are
// rate-limited via per-category TokenBuckets, retried on 5xx, and signed with
// HMAC-SHA256 over timestamp+method+path+body.
//
// Error mapping:
//   - transport errors, 429 and 5xx  → TransientAPIError
//   - 400/422 with a reason payload  → RejectedError
//   - order-not-found payloads       → UnknownOrderError / StatusUnknown
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"spotmm/pkg/types"
)

// featuresByExchange captures the per-exchange capability differences.
// Unlisted ids fall back to a conservative default.
var featuresByExchange = map[string]types.Features{
	"azbit": {
		PlaceMarketOrder: false,
		GetTradingFees:   true,
		OrderNumberLimit: 200,
	},
	"coinstore": {
		PlaceMarketOrder:   true,
		AmountForMarketBuy: true,
		GetTradingFees:     true,
		OrderNumberLimit:   100,
	},
	"stakecube": {
		PlaceMarketOrder:              true,
		AmountForMarketOrderNecessary: true,
		GetDepositAddress:             true,
	},
}

var defaultFeatures = types.Features{
	PlaceMarketOrder: true,
	GetTradingFees:   true,
}

// RegisterDefaults registers every exchange id the gateway dialect covers.
func RegisterDefaults(reg *Registry) {
	for name := range featuresByExchange {
		reg.Register(name, func(cfg AdapterConfig) (Exchange, error) {
			return NewRESTAdapter(cfg)
		})
	}
}

// RESTAdapter talks to a gateway-dialect exchange over signed REST.
type RESTAdapter struct {
	name     string
	http     *resty.Client
	apiKey   string
	secret   []byte
	rl       *RateLimiter
	features types.Features
}

// NewRESTAdapter creates an adapter for the given exchange.
func NewRESTAdapter(cfg AdapterConfig) (*RESTAdapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("exchange %s: base url is required", cfg.Name)
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	features, ok := featuresByExchange[cfg.Name]
	if !ok {
		features = defaultFeatures
	}

	return &RESTAdapter{
		name:     cfg.Name,
		http:     httpClient,
		apiKey:   cfg.APIKey,
		secret:   []byte(cfg.APISecret),
		rl:       NewRateLimiter(),
		features: features,
	}, nil
}

// Name implements Exchange.
func (a *RESTAdapter) Name() string { return a.name }

// Features implements Exchange.
func (a *RESTAdapter) Features() types.Features { return a.features }

// sign produces the auth headers: HMAC-SHA256(secret, ts+method+path+body).
func (a *RESTAdapter) sign(method, path, body string) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	mac := hmac.New(sha256.New, a.secret)
	mac.Write([]byte(ts + method + path + body))
	return map[string]string{
		"X-API-Key":       a.apiKey,
		"X-API-Timestamp": ts,
		"X-API-Signature": hex.EncodeToString(mac.Sum(nil)),
	}
}

// apiError is the gateway's error payload.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps a completed response to the error taxonomy; nil when 2xx.
func (a *RESTAdapter) classify(op string, resp *resty.Response, err error) error {
	if err != nil {
		return &TransientAPIError{Op: op, Err: err}
	}
	code := resp.StatusCode()
	switch {
	case code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return &TransientAPIError{Op: op, Err: fmt.Errorf("status %d: %s", code, resp.String())}
	}

	var ae apiError
	if jsonErr := json.Unmarshal(resp.Body(), &ae); jsonErr == nil {
		if ae.Code == "ORDER_NOT_FOUND" {
			return &UnknownOrderError{}
		}
		if ae.Message != "" {
			return &RejectedError{Reason: ae.Message}
		}
	}
	return &RejectedError{Reason: fmt.Sprintf("status %d: %s", code, resp.String())}
}

// ————————————————————————————————————————————————————————————————————————
// Wire types (gateway dialect)
// ————————————————————————————————————————————————————————————————————————

type wireMarket struct {
	Pair          string `json:"pair"`
	BaseDecimals  int32  `json:"base_decimals"`
	QuoteDecimals int32  `json:"quote_decimals"`
	MinAmount     string `json:"min_amount"`
	MaxAmount     string `json:"max_amount"`
	PriceTick     string `json:"price_tick"`
}

type wireBalance struct {
	Coin   string `json:"coin"`
	Free   string `json:"free"`
	Locked string `json:"locked"`
}

type wireOrder struct {
	ID     string `json:"id"`
	Side   string `json:"side"`
	Price  string `json:"price"`
	Amount string `json:"amount"`
	Filled string `json:"filled"`
	Status string `json:"status"`
}

type wireTicker struct {
	Bid         string `json:"bid"`
	Ask         string `json:"ask"`
	Last        string `json:"last"`
	High        string `json:"high_24h"`
	Low         string `json:"low_24h"`
	Volume      string `json:"volume_24h"`
	QuoteVolume string `json:"quote_volume_24h"`
}

type wireDepth struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func pairParam(p types.Pair) string { return p.Base + "_" + p.Quote }

// ————————————————————————————————————————————————————————————————————————
// Exchange implementation
// ————————————————————————————————————————————————————————————————————————

// LoadMarkets implements Exchange.
func (a *RESTAdapter) LoadMarkets(ctx context.Context) (map[string]types.MarketInfo, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	var result []wireMarket
	resp, err := a.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/api/v1/markets")
	if cerr := a.classify("loadMarkets", resp, err); cerr != nil {
		return nil, cerr
	}

	markets := make(map[string]types.MarketInfo, len(result))
	for _, m := range result {
		pair, perr := types.ParsePair(strings.ReplaceAll(m.Pair, "_", "/"))
		if perr != nil {
			continue
		}
		markets[pair.String()] = types.MarketInfo{
			Pair:          pair,
			BaseDecimals:  m.BaseDecimals,
			QuoteDecimals: m.QuoteDecimals,
			MinAmount:     dec(m.MinAmount),
			MaxAmount:     dec(m.MaxAmount),
			PriceTick:     dec(m.PriceTick),
		}
	}
	return markets, nil
}

// GetBalances implements Exchange.
func (a *RESTAdapter) GetBalances(ctx context.Context, includeZero bool) (types.Balances, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return types.Balances{}, err
	}

	path := "/api/v1/account/balances"
	var result []wireBalance
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(a.sign(http.MethodGet, path, "")).
		SetQueryParam("include_zero", strconv.FormatBool(includeZero)).
		SetResult(&result).
		Get(path)
	if cerr := a.classify("getBalances", resp, err); cerr != nil {
		return types.Balances{}, cerr
	}

	var bal types.Balances
	for _, b := range result {
		free, locked := dec(b.Free), dec(b.Locked)
		bal.Entries = append(bal.Entries, types.BalanceEntry{
			Coin:   strings.ToUpper(b.Coin),
			Free:   free,
			Locked: locked,
			Total:  free.Add(locked),
		})
	}
	return bal, nil
}

// GetOpenOrders implements Exchange.
func (a *RESTAdapter) GetOpenOrders(ctx context.Context, pair types.Pair) ([]types.OpenOrder, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/api/v1/orders/open"
	var result []wireOrder
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(a.sign(http.MethodGet, path, "")).
		SetQueryParam("pair", pairParam(pair)).
		SetResult(&result).
		Get(path)
	if cerr := a.classify("getOpenOrders", resp, err); cerr != nil {
		return nil, cerr
	}

	orders := make([]types.OpenOrder, 0, len(result))
	for _, o := range result {
		orders = append(orders, types.OpenOrder{
			ID:     o.ID,
			Side:   types.Side(o.Side),
			Price:  dec(o.Price),
			Amount: dec(o.Amount),
			Filled: dec(o.Filled),
			Status: mapStatus(o.Status),
		})
	}
	return orders, nil
}

// GetOrderDetails implements Exchange.
func (a *RESTAdapter) GetOrderDetails(ctx context.Context, id string, pair types.Pair) (types.OrderDetails, error) {
	if err := a.rl.Account.Wait(ctx); err != nil {
		return types.OrderDetails{}, err
	}

	path := "/api/v1/order"
	var result wireOrder
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(a.sign(http.MethodGet, path, "")).
		SetQueryParams(map[string]string{"id": id, "pair": pairParam(pair)}).
		SetResult(&result).
		Get(path)

	cerr := a.classify("getOrderDetails", resp, err)
	if IsUnknownOrder(cerr) {
		// Distinct outcome, not a failure: the exchange does not know this id.
		return types.OrderDetails{ID: id, Status: types.StatusUnknown}, nil
	}
	if cerr != nil {
		return types.OrderDetails{}, cerr
	}

	price := dec(result.Price)
	filled := dec(result.Filled)
	return types.OrderDetails{
		ID:          id,
		Status:      mapStatus(result.Status),
		Price:       price,
		BaseAmount:  dec(result.Amount),
		BaseFilled:  filled,
		QuoteFilled: filled.Mul(price),
	}, nil
}

// PlaceOrder implements Exchange.
func (a *RESTAdapter) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	if err := a.rl.Order.Wait(ctx); err != nil {
		return "", err
	}
	if !req.IsLimit && !a.features.PlaceMarketOrder {
		return "", &RejectedError{Reason: "market orders are not supported on " + a.name}
	}

	body := map[string]string{
		"pair": pairParam(req.Pair),
		"side": string(req.Side),
		"type": "limit",
	}
	if !req.IsLimit {
		body["type"] = "market"
	}
	if req.Price != nil {
		body["price"] = req.Price.String()
	}
	if req.BaseAmount != nil {
		body["amount"] = req.BaseAmount.String()
	}
	if req.QuoteAmount != nil {
		body["quote_amount"] = req.QuoteAmount.String()
	}

	raw, _ := json.Marshal(body)
	path := "/api/v1/order"

	var result struct {
		OrderID string `json:"order_id"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(a.sign(http.MethodPost, path, string(raw))).
		SetBody(json.RawMessage(raw)).
		SetResult(&result).
		Post(path)
	if cerr := a.classify("placeOrder", resp, err); cerr != nil {
		return "", cerr
	}
	if result.OrderID == "" {
		return "", &RejectedError{Reason: "exchange returned empty order id"}
	}
	return result.OrderID, nil
}

// CancelOrder implements Exchange.
func (a *RESTAdapter) CancelOrder(ctx context.Context, id string, side types.Side, pair types.Pair) (types.CancelOutcome, error) {
	if err := a.rl.Cancel.Wait(ctx); err != nil {
		return 0, err
	}

	path := "/api/v1/order"
	var result struct {
		Result string `json:"result"` // cancelled | already_closed | unknown
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(a.sign(http.MethodDelete, path, "")).
		SetQueryParams(map[string]string{
			"id":   id,
			"side": string(side),
			"pair": pairParam(pair),
		}).
		SetResult(&result).
		Delete(path)

	cerr := a.classify("cancelOrder", resp, err)
	if IsUnknownOrder(cerr) {
		return types.CancelUnknown, nil
	}
	if cerr != nil {
		return 0, cerr
	}

	switch result.Result {
	case "already_closed":
		return types.CancelAlreadyClosed, nil
	case "unknown":
		return types.CancelUnknown, nil
	default:
		return types.CancelOK, nil
	}
}

// GetRates implements Exchange.
func (a *RESTAdapter) GetRates(ctx context.Context, pair types.Pair) (types.Rates, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return types.Rates{}, err
	}

	var result wireTicker
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("pair", pairParam(pair)).
		SetResult(&result).
		Get("/api/v1/ticker")
	if cerr := a.classify("getRates", resp, err); cerr != nil {
		return types.Rates{}, cerr
	}

	return types.Rates{
		Bid:         dec(result.Bid),
		Ask:         dec(result.Ask),
		Last:        dec(result.Last),
		High24h:     dec(result.High),
		Low24h:      dec(result.Low),
		Volume24h:   dec(result.Volume),
		QuoteVolume: dec(result.QuoteVolume),
	}, nil
}

// GetDepositAddress implements Exchange.
func (a *RESTAdapter) GetDepositAddress(ctx context.Context, coin string) (string, error) {
	if !a.features.GetDepositAddress {
		return "", &RejectedError{Reason: "deposit addresses are not available on " + a.name}
	}
	if err := a.rl.Account.Wait(ctx); err != nil {
		return "", err
	}

	path := "/api/v1/deposit/address"
	var result struct {
		Address string `json:"address"`
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetHeaders(a.sign(http.MethodGet, path, "")).
		SetQueryParam("coin", strings.ToUpper(coin)).
		SetResult(&result).
		Get(path)
	if cerr := a.classify("getDepositAddress", resp, err); cerr != nil {
		return "", cerr
	}
	if result.Address == "" {
		return "", &RejectedError{Reason: "exchange returned no deposit address for " + coin}
	}
	return result.Address, nil
}

// GetOrderBook implements Exchange.
func (a *RESTAdapter) GetOrderBook(ctx context.Context, pair types.Pair) (*types.OrderBook, error) {
	if err := a.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	var result wireDepth
	resp, err := a.http.R().
		SetContext(ctx).
		SetQueryParam("pair", pairParam(pair)).
		SetResult(&result).
		Get("/api/v1/depth")
	if cerr := a.classify("getOrderBook", resp, err); cerr != nil {
		return nil, cerr
	}

	book := &types.OrderBook{Pair: pair, Timestamp: time.Now()}
	for _, lvl := range result.Bids {
		book.Bids = append(book.Bids, types.Level{Price: dec(lvl[0]), Amount: dec(lvl[1])})
	}
	for _, lvl := range result.Asks {
		book.Asks = append(book.Asks, types.Level{Price: dec(lvl[0]), Amount: dec(lvl[1])})
	}
	return book, nil
}

func mapStatus(s string) types.OrderStatus {
	switch s {
	case "new", "open":
		return types.StatusNew
	case "part_filled", "partially_filled":
		return types.StatusPartFilled
	case "filled":
		return types.StatusFilled
	case "cancelled", "canceled":
		return types.StatusCancelled
	default:
		return types.StatusUnknown
	}
}
