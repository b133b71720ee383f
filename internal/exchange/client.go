package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"aster-trading-bot/internal/logging"
)

const (
	// DefaultBaseURL is the production perp REST endpoint.
	DefaultBaseURL = "https://fapi.asterdex.com"

	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
	recvWindowMs   = "10000"
)

// Client is the exchange surface the engine depends on. The live REST client
// and the simulated client both satisfy it.
type Client interface {
	AccountInfo(ctx context.Context) (*AccountInfo, error)
	Positions(ctx context.Context, symbol string) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error)
	SetMarginType(ctx context.Context, symbol string, marginType MarginType) error
	PlaceOrder(ctx context.Context, params OrderParams) (*OrderResponse, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]Order, error)
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	PremiumIndex(ctx context.Context, symbol string) (*PremiumIndex, error)
	BookTicker(ctx context.Context, symbol string) (*BookTicker, error)
	ExchangeInfo(ctx context.Context) (*ExchangeInfo, error)
}

// RestClient talks to the venue's Binance-compatible futures REST API with
// HMAC-SHA256 signed requests.
type RestClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	limiter    *RateLimiter
	log        *logging.Logger
}

// NewRestClient creates a REST client. An empty baseURL selects the
// production endpoint. Keys are trimmed, stray whitespace breaks signatures.
func NewRestClient(apiKey, secretKey, baseURL string) *RestClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &RestClient{
		apiKey:     strings.TrimSpace(apiKey),
		secretKey:  strings.TrimSpace(secretKey),
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
		limiter:    NewRateLimiter(),
		log:        logging.WithComponent("exchange"),
	}
}

// AccountInfo retrieves account margin balances.
func (c *RestClient) AccountInfo(ctx context.Context) (*AccountInfo, error) {
	resp, err := c.signed(ctx, http.MethodGet, "/fapi/v2/account", nil, true)
	if err != nil {
		return nil, err
	}
	var info AccountInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("parsing account info: %w", err)
	}
	return &info, nil
}

// Positions retrieves position risk rows. An empty symbol returns all.
func (c *RestClient) Positions(ctx context.Context, symbol string) ([]Position, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	resp, err := c.signed(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true)
	if err != nil {
		return nil, err
	}
	var positions []Position
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("parsing positions: %w", err)
	}
	return positions, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *RestClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	resp, err := c.signed(ctx, http.MethodPost, "/fapi/v1/leverage", params, true)
	if err != nil {
		return nil, err
	}
	var lr LeverageResponse
	if err := json.Unmarshal(resp, &lr); err != nil {
		return nil, fmt.Errorf("parsing leverage response: %w", err)
	}
	return &lr, nil
}

// SetMarginType sets ISOLATED or CROSSED margin for a symbol. The venue
// rejects a change to the mode already in effect (code -4046); that rejection
// is not an error.
func (c *RestClient) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	params := map[string]string{
		"symbol":     symbol,
		"marginType": string(marginType),
	}
	_, err := c.signed(ctx, http.MethodPost, "/fapi/v1/marginType", params, true)
	if err != nil {
		var ce *CallError
		if errors.As(err, &ce) && ce.Code == -4046 {
			return nil
		}
		return err
	}
	return nil
}

// PlaceOrder submits an order. Transport failures are NOT retried here: the
// order may or may not have reached the venue, and resubmitting could double
// the position. Callers resolve the unknown outcome by reconciliation.
func (c *RestClient) PlaceOrder(ctx context.Context, params OrderParams) (*OrderResponse, error) {
	req := map[string]string{
		"symbol": params.Symbol,
		"side":   string(params.Side),
		"type":   string(params.Type),
	}
	if params.Quantity > 0 && !params.ClosePosition {
		req["quantity"] = formatFloat(params.Quantity)
	}
	if params.Price > 0 {
		req["price"] = formatFloat(params.Price)
	}
	if params.StopPrice > 0 {
		req["stopPrice"] = formatFloat(params.StopPrice)
	}
	if params.ActivationPrice > 0 {
		req["activationPrice"] = formatFloat(params.ActivationPrice)
	}
	if params.CallbackRate > 0 {
		req["callbackRate"] = formatFloat(params.CallbackRate)
	}
	if params.TimeInForce != "" {
		req["timeInForce"] = string(params.TimeInForce)
	} else if params.Type == OrderTypeLimit {
		req["timeInForce"] = string(TimeInForceGTC)
	}
	if params.ReduceOnly && !params.ClosePosition {
		req["reduceOnly"] = "true"
	}
	if params.ClosePosition {
		req["closePosition"] = "true"
	}
	if params.WorkingType != "" {
		req["workingType"] = string(params.WorkingType)
	}
	if params.NewClientOrderID != "" {
		req["newClientOrderId"] = params.NewClientOrderID
	}

	resp, err := c.signed(ctx, http.MethodPost, "/fapi/v1/order", req, false)
	if err != nil {
		return nil, err
	}
	var or OrderResponse
	if err := json.Unmarshal(resp, &or); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}
	return &or, nil
}

// CancelOrder cancels one order by exchange order ID.
func (c *RestClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	_, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/order", params, true)
	return err
}

// CancelAllOrders cancels every open order for a symbol.
func (c *RestClient) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]string{"symbol": symbol}
	_, err := c.signed(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true)
	return err
}

// GetOrder queries one order by exchange order ID.
func (c *RestClient) GetOrder(ctx context.Context, symbol string, orderID int64) (*Order, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	resp, err := c.signed(ctx, http.MethodGet, "/fapi/v1/order", params, true)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("parsing order: %w", err)
	}
	return &order, nil
}

// OpenOrders lists the open orders for a symbol.
func (c *RestClient) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	params := map[string]string{}
	if symbol != "" {
		params["symbol"] = symbol
	}
	resp, err := c.signed(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var orders []Order
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("parsing open orders: %w", err)
	}
	return orders, nil
}

// Klines fetches candlesticks.
func (c *RestClient) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.public(ctx, "/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, err
	}

	var raw [][]interface{}
	if err := json.Unmarshal(resp, &raw); err != nil {
		return nil, fmt.Errorf("parsing klines: %w", err)
	}

	klines := make([]Kline, 0, len(raw))
	for _, row := range raw {
		if len(row) < 9 {
			continue
		}
		klines = append(klines, Kline{
			OpenTime:    int64(asFloat(row[0])),
			Open:        asFloat(row[1]),
			High:        asFloat(row[2]),
			Low:         asFloat(row[3]),
			Close:       asFloat(row[4]),
			Volume:      asFloat(row[5]),
			CloseTime:   int64(asFloat(row[6])),
			QuoteVolume: asFloat(row[7]),
			Trades:      int(asFloat(row[8])),
		})
	}
	return klines, nil
}

// PremiumIndex fetches mark price and current funding rate.
func (c *RestClient) PremiumIndex(ctx context.Context, symbol string) (*PremiumIndex, error) {
	resp, err := c.public(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, err
	}
	var pi PremiumIndex
	if err := json.Unmarshal(resp, &pi); err != nil {
		return nil, fmt.Errorf("parsing premium index: %w", err)
	}
	return &pi, nil
}

// BookTicker fetches the best bid/ask.
func (c *RestClient) BookTicker(ctx context.Context, symbol string) (*BookTicker, error) {
	resp, err := c.public(ctx, "/fapi/v1/ticker/bookTicker", map[string]string{"symbol": symbol})
	if err != nil {
		return nil, err
	}
	var bt BookTicker
	if err := json.Unmarshal(resp, &bt); err != nil {
		return nil, fmt.Errorf("parsing book ticker: %w", err)
	}
	return &bt, nil
}

// ExchangeInfo fetches symbol metadata and trading rules.
func (c *RestClient) ExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	resp, err := c.public(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info ExchangeInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("parsing exchange info: %w", err)
	}
	return &info, nil
}

// ==================== HTTP plumbing ====================

func (c *RestClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signed performs an authenticated request. When retry is false, transport
// failures surface immediately (used for order placement, where a resend
// could execute twice).
func (c *RestClient) signed(ctx context.Context, method, endpoint string, params map[string]string, retry bool) ([]byte, error) {
	var lastErr error
	attempts := 1
	if retry {
		attempts = maxRetries + 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if err := c.limiter.Acquire(endpoint); err != nil {
			return nil, newTransportError(endpoint, err)
		}

		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
		values.Set("recvWindow", recvWindowMs)
		query := values.Encode()
		query += "&signature=" + c.sign(query)

		reqURL := c.baseURL + endpoint + "?" + query
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, newTransportError(endpoint, err)
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)

		body, callErr := c.do(req, endpoint)
		if callErr == nil {
			return body, nil
		}
		lastErr = callErr

		if retry && callErr.retryable() && attempt < attempts-1 {
			delay := retryDelay(attempt)
			c.log.Warn("Request failed, retrying",
				"endpoint", endpoint,
				"attempt", attempt+1,
				"delay", delay.String(),
				"error", callErr)
			if !sleepCtx(ctx, delay) {
				return nil, newTransportError(endpoint, ctx.Err())
			}
			continue
		}
		return nil, callErr
	}

	return nil, lastErr
}

// public performs an unauthenticated GET with retry.
func (c *RestClient) public(ctx context.Context, endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Acquire(endpoint); err != nil {
			return nil, newTransportError(endpoint, err)
		}

		reqURL := c.baseURL + endpoint
		if len(params) > 0 {
			values := url.Values{}
			for k, v := range params {
				values.Set(k, v)
			}
			reqURL += "?" + values.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, newTransportError(endpoint, err)
		}

		body, callErr := c.do(req, endpoint)
		if callErr == nil {
			return body, nil
		}
		lastErr = callErr

		if callErr.retryable() && attempt < maxRetries {
			delay := retryDelay(attempt)
			c.log.Warn("Public request failed, retrying",
				"endpoint", endpoint,
				"attempt", attempt+1,
				"delay", delay.String(),
				"error", callErr)
			if !sleepCtx(ctx, delay) {
				return nil, newTransportError(endpoint, ctx.Err())
			}
			continue
		}
		return nil, callErr
	}

	return nil, lastErr
}

func (c *RestClient) do(req *http.Request, endpoint string) ([]byte, *CallError) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newTransportError(endpoint, err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, newTransportError(endpoint, err)
	}

	if used := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); used != "" {
		if w, err := strconv.Atoi(used); err == nil {
			c.limiter.ObserveUsedWeight(w)
		}
	}

	if resp.StatusCode != http.StatusOK {
		callErr := newAPIError(endpoint, resp.StatusCode, body)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 || callErr.Code == -1003 {
			c.limiter.RecordBan(ParseBanUntil(callErr.Msg))
		}
		return nil, callErr
	}

	return body, nil
}

// retryable reports whether the failure is transient. Transport failures are
// retryable for idempotent requests only; callers gate that.
func (e *CallError) retryable() bool {
	if e.IsTransport() {
		return true
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return true
	}
	switch e.Code {
	case -1001, -1003, -1015, -1016:
		return true
	}
	return false
}

func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - delay/4
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func asFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	default:
		return 0
	}
}
