package futures_usdt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quant-core/pkg/exchanges/common"
)

const exchangeName = "binance"

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms

	BaseURL    string       // overrides the mainnet/testnet host
	ProxyURL   string       // optional HTTP proxy
	HTTPClient *http.Client // overrides the proxy-aware default
}

// Client handles Binance USDT-M futures REST calls.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	timeSync    *common.TimeSync
	rateLimiter *common.RateLimiter
}

// NewClient creates a new USDT-M futures client.
func NewClient(cfg Config) (*Client, error) {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		var err error
		httpClient, err = common.NewHTTPClient(cfg.ProxyURL, 10*time.Second)
		if err != nil {
			return nil, err
		}
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: httpClient,
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime)
	c.rateLimiter = common.NewRateLimiter(2400, time.Minute, 20, 10)
	return c, nil
}

// SyncTime aligns request timestamps with the server clock.
func (c *Client) SyncTime(ctx context.Context) error {
	return c.timeSync.Sync(ctx)
}

// CreateListenKey creates a listen key for the user data stream.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends listen key life by 60 minutes.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey", params)
	return err
}

// DeleteListenKey closes the user data stream.
func (c *Client) DeleteListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doKeyed(ctx, http.MethodDelete, "/fapi/v1/listenKey", params)
	return err
}

// SubmitOrder places an order. PositionSide and ReduceOnly are mutually exclusive.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.PositionSide != "" && req.PositionSide != common.PositionBoth && req.ReduceOnly {
		return common.OrderResult{}, fmt.Errorf("binance usdt futures: reduceOnly cannot be sent with positionSide %s", req.PositionSide)
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", req.Quantity)

	if req.Type == common.OrderTypeLimit {
		params.Set("price", common.FormatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = common.TIFGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("newOrderRespType", "RESULT")

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toResult(), nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// GetOrder queries an order by symbol and ID.
func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return common.OrderResult{}, err
	}
	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return common.OrderResult{}, fmt.Errorf("decode order: %w", err)
	}
	return resp.toResult(), nil
}

// GetAccountInfo returns futures account balances and positions.
func (c *Client) GetAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info FuturesAccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

// GetPositions returns the position risk view; symbol optional.
func (c *Client) GetPositions(ctx context.Context, symbol string) ([]PositionRisk, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var pos []PositionRisk
	if err := json.Unmarshal(body, &pos); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return pos, nil
}

// GetExchangeInfo returns trading rules for all symbols.
func (c *Client) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	var info ExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	return &info, nil
}

// GetSymbolFilters returns the lot-size filter of one symbol.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	info, err := c.GetExchangeInfo(ctx)
	if err != nil {
		return SymbolFilters{}, err
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		out := SymbolFilters{Symbol: s.Symbol, QuantityPrecision: s.QuantityPrecision}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				out.StepSize = f.StepSize
				out.MinQty = f.MinQty
			case "PRICE_FILTER":
				out.TickSize = f.TickSize
			}
		}
		return out, nil
	}
	return SymbolFilters{}, fmt.Errorf("binance usdt futures: symbol %s not found in exchange info", symbol)
}

// GetMarkPrice returns the current mark price of a symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doPublic(ctx, "/fapi/v1/premiumIndex", params)
	if err != nil {
		return 0, err
	}
	var out struct {
		Symbol    string `json:"symbol"`
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	return strconv.ParseFloat(out.MarkPrice, 64)
}

// GetServerTime fetches futures server time.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// doSigned adds timestamp, recvWindow and the HMAC signature, then sends the request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, fmt.Errorf("binance usdt futures: %w", common.ErrMissingCredentials)
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.NowMillis(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	payload := params.Encode()
	payload += "&signature=" + common.SignHex(payload, c.cfg.APISecret)
	return c.do(ctx, method, path, payload, true)
}

// doKeyed sends a request carrying only the API key header (listen key endpoints).
func (c *Client) doKeyed(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" {
		return nil, fmt.Errorf("binance usdt futures: %w", common.ErrMissingCredentials)
	}
	return c.do(ctx, method, path, params.Encode(), true)
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, params.Encode(), false)
}

// do sends an already encoded query/body; signed payloads keep the signature last.
func (c *Client) do(ctx context.Context, method, path, encoded string, withKey bool) ([]byte, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete, http.MethodPut:
		if encoded != "" {
			endpoint += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, endpoint, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	if withKey {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance usdt futures %s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	c.rateLimiter.UpdateFromHeader(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("binance usdt futures read %s: %w", path, err)
	}
	if res.StatusCode >= 300 {
		apiErr := &common.ExchangeAPIError{
			Exchange:   exchangeName,
			Endpoint:   method + " " + path,
			HTTPStatus: res.StatusCode,
			Body:       string(body),
		}
		var envelope struct {
			Code int `json:"code"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Code != 0 {
			apiErr.Code = strconv.Itoa(envelope.Code)
		}
		return nil, apiErr
	}
	return body, nil
}
