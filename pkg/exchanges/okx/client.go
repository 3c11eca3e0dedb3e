// Package okx implements the OKX v5 REST calls used for USDT-margined swaps.
package okx

import (
	"bytes"
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

const (
	exchangeName = "okx"

	// TimestampLayout is the ISO-8601 millisecond format OKX expects in OK-ACCESS-TIMESTAMP.
	TimestampLayout = "2006-01-02T15:04:05.000Z"

	wsVerifyPath = "/users/self/verify"
)

// Config holds OKX credentials.
type Config struct {
	APIKey     string
	Secret     string
	Passphrase string
	Simulated  bool // demo trading

	BaseURL    string
	ProxyURL   string
	HTTPClient *http.Client
}

// Client handles OKX REST calls.
type Client struct {
	cfg         Config
	baseURL     string
	httpClient  *http.Client
	rateLimiter *common.RateLimiter
	now         func() time.Time
}

// NewClient creates a new OKX client.
func NewClient(cfg Config) (*Client, error) {
	base := "https://www.okx.com"
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		var err error
		httpClient, err = common.NewHTTPClient(cfg.ProxyURL, 10*time.Second)
		if err != nil {
			return nil, err
		}
	}
	return &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: httpClient,
		// OKX limits are per endpoint (20 req/2s for most private calls); weight headers are not published.
		rateLimiter: common.NewRateLimiter(1, time.Second, 10, 10),
		now:         time.Now,
	}, nil
}

// GetBalance returns the trading account balance.
func (c *Client) GetBalance(ctx context.Context) ([]AccountBalance, error) {
	data, err := c.doSigned(ctx, http.MethodGet, "/api/v5/account/balance", nil, nil)
	if err != nil {
		return nil, err
	}
	var out []AccountBalance
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	return out, nil
}

// GetPositions returns open SWAP positions.
func (c *Client) GetPositions(ctx context.Context, instID string) ([]Position, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	if instID != "" {
		q.Set("instId", instID)
	}
	data, err := c.doSigned(ctx, http.MethodGet, "/api/v5/account/positions", q, nil)
	if err != nil {
		return nil, err
	}
	var out []Position
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return out, nil
}

// PlaceOrder submits an order. A rejected order surfaces its sCode as ExchangeAPIError.Code.
func (c *Client) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (OrderAck, error) {
	data, err := c.doSigned(ctx, http.MethodPost, "/api/v5/trade/order", nil, req)
	if err != nil {
		return OrderAck{}, err
	}
	return firstAck(data, "/api/v5/trade/order")
}

// CancelOrder cancels an order by instrument and order id.
func (c *Client) CancelOrder(ctx context.Context, instID, ordID string) error {
	body := map[string]string{"instId": instID, "ordId": ordID}
	data, err := c.doSigned(ctx, http.MethodPost, "/api/v5/trade/cancel-order", nil, body)
	if err != nil {
		return err
	}
	_, err = firstAck(data, "/api/v5/trade/cancel-order")
	return err
}

// GetOrder returns order details.
func (c *Client) GetOrder(ctx context.Context, instID, ordID string) (OrderDetail, error) {
	q := url.Values{}
	q.Set("instId", instID)
	q.Set("ordId", ordID)
	data, err := c.doSigned(ctx, http.MethodGet, "/api/v5/trade/order", q, nil)
	if err != nil {
		return OrderDetail{}, err
	}
	var out []OrderDetail
	if err := json.Unmarshal(data, &out); err != nil {
		return OrderDetail{}, fmt.Errorf("decode order: %w", err)
	}
	if len(out) == 0 {
		return OrderDetail{}, fmt.Errorf("okx: order %s not found", ordID)
	}
	return out[0], nil
}

// GetInstrument returns contract metadata (lot size, contract value).
func (c *Client) GetInstrument(ctx context.Context, instID string) (Instrument, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", instID)
	data, err := c.doPublic(ctx, "/api/v5/public/instruments", q)
	if err != nil {
		return Instrument{}, err
	}
	var out []Instrument
	if err := json.Unmarshal(data, &out); err != nil {
		return Instrument{}, fmt.Errorf("decode instruments: %w", err)
	}
	if len(out) == 0 {
		return Instrument{}, fmt.Errorf("okx: instrument %s not found", instID)
	}
	return out[0], nil
}

// GetMarkPrice returns the current mark price of a SWAP instrument.
func (c *Client) GetMarkPrice(ctx context.Context, instID string) (float64, error) {
	q := url.Values{}
	q.Set("instType", "SWAP")
	q.Set("instId", instID)
	data, err := c.doPublic(ctx, "/api/v5/public/mark-price", q)
	if err != nil {
		return 0, err
	}
	var out []struct {
		InstID string `json:"instId"`
		MarkPx string `json:"markPx"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("okx: no mark price for %s", instID)
	}
	return strconv.ParseFloat(out[0].MarkPx, 64)
}

// WSLoginArgs builds the argument of the private WebSocket login frame.
func (c *Client) WSLoginArgs(now time.Time) LoginArgs {
	ts := strconv.FormatInt(now.Unix(), 10)
	return LoginArgs{
		APIKey:     c.cfg.APIKey,
		Passphrase: c.cfg.Passphrase,
		Timestamp:  ts,
		Sign:       common.SignBase64(ts+http.MethodGet+wsVerifyPath, c.cfg.Secret),
	}
}

// Simulated reports whether the client targets demo trading.
func (c *Client) Simulated() bool {
	return c.cfg.Simulated
}

// doSigned signs timestamp+method+requestPath(+query)+body and unwraps the {code,msg,data} envelope.
func (c *Client) doSigned(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	if c.cfg.APIKey == "" || c.cfg.Secret == "" || c.cfg.Passphrase == "" {
		return nil, fmt.Errorf("okx: %w", common.ErrMissingCredentials)
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("okx encode body: %w", err)
		}
	}
	requestPath := path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}

	ts := c.now().UTC().Format(TimestampLayout)
	headers := http.Header{}
	headers.Set("OK-ACCESS-KEY", c.cfg.APIKey)
	headers.Set("OK-ACCESS-SIGN", common.SignBase64(ts+method+requestPath+string(bodyBytes), c.cfg.Secret))
	headers.Set("OK-ACCESS-TIMESTAMP", ts)
	headers.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
	return c.do(ctx, method, requestPath, bodyBytes, headers)
}

func (c *Client) doPublic(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, http.Header{})
}

func (c *Client) do(ctx context.Context, method, requestPath string, body []byte, headers http.Header) (json.RawMessage, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("okx %s %s: %w", method, requestPath, err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("okx read %s: %w", requestPath, err)
	}
	endpoint := method + " " + stripQuery(requestPath)
	if res.StatusCode >= 300 {
		return nil, &common.ExchangeAPIError{Exchange: exchangeName, Endpoint: endpoint, HTTPStatus: res.StatusCode, Body: string(raw)}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("okx decode envelope: %w", err)
	}
	if env.Code != "0" {
		return nil, &common.ExchangeAPIError{Exchange: exchangeName, Endpoint: endpoint, HTTPStatus: res.StatusCode, Code: env.Code, Body: string(raw)}
	}
	return env.Data, nil
}

func firstAck(data json.RawMessage, path string) (OrderAck, error) {
	var acks []OrderAck
	if err := json.Unmarshal(data, &acks); err != nil {
		return OrderAck{}, fmt.Errorf("decode order ack: %w", err)
	}
	if len(acks) == 0 {
		return OrderAck{}, fmt.Errorf("okx %s: empty ack", path)
	}
	ack := acks[0]
	if ack.SCode != "" && ack.SCode != "0" {
		return ack, &common.ExchangeAPIError{
			Exchange:   exchangeName,
			Endpoint:   http.MethodPost + " " + path,
			HTTPStatus: http.StatusOK,
			Code:       ack.SCode,
			Body:       ack.SMsg,
		}
	}
	return ack, nil
}

func stripQuery(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		return p[:i]
	}
	return p
}
