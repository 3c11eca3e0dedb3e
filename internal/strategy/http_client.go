package strategy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	executePath = "/api/strategy/execute"
	healthPath  = "/health"
)

// HTTPClient calls the strategy service over JSON/HTTP.
type HTTPClient struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
}

// NewHTTPClient creates a client for baseURL. timeout bounds each call.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
	}
}

func (c *HTTPClient) Execute(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode strategy request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+executePath, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("strategy %s: %w", req.StrategyName, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, fmt.Errorf("read strategy response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("strategy %s: status %d: %s", req.StrategyName, res.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("decode strategy response: %w", err)
	}
	out.Signal = ParseSignal(string(out.Signal))
	return out, nil
}

// Health expects {"status":"ok"} from GET /health.
func (c *HTTPClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("strategy health: %w", err)
	}
	defer res.Body.Close()

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return fmt.Errorf("strategy health: %w", err)
	}
	if !strings.EqualFold(body.Status, "ok") {
		return fmt.Errorf("strategy health: status %q", body.Status)
	}
	return nil
}

func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
