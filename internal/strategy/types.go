// Package strategy talks to the external strategy service and schedules
// decision ticks for configured strategy runs.
package strategy

import (
	"context"
	"strings"
)

// Signal is the action requested by a strategy.
type Signal string

const (
	Buy      Signal = "BUY"
	Sell     Signal = "SELL"
	Hold     Signal = "HOLD"
	DualOpen Signal = "DUAL_OPEN"
)

// ParseSignal upper-cases s; anything unrecognized is returned as-is.
func ParseSignal(s string) Signal {
	return Signal(strings.ToUpper(strings.TrimSpace(s)))
}

// Metadata keys read by the order pipeline.
const (
	MetaMargin          = "margin"
	MetaStrategy        = "strategy"
	MetaAddPositionType = "addPositionType"

	AddTypeRebalance  = "REBALANCE"
	DualDirectionName = "DualDirectionStrategy"
)

// Client asks the strategy service for a decision.
type Client interface {
	Execute(ctx context.Context, req Request) (Response, error)
	Health(ctx context.Context) error
	Close() error
}

// Request is sent once per tick.
type Request struct {
	StrategyName   string          `json:"strategyName"`
	Symbol         string          `json:"symbol"`
	MarketData     MarketData      `json:"marketData"`
	StrategyParams map[string]any  `json:"strategyParams"`
	Position       PositionSummary `json:"position"`
	Account        AccountSummary  `json:"account"`
}

// MarketData carries the price the decision is made against.
type MarketData struct {
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"` // unix ms
}

// PositionSummary flattens both sides of one symbol. ProfitPct is relative
// to margin and already reflects leverage.
type PositionSummary struct {
	LongQuantity     float64 `json:"longQuantity"`
	ShortQuantity    float64 `json:"shortQuantity"`
	LongOpenRate     float64 `json:"longOpenRate"`
	ShortOpenRate    float64 `json:"shortOpenRate"`
	LongProfitPct    float64 `json:"longProfitPct"`
	ShortProfitPct   float64 `json:"shortProfitPct"`
	LongLeverage     float64 `json:"longLeverage"`
	ShortLeverage    float64 `json:"shortLeverage"`
	LongProfitCount  int64   `json:"longProfitCount"`
	ShortProfitCount int64   `json:"shortProfitCount"`
	LongAddCount     int64   `json:"longAddCount"`
	ShortAddCount    int64   `json:"shortAddCount"`
	Quantity         float64 `json:"quantity"`
	AvgPrice         float64 `json:"avgPrice"`
}

// AccountSummary is the balance part of the request.
type AccountSummary struct {
	Balance   float64 `json:"balance"`
	Available float64 `json:"available"`
	Equity    float64 `json:"equity"`
}

// Response is the strategy decision. PositionRatio >= 1 on BUY/SELL means
// close the opposite side entirely.
type Response struct {
	Signal        Signal         `json:"signal"`
	PositionRatio float64        `json:"position"`
	TargetPrice   *float64       `json:"targetPrice,omitempty"`
	StopLoss      *float64       `json:"stopLoss,omitempty"`
	TakeProfit    *float64       `json:"takeProfit,omitempty"`
	Confidence    float64        `json:"confidence"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// HoldResponse is used whenever the strategy service cannot be reached.
func HoldResponse(reason string) Response {
	return Response{Signal: Hold, Error: reason}
}

// IsClose reports a full-close request.
func (r Response) IsClose() bool {
	return r.PositionRatio >= 1
}

// Margin returns metadata.margin when it is numeric.
func (r Response) Margin() (float64, bool) {
	switch v := r.Metadata[MetaMargin].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// StrategyName returns metadata.strategy, if any.
func (r Response) StrategyName() string {
	s, _ := r.Metadata[MetaStrategy].(string)
	return s
}

// IsRebalance reports metadata.addPositionType == REBALANCE.
func (r Response) IsRebalance() bool {
	s, _ := r.Metadata[MetaAddPositionType].(string)
	return s == AddTypeRebalance
}
