package futures_usdt

import (
	"strconv"

	"quant-core/pkg/exchanges/common"
)

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r orderResp) toResult() common.OrderResult {
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(r.OrderID, 10),
		ClientID:        r.ClientOrderID,
		Status:          MapStatus(r.Status),
		ExecutedQty:     ParseFloat(r.ExecutedQty),
		AvgPrice:        ParseFloat(r.AvgPrice),
		UpdateTime:      r.UpdateTime,
	}
}

// FuturesAccountInfo is the /fapi/v2/account payload.
type FuturesAccountInfo struct {
	CanTrade              bool           `json:"canTrade"`
	UpdateTime            int64          `json:"updateTime"`
	TotalWalletBalance    string         `json:"totalWalletBalance"`
	TotalUnrealizedProfit string         `json:"totalUnrealizedProfit"`
	TotalMarginBalance    string         `json:"totalMarginBalance"`
	AvailableBalance      string         `json:"availableBalance"`
	Assets                []AccountAsset `json:"assets"`
	Positions             []PositionRisk `json:"positions"`
}

// AccountAsset is one margin asset of the futures wallet.
type AccountAsset struct {
	Asset            string `json:"asset"`
	WalletBalance    string `json:"walletBalance"`
	UnrealizedProfit string `json:"unrealizedProfit"`
	MarginBalance    string `json:"marginBalance"`
	AvailableBalance string `json:"availableBalance"`
}

// Asset returns the named asset entry.
func (a *FuturesAccountInfo) Asset(name string) (AccountAsset, bool) {
	for _, as := range a.Assets {
		if as.Asset == name {
			return as, true
		}
	}
	return AccountAsset{}, false
}

// PositionRisk is one entry of /fapi/v2/positionRisk, also used for the
// positions array of /fapi/v2/account.
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
	IsolatedMargin   string `json:"isolatedMargin"`
	InitialMargin    string `json:"initialMargin"` // account endpoint only
	MarginType       string `json:"marginType"`
	Notional         string `json:"notional"`
	UpdateTime       int64  `json:"updateTime"`
}

// ExchangeInfo is the subset of /fapi/v1/exchangeInfo the adapter reads.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one contract.
type SymbolInfo struct {
	Symbol            string         `json:"symbol"`
	Status            string         `json:"status"`
	QuantityPrecision int            `json:"quantityPrecision"`
	Filters           []SymbolFilter `json:"filters"`
}

// SymbolFilter is a raw exchange filter entry.
type SymbolFilter struct {
	FilterType string `json:"filterType"`
	StepSize   string `json:"stepSize"`
	MinQty     string `json:"minQty"`
	TickSize   string `json:"tickSize"`
}

// SymbolFilters is the resolved lot/price filter set of one symbol.
type SymbolFilters struct {
	Symbol            string
	StepSize          string
	MinQty            string
	TickSize          string
	QuantityPrecision int
}

// Step returns the quantity increment, preferring LOT_SIZE over quantityPrecision.
func (f SymbolFilters) Step() common.LotStep {
	if f.StepSize != "" {
		return common.ParseLotStep(f.StepSize)
	}
	return common.StepFromPrecision(int32(f.QuantityPrecision))
}

// MapStatus normalizes a Binance order status.
func MapStatus(s string) common.OrderStatus {
	switch s {
	case "NEW":
		return common.StatusNew
	case "PARTIALLY_FILLED":
		return common.StatusPartial
	case "FILLED":
		return common.StatusFilled
	case "CANCELED":
		return common.StatusCanceled
	case "REJECTED":
		return common.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return common.StatusExpired
	default:
		return common.StatusUnknown
	}
}

// ParseFloat parses exchange decimal strings, treating blanks as zero.
func ParseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}
