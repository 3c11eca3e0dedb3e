package okx

import (
	"encoding/json"
	"strconv"
)

type envelope struct {
	Code string          `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// AccountBalance is one entry of /api/v5/account/balance.
type AccountBalance struct {
	TotalEq string          `json:"totalEq"`
	UTime   string          `json:"uTime"`
	Details []BalanceDetail `json:"details"`
}

// BalanceDetail is the per-currency part of a balance.
type BalanceDetail struct {
	Ccy       string `json:"ccy"`
	Eq        string `json:"eq"`
	CashBal   string `json:"cashBal"`
	AvailBal  string `json:"availBal"`
	AvailEq   string `json:"availEq"`
	FrozenBal string `json:"frozenBal"`
	Upl       string `json:"upl"`
}

// Detail returns the named currency entry.
func (b AccountBalance) Detail(ccy string) (BalanceDetail, bool) {
	for _, d := range b.Details {
		if d.Ccy == ccy {
			return d, true
		}
	}
	return BalanceDetail{}, false
}

// Position is one entry of /api/v5/account/positions and of the positions
// channel. Pos is in contracts.
type Position struct {
	InstID   string `json:"instId"`
	InstType string `json:"instType"`
	MgnMode  string `json:"mgnMode"`
	PosSide  string `json:"posSide"`
	Pos      string `json:"pos"`
	AvailPos string `json:"availPos"`
	AvgPx    string `json:"avgPx"`
	MarkPx   string `json:"markPx"`
	Upl      string `json:"upl"`
	UplRatio string `json:"uplRatio"`
	Lever    string `json:"lever"`
	Margin   string `json:"margin"` // isolated only
	Imr      string `json:"imr"`    // cross only
	UTime    string `json:"uTime"`
}

// PlaceOrderRequest is the body of POST /api/v5/trade/order.
type PlaceOrderRequest struct {
	InstID     string `json:"instId"`
	TdMode     string `json:"tdMode"`
	Side       string `json:"side"`
	PosSide    string `json:"posSide,omitempty"`
	OrdType    string `json:"ordType"`
	Sz         string `json:"sz"`
	Px         string `json:"px,omitempty"`
	ClOrdID    string `json:"clOrdId,omitempty"`
	ReduceOnly bool   `json:"reduceOnly,omitempty"`
}

// OrderAck is the per-order result of order endpoints.
type OrderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

// OrderDetail is one entry of GET /api/v5/trade/order and of the orders channel.
type OrderDetail struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	Side      string `json:"side"`
	PosSide   string `json:"posSide"`
	OrdType   string `json:"ordType"`
	Sz        string `json:"sz"`
	Px        string `json:"px"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	State     string `json:"state"`
	Pnl       string `json:"pnl"`
	UTime     string `json:"uTime"`
}

// Instrument carries the contract metadata used for sizing.
type Instrument struct {
	InstID string `json:"instId"`
	LotSz  string `json:"lotSz"`
	MinSz  string `json:"minSz"`
	CtVal  string `json:"ctVal"`
	TickSz string `json:"tickSz"`
	State  string `json:"state"`
}

// ContractValue returns the base-currency size of one contract (1 when unknown).
func (i Instrument) ContractValue() float64 {
	v, err := strconv.ParseFloat(i.CtVal, 64)
	if err != nil || v <= 0 {
		return 1
	}
	return v
}

// LoginArgs is the single argument of the WebSocket login op.
type LoginArgs struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

// ParseFloat parses a numeric string field, returning 0 for empty or invalid input.
func ParseFloat(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
