// Package model holds the exchange-agnostic account, position and order types.
package model

import (
	"math"
	"time"
)

// ExchangeType identifies a supported venue.
type ExchangeType string

const (
	ExchangeBinance ExchangeType = "BINANCE"
	ExchangeOKX     ExchangeType = "OKX"
)

// Credentials are held in memory by exactly one adapter.
type Credentials struct {
	Exchange   ExchangeType
	APIKey     string
	Secret     string
	Passphrase string
	Testnet    bool
}

// PositionSide is the direction of a position.
type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
)

// Opposite returns the other side.
func (s PositionSide) Opposite() PositionSide {
	if s == Long {
		return Short
	}
	return Long
}

// Side is the exchange-native order side.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Intent says whether an order grows or shrinks a position.
type Intent string

const (
	IntentOpen  Intent = "OPEN"
	IntentClose Intent = "CLOSE"
)

// OrderType is MARKET or LIMIT.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// Position is one side of one symbol. Quantity is absolute and never zero in a snapshot.
type Position struct {
	Symbol            string       `json:"symbol"`
	Side              PositionSide `json:"side"`
	Quantity          float64      `json:"quantity"`
	AvailableQuantity float64      `json:"availableQuantity"`
	AvgPrice          float64      `json:"avgPrice"`
	MarkPrice         float64      `json:"markPrice"`
	UnrealizedPnl     float64      `json:"unrealizedPnl"`
	PnlPct            float64      `json:"pnlPct"`
	Leverage          float64      `json:"leverage"`
	Margin            float64      `json:"margin"`
}

// MarginOrDerived returns the reported margin, or entry notional / leverage when it is unknown.
func (p Position) MarginOrDerived() float64 {
	if p.Margin > 0 {
		return p.Margin
	}
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return p.AvgPrice * math.Abs(p.Quantity) / lev
}

// Correct recomputes unrealized PnL and PnL% against mark. A non-positive mark leaves p unchanged.
func (p Position) Correct(mark float64) Position {
	if mark <= 0 || p.Quantity == 0 {
		return p
	}
	p.MarkPrice = mark
	if p.Side == Short {
		p.UnrealizedPnl = (p.AvgPrice - mark) * p.Quantity
	} else {
		p.UnrealizedPnl = (mark - p.AvgPrice) * p.Quantity
	}
	p.PnlPct = PnlPercent(p.UnrealizedPnl, p.Margin, p.AvgPrice*p.Quantity)
	return p
}

// PnlPercent is upnl relative to margin, falling back to notional when margin is unknown.
func PnlPercent(upnl, margin, notional float64) float64 {
	switch {
	case margin > 0:
		return upnl / margin * 100
	case notional > 0:
		return upnl / notional * 100
	default:
		return 0
	}
}

// AccountSnapshot is the reconciled view of one user's account.
type AccountSnapshot struct {
	UserID           string         `json:"userId"`
	Exchange         ExchangeType   `json:"exchange"`
	TotalBalance     float64        `json:"totalBalance"`
	AvailableBalance float64        `json:"availableBalance"`
	FrozenBalance    float64        `json:"frozenBalance"`
	Equity           float64        `json:"equity"`
	UnrealizedPnl    float64        `json:"unrealizedPnl"`
	Positions        []Position     `json:"positions"`
	Timestamp        time.Time      `json:"timestamp"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Recompute drops empty positions and restores equity = totalBalance + sum(upnl).
func (s *AccountSnapshot) Recompute() {
	kept := s.Positions[:0:0]
	var upnl float64
	for _, p := range s.Positions {
		if p.Quantity == 0 {
			continue
		}
		kept = append(kept, p)
		upnl += p.UnrealizedPnl
	}
	s.Positions = kept
	s.UnrealizedPnl = upnl
	s.Equity = s.TotalBalance + upnl
}

// Clone returns a copy that shares no slices or maps with s.
func (s AccountSnapshot) Clone() AccountSnapshot {
	out := s
	out.Positions = append([]Position(nil), s.Positions...)
	if s.Metadata != nil {
		out.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Position returns the position of symbol on side, if any.
func (s AccountSnapshot) Position(symbol string, side PositionSide) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol && p.Side == side {
			return p, true
		}
	}
	return Position{}, false
}

// FrozenFrom returns wallet - available clamped at zero.
func FrozenFrom(wallet, available float64) float64 {
	if f := wallet - available; f > 0 {
		return f
	}
	return 0
}

// Order is an exchange-agnostic order. ID stays empty until submission succeeds.
type Order struct {
	ID           string       `json:"id,omitempty"`
	ClientID     string       `json:"clientId,omitempty"`
	Symbol       string       `json:"symbol"`
	Side         Side         `json:"side,omitempty"`
	PositionSide PositionSide `json:"positionSide"`
	Intent       Intent       `json:"intent"`
	Type         OrderType    `json:"type"`
	Quantity     float64      `json:"quantity"`
	Price        float64      `json:"price,omitempty"`
	Status       string       `json:"status,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}

// Tick is a streamed mark price.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
