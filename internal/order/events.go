package order

import (
	"math"
	"time"

	"quant-core/internal/events"
	"quant-core/internal/model"
)

// OrderPlaced is published on events.EventOrderPlaced.
type OrderPlaced struct {
	UserID   string
	Exchange model.ExchangeType
	Order    model.Order
	Margin   float64
	Leverage float64
	Time     time.Time
}

// PositionClosed is published on events.EventPositionClosed.
type PositionClosed struct {
	UserID      string
	Symbol      string
	Side        model.PositionSide
	Quantity    float64
	ClosePrice  float64
	RealizedPnl float64
	OrderID     string
	Time        time.Time
}

func emitOrderPlaced(bus *events.Bus, ev OrderPlaced) {
	if bus == nil {
		return
	}
	bus.Publish(events.EventOrderPlaced, ev)
}

func emitPositionClosed(bus *events.Bus, ev PositionClosed) {
	if bus == nil {
		return
	}
	bus.Publish(events.EventPositionClosed, ev)
}

// RealizedPnl is the gross PnL of closing qty of a side opened at entry at exit.
func RealizedPnl(side model.PositionSide, qty, entry, exit float64) float64 {
	q := math.Abs(qty)
	if q == 0 || entry <= 0 || exit <= 0 {
		return 0
	}
	if side == model.Short {
		return (entry - exit) * q
	}
	return (exit - entry) * q
}

// SizeFromMargin returns margin*leverage/price, or 0 when any input is not positive.
func SizeFromMargin(margin, leverage, price float64) float64 {
	if margin <= 0 || leverage <= 0 || price <= 0 {
		return 0
	}
	return margin * leverage / price
}
