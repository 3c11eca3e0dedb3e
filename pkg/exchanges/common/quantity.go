package common

import (
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultQuantityPrecision is used when a symbol's lot size cannot be resolved.
const DefaultQuantityPrecision int32 = 8

// LotStep is a symbol's quantity increment. The zero value behaves as
// DefaultLotStep.
type LotStep struct {
	step decimal.Decimal
}

// ParseLotStep reads an exchange step such as "0.001", "0.5" or "5".
// Unparsable or non-positive steps yield DefaultLotStep.
func ParseLotStep(s string) LotStep {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || !d.IsPositive() {
		return DefaultLotStep()
	}
	return LotStep{step: d}
}

// StepFromPrecision is the step of a decimal-places count: 3 -> 0.001.
func StepFromPrecision(precision int32) LotStep {
	if precision < 0 {
		precision = 0
	}
	return LotStep{step: decimal.New(1, -precision)}
}

// DefaultLotStep allows DefaultQuantityPrecision decimals.
func DefaultLotStep() LotStep {
	return StepFromPrecision(DefaultQuantityPrecision)
}

func (l LotStep) value() decimal.Decimal {
	if !l.step.IsPositive() {
		return decimal.New(1, -DefaultQuantityPrecision)
	}
	return l.step
}

func (l LotStep) String() string {
	return l.value().String()
}

// TruncateQuantity floors qty to a whole multiple of step, never rounding up.
func TruncateQuantity(qty float64, step LotStep) float64 {
	f, _ := truncate(qty, step).Float64()
	return f
}

// FormatQuantity renders the truncated quantity for the wire.
func FormatQuantity(qty float64, step LotStep) string {
	return truncate(qty, step).String()
}

// Mod is exact in decimal, so 0.03 on a 0.01 step stays 0.03.
func truncate(qty float64, step LotStep) decimal.Decimal {
	d := decimal.NewFromFloat(qty)
	return d.Sub(d.Mod(step.value()))
}

// FormatFloat renders prices without exponent notation.
func FormatFloat(v float64) string {
	return decimal.NewFromFloat(v).String()
}
