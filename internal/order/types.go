// Package order turns strategy decisions into exchange orders: outcome
// classification, margin-based sizing, per-direction cooldown and the
// profit/add counters kept per (user, symbol, side).
package order

import "quant-core/internal/model"

// Outcome is the result of one pipeline execution. Outcomes are values, not
// errors; callers log and count them.
type Outcome string

const (
	SkipNoUser        Outcome = "SKIP_NO_USER"
	SkipHold          Outcome = "SKIP_HOLD"
	SkipInvalidSignal Outcome = "SKIP_INVALID_SIGNAL"
	SkipNoMargin      Outcome = "SKIP_NO_MARGIN"
	SkipCooldown      Outcome = "SKIP_COOLDOWN"
	SkipNoPosition    Outcome = "SKIP_NO_POSITION"
	SkipRiskRejected  Outcome = "SKIP_RISK_REJECTED"
	SkipNoData        Outcome = "SKIP_NO_DATA"

	OrderSuccess     Outcome = "ORDER_SUCCESS"
	OrderFailed      Outcome = "ORDER_FAILED"
	DualOrderSuccess Outcome = "DUAL_ORDER_SUCCESS"
	DualOrderPartial Outcome = "DUAL_ORDER_PARTIAL"
)

// Skipped reports outcomes where nothing was submitted.
func (o Outcome) Skipped() bool {
	switch o {
	case OrderSuccess, OrderFailed, DualOrderSuccess, DualOrderPartial:
		return false
	default:
		return true
	}
}

// Result carries the outcome plus whatever orders were accepted. Err explains
// ORDER_FAILED, DUAL_ORDER_PARTIAL and SKIP_NO_DATA.
type Result struct {
	Outcome Outcome
	Orders  []model.Order
	Err     error
}

func skip(o Outcome) Result {
	return Result{Outcome: o}
}

func failed(err error) Result {
	return Result{Outcome: OrderFailed, Err: err}
}
