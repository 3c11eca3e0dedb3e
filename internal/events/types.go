package events

// Event enumerates broadcast topics inside the trading core.
type Event string

const (
	// Classified stream updates; payloads are the model.*Update types.
	EventMarkPrice      Event = "stream.mark_price"
	EventBalanceUpdate  Event = "stream.balance"
	EventPositionUpdate Event = "stream.position"
	EventOrderUpdate    Event = "stream.order"

	// Account snapshots pushed by an exchange stream (model.AccountSnapshot).
	EventAccountPush Event = "account.push"
	// Reconciled snapshots published by the sync engine (model.AccountSnapshot).
	EventAccountSnapshot Event = "account.snapshot"

	// Orders placed by the trading pipeline (OrderPlaced) and strategy
	// closes (PositionClosed).
	EventOrderPlaced    Event = "order.placed"
	EventPositionClosed Event = "order.position_closed"

	// Stream session state transitions (StateChange).
	EventStreamState Event = "stream.state"
)

// StateChange reports a stream session transition.
type StateChange struct {
	Session string
	From    string
	To      string
}
