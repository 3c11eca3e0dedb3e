package model

import "time"

// BalanceUpdate is a streamed wallet change of one asset.
type BalanceUpdate struct {
	Asset         string    `json:"asset"`
	WalletBalance float64   `json:"walletBalance"`
	Available     float64   `json:"available"`
	Timestamp     time.Time `json:"timestamp"`
}

// PositionUpdate is a streamed position change. Quantity 0 means the side was closed.
type PositionUpdate struct {
	Position  Position  `json:"position"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderUpdate is a streamed order/execution report.
type OrderUpdate struct {
	Order       Order   `json:"order"`
	ExecutedQty float64 `json:"executedQty"`
	AvgPrice    float64 `json:"avgPrice"`
	RealizedPnl float64 `json:"realizedPnl"`
}
