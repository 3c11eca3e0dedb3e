// Package gateway defines the exchange-agnostic adapter contract, the
// registry that builds adapters and the per-user adapter pool.
package gateway

import (
	"context"
	"errors"

	"quant-core/internal/events"
	"quant-core/internal/model"
	"quant-core/pkg/exchanges/common"
)

var (
	ErrUnsupportedExchange = errors.New("unsupported exchange")
	ErrMissingCredentials  = common.ErrMissingCredentials
)

// Adapter is one user's view of one exchange. Instances are never shared
// between users.
type Adapter interface {
	Exchange() model.ExchangeType
	Initialize(ctx context.Context, creds model.Credentials) error

	GetAccountInfo(ctx context.Context, userID string) (model.AccountSnapshot, error)
	GetPositions(ctx context.Context, userID string) ([]model.Position, error)

	// PlaceOrder resolves direction from PositionSide and Intent, truncates
	// the quantity to the symbol's lot step and submits.
	PlaceOrder(ctx context.Context, order model.Order) (model.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (model.Order, error)

	// SubscribeAccountUpdates starts the private stream on first use. The
	// channel closes when ctx ends or the adapter closes.
	SubscribeAccountUpdates(ctx context.Context, userID string) (<-chan model.AccountSnapshot, error)
	SubscribeMarketData(ctx context.Context, symbol string) (<-chan model.Tick, error)

	// MarkPrice reads the streamed table and falls back to REST.
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	Events() *events.Bus

	TestConnection(ctx context.Context) error
	Close() error
}
