// Package gatewaytest provides an in-memory gateway.Adapter for tests.
package gatewaytest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"quant-core/internal/events"
	"quant-core/internal/gateway/feed"
	"quant-core/internal/model"
)

// ErrInjected is a canned failure for error paths.
var ErrInjected = errors.New("injected failure")

// Adapter is a scripted exchange. Zero-valued hooks fall back to echoing the
// configured state.
type Adapter struct {
	Kind model.ExchangeType

	// PlaceFn, when set, decides the outcome of each order.
	PlaceFn func(o model.Order) (model.Order, error)

	mu          sync.Mutex
	account     model.AccountSnapshot
	positions   []model.Position
	marks       map[string]float64
	accountErr  error
	positionErr error
	markErr     error
	orders      []model.Order
	creds       model.Credentials
	nextID      int
	closed      bool
	accountCall int
	posCall     int

	bus    *events.Bus
	pushes *feed.Hub[model.AccountSnapshot]
	ticks  *feed.Hub[model.Tick]
}

// New returns a Binance-flavoured fake.
func New() *Adapter {
	return &Adapter{
		Kind:   model.ExchangeBinance,
		marks:  make(map[string]float64),
		bus:    events.NewBus(),
		pushes: feed.NewHub[model.AccountSnapshot](),
		ticks:  feed.NewHub[model.Tick](),
	}
}

func (a *Adapter) SetAccount(s model.AccountSnapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.account = s
}

func (a *Adapter) SetPositions(p ...model.Position) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.positions = p
}

func (a *Adapter) SetMark(symbol string, price float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.marks[symbol] = price
}

// FailAccount, FailPositions and FailMarks make the matching reads return err (nil clears).
func (a *Adapter) FailAccount(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accountErr = err
}

func (a *Adapter) FailPositions(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.positionErr = err
}

func (a *Adapter) FailMarks(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markErr = err
}

// Push delivers s to account subscribers.
func (a *Adapter) Push(s model.AccountSnapshot) int {
	return a.pushes.Publish(s)
}

// Orders returns every order submitted so far.
func (a *Adapter) Orders() []model.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.Order(nil), a.orders...)
}

// Calls returns how many account and position reads were served.
func (a *Adapter) Calls() (account, positions int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accountCall, a.posCall
}

func (a *Adapter) Credentials() model.Credentials {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds
}

func (a *Adapter) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Adapter) Exchange() model.ExchangeType { return a.Kind }

func (a *Adapter) Initialize(_ context.Context, creds model.Credentials) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.creds = creds
	return nil
}

func (a *Adapter) GetAccountInfo(_ context.Context, userID string) (model.AccountSnapshot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.accountCall++
	if a.accountErr != nil {
		return model.AccountSnapshot{}, a.accountErr
	}
	s := a.account.Clone()
	s.UserID = userID
	s.Exchange = a.Kind
	return s, nil
}

func (a *Adapter) GetPositions(context.Context, string) ([]model.Position, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.posCall++
	if a.positionErr != nil {
		return nil, a.positionErr
	}
	return append([]model.Position(nil), a.positions...), nil
}

func (a *Adapter) PlaceOrder(_ context.Context, o model.Order) (model.Order, error) {
	o.Side, o.PositionSide = model.ResolveDirection(o.PositionSide, o.Intent)
	a.mu.Lock()
	place := a.PlaceFn
	a.nextID++
	id := a.nextID
	a.mu.Unlock()

	var err error
	if place != nil {
		o, err = place(o)
	} else {
		o.ID = strconv.Itoa(id)
		o.Status = "FILLED"
	}
	a.mu.Lock()
	a.orders = append(a.orders, o)
	a.mu.Unlock()
	return o, err
}

func (a *Adapter) CancelOrder(context.Context, string, string) error { return nil }

func (a *Adapter) GetOrder(_ context.Context, _ string, orderID string) (model.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, o := range a.orders {
		if o.ID == orderID {
			return o, nil
		}
	}
	return model.Order{}, fmt.Errorf("order %s not found", orderID)
}

func (a *Adapter) SubscribeAccountUpdates(ctx context.Context, _ string) (<-chan model.AccountSnapshot, error) {
	return a.pushes.Subscribe(ctx, 16, nil), nil
}

func (a *Adapter) SubscribeMarketData(ctx context.Context, symbol string) (<-chan model.Tick, error) {
	return a.ticks.Subscribe(ctx, 16, func(t model.Tick) bool { return t.Symbol == symbol }), nil
}

func (a *Adapter) MarkPrice(_ context.Context, symbol string) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.markErr != nil {
		return 0, a.markErr
	}
	p, ok := a.marks[symbol]
	if !ok {
		return 0, fmt.Errorf("no mark for %s", symbol)
	}
	return p, nil
}

func (a *Adapter) Events() *events.Bus { return a.bus }

func (a *Adapter) TestConnection(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.accountErr
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()
	a.pushes.Close()
	a.ticks.Close()
	a.bus.Close()
	return nil
}
