// Package binance adapts Binance USDT-M futures to the gateway contract.
package binance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"quant-core/internal/events"
	"quant-core/internal/gateway/feed"
	"quant-core/internal/model"
	"quant-core/internal/stream"
	"quant-core/pkg/cache"
	"quant-core/pkg/exchanges/binance/futures_usdt"
	"quant-core/pkg/exchanges/common"
	"quant-core/pkg/logger"
)

const (
	mainnetStream = "wss://fstream.binance.com"
	testnetStream = "wss://stream.binancefuture.com"

	// Marks older than this are refreshed over REST.
	markMaxAge = 10 * time.Second
)

// Options configure an adapter. Zero values select production defaults.
type Options struct {
	ProxyURL       string
	Dialer         stream.Dialer
	ReconnectDelay time.Duration
	ListenKeyRenew time.Duration
	IdleTimeout    time.Duration

	RESTBaseURL   string
	StreamBaseURL string
	HTTPClient    *http.Client
}

// Adapter is one user's Binance USDT-M futures connection.
type Adapter struct {
	opts   Options
	client *futures_usdt.Client

	marks     *cache.MarkPriceTable
	lots      *feed.LotCache
	bus       *events.Bus
	ticks     *feed.Hub[model.Tick]
	pushes    *feed.Hub[model.AccountSnapshot]

	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string

	mu        sync.Mutex
	userID    string
	market    *stream.Session
	user      *stream.Session
	listenKey string
	book      *feed.Book
	closed    bool
}

// New returns an uninitialized adapter.
func New(opts Options) *Adapter {
	if opts.ListenKeyRenew <= 0 {
		opts.ListenKeyRenew = 30 * time.Minute
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 3 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		opts:      opts,
		marks:     cache.NewMarkPriceTable(),
		bus:       events.NewBus(),
		ticks:     feed.NewHub[model.Tick](),
		pushes:    feed.NewHub[model.AccountSnapshot](),
		ctx:       ctx,
		cancel:    cancel,
		sessionID: uuid.NewString()[:8],
		book:      feed.NewBook(),
	}
	a.lots = feed.NewLotCache(a.lookupLotStep)
	return a
}

func (a *Adapter) Exchange() model.ExchangeType { return model.ExchangeBinance }

// Initialize binds the adapter to creds and aligns the request clock.
func (a *Adapter) Initialize(ctx context.Context, creds model.Credentials) error {
	if creds.APIKey == "" || creds.Secret == "" {
		return fmt.Errorf("binance: %w", common.ErrMissingCredentials)
	}
	client, err := futures_usdt.NewClient(futures_usdt.Config{
		APIKey:     creds.APIKey,
		APISecret:  creds.Secret,
		Testnet:    creds.Testnet,
		BaseURL:    a.opts.RESTBaseURL,
		ProxyURL:   a.opts.ProxyURL,
		HTTPClient: a.opts.HTTPClient,
	})
	if err != nil {
		return err
	}
	if a.opts.StreamBaseURL == "" {
		a.opts.StreamBaseURL = mainnetStream
		if creds.Testnet {
			a.opts.StreamBaseURL = testnetStream
		}
	}
	a.client = client
	if err := client.SyncTime(ctx); err != nil {
		logger.Warnf("binance: time sync failed, using local clock: %v", err)
	}
	return nil
}

// GetAccountInfo returns the USDT wallet with the account endpoint's positions.
func (a *Adapter) GetAccountInfo(ctx context.Context, userID string) (model.AccountSnapshot, error) {
	info, err := a.client.GetAccountInfo(ctx)
	if err != nil {
		return model.AccountSnapshot{}, err
	}
	total := futures_usdt.ParseFloat(info.TotalWalletBalance)
	available := futures_usdt.ParseFloat(info.AvailableBalance)
	if usdt, ok := info.Asset("USDT"); ok {
		total = futures_usdt.ParseFloat(usdt.WalletBalance)
		available = futures_usdt.ParseFloat(usdt.AvailableBalance)
	}
	snap := model.AccountSnapshot{
		UserID:           userID,
		Exchange:         model.ExchangeBinance,
		TotalBalance:     total,
		AvailableBalance: available,
		FrozenBalance:    model.FrozenFrom(total, available),
		Positions:        a.convertPositions(info.Positions),
		Timestamp:        time.Now(),
	}
	snap.Recompute()
	return snap, nil
}

// GetPositions returns every non-empty position.
func (a *Adapter) GetPositions(ctx context.Context, _ string) ([]model.Position, error) {
	raw, err := a.client.GetPositions(ctx, "")
	if err != nil {
		return nil, err
	}
	return a.convertPositions(raw), nil
}

func (a *Adapter) convertPositions(raw []futures_usdt.PositionRisk) []model.Position {
	out := make([]model.Position, 0, len(raw))
	for _, r := range raw {
		p, ok := convertPosition(r)
		if !ok {
			continue
		}
		if p.MarkPrice <= 0 {
			if mark, ok := a.marks.Get(p.Symbol); ok {
				p = p.Correct(mark)
			}
		} else {
			a.marks.Set(p.Symbol, p.MarkPrice)
		}
		out = append(out, p)
	}
	return out
}

func convertPosition(r futures_usdt.PositionRisk) (model.Position, bool) {
	amt := futures_usdt.ParseFloat(r.PositionAmt)
	if amt == 0 {
		return model.Position{}, false
	}
	side, ok := model.ParsePositionSide(r.PositionSide)
	if !ok {
		// One-way mode reports BOTH; the sign carries the direction.
		side = model.Long
		if amt < 0 {
			side = model.Short
		}
	}
	lev := futures_usdt.ParseFloat(r.Leverage)
	if lev < 1 {
		lev = 1
	}
	qty := math.Abs(amt)
	p := model.Position{
		Symbol:            r.Symbol,
		Side:              side,
		Quantity:          qty,
		AvailableQuantity: qty,
		AvgPrice:          futures_usdt.ParseFloat(r.EntryPrice),
		UnrealizedPnl:     futures_usdt.ParseFloat(r.UnRealizedProfit),
		Leverage:          lev,
	}
	switch {
	case futures_usdt.ParseFloat(r.IsolatedMargin) > 0:
		p.Margin = futures_usdt.ParseFloat(r.IsolatedMargin)
	case futures_usdt.ParseFloat(r.InitialMargin) > 0:
		p.Margin = futures_usdt.ParseFloat(r.InitialMargin)
	}
	p.Margin = p.MarginOrDerived()

	if mark := futures_usdt.ParseFloat(r.MarkPrice); mark > 0 {
		return p.Correct(mark), true
	}
	p.PnlPct = model.PnlPercent(p.UnrealizedPnl, p.Margin, p.AvgPrice*qty)
	return p, true
}

// PlaceOrder submits a hedge-mode order. reduceOnly is never sent.
func (a *Adapter) PlaceOrder(ctx context.Context, o model.Order) (model.Order, error) {
	o.Symbol = model.NormalizeSymbol(model.ExchangeBinance, o.Symbol)
	side, posSide := model.ResolveDirection(o.PositionSide, o.Intent)
	o.Side, o.PositionSide = side, posSide
	if o.Type == "" {
		o.Type = model.Market
	}

	step := a.lots.Get(ctx, o.Symbol)
	qty := common.TruncateQuantity(o.Quantity, step)
	if qty <= 0 {
		return o, fmt.Errorf("binance: quantity %v of %s is below lot step %s", o.Quantity, o.Symbol, step)
	}
	o.Quantity = qty
	if o.ClientID == "" {
		o.ClientID = newClientOrderID()
	}

	req := common.OrderRequest{
		Symbol:       o.Symbol,
		Side:         common.Side(side),
		Type:         common.OrderType(o.Type),
		Quantity:     common.FormatQuantity(qty, step),
		ClientID:     o.ClientID,
		PositionSide: common.PositionSide(posSide),
	}
	if o.Type == model.Limit {
		req.Price = o.Price
	}
	res, err := a.client.SubmitOrder(ctx, req)
	if err != nil {
		o.Status = string(common.StatusRejected)
		return o, err
	}
	o.ID = res.ExchangeOrderID
	o.Status = string(res.Status)
	if res.AvgPrice > 0 {
		o.Price = res.AvgPrice
	}
	o.Timestamp = time.Now()
	if res.UpdateTime > 0 {
		o.Timestamp = time.UnixMilli(res.UpdateTime)
	}
	return o, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return a.client.CancelOrder(ctx, model.NormalizeSymbol(model.ExchangeBinance, symbol), orderID)
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (model.Order, error) {
	symbol = model.NormalizeSymbol(model.ExchangeBinance, symbol)
	res, err := a.client.GetOrder(ctx, symbol, orderID)
	if err != nil {
		return model.Order{}, err
	}
	return model.Order{
		ID:        res.ExchangeOrderID,
		ClientID:  res.ClientID,
		Symbol:    symbol,
		Quantity:  res.ExecutedQty,
		Price:     res.AvgPrice,
		Status:    string(res.Status),
		Type:      model.Market,
		Timestamp: time.UnixMilli(res.UpdateTime),
	}, nil
}

// SubscribeAccountUpdates starts the user-data stream for userID on first use.
func (a *Adapter) SubscribeAccountUpdates(ctx context.Context, userID string) (<-chan model.AccountSnapshot, error) {
	if err := a.ensureUserStream(ctx, userID); err != nil {
		return nil, err
	}
	return a.pushes.Subscribe(ctx, 16, nil), nil
}

// SubscribeMarketData streams mark prices of symbol.
func (a *Adapter) SubscribeMarketData(ctx context.Context, symbol string) (<-chan model.Tick, error) {
	if err := a.ensureMarketStream(); err != nil {
		return nil, err
	}
	symbol = model.NormalizeSymbol(model.ExchangeBinance, symbol)
	return a.ticks.Subscribe(ctx, 64, func(t model.Tick) bool { return t.Symbol == symbol }), nil
}

// MarkPrice returns the streamed mark, refreshing over REST when missing or old.
func (a *Adapter) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	symbol = model.NormalizeSymbol(model.ExchangeBinance, symbol)
	if price, age, ok := a.marks.GetWithAge(symbol); ok && age <= markMaxAge {
		return price, nil
	}
	if err := a.ensureMarketStream(); err != nil {
		logger.Warnf("binance: mark price stream unavailable: %v", err)
	}
	price, err := a.client.GetMarkPrice(ctx, symbol)
	if err != nil {
		if cached, ok := a.marks.Get(symbol); ok {
			logger.Warnf("binance: mark price refresh for %s failed, using cached: %v", symbol, err)
			return cached, nil
		}
		return 0, err
	}
	a.marks.Set(symbol, price)
	return price, nil
}

func (a *Adapter) Events() *events.Bus { return a.bus }

// TestConnection performs a signed account read.
func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.client.GetAccountInfo(ctx)
	return err
}

// Close stops both streams; the user stream releases its listen key.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sessions := []*stream.Session{a.market, a.user}
	a.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	a.cancel()
	a.ticks.Close()
	a.pushes.Close()
	a.bus.Close()
	return errors.Join(errs...)
}

func (a *Adapter) lookupLotStep(ctx context.Context, symbol string) (common.LotStep, error) {
	f, err := a.client.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return common.LotStep{}, err
	}
	return f.Step(), nil
}

func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
