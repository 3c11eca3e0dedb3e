// Package okx adapts OKX USDT-margined swaps to the gateway contract.
package okx

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
	"github.com/shopspring/decimal"

	"quant-core/internal/events"
	"quant-core/internal/gateway/feed"
	"quant-core/internal/model"
	"quant-core/internal/stream"
	"quant-core/pkg/cache"
	"quant-core/pkg/exchanges/common"
	okxapi "quant-core/pkg/exchanges/okx"
	"quant-core/pkg/logger"
)

const (
	publicStream      = "wss://ws.okx.com:8443/ws/v5/public"
	privateStream     = "wss://ws.okx.com:8443/ws/v5/private"
	demoPublicStream  = "wss://wspap.okx.com:8443/ws/v5/public"
	demoPrivateStream = "wss://wspap.okx.com:8443/ws/v5/private"

	markMaxAge = 10 * time.Second
	tdMode     = "cross"
)

// Options configure an adapter. Zero values select production defaults.
type Options struct {
	ProxyURL       string
	Dialer         stream.Dialer
	ReconnectDelay time.Duration
	// IdleTimeout must stay below the 30s after which OKX drops silent connections.
	IdleTimeout time.Duration

	RESTBaseURL      string
	PublicStreamURL  string
	PrivateStreamURL string
	HTTPClient       *http.Client
}

// Adapter is one user's OKX swap connection. Quantities on the model side are
// in base currency; OKX sizes are in contracts of ctVal each.
type Adapter struct {
	opts   Options
	client *okxapi.Client

	marks       *cache.MarkPriceTable
	instruments *cache.ShardedMap[okxapi.Instrument]
	lots        *feed.LotCache
	bus         *events.Bus
	ticks       *feed.Hub[model.Tick]
	pushes      *feed.Hub[model.AccountSnapshot]

	ctx       context.Context
	cancel    context.CancelFunc
	sessionID string

	mu      sync.Mutex
	userID  string
	market  *stream.Session
	private *stream.Session
	tracked map[string]bool
	book    *feed.Book
	closed  bool
}

// New returns an uninitialized adapter.
func New(opts Options) *Adapter {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 25 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		opts:        opts,
		marks:       cache.NewMarkPriceTable(),
		instruments: cache.NewShardedMap[okxapi.Instrument](),
		bus:         events.NewBus(),
		ticks:       feed.NewHub[model.Tick](),
		pushes:      feed.NewHub[model.AccountSnapshot](),
		ctx:         ctx,
		cancel:      cancel,
		sessionID:   uuid.NewString()[:8],
		tracked:     make(map[string]bool),
		book:        feed.NewBook(),
	}
	a.lots = feed.NewLotCache(a.lookupLotStep)
	return a
}

func (a *Adapter) Exchange() model.ExchangeType { return model.ExchangeOKX }

// Initialize binds the adapter to creds. Testnet selects OKX demo trading.
func (a *Adapter) Initialize(_ context.Context, creds model.Credentials) error {
	if creds.APIKey == "" || creds.Secret == "" || creds.Passphrase == "" {
		return fmt.Errorf("okx: %w", common.ErrMissingCredentials)
	}
	client, err := okxapi.NewClient(okxapi.Config{
		APIKey:     creds.APIKey,
		Secret:     creds.Secret,
		Passphrase: creds.Passphrase,
		Simulated:  creds.Testnet,
		BaseURL:    a.opts.RESTBaseURL,
		ProxyURL:   a.opts.ProxyURL,
		HTTPClient: a.opts.HTTPClient,
	})
	if err != nil {
		return err
	}
	if a.opts.PublicStreamURL == "" {
		a.opts.PublicStreamURL = publicStream
		if creds.Testnet {
			a.opts.PublicStreamURL = demoPublicStream
		}
	}
	if a.opts.PrivateStreamURL == "" {
		a.opts.PrivateStreamURL = privateStream
		if creds.Testnet {
			a.opts.PrivateStreamURL = demoPrivateStream
		}
	}
	a.client = client
	return nil
}

// GetAccountInfo returns the USDT cash balance with open swap positions.
func (a *Adapter) GetAccountInfo(ctx context.Context, userID string) (model.AccountSnapshot, error) {
	balances, err := a.client.GetBalance(ctx)
	if err != nil {
		return model.AccountSnapshot{}, err
	}
	positions, err := a.GetPositions(ctx, userID)
	if err != nil {
		return model.AccountSnapshot{}, err
	}
	var total, available float64
	if len(balances) > 0 {
		if usdt, ok := balances[0].Detail("USDT"); ok {
			total = okxapi.ParseFloat(usdt.CashBal)
			available = okxapi.ParseFloat(usdt.AvailBal)
		}
	}
	snap := model.AccountSnapshot{
		UserID:           userID,
		Exchange:         model.ExchangeOKX,
		TotalBalance:     total,
		AvailableBalance: available,
		FrozenBalance:    model.FrozenFrom(total, available),
		Positions:        positions,
		Timestamp:        time.Now(),
	}
	snap.Recompute()
	return snap, nil
}

// GetPositions returns every non-empty swap position with quantities in base
// currency. It fails when a contract value is unknown, since the contract
// count alone cannot be sized.
func (a *Adapter) GetPositions(ctx context.Context, _ string) ([]model.Position, error) {
	raw, err := a.client.GetPositions(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(raw))
	for _, r := range raw {
		p, ok, err := a.convertPosition(ctx, r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (a *Adapter) convertPosition(ctx context.Context, r okxapi.Position) (model.Position, bool, error) {
	contracts := okxapi.ParseFloat(r.Pos)
	if contracts == 0 {
		return model.Position{}, false, nil
	}
	side, ok := model.ParsePositionSide(r.PosSide)
	if !ok {
		// net mode: the sign carries the direction.
		side = model.Long
		if contracts < 0 {
			side = model.Short
		}
	}
	lev := okxapi.ParseFloat(r.Lever)
	if lev < 1 {
		lev = 1
	}
	ctVal, err := a.contractValue(ctx, r.InstID)
	if err != nil {
		return model.Position{}, false, err
	}
	qty := fromContracts(math.Abs(contracts), ctVal)
	p := model.Position{
		Symbol:            r.InstID,
		Side:              side,
		Quantity:          qty,
		AvailableQuantity: qty,
		AvgPrice:          okxapi.ParseFloat(r.AvgPx),
		UnrealizedPnl:     okxapi.ParseFloat(r.Upl),
		Leverage:          lev,
	}
	if avail := okxapi.ParseFloat(r.AvailPos); r.AvailPos != "" {
		p.AvailableQuantity = fromContracts(math.Abs(avail), ctVal)
	}
	switch {
	case okxapi.ParseFloat(r.Margin) > 0:
		p.Margin = okxapi.ParseFloat(r.Margin)
	case okxapi.ParseFloat(r.Imr) > 0:
		p.Margin = okxapi.ParseFloat(r.Imr)
	}
	p.Margin = p.MarginOrDerived()

	mark := okxapi.ParseFloat(r.MarkPx)
	if mark > 0 {
		a.marks.Set(r.InstID, mark)
	} else if cached, ok := a.marks.Get(r.InstID); ok {
		mark = cached
	}
	if mark > 0 {
		return p.Correct(mark), true, nil
	}
	p.PnlPct = model.PnlPercent(p.UnrealizedPnl, p.Margin, p.AvgPrice*qty)
	return p, true, nil
}

// PlaceOrder converts the base quantity to contracts and submits a hedge-mode
// order. reduceOnly is never sent.
func (a *Adapter) PlaceOrder(ctx context.Context, o model.Order) (model.Order, error) {
	o.Symbol = model.NormalizeSymbol(model.ExchangeOKX, o.Symbol)
	side, posSide := model.ResolveDirection(o.PositionSide, o.Intent)
	o.Side, o.PositionSide = side, posSide
	if o.Type == "" {
		o.Type = model.Market
	}

	ctVal, err := a.contractValue(ctx, o.Symbol)
	if err != nil {
		return o, err
	}
	step := a.lots.Get(ctx, o.Symbol)
	contracts := common.TruncateQuantity(toContracts(o.Quantity, ctVal), step)
	if contracts <= 0 {
		return o, fmt.Errorf("okx: quantity %v of %s is below one lot (ctVal %v, lotSz %s)", o.Quantity, o.Symbol, ctVal, step)
	}
	o.Quantity = fromContracts(contracts, ctVal)
	if o.ClientID == "" {
		o.ClientID = newClientOrderID()
	}

	req := okxapi.PlaceOrderRequest{
		InstID:  o.Symbol,
		TdMode:  tdMode,
		Side:    strings.ToLower(string(side)),
		PosSide: strings.ToLower(string(posSide)),
		OrdType: strings.ToLower(string(o.Type)),
		Sz:      common.FormatQuantity(contracts, step),
		ClOrdID: o.ClientID,
	}
	if o.Type == model.Limit {
		req.Px = common.FormatFloat(o.Price)
	}
	ack, err := a.client.PlaceOrder(ctx, req)
	if err != nil {
		o.Status = string(common.StatusRejected)
		return o, err
	}
	o.ID = ack.OrdID
	o.Status = string(common.StatusNew)
	o.Timestamp = time.Now()

	// The ack carries no fill; a market order is normally filled by the time it is read back.
	if detail, err := a.client.GetOrder(ctx, o.Symbol, o.ID); err != nil {
		logger.Warnf("okx: read back order %s: %v", o.ID, err)
	} else {
		o.Status = orderStatus(detail.State)
		if px := okxapi.ParseFloat(detail.AvgPx); px > 0 {
			o.Price = px
		}
	}
	return o, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return a.client.CancelOrder(ctx, model.NormalizeSymbol(model.ExchangeOKX, symbol), orderID)
}

func (a *Adapter) GetOrder(ctx context.Context, symbol, orderID string) (model.Order, error) {
	instID := model.NormalizeSymbol(model.ExchangeOKX, symbol)
	d, err := a.client.GetOrder(ctx, instID, orderID)
	if err != nil {
		return model.Order{}, err
	}
	u, err := a.convertOrder(ctx, d)
	if err != nil {
		return model.Order{}, err
	}
	return u.Order, nil
}

func (a *Adapter) convertOrder(ctx context.Context, d okxapi.OrderDetail) (model.OrderUpdate, error) {
	ctVal, err := a.contractValue(ctx, d.InstID)
	if err != nil {
		return model.OrderUpdate{}, err
	}
	side := model.Side(strings.ToUpper(d.Side))
	posSide, ok := model.ParsePositionSide(d.PosSide)
	if !ok {
		posSide = model.SideForOpen(side)
	}
	intent := model.IntentClose
	if model.SideForOpen(side) == posSide {
		intent = model.IntentOpen
	}
	ts := time.Now()
	if ms := int64(okxapi.ParseFloat(d.UTime)); ms > 0 {
		ts = time.UnixMilli(ms)
	}
	avg := okxapi.ParseFloat(d.AvgPx)
	price := avg
	if price == 0 {
		price = okxapi.ParseFloat(d.Px)
	}
	return model.OrderUpdate{
		Order: model.Order{
			ID:           d.OrdID,
			ClientID:     d.ClOrdID,
			Symbol:       d.InstID,
			Side:         side,
			PositionSide: posSide,
			Intent:       intent,
			Type:         model.OrderType(strings.ToUpper(d.OrdType)),
			Quantity:     fromContracts(okxapi.ParseFloat(d.Sz), ctVal),
			Price:        price,
			Status:       orderStatus(d.State),
			Timestamp:    ts,
		},
		ExecutedQty: fromContracts(okxapi.ParseFloat(d.AccFillSz), ctVal),
		AvgPrice:    avg,
		RealizedPnl: okxapi.ParseFloat(d.Pnl),
	}, nil
}

// orderStatus maps OKX order states onto the Binance-style names used elsewhere.
func orderStatus(state string) string {
	switch state {
	case "live":
		return string(common.StatusNew)
	case "partially_filled":
		return string(common.StatusPartial)
	case "filled":
		return string(common.StatusFilled)
	case "canceled", "mmp_canceled":
		return string(common.StatusCanceled)
	default:
		return strings.ToUpper(state)
	}
}

// SubscribeAccountUpdates starts the private stream for userID on first use.
func (a *Adapter) SubscribeAccountUpdates(ctx context.Context, userID string) (<-chan model.AccountSnapshot, error) {
	if err := a.ensurePrivateStream(ctx, userID); err != nil {
		return nil, err
	}
	return a.pushes.Subscribe(ctx, 16, nil), nil
}

// SubscribeMarketData streams mark prices of symbol.
func (a *Adapter) SubscribeMarketData(ctx context.Context, symbol string) (<-chan model.Tick, error) {
	instID := model.NormalizeSymbol(model.ExchangeOKX, symbol)
	if err := a.trackMark(instID); err != nil {
		return nil, err
	}
	return a.ticks.Subscribe(ctx, 64, func(t model.Tick) bool { return t.Symbol == instID }), nil
}

// MarkPrice returns the streamed mark, refreshing over REST when missing or old.
func (a *Adapter) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	instID := model.NormalizeSymbol(model.ExchangeOKX, symbol)
	if price, age, ok := a.marks.GetWithAge(instID); ok && age <= markMaxAge {
		return price, nil
	}
	if err := a.trackMark(instID); err != nil {
		logger.Warnf("okx: mark price stream unavailable: %v", err)
	}
	price, err := a.client.GetMarkPrice(ctx, instID)
	if err != nil {
		if cached, ok := a.marks.Get(instID); ok {
			logger.Warnf("okx: mark price refresh for %s failed, using cached: %v", instID, err)
			return cached, nil
		}
		return 0, err
	}
	a.marks.Set(instID, price)
	return price, nil
}

func (a *Adapter) Events() *events.Bus { return a.bus }

// TestConnection performs a signed balance read.
func (a *Adapter) TestConnection(ctx context.Context) error {
	_, err := a.client.GetBalance(ctx)
	return err
}

// Close stops both streams.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	sessions := []*stream.Session{a.market, a.private}
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

// instrument returns cached contract metadata, fetching it on first use.
func (a *Adapter) instrument(ctx context.Context, instID string) (okxapi.Instrument, error) {
	if inst, ok := a.instruments.Get(instID); ok {
		return inst, nil
	}
	inst, err := a.client.GetInstrument(ctx, instID)
	if err != nil {
		return okxapi.Instrument{}, err
	}
	a.instruments.Set(instID, inst)
	return inst, nil
}

// contractValue resolves ctVal of instID. There is no fallback: a guessed
// value would scale every quantity derived from it.
func (a *Adapter) contractValue(ctx context.Context, instID string) (float64, error) {
	inst, err := a.instrument(ctx, instID)
	if err != nil {
		return 0, fmt.Errorf("okx: contract value of %s: %w", instID, err)
	}
	return inst.ContractValue(), nil
}

func (a *Adapter) lookupLotStep(ctx context.Context, instID string) (common.LotStep, error) {
	inst, err := a.instrument(ctx, instID)
	if err != nil {
		return common.LotStep{}, err
	}
	return common.ParseLotStep(inst.LotSz), nil
}

// toContracts divides in decimal so 0.03/0.01 yields 3, not 2.999...
func toContracts(qty, ctVal float64) float64 {
	v, _ := decimal.NewFromFloat(qty).Div(decimal.NewFromFloat(ctVal)).Float64()
	return v
}

func fromContracts(contracts, ctVal float64) float64 {
	v, _ := decimal.NewFromFloat(contracts).Mul(decimal.NewFromFloat(ctVal)).Float64()
	return v
}

func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
