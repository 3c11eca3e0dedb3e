package binance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"quant-core/internal/events"
	"quant-core/internal/gateway/feed"
	"quant-core/internal/model"
	"quant-core/internal/monitor"
	"quant-core/internal/stream"
	"quant-core/pkg/exchanges/common"
	"quant-core/pkg/logger"
)

const (
	markStream = "!markPrice@arr@1s"

	errListenKeyMissing = "-1125"
	subscribeAckFrames  = 5
	subscribeAckTimeout = 10 * time.Second
)

var errAdapterClosed = errors.New("binance: adapter closed")

func (a *Adapter) sessionName(kind string) string {
	return "binance-" + kind + ":" + a.sessionID
}

func (a *Adapter) baseConfig(name string) stream.Config {
	return stream.Config{
		Name:           name,
		Dialer:         a.dialer(),
		ReconnectDelay: a.opts.ReconnectDelay,
		IdleTimeout:    a.opts.IdleTimeout,
		Ping:           func(l *stream.Link) error { return l.Ping() },
		OnStateChange: func(from, to stream.State) {
			a.bus.Publish(events.EventStreamState, events.StateChange{Session: name, From: from.String(), To: to.String()})
		},
	}
}

func (a *Adapter) dialer() stream.Dialer {
	if a.opts.Dialer != nil {
		return a.opts.Dialer
	}
	return stream.GorillaDialer{Proxy: a.opts.ProxyURL}
}

// ensureMarketStream starts the all-symbol mark price session once.
func (a *Adapter) ensureMarketStream() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errAdapterClosed
	}
	if a.market != nil {
		return nil
	}
	cfg := a.baseConfig(a.sessionName("mark"))
	cfg.Modes = []stream.Mode{
		{
			Name: "combined",
			URL:  a.streamURL("/stream"),
			Handshake: func(ctx context.Context, l *stream.Link) error {
				return subscribe(ctx, l, []string{markStream}, 1)
			},
		},
		{Name: "raw", URL: a.streamURL("/ws/" + markStream)},
	}
	cfg.OnMessage = a.handleMarkFrame
	s, err := stream.New(cfg)
	if err != nil {
		return err
	}
	a.market = s
	s.Start(a.ctx)
	return nil
}

// ensureUserStream binds the adapter to userID and starts the user-data session once.
func (a *Adapter) ensureUserStream(ctx context.Context, userID string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errAdapterClosed
	}
	if a.user != nil {
		bound := a.userID
		a.mu.Unlock()
		if bound != userID {
			return fmt.Errorf("binance: adapter is bound to user %s", bound)
		}
		return nil
	}
	a.userID = userID

	cfg := a.baseConfig(a.sessionName("user"))
	cfg.Modes = []stream.Mode{
		{
			Name: "combined",
			URL:  a.streamURL("/stream"),
			Handshake: func(ctx context.Context, l *stream.Link) error {
				key, err := a.leaseListenKey(ctx)
				if err != nil {
					return err
				}
				return subscribe(ctx, l, []string{key}, 1)
			},
		},
		{
			Name: "listen-key",
			URL: func(ctx context.Context) (string, error) {
				key, err := a.leaseListenKey(ctx)
				if err != nil {
					return "", err
				}
				return a.opts.StreamBaseURL + "/ws/" + key, nil
			},
		},
	}
	cfg.Renew = stream.Renew{Interval: a.opts.ListenKeyRenew, Fn: a.renewListenKey}
	cfg.Release = a.releaseListenKey
	cfg.OnMessage = a.handleUserFrame
	s, err := stream.New(cfg)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.user = s
	a.mu.Unlock()

	if snap, err := a.GetAccountInfo(ctx, userID); err != nil {
		logger.Warnf("binance: seeding stream account for %s failed: %v", userID, err)
	} else {
		a.mu.Lock()
		a.book.Seed(snap)
		a.mu.Unlock()
	}
	s.Start(a.ctx)
	return nil
}

func (a *Adapter) streamURL(path string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		return a.opts.StreamBaseURL + path, nil
	}
}

// leaseListenKey returns the current listen key, creating one if needed. A
// rejected request is a handshake failure; network errors are retried.
func (a *Adapter) leaseListenKey(ctx context.Context) (string, error) {
	a.mu.Lock()
	key := a.listenKey
	a.mu.Unlock()
	if key != "" {
		return key, nil
	}
	key, err := a.client.CreateListenKey(ctx)
	if err != nil {
		if apiErr, ok := common.AsExchangeAPIError(err); ok && apiErr.HTTPStatus >= 400 && apiErr.HTTPStatus < 500 {
			return "", fmt.Errorf("%w: %v", stream.ErrHandshake, err)
		}
		return "", err
	}
	a.mu.Lock()
	a.listenKey = key
	a.mu.Unlock()
	return key, nil
}

func (a *Adapter) dropListenKey() {
	a.mu.Lock()
	a.listenKey = ""
	a.mu.Unlock()
}

func (a *Adapter) renewListenKey(ctx context.Context) error {
	a.mu.Lock()
	key, user := a.listenKey, a.user
	a.mu.Unlock()
	if key == "" {
		return nil
	}
	err := a.client.KeepAliveListenKey(ctx, key)
	if apiErr, ok := common.AsExchangeAPIError(err); ok && apiErr.Code == errListenKeyMissing {
		a.dropListenKey()
		user.Reconnect()
	}
	return err
}

func (a *Adapter) releaseListenKey(ctx context.Context) {
	a.mu.Lock()
	key := a.listenKey
	a.listenKey = ""
	a.mu.Unlock()
	if key == "" {
		return
	}
	if err := a.client.DeleteListenKey(ctx, key); err != nil {
		logger.Warnf("binance: release listen key: %v", err)
	}
}

// subscribe sends a SUBSCRIBE request and waits for its ack.
func subscribe(_ context.Context, l *stream.Link, streams []string, id int) error {
	req := map[string]any{"method": "SUBSCRIBE", "params": streams, "id": id}
	if err := l.WriteJSON(req); err != nil {
		return err
	}
	for i := 0; i < subscribeAckFrames; i++ {
		frame, err := l.Read(subscribeAckTimeout)
		if err != nil {
			return err
		}
		var ack struct {
			ID    *int            `json:"id"`
			Error *struct {
				Code int    `json:"code"`
				Msg  string `json:"msg"`
			} `json:"error"`
		}
		if err := json.Unmarshal(frame, &ack); err != nil || ack.ID == nil || *ack.ID != id {
			continue
		}
		if ack.Error != nil {
			return fmt.Errorf("%w: subscribe code %d: %s", stream.ErrHandshake, ack.Error.Code, ack.Error.Msg)
		}
		return nil
	}
	return fmt.Errorf("%w: no subscribe ack", stream.ErrHandshake)
}

func (a *Adapter) handleMarkFrame(frame []byte) error {
	payload := bytes.TrimSpace(unwrapCombined(frame))
	var items []fields
	if len(payload) > 0 && payload[0] == '[' {
		if err := json.Unmarshal(payload, &items); err != nil {
			return fmt.Errorf("decode mark prices: %w", err)
		}
	} else {
		f, err := decodeFields(payload)
		if err != nil {
			return fmt.Errorf("decode mark frame: %w", err)
		}
		items = []fields{f}
	}

	n := 0
	for _, f := range items {
		if f.String("e") != "markPriceUpdate" {
			continue
		}
		tick := model.Tick{Symbol: f.String("s"), Price: f.Float("p"), Timestamp: time.UnixMilli(f.Int("E"))}
		if tick.Symbol == "" || tick.Price <= 0 {
			continue
		}
		a.marks.Set(tick.Symbol, tick.Price)
		a.ticks.Publish(tick)
		a.bus.Publish(events.EventMarkPrice, tick)
		n++
	}
	if n > 0 {
		monitor.MarkPriceUpdate(string(model.ExchangeBinance), n)
	}
	return nil
}

func (a *Adapter) handleUserFrame(frame []byte) error {
	payload := unwrapCombined(frame)
	f, err := decodeFields(payload)
	if err != nil {
		return fmt.Errorf("decode user frame: %w", err)
	}
	switch ev := f.String("e"); ev {
	case "ACCOUNT_UPDATE":
		return a.onAccountUpdate(f)
	case "ORDER_TRADE_UPDATE":
		return a.onOrderTradeUpdate(f)
	case "listenKeyExpired":
		logger.Warnf("binance: listen key expired, reconnecting")
		a.dropListenKey()
		a.mu.Lock()
		user := a.user
		a.mu.Unlock()
		if user != nil {
			user.Reconnect()
		}
		return nil
	case "":
		return nil
	default:
		logger.Debugf("binance: unhandled user event %s", ev)
		return nil
	}
}

func (a *Adapter) onAccountUpdate(f fields) error {
	inner, err := f.Object("a")
	if err != nil {
		return fmt.Errorf("account update: %w", err)
	}
	balances, err := inner.Array("B")
	if err != nil {
		return err
	}
	positions, err := inner.Array("P")
	if err != nil {
		return err
	}
	ts := time.UnixMilli(f.Int("E"))

	var (
		balanceUpdates  []model.BalanceUpdate
		positionUpdates []model.PositionUpdate
	)
	a.mu.Lock()
	for _, b := range balances {
		if b.String("a") != "USDT" {
			continue
		}
		balanceUpdates = append(balanceUpdates, applyWallet(a.book, b.Float("wb"), ts))
	}
	for _, p := range positions {
		symbol := p.String("s")
		amt := p.Float("pa")
		side, ok := model.ParsePositionSide(p.String("ps"))
		if !ok {
			if amt == 0 {
				a.book.ClearSymbol(symbol)
				positionUpdates = append(positionUpdates,
					model.PositionUpdate{Position: model.Position{Symbol: symbol, Side: model.Long}, Timestamp: ts},
					model.PositionUpdate{Position: model.Position{Symbol: symbol, Side: model.Short}, Timestamp: ts})
				continue
			}
			side = model.Long
			if amt < 0 {
				side = model.Short
			}
		}
		pos := model.Position{
			Symbol:            symbol,
			Side:              side,
			Quantity:          math.Abs(amt),
			AvailableQuantity: math.Abs(amt),
			AvgPrice:          p.Float("ep"),
			UnrealizedPnl:     p.Float("up"),
			Leverage:          a.book.Leverage(symbol, side),
			Margin:            p.Float("iw"),
		}
		if pos.Quantity > 0 {
			pos.Margin = pos.MarginOrDerived()
			if mark, ok := a.marks.Get(symbol); ok {
				pos = pos.Correct(mark)
			} else {
				pos.PnlPct = model.PnlPercent(pos.UnrealizedPnl, pos.Margin, pos.AvgPrice*pos.Quantity)
			}
		}
		a.book.Apply(pos)
		positionUpdates = append(positionUpdates, model.PositionUpdate{Position: pos, Timestamp: ts})
	}
	a.book.Touch(ts)
	snap := a.book.Snapshot(a.userID, model.ExchangeBinance)
	a.mu.Unlock()

	for _, u := range balanceUpdates {
		a.bus.Publish(events.EventBalanceUpdate, u)
	}
	for _, u := range positionUpdates {
		a.bus.Publish(events.EventPositionUpdate, u)
	}
	a.bus.Publish(events.EventAccountPush, snap)
	a.pushes.Publish(snap)
	return nil
}

// applyWallet sets the wallet balance. The stream does not carry the available
// balance, so it moves by the same delta.
func applyWallet(b *feed.Book, wallet float64, ts time.Time) model.BalanceUpdate {
	available := wallet
	if b.Seeded() {
		w, av := b.Balance()
		available = math.Max(av+wallet-w, 0)
	}
	b.SetBalance(wallet, available, ts)
	return model.BalanceUpdate{Asset: "USDT", WalletBalance: wallet, Available: available, Timestamp: ts}
}

func (a *Adapter) onOrderTradeUpdate(f fields) error {
	o, err := f.Object("o")
	if err != nil {
		return fmt.Errorf("order update: %w", err)
	}
	side := model.Side(strings.ToUpper(o.String("S")))
	posSide, ok := model.ParsePositionSide(o.String("ps"))
	if !ok {
		posSide = model.SideForOpen(side)
	}
	intent := model.IntentClose
	if model.SideForOpen(side) == posSide {
		intent = model.IntentOpen
	}
	update := model.OrderUpdate{
		Order: model.Order{
			ID:           o.String("i"),
			ClientID:     o.String("c"),
			Symbol:       o.String("s"),
			Side:         side,
			PositionSide: posSide,
			Intent:       intent,
			Type:         model.OrderType(o.String("o")),
			Quantity:     o.Float("q"),
			Price:        o.Float("p"),
			Status:       o.String("X"),
			Timestamp:    time.UnixMilli(o.Int("T")),
		},
		ExecutedQty: o.Float("z"),
		AvgPrice:    o.Float("ap"),
		RealizedPnl: o.Float("rp"),
	}
	a.bus.Publish(events.EventOrderUpdate, update)
	return nil
}
