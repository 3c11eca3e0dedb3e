package okx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"quant-core/internal/events"
	"quant-core/internal/model"
	"quant-core/internal/monitor"
	"quant-core/internal/stream"
	okxapi "quant-core/pkg/exchanges/okx"
	"quant-core/pkg/logger"
)

const (
	loginTimeout = 10 * time.Second
	loginFrames  = 5
)

var (
	errAdapterClosed = errors.New("okx: adapter closed")
	pong             = []byte("pong")
)

type channelArg struct {
	Channel  string `json:"channel"`
	InstID   string `json:"instId,omitempty"`
	InstType string `json:"instType,omitempty"`
	Ccy      string `json:"ccy,omitempty"`
}

type request struct {
	Op   string `json:"op"`
	Args []any  `json:"args"`
}

type pushFrame struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   channelArg      `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

func decodePush(frame []byte) (pushFrame, bool, error) {
	if bytes.Equal(bytes.TrimSpace(frame), pong) {
		return pushFrame{}, false, nil
	}
	var f pushFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return pushFrame{}, false, err
	}
	return f, true, nil
}

func (a *Adapter) sessionName(kind string) string {
	return "okx-" + kind + ":" + a.sessionID
}

func (a *Adapter) baseConfig(name, url string) stream.Config {
	dialer := a.opts.Dialer
	if dialer == nil {
		dialer = stream.GorillaDialer{Proxy: a.opts.ProxyURL}
	}
	return stream.Config{
		Name:           name,
		Dialer:         dialer,
		ReconnectDelay: a.opts.ReconnectDelay,
		IdleTimeout:    a.opts.IdleTimeout,
		Ping:           func(l *stream.Link) error { return l.WriteText([]byte("ping")) },
		Modes: []stream.Mode{{
			Name: "v5",
			URL:  func(context.Context) (string, error) { return url, nil },
		}},
		OnStateChange: func(from, to stream.State) {
			a.bus.Publish(events.EventStreamState, events.StateChange{Session: name, From: from.String(), To: to.String()})
		},
	}
}

// trackMark adds instID to the public mark-price session, starting it on first use.
func (a *Adapter) trackMark(instID string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errAdapterClosed
	}
	if a.tracked[instID] {
		a.mu.Unlock()
		return nil
	}
	a.tracked[instID] = true
	if s := a.market; s != nil {
		a.mu.Unlock()
		err := s.Send(request{Op: "subscribe", Args: []any{channelArg{Channel: "mark-price", InstID: instID}}})
		if err != nil && !errors.Is(err, stream.ErrNotConnected) {
			logger.Warnf("okx: subscribe mark price %s: %v", instID, err)
		}
		return nil
	}

	cfg := a.baseConfig(a.sessionName("mark"), a.opts.PublicStreamURL)
	cfg.Modes[0].Handshake = a.subscribeMarks
	cfg.OnMessage = a.handlePublicFrame
	s, err := stream.New(cfg)
	if err != nil {
		delete(a.tracked, instID)
		a.mu.Unlock()
		return err
	}
	a.market = s
	a.mu.Unlock()
	s.Start(a.ctx)
	return nil
}

// subscribeMarks resubscribes every tracked instrument on a fresh link.
func (a *Adapter) subscribeMarks(_ context.Context, l *stream.Link) error {
	a.mu.Lock()
	args := make([]any, 0, len(a.tracked))
	for id := range a.tracked {
		args = append(args, channelArg{Channel: "mark-price", InstID: id})
	}
	a.mu.Unlock()
	if len(args) == 0 {
		return nil
	}
	return l.WriteJSON(request{Op: "subscribe", Args: args})
}

// ensurePrivateStream binds the adapter to userID and starts the private session once.
func (a *Adapter) ensurePrivateStream(_ context.Context, userID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errAdapterClosed
	}
	if a.private != nil {
		if a.userID != userID {
			return fmt.Errorf("okx: adapter is bound to user %s", a.userID)
		}
		return nil
	}
	cfg := a.baseConfig(a.sessionName("private"), a.opts.PrivateStreamURL)
	cfg.Modes[0].Handshake = a.loginAndSubscribe
	cfg.OnMessage = a.handlePrivateFrame
	s, err := stream.New(cfg)
	if err != nil {
		return err
	}
	a.userID = userID
	a.private = s
	s.Start(a.ctx)
	return nil
}

// loginAndSubscribe sends the login frame, waits for its result, reseeds the
// book over REST and subscribes the account channels.
func (a *Adapter) loginAndSubscribe(ctx context.Context, l *stream.Link) error {
	login := request{Op: "login", Args: []any{a.client.WSLoginArgs(time.Now())}}
	if err := l.WriteJSON(login); err != nil {
		return err
	}
	if err := awaitLogin(l); err != nil {
		return err
	}

	a.mu.Lock()
	userID := a.userID
	a.mu.Unlock()
	if snap, err := a.GetAccountInfo(ctx, userID); err != nil {
		logger.Warnf("okx: seeding stream account for %s failed: %v", userID, err)
	} else {
		a.mu.Lock()
		a.book.Seed(snap)
		a.mu.Unlock()
	}

	return l.WriteJSON(request{Op: "subscribe", Args: []any{
		channelArg{Channel: "account", Ccy: "USDT"},
		channelArg{Channel: "positions", InstType: "SWAP"},
		channelArg{Channel: "orders", InstType: "SWAP"},
	}})
}

func awaitLogin(l *stream.Link) error {
	for i := 0; i < loginFrames; i++ {
		frame, err := l.Read(loginTimeout)
		if err != nil {
			return err
		}
		f, ok, err := decodePush(frame)
		if err != nil || !ok {
			continue
		}
		switch f.Event {
		case "login":
			if f.Code == "0" {
				return nil
			}
			return fmt.Errorf("%w: login code %s: %s", stream.ErrHandshake, f.Code, f.Msg)
		case "error":
			return fmt.Errorf("%w: login code %s: %s", stream.ErrHandshake, f.Code, f.Msg)
		}
	}
	return fmt.Errorf("%w: no login response", stream.ErrHandshake)
}

func (a *Adapter) handlePublicFrame(frame []byte) error {
	f, ok, err := decodePush(frame)
	if err != nil {
		return fmt.Errorf("decode public frame: %w", err)
	}
	if !ok || a.logEvent(f) {
		return nil
	}
	if f.Arg.Channel != "mark-price" {
		return nil
	}
	var marks []struct {
		InstID string `json:"instId"`
		MarkPx string `json:"markPx"`
		Ts     string `json:"ts"`
	}
	if err := json.Unmarshal(f.Data, &marks); err != nil {
		return fmt.Errorf("decode mark price: %w", err)
	}
	n := 0
	for _, m := range marks {
		tick := model.Tick{Symbol: m.InstID, Price: okxapi.ParseFloat(m.MarkPx), Timestamp: time.UnixMilli(int64(okxapi.ParseFloat(m.Ts)))}
		if tick.Symbol == "" || tick.Price <= 0 {
			continue
		}
		a.marks.Set(tick.Symbol, tick.Price)
		a.ticks.Publish(tick)
		a.bus.Publish(events.EventMarkPrice, tick)
		n++
	}
	if n > 0 {
		monitor.MarkPriceUpdate(string(model.ExchangeOKX), n)
	}
	return nil
}

// logEvent reports whether f is an op response rather than channel data.
func (a *Adapter) logEvent(f pushFrame) bool {
	switch f.Event {
	case "":
		return false
	case "error":
		logger.Warnf("okx: stream error %s: %s", f.Code, f.Msg)
	default:
		logger.Debugf("okx: stream event %s %s", f.Event, f.Arg.Channel)
	}
	return true
}

func (a *Adapter) handlePrivateFrame(frame []byte) error {
	f, ok, err := decodePush(frame)
	if err != nil {
		return fmt.Errorf("decode private frame: %w", err)
	}
	if !ok || a.logEvent(f) {
		return nil
	}
	switch f.Arg.Channel {
	case "account":
		return a.onAccount(f.Data)
	case "positions":
		return a.onPositions(f.Data)
	case "orders":
		return a.onOrders(f.Data)
	default:
		logger.Debugf("okx: unhandled channel %s", f.Arg.Channel)
		return nil
	}
}

func (a *Adapter) onAccount(data json.RawMessage) error {
	var balances []okxapi.AccountBalance
	if err := json.Unmarshal(data, &balances); err != nil {
		return fmt.Errorf("decode account push: %w", err)
	}
	var updates []model.BalanceUpdate
	a.mu.Lock()
	for _, b := range balances {
		usdt, ok := b.Detail("USDT")
		if !ok {
			continue
		}
		ts := pushTime(b.UTime)
		u := model.BalanceUpdate{
			Asset:         "USDT",
			WalletBalance: okxapi.ParseFloat(usdt.CashBal),
			Available:     okxapi.ParseFloat(usdt.AvailBal),
			Timestamp:     ts,
		}
		a.book.SetBalance(u.WalletBalance, u.Available, ts)
		updates = append(updates, u)
	}
	snap := a.book.Snapshot(a.userID, model.ExchangeOKX)
	a.mu.Unlock()

	for _, u := range updates {
		a.bus.Publish(events.EventBalanceUpdate, u)
	}
	if len(updates) > 0 {
		a.push(snap)
	}
	return nil
}

func (a *Adapter) onPositions(data json.RawMessage) error {
	var raw []okxapi.Position
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode positions push: %w", err)
	}
	updates := make([]model.PositionUpdate, 0, len(raw))
	for _, r := range raw {
		ts := pushTime(r.UTime)
		p, ok, err := a.convertPosition(a.ctx, r)
		if err != nil {
			return fmt.Errorf("positions push: %w", err)
		}
		if ok {
			updates = append(updates, model.PositionUpdate{Position: p, Timestamp: ts})
			continue
		}
		if side, ok := model.ParsePositionSide(r.PosSide); ok {
			updates = append(updates, model.PositionUpdate{Position: model.Position{Symbol: r.InstID, Side: side}, Timestamp: ts})
			continue
		}
		updates = append(updates,
			model.PositionUpdate{Position: model.Position{Symbol: r.InstID, Side: model.Long}, Timestamp: ts},
			model.PositionUpdate{Position: model.Position{Symbol: r.InstID, Side: model.Short}, Timestamp: ts})
	}

	a.mu.Lock()
	for _, u := range updates {
		a.book.Apply(u.Position)
		a.book.Touch(u.Timestamp)
	}
	snap := a.book.Snapshot(a.userID, model.ExchangeOKX)
	a.mu.Unlock()

	for _, u := range updates {
		a.bus.Publish(events.EventPositionUpdate, u)
	}
	a.push(snap)
	return nil
}

func (a *Adapter) onOrders(data json.RawMessage) error {
	var orders []okxapi.OrderDetail
	if err := json.Unmarshal(data, &orders); err != nil {
		return fmt.Errorf("decode orders push: %w", err)
	}
	for _, d := range orders {
		u, err := a.convertOrder(a.ctx, d)
		if err != nil {
			return fmt.Errorf("orders push: %w", err)
		}
		a.bus.Publish(events.EventOrderUpdate, u)
	}
	return nil
}

func (a *Adapter) push(snap model.AccountSnapshot) {
	a.bus.Publish(events.EventAccountPush, snap)
	a.pushes.Publish(snap)
}

func pushTime(ms string) time.Time {
	if v := okxapi.ParseFloat(ms); v > 0 {
		return time.UnixMilli(int64(math.Round(v)))
	}
	return time.Now()
}
