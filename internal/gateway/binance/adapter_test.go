package binance

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"quant-core/internal/events"
	"quant-core/internal/model"
	"quant-core/internal/stream/streamtest"
)

const accountJSON = `{"totalWalletBalance":"1000","availableBalance":"800","assets":[{"asset":"USDT","walletBalance":"1000","availableBalance":"800"}],
"positions":[{"symbol":"BTCUSDT","positionSide":"LONG","positionAmt":"0.5","entryPrice":"100","unrealizedProfit":"5","leverage":"10","initialMargin":"5"},
{"symbol":"ETHUSDT","positionSide":"SHORT","positionAmt":"0","entryPrice":"0","unrealizedProfit":"0","leverage":"10"}]}`

type fakeExchange struct {
	mu         sync.Mutex
	orderForm  url.Values
	listenKeys []string
	infoStatus int
	stepSize   string
}

func (f *fakeExchange) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.URL.Path {
		case "/fapi/v1/time":
			_, _ = w.Write([]byte(`{"serverTime":` + strconv.FormatInt(time.Now().UnixMilli(), 10) + `}`))
		case "/fapi/v1/exchangeInfo":
			if f.infoStatus != 0 {
				w.WriteHeader(f.infoStatus)
				return
			}
			step := "0.001"
			if f.stepSize != "" {
				step = f.stepSize
			}
			_, _ = w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[{"filterType":"LOT_SIZE","stepSize":"` + step + `"}]}]}`))
		case "/fapi/v1/order":
			raw, _ := io.ReadAll(r.Body)
			f.orderForm, _ = url.ParseQuery(string(raw))
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","orderId":7,"clientOrderId":"x","status":"FILLED","executedQty":"1.234","avgPrice":"101.5","updateTime":1700000000000}`))
		case "/fapi/v2/account":
			_, _ = w.Write([]byte(accountJSON))
		case "/fapi/v1/premiumIndex":
			_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","markPrice":"110"}`))
		case "/fapi/v1/listenKey":
			f.listenKeys = append(f.listenKeys, r.Method+" "+r.URL.Query().Get("listenKey"))
			_, _ = w.Write([]byte(`{"listenKey":"lk1"}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestAdapter(t *testing.T, dialer *streamtest.Dialer) (*Adapter, *fakeExchange) {
	t.Helper()
	fx := &fakeExchange{}
	srv := httptest.NewServer(fx.handler(t))
	t.Cleanup(srv.Close)
	a := New(Options{
		RESTBaseURL:    srv.URL,
		StreamBaseURL:  "wss://stream.test",
		Dialer:         dialer,
		ReconnectDelay: 10 * time.Millisecond,
	})
	if err := a.Initialize(context.Background(), model.Credentials{Exchange: model.ExchangeBinance, APIKey: "k", Secret: "s"}); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, fx
}

func subscribeAck(written string) []string {
	if strings.Contains(written, `"SUBSCRIBE"`) {
		return []string{`{"result":null,"id":1}`}
	}
	return nil
}

func TestPlaceOrderResolvesDirectionAndTruncates(t *testing.T) {
	a, fx := newTestAdapter(t, streamtest.NewDialer())
	got, err := a.PlaceOrder(context.Background(), model.Order{
		Symbol: "btc/usdt", PositionSide: model.Long, Intent: model.IntentClose, Quantity: 1.23456789,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	fx.mu.Lock()
	form := fx.orderForm
	fx.mu.Unlock()

	if form.Get("side") != "SELL" || form.Get("positionSide") != "LONG" {
		t.Errorf("close LONG must be SELL/LONG, got %s/%s", form.Get("side"), form.Get("positionSide"))
	}
	if form.Get("quantity") != "1.234" {
		t.Errorf("quantity = %s, want 1.234", form.Get("quantity"))
	}
	if form.Has("reduceOnly") {
		t.Error("reduceOnly must not be sent in hedge mode")
	}
	if got.ID != "7" || got.Side != model.Sell || got.Quantity != 1.234 || got.Price != 101.5 {
		t.Errorf("unexpected order %+v", got)
	}
}

func TestPlaceOrderFallsBackToDefaultPrecision(t *testing.T) {
	a, fx := newTestAdapter(t, streamtest.NewDialer())
	fx.mu.Lock()
	fx.infoStatus = http.StatusInternalServerError
	fx.mu.Unlock()
	if _, err := a.PlaceOrder(context.Background(), model.Order{
		Symbol: "BTCUSDT", PositionSide: model.Short, Intent: model.IntentOpen, Quantity: 0.123456789123,
	}); err != nil {
		t.Fatalf("place: %v", err)
	}
	fx.mu.Lock()
	defer fx.mu.Unlock()
	if q := fx.orderForm.Get("quantity"); q != "0.12345678" {
		t.Errorf("quantity = %s, want 8 decimals truncated", q)
	}
	if fx.orderForm.Get("side") != "SELL" || fx.orderForm.Get("positionSide") != "SHORT" {
		t.Errorf("open SHORT must be SELL/SHORT: %v", fx.orderForm)
	}
}

func TestPlaceOrderFloorsToLotStep(t *testing.T) {
	tests := []struct {
		name string
		step string
		qty  float64
		want string
	}{
		{"half unit lot", "0.5", 1.7, "1.5"},
		{"five unit lot", "5", 12, "10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, fx := newTestAdapter(t, streamtest.NewDialer())
			fx.mu.Lock()
			fx.stepSize = tt.step
			fx.mu.Unlock()
			if _, err := a.PlaceOrder(context.Background(), model.Order{
				Symbol: "BTCUSDT", PositionSide: model.Long, Intent: model.IntentOpen, Quantity: tt.qty,
			}); err != nil {
				t.Fatalf("place: %v", err)
			}
			fx.mu.Lock()
			defer fx.mu.Unlock()
			if q := fx.orderForm.Get("quantity"); q != tt.want {
				t.Errorf("quantity = %s, want %s", q, tt.want)
			}
		})
	}
}

func TestGetAccountInfoDropsEmptyPositions(t *testing.T) {
	a, _ := newTestAdapter(t, streamtest.NewDialer())
	snap, err := a.GetAccountInfo(context.Background(), "u1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if snap.TotalBalance != 1000 || snap.AvailableBalance != 800 || snap.FrozenBalance != 200 {
		t.Errorf("unexpected balances %+v", snap)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(snap.Positions))
	}
	p := snap.Positions[0]
	if p.Side != model.Long || p.Margin != 5 || p.PnlPct != 100 {
		t.Errorf("unexpected position %+v", p)
	}
	if snap.Equity != 1005 {
		t.Errorf("equity = %v, want 1005", snap.Equity)
	}
}

func TestUserStreamPushesSnapshots(t *testing.T) {
	conn := streamtest.NewConn()
	conn.Reply = subscribeAck
	a, _ := newTestAdapter(t, streamtest.NewDialer(conn))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := a.SubscribeAccountUpdates(ctx, "u1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !streamtest.Eventually(time.Second, func() bool { return len(conn.Written()) > 0 }) {
		t.Fatal("no subscription sent")
	}
	if w := conn.Written()[0]; !strings.Contains(w, `"lk1"`) {
		t.Errorf("subscription frame %s does not carry listen key", w)
	}

	a.marks.Set("BTCUSDT", 120)
	conn.Push(`{"stream":"lk1","data":{"e":"ACCOUNT_UPDATE","E":1700000000000,"T":1700000000000,"a":{"m":"ORDER",
		"B":[{"a":"USDT","wb":"1010","cw":"1010","bc":"0"}],
		"P":[{"s":"BTCUSDT","pa":"0.5","ep":"100","up":"9","mt":"cross","iw":"0","ps":"LONG"}]}}}`)

	select {
	case snap := <-ch:
		if snap.TotalBalance != 1010 || snap.AvailableBalance != 810 {
			t.Errorf("balances = %v/%v", snap.TotalBalance, snap.AvailableBalance)
		}
		if len(snap.Positions) != 1 {
			t.Fatalf("positions = %+v", snap.Positions)
		}
		p := snap.Positions[0]
		if p.UnrealizedPnl != 10 || p.Leverage != 10 || p.MarkPrice != 120 {
			t.Errorf("position not corrected against mark: %+v", p)
		}
		if snap.Equity != snap.TotalBalance+p.UnrealizedPnl {
			t.Errorf("equity invariant broken: %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot pushed")
	}
}

func TestUserStreamFallsBackToRawListenKeyStream(t *testing.T) {
	combined, raw := streamtest.NewConn(), streamtest.NewConn()
	combined.Reply = func(string) []string {
		return []string{`{"error":{"code":2,"msg":"Invalid request"},"id":1}`}
	}
	dialer := streamtest.NewDialer(combined, raw)
	a, _ := newTestAdapter(t, dialer)
	if _, err := a.SubscribeAccountUpdates(context.Background(), "u1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !streamtest.Eventually(time.Second, func() bool { return len(dialer.URLs()) == 2 }) {
		t.Fatalf("dialed %v", dialer.URLs())
	}
	if got := dialer.URLs()[1]; got != "wss://stream.test/ws/lk1" {
		t.Errorf("fallback url = %s", got)
	}
}

func TestOrderTradeUpdateIsClassified(t *testing.T) {
	a, _ := newTestAdapter(t, streamtest.NewDialer())
	ch, unsub := a.Events().Subscribe(events.EventOrderUpdate, 1)
	defer unsub()

	err := a.handleUserFrame([]byte(`{"e":"ORDER_TRADE_UPDATE","E":1,"T":1,"o":{"s":"BTCUSDT","c":"cid","S":"SELL","o":"MARKET",
		"q":"0.5","p":"0","ap":"120","x":"TRADE","X":"FILLED","i":8,"l":"0.5","z":"0.5","L":"120","T":1,"ps":"LONG","rp":"10"}}`))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	u := (<-ch).(model.OrderUpdate)
	if u.Order.Intent != model.IntentClose || u.Order.ID != "8" || u.RealizedPnl != 10 || u.Order.Status != "FILLED" {
		t.Errorf("unexpected update %+v", u)
	}
}

func TestMarkFramesFeedTableAndSubscribers(t *testing.T) {
	a, _ := newTestAdapter(t, streamtest.NewDialer())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ticks := a.ticks.Subscribe(ctx, 4, func(tk model.Tick) bool { return tk.Symbol == "ETHUSDT" })

	frame := `{"stream":"!markPrice@arr@1s","data":[{"e":"markPriceUpdate","E":1,"s":"BTCUSDT","p":"101.5","P":"99","r":"0.0001"},{"e":"markPriceUpdate","E":1,"s":"ETHUSDT","p":"20","P":"19"}]}`
	if err := a.handleMarkFrame([]byte(frame)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if p, _ := a.MarkPrice(context.Background(), "BTCUSDT"); p != 101.5 {
		t.Errorf("mark = %v, want streamed 101.5 (not settle price)", p)
	}
	if tk := <-ticks; tk.Price != 20 {
		t.Errorf("tick = %+v", tk)
	}
	if err := a.handleMarkFrame([]byte(`{not json`)); err == nil {
		t.Error("malformed frame must return an error")
	}
}

func TestCloseReleasesListenKey(t *testing.T) {
	conn := streamtest.NewConn()
	conn.Reply = subscribeAck
	a, fx := newTestAdapter(t, streamtest.NewDialer(conn))
	if _, err := a.SubscribeAccountUpdates(context.Background(), "u1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !streamtest.Eventually(time.Second, func() bool { return len(conn.Written()) > 0 }) {
		t.Fatal("stream never subscribed")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	fx.mu.Lock()
	defer fx.mu.Unlock()
	last := fx.listenKeys[len(fx.listenKeys)-1]
	if last != "DELETE lk1" {
		t.Errorf("listen key calls %v", fx.listenKeys)
	}
	if _, err := a.SubscribeAccountUpdates(context.Background(), "u1"); err == nil {
		t.Error("subscribe after close must fail")
	}
}

func TestAdapterRefusesSecondUser(t *testing.T) {
	conn := streamtest.NewConn()
	conn.Reply = subscribeAck
	a, _ := newTestAdapter(t, streamtest.NewDialer(conn))
	if _, err := a.SubscribeAccountUpdates(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SubscribeAccountUpdates(context.Background(), "u2"); err == nil {
		t.Error("adapter must not be shared across users")
	}
}
