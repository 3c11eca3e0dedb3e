package okx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"quant-core/internal/events"
	"quant-core/internal/model"
	"quant-core/internal/stream/streamtest"
	okxapi "quant-core/pkg/exchanges/okx"
)

const (
	balanceJSON   = `{"code":"0","msg":"","data":[{"totalEq":"1020","details":[{"ccy":"USDT","cashBal":"1000","availBal":"700","eq":"1020"}]}]}`
	positionsJSON = `{"code":"0","msg":"","data":[
		{"instId":"BTC-USDT-SWAP","posSide":"long","pos":"5","availPos":"5","avgPx":"100","markPx":"104","upl":"2","lever":"10","imr":"5"},
		{"instId":"BTC-USDT-SWAP","posSide":"short","pos":"0","avgPx":"","lever":"10"}]}`
	instrumentJSON = `{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","lotSz":"1","minSz":"1","ctVal":"0.01"}]}`
)

type fakeOKX struct {
	mu              sync.Mutex
	order           okxapi.PlaceOrderRequest
	failInstruments bool
	lotSz           string
}

func (f *fakeOKX) setFailInstruments(v bool) {
	f.mu.Lock()
	f.failInstruments = v
	f.mu.Unlock()
}

func (f *fakeOKX) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v5/account/balance":
			_, _ = w.Write([]byte(balanceJSON))
		case "/api/v5/account/positions":
			_, _ = w.Write([]byte(positionsJSON))
		case "/api/v5/public/instruments":
			f.mu.Lock()
			fail, lotSz := f.failInstruments, f.lotSz
			f.mu.Unlock()
			if fail {
				_, _ = w.Write([]byte(`{"code":"50001","msg":"Service temporarily unavailable","data":[]}`))
				return
			}
			if lotSz != "" {
				_, _ = w.Write([]byte(strings.Replace(instrumentJSON, `"lotSz":"1"`, `"lotSz":"`+lotSz+`"`, 1)))
				return
			}
			_, _ = w.Write([]byte(instrumentJSON))
		case "/api/v5/public/mark-price":
			_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","markPx":"101"}]}`))
		case "/api/v5/trade/order":
			if r.Method == http.MethodPost {
				raw, _ := io.ReadAll(r.Body)
				f.mu.Lock()
				_ = json.Unmarshal(raw, &f.order)
				f.mu.Unlock()
				_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"555","clOrdId":"c","sCode":"0","sMsg":""}]}`))
				return
			}
			_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","ordId":"555","side":"buy","posSide":"short","ordType":"market","sz":"3","accFillSz":"3","avgPx":"99.5","state":"filled","uTime":"1700000000000"}]}`))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestAdapter(t *testing.T, dialer *streamtest.Dialer) (*Adapter, *fakeOKX) {
	t.Helper()
	fx := &fakeOKX{}
	srv := httptest.NewServer(fx.handler(t))
	t.Cleanup(srv.Close)
	a := New(Options{
		RESTBaseURL:      srv.URL,
		PublicStreamURL:  "wss://public.test",
		PrivateStreamURL: "wss://private.test",
		Dialer:           dialer,
		ReconnectDelay:   10 * time.Millisecond,
	})
	creds := model.Credentials{Exchange: model.ExchangeOKX, APIKey: "k", Secret: "s", Passphrase: "p"}
	if err := a.Initialize(context.Background(), creds); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, fx
}

func loginReply(code string) func(string) []string {
	return func(written string) []string {
		if strings.Contains(written, `"op":"login"`) {
			return []string{`{"event":"login","code":"` + code + `","msg":""}`}
		}
		return nil
	}
}

func TestInitializeRequiresPassphrase(t *testing.T) {
	a := New(Options{})
	defer a.Close()
	if err := a.Initialize(context.Background(), model.Credentials{APIKey: "k", Secret: "s"}); err == nil {
		t.Fatal("missing passphrase must fail")
	}
}

func TestPlaceOrderConvertsToContracts(t *testing.T) {
	a, fx := newTestAdapter(t, streamtest.NewDialer())
	got, err := a.PlaceOrder(context.Background(), model.Order{
		Symbol: "BTCUSDT", PositionSide: model.Short, Intent: model.IntentClose, Quantity: 0.0399,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	fx.mu.Lock()
	req := fx.order
	fx.mu.Unlock()

	if req.InstID != "BTC-USDT-SWAP" || req.Side != "buy" || req.PosSide != "short" || req.TdMode != "cross" {
		t.Errorf("unexpected request %+v", req)
	}
	if req.Sz != "3" {
		t.Errorf("sz = %s, want 3 contracts", req.Sz)
	}
	if req.ReduceOnly {
		t.Error("reduceOnly must not be sent")
	}
	if len(req.ClOrdID) != 32 {
		t.Errorf("clOrdId %q must be 32 characters", req.ClOrdID)
	}
	if got.ID != "555" || got.Status != "FILLED" || got.Price != 99.5 || got.Quantity != 0.03 {
		t.Errorf("unexpected order %+v", got)
	}
}

func TestPlaceOrderBelowOneLot(t *testing.T) {
	a, _ := newTestAdapter(t, streamtest.NewDialer())
	_, err := a.PlaceOrder(context.Background(), model.Order{
		Symbol: "BTCUSDT", PositionSide: model.Long, Intent: model.IntentOpen, Quantity: 0.005,
	})
	if err == nil {
		t.Fatal("a quantity under one contract must be refused")
	}
}

func TestGetAccountInfo(t *testing.T) {
	a, _ := newTestAdapter(t, streamtest.NewDialer())
	snap, err := a.GetAccountInfo(context.Background(), "u1")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if snap.TotalBalance != 1000 || snap.AvailableBalance != 700 || snap.FrozenBalance != 300 {
		t.Errorf("balances %+v", snap)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("positions = %+v", snap.Positions)
	}
	p := snap.Positions[0]
	if p.Symbol != "BTC-USDT-SWAP" || p.Side != model.Long || p.Quantity != 0.05 {
		t.Errorf("position %+v", p)
	}
	if p.MarkPrice != 104 || p.Margin != 5 {
		t.Errorf("mark/margin %+v", p)
	}
	if snap.Equity != snap.TotalBalance+p.UnrealizedPnl {
		t.Errorf("equity invariant broken: %+v", snap)
	}
}

func TestPlaceOrderFloorsToLotSize(t *testing.T) {
	a, fx := newTestAdapter(t, streamtest.NewDialer())
	fx.mu.Lock()
	fx.lotSz = "0.5"
	fx.mu.Unlock()
	// 0.0399 BTC at ctVal 0.01 is 3.99 contracts.
	got, err := a.PlaceOrder(context.Background(), model.Order{
		Symbol: "BTCUSDT", PositionSide: model.Long, Intent: model.IntentOpen, Quantity: 0.0399,
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	fx.mu.Lock()
	sz := fx.order.Sz
	fx.mu.Unlock()
	if sz != "3.5" {
		t.Errorf("sz = %s, want 3.5 contracts", sz)
	}
	if got.Quantity != 0.035 {
		t.Errorf("quantity = %v, want 0.035", got.Quantity)
	}
}

func TestUnknownContractValueFailsReads(t *testing.T) {
	a, fx := newTestAdapter(t, streamtest.NewDialer())
	fx.setFailInstruments(true)
	ctx := context.Background()

	if ps, err := a.GetPositions(ctx, "u1"); err == nil {
		t.Fatalf("positions without ctVal must fail, got %+v", ps)
	}
	if _, err := a.GetAccountInfo(ctx, "u1"); err == nil {
		t.Fatal("account without ctVal must fail")
	}
	if _, err := a.PlaceOrder(ctx, model.Order{Symbol: "BTCUSDT", PositionSide: model.Long, Intent: model.IntentOpen, Quantity: 0.05}); err == nil {
		t.Fatal("order without ctVal must fail")
	}

	fx.setFailInstruments(false)
	ps, err := a.GetPositions(ctx, "u1")
	if err != nil {
		t.Fatalf("positions after recovery: %v", err)
	}
	if len(ps) != 1 || ps[0].Quantity != 0.05 {
		t.Errorf("positions = %+v, want 5 contracts of 0.01", ps)
	}
}

func TestPrivateStreamLoginSubscribeAndPush(t *testing.T) {
	conn := streamtest.NewConn()
	conn.Reply = loginReply("0")
	a, _ := newTestAdapter(t, streamtest.NewDialer(conn))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := a.SubscribeAccountUpdates(ctx, "u1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !streamtest.Eventually(2*time.Second, func() bool { return len(conn.Written()) >= 2 }) {
		t.Fatalf("written %v", conn.Written())
	}
	sub := conn.Written()[1]
	for _, want := range []string{`"channel":"account"`, `"ccy":"USDT"`, `"channel":"positions"`, `"channel":"orders"`} {
		if !strings.Contains(sub, want) {
			t.Errorf("subscribe frame %s lacks %s", sub, want)
		}
	}

	conn.Push("pong")
	conn.Push(`{"event":"subscribe","arg":{"channel":"positions","instType":"SWAP"}}`)
	conn.Push(`{"arg":{"channel":"positions","instType":"SWAP"},"data":[
		{"instId":"BTC-USDT-SWAP","posSide":"long","pos":"0","lever":"10","uTime":"1700000000000"},
		{"instId":"ETH-USDT-SWAP","posSide":"short","pos":"2","avgPx":"50","markPx":"45","upl":"1","lever":"5","uTime":"1700000000000"}]}`)

	select {
	case snap := <-ch:
		if len(snap.Positions) != 1 {
			t.Fatalf("closed long must be removed: %+v", snap.Positions)
		}
		p := snap.Positions[0]
		if p.Symbol != "ETH-USDT-SWAP" || p.Side != model.Short || p.Quantity != 0.02 {
			t.Errorf("position %+v", p)
		}
		if snap.TotalBalance != 1000 {
			t.Errorf("book not seeded: %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot pushed")
	}
}

func TestLoginRejectionStopsSession(t *testing.T) {
	conn := streamtest.NewConn()
	conn.Reply = loginReply("60009")
	a, _ := newTestAdapter(t, streamtest.NewDialer(conn))
	if _, err := a.SubscribeAccountUpdates(context.Background(), "u1"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	select {
	case <-a.private.Done():
		if a.private.Err() == nil {
			t.Error("rejected login must leave an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session kept retrying a rejected login")
	}
}

func TestMarkPriceChannel(t *testing.T) {
	conn := streamtest.NewConn()
	a, _ := newTestAdapter(t, streamtest.NewDialer(conn))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ticks, err := a.SubscribeMarketData(ctx, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if !streamtest.Eventually(time.Second, func() bool { return len(conn.Written()) > 0 }) {
		t.Fatal("mark price never subscribed")
	}
	if w := conn.Written()[0]; !strings.Contains(w, `"channel":"mark-price"`) || !strings.Contains(w, "BTC-USDT-SWAP") {
		t.Errorf("subscribe frame %s", w)
	}
	conn.Push(`{"arg":{"channel":"mark-price","instId":"BTC-USDT-SWAP"},"data":[{"instType":"SWAP","instId":"BTC-USDT-SWAP","markPx":"200.5","ts":"1700000000000"}]}`)

	select {
	case tk := <-ticks:
		if tk.Price != 200.5 {
			t.Errorf("tick %+v", tk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no tick")
	}
	if p, _ := a.MarkPrice(context.Background(), "BTCUSDT"); p != 200.5 {
		t.Errorf("mark = %v", p)
	}
}

func TestOrdersChannelPublishesUpdates(t *testing.T) {
	a, _ := newTestAdapter(t, streamtest.NewDialer())
	ch, unsub := a.Events().Subscribe(events.EventOrderUpdate, 1)
	defer unsub()

	err := a.handlePrivateFrame([]byte(`{"arg":{"channel":"orders","instType":"SWAP"},"data":[
		{"instId":"BTC-USDT-SWAP","ordId":"9","side":"sell","posSide":"long","ordType":"market","sz":"4","accFillSz":"4","avgPx":"110","state":"filled","pnl":"3.5","uTime":"1700000000000"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	u := (<-ch).(model.OrderUpdate)
	if u.Order.Intent != model.IntentClose || u.ExecutedQty != 0.04 || u.RealizedPnl != 3.5 || u.Order.Status != "FILLED" {
		t.Errorf("update %+v", u)
	}
}

func TestOrderStatusMapping(t *testing.T) {
	tests := map[string]string{
		"live":             "NEW",
		"partially_filled": "PARTIAL",
		"filled":           "FILLED",
		"canceled":         "CANCELED",
		"other":            "OTHER",
	}
	for in, want := range tests {
		if got := orderStatus(in); got != want {
			t.Errorf("orderStatus(%s) = %s, want %s", in, got, want)
		}
	}
}
