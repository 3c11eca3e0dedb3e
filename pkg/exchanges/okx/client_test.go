package okx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quant-core/pkg/exchanges/common"
)

var fixedNow = time.Date(2020, 12, 8, 9, 8, 57, 715_000_000, time.UTC)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{APIKey: "ak", Secret: "sk", Passphrase: "pp", Simulated: true, BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.now = func() time.Time { return fixedNow }
	return c
}

func TestSignedHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RequestURI() != "/api/v5/account/positions?instId=BTC-USDT-SWAP&instType=SWAP" {
			t.Errorf("unexpected uri %s", r.URL.RequestURI())
		}
		wantTS := "2020-12-08T09:08:57.715Z"
		if got := r.Header.Get("OK-ACCESS-TIMESTAMP"); got != wantTS {
			t.Errorf("timestamp = %s", got)
		}
		wantSign := common.SignBase64(wantTS+"GET"+r.URL.RequestURI(), "sk")
		if got := r.Header.Get("OK-ACCESS-SIGN"); got != wantSign {
			t.Errorf("sign = %s, want %s", got, wantSign)
		}
		if r.Header.Get("OK-ACCESS-KEY") != "ak" || r.Header.Get("OK-ACCESS-PASSPHRASE") != "pp" {
			t.Error("missing key or passphrase header")
		}
		if r.Header.Get("x-simulated-trading") != "1" {
			t.Error("missing simulated header")
		}
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"instId":"BTC-USDT-SWAP","posSide":"long","pos":"3","avgPx":"60000","lever":"10","ctVal":"0.01"}]}`))
	})
	pos, err := c.GetPositions(context.Background(), "BTC-USDT-SWAP")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(pos) != 1 || pos[0].PosSide != "long" || pos[0].Pos != "3" {
		t.Fatalf("unexpected positions %+v", pos)
	}
}

func TestPlaceOrderBodyIsSigned(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		want := common.SignBase64("2020-12-08T09:08:57.715Z"+"POST"+"/api/v5/trade/order"+string(raw), "sk")
		if r.Header.Get("OK-ACCESS-SIGN") != want {
			t.Error("body not covered by signature")
		}
		var body PlaceOrderRequest
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.PosSide != "short" || body.Side != "buy" || body.ReduceOnly {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[{"ordId":"123","clOrdId":"c1","sCode":"0","sMsg":""}]}`))
	})
	ack, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{
		InstID: "BTC-USDT-SWAP", TdMode: "cross", Side: "buy", PosSide: "short", OrdType: "market", Sz: "2", ClOrdID: "c1",
	})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if ack.OrdID != "123" {
		t.Errorf("ordId = %s", ack.OrdID)
	}
}

func TestRejectedEnvelopes(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{"envelope code", 200, `{"code":"50113","msg":"Invalid Sign","data":[]}`, "50113"},
		{"order sCode", 200, `{"code":"0","msg":"","data":[{"ordId":"","sCode":"51008","sMsg":"Insufficient balance"}]}`, "51008"},
		{"http status", 401, `{"msg":"unauthorized"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.PlaceOrder(context.Background(), PlaceOrderRequest{InstID: "BTC-USDT-SWAP", Side: "buy", OrdType: "market", Sz: "1"})
			apiErr, ok := common.AsExchangeAPIError(err)
			if !ok {
				t.Fatalf("expected ExchangeAPIError, got %v", err)
			}
			if apiErr.Code != tt.wantCode || apiErr.HTTPStatus != tt.status {
				t.Errorf("unexpected error %+v", apiErr)
			}
		})
	}
}

func TestWSLoginArgs(t *testing.T) {
	c, err := NewClient(Config{APIKey: "ak", Secret: "sk", Passphrase: "pp"})
	if err != nil {
		t.Fatal(err)
	}
	args := c.WSLoginArgs(time.Unix(1538054050, 0))
	if args.Timestamp != "1538054050" {
		t.Errorf("timestamp = %s", args.Timestamp)
	}
	if args.Sign != common.SignBase64("1538054050GET/users/self/verify", "sk") {
		t.Error("unexpected login signature")
	}
}

func TestInstrumentContractValue(t *testing.T) {
	if v := (Instrument{CtVal: "0.01"}).ContractValue(); v != 0.01 {
		t.Errorf("ctVal = %v", v)
	}
	if v := (Instrument{}).ContractValue(); v != 1 {
		t.Errorf("default ctVal = %v", v)
	}
}
