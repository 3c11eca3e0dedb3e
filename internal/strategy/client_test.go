package strategy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

func testRequest() Request {
	return Request{
		StrategyName: "DualDirectionStrategy",
		Symbol:       "BTCUSDT",
		MarketData:   MarketData{Price: 100, Timestamp: 1700000000000},
		Position:     PositionSummary{LongQuantity: 0.5, LongProfitCount: 2},
		Account:      AccountSummary{Balance: 1000, Available: 800, Equity: 1010},
	}
}

func TestHTTPClientExecute(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != executePath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"signal":"buy","position":0.5,"confidence":0.9,"metadata":{"margin":12.5,"strategy":"DualDirectionStrategy"}}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", time.Second)
	defer c.Close()

	resp, err := c.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Signal != Buy || resp.PositionRatio != 0.5 || resp.Confidence != 0.9 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if m, ok := resp.Margin(); !ok || m != 12.5 {
		t.Fatalf("margin = %v, %v", m, ok)
	}
	if resp.StrategyName() != DualDirectionName {
		t.Fatalf("strategy = %q", resp.StrategyName())
	}
	if got.Position.LongProfitCount != 2 || got.Account.Available != 800 || got.MarketData.Timestamp != 1700000000000 {
		t.Fatalf("server saw %+v", got)
	}
}

func TestHTTPClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case executePath:
			http.Error(w, "boom", http.StatusInternalServerError)
		case healthPath:
			_, _ = w.Write([]byte(`{"status":"degraded"}`))
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second)
	if _, err := c.Execute(context.Background(), testRequest()); err == nil {
		t.Fatalf("expected error on 500")
	}
	if err := c.Health(context.Background()); err == nil {
		t.Fatalf("expected unhealthy status")
	}
}

func TestHTTPClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewHTTPClient(srv.URL, 50*time.Millisecond)
	start := time.Now()
	if _, err := c.Execute(context.Background(), testRequest()); err == nil {
		t.Fatalf("expected timeout")
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not honoured")
	}
}

func TestHTTPClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"OK"}`))
	}))
	defer srv.Close()

	if err := NewHTTPClient(srv.URL, 0).Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

type executeServer interface {
	Execute(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type fakeWorker struct {
	seen map[string]any
}

func (f *fakeWorker) Execute(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	f.seen = in.AsMap()
	return structpb.NewStruct(map[string]any{
		"signal":     "DUAL_OPEN",
		"position":   0.5,
		"confidence": 1,
		"metadata":   map[string]any{"margin": 5},
	})
}

var workerDesc = grpc.ServiceDesc{
	ServiceName: "strategy.StrategyService",
	HandlerType: (*executeServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Execute",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			return srv.(executeServer).Execute(ctx, in)
		},
	}},
}

func TestGRPCClientExecute(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	worker := &fakeWorker{}
	srv := grpc.NewServer()
	srv.RegisterService(&workerDesc, worker)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	c, err := NewGRPCClient("passthrough:///bufnet", time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("NewGRPCClient: %v", err)
	}
	defer c.Close()

	resp, err := c.Execute(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Signal != DualOpen || resp.PositionRatio != 0.5 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if m, ok := resp.Margin(); !ok || m != 5 {
		t.Fatalf("margin = %v, %v", m, ok)
	}
	if worker.seen["strategyName"] != "DualDirectionStrategy" || worker.seen["symbol"] != "BTCUSDT" {
		t.Fatalf("worker saw %v", worker.seen)
	}
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health: %v", err)
	}
}

func TestResponseHelpers(t *testing.T) {
	tests := []struct {
		name      string
		resp      Response
		close     bool
		rebalance bool
	}{
		{"partial", Response{Signal: Buy, PositionRatio: 0.5}, false, false},
		{"full", Response{Signal: Sell, PositionRatio: 1}, true, false},
		{"rebalance", Response{Signal: Buy, PositionRatio: 0.2, Metadata: map[string]any{MetaAddPositionType: AddTypeRebalance}}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.resp.IsClose(); got != tt.close {
				t.Errorf("IsClose = %v, want %v", got, tt.close)
			}
			if got := tt.resp.IsRebalance(); got != tt.rebalance {
				t.Errorf("IsRebalance = %v, want %v", got, tt.rebalance)
			}
		})
	}
	if _, ok := (Response{Metadata: map[string]any{MetaMargin: "10"}}).Margin(); ok {
		t.Errorf("string margin should not parse")
	}
	if ParseSignal(" hold ") != Hold {
		t.Errorf("ParseSignal did not normalize")
	}
}
