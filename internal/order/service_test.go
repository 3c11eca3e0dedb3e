package order

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"quant-core/internal/gateway"
	"quant-core/internal/gateway/gatewaytest"
	"quant-core/internal/model"
	"quant-core/internal/strategy"
	"quant-core/pkg/counter"
	"quant-core/pkg/db"
)

type adapterSet map[string]gateway.Adapter

func (s adapterSet) Get(_ context.Context, userID string) (gateway.Adapter, error) {
	a, ok := s[userID]
	if !ok {
		return nil, errors.New("no adapter")
	}
	return a, nil
}

type invalidations struct {
	mu    sync.Mutex
	users []string
}

func (i *invalidations) Invalidate(userID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.users = append(i.users, userID)
}

func (i *invalidations) count() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.users)
}

type recorder struct {
	mu      sync.Mutex
	records []db.CloseRecord
}

func (r *recorder) CreateCloseRecord(_ context.Context, rec db.CloseRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

type harness struct {
	svc     *Service
	fake    *gatewaytest.Adapter
	inv     *invalidations
	records *recorder
	store   *counter.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := gatewaytest.New()
	fake.SetMark("BTCUSDT", 100)
	h := &harness{
		fake:    fake,
		inv:     &invalidations{},
		records: &recorder{},
		store:   counter.NewMemoryStore(),
	}
	h.svc = NewService(DefaultConfig(), adapterSet{"u1": fake}, h.inv, h.records, NewProfitCounters(h.store), nil)
	return h
}

func withMargin(sig strategy.Signal, ratio, margin float64) strategy.Response {
	return strategy.Response{
		Signal:        sig,
		PositionRatio: ratio,
		Metadata:      map[string]any{strategy.MetaMargin: margin},
	}
}

func nearly(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestExecuteSkips(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		resp   strategy.Response
		setup  func(h *harness)
		want   Outcome
		orders int
	}{
		{name: "no user", user: "", resp: withMargin(strategy.Buy, 0.2, 10), want: SkipNoUser},
		{name: "hold", user: "u1", resp: strategy.Response{Signal: strategy.Hold}, want: SkipHold},
		{name: "unknown open signal", user: "u1", resp: withMargin("WAIT", 0.2, 10), want: SkipInvalidSignal},
		{name: "unknown close signal", user: "u1", resp: strategy.Response{Signal: "WAIT", PositionRatio: 1}, want: SkipInvalidSignal},
		{name: "open without margin", user: "u1", resp: strategy.Response{Signal: strategy.Buy, PositionRatio: 0.2}, want: SkipNoMargin},
		{name: "dual open without margin", user: "u1", resp: strategy.Response{Signal: strategy.DualOpen}, want: SkipNoMargin},
		{name: "close without position", user: "u1", resp: strategy.Response{Signal: strategy.Sell, PositionRatio: 1}, want: SkipNoPosition},
		{
			name: "position fetch failure aborts",
			user: "u1",
			resp: withMargin(strategy.Buy, 0.2, 10),
			setup: func(h *harness) {
				h.fake.FailPositions(gatewaytest.ErrInjected)
			},
			want: OrderFailed,
		},
		{
			name: "no price aborts",
			user: "u1",
			resp: withMargin(strategy.Buy, 0.2, 10),
			setup: func(h *harness) {
				h.fake.FailMarks(gatewaytest.ErrInjected)
			},
			want: OrderFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.setup != nil {
				tt.setup(h)
			}
			res := h.svc.Execute(context.Background(), tt.user, "BTCUSDT", tt.resp)
			if res.Outcome != tt.want {
				t.Fatalf("outcome = %s, want %s (err %v)", res.Outcome, tt.want, res.Err)
			}
			if got := len(h.fake.Orders()); got != tt.orders {
				t.Errorf("orders placed = %d, want %d", got, tt.orders)
			}
			if tt.want == OrderFailed && res.Err == nil {
				t.Error("failed outcome without error")
			}
		})
	}
}

func TestSizeFromMargin(t *testing.T) {
	if q := SizeFromMargin(10, 20, 100); q != 2 {
		t.Fatalf("qty = %v, want 2", q)
	}
	if q := SizeFromMargin(10, 0, 100); q != 0 {
		t.Fatalf("zero leverage qty = %v", q)
	}
}

func TestOpenSizesFromPositionLeverage(t *testing.T) {
	h := newHarness(t)
	h.fake.SetPositions(model.Position{Symbol: "BTCUSDT", Side: model.Long, Quantity: 1, AvgPrice: 90, MarkPrice: 100, Leverage: 20})

	res := h.svc.Execute(context.Background(), "u1", "btc/usdt", withMargin(strategy.Buy, 0.2, 10))
	if res.Outcome != OrderSuccess {
		t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
	}
	o := h.fake.Orders()[0]
	if o.Symbol != "BTCUSDT" || o.Side != model.Buy || o.PositionSide != model.Long || o.Intent != model.IntentOpen {
		t.Fatalf("unexpected order %+v", o)
	}
	if !nearly(o.Quantity, 2) {
		t.Errorf("quantity = %v, want 2", o.Quantity)
	}
	if h.inv.count() != 1 {
		t.Errorf("invalidations = %d", h.inv.count())
	}
	counts, _ := h.svc.Counters().Counts(context.Background(), "u1", "BTCUSDT", model.Long)
	if counts.Add != 1 {
		t.Errorf("add count = %d, want 1", counts.Add)
	}
}

func TestDefaultLeverageByStrategyFamily(t *testing.T) {
	tests := []struct {
		name     string
		strategy string
		wantQty  float64
	}{
		{"plain", "MaStrategy", 0.01},
		{"dual direction family", strategy.DualDirectionName, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			resp := withMargin(strategy.Sell, 0.2, 1)
			resp.Metadata[strategy.MetaStrategy] = tt.strategy
			res := h.svc.Execute(context.Background(), "u1", "BTCUSDT", resp)
			if res.Outcome != OrderSuccess {
				t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
			}
			if q := res.Orders[0].Quantity; !nearly(q, tt.wantQty) {
				t.Errorf("qty = %v, want %v", q, tt.wantQty)
			}
		})
	}
}

func TestCooldownSuppressesSecondOpen(t *testing.T) {
	h := newHarness(t)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.svc.cooldown.now = func() time.Time { return now }
	ctx := context.Background()

	if res := h.svc.Execute(ctx, "u1", "BTCUSDT", withMargin(strategy.Buy, 0.2, 10)); res.Outcome != OrderSuccess {
		t.Fatalf("first open = %s (%v)", res.Outcome, res.Err)
	}
	now = now.Add(10 * time.Second)
	if res := h.svc.Execute(ctx, "u1", "BTCUSDT", withMargin(strategy.Buy, 0.2, 10)); res.Outcome != SkipCooldown {
		t.Fatalf("second open = %s", res.Outcome)
	}
	if res := h.svc.Execute(ctx, "u1", "BTCUSDT", withMargin(strategy.Sell, 0.2, 10)); res.Outcome != OrderSuccess {
		t.Fatalf("opposite side = %s (%v)", res.Outcome, res.Err)
	}
	now = now.Add(21 * time.Second)
	if res := h.svc.Execute(ctx, "u1", "BTCUSDT", withMargin(strategy.Buy, 0.2, 10)); res.Outcome != OrderSuccess {
		t.Fatalf("after window = %s (%v)", res.Outcome, res.Err)
	}
	if n := len(h.fake.Orders()); n != 3 {
		t.Errorf("orders = %d, want 3", n)
	}
}

func TestConcurrentOpensShareOneCooldown(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	placed := 0
	h.fake.PlaceFn = func(o model.Order) (model.Order, error) {
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		placed++
		o.ID = fmt.Sprintf("o%d", placed)
		mu.Unlock()
		return o, nil
	}

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i, sym := range []string{"BTC/USDT", "BTCUSDT"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = h.svc.Execute(context.Background(), "u1", sym, withMargin(strategy.Buy, 0.2, 10)).Outcome
		}()
	}
	wg.Wait()

	wins := 0
	for _, o := range outcomes {
		switch o {
		case OrderSuccess:
			wins++
		case SkipCooldown:
		default:
			t.Errorf("unexpected outcome %s", o)
		}
	}
	if wins != 1 || placed != 1 {
		t.Fatalf("outcomes = %v, orders placed = %d; want exactly one open", outcomes, placed)
	}
}

func TestDualOpen(t *testing.T) {
	t.Run("both legs", func(t *testing.T) {
		h := newHarness(t)
		res := h.svc.Execute(context.Background(), "u1", "BTCUSDT", withMargin(strategy.DualOpen, 0, 1))
		if res.Outcome != DualOrderSuccess || len(res.Orders) != 2 {
			t.Fatalf("result = %+v", res)
		}
		for _, o := range res.Orders {
			if !nearly(o.Quantity, 0.5) {
				t.Errorf("%s qty = %v, want 0.5 at dual leverage", o.PositionSide, o.Quantity)
			}
		}
		again := h.svc.Execute(context.Background(), "u1", "BTCUSDT", withMargin(strategy.DualOpen, 0, 1))
		if again.Outcome != SkipCooldown {
			t.Errorf("repeat dual open = %s", again.Outcome)
		}
	})

	t.Run("one leg fails", func(t *testing.T) {
		h := newHarness(t)
		h.fake.PlaceFn = func(o model.Order) (model.Order, error) {
			if o.PositionSide == model.Short {
				return model.Order{}, gatewaytest.ErrInjected
			}
			o.ID = "L1"
			return o, nil
		}
		res := h.svc.Execute(context.Background(), "u1", "BTCUSDT", withMargin(strategy.DualOpen, 0, 1))
		if res.Outcome != DualOrderPartial {
			t.Fatalf("outcome = %s", res.Outcome)
		}
		if len(res.Orders) != 1 || res.Orders[0].PositionSide != model.Long {
			t.Fatalf("orders = %+v", res.Orders)
		}
		if !errors.Is(res.Err, gatewaytest.ErrInjected) {
			t.Errorf("err = %v", res.Err)
		}
		cd := h.svc.Cooldown()
		if !cd.Active("u1", "BTCUSDT", model.Long) || cd.Active("u1", "BTCUSDT", model.Short) {
			t.Error("cooldown must cover only the filled leg")
		}
	})
}

func TestCloseUsesAvailableQuantityAndRecords(t *testing.T) {
	h := newHarness(t)
	h.fake.SetMark("BTCUSDT", 110)
	h.fake.SetPositions(
		model.Position{Symbol: "BTCUSDT", Side: model.Long, Quantity: 0.5, AvailableQuantity: 0.3, AvgPrice: 100, Leverage: 10, Margin: 5},
		model.Position{Symbol: "BTCUSDT", Side: model.Short, Quantity: 0.2, AvgPrice: 120, Leverage: 10},
	)
	ctx := context.Background()
	_, _ = h.svc.Counters().IncrementAdd(ctx, "u1", "BTCUSDT", model.Long)
	_, _ = h.svc.Counters().IncrementAdd(ctx, "u1", "BTCUSDT", model.Short)

	resp := strategy.Response{Signal: strategy.Sell, PositionRatio: 1, Metadata: map[string]any{strategy.MetaStrategy: "grid"}}
	res := h.svc.Execute(ctx, "u1", "BTCUSDT", resp)
	if res.Outcome != OrderSuccess {
		t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
	}
	o := res.Orders[0]
	if o.Side != model.Sell || o.PositionSide != model.Long || o.Intent != model.IntentClose || !nearly(o.Quantity, 0.3) {
		t.Fatalf("unexpected close order %+v", o)
	}

	if len(h.records.records) != 1 {
		t.Fatalf("records = %d", len(h.records.records))
	}
	rec := h.records.records[0]
	if rec.CloseType != db.CloseTypeStrategy || rec.StrategyName != "grid" || rec.Side != "LONG" {
		t.Errorf("unexpected record %+v", rec)
	}
	if !nearly(rec.RealizedPnl, 3) || rec.ClosePrice != 110 || rec.OrderID != o.ID {
		t.Errorf("pnl=%v price=%v order=%s", rec.RealizedPnl, rec.ClosePrice, rec.OrderID)
	}

	long, _ := h.svc.Counters().Counts(ctx, "u1", "BTCUSDT", model.Long)
	short, _ := h.svc.Counters().Counts(ctx, "u1", "BTCUSDT", model.Short)
	if long.Add != 0 || short.Add != 1 {
		t.Errorf("counts long=%+v short=%+v", long, short)
	}
	if h.svc.Cooldown().Active("u1", "BTCUSDT", model.Long) {
		t.Error("close must not start a cooldown")
	}
}

func TestAddCountRules(t *testing.T) {
	tests := []struct {
		name    string
		resp    strategy.Response
		wantAdd int64
	}{
		{
			name:    "half ratio without margin uses default add margin",
			resp:    strategy.Response{Signal: strategy.Buy, PositionRatio: 0.5},
			wantAdd: 1,
		},
		{
			name: "rebalance is not counted",
			resp: strategy.Response{Signal: strategy.Buy, PositionRatio: 0.5, Metadata: map[string]any{
				strategy.MetaMargin: 2.0, strategy.MetaAddPositionType: strategy.AddTypeRebalance,
			}},
			wantAdd: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.svc.Execute(context.Background(), "u1", "BTCUSDT", tt.resp)
			if res.Outcome != OrderSuccess {
				t.Fatalf("outcome = %s (%v)", res.Outcome, res.Err)
			}
			c, _ := h.svc.Counters().Counts(context.Background(), "u1", "BTCUSDT", model.Long)
			if c.Add != tt.wantAdd {
				t.Errorf("add = %d, want %d", c.Add, tt.wantAdd)
			}
		})
	}
}

func TestOrderRejectionIsFailure(t *testing.T) {
	h := newHarness(t)
	h.fake.PlaceFn = func(o model.Order) (model.Order, error) {
		return model.Order{}, gatewaytest.ErrInjected
	}
	res := h.svc.Execute(context.Background(), "u1", "BTCUSDT", withMargin(strategy.Buy, 0.2, 10))
	if res.Outcome != OrderFailed || !errors.Is(res.Err, gatewaytest.ErrInjected) {
		t.Fatalf("result = %+v", res)
	}
	if h.svc.Cooldown().Active("u1", "BTCUSDT", model.Long) || h.inv.count() != 0 {
		t.Error("failed order must not start cooldown or invalidate")
	}
}
