package feed

import (
	"context"
	"errors"
	"testing"
	"time"

	"quant-core/internal/model"
	"quant-core/pkg/exchanges/common"
)

func TestHubFilterAndCancel(t *testing.T) {
	h := NewHub[string]()
	ctx, cancel := context.WithCancel(context.Background())
	btc := h.Subscribe(ctx, 4, func(s string) bool { return s == "BTCUSDT" })
	all := h.Subscribe(context.Background(), 1, nil)

	h.Publish("ETHUSDT")
	h.Publish("BTCUSDT")

	if got := <-btc; got != "BTCUSDT" {
		t.Errorf("filtered subscriber got %s", got)
	}
	if got := <-all; got != "ETHUSDT" {
		t.Errorf("unfiltered subscriber got %s", got)
	}

	cancel()
	deadline := time.After(time.Second)
	for h.Len() != 1 {
		select {
		case <-deadline:
			t.Fatal("cancelled subscriber not removed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, ok := <-btc; ok {
		t.Error("channel should be closed after cancel")
	}

	h.Close()
	if _, ok := <-all; ok {
		t.Error("channel should be closed by Close")
	}
	if h.Publish("BTCUSDT") != 0 {
		t.Error("publish after close delivered")
	}
}

func TestLotCache(t *testing.T) {
	calls := 0
	fail := true
	p := NewLotCache(func(context.Context, string) (common.LotStep, error) {
		calls++
		if fail {
			return common.LotStep{}, errors.New("exchange info unavailable")
		}
		return common.ParseLotStep("0.5"), nil
	})
	ctx := context.Background()

	if got := p.Get(ctx, "BTCUSDT"); got.String() != common.DefaultLotStep().String() {
		t.Errorf("fallback step = %s", got)
	}
	fail = false
	if got := p.Get(ctx, "BTCUSDT"); got.String() != "0.5" {
		t.Errorf("step = %s", got)
	}
	_ = p.Get(ctx, "BTCUSDT")
	if calls != 2 {
		t.Errorf("lookups = %d, want 2 (failures are not cached)", calls)
	}
	p.Set("ETHUSDT", common.ParseLotStep("5"))
	if got := p.Get(ctx, "ETHUSDT"); got.String() != "5" || calls != 2 {
		t.Errorf("seeded step = %s after %d lookups", got, calls)
	}
}

func TestBookSnapshot(t *testing.T) {
	b := NewBook()
	t0 := time.UnixMilli(1_700_000_000_000)
	b.Seed(model.AccountSnapshot{
		TotalBalance: 100, AvailableBalance: 60, Timestamp: t0,
		Positions: []model.Position{{Symbol: "ETHUSDT", Side: model.Short, Quantity: 1, UnrealizedPnl: -2, Leverage: 5}},
	})
	b.Apply(model.Position{Symbol: "BTCUSDT", Side: model.Long, Quantity: 2, UnrealizedPnl: 3})
	b.SetBalance(110, 70, t0.Add(time.Second))

	snap := b.Snapshot("u1", model.ExchangeBinance)
	if len(snap.Positions) != 2 || snap.Positions[0].Symbol != "BTCUSDT" {
		t.Fatalf("positions not ordered: %+v", snap.Positions)
	}
	if snap.Equity != 111 || snap.FrozenBalance != 40 {
		t.Errorf("equity=%v frozen=%v", snap.Equity, snap.FrozenBalance)
	}
	if !snap.Timestamp.Equal(t0.Add(time.Second)) {
		t.Errorf("timestamp = %v", snap.Timestamp)
	}
	if b.Leverage("ETHUSDT", model.Short) != 5 || b.Leverage("BTCUSDT", model.Long) != 1 {
		t.Error("unexpected leverage lookup")
	}

	b.Apply(model.Position{Symbol: "BTCUSDT", Side: model.Long})
	b.ClearSymbol("ETHUSDT")
	if snap := b.Snapshot("u1", model.ExchangeBinance); len(snap.Positions) != 0 || snap.Equity != 110 {
		t.Errorf("closed sides must disappear: %+v", snap)
	}
}
