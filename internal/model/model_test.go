package model

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestResolveDirection(t *testing.T) {
	tests := []struct {
		side       PositionSide
		intent     Intent
		wantSide   Side
		wantPosSid PositionSide
	}{
		{Long, IntentClose, Sell, Long},
		{Short, IntentClose, Buy, Short},
		{Long, IntentOpen, Buy, Long},
		{Short, IntentOpen, Sell, Short},
	}
	for _, tt := range tests {
		t.Run(string(tt.intent)+"_"+string(tt.side), func(t *testing.T) {
			side, ps := ResolveDirection(tt.side, tt.intent)
			if side != tt.wantSide || ps != tt.wantPosSid {
				t.Fatalf("got %s/%s, want %s/%s", side, ps, tt.wantSide, tt.wantPosSid)
			}
		})
	}
	if SideForOpen(Buy) != Long || SideForOpen(Sell) != Short {
		t.Error("opening BUY must yield LONG and SELL must yield SHORT")
	}
}

func TestCorrectSignMatchesSide(t *testing.T) {
	long := Position{Symbol: "BTCUSDT", Side: Long, Quantity: 2, AvgPrice: 100, Margin: 20, Leverage: 10}
	short := Position{Symbol: "BTCUSDT", Side: Short, Quantity: 2, AvgPrice: 100, Margin: 20, Leverage: 10}

	up := 110.0
	if p := long.Correct(up); !almostEqual(p.UnrealizedPnl, 20) || !almostEqual(p.PnlPct, 100) {
		t.Errorf("long above entry: upnl=%v pct=%v", p.UnrealizedPnl, p.PnlPct)
	}
	if p := short.Correct(up); !almostEqual(p.UnrealizedPnl, -20) {
		t.Errorf("short above entry should lose: %v", p.UnrealizedPnl)
	}
	down := 90.0
	if p := long.Correct(down); p.UnrealizedPnl >= 0 {
		t.Errorf("long below entry should lose: %v", p.UnrealizedPnl)
	}
	if p := short.Correct(down); p.UnrealizedPnl <= 0 || p.MarkPrice != down {
		t.Errorf("short below entry should profit: %+v", p)
	}
	if p := long.Correct(0); p != long {
		t.Error("zero mark must leave the position untouched")
	}
}

func TestPnlPercentFallsBackToNotional(t *testing.T) {
	p := Position{Side: Long, Quantity: 1, AvgPrice: 200}
	p = p.Correct(210)
	if !almostEqual(p.PnlPct, 5) {
		t.Fatalf("expected 5%% of notional, got %v", p.PnlPct)
	}
	if m := p.MarginOrDerived(); !almostEqual(m, 200) {
		t.Errorf("derived margin with unknown leverage = %v", m)
	}
	p.Leverage = 20
	if m := p.MarginOrDerived(); !almostEqual(m, 10) {
		t.Errorf("derived margin = %v", m)
	}
}

func TestRecomputeEquityInvariant(t *testing.T) {
	s := AccountSnapshot{
		TotalBalance: 1000,
		Positions: []Position{
			{Symbol: "BTCUSDT", Side: Long, Quantity: 1, UnrealizedPnl: 12.5},
			{Symbol: "ETHUSDT", Side: Short, Quantity: 3, UnrealizedPnl: -4},
			{Symbol: "SOLUSDT", Side: Long, Quantity: 0, UnrealizedPnl: 99},
		},
	}
	s.Recompute()
	if len(s.Positions) != 2 {
		t.Fatalf("zero-quantity position must be dropped, got %d", len(s.Positions))
	}
	if !almostEqual(s.UnrealizedPnl, 8.5) || !almostEqual(s.Equity, 1008.5) {
		t.Fatalf("upnl=%v equity=%v", s.UnrealizedPnl, s.Equity)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := AccountSnapshot{Positions: []Position{{Symbol: "BTCUSDT", Quantity: 1}}, Metadata: map[string]any{"k": 1}}
	c := s.Clone()
	c.Positions[0].Quantity = 5
	c.Metadata["k"] = 2
	if s.Positions[0].Quantity != 1 || s.Metadata["k"] != 1 {
		t.Fatal("clone shares state with original")
	}
}

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		exchange ExchangeType
		in, want string
	}{
		{ExchangeBinance, "BTC/USDT", "BTCUSDT"},
		{ExchangeBinance, "btcusdt", "BTCUSDT"},
		{ExchangeBinance, "BTC-USDT-SWAP", "BTCUSDT"},
		{ExchangeOKX, "BTCUSDT", "BTC-USDT-SWAP"},
		{ExchangeOKX, "eth/usdt", "ETH-USDT-SWAP"},
		{ExchangeOKX, "BTC-USDT-SWAP", "BTC-USDT-SWAP"},
	}
	for _, tt := range tests {
		if got := NormalizeSymbol(tt.exchange, tt.in); got != tt.want {
			t.Errorf("NormalizeSymbol(%s, %q) = %q, want %q", tt.exchange, tt.in, got, tt.want)
		}
	}
	if FrozenFrom(10, 12) != 0 || FrozenFrom(12, 10) != 2 {
		t.Error("frozen balance must clamp at zero")
	}
}
