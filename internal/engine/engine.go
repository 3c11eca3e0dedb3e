// Package engine runs one trading decision per (user, symbol): read account
// state, ask the strategy service, gate the answer and hand it to the order
// pipeline.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"quant-core/internal/model"
	"quant-core/internal/monitor"
	"quant-core/internal/order"
	"quant-core/internal/risk"
	"quant-core/internal/strategy"
	"quant-core/pkg/cache"
	"quant-core/pkg/logger"
)

// Accounts serves reconciled account snapshots.
type Accounts interface {
	Snapshot(ctx context.Context, userID string) (model.AccountSnapshot, error)
}

// Executor submits a gated decision.
type Executor interface {
	Execute(ctx context.Context, userID, symbol string, resp strategy.Response) order.Result
}

// Config holds the tick policy.
type Config struct {
	// ProfitMilestonePct is compared against Position.PnlPct, which is
	// already relative to margin.
	ProfitMilestonePct float64
}

func DefaultConfig() Config {
	return Config{ProfitMilestonePct: 50}
}

// Engine is safe for concurrent ticks; ticks for the same user and symbol
// are serialized.
type Engine struct {
	cfg      Config
	accounts Accounts
	adapters order.Adapters
	client   strategy.Client
	gate     *risk.Gate
	exec     Executor
	counters *order.ProfitCounters
	now      func() time.Time

	locks *cache.ShardedMap[*sync.Mutex]
}

// New wires an engine. counters may be nil.
func New(cfg Config, accounts Accounts, adapters order.Adapters, client strategy.Client, gate *risk.Gate, exec Executor, counters *order.ProfitCounters) *Engine {
	if cfg.ProfitMilestonePct <= 0 {
		cfg.ProfitMilestonePct = DefaultConfig().ProfitMilestonePct
	}
	return &Engine{
		cfg:      cfg,
		accounts: accounts,
		adapters: adapters,
		client:   client,
		gate:     gate,
		exec:     exec,
		counters: counters,
		now:      time.Now,
		locks:    cache.NewShardedMap[*sync.Mutex](),
	}
}

// Tick runs one decision for run.UserID on symbol. The error is set only
// when the tick could not safely decide (SKIP_NO_DATA); order failures are
// reported in the Result.
func (e *Engine) Tick(ctx context.Context, run strategy.Run, symbol string) (order.Result, error) {
	adapter, err := e.adapters.Get(ctx, run.UserID)
	if err != nil {
		return e.noData(run, "", symbol, fmt.Errorf("adapter: %w", err))
	}
	exchange := adapter.Exchange()
	sym := model.NormalizeSymbol(exchange, symbol)

	// Keyed on the exchange symbol so every spelling of one market serializes.
	mu := e.lock(run.UserID + ":" + sym)
	mu.Lock()
	defer mu.Unlock()

	snap, err := e.accounts.Snapshot(ctx, run.UserID)
	if err != nil {
		return e.noData(run, exchange, sym, fmt.Errorf("account snapshot: %w", err))
	}
	long, hasLong := findPosition(snap, exchange, sym, model.Long)
	short, hasShort := findPosition(snap, exchange, sym, model.Short)

	price, err := adapter.MarkPrice(ctx, sym)
	if err != nil || price <= 0 {
		price = 0
		for _, p := range []model.Position{long, short} {
			if p.MarkPrice > 0 {
				price = p.MarkPrice
				break
			}
		}
		if price <= 0 {
			return e.noData(run, exchange, sym, fmt.Errorf("no price for %s: %v", sym, err))
		}
	}

	longCounts, shortCounts := e.counts(ctx, run.UserID, sym, long, hasLong, short, hasShort)

	req := strategy.Request{
		StrategyName:   run.StrategyName,
		Symbol:         model.BinanceSymbol(symbol),
		MarketData:     strategy.MarketData{Price: price, Timestamp: e.now().UnixMilli()},
		StrategyParams: run.Params,
		Position:       summarize(long, short, longCounts, shortCounts),
		Account: strategy.AccountSummary{
			Balance:   snap.TotalBalance,
			Available: snap.AvailableBalance,
			Equity:    snap.Equity,
		},
	}
	resp, err := e.client.Execute(ctx, req)
	if err != nil {
		logger.Warnf("strategy %s failed for %s/%s, holding: %v", run.StrategyName, run.UserID, sym, err)
		resp = strategy.HoldResponse(err.Error())
	} else if resp.Error != "" {
		logger.Warnf("strategy %s reported error for %s/%s: %s", run.StrategyName, run.UserID, sym, resp.Error)
	}

	if d := e.gate.Validate(resp, price); !d.Allowed {
		res := order.Result{Outcome: order.SkipRiskRejected}
		monitor.RecordOutcome(string(exchange), sym, string(res.Outcome))
		return res, nil
	}

	res := e.exec.Execute(ctx, run.UserID, sym, resp)
	monitor.RecordOutcome(string(exchange), sym, string(res.Outcome))
	if !res.Outcome.Skipped() {
		logger.Infof("tick %s/%s %s signal=%s ratio=%.2f -> %s", run.UserID, sym, run.StrategyName, resp.Signal, resp.PositionRatio, res.Outcome)
	}
	return res, nil
}

// Forget drops per-user state kept between ticks.
func (e *Engine) Forget(userID string) {
	if e.counters != nil {
		e.counters.Forget(userID)
	}
}

func (e *Engine) noData(run strategy.Run, exchange model.ExchangeType, sym string, err error) (order.Result, error) {
	logger.Errorf("tick %s/%s aborted, not deciding on missing data: %v", run.UserID, sym, err)
	monitor.RecordOutcome(string(exchange), sym, string(order.SkipNoData))
	return order.Result{Outcome: order.SkipNoData, Err: err}, err
}

// counts advances the profit milestones of both sides and reads the counters.
// Counter store failures degrade to zero counts.
func (e *Engine) counts(ctx context.Context, userID, sym string, long model.Position, hasLong bool, short model.Position, hasShort bool) (order.Counts, order.Counts) {
	if e.counters == nil {
		return order.Counts{}, order.Counts{}
	}
	sides := []struct {
		side model.PositionSide
		pos  model.Position
		has  bool
	}{
		{model.Long, long, hasLong},
		{model.Short, short, hasShort},
	}
	var out [2]order.Counts
	for i, s := range sides {
		reached := s.has && s.pos.PnlPct >= e.cfg.ProfitMilestonePct
		counted, err := e.counters.HandleMilestone(ctx, userID, sym, s.side, reached)
		if err != nil {
			logger.Warnf("profit milestone %s/%s/%s: %v", userID, sym, s.side, err)
		}
		if counted {
			logger.Infof("profit milestone reached: user=%s symbol=%s side=%s pnl=%.2f%%", userID, sym, s.side, s.pos.PnlPct)
		}
		c, err := e.counters.Counts(ctx, userID, sym, s.side)
		if err != nil {
			logger.Warnf("read counters %s/%s/%s: %v", userID, sym, s.side, err)
		}
		out[i] = c
	}
	return out[0], out[1]
}

func (e *Engine) lock(key string) *sync.Mutex {
	return e.locks.Update(key, func(old *sync.Mutex, ok bool) *sync.Mutex {
		if ok {
			return old
		}
		return &sync.Mutex{}
	})
}

func findPosition(snap model.AccountSnapshot, exchange model.ExchangeType, sym string, side model.PositionSide) (model.Position, bool) {
	for _, p := range snap.Positions {
		if p.Side == side && p.Quantity > 0 && model.NormalizeSymbol(exchange, p.Symbol) == sym {
			return p, true
		}
	}
	return model.Position{}, false
}

func summarize(long, short model.Position, lc, sc order.Counts) strategy.PositionSummary {
	s := strategy.PositionSummary{
		LongQuantity:     long.Quantity,
		ShortQuantity:    short.Quantity,
		LongOpenRate:     long.AvgPrice,
		ShortOpenRate:    short.AvgPrice,
		LongProfitPct:    long.PnlPct,
		ShortProfitPct:   short.PnlPct,
		LongLeverage:     long.Leverage,
		ShortLeverage:    short.Leverage,
		LongProfitCount:  lc.Profit,
		ShortProfitCount: sc.Profit,
		LongAddCount:     lc.Add,
		ShortAddCount:    sc.Add,
		Quantity:         long.Quantity + short.Quantity,
	}
	switch {
	case long.Quantity > 0:
		s.AvgPrice = long.AvgPrice
	case short.Quantity > 0:
		s.AvgPrice = short.AvgPrice
	}
	return s
}
