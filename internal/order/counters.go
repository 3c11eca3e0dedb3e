package order

import (
	"context"
	"fmt"
	"strings"

	"quant-core/internal/model"
	"quant-core/pkg/cache"
	"quant-core/pkg/counter"
	"quant-core/pkg/logger"
)

const (
	profitCountPrefix = "profit:count:"
	addCountPrefix    = "profit:add:"
)

// Counts are the per-side counters handed to the strategy.
type Counts struct {
	Profit int64
	Add    int64
}

// ProfitCounters keeps profit-milestone and add-position counts in a
// counter.Store. Increments use the store's atomic INCR.
type ProfitCounters struct {
	store counter.Store
	// reached holds the last milestone state per side so HandleMilestone only
	// counts the false->true edge.
	reached *cache.ShardedMap[bool]
}

func NewProfitCounters(store counter.Store) *ProfitCounters {
	return &ProfitCounters{store: store, reached: cache.NewShardedMap[bool]()}
}

func profitKey(userID, symbol string, side model.PositionSide) string {
	return profitCountPrefix + sideKey(userID, symbol, side)
}

func addKey(userID, symbol string, side model.PositionSide) string {
	return addCountPrefix + sideKey(userID, symbol, side)
}

func (p *ProfitCounters) IncrementProfit(ctx context.Context, userID, symbol string, side model.PositionSide) (int64, error) {
	n, err := p.store.Incr(ctx, profitKey(userID, symbol, side))
	if err != nil {
		return 0, err
	}
	logger.Infof("profit count +1: user=%s symbol=%s side=%s count=%d", userID, symbol, side, n)
	return n, nil
}

func (p *ProfitCounters) IncrementAdd(ctx context.Context, userID, symbol string, side model.PositionSide) (int64, error) {
	n, err := p.store.Incr(ctx, addKey(userID, symbol, side))
	if err != nil {
		return 0, err
	}
	logger.Infof("add count +1: user=%s symbol=%s side=%s count=%d", userID, symbol, side, n)
	return n, nil
}

// ResetSide deletes both counters of side.
func (p *ProfitCounters) ResetSide(ctx context.Context, userID, symbol string, side model.PositionSide) error {
	if err := p.store.Del(ctx, profitKey(userID, symbol, side), addKey(userID, symbol, side)); err != nil {
		return err
	}
	logger.Infof("counts reset: user=%s symbol=%s side=%s", userID, symbol, side)
	return nil
}

// Counts reads both counters of side; missing keys are zero.
func (p *ProfitCounters) Counts(ctx context.Context, userID, symbol string, side model.PositionSide) (Counts, error) {
	profit, err := p.store.Get(ctx, profitKey(userID, symbol, side))
	if err != nil {
		return Counts{}, fmt.Errorf("profit count: %w", err)
	}
	add, err := p.store.Get(ctx, addKey(userID, symbol, side))
	if err != nil {
		return Counts{}, fmt.Errorf("add count: %w", err)
	}
	return Counts{Profit: profit, Add: add}, nil
}

// HandleMilestone records whether side currently sits at or above the profit
// milestone. On the transition into the milestone it increments side's
// profit count and resets the opposite side. It reports whether it counted.
func (p *ProfitCounters) HandleMilestone(ctx context.Context, userID, symbol string, side model.PositionSide, reached bool) (bool, error) {
	key := sideKey(userID, symbol, side)
	var prev bool
	p.reached.Update(key, func(old bool, _ bool) bool {
		prev = old
		return reached
	})
	if !reached || prev {
		return false, nil
	}
	if _, err := p.IncrementProfit(ctx, userID, symbol, side); err != nil {
		// Let the next tick retry the edge.
		p.reached.Set(key, false)
		return false, err
	}
	if err := p.ResetSide(ctx, userID, symbol, side.Opposite()); err != nil {
		return true, err
	}
	return true, nil
}

// Forget drops the remembered milestone state of a user.
func (p *ProfitCounters) Forget(userID string) {
	prefix := userID + ":"
	p.reached.DeleteFunc(func(k string, _ bool) bool {
		return strings.HasPrefix(k, prefix)
	})
}
