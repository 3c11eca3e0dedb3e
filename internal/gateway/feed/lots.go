package feed

import (
	"context"
	"sync"

	"quant-core/pkg/exchanges/common"
	"quant-core/pkg/logger"
)

// LotCache remembers each symbol's lot step for the adapter lifetime.
// Failed lookups are not cached; the order falls back to the default step.
type LotCache struct {
	lookup func(ctx context.Context, symbol string) (common.LotStep, error)

	mu   sync.RWMutex
	vals map[string]common.LotStep
}

// NewLotCache wraps an exchange lookup.
func NewLotCache(lookup func(ctx context.Context, symbol string) (common.LotStep, error)) *LotCache {
	return &LotCache{lookup: lookup, vals: make(map[string]common.LotStep)}
}

// Get returns the cached step, resolving it on first use.
func (p *LotCache) Get(ctx context.Context, symbol string) common.LotStep {
	p.mu.RLock()
	v, ok := p.vals[symbol]
	p.mu.RUnlock()
	if ok {
		return v
	}
	v, err := p.lookup(ctx, symbol)
	if err != nil {
		def := common.DefaultLotStep()
		logger.Warnf("lot size lookup for %s failed, using step %s: %v", symbol, def, err)
		return def
	}
	p.mu.Lock()
	p.vals[symbol] = v
	p.mu.Unlock()
	return v
}

// Set seeds a step, e.g. from a bulk metadata load.
func (p *LotCache) Set(symbol string, step common.LotStep) {
	p.mu.Lock()
	p.vals[symbol] = step
	p.mu.Unlock()
}
