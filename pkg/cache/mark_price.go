package cache

import "time"

// MarkPriceTable holds the latest streamed mark price per symbol.
type MarkPriceTable struct {
	m   *ShardedMap[priceEntry]
	now func() time.Time
}

type priceEntry struct {
	price     float64
	updatedAt time.Time
}

// NewMarkPriceTable creates an empty table.
func NewMarkPriceTable() *MarkPriceTable {
	return &MarkPriceTable{m: NewShardedMap[priceEntry](), now: time.Now}
}

// Set stores a price for a symbol. Non-positive prices are ignored.
func (t *MarkPriceTable) Set(symbol string, price float64) {
	if price <= 0 {
		return
	}
	t.m.Set(symbol, priceEntry{price: price, updatedAt: t.now()})
}

// Get retrieves a price for a symbol.
func (t *MarkPriceTable) Get(symbol string) (float64, bool) {
	e, ok := t.m.Get(symbol)
	return e.price, ok
}

// GetWithAge retrieves price and its age.
func (t *MarkPriceTable) GetWithAge(symbol string) (float64, time.Duration, bool) {
	e, ok := t.m.Get(symbol)
	if !ok {
		return 0, 0, false
	}
	return e.price, t.now().Sub(e.updatedAt), true
}

// Len returns the number of symbols tracked.
func (t *MarkPriceTable) Len() int {
	return t.m.Len()
}

// Cleanup removes entries older than maxAge.
func (t *MarkPriceTable) Cleanup(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)
	return t.m.DeleteFunc(func(_ string, e priceEntry) bool {
		return e.updatedAt.Before(cutoff)
	})
}

// GetAll returns all cached prices (for diagnostics).
func (t *MarkPriceTable) GetAll() map[string]float64 {
	out := make(map[string]float64)
	t.m.Range(func(sym string, e priceEntry) bool {
		out[sym] = e.price
		return true
	})
	return out
}
