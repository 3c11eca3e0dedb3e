package feed

import (
	"sort"
	"time"

	"quant-core/internal/model"
)

// Book is the stream-maintained wallet and position view of one account.
// It is not safe for concurrent use; adapters guard it with their own lock.
type Book struct {
	seeded    bool
	wallet    float64
	available float64
	positions map[string]model.Position
	updatedAt time.Time
}

func NewBook() *Book {
	return &Book{positions: make(map[string]model.Position)}
}

func positionKey(symbol string, side model.PositionSide) string {
	return symbol + "|" + string(side)
}

// Seed replaces the book with a REST snapshot.
func (b *Book) Seed(snap model.AccountSnapshot) {
	b.seeded = true
	b.wallet = snap.TotalBalance
	b.available = snap.AvailableBalance
	b.positions = make(map[string]model.Position, len(snap.Positions))
	for _, p := range snap.Positions {
		b.positions[positionKey(p.Symbol, p.Side)] = p
	}
	b.updatedAt = snap.Timestamp
}

func (b *Book) Seeded() bool { return b.seeded }

// Balance returns wallet and available balance.
func (b *Book) Balance() (float64, float64) {
	return b.wallet, b.available
}

func (b *Book) SetBalance(wallet, available float64, ts time.Time) {
	b.wallet = wallet
	b.available = available
	b.Touch(ts)
}

// Leverage returns the last known leverage of a position, 1 when unknown.
func (b *Book) Leverage(symbol string, side model.PositionSide) float64 {
	if p, ok := b.positions[positionKey(symbol, side)]; ok && p.Leverage >= 1 {
		return p.Leverage
	}
	return 1
}

// Apply stores p; a zero quantity removes the side.
func (b *Book) Apply(p model.Position) {
	key := positionKey(p.Symbol, p.Side)
	if p.Quantity == 0 {
		delete(b.positions, key)
		return
	}
	b.positions[key] = p
}

// ClearSymbol removes both sides of symbol.
func (b *Book) ClearSymbol(symbol string) {
	delete(b.positions, positionKey(symbol, model.Long))
	delete(b.positions, positionKey(symbol, model.Short))
}

func (b *Book) Touch(ts time.Time) {
	if ts.After(b.updatedAt) {
		b.updatedAt = ts
	}
}

// Snapshot renders the book ordered by symbol then side.
func (b *Book) Snapshot(userID string, ex model.ExchangeType) model.AccountSnapshot {
	snap := model.AccountSnapshot{
		UserID:           userID,
		Exchange:         ex,
		TotalBalance:     b.wallet,
		AvailableBalance: b.available,
		FrozenBalance:    model.FrozenFrom(b.wallet, b.available),
		Timestamp:        b.updatedAt,
		Metadata:         map[string]any{"source": "stream"},
	}
	for _, p := range b.positions {
		snap.Positions = append(snap.Positions, p)
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		if snap.Positions[i].Symbol != snap.Positions[j].Symbol {
			return snap.Positions[i].Symbol < snap.Positions[j].Symbol
		}
		return snap.Positions[i].Side < snap.Positions[j].Side
	})
	snap.Recompute()
	return snap
}
