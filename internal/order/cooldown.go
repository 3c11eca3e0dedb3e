package order

import (
	"time"

	"quant-core/internal/model"
	"quant-core/pkg/cache"
)

// DefaultCooldown suppresses repeat opens in one direction.
const DefaultCooldown = 30 * time.Second

// Cooldown remembers the last open per (user, symbol, side).
type Cooldown struct {
	window time.Duration
	now    func() time.Time
	last   *cache.ShardedMap[time.Time]
}

// NewCooldown creates a cooldown tracker; a non-positive window uses DefaultCooldown.
func NewCooldown(window time.Duration) *Cooldown {
	if window <= 0 {
		window = DefaultCooldown
	}
	return &Cooldown{
		window: window,
		now:    time.Now,
		last:   cache.NewShardedMap[time.Time](),
	}
}

func sideKey(userID, symbol string, side model.PositionSide) string {
	return userID + ":" + symbol + ":" + string(side)
}

// Remaining returns the time left before another open is allowed.
func (c *Cooldown) Remaining(userID, symbol string, side model.PositionSide) time.Duration {
	at, ok := c.last.Get(sideKey(userID, symbol, side))
	if !ok {
		return 0
	}
	if left := c.window - c.now().Sub(at); left > 0 {
		return left
	}
	return 0
}

// Active reports whether an open on side is still suppressed.
func (c *Cooldown) Active(userID, symbol string, side model.PositionSide) bool {
	return c.Remaining(userID, symbol, side) > 0
}

// Claim starts the window for side unless one is already running. The check
// and the start happen under one lock, so of two concurrent opens only one
// wins. release gives the slot back when the open was not placed.
func (c *Cooldown) Claim(userID, symbol string, side model.PositionSide) (release func(), ok bool) {
	key := sideKey(userID, symbol, side)
	now := c.now()
	var (
		prev    time.Time
		hadPrev bool
	)
	c.last.Update(key, func(old time.Time, exists bool) time.Time {
		if exists && now.Sub(old) < c.window {
			return old
		}
		prev, hadPrev, ok = old, exists, true
		return now
	})
	if !ok {
		return func() {}, false
	}
	return func() {
		if hadPrev {
			c.last.Update(key, func(cur time.Time, exists bool) time.Time {
				if exists && cur.Equal(now) {
					return prev
				}
				return cur
			})
			return
		}
		c.last.DeleteIf(key, func(cur time.Time) bool { return cur.Equal(now) })
	}, true
}

// Prune drops expired entries and returns how many were removed.
func (c *Cooldown) Prune() int {
	now := c.now()
	return c.last.DeleteFunc(func(_ string, at time.Time) bool {
		return now.Sub(at) >= c.window
	})
}
