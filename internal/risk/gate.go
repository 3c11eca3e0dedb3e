// Package risk validates strategy decisions before they reach the order pipeline.
package risk

import (
	"fmt"
	"math"
	"sync/atomic"

	"quant-core/internal/strategy"
	"quant-core/pkg/logger"
)

// Config holds the gate thresholds. The gate is off unless Enabled is set.
type Config struct {
	Enabled       bool    `json:"enabled"`
	MinConfidence float64 `json:"min_confidence"`
	MaxPosition   float64 `json:"max_position"`    // cap on positionRatio for opens
	MinRewardRisk float64 `json:"min_reward_risk"` // |tp-entry| / |entry-sl|
}

// DefaultConfig returns the production thresholds with the gate disabled.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		MinConfidence: 0.6,
		MaxPosition:   0.3,
		MinRewardRisk: 1.5,
	}
}

// Decision is the gate verdict.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Stats are monotonically increasing gate counters.
type Stats struct {
	ChecksTotal     uint64 `json:"checks_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
}

// Gate applies Config to strategy responses. Safe for concurrent use.
type Gate struct {
	cfg Config

	checks     atomic.Uint64
	rejections atomic.Uint64
}

// NewGate creates a gate. Zero thresholds take DefaultConfig values.
func NewGate(cfg Config) *Gate {
	def := DefaultConfig()
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.MaxPosition <= 0 {
		cfg.MaxPosition = def.MaxPosition
	}
	if cfg.MinRewardRisk <= 0 {
		cfg.MinRewardRisk = def.MinRewardRisk
	}
	return &Gate{cfg: cfg}
}

// Config returns the effective thresholds.
func (g *Gate) Config() Config {
	return g.cfg
}

// Validate checks resp against the thresholds. entry is the price the
// decision was made at. Full-close requests are not capped by MaxPosition.
func (g *Gate) Validate(resp strategy.Response, entry float64) Decision {
	if !g.cfg.Enabled || resp.Signal == strategy.Hold {
		return Decision{Allowed: true}
	}
	g.checks.Add(1)

	d := g.evaluate(resp, entry)
	if !d.Allowed {
		g.rejections.Add(1)
		logger.Warnf("risk gate rejected %s: %s", resp.Signal, d.Reason)
	}
	return d
}

func (g *Gate) evaluate(resp strategy.Response, entry float64) Decision {
	if resp.Confidence < g.cfg.MinConfidence {
		return reject("confidence %.2f below %.2f", resp.Confidence, g.cfg.MinConfidence)
	}
	if !resp.IsClose() && resp.PositionRatio > g.cfg.MaxPosition {
		return reject("position ratio %.2f above %.2f", resp.PositionRatio, g.cfg.MaxPosition)
	}
	if resp.StopLoss != nil && resp.TakeProfit != nil {
		rr, ok := RewardRisk(entry, *resp.StopLoss, *resp.TakeProfit)
		if !ok {
			return reject("stop loss %.8g equals entry", *resp.StopLoss)
		}
		if rr < g.cfg.MinRewardRisk {
			return reject("reward:risk %.2f below %.2f", rr, g.cfg.MinRewardRisk)
		}
	}
	return Decision{Allowed: true}
}

// Stats returns a snapshot of the counters.
func (g *Gate) Stats() Stats {
	return Stats{
		ChecksTotal:     g.checks.Load(),
		RejectionsTotal: g.rejections.Load(),
	}
}

// RewardRisk returns |tp-entry| / |entry-sl|. ok is false when the risk leg is zero.
func RewardRisk(entry, stopLoss, takeProfit float64) (float64, bool) {
	risk := math.Abs(entry - stopLoss)
	if risk == 0 {
		return 0, false
	}
	return math.Abs(takeProfit-entry) / risk, true
}

func reject(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}
