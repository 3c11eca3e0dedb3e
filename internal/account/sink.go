package account

import (
	"quant-core/internal/events"
	"quant-core/internal/model"
)

// PushSink receives every reconciled snapshot.
type PushSink interface {
	Push(userID string, snap model.AccountSnapshot)
}

// SinkFunc adapts a function to PushSink.
type SinkFunc func(userID string, snap model.AccountSnapshot)

func (f SinkFunc) Push(userID string, snap model.AccountSnapshot) { f(userID, snap) }

// MultiSink fans a snapshot out to several sinks in order.
type MultiSink []PushSink

func (m MultiSink) Push(userID string, snap model.AccountSnapshot) {
	for _, s := range m {
		s.Push(userID, snap.Clone())
	}
}

// BusSink publishes snapshots as events.EventAccountSnapshot.
type BusSink struct {
	Bus *events.Bus
}

func (b BusSink) Push(_ string, snap model.AccountSnapshot) {
	b.Bus.Publish(events.EventAccountSnapshot, snap)
}
