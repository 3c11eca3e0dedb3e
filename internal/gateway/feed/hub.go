// Package feed holds the fan-out and caching helpers shared by exchange adapters.
package feed

import (
	"context"
	"sync"
)

// Hub fans values out to context-scoped subscribers without blocking the publisher.
type Hub[T any] struct {
	mu     sync.Mutex
	next   int
	subs   map[int]subscriber[T]
	closed bool
}

type subscriber[T any] struct {
	ch     chan T
	accept func(T) bool
}

// NewHub creates an empty hub.
func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[int]subscriber[T])}
}

// Subscribe returns a channel that receives values accepted by filter (nil accepts all).
// The channel is closed when ctx ends or the hub closes.
func (h *Hub[T]) Subscribe(ctx context.Context, buffer int, filter func(T) bool) <-chan T {
	ch := make(chan T, buffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	id := h.next
	h.next++
	h.subs[id] = subscriber[T]{ch: ch, accept: filter}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(id)
	}()
	return ch
}

// Publish delivers v to every matching subscriber with room in its buffer.
// It reports how many received it.
func (h *Hub[T]) Publish(v T) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, s := range h.subs {
		if s.accept != nil && !s.accept(v) {
			continue
		}
		select {
		case s.ch <- v:
			n++
		default:
		}
	}
	return n
}

// Len returns the number of live subscribers.
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel.
func (h *Hub[T]) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
}

func (h *Hub[T]) remove(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.subs[id]; ok {
		close(s.ch)
		delete(h.subs, id)
	}
}
