package cache

import (
	"hash/fnv"
	"sync"
)

const numShards = 16

// ShardedMap is a string-keyed map split across fnv-hashed shards.
type ShardedMap[V any] struct {
	shards [numShards]*shard[V]
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// NewShardedMap creates an empty map.
func NewShardedMap[V any]() *ShardedMap[V] {
	m := &ShardedMap[V]{}
	for i := 0; i < numShards; i++ {
		m.shards[i] = &shard[V]{items: make(map[string]V)}
	}
	return m
}

func (m *ShardedMap[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%numShards]
}

// Set stores v under key.
func (m *ShardedMap[V]) Set(key string, v V) {
	s := m.getShard(key)
	s.mu.Lock()
	s.items[key] = v
	s.mu.Unlock()
}

// Get returns the value stored under key.
func (m *ShardedMap[V]) Get(key string) (V, bool) {
	s := m.getShard(key)
	s.mu.RLock()
	v, ok := s.items[key]
	s.mu.RUnlock()
	return v, ok
}

// Update applies fn to the current value under the shard lock and stores the result.
func (m *ShardedMap[V]) Update(key string, fn func(old V, exists bool) V) V {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.items[key]
	v := fn(old, ok)
	s.items[key] = v
	return v
}

// Delete removes key.
func (m *ShardedMap[V]) Delete(key string) {
	s := m.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// DeleteIf removes key when fn approves its current value, under the shard lock.
func (m *ShardedMap[V]) DeleteIf(key string, fn func(v V) bool) bool {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	if !ok || !fn(v) {
		return false
	}
	delete(s.items, key)
	return true
}

// Len returns total items across all shards.
func (m *ShardedMap[V]) Len() int {
	total := 0
	for _, s := range m.shards {
		s.mu.RLock()
		total += len(s.items)
		s.mu.RUnlock()
	}
	return total
}

// Range calls fn for every entry until fn returns false. fn must not write to the map.
func (m *ShardedMap[V]) Range(fn func(key string, v V) bool) {
	for _, s := range m.shards {
		s.mu.RLock()
		for k, v := range s.items {
			if !fn(k, v) {
				s.mu.RUnlock()
				return
			}
		}
		s.mu.RUnlock()
	}
}

// DeleteFunc removes every entry for which fn returns true and reports how many were removed.
func (m *ShardedMap[V]) DeleteFunc(fn func(key string, v V) bool) int {
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, v := range s.items {
			if fn(k, v) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
