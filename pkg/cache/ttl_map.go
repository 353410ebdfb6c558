package cache

import (
	"sort"
	"sync"
	"time"
)

type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// TTLMap is a concurrent keyed store whose entries carry an absolute expiry.
// Entries are overwritten on Set and never evicted. Callers decide freshness
// at read time.
type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]Entry[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]Entry[V]{}}
}

func (m *TTLMap[K, V]) Get(key K) (Entry[V], bool) {
	if m == nil {
		return Entry[V]{}, false
	}
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	return it, ok
}

func (m *TTLMap[K, V]) SetWithExpiry(key K, value V, expiresAt time.Time) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.items[key] = Entry[V]{Value: value, ExpiresAt: expiresAt}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Keys returns every stored key, sorted with less so callers get a stable order.
func (m *TTLMap[K, V]) Keys(less func(a, b K) bool) []K {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	out := make([]K, 0, len(m.items))
	for k := range m.items {
		out = append(out, k)
	}
	m.mu.RUnlock()
	if less != nil {
		sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	}
	return out
}
