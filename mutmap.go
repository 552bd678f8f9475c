package wsys

import (
	"sort"
	"sync"
)

// Mutexmap is a generic map behind a sync.RWMutex. The
// client keeps its class name -> class id cache in one.
type Mutexmap[K comparable, V any] struct {
	mut sync.RWMutex
	m   map[K]V
}

func NewMutexmap[K comparable, V any]() *Mutexmap[K, V] {
	return &Mutexmap[K, V]{
		m: make(map[K]V),
	}
}

func (m *Mutexmap[K, V]) Get(key K) (val V, ok bool) {
	m.mut.RLock()
	val, ok = m.m[key]
	m.mut.RUnlock()
	return
}

func (m *Mutexmap[K, V]) Set(key K, val V) {
	m.mut.Lock()
	m.m[key] = val
	m.mut.Unlock()
}

// Del reports whether key was present.
func (m *Mutexmap[K, V]) Del(key K) (found bool) {
	m.mut.Lock()
	_, found = m.m[key]
	delete(m.m, key)
	m.mut.Unlock()
	return
}

func (m *Mutexmap[K, V]) Len() (n int) {
	m.mut.RLock()
	n = len(m.m)
	m.mut.RUnlock()
	return
}

func (m *Mutexmap[K, V]) Clear() {
	m.mut.Lock()
	clear(m.m)
	m.mut.Unlock()
}

// SortedKeys returns the keys ordered by less.
func (m *Mutexmap[K, V]) SortedKeys(less func(a, b K) bool) (keys []K) {
	m.mut.RLock()
	for k := range m.m {
		keys = append(keys, k)
	}
	m.mut.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return
}
