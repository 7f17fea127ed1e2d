package syncmap

import "sync"

// Map is an implementation of a map that is safe for concurrent usage.
type Map[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{
		m: make(map[K]V),
	}
}

func (s *Map[K, V]) Load(key K) (value V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.m[key]
	return
}

// LoadAndDelete removes the key and returns the value it held.
func (s *Map[K, V]) LoadAndDelete(key K) (value V, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok = s.m[key]
	delete(s.m, key)
	return
}

// StoreIfAbsent stores the value only when the key is missing and reports
// whether it did.
func (s *Map[K, V]) StoreIfAbsent(key K, value V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return false
	}
	s.m[key] = value
	return true
}

func (s *Map[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *Map[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// DeleteIf removes the key when f approves its current value.
func (s *Map[K, V]) DeleteIf(key K, f func(value V) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.m[key]
	if !ok || !f(value) {
		return false
	}
	delete(s.m, key)
	return true
}

func (s *Map[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Drain removes every entry and returns them.
func (s *Map[K, V]) Drain() map[K]V {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.m
	s.m = make(map[K]V)
	return m
}
