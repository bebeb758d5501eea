// Package secmem holds sensitive byte strings in memory with explicit,
// overwrite-before-free deletion semantics.
package secmem

import (
	"runtime"
	"sync"
)

// Wipe overwrites a byte slice with zeros in a way that prevents the
// compiler from optimizing the writes away.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}

// Store is a keyed store of sensitive byte strings. Values are copied
// on the way in and out so callers cannot alias the backing memory;
// Delete and Clear wipe the backing memory before releasing it.
type Store struct {
	mu   sync.Mutex
	data map[string][]byte
}

func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Set stores a copy of value under key, wiping any previous value.
func (s *Store) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.data[key]; ok {
		Wipe(old)
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	s.data[key] = buf
}

// Get returns a copy of the value for key, or false if absent.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.data[key]
	if !ok {
		return nil, false
	}
	buf := make([]byte, len(v))
	copy(buf, v)
	return buf, true
}

// Delete wipes and removes the value for key. Deleting an absent key
// is a no-op.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := s.data[key]; ok {
		Wipe(v)
		delete(s.data, key)
	}
}

// Clear wipes and removes every stored value.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range s.data {
		Wipe(v)
		delete(s.data, k)
	}
}

// Len reports the number of stored values.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
