// Package keyed provides a mutex set keyed by string, used to serialize
// mutating operations per asset and per workflow while letting different
// entities proceed in parallel.
package keyed

import "sync"

// MutexSet hands out one mutex per key. Entries are reference-counted and
// released once no goroutine holds or waits on them, so the set does not grow
// with the number of keys ever seen.
type MutexSet struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewMutexSet creates an empty MutexSet.
func NewMutexSet() *MutexSet {
	return &MutexSet{entries: make(map[string]*entry)}
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *MutexSet) Lock(key string) (unlock func()) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{}
		s.entries[key] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		s.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(s.entries, key)
		}
		s.mu.Unlock()
	}
}

// Len returns the number of live entries. For testing.
func (s *MutexSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
