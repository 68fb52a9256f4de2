package inbound

import (
	"sync"
	"time"
)

// keyedMutex serializes work per instance id. Entries are reference counted
// and removed once no goroutine holds or waits for them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[int64]*refLock{}}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key int64) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

// staleTracker remembers events invalidated while in flight.
type staleTracker struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func newStaleTracker() *staleTracker {
	return &staleTracker{entries: map[string]time.Time{}}
}

func (s *staleTracker) Mark(messageID string, at time.Time) {
	if messageID == "" {
		return
	}
	s.mu.Lock()
	s.entries[messageID] = at
	s.mu.Unlock()
}

func (s *staleTracker) Stale(messageID string) bool {
	if messageID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[messageID]
	return ok
}

// Prune drops markers recorded before cutoff and returns how many were removed.
func (s *staleTracker) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, at := range s.entries {
		if at.Before(cutoff) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}
