package device

import "sync"

// serialLocks serializes transitions per serial. Distinct serials proceed in
// parallel; the same serial holds the lock for the full transition attempt.
type serialLocks struct {
	mu    sync.Mutex
	locks map[string]*serialLock
}

type serialLock struct {
	mu   sync.Mutex
	refs int
}

func newSerialLocks() *serialLocks {
	return &serialLocks{locks: make(map[string]*serialLock)}
}

func (s *serialLocks) lock(serial string) {
	s.mu.Lock()
	entry, ok := s.locks[serial]
	if !ok {
		entry = &serialLock{}
		s.locks[serial] = entry
	}
	entry.refs++
	s.mu.Unlock()

	entry.mu.Lock()
}

func (s *serialLocks) unlock(serial string) {
	s.mu.Lock()
	entry := s.locks[serial]
	entry.refs--
	if entry.refs == 0 {
		delete(s.locks, serial)
	}
	s.mu.Unlock()

	entry.mu.Unlock()
}
