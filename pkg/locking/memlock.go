package locking

import "sync"

// MemLock is a Group backed by in-process mutexes. It only excludes callers
// within one process. Per-key mutexes are reference counted and released once
// no caller holds or waits on them.
type MemLock struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func NewMemLock() *MemLock {
	return &MemLock{locks: make(map[string]*refLock)}
}

func (m *MemLock) Do(key string, fn func() error) error {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &refLock{}
		m.locks[key] = lock
	}
	lock.refs++
	m.mu.Unlock()

	lock.Lock()
	defer func() {
		lock.Unlock()
		m.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(m.locks, key)
		}
		m.mu.Unlock()
	}()
	return fn()
}

// size returns the number of live per-key locks.
func (m *MemLock) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
