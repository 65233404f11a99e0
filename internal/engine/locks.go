package engine

import "sync"

// instanceLocks hands out one mutex per instance id so all signal
// processing for a single instance is strictly serialized while different
// instances proceed in parallel. Locks are never released back; the
// per-instance footprint is a single mutex.
type instanceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newInstanceLocks() *instanceLocks {
	return &instanceLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *instanceLocks) get(instanceID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	m, ok := l.locks[instanceID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[instanceID] = m
	}
	return m
}
