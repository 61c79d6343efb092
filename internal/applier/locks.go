package applier

import "sync"

// lockManager provides per-vault serialization. All mutations to a given
// vault key are strictly ordered; different vaults proceed in parallel.
type lockManager struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newLockManager() *lockManager {
	return &lockManager{locks: make(map[string]*sync.Mutex)}
}

func (m *lockManager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// acquire locks every key in the given order and returns a release func.
// Callers must pass keys already sorted deterministically so two transfers
// moving funds in opposite directions cannot deadlock.
func (m *lockManager) acquire(keys []string) func() {
	held := make([]*sync.Mutex, 0, len(keys))
	for _, key := range keys {
		l := m.lockFor(key)
		l.Lock()
		held = append(held, l)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
