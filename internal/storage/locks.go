package storage

import "sync"

// KeyedMutex serializes mutations per entity id. The registry and the ledger
// share one instance per entity kind so check-then-act sequences on the same
// record cannot interleave. Entries are never evicted; the population is
// bounded by the fleet and trip counts.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for id and returns its unlock func.
func (k *KeyedMutex) Lock(id string) func() {
	k.mu.Lock()
	m, ok := k.locks[id]
	if !ok {
		m = &sync.Mutex{}
		k.locks[id] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// LockAll acquires the mutexes for ids in sorted order to keep acquisition
// deadlock-free, and returns a single unlock func. Callers must pass ids
// already sorted ascending.
func (k *KeyedMutex) LockAll(ids []string) func() {
	unlocks := make([]func(), 0, len(ids))
	for _, id := range ids {
		unlocks = append(unlocks, k.Lock(id))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}
