package keylock

import (
	"sync"
)

// KeyLock provides an exclusive critical section per string key. Operations on
// different keys proceed independently; there is no global lock held while a
// key's section runs.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// New creates a new KeyLock
func New() *KeyLock {
	return &KeyLock{
		locks: make(map[string]*entry),
	}
}

// Lock acquires the exclusive section for key, blocking until it is free.
func (k *KeyLock) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the section for key. The per-key entry is dropped once no
// goroutine is waiting on it, so idle keys cost nothing.
func (k *KeyLock) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		k.mu.Unlock()
		panic("keylock: unlock of unheld key " + key)
	}
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	e.mu.Unlock()
}

// With runs fn while holding the exclusive section for key.
func (k *KeyLock) With(key string, fn func()) {
	k.Lock(key)
	defer k.Unlock(key)
	fn()
}
