package tiercache

import "sync"

// keyedMutex provides one mutex per segment key, created on demand and
// reclaimed when the last waiter releases it. It serializes mutations
// of a key's local-presence state without a cache-wide lock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu      sync.Mutex
	waiters int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.waiters++
	k.mu.Unlock()

	l.mu.Lock()
}

// TryLock acquires key's lock only if no one holds or waits on it.
// Eviction uses this to skip segments that are in use.
func (k *keyedMutex) TryLock(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	if !l.mu.TryLock() {
		return false
	}
	l.waiters++
	return true
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	l.waiters--
	if l.waiters == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()

	l.mu.Unlock()
}
