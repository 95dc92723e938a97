package syncutil

import "sync"

// KeyMutex provides a mutex per key.
//
// An entry lives only while at least one caller holds or awaits its mutex:
// the last unlock removes it, so locking arbitrary keys never grows the set
// permanently.
type KeyMutex[K comparable] struct {
	mu   sync.Mutex
	muxs map[K]*keyMutexEntry
}

type keyMutexEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the mutex for the given key.
// Returns a function that releases the mutex.
func (km *KeyMutex[K]) Lock(key K) (unlock func()) {
	km.mu.Lock()
	if km.muxs == nil {
		km.muxs = make(map[K]*keyMutexEntry)
	}
	e, ok := km.muxs[key]
	if !ok {
		e = &keyMutexEntry{}
		km.muxs[key] = e
	}
	e.refs++
	km.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		km.mu.Lock()
		if e.refs--; e.refs == 0 {
			delete(km.muxs, key)
		}
		km.mu.Unlock()
	}
}

// Size returns the number of keys with held or awaited mutexes.
func (km *KeyMutex[K]) Size() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.muxs)
}
