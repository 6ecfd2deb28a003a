// Package locks provides per-key mutual exclusion. The negotiation engine
// uses one keyed mutex per aggregate (ride, trip) so that acceptance,
// cancellation and expiry serialize per ride without a global lock.
package locks

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.entries[key]
	if !ok {
		e = &entry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()
	e.mu.Lock()
}

func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	e := k.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
	e.mu.Unlock()
}

// With runs fn while holding the key's lock.
func (k *KeyedMutex) With(key string, fn func() error) error {
	k.Lock(key)
	defer k.Unlock(key)
	return fn()
}
