package concurrency

import "sync"

// KeyedMutex hands out one mutex per key, created on first use. Mutexes are
// never dropped, so the key space must stay bounded (bundle names are).
type KeyedMutex struct {
	m sync.Map
}

func (k *KeyedMutex) For(key string) *sync.Mutex {
	if mu, ok := k.m.Load(key); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := k.m.LoadOrStore(key, new(sync.Mutex))
	return mu.(*sync.Mutex)
}

// Do runs fn with key's mutex held.
func (k *KeyedMutex) Do(key string, fn func()) {
	mu := k.For(key)
	mu.Lock()
	defer mu.Unlock()
	fn()
}
