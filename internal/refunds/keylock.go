package refunds

import (
	"sync"
	"time"
)

// keyLock hands out one mutex per key so refund operations against the same
// purchase or quote serialize without a global lock. Idle entries are swept
// after a TTL to keep the map from growing with every refund ever seen.
type keyLock struct {
	mu        sync.Mutex
	entries   map[string]*lockEntry
	ttl       time.Duration
	lastSweep time.Time
}

type lockEntry struct {
	mu      sync.Mutex
	refs    int
	lastUse time.Time
}

func newKeyLock(ttl time.Duration) *keyLock {
	return &keyLock{
		entries:   make(map[string]*lockEntry),
		ttl:       ttl,
		lastSweep: time.Now(),
	}
}

// Lock blocks until the key's mutex is held and returns the unlock function.
func (k *keyLock) Lock(key string) func() {
	k.mu.Lock()
	now := time.Now()
	if now.Sub(k.lastSweep) > k.ttl {
		k.sweepLocked(now)
	}
	e, ok := k.entries[key]
	if !ok {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		e.lastUse = time.Now()
		k.mu.Unlock()
	}
}

// sweepLocked drops unreferenced entries idle past the TTL. Caller holds k.mu.
func (k *keyLock) sweepLocked(now time.Time) {
	for key, e := range k.entries {
		if e.refs == 0 && now.Sub(e.lastUse) > k.ttl {
			delete(k.entries, key)
		}
	}
	k.lastSweep = now
}
