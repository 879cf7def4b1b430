package pubsub

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// KeyedMutex is a set of mutexes addressed by name, used to serialize work on one
// topic or one sub_key without blocking unrelated ones. A mutex exists only
// while someone holds or waits for it.
type KeyedMutex struct {
	locks *xsync.MapOf[string, *lockEntry]
}

type lockEntry struct {
	mu   sync.Mutex
	refs int // guarded by the map bucket, see Compute
}

// NewKeyedMutex creates an empty lock table.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: xsync.NewMapOf[string, *lockEntry]()}
}

// Lock acquires the mutex for key and returns its unlock function, which must
// be called exactly once.
func (k *KeyedMutex) Lock(key string) func() {
	e, _ := k.locks.Compute(key, func(e *lockEntry, loaded bool) (*lockEntry, bool) {
		if !loaded {
			e = &lockEntry{}
		}
		e.refs++
		return e, false
	})
	e.mu.Lock()

	return func() {
		e.mu.Unlock()
		k.locks.Compute(key, func(cur *lockEntry, loaded bool) (*lockEntry, bool) {
			if !loaded {
				return cur, true
			}
			cur.refs--
			return cur, cur.refs == 0
		})
	}
}

// With runs fn while holding the mutex for key.
func (k *KeyedMutex) With(key string, fn func() error) error {
	unlock := k.Lock(key)
	defer unlock()
	return fn()
}

// Size returns how many keys are held or waited for.
func (k *KeyedMutex) Size() int {
	return k.locks.Size()
}
