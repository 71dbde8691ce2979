// Package lock provides the mutexes used across packsync. They are backed
// by go-deadlock so lock-ordering mistakes between the git, session and
// registry layers are detected in tests instead of hanging in production.
package lock

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

func init() {
	deadlock.Opts.DeadlockTimeout = 5 * time.Minute
}

// Mutex is a deadlock-checked mutual exclusion lock.
type Mutex = deadlock.Mutex

// RWMutex is a deadlock-checked reader/writer mutual exclusion lock.
type RWMutex = deadlock.RWMutex

// KeyedMutex serialises operations per key. It is used for the per-url
// git lock, the per-(url,ref) worktree lock and the per-(user,ref)
// session lock. Locks are created on first use and never removed; the
// key space (repos, refs, sessions) is small and bounded.
type KeyedMutex struct {
	mu    Mutex
	locks map[string]*Mutex
}

// NewKeyedMutex returns an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*Mutex)}
}

// Lock acquires the lock for the given key, creating it if needed.
func (km *KeyedMutex) Lock(key string) {
	km.get(key).Lock()
}

// Unlock releases the lock for the given key.
func (km *KeyedMutex) Unlock(key string) {
	km.get(key).Unlock()
}

func (km *KeyedMutex) get(key string) *Mutex {
	km.mu.Lock()
	defer km.mu.Unlock()

	l, ok := km.locks[key]
	if !ok {
		l = &Mutex{}
		km.locks[key] = l
	}
	return l
}
