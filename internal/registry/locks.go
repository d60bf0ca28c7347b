package registry

import (
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a lifecycle lock cannot be acquired within
// the configured bound. Under correct use locks are never held indefinitely,
// so hitting this is surfaced as a distinct failure rather than hanging.
var ErrLockTimeout = errors.New("timed out waiting for instance lock")

// LockTable hands out one mutual-exclusion handle per instance name, created
// lazily on first reference. Each handle is a buffered channel holding a
// single token so acquisition can carry a timeout; plain sync.Mutex cannot.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]chan struct{})}
}

func (t *LockTable) handle(name string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[name]
	if !ok {
		l = make(chan struct{}, 1)
		l <- struct{}{}
		t.locks[name] = l
	}
	return l
}

// current reports whether l is still the table's live entry for name. A token
// taken from a forgotten channel grants nothing.
func (t *LockTable) current(name string, l chan struct{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locks[name] == l
}

// Acquire takes the lock for name, waiting at most timeout. On success it
// returns a release function that must be called exactly once. There is no
// FIFO promise among waiters; whichever caller receives the token proceeds.
func (t *LockTable) Acquire(name string, timeout time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)

	for {
		l := t.handle(name)

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrLockTimeout
		}
		timer := time.NewTimer(remaining)

		select {
		case <-l:
			timer.Stop()
			// The entry may have been forgotten while we waited (destroy then
			// re-register); a token from the orphaned channel must not count.
			if !t.current(name, l) {
				continue
			}
			var once sync.Once
			release := func() {
				once.Do(func() { l <- struct{}{} })
			}
			return release, nil
		case <-timer.C:
			return nil, ErrLockTimeout
		}
	}
}

// TryAcquire takes the lock only if it is immediately free.
func (t *LockTable) TryAcquire(name string) (func(), bool) {
	for {
		l := t.handle(name)
		select {
		case <-l:
			if !t.current(name, l) {
				continue
			}
			var once sync.Once
			return func() { once.Do(func() { l <- struct{}{} }) }, true
		default:
			return nil, false
		}
	}
}

// Forget drops the lock entry for a deleted instance. The caller must hold
// the lock when calling this; a release after Forget pushes the token into
// the orphaned channel, where Acquire's liveness check ignores it.
func (t *LockTable) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, name)
}

// Len returns the number of live lock entries.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}
