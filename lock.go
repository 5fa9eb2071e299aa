package sourced

import "sync"

type (
	// Lock is a binary mutex with a wait queue. Unlike sync.Mutex it can
	// be acquired and released on different goroutines, which is what lets
	// a QueuedRepository hold it across a caller's read-modify-write
	// window. A Lock whose holder panicked is poisoned and unusable
	Lock struct {
		cond     *sync.Cond
		mu       sync.Mutex
		held     bool
		poisoned bool
	}

	// LockManager lazily creates and memoizes exactly one Lock per key,
	// returning the shared instance on repeated lookups. The map is owned
	// by the instance, not the process, and is never evicted: long-running
	// processes with high-cardinality key spaces grow it unboundedly, as
	// eviction under a potentially held lock cannot be made safe without
	// reference counting
	LockManager struct {
		locks map[string]*Lock
		mu    sync.Mutex
	}
)

// NewLock creates an unlocked Lock
func NewLock() *Lock {
	l := &Lock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock blocks the calling goroutine until the lock is available. It returns
// a LockPoisonedError if a previous holder panicked
func (l *Lock) Lock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.held && !l.poisoned {
		l.cond.Wait()
	}
	if l.poisoned {
		return &LockPoisonedError{Operation: "lock"}
	}
	l.held = true
	return nil
}

// TryLock acquires the lock without blocking, reporting whether it did
func (l *Lock) TryLock() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.poisoned {
		return false, &LockPoisonedError{Operation: "try_lock"}
	}
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

// Unlock releases the lock and wakes one waiter. Unlocking a lock that is
// not held is a no-op, so release paths can run unconditionally
func (l *Lock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held {
		return
	}
	l.held = false
	l.cond.Signal()
}

// With runs fn while holding the lock. If fn panics the lock is poisoned
// before the panic resumes; every later acquisition fails with a
// LockPoisonedError
func (l *Lock) With(fn func() error) error {
	if err := l.Lock(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			l.poison()
			panic(r)
		}
		l.Unlock()
	}()
	return fn()
}

func (l *Lock) poison() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.poisoned = true
	l.cond.Broadcast()
}

// NewLockManager creates an empty LockManager
func NewLockManager() *LockManager {
	return &LockManager{
		locks: map[string]*Lock{},
	}
}

// Get returns the Lock for key, creating it on first use
func (m *LockManager) Get(key string) *Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.locks[key]; ok {
		return l
	}
	l := NewLock()
	m.locks[key] = l
	return l
}

// Len returns the number of keys ever locked through this manager
func (m *LockManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
