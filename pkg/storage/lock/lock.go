// Package lock provides the reader/writer lock used to guard collections
// and store pages.
//
// Unlike sync.RWMutex, acquisition is bounded: a caller that cannot take
// the lock within its timeout gets ErrTimeout back instead of blocking
// forever. Deadlocks between collection operations therefore surface as
// timeout errors rather than hung goroutines.
package lock

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned when a lock cannot be acquired within the
// caller's timeout. Callers translate it into their own error taxonomy.
var ErrTimeout = errors.New("lock: acquisition timed out")

// DefaultTimeout bounds lock waits when the caller does not supply one.
const DefaultTimeout = 30 * time.Second

// Mode selects shared or exclusive acquisition.
type Mode int

const (
	// ReadLock is the shared mode: any number of concurrent holders,
	// as long as no writer holds the lock.
	ReadLock Mode = iota

	// WriteLock is the exclusive mode.
	WriteLock
)

func (m Mode) String() string {
	if m == WriteLock {
		return "write"
	}
	return "read"
}

// Lock is a reader/writer lock with bounded waits.
//
// Acquisitions are not reentrant. Callers that need to hold a lock across
// several operations register it with a transaction (see the txn package)
// and release through the transaction exactly once.
//
// There is no fairness guarantee between waiting readers and writers;
// the bounded wait keeps starvation from turning into a hang.
type Lock struct {
	// name identifies the protected object in log and error output,
	// typically a collection path
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	readers int
	writing bool
}

// New creates a released lock. The name appears in diagnostics only.
func New(name string) *Lock {
	l := &Lock{name: name}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Name returns the diagnostic name given at construction.
func (l *Lock) Name() string {
	return l.name
}

// Acquire takes the lock in the given mode, waiting at most timeout.
// A non-positive timeout means DefaultTimeout.
//
// Returns:
//   - error: ErrTimeout when the wait expires, nil on success
func (l *Lock) Acquire(mode Mode, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	l.mu.Lock()
	defer l.mu.Unlock()

	for !l.grantable(mode) {
		if !l.waitUntil(deadline) {
			return ErrTimeout
		}
	}

	if mode == WriteLock {
		l.writing = true
	} else {
		l.readers++
	}
	return nil
}

// Release drops one holder in the given mode. Releasing a lock that is
// not held in that mode panics: it indicates a lock-discipline bug that
// must not be papered over.
func (l *Lock) Release(mode Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if mode == WriteLock {
		if !l.writing {
			panic("lock: release of unheld write lock on " + l.name)
		}
		l.writing = false
	} else {
		if l.readers == 0 {
			panic("lock: release of unheld read lock on " + l.name)
		}
		l.readers--
	}
	l.cond.Broadcast()
}

// TryAcquire takes the lock only if it is immediately available.
func (l *Lock) TryAcquire(mode Mode) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.grantable(mode) {
		return false
	}
	if mode == WriteLock {
		l.writing = true
	} else {
		l.readers++
	}
	return true
}

// grantable must be called with mu held.
func (l *Lock) grantable(mode Mode) bool {
	if l.writing {
		return false
	}
	if mode == WriteLock {
		return l.readers == 0
	}
	return true
}

// waitUntil blocks on the condition until woken or past the deadline.
// Must be called with mu held; returns false once the deadline passed.
func (l *Lock) waitUntil(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	timer := time.AfterFunc(remaining, func() {
		l.mu.Lock()
		l.cond.Broadcast()
		l.mu.Unlock()
	})
	defer timer.Stop()

	l.cond.Wait()
	return time.Now().Before(deadline)
}
