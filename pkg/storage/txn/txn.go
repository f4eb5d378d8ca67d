// Package txn provides the lightweight transaction used to scope lock
// ownership across multi-step storage operations.
//
// A transaction is not an isolation mechanism: the keyed store supplies
// its own write batching. What a Txn guarantees is that every lock
// registered with it is released exactly once, on commit or abort,
// in reverse registration order.
package txn

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quercusdb/quercus/internal/logger"
	"github.com/quercusdb/quercus/pkg/storage/lock"
)

// ErrFinished is returned when Commit or Abort is called on a transaction
// that has already been finished.
var ErrFinished = errors.New("txn: transaction already finished")

// Manager hands out transactions with process-unique ids.
type Manager struct {
	nextID atomic.Uint64
}

// NewManager creates a transaction manager.
func NewManager() *Manager {
	return &Manager{}
}

// Begin starts a new transaction.
func (m *Manager) Begin() *Txn {
	return &Txn{id: m.nextID.Add(1)}
}

type registration struct {
	l    *lock.Lock
	mode lock.Mode
}

// Txn tracks the locks held by one logical storage operation.
//
// A Txn is not safe for concurrent use: it belongs to the goroutine
// driving the operation.
type Txn struct {
	id uint64

	mu    sync.Mutex
	locks []registration
	done  bool
}

// ID returns the process-unique transaction id.
func (t *Txn) ID() uint64 {
	return t.id
}

// RegisterLock records an already-acquired lock for release when the
// transaction finishes.
func (t *Txn) RegisterLock(l *lock.Lock, mode lock.Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.locks = append(t.locks, registration{l: l, mode: mode})
}

// AcquireLock acquires the lock and registers it in one step.
func (t *Txn) AcquireLock(l *lock.Lock, mode lock.Mode, timeout time.Duration) error {
	if err := l.Acquire(mode, timeout); err != nil {
		return err
	}
	t.RegisterLock(l, mode)
	return nil
}

// Commit releases every registered lock. Calling it twice, or after
// Abort, returns ErrFinished.
func (t *Txn) Commit() error {
	return t.finish("commit")
}

// Abort releases every registered lock. The storage layer calls it from
// deferred cleanup paths, so aborting an already-finished transaction is
// tolerated there via Finished.
func (t *Txn) Abort() error {
	return t.finish("abort")
}

// Finished reports whether the transaction has been committed or aborted.
func (t *Txn) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *Txn) finish(how string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.done {
		return ErrFinished
	}
	t.done = true

	// Reverse order: inner locks release before outer ones.
	for i := len(t.locks) - 1; i >= 0; i-- {
		reg := t.locks[i]
		reg.l.Release(reg.mode)
	}
	logger.Debug("txn %d: %s released %d locks", t.id, how, len(t.locks))
	t.locks = nil
	return nil
}
