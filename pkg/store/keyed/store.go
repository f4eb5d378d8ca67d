// Package keyed defines the storage contract the database core is built
// on: a flat store of byte values addressed two ways, by opaque key and
// by physical address.
//
// Implementations live in subpackages (badger for the persistent store,
// memory for tests and embedding). The storage orchestrator never touches
// a database API directly; everything goes through this interface.
package keyed

import (
	"io"
	"time"

	"github.com/quercusdb/quercus/pkg/storage/lock"
	"github.com/quercusdb/quercus/pkg/storage/txn"
)

// Address locates a stored value physically, independent of any key.
// Addresses are opaque: callers may compare them for equality and pass
// them back, nothing else. NilAddress is never a valid location.
type Address uint64

// NilAddress is the zero address. It marks "no value", for example the
// overflow slot of a resource without a binary payload.
const NilAddress Address = 0

// Store is the keyed store contract.
//
// Values form chains: every stored value carries links to its chain
// neighbours, letting callers append in order (Put/PutValue with an
// `after` address), splice (InsertAfter) and bulk-delete a whole chain
// (RemoveChain). The database core uses one chain per document, in
// document order.
//
// Keyed values are ordinary chain values plus an index entry key→address,
// so a value reachable by key is also reachable by address.
//
// Thread Safety:
// All methods are safe for concurrent use. Multi-step invariants that
// span several calls (for example "remove entry then update metadata")
// are the caller's job and are guarded with Lock().
//
// Error discipline:
// Methods return *StoreError; callers discriminate with errors.As or the
// Code helpers in this package.
type Store interface {
	// ========================================================================
	// Keyed access
	// ========================================================================

	// Get returns the value the key maps to.
	//
	// Returns:
	//   - []byte: the stored payload (caller owns the slice)
	//   - error: ErrNotFound when the key has no entry
	Get(key []byte) ([]byte, error)

	// GetAddress resolves a key to the address of its value without
	// reading the payload.
	GetAddress(key []byte) (Address, error)

	// Put stores a value and indexes it under key.
	//
	// The value is appended to the chain identified by after (NilAddress
	// starts a new chain). When the key already has an entry, overwrite
	// selects between replacing the payload in place (keeping the old
	// address and chain position) and failing with ErrKeyExists.
	//
	// Parameters:
	//   - tx: the owning transaction (used for diagnostics, never nil)
	//   - key: the index key
	//   - value: the payload
	//   - after: chain predecessor, or NilAddress
	//   - overwrite: replace an existing entry instead of failing
	//
	// Returns:
	//   - Address: where the value landed
	//   - error: ErrKeyExists, ErrReadOnly or an I/O failure
	Put(tx *txn.Txn, key, value []byte, after Address, overwrite bool) (Address, error)

	// Remove deletes the key's index entry and its value, unlinking the
	// value from its chain. Removing a missing key returns ErrNotFound.
	Remove(tx *txn.Txn, key []byte) error

	// BindKey indexes an already-stored value under key, replacing any
	// existing binding. The value itself is untouched.
	BindKey(tx *txn.Txn, key []byte, addr Address) error

	// UnbindKey deletes a key binding without touching the value it
	// points at. Unbinding a missing key returns ErrNotFound.
	UnbindKey(tx *txn.Txn, key []byte) error

	// PrefixQuery streams every keyed entry whose key starts with prefix,
	// in ascending key order. The callback's error stops the scan and is
	// returned verbatim; return ErrTerminated for cooperative
	// cancellation.
	PrefixQuery(prefix []byte, fn func(key, value []byte) error) error

	// PrefixKeys collects the keys under prefix in ascending order.
	PrefixKeys(prefix []byte) ([][]byte, error)

	// RemovePrefix deletes every keyed entry under prefix along with its
	// value and returns how many entries went away.
	RemovePrefix(tx *txn.Txn, prefix []byte) (int, error)

	// ========================================================================
	// Address access
	// ========================================================================

	// PutValue stores an unkeyed value, appended to the chain identified
	// by after (NilAddress starts a new chain).
	PutValue(tx *txn.Txn, value []byte, after Address) (Address, error)

	// GetByAddress reads the payload stored at addr.
	GetByAddress(addr Address) ([]byte, error)

	// Update replaces the payload at addr in place. Chain links and any
	// key pointing at addr are unaffected.
	Update(tx *txn.Txn, addr Address, value []byte) error

	// InsertAfter splices a new value into a chain directly behind addr
	// and returns the new value's address.
	InsertAfter(tx *txn.Txn, addr Address, value []byte) (Address, error)

	// RemoveByAddress deletes the value at addr and unlinks it from its
	// chain. Any key still pointing at addr becomes dangling; callers
	// remove keyed entries through Remove instead.
	RemoveByAddress(tx *txn.Txn, addr Address) error

	// NextInChain returns the chain successor of addr, or NilAddress at
	// the end of the chain.
	NextInChain(addr Address) (Address, error)

	// RemoveChain deletes the value at first and every chain successor,
	// returning the number of values removed.
	RemoveChain(tx *txn.Txn, first Address) (int, error)

	// ========================================================================
	// Overflow values
	// ========================================================================
	//
	// Overflow values hold payloads too large for ordinary entries
	// (binary resources). They are chunked internally and support
	// streaming reads.

	// AddOverflow stores everything readable from r and returns the
	// overflow address.
	AddOverflow(tx *txn.Txn, r io.Reader) (Address, error)

	// GetOverflow reads a whole overflow value into memory.
	GetOverflow(addr Address) ([]byte, error)

	// OpenOverflow returns a streaming reader over an overflow value.
	// The caller must close it.
	OpenOverflow(addr Address) (io.ReadCloser, error)

	// RemoveOverflow deletes an overflow value and all its chunks.
	RemoveOverflow(tx *txn.Txn, addr Address) error

	// ========================================================================
	// Lifecycle
	// ========================================================================

	// Flush forces buffered writes to stable storage.
	Flush() error

	// Close flushes and releases the store. The store must not be used
	// afterwards.
	Close() error

	// ReadOnly reports whether the store rejects mutations.
	ReadOnly() bool

	// Lock returns the store-wide lock used to serialize multi-call
	// sections against each other.
	Lock() *lock.Lock

	// LockTimeout returns the bounded-wait timeout callers should use
	// when acquiring Lock().
	LockTimeout() time.Duration
}
