// Package memory provides an in-memory keyed.Store.
//
// It keeps everything in maps and is intended for tests and for embedding
// scenarios where persistence is not needed. The semantics match the
// badger implementation exactly, including chain maintenance and the
// read-only mode.
package memory

import (
	"bytes"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/quercusdb/quercus/pkg/storage/lock"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// record is one stored value with its chain links.
type record struct {
	prev    keyed.Address
	next    keyed.Address
	payload []byte
}

// MemoryStore implements keyed.Store on top of plain maps.
//
// Thread Safety: a single RWMutex guards all state. PrefixQuery snapshots
// the matching entries before invoking callbacks, so callbacks may call
// back into the store.
type MemoryStore struct {
	mu       sync.RWMutex
	keys     map[string]keyed.Address
	values   map[keyed.Address]*record
	overflow map[keyed.Address][]byte
	nextAddr keyed.Address
	readOnly bool
	closed   bool

	storeLock   *lock.Lock
	lockTimeout time.Duration
}

// Config contains the knobs for a memory store.
type Config struct {
	// ReadOnly makes every mutation fail with ErrReadOnly
	ReadOnly bool

	// LockTimeout bounds waits on the store-wide lock (default 30s)
	LockTimeout time.Duration
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(config Config) *MemoryStore {
	timeout := config.LockTimeout
	if timeout <= 0 {
		timeout = lock.DefaultTimeout
	}
	return &MemoryStore{
		keys:        make(map[string]keyed.Address),
		values:      make(map[keyed.Address]*record),
		overflow:    make(map[keyed.Address][]byte),
		storeLock:   lock.New("keyed-memory"),
		lockTimeout: timeout,
		readOnly:    config.ReadOnly,
	}
}

var _ keyed.Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed()
	}
	addr, ok := s.keys[string(key)]
	if !ok {
		return nil, errNotFound("key not found")
	}
	rec := s.values[addr]
	if rec == nil {
		return nil, &keyed.StoreError{Code: keyed.ErrCorrupt, Message: "key points at missing value"}
	}
	return append([]byte(nil), rec.payload...), nil
}

func (s *MemoryStore) GetAddress(key []byte) (keyed.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return keyed.NilAddress, errClosed()
	}
	addr, ok := s.keys[string(key)]
	if !ok {
		return keyed.NilAddress, errNotFound("key not found")
	}
	return addr, nil
}

func (s *MemoryStore) Put(tx *txn.Txn, key, value []byte, after keyed.Address, overwrite bool) (keyed.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return keyed.NilAddress, err
	}

	if addr, ok := s.keys[string(key)]; ok {
		if !overwrite {
			return keyed.NilAddress, &keyed.StoreError{Code: keyed.ErrKeyExists, Message: "key already exists"}
		}
		// Replace in place: address and chain position survive.
		s.values[addr].payload = append([]byte(nil), value...)
		return addr, nil
	}

	addr, err := s.insertLocked(value, after)
	if err != nil {
		return keyed.NilAddress, err
	}
	s.keys[string(key)] = addr
	return addr, nil
}

func (s *MemoryStore) Remove(tx *txn.Txn, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}
	addr, ok := s.keys[string(key)]
	if !ok {
		return errNotFound("key not found")
	}
	delete(s.keys, string(key))
	return s.unlinkLocked(addr)
}

func (s *MemoryStore) BindKey(tx *txn.Txn, key []byte, addr keyed.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}
	if _, ok := s.values[addr]; !ok {
		return errNotFound("no value at address")
	}
	s.keys[string(key)] = addr
	return nil
}

func (s *MemoryStore) UnbindKey(tx *txn.Txn, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}
	if _, ok := s.keys[string(key)]; !ok {
		return errNotFound("key not found")
	}
	delete(s.keys, string(key))
	return nil
}

func (s *MemoryStore) PrefixQuery(prefix []byte, fn func(key, value []byte) error) error {
	entries, err := s.snapshotPrefix(prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) PrefixKeys(prefix []byte) ([][]byte, error) {
	entries, err := s.snapshotPrefix(prefix)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, len(entries))
	for i, e := range entries {
		keys[i] = e.key
	}
	return keys, nil
}

func (s *MemoryStore) RemovePrefix(tx *txn.Txn, prefix []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return 0, err
	}

	removed := 0
	for k, addr := range s.keys {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		delete(s.keys, k)
		if err := s.unlinkLocked(addr); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) PutValue(tx *txn.Txn, value []byte, after keyed.Address) (keyed.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return keyed.NilAddress, err
	}
	return s.insertLocked(value, after)
}

func (s *MemoryStore) GetByAddress(addr keyed.Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed()
	}
	rec, ok := s.values[addr]
	if !ok {
		return nil, errNotFound("no value at address")
	}
	return append([]byte(nil), rec.payload...), nil
}

func (s *MemoryStore) Update(tx *txn.Txn, addr keyed.Address, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}
	rec, ok := s.values[addr]
	if !ok {
		return errNotFound("no value at address")
	}
	rec.payload = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) InsertAfter(tx *txn.Txn, addr keyed.Address, value []byte) (keyed.Address, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return keyed.NilAddress, err
	}
	if _, ok := s.values[addr]; !ok {
		return keyed.NilAddress, errNotFound("no value at address")
	}
	return s.insertLocked(value, addr)
}

func (s *MemoryStore) RemoveByAddress(tx *txn.Txn, addr keyed.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}
	return s.unlinkLocked(addr)
}

func (s *MemoryStore) NextInChain(addr keyed.Address) (keyed.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return keyed.NilAddress, errClosed()
	}
	rec, ok := s.values[addr]
	if !ok {
		return keyed.NilAddress, errNotFound("no value at address")
	}
	return rec.next, nil
}

func (s *MemoryStore) RemoveChain(tx *txn.Txn, first keyed.Address) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return 0, err
	}

	head, ok := s.values[first]
	if !ok {
		return 0, errNotFound("no value at address")
	}

	// The head may have a live predecessor (partial-chain removal);
	// terminate the surviving part of the chain.
	if head.prev != keyed.NilAddress {
		if prev, ok := s.values[head.prev]; ok {
			prev.next = keyed.NilAddress
		}
	}

	removed := 0
	for addr := first; addr != keyed.NilAddress; {
		rec, ok := s.values[addr]
		if !ok {
			return removed, errNotFound("chain broken: no value at address")
		}
		next := rec.next
		delete(s.values, addr)
		removed++
		addr = next
	}
	return removed, nil
}

func (s *MemoryStore) AddOverflow(tx *txn.Txn, r io.Reader) (keyed.Address, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return keyed.NilAddress, &keyed.StoreError{Code: keyed.ErrIO, Message: "reading overflow payload: " + err.Error()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return keyed.NilAddress, err
	}
	s.nextAddr++
	addr := s.nextAddr
	s.overflow[addr] = data
	return addr, nil
}

func (s *MemoryStore) GetOverflow(addr keyed.Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed()
	}
	data, ok := s.overflow[addr]
	if !ok {
		return nil, errNotFound("no overflow value at address")
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) OpenOverflow(addr keyed.Address) (io.ReadCloser, error) {
	data, err := s.GetOverflow(addr)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemoryStore) RemoveOverflow(tx *txn.Txn, addr keyed.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writable(); err != nil {
		return err
	}
	if _, ok := s.overflow[addr]; !ok {
		return errNotFound("no overflow value at address")
	}
	delete(s.overflow, addr)
	return nil
}

func (s *MemoryStore) Flush() error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemoryStore) ReadOnly() bool {
	return s.readOnly
}

func (s *MemoryStore) Lock() *lock.Lock {
	return s.storeLock
}

func (s *MemoryStore) LockTimeout() time.Duration {
	return s.lockTimeout
}

// SetReadOnly flips the read-only flag. Tests use it to exercise the
// ErrReadOnly paths without reopening the store.
func (s *MemoryStore) SetReadOnly(ro bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOnly = ro
}

// writable must be called with mu held.
func (s *MemoryStore) writable() error {
	if s.closed {
		return errClosed()
	}
	if s.readOnly {
		return &keyed.StoreError{Code: keyed.ErrReadOnly, Message: "store is read-only"}
	}
	return nil
}

// insertLocked stores value spliced behind after (NilAddress starts a new
// chain). Must be called with mu held.
func (s *MemoryStore) insertLocked(value []byte, after keyed.Address) (keyed.Address, error) {
	var next keyed.Address
	if after != keyed.NilAddress {
		pred, ok := s.values[after]
		if !ok {
			return keyed.NilAddress, errNotFound("chain predecessor missing")
		}
		next = pred.next
	}

	s.nextAddr++
	addr := s.nextAddr
	s.values[addr] = &record{
		prev:    after,
		next:    next,
		payload: append([]byte(nil), value...),
	}

	if after != keyed.NilAddress {
		s.values[after].next = addr
	}
	if next != keyed.NilAddress {
		s.values[next].prev = addr
	}
	return addr, nil
}

// unlinkLocked removes the value at addr and repairs its chain. Must be
// called with mu held.
func (s *MemoryStore) unlinkLocked(addr keyed.Address) error {
	rec, ok := s.values[addr]
	if !ok {
		return errNotFound("no value at address")
	}
	if rec.prev != keyed.NilAddress {
		if prev, ok := s.values[rec.prev]; ok {
			prev.next = rec.next
		}
	}
	if rec.next != keyed.NilAddress {
		if next, ok := s.values[rec.next]; ok {
			next.prev = rec.prev
		}
	}
	delete(s.values, addr)
	return nil
}

type prefixEntry struct {
	key   []byte
	value []byte
}

// snapshotPrefix copies the matching entries under the read lock so
// callbacks can safely mutate the store.
func (s *MemoryStore) snapshotPrefix(prefix []byte) ([]prefixEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed()
	}

	var entries []prefixEntry
	for k, addr := range s.keys {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		rec := s.values[addr]
		if rec == nil {
			continue
		}
		entries = append(entries, prefixEntry{
			key:   []byte(k),
			value: append([]byte(nil), rec.payload...),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})
	return entries, nil
}

func errNotFound(msg string) error {
	return &keyed.StoreError{Code: keyed.ErrNotFound, Message: msg}
}

func errClosed() error {
	return &keyed.StoreError{Code: keyed.ErrClosed, Message: "store is closed"}
}
