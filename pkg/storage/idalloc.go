package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// Allocator state keys (see the namespace table in keys.go).
const (
	keyFreeCollectionIDs = prefixSystem + "freeCollectionIds"
	keyNextCollectionID  = prefixSystem + "nextCollectionId"
	keyFreeDocIDs        = prefixSystem + "freeDocIds"
	keyNextDocID         = prefixSystem + "nextDocId"
)

// idAllocator hands out collection ids (uint16) and document ids
// (uint32) and takes them back for reuse.
//
// Released ids sit in a free-list blob: fixed-width big-endian entries,
// appended on release and popped from the tail on allocation, so the
// most recently released id is reused first. With no free ids the
// allocator falls back to a persistent next-counter. Ids start at 1;
// 0 marks "unassigned" throughout the orchestrator.
//
// Thread Safety: one mutex serializes the read-modify-write cycles on
// the blobs and counters.
type idAllocator struct {
	store keyed.Store
	mu    sync.Mutex
}

func newIDAllocator(store keyed.Store) *idAllocator {
	return &idAllocator{store: store}
}

// NextCollectionID allocates a collection id.
func (a *idAllocator) NextCollectionID(tx *txn.Txn) (uint16, error) {
	id, err := a.allocate(tx, keyFreeCollectionIDs, keyNextCollectionID, 2, math.MaxUint16)
	if err != nil {
		return 0, err
	}
	return uint16(id), nil
}

// ReleaseCollectionID returns a collection id to the free list.
func (a *idAllocator) ReleaseCollectionID(tx *txn.Txn, id uint16) error {
	return a.release(tx, keyFreeCollectionIDs, 2, uint64(id))
}

// NextDocID allocates a document id.
func (a *idAllocator) NextDocID(tx *txn.Txn) (uint32, error) {
	id, err := a.allocate(tx, keyFreeDocIDs, keyNextDocID, 4, math.MaxUint32)
	if err != nil {
		return 0, err
	}
	return uint32(id), nil
}

// ReleaseDocID returns a document id to the free list.
func (a *idAllocator) ReleaseDocID(tx *txn.Txn, id uint32) error {
	return a.release(tx, keyFreeDocIDs, 4, uint64(id))
}

func (a *idAllocator) allocate(tx *txn.Txn, freeKey, nextKey string, width int, max uint64) (uint64, error) {
	if a.store.ReadOnly() {
		return 0, &StorageError{Code: ErrReadOnly, Message: "cannot allocate id on read-only database"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Free list first: the tail entry is the most recently released id.
	blob, err := a.store.Get([]byte(freeKey))
	if err != nil && !keyed.IsNotFound(err) {
		return 0, mapStoreError(err, "")
	}
	if len(blob) > 0 {
		if len(blob)%width != 0 {
			return 0, errInvariant(
				fmt.Sprintf("free-id list %s has %d bytes, not a multiple of %d", freeKey, len(blob), width), "")
		}
		id := readID(blob[len(blob)-width:], width)
		rest := blob[:len(blob)-width]
		if len(rest) == 0 {
			err = a.store.Remove(tx, []byte(freeKey))
		} else {
			_, err = a.store.Put(tx, []byte(freeKey), rest, keyed.NilAddress, true)
		}
		if err != nil {
			return 0, mapStoreError(err, "")
		}
		return id, nil
	}

	// No reusable id: take the counter.
	next := uint64(1)
	raw, err := a.store.Get([]byte(nextKey))
	if err != nil && !keyed.IsNotFound(err) {
		return 0, mapStoreError(err, "")
	}
	if len(raw) > 0 {
		if len(raw) != width {
			return 0, errInvariant(
				fmt.Sprintf("id counter %s has %d bytes, expected %d", nextKey, len(raw), width), "")
		}
		next = readID(raw, width)
	}
	if next > max {
		return 0, errInvariant(fmt.Sprintf("id space %s exhausted", nextKey), "")
	}

	if _, err := a.store.Put(tx, []byte(nextKey), writeID(next+1, width), keyed.NilAddress, true); err != nil {
		return 0, mapStoreError(err, "")
	}
	return next, nil
}

func (a *idAllocator) release(tx *txn.Txn, freeKey string, width int, id uint64) error {
	if a.store.ReadOnly() {
		return &StorageError{Code: ErrReadOnly, Message: "cannot release id on read-only database"}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	blob, err := a.store.Get([]byte(freeKey))
	if err != nil && !keyed.IsNotFound(err) {
		return mapStoreError(err, "")
	}
	if len(blob)%width != 0 {
		return errInvariant(
			fmt.Sprintf("free-id list %s has %d bytes, not a multiple of %d", freeKey, len(blob), width), "")
	}

	blob = append(blob, writeID(id, width)...)
	if _, err := a.store.Put(tx, []byte(freeKey), blob, keyed.NilAddress, true); err != nil {
		return mapStoreError(err, "")
	}
	return nil
}

func readID(raw []byte, width int) uint64 {
	if width == 2 {
		return uint64(binary.BigEndian.Uint16(raw))
	}
	return uint64(binary.BigEndian.Uint32(raw))
}

func writeID(id uint64, width int) []byte {
	if width == 2 {
		out := make([]byte, 2)
		binary.BigEndian.PutUint16(out, uint16(id))
		return out
	}
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(id))
	return out
}
