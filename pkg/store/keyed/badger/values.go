package badger

import (
	badger "github.com/dgraph-io/badger/v4"

	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// readRecord loads and decodes the record at addr inside a transaction.
// The returned payload is a copy.
func readRecord(btx *badger.Txn, addr keyed.Address) (prev, next keyed.Address, payload []byte, err error) {
	item, err := btx.Get(keyValue(uint64(addr)))
	if err == badger.ErrKeyNotFound {
		return 0, 0, nil, errNotFound("no value at address")
	}
	if err != nil {
		return 0, 0, nil, wrapIO("reading value record", err)
	}

	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, 0, nil, wrapIO("reading value record", err)
	}
	return decodeRecord(raw)
}

// writeRecord stores a record at addr inside a transaction.
func writeRecord(btx *badger.Txn, addr, prev, next keyed.Address, payload []byte) error {
	if err := btx.Set(keyValue(uint64(addr)), encodeRecord(prev, next, payload)); err != nil {
		return wrapIO("writing value record", err)
	}
	return nil
}

// insertRecord splices a new record behind after (NilAddress starts a
// fresh chain) inside a transaction. The address must be pre-allocated.
func (s *BadgerStore) insertRecord(btx *badger.Txn, addr keyed.Address, value []byte, after keyed.Address) error {
	var next keyed.Address
	if after != keyed.NilAddress {
		predPrev, predNext, predPayload, err := readRecord(btx, after)
		if err != nil {
			if keyed.IsNotFound(err) {
				return errNotFound("chain predecessor missing")
			}
			return err
		}
		next = predNext
		if err := writeRecord(btx, after, predPrev, addr, predPayload); err != nil {
			return err
		}
	}
	if next != keyed.NilAddress {
		_, nextNext, nextPayload, err := readRecord(btx, next)
		if err != nil {
			return err
		}
		if err := writeRecord(btx, next, addr, nextNext, nextPayload); err != nil {
			return err
		}
	}
	return writeRecord(btx, addr, after, next, value)
}

// unlinkRecord removes the record at addr and repairs its chain inside a
// transaction.
func (s *BadgerStore) unlinkRecord(btx *badger.Txn, addr keyed.Address) error {
	prev, next, _, err := readRecord(btx, addr)
	if err != nil {
		return err
	}

	if prev != keyed.NilAddress {
		pPrev, _, pPayload, err := readRecord(btx, prev)
		if err == nil {
			if err := writeRecord(btx, prev, pPrev, next, pPayload); err != nil {
				return err
			}
		} else if !keyed.IsNotFound(err) {
			return err
		}
	}
	if next != keyed.NilAddress {
		_, nNext, nPayload, err := readRecord(btx, next)
		if err == nil {
			if err := writeRecord(btx, next, prev, nNext, nPayload); err != nil {
				return err
			}
		} else if !keyed.IsNotFound(err) {
			return err
		}
	}

	if err := btx.Delete(keyValue(uint64(addr))); err != nil {
		return wrapIO("deleting value record", err)
	}
	s.cache.Del(uint64(addr))
	return nil
}

func (s *BadgerStore) PutValue(tx *txn.Txn, value []byte, after keyed.Address) (keyed.Address, error) {
	if err := s.writable(); err != nil {
		return keyed.NilAddress, err
	}
	addr, err := s.nextAddress()
	if err != nil {
		return keyed.NilAddress, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.db.Update(func(btx *badger.Txn) error {
		return s.insertRecord(btx, addr, value, after)
	})
	if err != nil {
		return keyed.NilAddress, err
	}
	return addr, nil
}

func (s *BadgerStore) GetByAddress(addr keyed.Address) ([]byte, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errClosed()
	}
	s.mu.RUnlock()

	if payload, ok := s.cache.Get(uint64(addr)); ok {
		return append([]byte(nil), payload...), nil
	}

	var payload []byte
	err := s.db.View(func(btx *badger.Txn) error {
		_, _, p, err := readRecord(btx, addr)
		if err != nil {
			return err
		}
		payload = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Set(uint64(addr), payload, int64(len(payload)))
	return append([]byte(nil), payload...), nil
}

func (s *BadgerStore) Update(tx *txn.Txn, addr keyed.Address, value []byte) error {
	if err := s.writable(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.Update(func(btx *badger.Txn) error {
		prev, next, _, err := readRecord(btx, addr)
		if err != nil {
			return err
		}
		return writeRecord(btx, addr, prev, next, value)
	})
	if err != nil {
		return err
	}
	s.cache.Del(uint64(addr))
	return nil
}

func (s *BadgerStore) InsertAfter(tx *txn.Txn, addr keyed.Address, value []byte) (keyed.Address, error) {
	if err := s.writable(); err != nil {
		return keyed.NilAddress, err
	}
	newAddr, err := s.nextAddress()
	if err != nil {
		return keyed.NilAddress, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err = s.db.Update(func(btx *badger.Txn) error {
		// The predecessor must exist: InsertAfter splices, it never
		// starts a chain.
		if _, _, _, err := readRecord(btx, addr); err != nil {
			return err
		}
		return s.insertRecord(btx, newAddr, value, addr)
	})
	if err != nil {
		return keyed.NilAddress, err
	}
	return newAddr, nil
}

func (s *BadgerStore) RemoveByAddress(tx *txn.Txn, addr keyed.Address) error {
	if err := s.writable(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(btx *badger.Txn) error {
		return s.unlinkRecord(btx, addr)
	})
}

func (s *BadgerStore) NextInChain(addr keyed.Address) (keyed.Address, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return keyed.NilAddress, errClosed()
	}
	s.mu.RUnlock()

	var next keyed.Address
	err := s.db.View(func(btx *badger.Txn) error {
		_, n, _, err := readRecord(btx, addr)
		if err != nil {
			return err
		}
		next = n
		return nil
	})
	if err != nil {
		return keyed.NilAddress, err
	}
	return next, nil
}

func (s *BadgerStore) RemoveChain(tx *txn.Txn, first keyed.Address) (int, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	removed := 0
	err := s.db.Update(func(btx *badger.Txn) error {
		prevOfFirst, _, _, err := readRecord(btx, first)
		if err != nil {
			return err
		}

		// Terminate the surviving part of the chain, if any.
		if prevOfFirst != keyed.NilAddress {
			pPrev, _, pPayload, err := readRecord(btx, prevOfFirst)
			if err == nil {
				if err := writeRecord(btx, prevOfFirst, pPrev, keyed.NilAddress, pPayload); err != nil {
					return err
				}
			} else if !keyed.IsNotFound(err) {
				return err
			}
		}

		for addr := first; addr != keyed.NilAddress; {
			_, next, _, err := readRecord(btx, addr)
			if err != nil {
				return err
			}
			if err := btx.Delete(keyValue(uint64(addr))); err != nil {
				return wrapIO("deleting value record", err)
			}
			s.cache.Del(uint64(addr))
			removed++
			addr = next
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
