package badger

import (
	badger "github.com/dgraph-io/badger/v4"

	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// resolveKey maps a caller key to its value address inside a transaction.
func resolveKey(btx *badger.Txn, key []byte) (keyed.Address, error) {
	item, err := btx.Get(keyIndex(key))
	if err == badger.ErrKeyNotFound {
		return keyed.NilAddress, errNotFound("key not found")
	}
	if err != nil {
		return keyed.NilAddress, wrapIO("reading index entry", err)
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return keyed.NilAddress, wrapIO("reading index entry", err)
	}
	return decodeAddress(raw)
}

func (s *BadgerStore) Get(key []byte) ([]byte, error) {
	addr, err := s.GetAddress(key)
	if err != nil {
		return nil, err
	}
	return s.GetByAddress(addr)
}

func (s *BadgerStore) GetAddress(key []byte) (keyed.Address, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return keyed.NilAddress, errClosed()
	}
	s.mu.RUnlock()

	var addr keyed.Address
	err := s.db.View(func(btx *badger.Txn) error {
		a, err := resolveKey(btx, key)
		if err != nil {
			return err
		}
		addr = a
		return nil
	})
	if err != nil {
		return keyed.NilAddress, err
	}
	return addr, nil
}

func (s *BadgerStore) Put(tx *txn.Txn, key, value []byte, after keyed.Address, overwrite bool) (keyed.Address, error) {
	if err := s.writable(); err != nil {
		return keyed.NilAddress, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	// Decide between replace-in-place and fresh insert first; the fresh
	// address is only leased when actually needed.
	var existing keyed.Address
	err := s.db.View(func(btx *badger.Txn) error {
		a, err := resolveKey(btx, key)
		if err != nil {
			if keyed.IsNotFound(err) {
				return nil
			}
			return err
		}
		existing = a
		return nil
	})
	if err != nil {
		return keyed.NilAddress, err
	}

	if existing != keyed.NilAddress {
		if !overwrite {
			return keyed.NilAddress, &keyed.StoreError{Code: keyed.ErrKeyExists, Message: "key already exists"}
		}
		err := s.db.Update(func(btx *badger.Txn) error {
			prev, next, _, err := readRecord(btx, existing)
			if err != nil {
				return err
			}
			return writeRecord(btx, existing, prev, next, value)
		})
		if err != nil {
			return keyed.NilAddress, err
		}
		s.cache.Del(uint64(existing))
		return existing, nil
	}

	addr, err := s.nextAddress()
	if err != nil {
		return keyed.NilAddress, err
	}
	err = s.db.Update(func(btx *badger.Txn) error {
		if err := s.insertRecord(btx, addr, value, after); err != nil {
			return err
		}
		if err := btx.Set(keyIndex(key), encodeAddress(addr)); err != nil {
			return wrapIO("writing index entry", err)
		}
		return nil
	})
	if err != nil {
		return keyed.NilAddress, err
	}
	return addr, nil
}

func (s *BadgerStore) Remove(tx *txn.Txn, key []byte) error {
	if err := s.writable(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(btx *badger.Txn) error {
		addr, err := resolveKey(btx, key)
		if err != nil {
			return err
		}
		if err := btx.Delete(keyIndex(key)); err != nil {
			return wrapIO("deleting index entry", err)
		}
		return s.unlinkRecord(btx, addr)
	})
}

func (s *BadgerStore) BindKey(tx *txn.Txn, key []byte, addr keyed.Address) error {
	if err := s.writable(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(btx *badger.Txn) error {
		if _, err := btx.Get(keyValue(uint64(addr))); err == badger.ErrKeyNotFound {
			return errNotFound("no value at address")
		} else if err != nil {
			return wrapIO("reading value record", err)
		}
		if err := btx.Set(keyIndex(key), encodeAddress(addr)); err != nil {
			return wrapIO("writing index entry", err)
		}
		return nil
	})
}

func (s *BadgerStore) UnbindKey(tx *txn.Txn, key []byte) error {
	if err := s.writable(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.db.Update(func(btx *badger.Txn) error {
		if _, err := btx.Get(keyIndex(key)); err == badger.ErrKeyNotFound {
			return errNotFound("key not found")
		} else if err != nil {
			return wrapIO("reading index entry", err)
		}
		if err := btx.Delete(keyIndex(key)); err != nil {
			return wrapIO("deleting index entry", err)
		}
		return nil
	})
}

func (s *BadgerStore) PrefixQuery(prefix []byte, fn func(key, value []byte) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errClosed()
	}
	s.mu.RUnlock()

	return s.db.View(func(btx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyIndex(prefix)

		it := btx.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			callerKey := append([]byte(nil), item.Key()[len(prefixKey):]...)

			raw, err := item.ValueCopy(nil)
			if err != nil {
				return wrapIO("reading index entry", err)
			}
			addr, err := decodeAddress(raw)
			if err != nil {
				return err
			}
			_, _, payload, err := readRecord(btx, addr)
			if err != nil {
				return err
			}
			if err := fn(callerKey, append([]byte(nil), payload...)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) PrefixKeys(prefix []byte) ([][]byte, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errClosed()
	}
	s.mu.RUnlock()

	var keys [][]byte
	err := s.db.View(func(btx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyIndex(prefix)
		opts.PrefetchValues = false

		it := btx.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			keys = append(keys, append([]byte(nil), k[len(prefixKey):]...))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (s *BadgerStore) RemovePrefix(tx *txn.Txn, prefix []byte) (int, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}

	// Collect first: BadgerDB iterators see writes made inside the same
	// transaction, and unlink rewrites neighbour records mid-scan.
	keys, err := s.PrefixKeys(prefix)
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	removed := 0
	err = s.db.Update(func(btx *badger.Txn) error {
		for _, key := range keys {
			addr, err := resolveKey(btx, key)
			if err != nil {
				if keyed.IsNotFound(err) {
					continue
				}
				return err
			}
			if err := btx.Delete(keyIndex(key)); err != nil {
				return wrapIO("deleting index entry", err)
			}
			if err := s.unlinkRecord(btx, addr); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
