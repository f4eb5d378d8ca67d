package badger

import (
	"bytes"
	"io"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// Overflow values are chunked so a multi-hundred-MB binary resource never
// materializes as one BadgerDB value. Chunks are written one per update
// transaction, which also keeps any single transaction small.

func (s *BadgerStore) AddOverflow(tx *txn.Txn, r io.Reader) (keyed.Address, error) {
	if err := s.writable(); err != nil {
		return keyed.NilAddress, err
	}
	addr, err := s.nextAddress()
	if err != nil {
		return keyed.NilAddress, err
	}

	buf := make([]byte, overflowChunkSize)
	var chunk uint32
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			key := keyOverflowChunk(uint64(addr), chunk)
			err := s.db.Update(func(btx *badger.Txn) error {
				return btx.Set(key, data)
			})
			if err != nil {
				return keyed.NilAddress, wrapIO("writing overflow chunk", err)
			}
			chunk++
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return keyed.NilAddress, wrapIO("reading overflow payload", readErr)
		}
	}

	// A zero-length payload still needs one chunk so the address resolves.
	if chunk == 0 {
		err := s.db.Update(func(btx *badger.Txn) error {
			return btx.Set(keyOverflowChunk(uint64(addr), 0), nil)
		})
		if err != nil {
			return keyed.NilAddress, wrapIO("writing overflow chunk", err)
		}
	}
	return addr, nil
}

func (s *BadgerStore) GetOverflow(addr keyed.Address) ([]byte, error) {
	rc, err := s.OpenOverflow(addr)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, wrapIO("reading overflow value", err)
	}
	return data, nil
}

func (s *BadgerStore) OpenOverflow(addr keyed.Address) (io.ReadCloser, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, errClosed()
	}
	s.mu.RUnlock()

	// Chunk numbers are dense and ascending, so reading chunk by chunk
	// reproduces the payload. Chunks are pulled lazily per Read call.
	exists := false
	err := s.db.View(func(btx *badger.Txn) error {
		_, err := btx.Get(keyOverflowChunk(uint64(addr), 0))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return wrapIO("reading overflow chunk", err)
		}
		exists = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errNotFound("no overflow value at address")
	}

	return &overflowReader{store: s, addr: uint64(addr)}, nil
}

func (s *BadgerStore) RemoveOverflow(tx *txn.Txn, addr keyed.Address) error {
	if err := s.writable(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	found := false
	err := s.db.Update(func(btx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyOverflowPrefix(uint64(addr))
		opts.PrefetchValues = false

		it := btx.NewIterator(opts)
		var chunkKeys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			chunkKeys = append(chunkKeys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, k := range chunkKeys {
			if err := btx.Delete(k); err != nil {
				return wrapIO("deleting overflow chunk", err)
			}
			found = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !found {
		return errNotFound("no overflow value at address")
	}
	return nil
}

// overflowReader streams an overflow value chunk by chunk.
type overflowReader struct {
	store  *BadgerStore
	addr   uint64
	chunk  uint32
	buf    bytes.Reader
	done   bool
	closed bool
}

func (r *overflowReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errClosed()
	}
	for r.buf.Len() == 0 {
		if r.done {
			return 0, io.EOF
		}
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	return r.buf.Read(p)
}

// fill loads the next chunk into the buffer, setting done past the last.
func (r *overflowReader) fill() error {
	var data []byte
	err := r.store.db.View(func(btx *badger.Txn) error {
		item, err := btx.Get(keyOverflowChunk(r.addr, r.chunk))
		if err == badger.ErrKeyNotFound {
			r.done = true
			return nil
		}
		if err != nil {
			return wrapIO("reading overflow chunk", err)
		}
		data, err = item.ValueCopy(nil)
		if err != nil {
			return wrapIO("reading overflow chunk", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if r.done {
		return nil
	}
	r.chunk++
	if len(data) == 0 {
		// Zero-length marker chunk for an empty payload.
		r.done = true
		return nil
	}
	r.buf.Reset(data)
	return nil
}

func (r *overflowReader) Close() error {
	r.closed = true
	return nil
}
