package badger

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

func newStore(t *testing.T) (*BadgerStore, *txn.Txn) {
	t.Helper()
	s, err := NewBadgerStore(Config{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, txn.NewManager().Begin()
}

func TestPutGetRoundTrip(t *testing.T) {
	s, tx := newStore(t)

	addr, err := s.Put(tx, []byte("k1"), []byte("hello"), keyed.NilAddress, false)
	require.NoError(t, err)
	require.NotEqual(t, keyed.NilAddress, addr)

	got, err := s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	// Second read comes from the payload cache.
	got, err = s.GetByAddress(addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)
}

func TestPutExistingKeyKeepsAddress(t *testing.T) {
	s, tx := newStore(t)

	addr, err := s.Put(tx, []byte("k1"), []byte("v1"), keyed.NilAddress, false)
	require.NoError(t, err)

	_, err = s.Put(tx, []byte("k1"), []byte("v2"), keyed.NilAddress, false)
	assert.True(t, keyed.IsKeyExists(err))

	addr2, err := s.Put(tx, []byte("k1"), []byte("v2"), keyed.NilAddress, true)
	require.NoError(t, err)
	assert.Equal(t, addr, addr2)

	got, err := s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestChainSpliceAndRemove(t *testing.T) {
	s, tx := newStore(t)

	a, err := s.PutValue(tx, []byte("a"), keyed.NilAddress)
	require.NoError(t, err)
	c, err := s.PutValue(tx, []byte("c"), a)
	require.NoError(t, err)
	b, err := s.InsertAfter(tx, a, []byte("b"))
	require.NoError(t, err)

	next, err := s.NextInChain(a)
	require.NoError(t, err)
	assert.Equal(t, b, next)
	next, err = s.NextInChain(b)
	require.NoError(t, err)
	assert.Equal(t, c, next)

	require.NoError(t, s.RemoveByAddress(tx, b))
	next, err = s.NextInChain(a)
	require.NoError(t, err)
	assert.Equal(t, c, next)

	n, err := s.RemoveChain(tx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.GetByAddress(c)
	assert.True(t, keyed.IsNotFound(err))
}

func TestBindAndUnbindKey(t *testing.T) {
	s, tx := newStore(t)

	addr, err := s.PutValue(tx, []byte("payload"), keyed.NilAddress)
	require.NoError(t, err)

	require.NoError(t, s.BindKey(tx, []byte("k1"), addr))
	got, err := s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	require.NoError(t, s.UnbindKey(tx, []byte("k1")))
	_, err = s.Get([]byte("k1"))
	assert.True(t, keyed.IsNotFound(err))

	// Unbinding drops only the index entry, the value record survives.
	got, err = s.GetByAddress(addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	err = s.BindKey(tx, []byte("k2"), keyed.Address(1<<40))
	assert.True(t, keyed.IsNotFound(err))
}

func TestPrefixQueryOrder(t *testing.T) {
	s, tx := newStore(t)

	for _, k := range []string{"d:2", "d:1", "e:1", "d:3"} {
		_, err := s.Put(tx, []byte(k), []byte("v-"+k), keyed.NilAddress, false)
		require.NoError(t, err)
	}

	var seen []string
	err := s.PrefixQuery([]byte("d:"), func(key, value []byte) error {
		seen = append(seen, string(key))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"d:1", "d:2", "d:3"}, seen)

	err = s.PrefixQuery([]byte("d:"), func(key, value []byte) error {
		return keyed.ErrTerminated
	})
	assert.ErrorIs(t, err, keyed.ErrTerminated)
}

func TestOverflowChunking(t *testing.T) {
	s, tx := newStore(t)

	// Three full chunks plus a tail.
	payload := bytes.Repeat([]byte("q"), 3*overflowChunkSize+1234)
	addr, err := s.AddOverflow(tx, bytes.NewReader(payload))
	require.NoError(t, err)

	got, err := s.GetOverflow(addr)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	rc, err := s.OpenOverflow(addr)
	require.NoError(t, err)
	streamed, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, payload, streamed)

	require.NoError(t, s.RemoveOverflow(tx, addr))
	_, err = s.GetOverflow(addr)
	assert.True(t, keyed.IsNotFound(err))
}

func TestEmptyOverflow(t *testing.T) {
	s, tx := newStore(t)

	addr, err := s.AddOverflow(tx, bytes.NewReader(nil))
	require.NoError(t, err)

	got, err := s.GetOverflow(addr)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	tx := txn.NewManager().Begin()

	s, err := NewBadgerStore(Config{Path: dir})
	require.NoError(t, err)
	addr, err := s.Put(tx, []byte("k1"), []byte("persisted"), keyed.NilAddress, false)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(Config{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)

	// Addresses survive reopen and new ones never collide.
	got, err = s.GetByAddress(addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), got)

	addr2, err := s.PutValue(tx, []byte("fresh"), keyed.NilAddress)
	require.NoError(t, err)
	assert.NotEqual(t, addr, addr2)
}

func TestReadOnlyRejectsMutations(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBadgerStore(Config{Path: dir, ReadOnly: true})
	require.NoError(t, err)
	defer s.Close()

	tx := txn.NewManager().Begin()
	_, err = s.Put(tx, []byte("k"), []byte("v"), keyed.NilAddress, false)
	assert.True(t, keyed.IsReadOnly(err))

	err = s.Remove(tx, []byte("k"))
	assert.True(t, keyed.IsReadOnly(err))
}
