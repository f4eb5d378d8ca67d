package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/storage/lock"
)

func TestGetOrCreateCollectionIdempotent(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()

	col := mustCreateCollection(t, b, sys, "/db/a/b")
	again := mustCreateCollection(t, b, sys, "/db/a/b")
	assert.Same(t, col, again)
	assert.Equal(t, col.ID, again.ID)

	parent, err := b.GetCollection(sys, "/db/a")
	require.NoError(t, err)
	assert.True(t, parent.HasChild("b"))

	root, err := b.GetCollection(sys, RootCollectionPath)
	require.NoError(t, err)
	assert.True(t, root.HasChild("a"))
}

func TestGetOrCreateDeniedWithoutParentWrite(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	alice := &security.Principal{Name: "alice", Groups: []string{"staff"}}

	locked := mustCreateCollection(t, b, sys, "/db/locked")
	locked.Perm.Mode = 0o700
	tx := b.Begin()
	require.NoError(t, b.SaveCollection(tx, locked))
	require.NoError(t, tx.Commit())

	tx = b.Begin()
	_, err := b.GetOrCreateCollection(tx, alice, "/db/locked/sub")
	assert.True(t, IsPermissionDenied(err))
	require.NoError(t, tx.Commit())

	// The existing part of the path is untouched.
	_, err = b.GetCollection(sys, "/db/locked")
	assert.NoError(t, err)
}

func TestOpenCollectionHoldsLockUntilCommit(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/held")

	tx := b.Begin()
	col, err := b.OpenCollection(tx, sys, "/db/held", lock.ReadLock)
	require.NoError(t, err)

	// A writer cannot get in while the transaction is open.
	err = col.Lock().Acquire(lock.WriteLock, 50*time.Millisecond)
	assert.ErrorIs(t, err, lock.ErrTimeout)

	require.NoError(t, tx.Commit())
	require.NoError(t, col.Lock().Acquire(lock.WriteLock, time.Second))
	col.Lock().Release(lock.WriteLock)
}

func TestOpenCollectionSeesConcurrentRemoval(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/doomed")

	col, err := b.loadCollection("/db/doomed")
	require.NoError(t, err)
	require.NoError(t, col.Lock().Acquire(lock.WriteLock, time.Second))

	errCh := make(chan error, 1)
	go func() {
		tx := b.Begin()
		defer func() { _ = tx.Abort() }()
		_, err := b.OpenCollection(tx, sys, "/db/doomed", lock.ReadLock)
		errCh <- err
	}()

	// Let the opener block on the lock, then unlink the collection the
	// way a removal does before releasing.
	time.Sleep(100 * time.Millisecond)
	b.cache.remove("/db/doomed")
	col.Lock().Release(lock.WriteLock)

	err = <-errCh
	assert.True(t, IsNotFound(err))
}

func TestRemoveCollectionRecursive(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/a/b")
	mustStoreDocument(t, b, sys, "/db/a", "top.xml", bookTree())
	mustStoreDocument(t, b, sys, "/db/a/b", "deep.xml", bookTree())

	tx := b.Begin()
	require.NoError(t, b.RemoveCollection(tx, sys, "/db/a"))
	require.NoError(t, tx.Commit())

	_, err := b.GetCollection(sys, "/db/a")
	assert.True(t, IsNotFound(err))
	_, err = b.GetCollection(sys, "/db/a/b")
	assert.True(t, IsNotFound(err))
	_, err = b.GetDocument(sys, "/db/a/top.xml")
	assert.True(t, IsNotFound(err))

	root, err := b.GetCollection(sys, RootCollectionPath)
	require.NoError(t, err)
	assert.False(t, root.HasChild("a"))
}

func TestRemoveCollectionReleasesIDs(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()

	col := mustCreateCollection(t, b, sys, "/db/recycle")
	oldID := col.ID
	doc := mustStoreDocument(t, b, sys, "/db/recycle", "d.xml", bookTree())
	oldDocID := doc.ID

	tx := b.Begin()
	require.NoError(t, b.RemoveCollection(tx, sys, "/db/recycle"))
	require.NoError(t, tx.Commit())

	// The freed ids come back, most recently released first.
	fresh := mustCreateCollection(t, b, sys, "/db/other")
	assert.Equal(t, oldID, fresh.ID)
	redoc := mustStoreDocument(t, b, sys, "/db/other", "d.xml", bookTree())
	assert.Equal(t, oldDocID, redoc.ID)
}

func TestRemoveRootKeepsRootAlive(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/child")
	mustStoreDocument(t, b, sys, RootCollectionPath, "r.xml", bookTree())

	root, err := b.GetCollection(sys, RootCollectionPath)
	require.NoError(t, err)
	rootID := root.ID

	tx := b.Begin()
	require.NoError(t, b.RemoveCollection(tx, sys, RootCollectionPath))
	require.NoError(t, tx.Commit())

	root, err = b.GetCollection(sys, RootCollectionPath)
	require.NoError(t, err)
	assert.Equal(t, rootID, root.ID)
	assert.Empty(t, root.Children())
	assert.Empty(t, root.Documents())
}

func TestMoveCollectionRelinksSubtree(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/src/sub")
	mustStoreDocument(t, b, sys, "/db/src", "doc.xml", bookTree())

	src, err := b.loadCollection("/db/src")
	require.NoError(t, err)
	srcID := src.ID

	tx := b.Begin()
	require.NoError(t, b.MoveCollection(tx, sys, "/db/src", RootCollectionPath, "dst"))
	require.NoError(t, tx.Commit())

	_, err = b.GetCollection(sys, "/db/src")
	assert.True(t, IsNotFound(err))

	dst, err := b.GetCollection(sys, "/db/dst")
	require.NoError(t, err)
	assert.Equal(t, srcID, dst.ID)
	assert.True(t, dst.HasChild("sub"))

	// Held instances survive the move under their new path.
	assert.Same(t, src, dst)
	assert.Equal(t, "/db/dst", src.Path)

	_, err = b.GetCollection(sys, "/db/dst/sub")
	assert.NoError(t, err)
	_, err = b.GetDocument(sys, "/db/dst/doc.xml")
	assert.NoError(t, err)

	root, err := b.GetCollection(sys, RootCollectionPath)
	require.NoError(t, err)
	assert.True(t, root.HasChild("dst"))
	assert.False(t, root.HasChild("src"))
}

func TestMoveCollectionIntoOwnSubtree(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/a/b")

	tx := b.Begin()
	defer func() { _ = tx.Abort() }()
	err := b.MoveCollection(tx, sys, "/db/a", "/db/a/b", "")
	require.Error(t, err)

	err = b.MoveCollection(tx, sys, RootCollectionPath, "/db/a", "root2")
	require.Error(t, err)
}

func TestCopyCollectionDuplicatesContent(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/orig/sub")
	doc := mustStoreDocument(t, b, sys, "/db/orig", "doc.xml", bookTree())

	tx := b.Begin()
	require.NoError(t, b.CopyCollection(tx, sys, "/db/orig", RootCollectionPath, "copy"))
	require.NoError(t, tx.Commit())

	// Source is intact.
	_, err := b.GetDocument(sys, "/db/orig/doc.xml")
	require.NoError(t, err)

	copied, err := b.GetDocument(sys, "/db/copy/doc.xml")
	require.NoError(t, err)
	assert.NotEqual(t, doc.ID, copied.ID)

	tree, err := b.ReadDocumentTree(copied)
	require.NoError(t, err)
	assert.Equal(t, bookTree(), tree)

	_, err = b.GetCollection(sys, "/db/copy/sub")
	assert.NoError(t, err)
}
