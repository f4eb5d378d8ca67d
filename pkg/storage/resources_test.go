package storage

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quercusdb/quercus/pkg/security"
)

func TestStoreAndReadDocument(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	tree := bookTree()

	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "book.xml", tree)
	assert.NotZero(t, doc.ID)
	assert.Equal(t, ResourceXML, doc.Type)
	assert.Equal(t, DefaultXMLMimeType, doc.MimeType)
	assert.Equal(t, uint64(tree.CountNodes()), doc.PageCount)
	assert.Equal(t, ReindexAll, doc.ReindexLevel)

	got, err := b.GetDocument(sys, "/db/book.xml")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)

	read, err := b.ReadDocumentTree(got)
	require.NoError(t, err)
	assert.Equal(t, tree, read)

	require.NoError(t, b.CheckNodeTree(got))
}

func TestStoreDocumentIndexesContent(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "book.xml", bookTree())

	idx := findElementIndex(t, b)
	postings, err := idx.Find("title")
	require.NoError(t, err)
	require.Len(t, postings, 1)
	assert.Equal(t, doc.ID, postings[0].DocID)
}

func TestStoreDocumentReplacesExisting(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()

	first := mustStoreDocument(t, b, sys, RootCollectionPath, "book.xml", bookTree())
	second := mustStoreDocument(t, b, sys, RootCollectionPath, "book.xml", bookTree())
	assert.NotEqual(t, first.ID, second.ID)

	col, err := b.GetCollection(sys, RootCollectionPath)
	require.NoError(t, err)
	assert.Len(t, col.Documents(), 1)
	assert.Equal(t, second.ID, col.Document("book.xml").ID)
}

func TestStoreRejectsCollectionName(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/taken")

	tx := b.Begin()
	defer func() { _ = tx.Abort() }()

	_, err := b.StoreDocument(tx, sys, RootCollectionPath, "taken", bookTree(), "")
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrIsCollection, se.Code)

	_, err = b.StoreBinaryResource(tx, sys, RootCollectionPath, "taken", []byte("x"), "")
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrIsCollection, se.Code)
}

func TestReplaceRequiresWriteOnOldResource(t *testing.T) {
	b := newTestBroker(t)
	alice := &security.Principal{Name: "alice", Groups: []string{"staff"}}
	bob := &security.Principal{Name: "bob", Groups: []string{"staff"}}

	// 0644: group members cannot write alice's resource.
	mustStoreDocument(t, b, alice, RootCollectionPath, "hers.xml", bookTree())

	tx := b.Begin()
	defer func() { _ = tx.Abort() }()
	_, err := b.StoreDocument(tx, bob, RootCollectionPath, "hers.xml", bookTree(), "")
	assert.True(t, IsPermissionDenied(err))
}

func TestGetDocumentDeniedWithoutRead(t *testing.T) {
	b := newTestBroker(t)
	alice := &security.Principal{Name: "alice", Groups: []string{"staff"}}
	carol := &security.Principal{Name: "carol", Groups: []string{"visitors"}}

	doc := mustStoreDocument(t, b, alice, RootCollectionPath, "a.xml", bookTree())
	doc.Perm.Mode = 0o600
	tx := b.Begin()
	require.NoError(t, b.saveDocumentMetadata(tx, doc))
	require.NoError(t, tx.Commit())

	_, err := b.GetDocument(carol, "/db/a.xml")
	assert.True(t, IsPermissionDenied(err))

	_, err = b.GetDocument(alice, "/db/a.xml")
	assert.NoError(t, err)
}

func TestRenameKeepsStorageInPlace(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "old.xml", bookTree())

	tx := b.Begin()
	require.NoError(t, b.MoveDocument(tx, sys, "/db/old.xml", RootCollectionPath, "new.xml"))
	require.NoError(t, tx.Commit())

	_, err := b.GetDocument(sys, "/db/old.xml")
	assert.True(t, IsNotFound(err))

	renamed, err := b.GetDocument(sys, "/db/new.xml")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, renamed.ID)
	assert.Equal(t, doc.RootAddr, renamed.RootAddr)
	assert.Equal(t, doc.MetadataAddr, renamed.MetadataAddr)
}

func TestMoveDocumentAcrossCollections(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/dest")
	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "m.xml", bookTree())

	tx := b.Begin()
	require.NoError(t, b.MoveDocument(tx, sys, "/db/m.xml", "/db/dest", ""))
	require.NoError(t, tx.Commit())

	_, err := b.GetDocument(sys, "/db/m.xml")
	assert.True(t, IsNotFound(err))

	moved, err := b.GetDocument(sys, "/db/dest/m.xml")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, moved.ID)

	tree, err := b.ReadDocumentTree(moved)
	require.NoError(t, err)
	assert.Equal(t, bookTree(), tree)

	// The index entries were dropped and rebuilt under the same id.
	idx := findElementIndex(t, b)
	postings, err := idx.Find("book")
	require.NoError(t, err)
	require.Len(t, postings, 1)
	assert.Equal(t, doc.ID, postings[0].DocID)
}

func TestCopyDocumentGetsFreshID(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/dest")
	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "c.xml", bookTree())

	tx := b.Begin()
	require.NoError(t, b.CopyDocument(tx, sys, "/db/c.xml", "/db/dest", ""))
	require.NoError(t, tx.Commit())

	copied, err := b.GetDocument(sys, "/db/dest/c.xml")
	require.NoError(t, err)
	assert.NotEqual(t, doc.ID, copied.ID)

	tree, err := b.ReadDocumentTree(copied)
	require.NoError(t, err)
	assert.Equal(t, bookTree(), tree)

	// Both documents are indexed independently.
	idx := findElementIndex(t, b)
	postings, err := idx.Find("book")
	require.NoError(t, err)
	assert.Len(t, postings, 2)
}

func TestCopyDocumentOntoChildCollection(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/dest/taken")
	mustStoreDocument(t, b, sys, RootCollectionPath, "c.xml", bookTree())

	tx := b.Begin()
	defer func() { _ = tx.Abort() }()
	err := b.CopyDocument(tx, sys, "/db/c.xml", "/db/dest", "taken")
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrIsCollection, se.Code)
}

func TestCopyDocumentOntoItself(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustStoreDocument(t, b, sys, RootCollectionPath, "c.xml", bookTree())

	tx := b.Begin()
	defer func() { _ = tx.Abort() }()
	err := b.CopyDocument(tx, sys, "/db/c.xml", RootCollectionPath, "")
	require.Error(t, err)
}

func TestBinaryResourceRoundTrip(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	payload := []byte("opaque bytes \x00\x01\x02")

	tx := b.Begin()
	doc, err := b.StoreBinaryResource(tx, sys, RootCollectionPath, "blob.bin", payload, "")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Equal(t, ResourceBinary, doc.Type)
	assert.Equal(t, DefaultBinaryMimeType, doc.MimeType)

	data, err := b.GetBinaryContent(sys, "/db/blob.bin")
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	r, err := b.OpenBinaryContent(sys, "/db/blob.bin")
	require.NoError(t, err)
	streamed, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, payload, streamed)
}

func TestBinaryResourceEmptyPayload(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()

	tx := b.Begin()
	doc, err := b.StoreBinaryResource(tx, sys, RootCollectionPath, "empty.bin", nil, "")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Zero(t, doc.OverflowAddr)

	data, err := b.GetBinaryContent(sys, "/db/empty.bin")
	require.NoError(t, err)
	assert.Empty(t, data)

	r, err := b.OpenBinaryContent(sys, "/db/empty.bin")
	require.NoError(t, err)
	streamed, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, streamed)
}

func TestRemoveResourceTypeMismatch(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustStoreDocument(t, b, sys, RootCollectionPath, "doc.xml", bookTree())

	tx := b.Begin()
	err := b.RemoveBinaryResource(tx, sys, "/db/doc.xml")
	require.Error(t, err)
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, ErrInvalidArgument, se.Code)

	require.NoError(t, b.RemoveXMLResource(tx, sys, "/db/doc.xml"))
	require.NoError(t, tx.Commit())

	_, err = b.GetDocument(sys, "/db/doc.xml")
	assert.True(t, IsNotFound(err))
}

func TestRemoveDocumentDropsEverything(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "gone.xml", bookTree())

	tx := b.Begin()
	require.NoError(t, b.RemoveDocument(tx, sys, "/db/gone.xml"))
	require.NoError(t, tx.Commit())

	// Node records and index entries are gone with the entry.
	_, err := b.store.GetByAddress(doc.RootAddr)
	require.Error(t, err)

	idx := findElementIndex(t, b)
	postings, err := idx.Find("book")
	require.NoError(t, err)
	assert.Empty(t, postings)

	keys, err := b.store.PrefixKeys(keyNodePrefix(doc.ID))
	require.NoError(t, err)
	assert.Empty(t, keys)
}
