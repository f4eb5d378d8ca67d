package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/storage/gid"
	"github.com/quercusdb/quercus/pkg/storage/index"
)

func elementPostings(t *testing.T, b *Broker, name string) []index.Posting {
	t.Helper()
	postings, err := findElementIndex(t, b).Find(name)
	require.NoError(t, err)
	return postings
}

func TestReindexDocumentIdempotent(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "r.xml", bookTree())

	before := elementPostings(t, b, "title")
	require.Len(t, before, 1)

	for range 2 {
		tx := b.Begin()
		require.NoError(t, b.ReindexDocument(context.Background(), tx, doc))
		require.NoError(t, tx.Commit())
	}

	assert.Equal(t, before, elementPostings(t, b, "title"))
	assert.Equal(t, ReindexAll, doc.ReindexLevel)

	// Structural keys survive the rebuild.
	root, err := b.NodeByGID(doc, gid.Root)
	require.NoError(t, err)
	assert.Equal(t, doc.RootAddr, root.Address)
}

func TestReindexSubtreeRepairsWatermark(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "r.xml", bookTree())
	authorGID := childGID(t, b, doc, gid.Root, 2)

	tx := b.Begin()
	require.NoError(t, b.RemoveNodeSubtree(tx, doc, authorGID))
	require.NoError(t, tx.Commit())
	require.Equal(t, 1, doc.ReindexLevel)

	tx = b.Begin()
	require.NoError(t, b.ReindexSubtree(context.Background(), tx, doc, gid.Invalid))
	require.NoError(t, tx.Commit())
	assert.Equal(t, ReindexAll, doc.ReindexLevel)

	// The surviving element is still findable, the removed one is not.
	assert.Len(t, elementPostings(t, b, "title"), 1)
	assert.Empty(t, elementPostings(t, b, "author"))
}

func TestReindexSubtreeNoOpWhenClean(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "r.xml", bookTree())

	tx := b.Begin()
	require.NoError(t, b.ReindexSubtree(context.Background(), tx, doc, gid.Invalid))
	require.NoError(t, tx.Commit())
	assert.Equal(t, ReindexAll, doc.ReindexLevel)
}

func TestReindexDocumentHonorsCancellation(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "r.xml", bookTree())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tx := b.Begin()
	defer func() { _ = tx.Abort() }()
	err := b.ReindexDocument(ctx, tx, doc)
	assert.True(t, IsTerminated(err))
}

func TestReindexCollectionWalksSubtree(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	mustCreateCollection(t, b, sys, "/db/lib/sub")
	mustStoreDocument(t, b, sys, "/db/lib", "a.xml", bookTree())
	mustStoreDocument(t, b, sys, "/db/lib/sub", "b.xml", bookTree())

	tx := b.Begin()
	require.NoError(t, b.ReindexCollection(context.Background(), tx, sys, "/db/lib"))
	require.NoError(t, tx.Commit())

	assert.Len(t, elementPostings(t, b, "book"), 2)
}

func TestDropCollectionIndex(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "d.xml", bookTree())

	col, err := b.loadCollection(RootCollectionPath)
	require.NoError(t, err)

	tx := b.Begin()
	require.NoError(t, b.DropCollectionIndex(tx, col))
	require.NoError(t, tx.Commit())

	assert.Empty(t, elementPostings(t, b, "book"))
	keys, err := b.store.PrefixKeys(keyNodePrefix(doc.ID))
	require.NoError(t, err)
	assert.Empty(t, keys)

	// Node content is untouched; a full reindex restores everything.
	tx = b.Begin()
	require.NoError(t, b.ReindexDocument(context.Background(), tx, doc))
	require.NoError(t, tx.Commit())
	assert.Len(t, elementPostings(t, b, "book"), 1)
}

func TestDefragDocumentRewritesChain(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()
	doc := mustStoreDocument(t, b, sys, RootCollectionPath, "f.xml", bookTree())

	// Fragment the document a little first.
	authorGID := childGID(t, b, doc, gid.Root, 2)
	tx := b.Begin()
	require.NoError(t, b.RemoveNodeSubtree(tx, doc, authorGID))
	require.NoError(t, tx.Commit())
	require.NotZero(t, doc.SplitCount)
	oldRoot := doc.RootAddr

	expected, err := b.ReadDocumentTree(doc)
	require.NoError(t, err)

	tx = b.Begin()
	require.NoError(t, b.DefragDocument(context.Background(), tx, doc))
	require.NoError(t, tx.Commit())

	// Fresh addresses, same content, counters reset.
	assert.NotEqual(t, oldRoot, doc.RootAddr)
	assert.Zero(t, doc.SplitCount)
	assert.Equal(t, ReindexAll, doc.ReindexLevel)
	assert.Equal(t, uint64(bookTree().CountNodes()-2), doc.PageCount)

	got, err := b.ReadDocumentTree(doc)
	require.NoError(t, err)
	assert.Equal(t, expected, got)
	require.NoError(t, b.CheckNodeTree(doc))

	// Identifiers stay valid across the rewrite.
	root, err := b.NodeByGID(doc, gid.Root)
	require.NoError(t, err)
	assert.Equal(t, doc.RootAddr, root.Address)

	assert.Len(t, elementPostings(t, b, "title"), 1)
	assert.Empty(t, elementPostings(t, b, "author"))
}

func TestDefragDocumentRejectsBinary(t *testing.T) {
	b := newTestBroker(t)
	sys := security.SystemPrincipal()

	tx := b.Begin()
	doc, err := b.StoreBinaryResource(tx, sys, RootCollectionPath, "b.bin", []byte("x"), "")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx = b.Begin()
	defer func() { _ = tx.Abort() }()
	err = b.DefragDocument(context.Background(), tx, doc)
	require.Error(t, err)
}
