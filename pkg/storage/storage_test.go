package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/storage/dom"
	"github.com/quercusdb/quercus/pkg/storage/index"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed/memory"
)

func newTestTxn() *txn.Txn {
	return txn.NewManager().Begin()
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	store := memory.NewMemoryStore(memory.Config{})
	observers := []index.Observer{
		index.NewElementIndex(store),
		index.NewValueIndex(store),
		index.NewQNameValueIndex(store),
		index.NewFulltextIndex(store),
	}
	b, err := New(store, observers, Config{})
	require.NoError(t, err)
	return b
}

func findElementIndex(t *testing.T, b *Broker) *index.ElementIndex {
	t.Helper()
	for _, o := range b.Dispatcher().Observers() {
		if idx, ok := o.(*index.ElementIndex); ok {
			return idx
		}
	}
	t.Fatal("element index not wired")
	return nil
}

// bookTree is the canonical test document:
//
//	<book lang="de"><title>Faust</title><author>Goethe</author><!--I--></book>
func bookTree() *dom.TreeNode {
	return dom.Element("book", []*dom.TreeNode{dom.Attr("lang", "de")},
		dom.Element("title", nil, dom.Text("Faust")),
		dom.Element("author", nil, dom.Text("Goethe")),
		dom.Comment("I"),
	)
}

func mustCreateCollection(t *testing.T, b *Broker, p *security.Principal, path string) *Collection {
	t.Helper()
	tx := b.Begin()
	col, err := b.GetOrCreateCollection(tx, p, path)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return col
}

func mustStoreDocument(t *testing.T, b *Broker, p *security.Principal, colPath, name string, tree *dom.TreeNode) *Document {
	t.Helper()
	tx := b.Begin()
	doc, err := b.StoreDocument(tx, p, colPath, name, tree, "")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return doc
}

func TestNewBrokerCreatesRoot(t *testing.T) {
	b := newTestBroker(t)

	root, err := b.GetCollection(security.SystemPrincipal(), RootCollectionPath)
	require.NoError(t, err)
	assert.NotZero(t, root.ID)
	assert.Equal(t, security.SystemUser, root.Perm.Owner)
}

func TestNewBrokerReadOnly(t *testing.T) {
	store := memory.NewMemoryStore(memory.Config{ReadOnly: true})
	b, err := New(store, nil, Config{})
	require.NoError(t, err)

	// No root is materialized on a read-only database.
	_, err = b.GetCollection(security.SystemPrincipal(), RootCollectionPath)
	assert.True(t, IsNotFound(err))
}

func TestPlanForCachesByOrder(t *testing.T) {
	b := newTestBroker(t)

	p1, err := b.planFor(16)
	require.NoError(t, err)
	p2, err := b.planFor(16)
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	// Orders below 2 fall back to the configured default.
	p3, err := b.planFor(0)
	require.NoError(t, err)
	assert.Equal(t, b.Config().DefaultOrder, p3.Order())
}

func TestSyncFlushesIndexes(t *testing.T) {
	b := newTestBroker(t)
	mustStoreDocument(t, b, security.SystemPrincipal(), RootCollectionPath, "a.xml", bookTree())

	require.NoError(t, b.Sync(true))
	assert.Zero(t, b.nodesSinceCheck.Load())
}
