package index

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quercusdb/quercus/pkg/storage/dom"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed/memory"
)

// failingObserver errors on every handler; the dispatcher must keep
// going regardless.
type failingObserver struct {
	calls int
}

func (f *failingObserver) Name() string                                { return "failing" }
func (f *failingObserver) fail() error                                 { f.calls++; return errors.New("boom") }
func (f *failingObserver) StartElement(*txn.Txn, *NodeEvent) error     { return f.fail() }
func (f *failingObserver) EndElement(*txn.Txn, *NodeEvent) error       { return f.fail() }
func (f *failingObserver) StoreAttribute(*txn.Txn, *NodeEvent) error   { return f.fail() }
func (f *failingObserver) StoreText(*txn.Txn, *NodeEvent) error        { return f.fail() }
func (f *failingObserver) RemoveNode(*txn.Txn, *NodeEvent) error       { return f.fail() }
func (f *failingObserver) EndRemove(*txn.Txn, uint32) error            { return f.fail() }
func (f *failingObserver) DropForDocument(*txn.Txn, uint32) error      { return f.fail() }
func (f *failingObserver) DropForCollection(*txn.Txn, []uint32) error  { return f.fail() }
func (f *failingObserver) Reindex(*txn.Txn, uint32) error              { return f.fail() }
func (f *failingObserver) Flush() error                                { return f.fail() }
func (f *failingObserver) Sync() error                                 { return f.fail() }

func newTx() *txn.Txn {
	return txn.NewManager().Begin()
}

func TestDispatchFailOpen(t *testing.T) {
	store := memory.NewMemoryStore(memory.Config{})
	elements := NewElementIndex(store)
	failing := &failingObserver{}

	var errored []string
	d := NewDispatcher([]Observer{failing, elements}, func(component, handler string) {
		errored = append(errored, component+"/"+handler)
	})

	tx := newTx()
	d.StartElement(tx, &NodeEvent{DocID: 7, Node: dom.NewElement(1, "root")})

	// The failing component errored, the healthy one still indexed.
	assert.Equal(t, []string{"failing/StartElement"}, errored)
	postings, err := elements.Find("root")
	require.NoError(t, err)
	assert.Len(t, postings, 1)
}

func TestElementIndexRoundTrip(t *testing.T) {
	store := memory.NewMemoryStore(memory.Config{})
	idx := NewElementIndex(store)
	tx := newTx()

	require.NoError(t, idx.StartElement(tx, &NodeEvent{DocID: 1, Node: dom.NewElement(1, "book")}))
	require.NoError(t, idx.StartElement(tx, &NodeEvent{DocID: 1, Node: dom.NewElement(2, "title")}))
	require.NoError(t, idx.StartElement(tx, &NodeEvent{DocID: 2, Node: dom.NewElement(1, "book")}))

	postings, err := idx.Find("book")
	require.NoError(t, err)
	assert.Equal(t, []Posting{{DocID: 1, GID: 1}, {DocID: 2, GID: 1}}, postings)

	postings, err = idx.Find("missing")
	require.NoError(t, err)
	assert.Empty(t, postings)
}

func TestTwoPhaseRemoval(t *testing.T) {
	store := memory.NewMemoryStore(memory.Config{})
	idx := NewElementIndex(store)
	tx := newTx()

	node := dom.NewElement(2, "title")
	require.NoError(t, idx.StartElement(tx, &NodeEvent{DocID: 1, Node: node}))

	// Phase one marks; the posting must still be visible.
	require.NoError(t, idx.RemoveNode(tx, &NodeEvent{DocID: 1, Node: node}))
	postings, err := idx.Find("title")
	require.NoError(t, err)
	assert.Len(t, postings, 1)

	// Phase two purges.
	require.NoError(t, idx.EndRemove(tx, 1))
	postings, err = idx.Find("title")
	require.NoError(t, err)
	assert.Empty(t, postings)
}

func TestDropForDocumentLeavesOtherDocs(t *testing.T) {
	store := memory.NewMemoryStore(memory.Config{})
	idx := NewElementIndex(store)
	tx := newTx()

	require.NoError(t, idx.StartElement(tx, &NodeEvent{DocID: 1, Node: dom.NewElement(1, "book")}))
	require.NoError(t, idx.StartElement(tx, &NodeEvent{DocID: 2, Node: dom.NewElement(1, "book")}))

	require.NoError(t, idx.DropForDocument(tx, 1))

	postings, err := idx.Find("book")
	require.NoError(t, err)
	assert.Equal(t, []Posting{{DocID: 2, GID: 1}}, postings)
}

func TestValueAndQNameIndexes(t *testing.T) {
	store := memory.NewMemoryStore(memory.Config{})
	values := NewValueIndex(store)
	qnames := NewQNameValueIndex(store)
	tx := newTx()

	text := &NodeEvent{DocID: 1, Node: dom.NewText(5, "Faust"), Enclosing: "title"}
	attr := &NodeEvent{DocID: 1, Node: dom.NewAttribute(6, "lang", "de")}

	require.NoError(t, values.StoreText(tx, text))
	require.NoError(t, values.StoreAttribute(tx, attr))
	require.NoError(t, qnames.StoreText(tx, text))
	require.NoError(t, qnames.StoreAttribute(tx, attr))

	postings, err := values.Find("Faust")
	require.NoError(t, err)
	assert.Len(t, postings, 1)

	postings, err = qnames.Find("title", "Faust")
	require.NoError(t, err)
	assert.Len(t, postings, 1)

	postings, err = qnames.Find("lang", "de")
	require.NoError(t, err)
	assert.Len(t, postings, 1)

	postings, err = qnames.Find("author", "Faust")
	require.NoError(t, err)
	assert.Empty(t, postings)
}

func TestFulltextTokenizeAndFind(t *testing.T) {
	assert.Equal(t, []string{"hello", "world", "42"}, Tokenize("Hello, WORLD! 42"))
	assert.Empty(t, Tokenize("..."))

	store := memory.NewMemoryStore(memory.Config{})
	idx := NewFulltextIndex(store)
	tx := newTx()

	ev := &NodeEvent{DocID: 3, Node: dom.NewText(9, "Der schnelle braune Fuchs")}
	require.NoError(t, idx.StoreText(tx, ev))

	postings, err := idx.Find("FUCHS")
	require.NoError(t, err)
	assert.Equal(t, []Posting{{DocID: 3, GID: 9}}, postings)

	postings, err = idx.Find("igel")
	require.NoError(t, err)
	assert.Empty(t, postings)
}
