package index

import (
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// ElementIndex maps qualified element names to the nodes carrying them.
// It is the index behind name-based structural queries ("all chapter
// elements").
type ElementIndex struct {
	*postingIndex
}

// NewElementIndex creates the component over the given store. Its keys
// live under the "ei:" namespace.
func NewElementIndex(store keyed.Store) *ElementIndex {
	return &ElementIndex{postingIndex: newPostingIndex(store, "ei:f:", "ei:r:")}
}

var _ Observer = (*ElementIndex)(nil)

func (i *ElementIndex) Name() string { return "elements" }

func (i *ElementIndex) StartElement(tx *txn.Txn, ev *NodeEvent) error {
	return i.add(tx, ev.Node.Name, ev.DocID, ev.Node.GID)
}

func (i *ElementIndex) EndElement(tx *txn.Txn, ev *NodeEvent) error { return nil }

func (i *ElementIndex) StoreAttribute(tx *txn.Txn, ev *NodeEvent) error { return nil }

func (i *ElementIndex) StoreText(tx *txn.Txn, ev *NodeEvent) error { return nil }

func (i *ElementIndex) RemoveNode(tx *txn.Txn, ev *NodeEvent) error {
	return i.mark(ev.DocID, ev.Node.GID)
}

func (i *ElementIndex) EndRemove(tx *txn.Txn, docID uint32) error {
	return i.commit(tx, docID)
}

func (i *ElementIndex) DropForDocument(tx *txn.Txn, docID uint32) error {
	return i.dropDocument(tx, docID)
}

func (i *ElementIndex) DropForCollection(tx *txn.Txn, docIDs []uint32) error {
	for _, id := range docIDs {
		if err := i.dropDocument(tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (i *ElementIndex) Reindex(tx *txn.Txn, docID uint32) error { return nil }

func (i *ElementIndex) Flush() error { return nil }

func (i *ElementIndex) Sync() error { return i.store.Flush() }

// Find returns the nodes whose element name equals name.
func (i *ElementIndex) Find(name string) ([]Posting, error) {
	return i.postings(name)
}
