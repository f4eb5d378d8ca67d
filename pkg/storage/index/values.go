package index

import (
	"github.com/quercusdb/quercus/pkg/storage/dom"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// ValueIndex maps textual values to the nodes carrying them, regardless
// of the value's position. Text nodes and attribute values both
// contribute.
type ValueIndex struct {
	*postingIndex
}

// NewValueIndex creates the component over the given store. Its keys
// live under the "vi:" namespace.
func NewValueIndex(store keyed.Store) *ValueIndex {
	return &ValueIndex{postingIndex: newPostingIndex(store, "vi:f:", "vi:r:")}
}

var _ Observer = (*ValueIndex)(nil)

func (i *ValueIndex) Name() string { return "values" }

func (i *ValueIndex) StartElement(tx *txn.Txn, ev *NodeEvent) error { return nil }

func (i *ValueIndex) EndElement(tx *txn.Txn, ev *NodeEvent) error { return nil }

func (i *ValueIndex) StoreAttribute(tx *txn.Txn, ev *NodeEvent) error {
	return i.add(tx, ev.Node.Value, ev.DocID, ev.Node.GID)
}

func (i *ValueIndex) StoreText(tx *txn.Txn, ev *NodeEvent) error {
	return i.add(tx, ev.Node.Value, ev.DocID, ev.Node.GID)
}

func (i *ValueIndex) RemoveNode(tx *txn.Txn, ev *NodeEvent) error {
	if ev.Node.Kind != dom.KindText && ev.Node.Kind != dom.KindAttribute {
		return nil
	}
	return i.mark(ev.DocID, ev.Node.GID)
}

func (i *ValueIndex) EndRemove(tx *txn.Txn, docID uint32) error {
	return i.commit(tx, docID)
}

func (i *ValueIndex) DropForDocument(tx *txn.Txn, docID uint32) error {
	return i.dropDocument(tx, docID)
}

func (i *ValueIndex) DropForCollection(tx *txn.Txn, docIDs []uint32) error {
	for _, id := range docIDs {
		if err := i.dropDocument(tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (i *ValueIndex) Reindex(tx *txn.Txn, docID uint32) error { return nil }

func (i *ValueIndex) Flush() error { return nil }

func (i *ValueIndex) Sync() error { return i.store.Flush() }

// Find returns the nodes whose value equals value.
func (i *ValueIndex) Find(value string) ([]Posting, error) {
	return i.postings(value)
}
