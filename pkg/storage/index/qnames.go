package index

import (
	"github.com/quercusdb/quercus/pkg/storage/dom"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// QNameValueIndex maps (qualified name, value) pairs to nodes: attribute
// name with attribute value, and enclosing element name with text
// content. It answers qualified equality queries ("title elements whose
// text is X", "attributes lang='de'").
type QNameValueIndex struct {
	*postingIndex
}

// NewQNameValueIndex creates the component over the given store. Its
// keys live under the "qi:" namespace.
func NewQNameValueIndex(store keyed.Store) *QNameValueIndex {
	return &QNameValueIndex{postingIndex: newPostingIndex(store, "qi:f:", "qi:r:")}
}

var _ Observer = (*QNameValueIndex)(nil)

// qnameTerm joins name and value with a separator that cannot occur in
// an XML name.
func qnameTerm(name, value string) string {
	return name + "\x1f" + value
}

func (i *QNameValueIndex) Name() string { return "qnames" }

func (i *QNameValueIndex) StartElement(tx *txn.Txn, ev *NodeEvent) error { return nil }

func (i *QNameValueIndex) EndElement(tx *txn.Txn, ev *NodeEvent) error { return nil }

func (i *QNameValueIndex) StoreAttribute(tx *txn.Txn, ev *NodeEvent) error {
	return i.add(tx, qnameTerm(ev.Node.Name, ev.Node.Value), ev.DocID, ev.Node.GID)
}

func (i *QNameValueIndex) StoreText(tx *txn.Txn, ev *NodeEvent) error {
	if ev.Enclosing == "" {
		return nil
	}
	return i.add(tx, qnameTerm(ev.Enclosing, ev.Node.Value), ev.DocID, ev.Node.GID)
}

func (i *QNameValueIndex) RemoveNode(tx *txn.Txn, ev *NodeEvent) error {
	if ev.Node.Kind != dom.KindText && ev.Node.Kind != dom.KindAttribute {
		return nil
	}
	return i.mark(ev.DocID, ev.Node.GID)
}

func (i *QNameValueIndex) EndRemove(tx *txn.Txn, docID uint32) error {
	return i.commit(tx, docID)
}

func (i *QNameValueIndex) DropForDocument(tx *txn.Txn, docID uint32) error {
	return i.dropDocument(tx, docID)
}

func (i *QNameValueIndex) DropForCollection(tx *txn.Txn, docIDs []uint32) error {
	for _, id := range docIDs {
		if err := i.dropDocument(tx, id); err != nil {
			return err
		}
	}
	return nil
}

func (i *QNameValueIndex) Reindex(tx *txn.Txn, docID uint32) error { return nil }

func (i *QNameValueIndex) Flush() error { return nil }

func (i *QNameValueIndex) Sync() error { return i.store.Flush() }

// Find returns the nodes indexed under the (name, value) pair.
func (i *QNameValueIndex) Find(name, value string) ([]Posting, error) {
	return i.postings(qnameTerm(name, value))
}
