package storage

import (
	"strings"

	"github.com/quercusdb/quercus/pkg/storage/dom"
	"github.com/quercusdb/quercus/pkg/storage/gid"
	"github.com/quercusdb/quercus/pkg/storage/index"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// nodeContext carries the per-node state of a tree walk. A fresh value
// is built for every node processed; nothing in it is shared or reused
// across calls.
type nodeContext struct {
	doc       *Document
	plan      *gid.Plan
	enclosing string
}

// treeStoreState tracks the chain tail and record count while a tree is
// written.
type treeStoreState struct {
	tail  keyed.Address
	count uint64
}

// nodeKeyed reports whether a node gets a structural key: elements at
// or above the configured index depth.
func (b *Broker) nodeKeyed(plan *gid.Plan, n *dom.Node) bool {
	if n.Kind != dom.KindElement {
		return false
	}
	level, err := plan.Level(n.GID)
	if err != nil {
		return false
	}
	return level <= b.config.IndexDepth
}

// storeTree writes root and its subtree as doc's node chain, assigning
// identifiers and dispatching the indexing protocol once per node.
// doc.RootAddr and doc.PageCount are filled in.
func (b *Broker) storeTree(tx *txn.Txn, doc *Document, plan *gid.Plan, root *dom.TreeNode) error {
	if root == nil || root.Kind != dom.KindElement {
		return errInvalid("document root must be an element", doc.FullPath())
	}
	st := &treeStoreState{}
	ctx := nodeContext{doc: doc, plan: plan}
	if err := b.storeTreeNode(tx, ctx, root, gid.Root, st); err != nil {
		return err
	}
	doc.PageCount = st.count
	return nil
}

func (b *Broker) storeTreeNode(tx *txn.Txn, ctx nodeContext, t *dom.TreeNode, g gid.GID, st *treeStoreState) error {
	switch t.Kind {
	case dom.KindElement:
		n := dom.NewElement(g, t.Name)
		n.AttrCount = len(t.Attrs)
		n.ChildCount = len(t.Children)
		if err := b.storeNodeRecord(tx, ctx, n, st); err != nil {
			return err
		}
		if g == gid.Root {
			ctx.doc.RootAddr = n.Address
		}
		b.dispatcher.StartElement(tx, &index.NodeEvent{DocID: ctx.doc.ID, Node: n, Enclosing: ctx.enclosing})

		if t.Slots() > 0 {
			first, _, err := ctx.plan.ChildRange(g, t.Slots())
			if err != nil {
				return errInvalid(err.Error(), ctx.doc.FullPath())
			}
			child := nodeContext{doc: ctx.doc, plan: ctx.plan, enclosing: t.Name}
			slot := first
			for _, a := range t.Attrs {
				if err := b.storeTreeNode(tx, child, a, slot, st); err != nil {
					return err
				}
				slot++
			}
			for _, c := range t.Children {
				if err := b.storeTreeNode(tx, child, c, slot, st); err != nil {
					return err
				}
				slot++
			}
		}
		b.dispatcher.EndElement(tx, &index.NodeEvent{DocID: ctx.doc.ID, Node: n, Enclosing: ctx.enclosing})
		return nil

	case dom.KindAttribute:
		n := dom.NewAttribute(g, t.Name, t.Value)
		if err := b.storeNodeRecord(tx, ctx, n, st); err != nil {
			return err
		}
		b.dispatcher.StoreAttribute(tx, &index.NodeEvent{DocID: ctx.doc.ID, Node: n, Enclosing: ctx.enclosing})
		return nil

	case dom.KindText:
		n := dom.NewText(g, t.Value)
		if err := b.storeNodeRecord(tx, ctx, n, st); err != nil {
			return err
		}
		b.dispatcher.StoreText(tx, &index.NodeEvent{DocID: ctx.doc.ID, Node: n, Enclosing: ctx.enclosing})
		return nil

	case dom.KindComment:
		// comments are stored but not indexed
		n := dom.NewComment(g, t.Value)
		return b.storeNodeRecord(tx, ctx, n, st)

	default:
		return errInvalid("unknown node kind", ctx.doc.FullPath())
	}
}

// storeNodeRecord appends one node record to the document chain and
// binds its structural key when the node is within index depth.
func (b *Broker) storeNodeRecord(tx *txn.Txn, ctx nodeContext, n *dom.Node, st *treeStoreState) error {
	addr, err := b.store.PutValue(tx, dom.EncodeNode(n), st.tail)
	if err != nil {
		return mapStoreError(err, ctx.doc.FullPath())
	}
	if b.nodeKeyed(ctx.plan, n) {
		if err := b.store.BindKey(tx, keyNode(ctx.doc.ID, n.GID), addr); err != nil {
			return mapStoreError(err, ctx.doc.FullPath())
		}
	}
	n.Address = addr
	st.tail = addr
	st.count++
	metricNodesStored.Inc()
	b.checkNodePressure()
	return nil
}

// walkDocumentChain visits every node record of doc in document order.
func (b *Broker) walkDocumentChain(doc *Document, fn func(n *dom.Node) error) error {
	addr := doc.RootAddr
	for addr != keyed.NilAddress {
		raw, err := b.store.GetByAddress(addr)
		if err != nil {
			return mapStoreError(err, doc.FullPath())
		}
		n, err := dom.DecodeNode(raw)
		if err != nil {
			return errInvariant("corrupt node record: "+err.Error(), doc.FullPath())
		}
		n.Address = addr
		if err := fn(n); err != nil {
			return err
		}
		next, err := b.store.NextInChain(addr)
		if err != nil {
			return mapStoreError(err, doc.FullPath())
		}
		addr = next
	}
	return nil
}

// walkDocumentTree replays doc's chain as a tree traversal: enter fires
// per node in document order with the enclosing element's name, exit
// fires per element after its subtree. A chain that ends inside an open
// element is a structural invariant violation.
func (b *Broker) walkDocumentTree(doc *Document, enter func(n *dom.Node, enclosing string) error, exit func(n *dom.Node) error) error {
	type frame struct {
		node      *dom.Node
		remaining int
	}
	var stack []frame

	closeCompleted := func() error {
		for len(stack) > 0 && stack[len(stack)-1].remaining == 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if exit != nil {
				if err := exit(f.node); err != nil {
					return err
				}
			}
			if len(stack) > 0 {
				stack[len(stack)-1].remaining--
			}
		}
		return nil
	}

	err := b.walkDocumentChain(doc, func(n *dom.Node) error {
		enclosing := ""
		if len(stack) > 0 {
			enclosing = stack[len(stack)-1].node.Name
		}
		if enter != nil {
			if err := enter(n, enclosing); err != nil {
				return err
			}
		}
		if n.Kind == dom.KindElement {
			slots := n.AttrCount + n.ChildCount
			if slots > 0 {
				stack = append(stack, frame{node: n, remaining: slots})
				return nil
			}
			if exit != nil {
				if err := exit(n); err != nil {
					return err
				}
			}
		}
		if len(stack) > 0 {
			stack[len(stack)-1].remaining--
		}
		return closeCompleted()
	})
	if err != nil {
		return err
	}
	if len(stack) > 0 {
		return errInvariant("node chain ended inside an open element", doc.FullPath())
	}
	return nil
}

// CheckNodeTree verifies the structural integrity of doc's node chain:
// every element's attribute and child counts must match the records
// that follow it. A mismatch means corruption and is fatal.
func (b *Broker) CheckNodeTree(doc *Document) error {
	return b.walkDocumentTree(doc, nil, nil)
}

// NodeByGID resolves a node by identifier: by structural key when one
// exists, otherwise by scanning the document chain.
func (b *Broker) NodeByGID(doc *Document, g gid.GID) (*dom.Node, error) {
	if !g.Valid() {
		return nil, errInvalid("invalid node identifier", doc.FullPath())
	}
	if raw, err := b.store.Get(keyNode(doc.ID, g)); err == nil {
		n, err := dom.DecodeNode(raw)
		if err != nil {
			return nil, errInvariant("corrupt node record: "+err.Error(), doc.FullPath())
		}
		if addr, err := b.store.GetAddress(keyNode(doc.ID, g)); err == nil {
			n.Address = addr
		}
		return n, nil
	} else if !keyed.IsNotFound(err) {
		return nil, mapStoreError(err, doc.FullPath())
	}

	var found *dom.Node
	err := b.walkDocumentChain(doc, func(n *dom.Node) error {
		if n.GID == g {
			found = n
			return errFoundNode
		}
		return nil
	})
	if err != nil && err != errFoundNode {
		return nil, err
	}
	if found == nil {
		return nil, errNotFound("node not found", doc.FullPath())
	}
	return found, nil
}

// errFoundNode stops a chain walk early once the target is found.
var errFoundNode = &StorageError{Code: ErrTerminated, Message: "node located"}

// NodeAt reads the node record stored at addr.
func (b *Broker) NodeAt(doc *Document, addr keyed.Address) (*dom.Node, error) {
	raw, err := b.store.GetByAddress(addr)
	if err != nil {
		return nil, mapStoreError(err, doc.FullPath())
	}
	n, err := dom.DecodeNode(raw)
	if err != nil {
		return nil, errInvariant("corrupt node record: "+err.Error(), doc.FullPath())
	}
	n.Address = addr
	return n, nil
}

// GetNodeValue returns the string value of the node at g: an
// attribute's value, a text or comment node's content, or the
// concatenated text of an element's subtree in document order.
func (b *Broker) GetNodeValue(doc *Document, g gid.GID) (string, error) {
	plan, err := b.planFor(doc.Order)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	seen := false
	err = b.walkDocumentChain(doc, func(n *dom.Node) error {
		if n.GID != g {
			if desc, err := plan.IsDescendant(n.GID, g); err != nil || !desc {
				return nil
			}
		}
		seen = true
		switch n.Kind {
		case dom.KindText:
			sb.WriteString(n.Value)
		case dom.KindAttribute, dom.KindComment:
			if n.GID == g {
				sb.WriteString(n.Value)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !seen {
		return "", errNotFound("node not found", doc.FullPath())
	}
	return sb.String(), nil
}

// removalRecord is one node collected during the first phase of a
// subtree removal.
type removalRecord struct {
	node  *dom.Node
	keyed bool
}

// RemoveNodeSubtree removes the node at g and everything below it.
//
// Removal is two-phase: every node is first announced to the index
// components (mark), then a single commit purges the marked entries,
// and only then are the structural records deleted. Index removal
// handlers may dereference node content, so the structural delete must
// come last.
//
// The parent element's counts are updated in place and the reindex
// watermark is lowered to the removed subtree's level.
func (b *Broker) RemoveNodeSubtree(tx *txn.Txn, doc *Document, g gid.GID) error {
	if g == gid.Root {
		return errInvalid("cannot remove the document root node", doc.FullPath())
	}
	plan, err := b.planFor(doc.Order)
	if err != nil {
		return err
	}

	var records []removalRecord
	err = b.walkDocumentChain(doc, func(n *dom.Node) error {
		if n.GID != g {
			desc, err := plan.IsDescendant(n.GID, g)
			if err != nil || !desc {
				return nil
			}
		}
		records = append(records, removalRecord{node: n, keyed: b.nodeKeyed(plan, n)})
		return nil
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errNotFound("node not found", doc.FullPath())
	}

	// phase one: mark
	for _, r := range records {
		b.dispatcher.RemoveNode(tx, &index.NodeEvent{DocID: doc.ID, Node: r.node})
	}
	// phase two: commit
	b.dispatcher.EndRemove(tx, doc.ID)

	// structural delete, after the index side is done with the content
	for _, r := range records {
		if r.keyed {
			err = b.store.Remove(tx, keyNode(doc.ID, r.node.GID))
		} else {
			err = b.store.RemoveByAddress(tx, r.node.Address)
		}
		if err != nil && !keyed.IsNotFound(err) {
			return mapStoreError(err, doc.FullPath())
		}
	}

	if err := b.adjustParentCounts(tx, doc, plan, records[0].node); err != nil {
		return err
	}

	level, err := plan.Level(g)
	if err != nil {
		return errInvalid(err.Error(), doc.FullPath())
	}
	doc.PageCount -= uint64(len(records))
	doc.SplitCount++
	if doc.ReindexLevel == ReindexAll || level < doc.ReindexLevel {
		doc.ReindexLevel = level
	}
	return b.saveDocumentMetadata(tx, doc)
}

// adjustParentCounts decrements the removed node's slot in its parent
// element record.
func (b *Broker) adjustParentCounts(tx *txn.Txn, doc *Document, plan *gid.Plan, removed *dom.Node) error {
	parentGID, err := plan.Parent(removed.GID)
	if err != nil {
		return errInvalid(err.Error(), doc.FullPath())
	}
	parent, err := b.NodeByGID(doc, parentGID)
	if err != nil {
		if IsNotFound(err) {
			return errInvariant("parent element missing for removed node", doc.FullPath())
		}
		return err
	}
	if removed.Kind == dom.KindAttribute {
		parent.AttrCount--
	} else {
		parent.ChildCount--
	}
	if err := b.store.Update(tx, parent.Address, dom.EncodeNode(parent)); err != nil {
		return mapStoreError(err, doc.FullPath())
	}
	return nil
}

// UpdateNode rewrites a node record in place. The address, chain
// position and structural key are unaffected; the split count goes up
// as the fragmentation signal.
func (b *Broker) UpdateNode(tx *txn.Txn, doc *Document, n *dom.Node) error {
	if n.Address == keyed.NilAddress {
		return errInvalid("node has no storage address", doc.FullPath())
	}
	if err := b.store.Update(tx, n.Address, dom.EncodeNode(n)); err != nil {
		return mapStoreError(err, doc.FullPath())
	}
	doc.SplitCount++
	return b.saveDocumentMetadata(tx, doc)
}

// InsertNodeAfter splices a new node record into the document chain
// directly behind after. The caller is responsible for having assigned
// a consistent identifier and for updating the parent's counts; the
// reindex watermark is lowered so the next reindex rebuilds the
// affected structural keys.
func (b *Broker) InsertNodeAfter(tx *txn.Txn, doc *Document, after *dom.Node, n *dom.Node) error {
	plan, err := b.planFor(doc.Order)
	if err != nil {
		return err
	}
	addr, err := b.store.InsertAfter(tx, after.Address, dom.EncodeNode(n))
	if err != nil {
		return mapStoreError(err, doc.FullPath())
	}
	n.Address = addr
	if b.nodeKeyed(plan, n) {
		if err := b.store.BindKey(tx, keyNode(doc.ID, n.GID), addr); err != nil {
			return mapStoreError(err, doc.FullPath())
		}
	}
	level, err := plan.Level(n.GID)
	if err != nil {
		return errInvalid(err.Error(), doc.FullPath())
	}
	doc.PageCount++
	doc.SplitCount++
	if doc.ReindexLevel == ReindexAll || level < doc.ReindexLevel {
		doc.ReindexLevel = level
	}
	metricNodesStored.Inc()
	b.checkNodePressure()
	return b.saveDocumentMetadata(tx, doc)
}

// removeDocumentContent erases every structural record of doc: the
// keyed entries, the whole node chain and any binary overflow payload.
// Index entries are the caller's business (dropped beforehand, per the
// two-phase discipline).
func (b *Broker) removeDocumentContent(tx *txn.Txn, doc *Document) error {
	if doc.Type == ResourceBinary {
		if doc.OverflowAddr != keyed.NilAddress {
			if err := b.store.RemoveOverflow(tx, doc.OverflowAddr); err != nil && !keyed.IsNotFound(err) {
				return mapStoreError(err, doc.FullPath())
			}
		}
		return b.removeDocumentMetadata(tx, doc)
	}

	// collect the chain before deleting anything; the keyed prefix
	// removal below unlinks records and would break a later walk
	var addrs []keyed.Address
	if doc.RootAddr != keyed.NilAddress {
		err := b.walkDocumentChain(doc, func(n *dom.Node) error {
			addrs = append(addrs, n.Address)
			return nil
		})
		if err != nil {
			return err
		}
	}

	if _, err := b.store.RemovePrefix(tx, keyNodePrefix(doc.ID)); err != nil && !keyed.IsNotFound(err) {
		return mapStoreError(err, doc.FullPath())
	}
	for _, addr := range addrs {
		if err := b.store.RemoveByAddress(tx, addr); err != nil && !keyed.IsNotFound(err) {
			return mapStoreError(err, doc.FullPath())
		}
	}
	return b.removeDocumentMetadata(tx, doc)
}
