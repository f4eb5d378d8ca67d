package storage

import (
	"context"

	"github.com/quercusdb/quercus/internal/logger"
	"github.com/quercusdb/quercus/pkg/storage/dom"
	"github.com/quercusdb/quercus/pkg/storage/gid"
	"github.com/quercusdb/quercus/pkg/storage/index"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// DefragDocument rewrites an XML resource's node chain into fresh,
// contiguous records, reclaiming the space left behind by in-place
// updates and splices.
//
// The old chain is read in full before anything is deleted; the index
// side goes first (drop, then re-add as the fresh records are written)
// and the split count resets to zero. Identifiers are preserved, so
// existing GID references stay valid; every physical address changes.
func (b *Broker) DefragDocument(ctx context.Context, tx *txn.Txn, doc *Document) error {
	if doc.Type != ResourceXML {
		return errInvalid("resource is not an XML document", doc.FullPath())
	}
	plan, err := b.planFor(doc.Order)
	if err != nil {
		return err
	}

	// read the whole chain first; the deletes below invalidate it
	var nodes []*dom.Node
	err = b.walkDocumentChain(doc, func(n *dom.Node) error {
		if ctx.Err() != nil {
			return errTerminated(doc.FullPath())
		}
		nodes = append(nodes, n)
		return nil
	})
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return errInvariant("document has no node chain", doc.FullPath())
	}
	oldRoot := doc.RootAddr

	b.dispatcher.DropForDocument(tx, doc.ID)
	if err := b.unbindStructuralKeys(tx, doc, func(gid.GID) bool { return true }); err != nil {
		return err
	}
	if _, err := b.store.RemoveChain(tx, oldRoot); err != nil {
		return mapStoreError(err, doc.FullPath())
	}

	if err := b.rewriteChain(ctx, tx, doc, plan, nodes); err != nil {
		return err
	}

	doc.PageCount = uint64(len(nodes))
	doc.SplitCount = 0
	doc.ReindexLevel = ReindexAll
	if err := b.saveDocumentMetadata(tx, doc); err != nil {
		return err
	}
	metricDefragRuns.Inc()
	logger.Info("storage: defragmented %s (%d nodes rewritten)", doc.FullPath(), len(nodes))
	return nil
}

// rewriteChain stores nodes as a fresh chain in document order, running
// each through the indexing protocol as if newly stored. doc.RootAddr
// is pointed at the first fresh record.
func (b *Broker) rewriteChain(ctx context.Context, tx *txn.Txn, doc *Document, plan *gid.Plan, nodes []*dom.Node) error {
	type frame struct {
		node      *dom.Node
		remaining int
	}
	var stack []frame

	closeCompleted := func() {
		for len(stack) > 0 && stack[len(stack)-1].remaining == 0 {
			f := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			b.dispatcher.EndElement(tx, &index.NodeEvent{DocID: doc.ID, Node: f.node})
			if len(stack) > 0 {
				stack[len(stack)-1].remaining--
			}
		}
	}

	tail := keyed.NilAddress
	for i, n := range nodes {
		if ctx.Err() != nil {
			return errTerminated(doc.FullPath())
		}
		addr, err := b.store.PutValue(tx, dom.EncodeNode(n), tail)
		if err != nil {
			return mapStoreError(err, doc.FullPath())
		}
		n.Address = addr
		tail = addr
		if i == 0 {
			doc.RootAddr = addr
		}
		if b.nodeKeyed(plan, n) {
			if err := b.store.BindKey(tx, keyNode(doc.ID, n.GID), addr); err != nil {
				return mapStoreError(err, doc.FullPath())
			}
		}

		enclosing := ""
		if len(stack) > 0 {
			enclosing = stack[len(stack)-1].node.Name
		}
		ev := &index.NodeEvent{DocID: doc.ID, Node: n, Enclosing: enclosing}
		switch n.Kind {
		case dom.KindElement:
			b.dispatcher.StartElement(tx, ev)
		case dom.KindAttribute:
			b.dispatcher.StoreAttribute(tx, ev)
		case dom.KindText:
			b.dispatcher.StoreText(tx, ev)
		}

		metricNodesStored.Inc()
		b.checkNodePressure()

		if n.Kind == dom.KindElement {
			slots := n.AttrCount + n.ChildCount
			if slots > 0 {
				stack = append(stack, frame{node: n, remaining: slots})
				continue
			}
			b.dispatcher.EndElement(tx, ev)
		}
		if len(stack) > 0 {
			stack[len(stack)-1].remaining--
		}
		closeCompleted()
	}
	if len(stack) > 0 {
		return errInvariant("node chain ended inside an open element", doc.FullPath())
	}
	return nil
}
