package storage

import (
	"context"

	"github.com/quercusdb/quercus/internal/logger"
	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/storage/dom"
	"github.com/quercusdb/quercus/pkg/storage/gid"
	"github.com/quercusdb/quercus/pkg/storage/index"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

func errTerminated(path string) error {
	return &StorageError{Code: ErrTerminated, Message: "operation cancelled", Path: path}
}

// ReindexDocument drops and rebuilds every index entry of an XML
// resource. Running it twice on an unmodified document yields the same
// final entry set as running it once.
func (b *Broker) ReindexDocument(ctx context.Context, tx *txn.Txn, doc *Document) error {
	if doc.Type != ResourceXML {
		return errInvalid("resource is not an XML document", doc.FullPath())
	}
	b.dispatcher.DropForDocument(tx, doc.ID)
	return b.reindexDocument(ctx, tx, doc)
}

// reindexDocument rebuilds structural keys and index entries by
// replaying the whole node chain through the indexing protocol. The
// caller has already dropped the old index entries.
func (b *Broker) reindexDocument(ctx context.Context, tx *txn.Txn, doc *Document) error {
	plan, err := b.planFor(doc.Order)
	if err != nil {
		return err
	}
	if err := b.unbindStructuralKeys(tx, doc, func(gid.GID) bool { return true }); err != nil {
		return err
	}

	enter := func(n *dom.Node, enclosing string) error {
		if ctx.Err() != nil {
			return errTerminated(doc.FullPath())
		}
		ev := &index.NodeEvent{DocID: doc.ID, Node: n, Enclosing: enclosing}
		switch n.Kind {
		case dom.KindElement:
			if b.nodeKeyed(plan, n) {
				if err := b.store.BindKey(tx, keyNode(doc.ID, n.GID), n.Address); err != nil {
					return mapStoreError(err, doc.FullPath())
				}
			}
			b.dispatcher.StartElement(tx, ev)
		case dom.KindAttribute:
			b.dispatcher.StoreAttribute(tx, ev)
		case dom.KindText:
			b.dispatcher.StoreText(tx, ev)
		}
		return nil
	}
	exit := func(n *dom.Node) error {
		b.dispatcher.EndElement(tx, &index.NodeEvent{DocID: doc.ID, Node: n})
		return nil
	}
	if err := b.walkDocumentTree(doc, enter, exit); err != nil {
		return err
	}

	b.dispatcher.Reindex(tx, doc.ID)
	doc.ReindexLevel = ReindexAll
	if err := b.saveDocumentMetadata(tx, doc); err != nil {
		return err
	}
	metricReindexRuns.Inc()
	logger.Debug("storage: reindexed document %s", doc.FullPath())
	return nil
}

// ReindexSubtree repairs the stale part of a document's indexes after a
// structural edit. Only nodes at or below the reindex watermark are
// touched; when root is a valid identifier the repair is further
// restricted to that subtree. A fully indexed document is a no-op.
func (b *Broker) ReindexSubtree(ctx context.Context, tx *txn.Txn, doc *Document, root gid.GID) error {
	if doc.Type != ResourceXML {
		return errInvalid("resource is not an XML document", doc.FullPath())
	}
	if doc.ReindexLevel == ReindexAll {
		return nil
	}
	watermark := doc.ReindexLevel
	plan, err := b.planFor(doc.Order)
	if err != nil {
		return err
	}

	inScope := func(g gid.GID) bool {
		level, err := plan.Level(g)
		if err != nil || level < watermark {
			return false
		}
		if !root.Valid() || g == root {
			return true
		}
		desc, err := plan.IsDescendant(g, root)
		return err == nil && desc
	}

	if err := b.unbindStructuralKeys(tx, doc, inScope); err != nil {
		return err
	}

	enter := func(n *dom.Node, enclosing string) error {
		if ctx.Err() != nil {
			return errTerminated(doc.FullPath())
		}
		if !inScope(n.GID) {
			return nil
		}
		ev := &index.NodeEvent{DocID: doc.ID, Node: n, Enclosing: enclosing}
		switch n.Kind {
		case dom.KindElement:
			if b.nodeKeyed(plan, n) {
				if err := b.store.BindKey(tx, keyNode(doc.ID, n.GID), n.Address); err != nil {
					return mapStoreError(err, doc.FullPath())
				}
			}
			b.dispatcher.StartElement(tx, ev)
		case dom.KindAttribute:
			b.dispatcher.StoreAttribute(tx, ev)
		case dom.KindText:
			b.dispatcher.StoreText(tx, ev)
		}
		return nil
	}
	if err := b.walkDocumentTree(doc, enter, nil); err != nil {
		return err
	}

	b.dispatcher.Reindex(tx, doc.ID)
	doc.ReindexLevel = ReindexAll
	if err := b.saveDocumentMetadata(tx, doc); err != nil {
		return err
	}
	metricReindexRuns.Inc()
	return nil
}

// unbindStructuralKeys drops the document's structural key bindings
// matched by keep, leaving the underlying node records alone.
func (b *Broker) unbindStructuralKeys(tx *txn.Txn, doc *Document, match func(gid.GID) bool) error {
	keys, err := b.store.PrefixKeys(keyNodePrefix(doc.ID))
	if err != nil {
		return mapStoreError(err, doc.FullPath())
	}
	for _, key := range keys {
		_, g, ok := parseNodeKey(key)
		if !ok || !match(g) {
			continue
		}
		if err := b.store.UnbindKey(tx, key); err != nil && !keyed.IsNotFound(err) {
			return mapStoreError(err, doc.FullPath())
		}
	}
	return nil
}

// ReindexCollection rebuilds the indexes of every XML resource in the
// subtree rooted at path. The principal needs write access per
// collection (admins pass everywhere).
func (b *Broker) ReindexCollection(ctx context.Context, tx *txn.Txn, p *security.Principal, path string) error {
	col, err := b.loadCollection(path)
	if err != nil {
		return err
	}
	if !col.Perm.Validate(p, security.Write) {
		return errDenied("write access to collection denied", col.Path)
	}

	for _, e := range col.Documents() {
		if ctx.Err() != nil {
			return errTerminated(col.Path)
		}
		if e.Type != ResourceXML {
			continue
		}
		doc, err := b.loadDocument(col.Path, e)
		if err != nil {
			return err
		}
		if err := b.ReindexDocument(ctx, tx, doc); err != nil {
			return err
		}
	}
	for _, name := range col.Children() {
		if err := b.ReindexCollection(ctx, tx, p, ChildPath(col.Path, name)); err != nil {
			return err
		}
	}
	return nil
}

// DropCollectionIndex removes every index entry and structural key for
// the documents directly inside col, without touching node content.
func (b *Broker) DropCollectionIndex(tx *txn.Txn, col *Collection) error {
	docs := col.Documents()
	ids := make([]uint32, 0, len(docs))
	for _, e := range docs {
		ids = append(ids, e.ID)
	}
	if len(ids) > 0 {
		b.dispatcher.DropForCollection(tx, ids)
	}
	for _, e := range docs {
		if e.Type != ResourceXML {
			continue
		}
		doc, err := b.loadDocument(col.Path, e)
		if err != nil {
			return err
		}
		if err := b.unbindStructuralKeys(tx, doc, func(gid.GID) bool { return true }); err != nil {
			return err
		}
	}
	return nil
}
