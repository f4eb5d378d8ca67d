package storage

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/quercusdb/quercus/internal/logger"
	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/storage/dom"
	"github.com/quercusdb/quercus/pkg/storage/lock"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// DefaultXMLMimeType and DefaultBinaryMimeType are used when the caller
// does not declare a media type.
const (
	DefaultXMLMimeType    = "application/xml"
	DefaultBinaryMimeType = "application/octet-stream"
)

// loadDocument reads the metadata record a collection entry points at.
func (b *Broker) loadDocument(colPath string, e *DocumentEntry) (*Document, error) {
	raw, err := b.store.GetByAddress(e.MetadataAddr)
	if err != nil {
		return nil, mapStoreError(err, ChildPath(colPath, e.Name))
	}
	doc, err := decodeDocument(raw)
	if err != nil {
		return nil, errInvariant("corrupt document metadata: "+err.Error(), ChildPath(colPath, e.Name))
	}
	if doc.ID != e.ID {
		return nil, errInvariant("document metadata id does not match collection entry", ChildPath(colPath, e.Name))
	}
	doc.Name = e.Name
	doc.CollectionPath = colPath
	doc.MetadataAddr = e.MetadataAddr
	return doc, nil
}

// saveDocumentMetadata persists doc's metadata record, writing it fresh
// on first save and in place afterwards.
func (b *Broker) saveDocumentMetadata(tx *txn.Txn, doc *Document) error {
	raw := encodeDocument(doc)
	if doc.MetadataAddr == keyed.NilAddress {
		addr, err := b.store.PutValue(tx, raw, keyed.NilAddress)
		if err != nil {
			return mapStoreError(err, doc.FullPath())
		}
		doc.MetadataAddr = addr
		return nil
	}
	if err := b.store.Update(tx, doc.MetadataAddr, raw); err != nil {
		return mapStoreError(err, doc.FullPath())
	}
	return nil
}

// removeDocumentMetadata drops doc's metadata record.
func (b *Broker) removeDocumentMetadata(tx *txn.Txn, doc *Document) error {
	if doc.MetadataAddr == keyed.NilAddress {
		return nil
	}
	if err := b.store.RemoveByAddress(tx, doc.MetadataAddr); err != nil && !keyed.IsNotFound(err) {
		return mapStoreError(err, doc.FullPath())
	}
	doc.MetadataAddr = keyed.NilAddress
	return nil
}

// GetDocument resolves a resource path to its full metadata. The
// principal needs read access on the collection and the resource.
func (b *Broker) GetDocument(p *security.Principal, path string) (*Document, error) {
	colPath, name := SplitPath(path)
	col, err := b.GetCollection(p, colPath)
	if err != nil {
		return nil, err
	}
	e := col.Document(name)
	if e == nil {
		return nil, errNotFound("resource not found", NormalizePath(path))
	}
	doc, err := b.loadDocument(col.Path, e)
	if err != nil {
		return nil, err
	}
	if !doc.Perm.Validate(p, security.Read) {
		return nil, errDenied("read access to resource denied", doc.FullPath())
	}
	return doc, nil
}

// StoreDocument decomposes tree into node records under the collection
// at collectionPath, indexing as it goes. An existing resource with the
// same name is replaced, which requires write access on it.
func (b *Broker) StoreDocument(tx *txn.Txn, p *security.Principal, collectionPath, name string, tree *dom.TreeNode, mimeType string) (*Document, error) {
	col, err := b.loadCollection(collectionPath)
	if err != nil {
		return nil, err
	}
	if !col.Perm.Validate(p, security.Write) {
		return nil, errDenied("write access to collection denied", col.Path)
	}
	if err := col.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return nil, mapStoreError(err, col.Path)
	}
	defer col.Lock().Release(lock.WriteLock)

	if col.HasChild(name) {
		return nil, &StorageError{Code: ErrIsCollection, Message: "resource name is an existing collection", Path: ChildPath(col.Path, name)}
	}
	if err := b.replaceExisting(tx, p, col, name); err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = DefaultXMLMimeType
	}

	id, err := b.alloc.NextDocID(tx)
	if err != nil {
		return nil, err
	}
	order := b.config.DefaultOrder
	if fan := tree.MaxFanOut(); fan > order {
		order = fan
	}
	plan, err := b.planFor(order)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	doc := &Document{
		ID:             id,
		Name:           name,
		CollectionPath: col.Path,
		Type:           ResourceXML,
		Perm:           security.NewPermission(p, security.DefaultResourceMode),
		Created:        now,
		Modified:       now,
		MimeType:       mimeType,
		Order:          plan.Order(),
		ReindexLevel:   ReindexAll,
	}
	if err := b.storeTree(tx, doc, plan, tree); err != nil {
		return nil, err
	}
	if err := b.saveDocumentMetadata(tx, doc); err != nil {
		return nil, err
	}
	col.AddDocument(doc.Entry())
	if err := b.saveCollectionLocked(tx, col); err != nil {
		return nil, err
	}
	metricDocumentsStored.Inc()
	logger.Debug("storage: stored document %s (id %d, %d nodes)", doc.FullPath(), doc.ID, doc.PageCount)
	return doc, nil
}

// StoreBinaryResource stores an opaque payload as an overflow value. An
// empty payload stores nothing; the overflow slot stays nil.
func (b *Broker) StoreBinaryResource(tx *txn.Txn, p *security.Principal, collectionPath, name string, data []byte, mimeType string) (*Document, error) {
	col, err := b.loadCollection(collectionPath)
	if err != nil {
		return nil, err
	}
	if !col.Perm.Validate(p, security.Write) {
		return nil, errDenied("write access to collection denied", col.Path)
	}
	if err := col.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return nil, mapStoreError(err, col.Path)
	}
	defer col.Lock().Release(lock.WriteLock)

	if col.HasChild(name) {
		return nil, &StorageError{Code: ErrIsCollection, Message: "resource name is an existing collection", Path: ChildPath(col.Path, name)}
	}
	if err := b.replaceExisting(tx, p, col, name); err != nil {
		return nil, err
	}
	if mimeType == "" {
		mimeType = DefaultBinaryMimeType
	}

	id, err := b.alloc.NextDocID(tx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	doc := &Document{
		ID:             id,
		Name:           name,
		CollectionPath: col.Path,
		Type:           ResourceBinary,
		Perm:           security.NewPermission(p, security.DefaultResourceMode),
		Created:        now,
		Modified:       now,
		MimeType:       mimeType,
		ReindexLevel:   ReindexAll,
	}
	if len(data) > 0 {
		addr, err := b.store.AddOverflow(tx, bytes.NewReader(data))
		if err != nil {
			return nil, mapStoreError(err, doc.FullPath())
		}
		doc.OverflowAddr = addr
	}
	if err := b.saveDocumentMetadata(tx, doc); err != nil {
		return nil, err
	}
	col.AddDocument(doc.Entry())
	if err := b.saveCollectionLocked(tx, col); err != nil {
		return nil, err
	}
	metricDocumentsStored.Inc()
	return doc, nil
}

// replaceExisting removes the resource called name from col if present,
// enforcing write access on the old resource. Caller holds col's write
// lock.
func (b *Broker) replaceExisting(tx *txn.Txn, p *security.Principal, col *Collection, name string) error {
	e := col.Document(name)
	if e == nil {
		return nil
	}
	old, err := b.loadDocument(col.Path, e)
	if err != nil {
		return err
	}
	if !old.Perm.Validate(p, security.Write) {
		return errDenied("write access to existing resource denied", old.FullPath())
	}
	return b.removeDocumentLocked(tx, col, old)
}

// ReadDocumentTree rebuilds the in-memory tree of an XML resource from
// its node chain.
func (b *Broker) ReadDocumentTree(doc *Document) (*dom.TreeNode, error) {
	if doc.Type != ResourceXML {
		return nil, errInvalid("resource is not an XML document", doc.FullPath())
	}
	var root *dom.TreeNode
	var stack []*dom.TreeNode

	enter := func(n *dom.Node, _ string) error {
		t := &dom.TreeNode{Kind: n.Kind, Name: n.Name, Value: n.Value}
		if len(stack) == 0 {
			if n.Kind != dom.KindElement {
				return errInvariant("document root is not an element", doc.FullPath())
			}
			root = t
		} else {
			parent := stack[len(stack)-1]
			if n.Kind == dom.KindAttribute {
				parent.Attrs = append(parent.Attrs, t)
			} else {
				parent.Children = append(parent.Children, t)
			}
		}
		if n.Kind == dom.KindElement {
			stack = append(stack, t)
		}
		return nil
	}
	exit := func(*dom.Node) error {
		stack = stack[:len(stack)-1]
		return nil
	}
	if err := b.walkDocumentTree(doc, enter, exit); err != nil {
		return nil, err
	}
	if root == nil {
		return nil, errInvariant("document has no root node", doc.FullPath())
	}
	return root, nil
}

// GetBinaryContent reads a binary resource's whole payload.
func (b *Broker) GetBinaryContent(p *security.Principal, path string) ([]byte, error) {
	doc, err := b.GetDocument(p, path)
	if err != nil {
		return nil, err
	}
	if doc.Type != ResourceBinary {
		return nil, errInvalid("resource is not binary", doc.FullPath())
	}
	if doc.OverflowAddr == keyed.NilAddress {
		return nil, nil
	}
	data, err := b.store.GetOverflow(doc.OverflowAddr)
	if err != nil {
		return nil, mapStoreError(err, doc.FullPath())
	}
	return data, nil
}

// OpenBinaryContent streams a binary resource's payload.
func (b *Broker) OpenBinaryContent(p *security.Principal, path string) (io.ReadCloser, error) {
	doc, err := b.GetDocument(p, path)
	if err != nil {
		return nil, err
	}
	if doc.Type != ResourceBinary {
		return nil, errInvalid("resource is not binary", doc.FullPath())
	}
	if doc.OverflowAddr == keyed.NilAddress {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	r, err := b.store.OpenOverflow(doc.OverflowAddr)
	if err != nil {
		return nil, mapStoreError(err, doc.FullPath())
	}
	return r, nil
}

// RemoveDocument removes the resource at path, whatever its type.
func (b *Broker) RemoveDocument(tx *txn.Txn, p *security.Principal, path string) error {
	return b.removeResource(tx, p, path, 0)
}

// RemoveXMLResource removes an XML resource; removing a binary resource
// through it fails.
func (b *Broker) RemoveXMLResource(tx *txn.Txn, p *security.Principal, path string) error {
	return b.removeResource(tx, p, path, ResourceXML)
}

// RemoveBinaryResource removes a binary resource.
func (b *Broker) RemoveBinaryResource(tx *txn.Txn, p *security.Principal, path string) error {
	return b.removeResource(tx, p, path, ResourceBinary)
}

func (b *Broker) removeResource(tx *txn.Txn, p *security.Principal, path string, want ResourceType) error {
	colPath, name := SplitPath(path)
	col, err := b.loadCollection(colPath)
	if err != nil {
		return err
	}
	if !col.Perm.Validate(p, security.Write) {
		return errDenied("write access to collection denied", col.Path)
	}
	if err := col.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return mapStoreError(err, col.Path)
	}
	defer col.Lock().Release(lock.WriteLock)

	e := col.Document(name)
	if e == nil {
		return errNotFound("resource not found", NormalizePath(path))
	}
	if want != 0 && e.Type != want {
		return errInvalid("resource has a different type", NormalizePath(path))
	}
	doc, err := b.loadDocument(col.Path, e)
	if err != nil {
		return err
	}
	if !doc.Perm.Validate(p, security.Write) {
		return errDenied("write access to resource denied", doc.FullPath())
	}
	if err := b.removeDocumentLocked(tx, col, doc); err != nil {
		return err
	}
	return b.saveCollectionLocked(tx, col)
}

// removeDocumentLocked drops doc from col: index entries first, then
// structural content, metadata, the collection entry and finally the
// id. Caller holds col's write lock and persists col afterwards.
func (b *Broker) removeDocumentLocked(tx *txn.Txn, col *Collection, doc *Document) error {
	b.dispatcher.DropForDocument(tx, doc.ID)
	if err := b.removeDocumentContent(tx, doc); err != nil {
		return err
	}
	col.RemoveDocument(doc.Name)
	if err := b.alloc.ReleaseDocID(tx, doc.ID); err != nil {
		return err
	}
	metricDocumentsRemoved.Inc()
	return nil
}

// CopyDocument duplicates the resource at srcPath into the collection
// at destCollectionPath as newName (empty keeps the source name). The
// copy gets a fresh id and, for XML, a full re-walk through the
// indexing protocol. Copying onto an existing resource replaces it,
// which requires write access on it.
func (b *Broker) CopyDocument(tx *txn.Txn, p *security.Principal, srcPath, destCollectionPath, newName string) error {
	src, err := b.GetDocument(p, srcPath)
	if err != nil {
		return err
	}
	destCol, err := b.loadCollection(destCollectionPath)
	if err != nil {
		return err
	}
	if !destCol.Perm.Validate(p, security.Write) {
		return errDenied("write access to destination collection denied", destCol.Path)
	}
	if newName == "" {
		newName = src.Name
	}
	if ChildPath(destCol.Path, newName) == src.FullPath() {
		return errInvalid("cannot copy a resource onto itself", src.FullPath())
	}
	if destCol.HasChild(newName) {
		return &StorageError{Code: ErrIsCollection, Message: "destination name is an existing collection", Path: ChildPath(destCol.Path, newName)}
	}

	if err := destCol.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return mapStoreError(err, destCol.Path)
	}
	defer destCol.Lock().Release(lock.WriteLock)

	if err := b.replaceExisting(tx, p, destCol, newName); err != nil {
		return err
	}
	if err := b.copyDocumentInto(tx, p, src, destCol, newName); err != nil {
		return err
	}
	return b.saveCollectionLocked(tx, destCol)
}

// copyDocumentInto duplicates src as dest's resource newName. The
// caller owns dest's locking and persistence.
func (b *Broker) copyDocumentInto(tx *txn.Txn, p *security.Principal, src *Document, dest *Collection, newName string) error {
	id, err := b.alloc.NextDocID(tx)
	if err != nil {
		return err
	}
	now := time.Now()
	copied := &Document{
		ID:             id,
		Name:           newName,
		CollectionPath: dest.Path,
		Type:           src.Type,
		Perm:           src.Perm,
		Created:        now,
		Modified:       now,
		MimeType:       src.MimeType,
		Order:          src.Order,
		ReindexLevel:   ReindexAll,
	}

	switch src.Type {
	case ResourceXML:
		tree, err := b.ReadDocumentTree(src)
		if err != nil {
			return err
		}
		plan, err := b.planFor(src.Order)
		if err != nil {
			return err
		}
		if err := b.storeTree(tx, copied, plan, tree); err != nil {
			return err
		}
	case ResourceBinary:
		if src.OverflowAddr != keyed.NilAddress {
			data, err := b.store.GetOverflow(src.OverflowAddr)
			if err != nil {
				return mapStoreError(err, src.FullPath())
			}
			addr, err := b.store.AddOverflow(tx, bytes.NewReader(data))
			if err != nil {
				return mapStoreError(err, copied.FullPath())
			}
			copied.OverflowAddr = addr
		}
	default:
		return errInvariant("unknown resource type", src.FullPath())
	}

	if err := b.saveDocumentMetadata(tx, copied); err != nil {
		return err
	}
	dest.AddDocument(copied.Entry())
	metricDocumentsStored.Inc()
	return nil
}

// MoveDocument relocates the resource at srcPath into the collection at
// destCollectionPath as newName (empty keeps the source name).
//
// A move within one collection is a pure rename and touches neither
// node records nor indexes. A move across collections relinks the
// entry, then drops and rebuilds the document's index entries.
func (b *Broker) MoveDocument(tx *txn.Txn, p *security.Principal, srcPath, destCollectionPath, newName string) error {
	srcColPath, name := SplitPath(srcPath)
	srcCol, err := b.loadCollection(srcColPath)
	if err != nil {
		return err
	}
	if !srcCol.Perm.Validate(p, security.Write) {
		return errDenied("write access to source collection denied", srcCol.Path)
	}
	e := srcCol.Document(name)
	if e == nil {
		return errNotFound("resource not found", NormalizePath(srcPath))
	}
	doc, err := b.loadDocument(srcCol.Path, e)
	if err != nil {
		return err
	}
	if !doc.Perm.Validate(p, security.Write) {
		return errDenied("write access to resource denied", doc.FullPath())
	}
	if newName == "" {
		newName = name
	}

	destColPath := NormalizePath(destCollectionPath)
	if destColPath == srcCol.Path {
		if newName == name {
			return nil
		}
		return b.renameDocument(tx, p, srcCol, doc, newName)
	}

	destCol, err := b.loadCollection(destColPath)
	if err != nil {
		return err
	}
	if !destCol.Perm.Validate(p, security.Write) {
		return errDenied("write access to destination collection denied", destCol.Path)
	}
	if destCol.HasChild(newName) {
		return &StorageError{Code: ErrIsCollection, Message: "destination name is an existing collection", Path: ChildPath(destCol.Path, newName)}
	}

	// cross-collection moves serialize on the store-wide lock, same as
	// collection moves
	if err := b.store.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return mapStoreError(err, srcCol.Path)
	}
	defer b.store.Lock().Release(lock.WriteLock)

	if err := b.replaceExisting(tx, p, destCol, newName); err != nil {
		return err
	}

	srcCol.RemoveDocument(name)
	if err := b.SaveCollection(tx, srcCol); err != nil {
		return err
	}
	doc.Name = newName
	doc.CollectionPath = destCol.Path
	doc.Modified = time.Now()
	if err := b.saveDocumentMetadata(tx, doc); err != nil {
		return err
	}
	destCol.AddDocument(doc.Entry())
	if err := b.SaveCollection(tx, destCol); err != nil {
		return err
	}

	if doc.Type == ResourceXML {
		b.dispatcher.DropForDocument(tx, doc.ID)
		if err := b.reindexDocument(context.Background(), tx, doc); err != nil {
			return err
		}
	}
	return nil
}

// renameDocument is the same-collection fast path: the entry is rekeyed
// in the collection record, nothing else moves.
func (b *Broker) renameDocument(tx *txn.Txn, p *security.Principal, col *Collection, doc *Document, newName string) error {
	if err := col.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return mapStoreError(err, col.Path)
	}
	defer col.Lock().Release(lock.WriteLock)

	if col.HasChild(newName) {
		return &StorageError{Code: ErrIsCollection, Message: "destination name is an existing collection", Path: ChildPath(col.Path, newName)}
	}
	if err := b.replaceExisting(tx, p, col, newName); err != nil {
		return err
	}
	col.RemoveDocument(doc.Name)
	doc.Name = newName
	doc.Modified = time.Now()
	if err := b.saveDocumentMetadata(tx, doc); err != nil {
		return err
	}
	col.AddDocument(doc.Entry())
	return b.saveCollectionLocked(tx, col)
}
