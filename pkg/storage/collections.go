package storage

import (
	"github.com/quercusdb/quercus/internal/logger"
	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/storage/lock"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// loadCollection returns the cached collection for path, reading and
// caching it from the store on a miss.
func (b *Broker) loadCollection(path string) (*Collection, error) {
	path = NormalizePath(path)
	if col := b.cache.get(path); col != nil {
		return col, nil
	}
	raw, err := b.store.Get(keyCollection(path))
	if err != nil {
		if keyed.IsNotFound(err) {
			return nil, errNotFound("collection not found", path)
		}
		return nil, mapStoreError(err, path)
	}
	col, err := decodeCollection(path, raw)
	if err != nil {
		return nil, errInvariant("corrupt collection record: "+err.Error(), path)
	}
	if addr, err := b.store.GetAddress(keyCollection(path)); err == nil {
		col.addr = addr
	}
	return b.cache.getOrInsert(col), nil
}

// GetCollection returns the collection at path without locking it. The
// principal needs read access.
func (b *Broker) GetCollection(p *security.Principal, path string) (*Collection, error) {
	col, err := b.loadCollection(path)
	if err != nil {
		return nil, err
	}
	if !col.Perm.Validate(p, security.Read) {
		return nil, errDenied("read access to collection denied", col.Path)
	}
	return col, nil
}

// OpenCollection returns the collection at path with its lock held in
// the requested mode. The lock is registered on the transaction and
// released at commit or abort.
//
// A concurrent removal is detected after the lock is granted: the
// caller sees either the collection fully present or not found, never a
// half-unlinked entry.
func (b *Broker) OpenCollection(tx *txn.Txn, p *security.Principal, path string, mode lock.Mode) (*Collection, error) {
	path = NormalizePath(path)
	col, err := b.loadCollection(path)
	if err != nil {
		return nil, err
	}
	if !col.Perm.Validate(p, security.Read) {
		return nil, errDenied("read access to collection denied", path)
	}
	if err := tx.AcquireLock(col.Lock(), mode, b.lockTimeout()); err != nil {
		return nil, mapStoreError(err, path)
	}
	if b.cache.get(path) != col {
		return nil, errNotFound("collection was removed", path)
	}
	return col, nil
}

// GetOrCreateCollection walks path from the root, materializing every
// missing segment with default permissions (mode 0777, owned by the
// calling principal) and persisting each created ancestor immediately.
//
// Creating a segment needs write access on its parent. A permission
// failure aborts the walk; ancestors already created by the walk stay
// committed. This non-atomicity is deliberate and documented.
func (b *Broker) GetOrCreateCollection(tx *txn.Txn, p *security.Principal, path string) (*Collection, error) {
	path = NormalizePath(path)

	col, err := b.loadCollection(RootCollectionPath)
	if err != nil {
		if !IsNotFound(err) {
			return nil, err
		}
		col, err = b.createCollection(tx, nil, RootCollectionPath, security.NewPermission(p, security.DefaultCollectionMode))
		if err != nil {
			return nil, err
		}
	}

	current := RootCollectionPath
	for _, seg := range PathSegments(path) {
		childPath := ChildPath(current, seg)
		child, err := b.loadCollection(childPath)
		if err == nil {
			col, current = child, childPath
			continue
		}
		if !IsNotFound(err) {
			return nil, err
		}
		if !col.Perm.Validate(p, security.Write) {
			return nil, errDenied("write access to parent collection denied", current)
		}
		child, err = b.createCollection(tx, col, childPath, security.NewPermission(p, security.DefaultCollectionMode))
		if err != nil {
			return nil, err
		}
		col, current = child, childPath
	}
	return col, nil
}

// createCollection persists a fresh collection at path and links it
// into parent (nil for the root). Permission checks are the caller's
// job.
func (b *Broker) createCollection(tx *txn.Txn, parent *Collection, path string, perm security.Permission) (*Collection, error) {
	if parent != nil {
		if err := parent.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
			return nil, mapStoreError(err, parent.Path)
		}
		defer parent.Lock().Release(lock.WriteLock)
	}

	fresh := NewCollection(path, perm)
	col := b.cache.getOrInsert(fresh)
	if col != fresh {
		// another creator won the race and persists it
		return col, nil
	}

	if err := col.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return nil, mapStoreError(err, path)
	}
	defer col.Lock().Release(lock.WriteLock)

	if err := b.saveCollectionLocked(tx, col); err != nil {
		b.cache.remove(path)
		return nil, err
	}
	if parent != nil {
		parent.AddChild(col.Name())
		if err := b.saveCollectionLocked(tx, parent); err != nil {
			return nil, err
		}
	}
	metricCollectionsCreated.Inc()
	logger.Debug("storage: created collection %s (id %d)", col.Path, col.ID)
	return col, nil
}

// SaveCollection persists the collection record under a write lock,
// assigning an id on first save.
func (b *Broker) SaveCollection(tx *txn.Txn, col *Collection) error {
	if err := col.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return mapStoreError(err, col.Path)
	}
	defer col.Lock().Release(lock.WriteLock)
	return b.saveCollectionLocked(tx, col)
}

// saveCollectionLocked is SaveCollection for callers already holding
// the collection's write lock.
func (b *Broker) saveCollectionLocked(tx *txn.Txn, col *Collection) error {
	if col.ID == 0 {
		id, err := b.alloc.NextCollectionID(tx)
		if err != nil {
			return err
		}
		col.ID = id
	}
	addr, err := b.store.Put(tx, keyCollection(col.Path), encodeCollection(col), keyed.NilAddress, true)
	if err != nil {
		return mapStoreError(err, col.Path)
	}
	col.addr = addr
	return nil
}

// CopyCollection copies the collection at srcPath under destParentPath
// as newName (empty keeps the source name). Documents are duplicated in
// full with fresh ids, children depth-first, each level saved as it is
// built. A conflicting collection at the destination is removed first.
//
// The copy is not atomic across the subtree: a failure mid-copy leaves
// a partial destination tree behind.
func (b *Broker) CopyCollection(tx *txn.Txn, p *security.Principal, srcPath, destParentPath, newName string) error {
	srcPath = NormalizePath(srcPath)

	src, err := b.loadCollection(srcPath)
	if err != nil {
		return err
	}
	if !src.Perm.Validate(p, security.Read) {
		return errDenied("read access to source collection denied", srcPath)
	}
	destParent, err := b.loadCollection(destParentPath)
	if err != nil {
		return err
	}
	if !destParent.Perm.Validate(p, security.Write) {
		return errDenied("write access to destination collection denied", destParent.Path)
	}
	if newName == "" {
		newName = src.Name()
	}
	destPath := ChildPath(destParent.Path, newName)
	if destPath == srcPath {
		return errInvalid("cannot copy a collection onto itself", srcPath)
	}
	if IsSubPath(destPath, srcPath) {
		return errInvalid("cannot copy a collection into its own subtree", srcPath)
	}
	if destParent.Document(newName) != nil {
		return errExists("destination name is an existing resource", destPath)
	}
	if _, err := b.loadCollection(destPath); err == nil {
		if err := b.RemoveCollection(tx, p, destPath); err != nil {
			return err
		}
	} else if !IsNotFound(err) {
		return err
	}

	return b.copyCollectionTree(tx, p, src, destParent, newName)
}

// copyCollectionTree duplicates src as a child of destParent, depth
// first.
func (b *Broker) copyCollectionTree(tx *txn.Txn, p *security.Principal, src, destParent *Collection, name string) error {
	if err := src.Lock().Acquire(lock.ReadLock, b.lockTimeout()); err != nil {
		return mapStoreError(err, src.Path)
	}
	defer src.Lock().Release(lock.ReadLock)

	dest, err := b.createCollection(tx, destParent, ChildPath(destParent.Path, name), src.Perm)
	if err != nil {
		return err
	}

	for _, e := range src.Documents() {
		doc, err := b.loadDocument(src.Path, e)
		if err != nil {
			return err
		}
		if err := b.copyDocumentInto(tx, p, doc, dest, e.Name); err != nil {
			return err
		}
	}
	for _, childName := range src.Children() {
		child, err := b.loadCollection(ChildPath(src.Path, childName))
		if err != nil {
			return err
		}
		if err := b.copyCollectionTree(tx, p, child, dest, childName); err != nil {
			return err
		}
	}
	return nil
}

// MoveCollection relinks the collection at srcPath under destParentPath
// as newName (empty keeps the source name). The whole move runs under
// the store-wide lock so the cache and parent linkage stay consistent
// for the duration of the call.
func (b *Broker) MoveCollection(tx *txn.Txn, p *security.Principal, srcPath, destParentPath, newName string) error {
	srcPath = NormalizePath(srcPath)
	if srcPath == RootCollectionPath {
		return errInvalid("cannot move the root collection", srcPath)
	}

	if err := b.store.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return mapStoreError(err, srcPath)
	}
	defer b.store.Lock().Release(lock.WriteLock)

	src, err := b.loadCollection(srcPath)
	if err != nil {
		return err
	}
	if !src.Perm.Validate(p, security.Write) {
		return errDenied("write access to source collection denied", srcPath)
	}
	destParent, err := b.loadCollection(destParentPath)
	if err != nil {
		return err
	}
	if !destParent.Perm.Validate(p, security.Write) {
		return errDenied("write access to destination collection denied", destParent.Path)
	}
	if newName == "" {
		newName = src.Name()
	}
	destPath := ChildPath(destParent.Path, newName)
	if destPath == srcPath {
		return errInvalid("cannot move a collection onto itself", srcPath)
	}
	if IsSubPath(destPath, srcPath) {
		return errInvalid("cannot move a collection into its own subtree", srcPath)
	}
	if _, err := b.loadCollection(destPath); err == nil {
		return errExists("destination collection already exists", destPath)
	} else if !IsNotFound(err) {
		return err
	}
	if destParent.Document(newName) != nil {
		return errExists("destination name is an existing resource", destPath)
	}

	// unlink from the old parent first, then rewrite the subtree
	oldParent, err := b.loadCollection(ParentPath(srcPath))
	if err != nil {
		return err
	}
	oldParent.RemoveChild(src.Name())
	if err := b.SaveCollection(tx, oldParent); err != nil {
		return err
	}

	if err := b.moveCollectionTree(tx, src, destPath); err != nil {
		return err
	}

	destParent.AddChild(newName)
	return b.SaveCollection(tx, destParent)
}

// moveCollectionTree rewrites the stored path of col and every
// descendant, rekeying the cache so held instances survive the move.
// Caller holds the store-wide lock.
func (b *Broker) moveCollectionTree(tx *txn.Txn, col *Collection, newPath string) error {
	if err := col.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return mapStoreError(err, col.Path)
	}
	defer col.Lock().Release(lock.WriteLock)

	oldPath := col.Path
	if err := b.store.Remove(tx, keyCollection(oldPath)); err != nil && !keyed.IsNotFound(err) {
		return mapStoreError(err, oldPath)
	}
	col.Path = newPath
	col.addr = keyed.NilAddress
	if err := b.saveCollectionLocked(tx, col); err != nil {
		return err
	}
	b.cache.rekey(oldPath, newPath)

	for _, name := range col.Children() {
		child, err := b.loadCollection(ChildPath(oldPath, name))
		if err != nil {
			return err
		}
		if err := b.moveCollectionTree(tx, child, ChildPath(newPath, name)); err != nil {
			return err
		}
	}
	return nil
}

// RemoveCollection removes the collection at path, its documents and
// all child collections. Removal is two-phase per document set: index
// entries are dropped before any structural delete, because index drop
// handlers may still dereference node content.
//
// The root collection is special-cased: its contents go away but the
// collection itself is re-saved empty and its id is never freed.
func (b *Broker) RemoveCollection(tx *txn.Txn, p *security.Principal, path string) error {
	path = NormalizePath(path)
	col, err := b.loadCollection(path)
	if err != nil {
		return err
	}
	if !col.Perm.Validate(p, security.Write) {
		return errDenied("write access to collection denied", path)
	}

	if path == RootCollectionPath {
		if err := col.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
			return mapStoreError(err, path)
		}
		defer col.Lock().Release(lock.WriteLock)
		if err := b.removeCollectionContents(tx, col); err != nil {
			return err
		}
		col.children = nil
		col.docs = make(map[string]*DocumentEntry)
		return b.saveCollectionLocked(tx, col)
	}

	parent, err := b.loadCollection(ParentPath(path))
	if err != nil {
		return err
	}
	if !parent.Perm.Validate(p, security.Write) {
		return errDenied("write access to parent collection denied", parent.Path)
	}

	if err := parent.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return mapStoreError(err, parent.Path)
	}
	defer parent.Lock().Release(lock.WriteLock)

	if err := b.removeCollectionTree(tx, col); err != nil {
		return err
	}
	// dangling descendants skipped by the tree walk must not stay cached
	b.cache.removeSubtree(path)
	parent.RemoveChild(col.Name())
	return b.saveCollectionLocked(tx, parent)
}

// removeCollectionTree erases col and everything below it, bottom-up.
// The caller holds the parent's write lock; unlinking from the parent
// is the caller's job.
func (b *Broker) removeCollectionTree(tx *txn.Txn, col *Collection) error {
	if err := col.Lock().Acquire(lock.WriteLock, b.lockTimeout()); err != nil {
		return mapStoreError(err, col.Path)
	}
	defer col.Lock().Release(lock.WriteLock)

	if err := b.removeCollectionContents(tx, col); err != nil {
		return err
	}

	b.cache.remove(col.Path)
	if err := b.store.Remove(tx, keyCollection(col.Path)); err != nil && !keyed.IsNotFound(err) {
		return mapStoreError(err, col.Path)
	}
	if col.ID != 0 {
		if err := b.alloc.ReleaseCollectionID(tx, col.ID); err != nil {
			return err
		}
	}
	metricCollectionsRemoved.Inc()
	logger.Debug("storage: removed collection %s", col.Path)
	return nil
}

// removeCollectionContents drops the documents and child collections of
// col without touching col's own record. Caller holds col's write lock.
func (b *Broker) removeCollectionContents(tx *txn.Txn, col *Collection) error {
	docs := col.Documents()
	ids := make([]uint32, 0, len(docs))
	for _, e := range docs {
		ids = append(ids, e.ID)
	}
	if len(ids) > 0 {
		// phase one: index drop, before any structural delete
		b.dispatcher.DropForCollection(tx, ids)
	}

	for _, e := range docs {
		doc, err := b.loadDocument(col.Path, e)
		if err != nil {
			logger.Warn("storage: skipping unreadable document %s in %s: %v", e.Name, col.Path, err)
			continue
		}
		if err := b.removeDocumentContent(tx, doc); err != nil {
			return err
		}
		if err := b.alloc.ReleaseDocID(tx, e.ID); err != nil {
			return err
		}
		metricDocumentsRemoved.Inc()
	}

	for _, name := range col.Children() {
		child, err := b.loadCollection(ChildPath(col.Path, name))
		if err != nil {
			if IsNotFound(err) {
				logger.Warn("storage: dangling child collection %s under %s", name, col.Path)
				continue
			}
			return err
		}
		if err := b.removeCollectionTree(tx, child); err != nil {
			return err
		}
	}
	return nil
}
