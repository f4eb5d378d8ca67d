package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/quercusdb/quercus/internal/logger"
	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/storage/dom"
	"github.com/quercusdb/quercus/pkg/storage/lock"
	"github.com/quercusdb/quercus/pkg/storage/txn"
)

// TempCollectionMode restricts the temp collection: full access for the
// system owner and its group, execute-only for everyone else.
const TempCollectionMode uint16 = 0o771

// ensureTempCollection returns the temp collection, creating it on
// demand as the system principal.
func (b *Broker) ensureTempCollection(tx *txn.Txn) (*Collection, error) {
	col, err := b.loadCollection(TempCollectionPath)
	if err == nil {
		return col, nil
	}
	if !IsNotFound(err) {
		return nil, err
	}
	sys := security.SystemPrincipal()
	parent, err := b.GetOrCreateCollection(tx, sys, ParentPath(TempCollectionPath))
	if err != nil {
		return nil, err
	}
	return b.createCollection(tx, parent, TempCollectionPath, security.NewPermission(sys, TempCollectionMode))
}

// StoreTempResource stores a transient fragment under a generated name
// in the temp collection, acting as the system principal.
func (b *Broker) StoreTempResource(tx *txn.Txn, tree *dom.TreeNode) (*Document, error) {
	if _, err := b.ensureTempCollection(tx); err != nil {
		return nil, err
	}
	name := uuid.NewString() + ".xml"
	return b.StoreDocument(tx, security.SystemPrincipal(), TempCollectionPath, name, tree, DefaultXMLMimeType)
}

// RemoveTempResources removes the named fragments immediately,
// whatever their age. Missing names are skipped.
func (b *Broker) RemoveTempResources(tx *txn.Txn, names []string) error {
	sys := security.SystemPrincipal()
	for _, name := range names {
		err := b.RemoveDocument(tx, sys, ChildPath(TempCollectionPath, name))
		if err != nil && !IsNotFound(err) {
			return err
		}
	}
	return nil
}

// CleanUpTempResources removes the whole temp collection once every
// fragment in it is older than the configured timeout relative to now.
// One young fragment blocks the collection-wide cleanup. The return
// value reports whether the collection was removed.
func (b *Broker) CleanUpTempResources(tx *txn.Txn, now time.Time) (bool, error) {
	col, err := b.loadCollection(TempCollectionPath)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	cutoff := now.Add(-b.config.TempFragmentTimeout)
	collected := 0

	if err := col.Lock().Acquire(lock.ReadLock, b.lockTimeout()); err != nil {
		return false, mapStoreError(err, col.Path)
	}
	for _, e := range col.Documents() {
		doc, err := b.loadDocument(col.Path, e)
		if err != nil {
			col.Lock().Release(lock.ReadLock)
			return false, err
		}
		if doc.Modified.After(cutoff) {
			col.Lock().Release(lock.ReadLock)
			return false, nil
		}
		collected++
	}
	col.Lock().Release(lock.ReadLock)

	if err := b.RemoveCollection(tx, security.SystemPrincipal(), TempCollectionPath); err != nil {
		return false, err
	}
	metricTempDocsCollected.Add(float64(collected))
	logger.Debug("storage: collected %d expired temp fragments", collected)
	return true, nil
}
