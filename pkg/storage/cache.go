package storage

import (
	"sync"

	"github.com/quercusdb/quercus/pkg/storage/lock"
)

// collectionCache keeps one shared *Collection instance per open path,
// so every goroutine locking a collection locks the same lock.
//
// Locking protocol
// ================
// The cache mutex is a global synchronized section: lookups, inserts
// and removals are short and never block. A collection's own lock is
// ALWAYS acquired outside the cache's critical section. Taking a
// collection lock while holding the cache mutex deadlocks against any
// goroutine that holds the collection and then opens another path.
type collectionCache struct {
	mu      sync.Mutex
	byPath  map[string]*Collection
	maxSize int
}

func newCollectionCache(maxSize int) *collectionCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	return &collectionCache{
		byPath:  make(map[string]*Collection),
		maxSize: maxSize,
	}
}

// get returns the cached instance, or nil.
func (c *collectionCache) get(path string) *Collection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byPath[NormalizePath(path)]
}

// getOrInsert returns the cached instance for fresh.Path, inserting
// fresh when the path is not cached. The returned collection is the
// canonical shared instance; fresh is discarded when another goroutine
// won the race.
func (c *collectionCache) getOrInsert(fresh *Collection) *Collection {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byPath[fresh.Path]; ok {
		return existing
	}
	if len(c.byPath) >= c.maxSize {
		c.evictOneLocked()
	}
	c.byPath[fresh.Path] = fresh
	return fresh
}

// remove evicts a path, e.g. after the collection is deleted or moved.
func (c *collectionCache) remove(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byPath, NormalizePath(path))
}

// removeSubtree evicts a path and everything below it.
func (c *collectionCache) removeSubtree(path string) {
	path = NormalizePath(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.byPath {
		if p == path || IsSubPath(p, path) {
			delete(c.byPath, p)
		}
	}
}

// rekey moves a cached entry to a new path after a collection move.
// The instance (and with it the lock every waiter holds) survives.
func (c *collectionCache) rekey(oldPath, newPath string) {
	oldPath, newPath = NormalizePath(oldPath), NormalizePath(newPath)
	c.mu.Lock()
	defer c.mu.Unlock()
	if col, ok := c.byPath[oldPath]; ok {
		delete(c.byPath, oldPath)
		col.Path = newPath
		c.byPath[newPath] = col
	}
}

// evictOneLocked drops an arbitrary unlocked entry. Entries whose lock
// is currently held must stay: waiters hold references to the instance.
// Must be called with mu held.
func (c *collectionCache) evictOneLocked() {
	for p, col := range c.byPath {
		if p == RootCollectionPath {
			continue
		}
		if col.Lock().TryAcquire(lock.WriteLock) {
			col.Lock().Release(lock.WriteLock)
			delete(c.byPath, p)
			return
		}
	}
}
