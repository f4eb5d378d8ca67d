// Package storage implements the database core: collections and
// resources in a keyed store, node decomposition of XML documents,
// secondary index dispatch, reindexing, defragmentation and temporary
// fragment lifecycle.
//
// The entry point is the Broker. All operations take the acting
// principal explicitly; nothing consults ambient identity.
package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/quercusdb/quercus/internal/logger"
	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/storage/gid"
	"github.com/quercusdb/quercus/pkg/storage/index"
	"github.com/quercusdb/quercus/pkg/storage/txn"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// Config contains the orchestrator's tuning knobs.
type Config struct {
	// IndexDepth is the deepest tree level whose element nodes get a
	// structural key; deeper nodes are reachable by chain and GID
	// arithmetic only (default 1)
	IndexDepth int `mapstructure:"index_depth"`

	// NodesBeforeMemoryCheck is how many node records may be written
	// before buffered index entries are flushed (default 10000)
	NodesBeforeMemoryCheck int `mapstructure:"nodes_before_memory_check"`

	// CollectionCacheSize bounds the collection cache (default 256)
	CollectionCacheSize int `mapstructure:"collection_cache_size"`

	// TempFragmentTimeout is the minimum age before a temporary
	// fragment may be garbage collected (default 5m)
	TempFragmentTimeout time.Duration `mapstructure:"temp_fragment_timeout"`

	// DefaultOrder is the GID branching order for documents whose
	// fan-out allows it (default 16)
	DefaultOrder int `mapstructure:"default_order"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.IndexDepth <= 0 {
		c.IndexDepth = 1
	}
	if c.NodesBeforeMemoryCheck <= 0 {
		c.NodesBeforeMemoryCheck = 10000
	}
	if c.CollectionCacheSize <= 0 {
		c.CollectionCacheSize = 256
	}
	if c.TempFragmentTimeout <= 0 {
		c.TempFragmentTimeout = 5 * time.Minute
	}
	if c.DefaultOrder < 2 {
		c.DefaultOrder = gid.DefaultOrder
	}
}

// Broker is the storage orchestrator.
//
// Thread Safety: safe for concurrent use. Collection-level mutual
// exclusion uses the per-collection locks handed out by the cache;
// operations spanning several collections (move, copy) additionally
// serialize on the store-wide lock.
type Broker struct {
	store      keyed.Store
	alloc      *idAllocator
	cache      *collectionCache
	txns       *txn.Manager
	dispatcher *index.Dispatcher
	config     Config

	planMu sync.Mutex
	plans  map[int]*gid.Plan

	// nodesSinceCheck counts node records written since the last
	// index flush (memory-pressure backstop, see storeNode)
	nodesSinceCheck atomic.Int64
}

// New creates a broker over the store with the given index components.
//
// Unless the store is read-only, the root collection is materialized on
// first open, owned by the system principal.
func New(store keyed.Store, observers []index.Observer, config Config) (*Broker, error) {
	config.ApplyDefaults()

	b := &Broker{
		store: store,
		alloc: newIDAllocator(store),
		cache: newCollectionCache(config.CollectionCacheSize),
		txns:  txn.NewManager(),
		dispatcher: index.NewDispatcher(observers, func(component, handler string) {
			metricIndexDispatchErrors.WithLabelValues(component, handler).Inc()
		}),
		config: config,
		plans:  make(map[int]*gid.Plan),
	}

	if !store.ReadOnly() {
		tx := b.Begin()
		_, err := b.GetOrCreateCollection(tx, security.SystemPrincipal(), RootCollectionPath)
		if err != nil {
			_ = tx.Abort()
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Begin starts a transaction scoped to one logical operation.
func (b *Broker) Begin() *txn.Txn {
	return b.txns.Begin()
}

// Dispatcher exposes the index dispatcher, mainly for query layers that
// need direct access to the components.
func (b *Broker) Dispatcher() *index.Dispatcher {
	return b.dispatcher
}

// Store exposes the underlying keyed store.
func (b *Broker) Store() keyed.Store {
	return b.store
}

// Config returns the effective configuration.
func (b *Broker) Config() Config {
	return b.config
}

// Flush pushes buffered index entries out and resets the node counter.
func (b *Broker) Flush() {
	b.dispatcher.Flush()
	b.nodesSinceCheck.Store(0)
}

// Sync flushes and, for a major sync, forces everything to stable
// storage.
func (b *Broker) Sync(major bool) error {
	b.Flush()
	b.dispatcher.Sync()
	if major {
		if err := b.store.Flush(); err != nil {
			return mapStoreError(err, "")
		}
	}
	return nil
}

// Close syncs and shuts the store down.
func (b *Broker) Close() error {
	if err := b.Sync(true); err != nil {
		logger.Warn("storage: sync during close failed: %v", err)
	}
	return mapStoreError(b.store.Close(), "")
}

// planFor returns the (cached) numbering plan for a branching order.
func (b *Broker) planFor(order int) (*gid.Plan, error) {
	if order < 2 {
		order = b.config.DefaultOrder
	}
	b.planMu.Lock()
	defer b.planMu.Unlock()
	if p, ok := b.plans[order]; ok {
		return p, nil
	}
	p, err := gid.NewPlan(order)
	if err != nil {
		return nil, errInvalid(err.Error(), "")
	}
	b.plans[order] = p
	return p, nil
}

// lockTimeout is the bounded wait used for every lock acquisition.
func (b *Broker) lockTimeout() time.Duration {
	return b.store.LockTimeout()
}

// checkNodePressure flushes buffered index entries once enough node
// records accumulated. Called from the node-writing paths.
func (b *Broker) checkNodePressure() {
	if b.nodesSinceCheck.Add(1) >= int64(b.config.NodesBeforeMemoryCheck) {
		logger.Debug("storage: flushing indexes after %d node records", b.nodesSinceCheck.Load())
		b.Flush()
	}
}
