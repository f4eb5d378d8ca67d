// Package badger implements keyed.Store on top of BadgerDB.
//
// This is the persistent store used in production deployments. See
// keys.go for the on-disk key schema.
package badger

import (
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"

	"github.com/quercusdb/quercus/pkg/storage/lock"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// BadgerStore implements keyed.Store using BadgerDB for persistence and
// ristretto as a read-through cache for value records.
//
// Thread Safety:
// Reads go straight to BadgerDB's MVCC snapshots. Mutations are
// serialized by a single mutex: chain maintenance touches neighbour
// records, and serializing writers avoids BadgerDB transaction conflicts
// entirely. This coarse-grained locking is simple and correct; the
// database core batches its writes per operation anyway.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence

	// cache holds decoded value payloads by address. Addresses are never
	// reused, so a stale entry can only occur through Update, which
	// invalidates explicitly.
	cache *ristretto.Cache[uint64, []byte]

	// writeMu serializes all mutating transactions
	writeMu sync.Mutex

	readOnly bool
	closed   bool
	mu       sync.RWMutex // guards closed

	storeLock   *lock.Lock
	lockTimeout time.Duration
}

// Config contains configuration for creating a BadgerDB keyed store.
type Config struct {
	// Path is the directory where BadgerDB stores its files
	Path string `mapstructure:"path"`

	// ReadOnly makes every mutation fail with ErrReadOnly. The database
	// files are still opened writable so BadgerDB can replay its value
	// log; the flag is enforced at this layer.
	ReadOnly bool `mapstructure:"read_only"`

	// LockTimeout bounds waits on the store-wide lock (default 30s)
	LockTimeout time.Duration `mapstructure:"lock_timeout"`

	// CacheSizeMB is the ristretto payload cache budget in MB (default 64)
	CacheSizeMB int64 `mapstructure:"cache_size_mb"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default 256)
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb"`

	// IndexCacheSizeMB is BadgerDB's index cache size in MB (default 128)
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb"`

	// BadgerOptions allows full customization of BadgerDB behavior.
	// If nil, defaults tuned for the structural-record workload are used.
	BadgerOptions *badger.Options
}

// NewBadgerStore opens (or creates) a store at config.Path.
//
// The returned store is immediately ready for use and safe for concurrent
// access from multiple goroutines.
func NewBadgerStore(config Config) (*BadgerStore, error) {
	var opts badger.Options
	if config.BadgerOptions != nil {
		opts = *config.BadgerOptions
	} else {
		opts = badger.DefaultOptions(config.Path)

		// The workload is many small records with frequent prefix scans;
		// compression buys little at these sizes.
		opts = opts.WithLoggingLevel(badger.WARNING)
		opts = opts.WithCompression(options.None)

		blockCacheMB := config.BlockCacheSizeMB
		if blockCacheMB == 0 {
			blockCacheMB = 256
		}
		indexCacheMB := config.IndexCacheSizeMB
		if indexCacheMB == 0 {
			indexCacheMB = 128
		}
		opts = opts.WithBlockCacheSize(blockCacheMB << 20)
		opts = opts.WithIndexCacheSize(indexCacheMB << 20)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.Path, err)
	}

	seq, err := db.GetSequence([]byte(seqAddress), 1024)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open address sequence: %w", err)
	}

	cacheMB := config.CacheSizeMB
	if cacheMB == 0 {
		cacheMB = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: 1 << 20,
		MaxCost:     cacheMB << 20,
		BufferItems: 64,
	})
	if err != nil {
		_ = seq.Release()
		_ = db.Close()
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}

	timeout := config.LockTimeout
	if timeout <= 0 {
		timeout = lock.DefaultTimeout
	}

	return &BadgerStore{
		db:          db,
		seq:         seq,
		cache:       cache,
		readOnly:    config.ReadOnly,
		storeLock:   lock.New("keyed-badger"),
		lockTimeout: timeout,
	}, nil
}

var _ keyed.Store = (*BadgerStore)(nil)

// Flush forces the value log to stable storage.
func (s *BadgerStore) Flush() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed()
	}
	if err := s.db.Sync(); err != nil {
		return wrapIO("sync failed", err)
	}
	return nil
}

// Close releases the sequence lease, the cache and the database. The
// store must not be used afterwards.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.cache.Close()
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return wrapIO("failed to release address sequence", err)
	}
	if err := s.db.Close(); err != nil {
		return wrapIO("failed to close BadgerDB", err)
	}
	return nil
}

func (s *BadgerStore) ReadOnly() bool {
	return s.readOnly
}

func (s *BadgerStore) Lock() *lock.Lock {
	return s.storeLock
}

func (s *BadgerStore) LockTimeout() time.Duration {
	return s.lockTimeout
}

// nextAddress leases a fresh, never-reused address.
func (s *BadgerStore) nextAddress() (keyed.Address, error) {
	n, err := s.seq.Next()
	if err != nil {
		return keyed.NilAddress, wrapIO("address sequence exhausted", err)
	}
	// Sequences start at 0; the zero address is reserved as nil.
	return keyed.Address(n + 1), nil
}

// writable checks the closed and read-only gates before a mutation.
func (s *BadgerStore) writable() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errClosed()
	}
	if s.readOnly {
		return &keyed.StoreError{Code: keyed.ErrReadOnly, Message: "store is read-only"}
	}
	return nil
}

func errClosed() error {
	return &keyed.StoreError{Code: keyed.ErrClosed, Message: "store is closed"}
}

func errNotFound(msg string) error {
	return &keyed.StoreError{Code: keyed.ErrNotFound, Message: msg}
}

func wrapIO(msg string, err error) error {
	return &keyed.StoreError{Code: keyed.ErrIO, Message: msg + ": " + err.Error()}
}
