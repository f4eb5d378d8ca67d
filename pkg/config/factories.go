package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/quercusdb/quercus/pkg/storage"
	"github.com/quercusdb/quercus/pkg/storage/index"
	"github.com/quercusdb/quercus/pkg/store/keyed"
	badgerstore "github.com/quercusdb/quercus/pkg/store/keyed/badger"
	memorystore "github.com/quercusdb/quercus/pkg/store/keyed/memory"
)

// CreateStore creates a keyed store based on configuration.
//
// This factory uses the Type field to determine which store
// implementation to create, then decodes the type-specific
// configuration from the corresponding map and passes it to the
// store's constructor.
//
// Supported types:
//   - "badger": persistent BadgerDB-backed store
//   - "memory": in-memory store (tests, embedding)
func CreateStore(cfg *StoreConfig) (keyed.Store, error) {
	switch cfg.Type {
	case "badger":
		return createBadgerStore(cfg.Badger)
	case "memory":
		return createMemoryStore(cfg.Memory)
	default:
		return nil, fmt.Errorf("unknown keyed store type: %q", cfg.Type)
	}
}

func createBadgerStore(options map[string]any) (keyed.Store, error) {
	var storeCfg badgerstore.Config
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger store config: %w", err)
	}
	if storeCfg.Path == "" {
		return nil, fmt.Errorf("badger store: path is required")
	}
	store, err := badgerstore.NewBadgerStore(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger store: %w", err)
	}
	return store, nil
}

func createMemoryStore(options map[string]any) (keyed.Store, error) {
	var storeCfg memorystore.Config
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode memory store config: %w", err)
	}
	return memorystore.NewMemoryStore(storeCfg), nil
}

// CreateBroker assembles the storage broker over the configured store,
// registering the standard index components (element names, typed
// values, qualified-name values, full text).
//
// The returned store is owned by the broker; closing the broker closes
// it.
func CreateBroker(cfg *Config) (*storage.Broker, error) {
	store, err := CreateStore(&cfg.Store)
	if err != nil {
		return nil, err
	}

	observers := []index.Observer{
		index.NewElementIndex(store),
		index.NewValueIndex(store),
		index.NewQNameValueIndex(store),
		index.NewFulltextIndex(store),
	}

	broker, err := storage.New(store, observers, cfg.Storage)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return broker, nil
}
