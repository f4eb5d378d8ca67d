package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/storage"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "badger", cfg.Store.Type)
	assert.Equal(t, 1, cfg.Storage.IndexDepth)
	assert.Equal(t, 5*time.Minute, cfg.Storage.TempFragmentTimeout)
	assert.True(t, cfg.GC.Enabled)
	assert.Equal(t, time.Minute, cfg.GC.Interval)
}

func TestApplyDefaultsNormalizesLogLevel(t *testing.T) {
	cfg := &Config{Logging: LoggingConfig{Level: "debug"}}
	ApplyDefaults(cfg)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Store.Type = "memory"

	require.NoError(t, Validate(cfg))

	bad := *cfg
	bad.Logging.Level = "LOUD"
	assert.Error(t, Validate(&bad))

	bad = *cfg
	bad.Store.Type = "etcd"
	assert.Error(t, Validate(&bad))

	bad = *cfg
	bad.Storage.IndexDepth = -1
	assert.Error(t, Validate(&bad))
}

func TestValidateBadgerRequiresPath(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")

	cfg.Store.Badger["path"] = "/var/lib/quercus"
	assert.NoError(t, Validate(cfg))
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: warn
  format: json
store:
  type: memory
storage:
  index_depth: 2
gc:
  enabled: true
  interval: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "WARN", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 2, cfg.Storage.IndexDepth)
	assert.Equal(t, 30*time.Second, cfg.GC.Interval)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: LOUD\nstore:\n  type: memory\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestCreateStoreMemory(t *testing.T) {
	store, err := CreateStore(&StoreConfig{Type: "memory"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = CreateStore(&StoreConfig{Type: "etcd"})
	assert.Error(t, err)
}

func TestCreateBrokerWiresIndexes(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Store.Type = "memory"

	broker, err := CreateBroker(cfg)
	require.NoError(t, err)
	defer func() { _ = broker.Close() }()

	assert.Len(t, broker.Dispatcher().Observers(), 4)

	_, err = broker.GetCollection(security.SystemPrincipal(), storage.RootCollectionPath)
	assert.NoError(t, err)
}
