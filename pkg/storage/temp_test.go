package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quercusdb/quercus/pkg/security"
	"github.com/quercusdb/quercus/pkg/storage/dom"
)

func storeTempFragment(t *testing.T, b *Broker) *Document {
	t.Helper()
	tx := b.Begin()
	doc, err := b.StoreTempResource(tx, dom.Element("result", nil, dom.Text("42")))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return doc
}

func TestStoreTempResource(t *testing.T) {
	b := newTestBroker(t)
	doc := storeTempFragment(t, b)

	assert.Equal(t, TempCollectionPath, doc.CollectionPath)
	assert.True(t, strings.HasSuffix(doc.Name, ".xml"))
	assert.Equal(t, security.SystemUser, doc.Perm.Owner)

	col, err := b.GetCollection(security.SystemPrincipal(), TempCollectionPath)
	require.NoError(t, err)
	assert.Equal(t, TempCollectionMode, col.Perm.Mode)

	// Generated names do not collide.
	second := storeTempFragment(t, b)
	assert.NotEqual(t, doc.Name, second.Name)
}

func TestRemoveTempResources(t *testing.T) {
	b := newTestBroker(t)
	doc := storeTempFragment(t, b)

	tx := b.Begin()
	require.NoError(t, b.RemoveTempResources(tx, []string{doc.Name, "no-such.xml"}))
	require.NoError(t, tx.Commit())

	_, err := b.GetDocument(security.SystemPrincipal(), doc.FullPath())
	assert.True(t, IsNotFound(err))
}

func TestCleanUpTempResourcesAgeGate(t *testing.T) {
	b := newTestBroker(t)
	storeTempFragment(t, b)

	// Everything is younger than the timeout: nothing happens.
	tx := b.Begin()
	removed, err := b.CleanUpTempResources(tx, time.Now())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.False(t, removed)

	_, err = b.GetCollection(security.SystemPrincipal(), TempCollectionPath)
	require.NoError(t, err)

	// Once every fragment has aged past the timeout the whole
	// collection goes.
	tx = b.Begin()
	removed, err = b.CleanUpTempResources(tx, time.Now().Add(b.Config().TempFragmentTimeout+time.Minute))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.True(t, removed)

	_, err = b.GetCollection(security.SystemPrincipal(), TempCollectionPath)
	assert.True(t, IsNotFound(err))
}

func TestCleanUpTempResourcesYoungFragmentBlocks(t *testing.T) {
	b := newTestBroker(t)
	old := storeTempFragment(t, b)

	// Backdate one fragment, keep the other young.
	old.Modified = time.Now().Add(-2 * b.Config().TempFragmentTimeout)
	tx := b.Begin()
	require.NoError(t, b.saveDocumentMetadata(tx, old))
	require.NoError(t, tx.Commit())
	young := storeTempFragment(t, b)

	tx = b.Begin()
	removed, err := b.CleanUpTempResources(tx, time.Now())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.False(t, removed)

	// Both fragments survive, the expired one included.
	sys := security.SystemPrincipal()
	_, err = b.GetDocument(sys, old.FullPath())
	require.NoError(t, err)
	_, err = b.GetDocument(sys, young.FullPath())
	require.NoError(t, err)
}

func TestCleanUpTempResourcesNoCollection(t *testing.T) {
	b := newTestBroker(t)

	tx := b.Begin()
	removed, err := b.CleanUpTempResources(tx, time.Now())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.False(t, removed)
}
