package gid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plan(t *testing.T, order int) *Plan {
	t.Helper()
	p, err := NewPlan(order)
	require.NoError(t, err)
	return p
}

func TestNewPlanRejectsSmallOrder(t *testing.T) {
	_, err := NewPlan(1)
	assert.Error(t, err)
	_, err = NewPlan(0)
	assert.Error(t, err)
}

func TestLevelStarts(t *testing.T) {
	p := plan(t, 3)

	// order 3: level sizes 1, 3, 9, 27 → starts 1, 2, 5, 14, 41.
	for level, want := range []GID{1, 2, 5, 14, 41} {
		got, err := p.LevelStart(level)
		require.NoError(t, err)
		assert.Equal(t, want, got, "level %d", level)
	}
}

func TestLevelFromGID(t *testing.T) {
	p := plan(t, 3)

	cases := []struct {
		g     GID
		level int
	}{
		{1, 0},
		{2, 1}, {4, 1},
		{5, 2}, {13, 2},
		{14, 3}, {40, 3},
	}
	for _, c := range cases {
		got, err := p.Level(c.g)
		require.NoError(t, err)
		assert.Equal(t, c.level, got, "gid %d", c.g)
	}

	_, err := p.Level(Invalid)
	assert.Error(t, err)
}

func TestParentChildRoundTrip(t *testing.T) {
	p := plan(t, 3)

	first, err := p.FirstChild(Root)
	require.NoError(t, err)
	assert.Equal(t, GID(2), first)

	// Children of gid 3 (second node on level 1): offset 1 → 5+3 = 8.
	first, err = p.FirstChild(3)
	require.NoError(t, err)
	assert.Equal(t, GID(8), first)

	for _, child := range []GID{8, 9, 10} {
		parent, err := p.Parent(child)
		require.NoError(t, err)
		assert.Equal(t, GID(3), parent, "child %d", child)
	}

	root, err := p.Parent(Root)
	require.NoError(t, err)
	assert.Equal(t, Invalid, root)
}

func TestChildRange(t *testing.T) {
	p := plan(t, 3)

	first, last, err := p.ChildRange(3, 2)
	require.NoError(t, err)
	assert.Equal(t, GID(8), first)
	assert.Equal(t, GID(9), last)

	_, _, err = p.ChildRange(3, 4)
	assert.Error(t, err, "count beyond branching order")
}

func TestIsDescendant(t *testing.T) {
	p := plan(t, 3)

	grandchild, err := p.FirstChild(3)
	require.NoError(t, err)

	ok, err := p.IsDescendant(grandchild, Root)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.IsDescendant(grandchild, 3)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.IsDescendant(grandchild, 2)
	require.NoError(t, err)
	assert.False(t, ok, "sibling subtree")

	ok, err = p.IsDescendant(3, 3)
	require.NoError(t, err)
	assert.False(t, ok, "a node is not its own descendant")

	ok, err = p.IsDescendant(Root, grandchild)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubtreeOnLevel(t *testing.T) {
	p := plan(t, 3)

	// Subtree of node 3 on level 2 covers its three children.
	first, last, err := p.SubtreeOnLevel(3, 2)
	require.NoError(t, err)
	assert.Equal(t, GID(8), first)
	assert.Equal(t, GID(10), last)

	// On its own level a subtree is just the node.
	first, last, err = p.SubtreeOnLevel(3, 1)
	require.NoError(t, err)
	assert.Equal(t, GID(3), first)
	assert.Equal(t, GID(3), last)

	// Root subtree on level 2 is the whole level.
	first, last, err = p.SubtreeOnLevel(Root, 2)
	require.NoError(t, err)
	assert.Equal(t, GID(5), first)
	assert.Equal(t, GID(13), last)
}

func TestDeepPlanDoesNotOverflow(t *testing.T) {
	p := plan(t, DefaultOrder)
	assert.Greater(t, p.Depth(), 10)

	// Walking past the precomputed depth errors instead of wrapping.
	g := Root
	var err error
	for range p.Depth() {
		g, err = p.FirstChild(g)
		if err != nil {
			return
		}
	}
	_, err = p.FirstChild(g)
	assert.Error(t, err)
}
