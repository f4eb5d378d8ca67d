// Package gid implements the hierarchical node numbering used by the
// structural store.
//
// Nodes of a document are numbered as if the document were a complete
// k-ary tree: the root gets 1, level l starts at
//
//	start(0) = 1
//	start(l+1) = start(l) + k^l
//
// and the children of a node are a contiguous run of k numbers. The
// level, parent and child range of a node are therefore pure arithmetic
// on its number, with no tree access at all. The price is sparseness:
// most numbers are never assigned, which is why the structural store
// keys only a shallow element subset and chains the rest.
package gid

import (
	"fmt"
	"math"
)

// GID is the hierarchical number of one node within one document.
// The zero value is never a valid node.
type GID uint64

// Invalid is the zero GID, used as a "no node" marker.
const Invalid GID = 0

// Root is the GID of every document's root element.
const Root GID = 1

// Valid reports whether g can denote a node at all.
func (g GID) Valid() bool {
	return g != Invalid
}

// Plan holds the numbering parameters of one document: the branching
// order k and the precomputed level start points.
//
// A Plan is immutable after construction and safe to share across
// goroutines. Plans with the same order are interchangeable.
type Plan struct {
	order  uint64
	starts []uint64
}

// DefaultOrder is the branching order used when a document's metadata
// does not carry one.
const DefaultOrder = 16

// NewPlan builds a plan for branching order k. Levels are precomputed
// until the start point would overflow uint64, which bounds the usable
// document depth; Depth reports how many levels fit.
func NewPlan(order int) (*Plan, error) {
	if order < 2 {
		return nil, fmt.Errorf("gid: branching order must be at least 2, got %d", order)
	}
	k := uint64(order)

	starts := []uint64{1}
	width := uint64(1) // k^l, nodes on level l
	for {
		last := starts[len(starts)-1]
		if width > math.MaxUint64-last {
			break
		}
		starts = append(starts, last+width)
		if width > math.MaxUint64/k {
			break
		}
		width *= k
	}
	return &Plan{order: k, starts: starts}, nil
}

// Order returns the branching order k.
func (p *Plan) Order() int {
	return int(p.order)
}

// Depth returns the number of addressable levels.
func (p *Plan) Depth() int {
	return len(p.starts) - 1
}

// LevelStart returns the first GID of a level.
func (p *Plan) LevelStart(level int) (GID, error) {
	if level < 0 || level >= len(p.starts) {
		return Invalid, fmt.Errorf("gid: level %d out of range", level)
	}
	return GID(p.starts[level]), nil
}

// Level returns which level g lives on.
func (p *Plan) Level(g GID) (int, error) {
	if !g.Valid() {
		return 0, fmt.Errorf("gid: invalid gid")
	}
	// Levels grow geometrically, so a linear scan over the start table
	// stays short even for deep plans.
	for l := len(p.starts) - 1; l >= 0; l-- {
		if uint64(g) >= p.starts[l] {
			return l, nil
		}
	}
	return 0, fmt.Errorf("gid: %d below level table", g)
}

// Parent returns the parent of g, or Invalid for the root.
func (p *Plan) Parent(g GID) (GID, error) {
	level, err := p.Level(g)
	if err != nil {
		return Invalid, err
	}
	if level == 0 {
		return Invalid, nil
	}
	offset := uint64(g) - p.starts[level]
	return GID(offset/p.order + p.starts[level-1]), nil
}

// FirstChild returns the first of g's k child slots.
func (p *Plan) FirstChild(g GID) (GID, error) {
	level, err := p.Level(g)
	if err != nil {
		return Invalid, err
	}
	if level+1 >= len(p.starts) {
		return Invalid, fmt.Errorf("gid: %d is at maximum depth %d", g, p.Depth())
	}
	offset := uint64(g) - p.starts[level]
	if offset > (math.MaxUint64-p.starts[level+1])/p.order {
		return Invalid, fmt.Errorf("gid: child of %d overflows", g)
	}
	return GID(offset*p.order + p.starts[level+1]), nil
}

// ChildRange returns the GIDs of g's first n children as the inclusive
// interval [first, last]. n must be within the branching order.
func (p *Plan) ChildRange(g GID, n int) (first, last GID, err error) {
	if n < 1 || uint64(n) > p.order {
		return Invalid, Invalid, fmt.Errorf("gid: child count %d outside order %d", n, p.order)
	}
	first, err = p.FirstChild(g)
	if err != nil {
		return Invalid, Invalid, err
	}
	return first, first + GID(n-1), nil
}

// IsDescendant reports whether desc lies in the subtree rooted at anc,
// walking parents until it meets anc or passes above its level. A node
// is not its own descendant.
func (p *Plan) IsDescendant(desc, anc GID) (bool, error) {
	if !desc.Valid() || !anc.Valid() {
		return false, fmt.Errorf("gid: invalid gid")
	}
	if desc == anc {
		return false, nil
	}
	ancLevel, err := p.Level(anc)
	if err != nil {
		return false, err
	}
	cur := desc
	for {
		cur, err = p.Parent(cur)
		if err != nil {
			return false, err
		}
		if !cur.Valid() {
			return false, nil
		}
		if cur == anc {
			return true, nil
		}
		level, err := p.Level(cur)
		if err != nil {
			return false, err
		}
		if level <= ancLevel {
			return false, nil
		}
	}
}

// SubtreeOnLevel returns the inclusive GID interval a subtree rooted at
// g covers on the given absolute level. Reindex and removal walks use it
// to bound their key scans.
func (p *Plan) SubtreeOnLevel(g GID, level int) (first, last GID, err error) {
	gLevel, err := p.Level(g)
	if err != nil {
		return Invalid, Invalid, err
	}
	if level < gLevel {
		return Invalid, Invalid, fmt.Errorf("gid: level %d above node level %d", level, gLevel)
	}
	first, last = g, g
	for l := gLevel; l < level; l++ {
		first, err = p.FirstChild(first)
		if err != nil {
			return Invalid, Invalid, err
		}
		lastFirst, err := p.FirstChild(last)
		if err != nil {
			return Invalid, Invalid, err
		}
		last = lastFirst + GID(p.order-1)
	}
	return first, last, nil
}
