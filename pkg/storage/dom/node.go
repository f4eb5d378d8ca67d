// Package dom defines the persistent node model of the structural store:
// the node kinds a document decomposes into and their binary record
// format.
//
// This is deliberately not a DOM in the scripting sense. A Node is one
// stored record; tree navigation happens through GID arithmetic (see the
// gid package) and chain order in the keyed store, not through pointers.
package dom

import (
	"github.com/quercusdb/quercus/pkg/storage/gid"
	"github.com/quercusdb/quercus/pkg/store/keyed"
)

// Kind discriminates the stored node types.
type Kind uint8

const (
	// KindElement is an element node; it carries its name and the
	// counts needed to derive its children's GIDs
	KindElement Kind = iota + 1

	// KindAttribute is one attribute, stored as a child slot of its
	// element
	KindAttribute

	// KindText is a text node
	KindText

	// KindComment is a comment node
	KindComment
)

func (k Kind) String() string {
	switch k {
	case KindElement:
		return "element"
	case KindAttribute:
		return "attribute"
	case KindText:
		return "text"
	case KindComment:
		return "comment"
	default:
		return "unknown"
	}
}

// Node is one stored node record.
//
// Address is runtime state: it caches where the record physically lives
// so removal and defragmentation can reach unkeyed nodes without a key
// lookup. It is never serialized.
type Node struct {
	// Kind discriminates which of the remaining fields are meaningful
	Kind Kind

	// GID is the node's number within its document
	GID gid.GID

	// Name is the qualified name (elements and attributes)
	Name string

	// Value is the textual content (attributes, text, comments)
	Value string

	// ChildCount is the number of child slots in use (elements).
	// Attributes occupy the leading slots, child nodes follow.
	ChildCount int

	// AttrCount is how many of the leading child slots are attributes
	// (elements)
	AttrCount int

	// Address is where the record lives in the keyed store. NilAddress
	// means "not yet stored" or "location unknown".
	Address keyed.Address
}

// NewElement builds an element node. Counts are filled in by the builder
// once the element's children are known.
func NewElement(g gid.GID, name string) *Node {
	return &Node{Kind: KindElement, GID: g, Name: name}
}

// NewAttribute builds an attribute node.
func NewAttribute(g gid.GID, name, value string) *Node {
	return &Node{Kind: KindAttribute, GID: g, Name: name, Value: value}
}

// NewText builds a text node.
func NewText(g gid.GID, value string) *Node {
	return &Node{Kind: KindText, GID: g, Value: value}
}

// NewComment builds a comment node.
func NewComment(g gid.GID, value string) *Node {
	return &Node{Kind: KindComment, GID: g, Value: value}
}
