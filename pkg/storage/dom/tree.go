package dom

// TreeNode is an in-memory document tree handed to the storage layer.
// It carries structure only; identifiers and addresses are assigned
// when the tree is stored. Attributes occupy the leading child slots
// of their element during numbering.
type TreeNode struct {
	Kind  Kind
	Name  string
	Value string

	// Attrs and Children are meaningful for elements only
	Attrs    []*TreeNode
	Children []*TreeNode
}

// Element builds an element tree node.
func Element(name string, attrs []*TreeNode, children ...*TreeNode) *TreeNode {
	return &TreeNode{Kind: KindElement, Name: name, Attrs: attrs, Children: children}
}

// Attr builds an attribute tree node.
func Attr(name, value string) *TreeNode {
	return &TreeNode{Kind: KindAttribute, Name: name, Value: value}
}

// Text builds a text tree node.
func Text(value string) *TreeNode {
	return &TreeNode{Kind: KindText, Value: value}
}

// Comment builds a comment tree node.
func Comment(value string) *TreeNode {
	return &TreeNode{Kind: KindComment, Value: value}
}

// Slots returns the number of child identifier slots the node occupies
// in its parent's numbering: attributes first, then children.
func (n *TreeNode) Slots() int {
	return len(n.Attrs) + len(n.Children)
}

// MaxFanOut returns the largest slot count anywhere in the subtree.
// The storage layer derives the document's branching order from it.
func (n *TreeNode) MaxFanOut() int {
	max := n.Slots()
	for _, c := range n.Children {
		if m := c.MaxFanOut(); m > max {
			max = m
		}
	}
	return max
}

// CountNodes returns the total number of nodes in the subtree,
// attributes included.
func (n *TreeNode) CountNodes() int {
	total := 1 + len(n.Attrs)
	for _, c := range n.Children {
		total += c.CountNodes()
	}
	return total
}
