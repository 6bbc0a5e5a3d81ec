package tree

// Selection is the set of children of the branch a navigation address
// points at. The maps belong to the underlying snapshot and must be
// treated as read-only.
type Selection struct {
	Branches map[string]*BranchNode
	Leaves   map[string]*LeafNode
}

// Resolve maps a navigation address — an ordered sequence of short_ids
// naming a path of branches from the root — to the children of the branch
// it identifies. An empty address selects the root's direct children.
//
// Only branches are addressable: a segment that does not name a child
// branch fails with NotFoundError, including segments that name a leaf. A
// chosen leaf within the addressed branch is surfaced separately via
// Selection.Leaf.
//
// Resolution is pure and holds no state: it must be re-run against the
// latest snapshot whenever either the address or the snapshot changes. A
// resolution against a superseded snapshot is stale and must be discarded.
func Resolve(root *BranchNode, address []string) (*Selection, error) {
	node := root
	for _, segment := range address {
		child, ok := node.ChildBranches[segment]
		if !ok {
			return nil, &NotFoundError{Address: address, Segment: segment}
		}
		node = child
	}
	return &Selection{Branches: node.ChildBranches, Leaves: node.ChildLeaves}, nil
}

// Leaf looks up the selected leaf within the addressed branch.
func (s *Selection) Leaf(shortID string) (*LeafNode, bool) {
	leaf, ok := s.Leaves[shortID]
	return leaf, ok
}

// Ordered returns the selected children, branches and leaves interleaved,
// in the deterministic lexicographic short_id ordering used for display.
func (s *Selection) Ordered() []ChildRef {
	container := &BranchNode{ChildBranches: s.Branches, ChildLeaves: s.Leaves}
	return container.Children()
}
