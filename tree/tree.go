// Package tree defines the result tree for a test suite: branch nodes
// grouping packages and directories, leaf nodes for individual test cases,
// and the operations the rest of the system builds on — structural merge of
// partial updates, path-based selection and patch construction.
//
// Snapshots are immutable values. Nothing in this package mutates a node
// after it has been published; every update produces a new snapshot that
// shares untouched subtrees with its predecessor.
package tree

import (
	"fmt"
	"sort"
	"strings"
)

// BranchNode is an interior node of the result tree: a directory or test
// package grouping sub-branches and test cases. It owns its children
// exclusively; parent context is reconstructed from the address path.
type BranchNode struct {
	Nodeid        Nodeid                 `json:"nodeid"`
	ShortID       string                 `json:"short_id"`
	Status        Status                 `json:"status,omitempty"`
	EnvState      EnvState               `json:"environment_state,omitempty"`
	ChildBranches map[string]*BranchNode `json:"child_branches,omitempty"`
	ChildLeaves   map[string]*LeafNode   `json:"child_leaves,omitempty"`
}

// LeafNode is a terminal node of the result tree, representing a single
// test case. Report carries the failure detail when the test has failed.
type LeafNode struct {
	Nodeid  Nodeid `json:"nodeid"`
	ShortID string `json:"short_id"`
	Status  Status `json:"status,omitempty"`
	Report  string `json:"report,omitempty"`
}

// ChildRef is a tagged reference to a direct child of a branch. Exactly one
// of Branch and Leaf is set.
type ChildRef struct {
	ShortID string
	Branch  *BranchNode
	Leaf    *LeafNode
}

// Children returns the direct children of the branch, branches and leaves
// interleaved in one combined ordering, lexicographic by short_id. Map
// iteration order is never exposed; consumers rely on this ordering for
// deterministic display.
func (b *BranchNode) Children() []ChildRef {
	refs := make([]ChildRef, 0, len(b.ChildBranches)+len(b.ChildLeaves))
	for shortID, branch := range b.ChildBranches {
		refs = append(refs, ChildRef{ShortID: shortID, Branch: branch})
	}
	for shortID, leaf := range b.ChildLeaves {
		refs = append(refs, ChildRef{ShortID: shortID, Leaf: leaf})
	}
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].ShortID < refs[j].ShortID
	})
	return refs
}

// AggregateStatus computes the status a branch should display: the highest
// precedence status among all of its direct children.
func (b *BranchNode) AggregateStatus() Status {
	statuses := make([]Status, 0, len(b.ChildBranches)+len(b.ChildLeaves))
	for _, branch := range b.ChildBranches {
		statuses = append(statuses, branch.Status)
	}
	for _, leaf := range b.ChildLeaves {
		statuses = append(statuses, leaf.Status)
	}
	return StatusPrecedent(statuses)
}

// Lookup finds the node with the given nodeid underneath root. The second
// return value is false when no such node exists.
func Lookup(root *BranchNode, id Nodeid) (ChildRef, bool) {
	node := root
	fragments := id.Fragments()
	for i, frag := range fragments {
		if child, ok := node.ChildBranches[frag.Val]; ok {
			node = child
			continue
		}
		if leaf, ok := node.ChildLeaves[frag.Val]; ok && i == len(fragments)-1 {
			return ChildRef{ShortID: leaf.ShortID, Leaf: leaf}, true
		}
		return ChildRef{}, false
	}
	return ChildRef{ShortID: node.ShortID, Branch: node}, true
}

// PrettyFormat renders the node and its children recursively as a
// multi-line string, for debugging.
func (b *BranchNode) PrettyFormat() string {
	var sb strings.Builder
	b.prettyFormat(&sb, 0)
	return sb.String()
}

func (b *BranchNode) prettyFormat(sb *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%sBranchNode <%s %s>\n", indent, b.Nodeid, b.Status)
	for _, child := range b.Children() {
		if child.Branch != nil {
			child.Branch.prettyFormat(sb, depth+1)
		} else {
			fmt.Fprintf(sb, "%s  LeafNode <%s %s>\n", indent, child.Leaf.Nodeid, child.Leaf.Status)
		}
	}
}
