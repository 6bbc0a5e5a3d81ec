package runner

import (
	"context"
	"strings"

	"github.com/suiteview/suiteview/tree"
)

// RecollectPackage re-lists the tests of one package directory and folds any
// newly discovered tests into the snapshot as pending leaves. The tree only
// grows: tests that disappeared from disk are logged and kept, they simply
// never run again until the next restart.
func (r *Runner) RecollectPackage(ctx context.Context, pkgDir string) error {
	tests, err := r.lister.List(ctx, pkgDir)
	if err != nil {
		return err
	}

	branchID := pkgBranchNodeid(pkgDir)
	snapshot := r.Snapshot()
	ref, ok := tree.Lookup(snapshot, branchID)

	if ok && ref.Branch != nil {
		return r.extendBranch(ref.Branch, tests)
	}
	if len(tests) == 0 {
		return nil
	}
	return r.insertPackage(snapshot, pkgDir, tests)
}

// extendBranch publishes a pending-leaf patch for each test the branch does
// not know yet.
func (r *Runner) extendBranch(branch *tree.BranchNode, tests []string) error {
	known := map[string]bool{}
	for _, name := range tests {
		known[name] = true
		if _, exists := branch.ChildLeaves[name]; exists {
			continue
		}
		leaf := &tree.LeafNode{
			Nodeid:  branch.Nodeid.Append(tree.Fragment{Val: name}),
			ShortID: name,
			Status:  tree.StatusPending,
		}
		patch, err := tree.PatchForLeaf(r.Snapshot(), leaf)
		if err != nil {
			return err
		}
		if err := r.publish(patch); err != nil {
			return err
		}
		r.log.Info("discovered new test", "nodeid", leaf.Nodeid.String())
	}

	for name := range branch.ChildLeaves {
		if !known[name] {
			r.log.Info("ignoring removed test", "nodeid", branch.Nodeid.Append(tree.Fragment{Val: name}).String())
		}
	}
	return nil
}

// insertPackage grafts a brand-new package directory onto the tree: the
// chain of branches below the deepest existing ancestor, with the listed
// tests as pending leaves.
func (r *Runner) insertPackage(snapshot *tree.BranchNode, pkgDir string, tests []string) error {
	segments := strings.Split(pkgDir, "/")

	// Descend through the branches that already exist.
	node := snapshot
	idx := 0
	for idx < len(segments) {
		child, ok := node.ChildBranches[segments[idx]]
		if !ok {
			break
		}
		node = child
		idx++
	}

	// Build the missing chain below it.
	subtree := &tree.BranchNode{
		Nodeid:  node.Nodeid.Append(tree.Fragment{Val: segments[idx], IsPath: true}),
		ShortID: segments[idx],
		Status:  tree.StatusPending,
	}
	deepest := subtree
	for _, segment := range segments[idx+1:] {
		child := &tree.BranchNode{
			Nodeid:  deepest.Nodeid.Append(tree.Fragment{Val: segment, IsPath: true}),
			ShortID: segment,
			Status:  tree.StatusPending,
		}
		deepest.ChildBranches = map[string]*tree.BranchNode{segment: child}
		deepest = child
	}

	deepest.ChildLeaves = make(map[string]*tree.LeafNode, len(tests))
	for _, name := range tests {
		deepest.ChildLeaves[name] = &tree.LeafNode{
			Nodeid:  deepest.Nodeid.Append(tree.Fragment{Val: name}),
			ShortID: name,
			Status:  tree.StatusPending,
		}
	}

	r.bindEnvironments(subtree)

	patch, err := tree.PatchForBranch(snapshot, subtree)
	if err != nil {
		return err
	}
	if err := r.publish(patch); err != nil {
		return err
	}
	r.log.Info("discovered new package", "nodeid", subtree.Nodeid.String(), "tests", len(tests))
	return nil
}
