package tree

// Merge folds a partial patch into the current snapshot and returns the
// resulting snapshot. The patch is shaped like the tree it applies to: the
// same nodeid at the root, containing only the branches and leaves that
// changed, with unchanged ancestors present as empty-cased containers.
//
// No node reachable from current is mutated; untouched subtrees are shared
// by reference between the old and new snapshot, so in-flight readers of
// the previous snapshot are unaffected. A patch can introduce nodes that
// were not previously known but can never remove one.
func Merge(current, patch *BranchNode) (*BranchNode, error) {
	if patch == nil {
		return current, nil
	}
	if !patch.Nodeid.Equal(current.Nodeid) {
		return nil, newViolation(patch.Nodeid,
			"patch root does not match snapshot root %q", current.Nodeid)
	}
	return mergeBranch(current, patch)
}

func mergeBranch(current, patch *BranchNode) (*BranchNode, error) {
	merged := *current

	if patch.Status != StatusNone {
		if !patch.Status.Valid() {
			return nil, newViolation(patch.Nodeid, "unknown status %q", patch.Status)
		}
		merged.Status = patch.Status
	}
	if patch.EnvState != EnvStateNone {
		if !patch.EnvState.Valid() {
			return nil, newViolation(patch.Nodeid, "unknown environment state %q", patch.EnvState)
		}
		if !current.EnvState.CanTransition(patch.EnvState) {
			return nil, newViolation(patch.Nodeid,
				"illegal environment transition %s -> %s", current.EnvState, patch.EnvState)
		}
		merged.EnvState = patch.EnvState
	}

	if len(patch.ChildBranches) > 0 {
		branches := make(map[string]*BranchNode, len(current.ChildBranches)+len(patch.ChildBranches))
		for key, branch := range current.ChildBranches {
			branches[key] = branch
		}
		for key, patchChild := range patch.ChildBranches {
			if _, clash := current.ChildLeaves[key]; clash {
				return nil, newViolation(patchChild.Nodeid,
					"patch asserts a branch where snapshot holds leaf %q", key)
			}
			existing, ok := current.ChildBranches[key]
			if !ok {
				// A just-discovered subtree is inserted wholesale.
				branches[key] = patchChild
				continue
			}
			mergedChild, err := mergeBranch(existing, patchChild)
			if err != nil {
				return nil, err
			}
			branches[key] = mergedChild
		}
		merged.ChildBranches = branches
	}

	if len(patch.ChildLeaves) > 0 {
		leaves := make(map[string]*LeafNode, len(current.ChildLeaves)+len(patch.ChildLeaves))
		for key, leaf := range current.ChildLeaves {
			leaves[key] = leaf
		}
		for key, patchLeaf := range patch.ChildLeaves {
			if _, clash := current.ChildBranches[key]; clash {
				return nil, newViolation(patchLeaf.Nodeid,
					"patch asserts a leaf where snapshot holds branch %q", key)
			}
			if !patchLeaf.Status.Valid() && patchLeaf.Status != StatusNone {
				return nil, newViolation(patchLeaf.Nodeid, "unknown status %q", patchLeaf.Status)
			}
			// Leaves have no children to merge and are replaced wholesale.
			leaves[key] = patchLeaf
		}
		merged.ChildLeaves = leaves
	}

	return &merged, nil
}
