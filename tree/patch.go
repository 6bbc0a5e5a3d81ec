package tree

// Patch construction. A patch is an overlay shaped like the tree it will be
// merged into: skeleton containers for every unchanged ancestor, concrete
// values only at the nodes that changed. The helpers here also refresh the
// aggregated status of each ancestor on the way up, so a single patch keeps
// branch statuses consistent with their children.

// PatchForLeaf returns a patch that sets the given leaf at its position in
// the tree. Every ancestor branch must already exist in root; the leaf
// itself may be new.
func PatchForLeaf(root *BranchNode, leaf *LeafNode) (*BranchNode, error) {
	chain, err := branchChain(root, leaf.Nodeid.Parent())
	if err != nil {
		return nil, err
	}

	skeletons := linkSkeletons(chain)
	deepest := skeletons[len(skeletons)-1]
	deepest.ChildLeaves = map[string]*LeafNode{leaf.ShortID: leaf}

	refreshStatuses(chain, skeletons, leaf.ShortID, leaf.Status)
	return skeletons[0], nil
}

// PatchForBranch returns a patch that inserts or overlays the given branch
// subtree at its position in the tree. Ancestors must already exist.
func PatchForBranch(root *BranchNode, branch *BranchNode) (*BranchNode, error) {
	if branch.Nodeid.IsEmpty() {
		return branch, nil
	}
	chain, err := branchChain(root, branch.Nodeid.Parent())
	if err != nil {
		return nil, err
	}

	skeletons := linkSkeletons(chain)
	deepest := skeletons[len(skeletons)-1]
	deepest.ChildBranches = map[string]*BranchNode{branch.ShortID: branch}

	refreshStatuses(chain, skeletons, branch.ShortID, branch.Status)
	return skeletons[0], nil
}

// MarkRunning returns a patch that sets the node at id and everything
// beneath it to StatusRunning, clearing stale failure reports, with
// ancestor statuses refreshed accordingly.
func MarkRunning(root *BranchNode, id Nodeid) (*BranchNode, error) {
	ref, ok := Lookup(root, id)
	if !ok {
		return nil, &NotFoundError{Address: fragmentVals(id), Segment: id.ShortID()}
	}

	if ref.Leaf != nil {
		running := *ref.Leaf
		running.Status = StatusRunning
		running.Report = ""
		return PatchForLeaf(root, &running)
	}
	return PatchForBranch(root, runningSubtree(ref.Branch))
}

// EnvPatch returns a patch asserting the given environment state on the
// branch at id. Legality of the transition is checked at merge time.
func EnvPatch(root *BranchNode, id Nodeid, state EnvState) (*BranchNode, error) {
	chain, err := branchChain(root, id)
	if err != nil {
		return nil, err
	}

	skeletons := linkSkeletons(chain)
	skeletons[len(skeletons)-1].EnvState = state
	return skeletons[0], nil
}

// branchChain resolves the chain of branches from root down to the branch
// with the given nodeid, both inclusive.
func branchChain(root *BranchNode, id Nodeid) ([]*BranchNode, error) {
	chain := []*BranchNode{root}
	node := root
	for _, frag := range id.Fragments() {
		child, ok := node.ChildBranches[frag.Val]
		if !ok {
			return nil, &NotFoundError{Address: fragmentVals(id), Segment: frag.Val}
		}
		node = child
		chain = append(chain, node)
	}
	return chain, nil
}

// linkSkeletons builds an empty-cased container for each branch in the
// chain and links them parent to child.
func linkSkeletons(chain []*BranchNode) []*BranchNode {
	skeletons := make([]*BranchNode, len(chain))
	for i, branch := range chain {
		skeletons[i] = &BranchNode{Nodeid: branch.Nodeid, ShortID: branch.ShortID}
	}
	for i := 0; i < len(skeletons)-1; i++ {
		child := skeletons[i+1]
		skeletons[i].ChildBranches = map[string]*BranchNode{child.ShortID: child}
	}
	return skeletons
}

// refreshStatuses recomputes the aggregate status of each branch in the
// chain, bottom-up, as if the named child already had the given status, and
// records the result on the corresponding skeleton.
func refreshStatuses(chain, skeletons []*BranchNode, childShortID string, childStatus Status) {
	shortID, status := childShortID, childStatus
	for i := len(chain) - 1; i >= 0; i-- {
		status = aggregateWith(chain[i], shortID, status)
		skeletons[i].Status = status
		shortID = chain[i].ShortID
	}
}

// aggregateWith computes the aggregate status of b with the status of the
// named child replaced by override. A child unknown to b is treated as
// newly discovered and still contributes its status.
func aggregateWith(b *BranchNode, shortID string, override Status) Status {
	statuses := make([]Status, 0, len(b.ChildBranches)+len(b.ChildLeaves)+1)
	seen := false
	for key, branch := range b.ChildBranches {
		if key == shortID {
			statuses = append(statuses, override)
			seen = true
			continue
		}
		statuses = append(statuses, branch.Status)
	}
	for key, leaf := range b.ChildLeaves {
		if key == shortID {
			statuses = append(statuses, override)
			seen = true
			continue
		}
		statuses = append(statuses, leaf.Status)
	}
	if !seen {
		statuses = append(statuses, override)
	}
	return StatusPrecedent(statuses)
}

// runningSubtree returns a deep copy of the branch with every status set to
// StatusRunning and leaf reports cleared.
func runningSubtree(b *BranchNode) *BranchNode {
	running := &BranchNode{
		Nodeid:   b.Nodeid,
		ShortID:  b.ShortID,
		Status:   StatusRunning,
		EnvState: b.EnvState,
	}
	if len(b.ChildBranches) > 0 {
		running.ChildBranches = make(map[string]*BranchNode, len(b.ChildBranches))
		for key, child := range b.ChildBranches {
			running.ChildBranches[key] = runningSubtree(child)
		}
	}
	if len(b.ChildLeaves) > 0 {
		running.ChildLeaves = make(map[string]*LeafNode, len(b.ChildLeaves))
		for key, leaf := range b.ChildLeaves {
			running.ChildLeaves[key] = &LeafNode{
				Nodeid:  leaf.Nodeid,
				ShortID: leaf.ShortID,
				Status:  StatusRunning,
			}
		}
	}
	return running
}

func fragmentVals(id Nodeid) []string {
	fragments := id.Fragments()
	vals := make([]string, len(fragments))
	for i, frag := range fragments {
		vals[i] = frag.Val
	}
	return vals
}
