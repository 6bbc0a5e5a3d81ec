// Package runner owns the authoritative result tree for a suite directory:
// it discovers test packages, executes tests through the go toolchain,
// drives docker compose environments, and publishes every change as a
// partial-tree patch to its subscribers. All snapshot updates funnel
// through one merge path, so subscribers observe the same ordered patch
// stream the runner applied itself.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/suiteview/suiteview/environment"
	"github.com/suiteview/suiteview/metrics"
	"github.com/suiteview/suiteview/tree"
)

// Config configures a Runner.
type Config struct {
	// WorkDir is the suite root directory.
	WorkDir string
	// GoBinary is the go tool to use, "go" by default.
	GoBinary string
	Log      *slog.Logger

	// Lister, Executor and EnvCommander default to the real go toolchain
	// and docker CLI; tests inject fakes.
	Lister       TestLister
	Executor     Executor
	EnvCommander environment.Commander
}

// Runner owns the authoritative snapshot and everything that mutates it.
type Runner struct {
	workDir  string
	log      *slog.Logger
	lister   TestLister
	executor Executor

	// Accepted commands cannot be retracted: background work runs on the
	// runner's own lifetime context, never on the context of the request
	// that issued the command.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	// publishMu serializes merge and fan-out as one step, so subscribers
	// receive patches in exactly the order they were merged. mu only
	// guards the snapshot pointer for readers.
	publishMu sync.Mutex
	mu        sync.RWMutex
	snapshot  *tree.BranchNode

	envCommander environment.Commander
	envsMu       sync.Mutex
	envs         map[string]*environment.Manager

	subsMu sync.Mutex
	subs   []func(*tree.BranchNode)

	// Test executions are serialized; commands arriving during a run queue
	// up behind it.
	execMu sync.Mutex
}

// New collects the suite under cfg.WorkDir and returns a runner holding the
// initial snapshot, every node pending.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("work directory is required")
	}
	if cfg.GoBinary == "" {
		cfg.GoBinary = "go"
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Lister == nil {
		cfg.Lister = NewGoLister(cfg.GoBinary, cfg.WorkDir)
	}
	if cfg.Executor == nil {
		cfg.Executor = NewGoExecutor(cfg.GoBinary, cfg.WorkDir)
	}
	if cfg.EnvCommander == nil {
		cfg.EnvCommander = environment.NewComposeCommander(cfg.Log)
	}

	root, err := Collect(ctx, cfg.WorkDir, cfg.Lister)
	if err != nil {
		return nil, fmt.Errorf("collecting suite: %w", err)
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	r := &Runner{
		workDir:      cfg.WorkDir,
		log:          cfg.Log,
		lister:       cfg.Lister,
		executor:     cfg.Executor,
		baseCtx:      baseCtx,
		cancelBase:   cancelBase,
		snapshot:     root,
		envCommander: cfg.EnvCommander,
		envs:         map[string]*environment.Manager{},
	}
	r.bindEnvironments(root)
	return r, nil
}

// Close cancels all background work. Only call when shutting down; an
// in-flight run is abandoned mid-package.
func (r *Runner) Close() {
	r.cancelBase()
}

// bindEnvironments creates an environment manager for every branch in the
// subtree and records its state on the node. Only called on nodes not yet
// published, so mutating them here is safe.
func (r *Runner) bindEnvironments(branch *tree.BranchNode) {
	dir := filepath.Join(r.workDir, filepath.FromSlash(branch.Nodeid.String()))
	mgr := environment.NewManager(dir, r.envCommander, r.log)

	r.envsMu.Lock()
	r.envs[branch.Nodeid.String()] = mgr
	r.envsMu.Unlock()
	branch.EnvState = mgr.State()

	for _, child := range branch.ChildBranches {
		r.bindEnvironments(child)
	}
}

// Snapshot returns the current authoritative snapshot.
func (r *Runner) Snapshot() *tree.BranchNode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Subscribe registers a callback receiving every published patch, in the
// order it was merged into the snapshot.
func (r *Runner) Subscribe(fn func(patch *tree.BranchNode)) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs = append(r.subs, fn)
}

// publish merges the patch into the snapshot and forwards it to all
// subscribers, holding publishMu across both so concurrent publishers
// cannot fan patches out in a different order than they merged them.
// Patches that fail to merge indicate a bug in this process; they are
// surfaced loudly and dropped.
func (r *Runner) publish(patch *tree.BranchNode) error {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()

	merged, err := tree.Merge(r.Snapshot(), patch)
	if err != nil {
		r.log.Error("dropping unmergeable patch", "error", err)
		metrics.RecordProtocolViolation(patch.Nodeid)
		return err
	}
	r.mu.Lock()
	r.snapshot = merged
	r.mu.Unlock()

	r.subsMu.Lock()
	subs := make([]func(*tree.BranchNode), len(r.subs))
	copy(subs, r.subs)
	r.subsMu.Unlock()

	for _, fn := range subs {
		fn(patch)
	}
	return nil
}

// runTarget is one go test invocation: a package directory and an optional
// -run filter.
type runTarget struct {
	pkgDir string
	filter string
}

// RunNode requests execution of the branch or leaf with the given nodeid.
// The targeted subtree is marked running immediately; results stream in as
// leaf patches while the tests execute in the background. Once accepted the
// run outlives ctx: cancelling the issuing request does not retract it.
func (r *Runner) RunNode(ctx context.Context, id tree.Nodeid) error {
	snapshot := r.Snapshot()
	ref, ok := tree.Lookup(snapshot, id)
	if !ok {
		return &tree.NotFoundError{Segment: id.ShortID()}
	}

	targets := collectTargets(ref)
	if len(targets) == 0 {
		return fmt.Errorf("node %q has no tests to run", id)
	}

	patch, err := tree.MarkRunning(snapshot, id)
	if err != nil {
		return err
	}
	if err := r.publish(patch); err != nil {
		return err
	}

	runID := uuid.New().String()
	r.log.Info("run requested", "nodeid", id.String(), "run_id", runID, "targets", len(targets))

	go r.execute(r.baseCtx, runID, targets)
	return nil
}

// collectTargets maps a node to the go test invocations covering it.
func collectTargets(ref tree.ChildRef) []runTarget {
	if ref.Leaf != nil {
		return []runTarget{{
			pkgDir: pkgDirOf(ref.Leaf.Nodeid.Parent()),
			filter: "^" + ref.Leaf.ShortID + "$",
		}}
	}

	var targets []runTarget
	var walk func(b *tree.BranchNode)
	walk = func(b *tree.BranchNode) {
		if len(b.ChildLeaves) > 0 {
			targets = append(targets, runTarget{pkgDir: pkgDirOf(b.Nodeid)})
		}
		for _, child := range b.ChildBranches {
			walk(child)
		}
	}
	walk(ref.Branch)

	sort.Slice(targets, func(i, j int) bool { return targets[i].pkgDir < targets[j].pkgDir })
	return targets
}

func pkgDirOf(id tree.Nodeid) string {
	if id.IsEmpty() {
		return "."
	}
	return id.String()
}

// execute runs the targets one package at a time, publishing a leaf patch
// for every completed test.
func (r *Runner) execute(ctx context.Context, runID string, targets []runTarget) {
	r.execMu.Lock()
	defer r.execMu.Unlock()

	for _, target := range targets {
		if err := r.executePackage(ctx, runID, target); err != nil {
			r.log.Error("package run failed", "run_id", runID, "package", target.pkgDir, "error", err)
		}
	}
}

func (r *Runner) executePackage(ctx context.Context, runID string, target runTarget) error {
	branchID := pkgBranchNodeid(target.pkgDir)

	events := make(chan TestEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.executor.Stream(ctx, target.pkgDir, target.filter, events)
		close(events)
	}()

	outputs := map[string]*strings.Builder{}
	completed := map[string]bool{}

	for event := range events {
		name := topLevelTest(event.Test)
		switch event.Action {
		case ActionOutput:
			if name == "" {
				continue
			}
			buf, ok := outputs[name]
			if !ok {
				buf = &strings.Builder{}
				outputs[name] = buf
			}
			buf.WriteString(event.Output)
		case ActionPass, ActionFail, ActionSkip:
			// Subtest terminal events fold into their top-level test; the
			// parent's own terminal event decides the leaf status.
			if event.Test == "" || event.Test != name {
				continue
			}
			r.completeLeaf(branchID, name, event.Action, outputs[name])
			completed[name] = true
		}
	}

	streamErr := <-errCh
	if streamErr != nil {
		r.failPending(branchID, completed, streamErr)
		return streamErr
	}

	r.log.Debug("package run complete", "run_id", runID, "package", target.pkgDir, "tests", len(completed))
	return nil
}

// completeLeaf publishes the result patch for one finished test.
func (r *Runner) completeLeaf(branchID tree.Nodeid, name, action string, output *strings.Builder) {
	status := tree.StatusPassed
	switch action {
	case ActionFail:
		status = tree.StatusFailed
	case ActionSkip:
		status = tree.StatusSkipped
	}

	leaf := &tree.LeafNode{
		Nodeid:  branchID.Append(tree.Fragment{Val: name}),
		ShortID: name,
		Status:  status,
	}
	if status == tree.StatusFailed && output != nil {
		leaf.Report = output.String()
	}

	patch, err := tree.PatchForLeaf(r.Snapshot(), leaf)
	if err != nil {
		r.log.Error("cannot build result patch", "nodeid", leaf.Nodeid.String(), "error", err)
		return
	}
	if err := r.publish(patch); err == nil {
		metrics.RecordTestRun(status)
	}
}

// failPending marks every leaf of the package that is still running and was
// not completed by the stream as failed, carrying the stream error. This is
// how a build failure becomes visible in the tree.
func (r *Runner) failPending(branchID tree.Nodeid, completed map[string]bool, cause error) {
	snapshot := r.Snapshot()
	ref, ok := tree.Lookup(snapshot, branchID)
	if !ok || ref.Branch == nil {
		return
	}

	for name, leaf := range ref.Branch.ChildLeaves {
		if completed[name] || leaf.Status != tree.StatusRunning {
			continue
		}
		failed := &tree.LeafNode{
			Nodeid:  leaf.Nodeid,
			ShortID: leaf.ShortID,
			Status:  tree.StatusFailed,
			Report:  cause.Error(),
		}
		patch, err := tree.PatchForLeaf(r.Snapshot(), failed)
		if err != nil {
			continue
		}
		if err := r.publish(patch); err == nil {
			metrics.RecordTestRun(tree.StatusFailed)
		}
	}
}

func topLevelTest(test string) string {
	if i := strings.IndexByte(test, '/'); i >= 0 {
		return test[:i]
	}
	return test
}

func pkgBranchNodeid(pkgDir string) tree.Nodeid {
	if pkgDir == "." || pkgDir == "" {
		return tree.EmptyNodeid
	}
	return tree.ParseNodeid(pkgDir)
}
