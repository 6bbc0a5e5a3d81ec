package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suiteview/suiteview/environment"
	"github.com/suiteview/suiteview/tree"
)

// fakeLister serves test names from a fixed map instead of go test -list.
type fakeLister struct {
	mu    sync.Mutex
	tests map[string][]string
}

func (f *fakeLister) List(ctx context.Context, pkgDir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tests[pkgDir], nil
}

func (f *fakeLister) set(pkgDir string, tests []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tests[pkgDir] = tests
}

// fakeExecutor replays scripted events instead of running go test. When
// gate is set, Stream blocks on it before emitting, and the context state
// observed at that point is recorded.
type fakeExecutor struct {
	mu      sync.Mutex
	calls   []executorCall
	events  map[string][]TestEvent
	errs    map[string]error
	gate    chan struct{}
	ctxErrs []error
}

type executorCall struct {
	pkgDir string
	filter string
}

func (f *fakeExecutor) Stream(ctx context.Context, pkgDir, runFilter string, events chan<- TestEvent) error {
	if f.gate != nil {
		<-f.gate
	}

	f.mu.Lock()
	f.calls = append(f.calls, executorCall{pkgDir: pkgDir, filter: runFilter})
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	scripted := f.events[pkgDir]
	err := f.errs[pkgDir]
	f.mu.Unlock()

	for _, event := range scripted {
		events <- event
	}
	return err
}

func (f *fakeExecutor) recordedCalls() []executorCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	calls := make([]executorCall, len(f.calls))
	copy(calls, f.calls)
	return calls
}

// fakeEnvCommander records compose lifecycle calls and the context state
// they were issued with. When gate is set, calls block on it first.
type fakeEnvCommander struct {
	mu      sync.Mutex
	ups     int
	downs   int
	gate    chan struct{}
	ctxErrs []error
}

func (f *fakeEnvCommander) Up(ctx context.Context, composePath string) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ups++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return nil
}

func (f *fakeEnvCommander) Down(ctx context.Context, composePath string) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downs++
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return nil
}

// writeSuite lays the package directories (with a placeholder test file) on
// disk so collection finds them.
func writeSuite(t *testing.T, layout map[string][]string) (string, *fakeLister) {
	t.Helper()
	root := t.TempDir()
	lister := &fakeLister{tests: map[string][]string{}}
	for pkgDir, tests := range layout {
		dir := filepath.Join(root, filepath.FromSlash(pkgDir))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg_test.go"), []byte("package pkg\n"), 0o644))
		lister.set(pkgDir, tests)
	}
	return root, lister
}

func newTestRunner(t *testing.T, layout map[string][]string, executor *fakeExecutor) (*Runner, *fakeEnvCommander) {
	t.Helper()
	root, lister := writeSuite(t, layout)
	commander := &fakeEnvCommander{}
	r, err := New(context.Background(), Config{
		WorkDir:      root,
		Log:          slog.Default(),
		Lister:       lister,
		Executor:     executor,
		EnvCommander: commander,
	})
	require.NoError(t, err)
	return r, commander
}

// patchRecorder subscribes to the runner and keeps every published patch.
type patchRecorder struct {
	mu      sync.Mutex
	patches []*tree.BranchNode
}

func (p *patchRecorder) record(patch *tree.BranchNode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patches = append(p.patches, patch)
}

func (p *patchRecorder) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.patches)
}

func (p *patchRecorder) all() []*tree.BranchNode {
	p.mu.Lock()
	defer p.mu.Unlock()
	patches := make([]*tree.BranchNode, len(p.patches))
	copy(patches, p.patches)
	return patches
}

func leafStatus(t *testing.T, r *Runner, raw string) tree.Status {
	t.Helper()
	ref, ok := tree.Lookup(r.Snapshot(), tree.ParseNodeid(raw))
	require.True(t, ok, "node %q not in snapshot", raw)
	require.NotNil(t, ref.Leaf)
	return ref.Leaf.Status
}

func waitForLeafStatus(t *testing.T, r *Runner, raw string, want tree.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		ref, ok := tree.Lookup(r.Snapshot(), tree.ParseNodeid(raw))
		return ok && ref.Leaf != nil && ref.Leaf.Status == want
	}, 2*time.Second, 10*time.Millisecond, "leaf %q never reached %s", raw, want)
}

func TestNewCollectsPendingTree(t *testing.T) {
	r, _ := newTestRunner(t, map[string][]string{
		"pkg_a":       {"TestOne", "TestTwo"},
		"pkg_b/inner": {"TestInner"},
	}, &fakeExecutor{})

	root := r.Snapshot()
	assert.Equal(t, tree.StatusPending, root.Status)
	assert.Equal(t, tree.EnvStateInactive, root.EnvState)

	assert.Equal(t, tree.StatusPending, leafStatus(t, r, "pkg_a::TestOne"))
	assert.Equal(t, tree.StatusPending, leafStatus(t, r, "pkg_b/inner::TestInner"))
}

func TestRunLeafMarksRunningThenPublishesResult(t *testing.T) {
	executor := &fakeExecutor{events: map[string][]TestEvent{
		"pkg_a": {
			{Action: ActionRun, Test: "TestOne"},
			{Action: ActionOutput, Test: "TestOne", Output: "=== RUN TestOne\n"},
			{Action: ActionPass, Test: "TestOne"},
		},
	}}
	r, _ := newTestRunner(t, map[string][]string{"pkg_a": {"TestOne", "TestTwo"}}, executor)

	recorder := &patchRecorder{}
	r.Subscribe(recorder.record)

	require.NoError(t, r.RunNode(context.Background(), tree.ParseNodeid("pkg_a::TestOne")))
	waitForLeafStatus(t, r, "pkg_a::TestOne", tree.StatusPassed)

	// The untargeted sibling is untouched.
	assert.Equal(t, tree.StatusPending, leafStatus(t, r, "pkg_a::TestTwo"))

	// First patch marks the leaf running, second carries the result.
	patches := recorder.all()
	require.GreaterOrEqual(t, len(patches), 2)
	first := patches[0].ChildBranches["pkg_a"].ChildLeaves["TestOne"]
	assert.Equal(t, tree.StatusRunning, first.Status)

	calls := executor.recordedCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pkg_a", calls[0].pkgDir)
	assert.Equal(t, "^TestOne$", calls[0].filter)
}

func TestRunBranchCoversDescendantPackages(t *testing.T) {
	executor := &fakeExecutor{events: map[string][]TestEvent{
		"pkg_a":       {{Action: ActionPass, Test: "TestOne"}},
		"pkg_b/inner": {{Action: ActionPass, Test: "TestInner"}},
	}}
	r, _ := newTestRunner(t, map[string][]string{
		"pkg_a":       {"TestOne"},
		"pkg_b/inner": {"TestInner"},
	}, executor)

	require.NoError(t, r.RunNode(context.Background(), tree.EmptyNodeid))
	waitForLeafStatus(t, r, "pkg_a::TestOne", tree.StatusPassed)
	waitForLeafStatus(t, r, "pkg_b/inner::TestInner", tree.StatusPassed)

	calls := executor.recordedCalls()
	require.Len(t, calls, 2)
	// Packages execute in lexicographic order, unfiltered.
	assert.Equal(t, executorCall{pkgDir: "pkg_a"}, calls[0])
	assert.Equal(t, executorCall{pkgDir: "pkg_b/inner"}, calls[1])

	assert.Equal(t, tree.StatusPassed, r.Snapshot().Status)
}

func TestFailedTestCarriesAccumulatedOutput(t *testing.T) {
	executor := &fakeExecutor{events: map[string][]TestEvent{
		"pkg_a": {
			{Action: ActionRun, Test: "TestOne"},
			{Action: ActionOutput, Test: "TestOne", Output: "some assertion blew up\n"},
			{Action: ActionOutput, Test: "TestOne", Output: "--- FAIL: TestOne\n"},
			{Action: ActionFail, Test: "TestOne"},
		},
	}}
	r, _ := newTestRunner(t, map[string][]string{"pkg_a": {"TestOne"}}, executor)

	require.NoError(t, r.RunNode(context.Background(), tree.ParseNodeid("pkg_a::TestOne")))
	waitForLeafStatus(t, r, "pkg_a::TestOne", tree.StatusFailed)

	ref, _ := tree.Lookup(r.Snapshot(), tree.ParseNodeid("pkg_a::TestOne"))
	assert.Contains(t, ref.Leaf.Report, "some assertion blew up")
	assert.Contains(t, ref.Leaf.Report, "--- FAIL")

	// Failure wins the branch aggregate.
	assert.Equal(t, tree.StatusFailed, r.Snapshot().Status)
}

func TestSubtestEventsFoldIntoTopLevelTest(t *testing.T) {
	executor := &fakeExecutor{events: map[string][]TestEvent{
		"pkg_a": {
			{Action: ActionRun, Test: "TestOne"},
			{Action: ActionRun, Test: "TestOne/case_1"},
			{Action: ActionOutput, Test: "TestOne/case_1", Output: "subtest output\n"},
			{Action: ActionFail, Test: "TestOne/case_1"},
			{Action: ActionFail, Test: "TestOne"},
		},
	}}
	r, _ := newTestRunner(t, map[string][]string{"pkg_a": {"TestOne"}}, executor)

	recorder := &patchRecorder{}
	r.Subscribe(recorder.record)

	require.NoError(t, r.RunNode(context.Background(), tree.ParseNodeid("pkg_a::TestOne")))
	waitForLeafStatus(t, r, "pkg_a::TestOne", tree.StatusFailed)

	ref, _ := tree.Lookup(r.Snapshot(), tree.ParseNodeid("pkg_a::TestOne"))
	assert.Contains(t, ref.Leaf.Report, "subtest output")

	// The subtest never becomes its own leaf: one running patch, one result.
	assert.Equal(t, 2, recorder.count())
}

func TestExecutorErrorFailsRunningLeaves(t *testing.T) {
	executor := &fakeExecutor{errs: map[string]error{
		"pkg_a": errors.New("build failed: syntax error"),
	}}
	r, _ := newTestRunner(t, map[string][]string{"pkg_a": {"TestOne", "TestTwo"}}, executor)

	require.NoError(t, r.RunNode(context.Background(), tree.ParseNodeid("pkg_a")))
	waitForLeafStatus(t, r, "pkg_a::TestOne", tree.StatusFailed)
	waitForLeafStatus(t, r, "pkg_a::TestTwo", tree.StatusFailed)

	ref, _ := tree.Lookup(r.Snapshot(), tree.ParseNodeid("pkg_a::TestOne"))
	assert.Contains(t, ref.Leaf.Report, "build failed")
}

func TestRunUnknownNodeIsRejected(t *testing.T) {
	r, _ := newTestRunner(t, map[string][]string{"pkg_a": {"TestOne"}}, &fakeExecutor{})

	recorder := &patchRecorder{}
	r.Subscribe(recorder.record)

	err := r.RunNode(context.Background(), tree.ParseNodeid("nope::TestMissing"))
	require.Error(t, err)
	assert.True(t, tree.IsNotFound(err))
	assert.Zero(t, recorder.count(), "nothing is published for a rejected command")
}

func TestEnvironmentLifecyclePublishesTransitions(t *testing.T) {
	layout := map[string][]string{"pkg_a": {"TestOne"}}
	root, lister := writeSuite(t, layout)
	composePath := filepath.Join(root, "pkg_a", environment.ComposeFilename)
	require.NoError(t, os.WriteFile(composePath, []byte("services: {}\n"), 0o644))

	commander := &fakeEnvCommander{}
	r, err := New(context.Background(), Config{
		WorkDir:      root,
		Log:          slog.Default(),
		Lister:       lister,
		Executor:     &fakeExecutor{},
		EnvCommander: commander,
	})
	require.NoError(t, err)

	id := tree.ParseNodeid("pkg_a")
	ref, _ := tree.Lookup(r.Snapshot(), id)
	require.Equal(t, tree.EnvStateStopped, ref.Branch.EnvState)

	require.NoError(t, r.StartEnv(context.Background(), id))
	require.Eventually(t, func() bool {
		ref, _ := tree.Lookup(r.Snapshot(), id)
		return ref.Branch.EnvState == tree.EnvStateStarted
	}, 2*time.Second, 10*time.Millisecond)

	recorder := &patchRecorder{}
	r.Subscribe(recorder.record)

	require.NoError(t, r.StopEnv(context.Background(), id))

	// Stopping is observable synchronously, stopped follows.
	ref, _ = tree.Lookup(r.Snapshot(), id)
	stopping := ref.Branch.EnvState
	assert.Contains(t, []tree.EnvState{tree.EnvStateStopping, tree.EnvStateStopped}, stopping)
	require.GreaterOrEqual(t, recorder.count(), 1)
	first := recorder.all()[0].ChildBranches["pkg_a"]
	assert.Equal(t, tree.EnvStateStopping, first.EnvState)

	require.Eventually(t, func() bool {
		ref, _ := tree.Lookup(r.Snapshot(), id)
		return ref.Branch.EnvState == tree.EnvStateStopped
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnvironmentCommandsValidatedBeforeDispatch(t *testing.T) {
	r, commander := newTestRunner(t, map[string][]string{"pkg_a": {"TestOne"}}, &fakeExecutor{})

	recorder := &patchRecorder{}
	r.Subscribe(recorder.record)

	// No compose file anywhere: every branch is inactive.
	err := r.StartEnv(context.Background(), tree.ParseNodeid("pkg_a"))
	require.Error(t, err)
	assert.True(t, environment.IsStateError(err))

	err = r.StopEnv(context.Background(), tree.ParseNodeid("pkg_a"))
	require.Error(t, err)
	assert.True(t, environment.IsStateError(err))

	commander.mu.Lock()
	defer commander.mu.Unlock()
	assert.Zero(t, commander.ups)
	assert.Zero(t, commander.downs)
	assert.Zero(t, recorder.count())
}

func TestStopAllEnvironments(t *testing.T) {
	layout := map[string][]string{"pkg_a": {"TestOne"}}
	root, lister := writeSuite(t, layout)
	composePath := filepath.Join(root, "pkg_a", environment.ComposeFilename)
	require.NoError(t, os.WriteFile(composePath, []byte("services: {}\n"), 0o644))

	commander := &fakeEnvCommander{}
	r, err := New(context.Background(), Config{
		WorkDir:      root,
		Log:          slog.Default(),
		Lister:       lister,
		Executor:     &fakeExecutor{},
		EnvCommander: commander,
	})
	require.NoError(t, err)

	id := tree.ParseNodeid("pkg_a")
	require.NoError(t, r.StartEnv(context.Background(), id))
	require.Eventually(t, func() bool {
		ref, _ := tree.Lookup(r.Snapshot(), id)
		return ref.Branch.EnvState == tree.EnvStateStarted
	}, 2*time.Second, 10*time.Millisecond)

	r.StopAllEnvironments(context.Background())

	ref, _ := tree.Lookup(r.Snapshot(), id)
	assert.Equal(t, tree.EnvStateStopped, ref.Branch.EnvState)
	commander.mu.Lock()
	defer commander.mu.Unlock()
	assert.Equal(t, 1, commander.downs)
}

func TestRecollectAddsNewTestsKeepsRemoved(t *testing.T) {
	layout := map[string][]string{"pkg_a": {"TestOne"}}
	root, lister := writeSuite(t, layout)
	commander := &fakeEnvCommander{}
	r, err := New(context.Background(), Config{
		WorkDir:      root,
		Log:          slog.Default(),
		Lister:       lister,
		Executor:     &fakeExecutor{},
		EnvCommander: commander,
	})
	require.NoError(t, err)

	lister.set("pkg_a", []string{"TestTwo"})
	require.NoError(t, r.RecollectPackage(context.Background(), "pkg_a"))

	// The new test appears pending; the one removed from disk is kept.
	assert.Equal(t, tree.StatusPending, leafStatus(t, r, "pkg_a::TestTwo"))
	assert.Equal(t, tree.StatusPending, leafStatus(t, r, "pkg_a::TestOne"))
}

func TestRecollectInsertsNewPackage(t *testing.T) {
	layout := map[string][]string{"pkg_a": {"TestOne"}}
	root, lister := writeSuite(t, layout)
	r, err := New(context.Background(), Config{
		WorkDir:      root,
		Log:          slog.Default(),
		Lister:       lister,
		Executor:     &fakeExecutor{},
		EnvCommander: &fakeEnvCommander{},
	})
	require.NoError(t, err)

	// A new nested package shows up on disk.
	dir := filepath.Join(root, "pkg_b", "inner")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg_test.go"), []byte("package inner\n"), 0o644))
	lister.set("pkg_b/inner", []string{"TestInner"})

	require.NoError(t, r.RecollectPackage(context.Background(), "pkg_b/inner"))
	assert.Equal(t, tree.StatusPending, leafStatus(t, r, "pkg_b/inner::TestInner"))

	// The grafted branches can take environment commands later.
	_, err = r.envManager(tree.ParseNodeid("pkg_b/inner"))
	assert.NoError(t, err)
}

func TestRunOutlivesIssuingRequest(t *testing.T) {
	executor := &fakeExecutor{
		events: map[string][]TestEvent{
			"pkg_a": {
				{Action: ActionRun, Test: "TestOne"},
				{Action: ActionPass, Test: "TestOne"},
			},
		},
		gate: make(chan struct{}),
	}
	r, _ := newTestRunner(t, map[string][]string{"pkg_a": {"TestOne"}}, executor)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.RunNode(ctx, tree.ParseNodeid("pkg_a::TestOne")))

	// The issuing request goes away before the tests execute.
	cancel()
	close(executor.gate)

	waitForLeafStatus(t, r, "pkg_a::TestOne", tree.StatusPassed)

	// The execution ran on a live context, not the cancelled request's.
	executor.mu.Lock()
	defer executor.mu.Unlock()
	require.Len(t, executor.ctxErrs, 1)
	assert.NoError(t, executor.ctxErrs[0])
}

func TestEnvironmentCommandsOutliveIssuingRequest(t *testing.T) {
	layout := map[string][]string{"pkg_a": {"TestOne"}}
	root, lister := writeSuite(t, layout)
	composePath := filepath.Join(root, "pkg_a", environment.ComposeFilename)
	require.NoError(t, os.WriteFile(composePath, []byte("services: {}\n"), 0o644))

	commander := &fakeEnvCommander{gate: make(chan struct{})}
	r, err := New(context.Background(), Config{
		WorkDir:      root,
		Log:          slog.Default(),
		Lister:       lister,
		Executor:     &fakeExecutor{},
		EnvCommander: commander,
	})
	require.NoError(t, err)

	id := tree.ParseNodeid("pkg_a")

	startCtx, cancelStart := context.WithCancel(context.Background())
	require.NoError(t, r.StartEnv(startCtx, id))
	cancelStart()
	commander.gate <- struct{}{}
	require.Eventually(t, func() bool {
		ref, _ := tree.Lookup(r.Snapshot(), id)
		return ref.Branch.EnvState == tree.EnvStateStarted
	}, 2*time.Second, 10*time.Millisecond)

	// Stop with the issuing request gone mid-shutdown: stopping must still
	// resolve to stopped, never strand.
	stopCtx, cancelStop := context.WithCancel(context.Background())
	require.NoError(t, r.StopEnv(stopCtx, id))
	cancelStop()
	commander.gate <- struct{}{}
	require.Eventually(t, func() bool {
		ref, _ := tree.Lookup(r.Snapshot(), id)
		return ref.Branch.EnvState == tree.EnvStateStopped
	}, 2*time.Second, 10*time.Millisecond)

	commander.mu.Lock()
	defer commander.mu.Unlock()
	require.Len(t, commander.ctxErrs, 2)
	assert.NoError(t, commander.ctxErrs[0])
	assert.NoError(t, commander.ctxErrs[1])
}

func TestSubscribersObservePatchesInMergeOrder(t *testing.T) {
	layout := map[string][]string{
		"pkg_a": {"TestOne"},
		"pkg_b": {"TestTwo"},
	}
	root, lister := writeSuite(t, layout)
	executor := &fakeExecutor{events: map[string][]TestEvent{
		"pkg_a": {
			{Action: ActionRun, Test: "TestOne"},
			{Action: ActionPass, Test: "TestOne"},
		},
		"pkg_b": {
			{Action: ActionRun, Test: "TestTwo"},
			{Action: ActionOutput, Test: "TestTwo", Output: "boom\n"},
			{Action: ActionFail, Test: "TestTwo"},
		},
	}}
	r, err := New(context.Background(), Config{
		WorkDir:      root,
		Log:          slog.Default(),
		Lister:       lister,
		Executor:     executor,
		EnvCommander: &fakeEnvCommander{},
	})
	require.NoError(t, err)

	// A subscriber replaying the patch stream must stay mergeable and end
	// up bit-identical to the server's snapshot, regardless of which
	// goroutine published which patch.
	var mirrorMu sync.Mutex
	mirror := r.Snapshot()
	var mirrorErr error
	r.Subscribe(func(patch *tree.BranchNode) {
		mirrorMu.Lock()
		defer mirrorMu.Unlock()
		if mirrorErr != nil {
			return
		}
		merged, err := tree.Merge(mirror, patch)
		if err != nil {
			mirrorErr = err
			return
		}
		mirror = merged
	})

	require.NoError(t, r.RunNode(context.Background(), tree.EmptyNodeid))

	// Recollection publishes concurrently with the streaming results.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			lister.set("pkg_a", []string{"TestOne", fmt.Sprintf("TestNew%d", i)})
			_ = r.RecollectPackage(context.Background(), "pkg_a")
		}
	}()

	waitForLeafStatus(t, r, "pkg_a::TestOne", tree.StatusPassed)
	waitForLeafStatus(t, r, "pkg_b::TestTwo", tree.StatusFailed)
	<-done
	waitForLeafStatus(t, r, "pkg_a::TestNew4", tree.StatusPending)

	mirrorMu.Lock()
	defer mirrorMu.Unlock()
	require.NoError(t, mirrorErr)
	assert.Equal(t, r.Snapshot(), mirror)
}
