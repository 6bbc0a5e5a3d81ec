package runner

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/suiteview/suiteview/tree"
)

const listTimeout = 30 * time.Second

// TestLister enumerates the test functions of a package directory.
// Injected so collection can be tested without the go toolchain.
type TestLister interface {
	List(ctx context.Context, pkgDir string) ([]string, error)
}

// goLister shells out to "go test -list".
type goLister struct {
	goBinary string
	workDir  string
}

// NewGoLister returns a TestLister backed by the go binary, run from
// workDir with package paths relative to it.
func NewGoLister(goBinary, workDir string) TestLister {
	return &goLister{goBinary: goBinary, workDir: workDir}
}

func (l *goLister) List(ctx context.Context, pkgDir string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, l.goBinary, "test", "./"+pkgDir, "-list", "^Test")
	cmd.Dir = l.workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("listing tests in %s timed out after %s", pkgDir, listTimeout)
		}
		return nil, fmt.Errorf("listing tests in %s: %w\nstderr: %s", pkgDir, err, stderr.String())
	}
	return parseTestListOutput(stdout.Bytes()), nil
}

// parseTestListOutput extracts test names from go test -list output,
// dropping the trailing "ok <pkg> <time>" summary lines.
func parseTestListOutput(output []byte) []string {
	var testNames []string
	for _, line := range bytes.Split(output, []byte("\n")) {
		name := string(bytes.TrimSpace(line))
		if isValidTestName(name) {
			testNames = append(testNames, name)
		}
	}
	return testNames
}

func isValidTestName(name string) bool {
	if name == "" || name == "ok" || strings.HasPrefix(name, "?") {
		return false
	}
	if strings.HasPrefix(name, "ok ") && strings.HasSuffix(name, "s") {
		return false
	}
	return true
}

// FindTestPackages walks root and returns the directories containing Go
// test files, as slash-separated paths relative to root, sorted. Hidden
// directories, vendor and testdata are skipped.
func FindTestPackages(root string) ([]string, error) {
	seen := map[string]bool{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || name == "vendor" || name == "testdata") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(d.Name(), "_test.go") {
			rel, err := filepath.Rel(root, filepath.Dir(path))
			if err != nil {
				return err
			}
			seen[filepath.ToSlash(rel)] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}

	pkgs := make([]string, 0, len(seen))
	for pkg := range seen {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	return pkgs, nil
}

// Collect discovers all test packages under root and builds the initial
// result tree, every node pending.
func Collect(ctx context.Context, root string, lister TestLister) (*tree.BranchNode, error) {
	pkgs, err := FindTestPackages(root)
	if err != nil {
		return nil, err
	}

	suite := map[string][]string{}
	for _, pkg := range pkgs {
		tests, err := lister.List(ctx, pkg)
		if err != nil {
			return nil, err
		}
		if len(tests) > 0 {
			suite[pkg] = tests
		}
	}
	if len(suite) == 0 {
		return nil, fmt.Errorf("no tests collected from %s", root)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return BuildTree(suite, filepath.Base(abs)), nil
}

// BuildTree assembles a result tree from a mapping of package directory
// (slash-separated, relative to the suite root, "." for the root itself)
// to its test function names. The root's short_id is a display label only.
func BuildTree(suite map[string][]string, rootShortID string) *tree.BranchNode {
	root := &tree.BranchNode{
		Nodeid:  tree.EmptyNodeid,
		ShortID: rootShortID,
		Status:  tree.StatusPending,
	}

	for pkgDir, tests := range suite {
		branch := ensureBranch(root, pkgDir)
		for _, name := range tests {
			if branch.ChildLeaves == nil {
				branch.ChildLeaves = map[string]*tree.LeafNode{}
			}
			branch.ChildLeaves[name] = &tree.LeafNode{
				Nodeid:  branch.Nodeid.Append(tree.Fragment{Val: name}),
				ShortID: name,
				Status:  tree.StatusPending,
			}
		}
	}
	return root
}

// ensureBranch returns the branch for the given package directory, creating
// the chain of intermediate branches as needed.
func ensureBranch(root *tree.BranchNode, pkgDir string) *tree.BranchNode {
	if pkgDir == "." || pkgDir == "" {
		return root
	}

	node := root
	for _, segment := range strings.Split(pkgDir, "/") {
		child, ok := node.ChildBranches[segment]
		if !ok {
			child = &tree.BranchNode{
				Nodeid:  node.Nodeid.Append(tree.Fragment{Val: segment, IsPath: true}),
				ShortID: segment,
				Status:  tree.StatusPending,
			}
			if node.ChildBranches == nil {
				node.ChildBranches = map[string]*tree.BranchNode{}
			}
			node.ChildBranches[segment] = child
		}
		node = child
	}
	return node
}

// DirExists reports whether the branch directory still exists on disk.
func DirExists(root string, id tree.Nodeid) bool {
	rel := filepath.FromSlash(id.String())
	info, err := os.Stat(filepath.Join(root, rel))
	return err == nil && info.IsDir()
}
