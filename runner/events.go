package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// TestEvent is a single event from the go test JSON output stream.
type TestEvent struct {
	Time    time.Time // Time the event occurred
	Action  string    // The action taken (run, pause, cont, pass, fail, skip, output)
	Package string    // The package being tested
	Test    string    // The test function name (empty for package events)
	Output  string    // Output text (may be empty)
	Elapsed float64   // Elapsed time in seconds for the specific action
}

// Actions emitted by the go test JSON protocol.
const (
	ActionRun    = "run"
	ActionPass   = "pass"
	ActionFail   = "fail"
	ActionSkip   = "skip"
	ActionOutput = "output"
	ActionStart  = "start"
)

// Executor runs the tests of one package and streams their events.
// Injected so the runner can be tested without the go toolchain.
type Executor interface {
	// Stream executes the package's tests, restricted to runFilter when
	// non-empty (an anchored regular expression for -run), sending each
	// event to events in order. A non-nil error means the run produced no
	// usable events; test failures are reported through the events, not
	// the error.
	Stream(ctx context.Context, pkgDir, runFilter string, events chan<- TestEvent) error
}

// goExecutor shells out to "go test -json".
type goExecutor struct {
	goBinary string
	workDir  string
}

// NewGoExecutor returns an Executor backed by the go binary, run from
// workDir with package paths relative to it.
func NewGoExecutor(goBinary, workDir string) Executor {
	return &goExecutor{goBinary: goBinary, workDir: workDir}
}

func (e *goExecutor) Stream(ctx context.Context, pkgDir, runFilter string, events chan<- TestEvent) error {
	args := []string{"test", "./" + pkgDir, "-count=1", "-json"}
	if runFilter != "" {
		args = append(args, "-run", runFilter)
	}

	cmd := exec.CommandContext(ctx, e.goBinary, args...)
	cmd.Dir = e.workDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting go test for %s: %w", pkgDir, err)
	}

	emitted := 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event TestEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			// Non-JSON lines show up when compilation fails; skip them,
			// the exit error below carries the signal.
			continue
		}
		events <- event
		emitted++
	}

	waitErr := cmd.Wait()
	if waitErr != nil && emitted == 0 {
		// Nothing usable came out: a build failure rather than failing
		// tests.
		return fmt.Errorf("go test for %s produced no events: %w", pkgDir, waitErr)
	}
	return nil
}
