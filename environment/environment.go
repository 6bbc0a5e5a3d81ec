// Package environment manages the auxiliary process environment bound to a
// branch directory: a docker compose stack brought up and down on request.
// Only the observable state machine leaks out of this package; the tree
// mirrors it through environment_state patches.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/suiteview/suiteview/tree"
)

// ComposeFilename is the file that marks a branch directory as having an
// environment.
const ComposeFilename = "docker-compose.yml"

// StateError is returned when a lifecycle call is made in a state that does
// not permit it.
type StateError struct {
	From tree.EnvState
	To   tree.EnvState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot transition environment from %s to %s", e.From, e.To)
}

// IsStateError checks if the error is or wraps a StateError.
func IsStateError(err error) bool {
	var stateErr *StateError
	return err != nil && errors.As(err, &stateErr)
}

// Commander executes environment lifecycle commands. Injected so tests can
// run without docker.
type Commander interface {
	Up(ctx context.Context, composePath string) error
	Down(ctx context.Context, composePath string) error
}

// composeCommander shells out to docker compose.
type composeCommander struct {
	log *slog.Logger
}

// NewComposeCommander returns a Commander backed by the docker CLI.
func NewComposeCommander(log *slog.Logger) Commander {
	return &composeCommander{log: log}
}

func (c *composeCommander) Up(ctx context.Context, composePath string) error {
	return c.run(ctx, composePath, "up", "-d")
}

func (c *composeCommander) Down(ctx context.Context, composePath string) error {
	return c.run(ctx, composePath, "down")
}

func (c *composeCommander) run(ctx context.Context, composePath string, args ...string) error {
	cmdArgs := append([]string{"compose", "-f", composePath}, args...)
	cmd := exec.CommandContext(ctx, "docker", cmdArgs...)

	c.log.Debug("running environment command", "command", cmd.String())
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker compose %s: %w\noutput: %s", args[0], err, out)
	}
	return nil
}

// Manager owns the environment lifecycle for one branch directory. A
// directory without a compose file has a permanently inactive manager.
type Manager struct {
	composePath string
	commander   Commander
	log         *slog.Logger

	mu    sync.Mutex
	state tree.EnvState
}

// NewManager creates a manager for the given directory.
func NewManager(dir string, commander Commander, log *slog.Logger) *Manager {
	composePath := filepath.Join(dir, ComposeFilename)
	state := tree.EnvStateInactive
	if _, err := os.Stat(composePath); err == nil {
		state = tree.EnvStateStopped
	}
	return &Manager{
		composePath: composePath,
		commander:   commander,
		log:         log,
		state:       state,
	}
}

// State returns the current observable environment state.
func (m *Manager) State() tree.EnvState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start brings the environment up. Legal only while stopped.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != tree.EnvStateStopped {
		defer m.mu.Unlock()
		return &StateError{From: m.state, To: tree.EnvStateStarted}
	}
	m.mu.Unlock()

	if err := m.commander.Up(ctx, m.composePath); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = tree.EnvStateStarted
	m.mu.Unlock()
	return nil
}

// BeginStop moves the environment into the transient stopping state, so the
// transition is observable before the blocking shutdown. Legal only while
// started.
func (m *Manager) BeginStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != tree.EnvStateStarted {
		return &StateError{From: m.state, To: tree.EnvStateStopping}
	}
	m.state = tree.EnvStateStopping
	return nil
}

// FinishStop tears the environment down and completes the stop. Legal only
// while stopping.
func (m *Manager) FinishStop(ctx context.Context) error {
	m.mu.Lock()
	if m.state != tree.EnvStateStopping {
		defer m.mu.Unlock()
		return &StateError{From: m.state, To: tree.EnvStateStopped}
	}
	m.mu.Unlock()

	if err := m.commander.Down(ctx, m.composePath); err != nil {
		return err
	}

	m.mu.Lock()
	m.state = tree.EnvStateStopped
	m.mu.Unlock()
	return nil
}
